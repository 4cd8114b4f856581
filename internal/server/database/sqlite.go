package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLiteStore implements Store with gorm over an embedded SQLite file.
// It serves single-node deployments and tests.
type SQLiteStore struct {
	db *gorm.DB
}

type userRow struct {
	ID                     string `gorm:"primaryKey;size:64"`
	Username               string
	Tier                   string `gorm:"size:16;not null;default:free"`
	TotalFiles             int64
	TotalSize              int64
	TotalProcessingSeconds float64
	JoinedAt               time.Time
	LastActiveAt           time.Time
}

func (userRow) TableName() string { return "users" }

type settingsRow struct {
	UserID      string `gorm:"primaryKey;size:64"`
	BulkMode    bool
	Thumbnail   bool
	RenameFiles bool
	UploadMode  string            `gorm:"size:16"`
	Metadata    bool
	Audio       AudioSettings     `gorm:"serializer:json"`
	Tags        map[string]string `gorm:"serializer:json"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (settingsRow) TableName() string { return "user_settings" }

type jobRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	UserID     string `gorm:"size:64;index:idx_jobs_user_status,priority:1"`
	FileID     string
	FileName   string
	FileSize   int64
	Category   string `gorm:"size:16"`
	Action     string `gorm:"size:32"`
	Status     string `gorm:"size:16;index:idx_jobs_user_status,priority:2"`
	InputRef   string
	OutputRef  string
	Error      string
	StartedAt  time.Time
	EndedAt    *time.Time
	DurationMS int64
	UpdatedAt  time.Time
}

func (jobRow) TableName() string { return "jobs" }

type historyRow struct {
	ID                int64  `gorm:"primaryKey;autoIncrement"`
	UserID            string `gorm:"size:64;index:idx_history_user_created,priority:1"`
	JobID             string `gorm:"size:36;uniqueIndex"`
	Action            string
	Category          string
	FileName          string
	FileSize          int64
	ProcessingSeconds float64
	Status            string
	CreatedAt         time.Time `gorm:"index:idx_history_user_created,priority:2"`
}

func (historyRow) TableName() string { return "history" }

// OpenSQLite opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&userRow{}, &settingsRow{}, &jobRow{}, &historyRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) (bool, error) {
	row := userRow{
		ID:           u.ID,
		Username:     u.Username,
		Tier:         string(u.Tier),
		JoinedAt:     u.JoinedAt,
		LastActiveAt: u.LastActiveAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, storeErr("create user", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, storeErr("get user", err)
	}
	return &User{
		ID:                     row.ID,
		Username:               row.Username,
		Tier:                   Tier(row.Tier),
		TotalFiles:             row.TotalFiles,
		TotalSize:              row.TotalSize,
		TotalProcessingSeconds: row.TotalProcessingSeconds,
		JoinedAt:               row.JoinedAt,
		LastActiveAt:           row.LastActiveAt,
	}, nil
}

func (s *SQLiteStore) TouchUser(ctx context.Context, id string, at time.Time) error {
	return s.updateUser(ctx, "touch user", id, map[string]any{"last_active_at": at})
}

func (s *SQLiteStore) SetUserTier(ctx context.Context, id string, tier Tier) error {
	return s.updateUser(ctx, "set user tier", id, map[string]any{"tier": string(tier)})
}

func (s *SQLiteStore) AddUserStats(ctx context.Context, id string, delta StatsDelta) error {
	return s.updateUser(ctx, "update user stats", id, map[string]any{
		"total_files":              gorm.Expr("total_files + ?", delta.Files),
		"total_size":               gorm.Expr("total_size + ?", delta.Bytes),
		"total_processing_seconds": gorm.Expr("total_processing_seconds + ?", delta.Seconds),
		"last_active_at":           delta.At,
	})
}

func (s *SQLiteStore) updateUser(ctx context.Context, op, id string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return storeErr(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLiteStore) GetSettings(ctx context.Context, userID string) (*UserSettings, error) {
	var row settingsRow
	if err := s.db.WithContext(ctx).First(&row, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSettingsNotFound
		}
		return nil, storeErr("get settings", err)
	}
	if row.Tags == nil {
		row.Tags = map[string]string{}
	}
	return &UserSettings{
		UserID:      row.UserID,
		BulkMode:    row.BulkMode,
		Thumbnail:   row.Thumbnail,
		RenameFiles: row.RenameFiles,
		UploadMode:  UploadMode(row.UploadMode),
		Metadata:    row.Metadata,
		Audio:       row.Audio,
		Tags:        row.Tags,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, st *UserSettings) error {
	row := settingsRow{
		UserID:      st.UserID,
		BulkMode:    st.BulkMode,
		Thumbnail:   st.Thumbnail,
		RenameFiles: st.RenameFiles,
		UploadMode:  string(st.UploadMode),
		Metadata:    st.Metadata,
		Audio:       st.Audio,
		Tags:        st.Tags,
		CreatedAt:   st.CreatedAt,
		UpdatedAt:   st.UpdatedAt,
	}
	if row.Tags == nil {
		row.Tags = map[string]string{}
	}
	// Save on a primary-keyed row upserts every column.
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return storeErr("save settings", err)
	}
	return nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	row := toJobRow(job)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return storeErr("create job", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, storeErr("get job", err)
	}
	return row.toJob(), nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *Job, expected JobStatus) error {
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status = ?", job.ID, string(expected)).
		Updates(map[string]any{
			"status":      string(job.Status),
			"input_ref":   job.InputRef,
			"output_ref":  job.OutputRef,
			"error":       job.Error,
			"ended_at":    job.EndedAt,
			"duration_ms": job.Duration.Milliseconds(),
			"updated_at":  job.UpdatedAt,
		})
	if res.Error != nil {
		return storeErr("update job", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var n int64
	if err := s.db.WithContext(ctx).Model(&jobRow{}).Where("id = ?", job.ID).Count(&n).Error; err != nil {
		return storeErr("check job", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return ErrJobConflict
}

func (s *SQLiteStore) CountJobs(ctx context.Context, userID string, statuses ...JobStatus) (int, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{}).Where("user_id = ?", userID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(statuses))
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, storeErr("count jobs", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) LatestJob(ctx context.Context, userID string, status JobStatus) (*Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND ended_at IS NOT NULL", userID, string(status)).
		Order("ended_at DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, storeErr("get latest job", err)
	}
	return row.toJob(), nil
}

func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", statusStrings(statuses)).
		Order("started_at").
		Find(&rows).Error
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toJob())
	}
	return jobs, nil
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, e *HistoryEntry) error {
	row := historyRow{
		UserID:            e.UserID,
		JobID:             e.JobID,
		Action:            e.Action,
		Category:          string(e.Category),
		FileName:          e.FileName,
		FileSize:          e.FileSize,
		ProcessingSeconds: e.ProcessingSeconds,
		Status:            string(e.Status),
		CreatedAt:         e.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return storeErr("append history", err)
	}
	e.ID = row.ID
	return nil
}

func (s *SQLiteStore) ListHistory(ctx context.Context, userID string, limit int) ([]*HistoryEntry, error) {
	var rows []historyRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, storeErr("list history", err)
	}
	out := make([]*HistoryEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, &HistoryEntry{
			ID:                row.ID,
			UserID:            row.UserID,
			JobID:             row.JobID,
			Action:            row.Action,
			Category:          Category(row.Category),
			FileName:          row.FileName,
			FileSize:          row.FileSize,
			ProcessingSeconds: row.ProcessingSeconds,
			Status:            JobStatus(row.Status),
			CreatedAt:         row.CreatedAt,
		})
	}
	return out, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func toJobRow(job *Job) jobRow {
	return jobRow{
		ID:         job.ID,
		UserID:     job.UserID,
		FileID:     job.FileID,
		FileName:   job.FileName,
		FileSize:   job.FileSize,
		Category:   string(job.Category),
		Action:     job.Action,
		Status:     string(job.Status),
		InputRef:   job.InputRef,
		OutputRef:  job.OutputRef,
		Error:      job.Error,
		StartedAt:  job.StartedAt,
		EndedAt:    job.EndedAt,
		DurationMS: job.Duration.Milliseconds(),
		UpdatedAt:  job.UpdatedAt,
	}
}

func (r jobRow) toJob() *Job {
	return &Job{
		ID:        r.ID,
		UserID:    r.UserID,
		FileID:    r.FileID,
		FileName:  r.FileName,
		FileSize:  r.FileSize,
		Category:  Category(r.Category),
		Action:    r.Action,
		Status:    JobStatus(r.Status),
		InputRef:  r.InputRef,
		OutputRef: r.OutputRef,
		Error:     r.Error,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Duration:  time.Duration(r.DurationMS) * time.Millisecond,
		UpdatedAt: r.UpdatedAt,
	}
}
