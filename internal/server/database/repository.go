package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	db *DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, user_id, file_id, file_name, file_size, category, action, status,
	input_ref, output_ref, error, started_at, ended_at, duration_ms, updated_at`

// CreateUser inserts a new user unless one with the same ID exists.
func (r *PostgresStore) CreateUser(ctx context.Context, u *User) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO users (id, username, tier, joined_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, u.ID, u.Username, string(u.Tier), u.JoinedAt, u.LastActiveAt)
	if err != nil {
		return false, storeErr("create user", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetUser retrieves a user by ID.
func (r *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var tier string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, username, tier, total_files, total_size, total_processing_seconds,
			   joined_at, last_active_at
		FROM users WHERE id = $1
	`, id).Scan(
		&u.ID,
		&u.Username,
		&tier,
		&u.TotalFiles,
		&u.TotalSize,
		&u.TotalProcessingSeconds,
		&u.JoinedAt,
		&u.LastActiveAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, storeErr("get user", err)
	}
	u.Tier = Tier(tier)
	return u, nil
}

// TouchUser refreshes the last-active timestamp.
func (r *PostgresStore) TouchUser(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, "UPDATE users SET last_active_at = $2 WHERE id = $1", id, at)
	if err != nil {
		return storeErr("touch user", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetUserTier changes the tier of an existing user.
func (r *PostgresStore) SetUserTier(ctx context.Context, id string, tier Tier) error {
	tag, err := r.db.Pool.Exec(ctx, "UPDATE users SET tier = $2 WHERE id = $1", id, string(tier))
	if err != nil {
		return storeErr("set user tier", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// AddUserStats atomically increments the cumulative counters.
func (r *PostgresStore) AddUserStats(ctx context.Context, id string, delta StatsDelta) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE users SET
			total_files = total_files + $2,
			total_size = total_size + $3,
			total_processing_seconds = total_processing_seconds + $4,
			last_active_at = GREATEST(last_active_at, $5)
		WHERE id = $1
	`, id, delta.Files, delta.Bytes, delta.Seconds, delta.At)
	if err != nil {
		return storeErr("update user stats", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetSettings retrieves the settings record for a user.
func (r *PostgresStore) GetSettings(ctx context.Context, userID string) (*UserSettings, error) {
	s := &UserSettings{}
	var mode string
	var audio, tags []byte
	err := r.db.Pool.QueryRow(ctx, `
		SELECT user_id, bulk_mode, thumbnail, rename_files, upload_mode, metadata,
			   audio, tags, created_at, updated_at
		FROM user_settings WHERE user_id = $1
	`, userID).Scan(
		&s.UserID,
		&s.BulkMode,
		&s.Thumbnail,
		&s.RenameFiles,
		&mode,
		&s.Metadata,
		&audio,
		&tags,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettingsNotFound
		}
		return nil, storeErr("get settings", err)
	}
	s.UploadMode = UploadMode(mode)
	if err := json.Unmarshal(audio, &s.Audio); err != nil {
		return nil, fmt.Errorf("failed to decode audio settings: %w", err)
	}
	if err := json.Unmarshal(tags, &s.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	if s.Tags == nil {
		s.Tags = map[string]string{}
	}
	return s, nil
}

// SaveSettings upserts the full settings record.
func (r *PostgresStore) SaveSettings(ctx context.Context, s *UserSettings) error {
	audio, err := json.Marshal(s.Audio)
	if err != nil {
		return fmt.Errorf("failed to encode audio settings: %w", err)
	}
	tags := s.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	tagBytes, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO user_settings (
			user_id, bulk_mode, thumbnail, rename_files, upload_mode, metadata,
			audio, tags, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			bulk_mode = EXCLUDED.bulk_mode,
			thumbnail = EXCLUDED.thumbnail,
			rename_files = EXCLUDED.rename_files,
			upload_mode = EXCLUDED.upload_mode,
			metadata = EXCLUDED.metadata,
			audio = EXCLUDED.audio,
			tags = EXCLUDED.tags,
			updated_at = EXCLUDED.updated_at
	`,
		s.UserID,
		s.BulkMode,
		s.Thumbnail,
		s.RenameFiles,
		string(s.UploadMode),
		s.Metadata,
		audio,
		tagBytes,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return storeErr("save settings", err)
	}
	return nil
}

// CreateJob inserts a new job record.
func (r *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		job.ID,
		job.UserID,
		job.FileID,
		job.FileName,
		job.FileSize,
		string(job.Category),
		job.Action,
		string(job.Status),
		job.InputRef,
		job.OutputRef,
		job.Error,
		job.StartedAt,
		job.EndedAt,
		job.Duration.Milliseconds(),
		job.UpdatedAt,
	)
	if err != nil {
		return storeErr("create job", err)
	}
	return nil
}

// GetJob retrieves a job by its ID.
func (r *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(r.db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, storeErr("get job", err)
	}
	return job, nil
}

// UpdateJob writes the mutable job columns if the stored status is still expected.
func (r *PostgresStore) UpdateJob(ctx context.Context, job *Job, expected JobStatus) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs SET
			status = $3,
			input_ref = $4,
			output_ref = $5,
			error = $6,
			ended_at = $7,
			duration_ms = $8,
			updated_at = $9
		WHERE id = $1 AND status = $2
	`,
		job.ID,
		string(expected),
		string(job.Status),
		job.InputRef,
		job.OutputRef,
		job.Error,
		job.EndedAt,
		job.Duration.Milliseconds(),
		job.UpdatedAt,
	)
	if err != nil {
		return storeErr("update job", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)", job.ID,
	).Scan(&exists); err != nil {
		return storeErr("check job", err)
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrJobConflict
}

// CountJobs counts a user's jobs in any of the given statuses.
func (r *PostgresStore) CountJobs(ctx context.Context, userID string, statuses ...JobStatus) (int, error) {
	var n int
	var err error
	if len(statuses) == 0 {
		err = r.db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE user_id = $1", userID).Scan(&n)
	} else {
		err = r.db.Pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM jobs WHERE user_id = $1 AND status = ANY($2)",
			userID, statusStrings(statuses),
		).Scan(&n)
	}
	if err != nil {
		return 0, storeErr("count jobs", err)
	}
	return n, nil
}

// LatestJob returns the user's job in status with the most recent end time.
func (r *PostgresStore) LatestJob(ctx context.Context, userID string, status JobStatus) (*Job, error) {
	job, err := scanJob(r.db.Pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = $1 AND status = $2 AND ended_at IS NOT NULL
		ORDER BY ended_at DESC
		LIMIT 1
	`, userID, string(status)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, storeErr("get latest job", err)
	}
	return job, nil
}

// ListJobsByStatus returns every job in one of the given statuses, oldest first.
func (r *PostgresStore) ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ANY($1)
		ORDER BY started_at
	`, statusStrings(statuses))
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AppendHistory inserts one history entry and sets its ID.
func (r *PostgresStore) AppendHistory(ctx context.Context, e *HistoryEntry) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO history (
			user_id, job_id, action, category, file_name, file_size,
			processing_seconds, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		e.UserID,
		e.JobID,
		e.Action,
		string(e.Category),
		e.FileName,
		e.FileSize,
		e.ProcessingSeconds,
		string(e.Status),
		e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return storeErr("append history", err)
	}
	return nil
}

// ListHistory returns the newest entries for a user.
func (r *PostgresStore) ListHistory(ctx context.Context, userID string, limit int) ([]*HistoryEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, user_id, job_id, action, category, file_name, file_size,
			   processing_seconds, status, created_at
		FROM history WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, storeErr("list history", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var category, status string
		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.JobID,
			&e.Action,
			&category,
			&e.FileName,
			&e.FileSize,
			&e.ProcessingSeconds,
			&status,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.Category = Category(category)
		e.Status = JobStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ping verifies the database connection is alive.
func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// Close shuts down the underlying pool.
func (r *PostgresStore) Close() {
	r.db.Close()
}

func scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	var category, status string
	var durationMS int64
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.FileID,
		&job.FileName,
		&job.FileSize,
		&category,
		&job.Action,
		&status,
		&job.InputRef,
		&job.OutputRef,
		&job.Error,
		&job.StartedAt,
		&job.EndedAt,
		&durationMS,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Category = Category(category)
	job.Status = JobStatus(status)
	job.Duration = time.Duration(durationMS) * time.Millisecond
	return job, nil
}

func statusStrings(statuses []JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
