package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mediagate/internal/server/config"
	"mediagate/internal/server/database"
	"mediagate/internal/server/dispatcher"
	"mediagate/internal/server/events"
	"mediagate/internal/server/history"
	"mediagate/internal/server/ledger"
	"mediagate/internal/server/policy"
	"mediagate/internal/server/settings"
	"mediagate/internal/server/storage"
	"mediagate/internal/server/transcoder"
	"mediagate/internal/server/users"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound          = errors.New("not found")
	ErrNotReady          = errors.New("job has no output yet")
	ErrJobFinished       = errors.New("job already finished")
	ErrUnsupportedFile   = errors.New("unsupported file type")
	ErrInvalidZip        = errors.New("invalid or corrupt ZIP file")
	ErrDangerousFile     = errors.New("file contains potentially dangerous content")
	ErrInvalidAdminToken = errors.New("invalid admin token")
	ErrMissingUser       = errors.New("user id is required")
)

// defaultActions is used when an upload names no action.
var defaultActions = map[database.Category]string{
	database.CategoryVideo:    "extract_audio",
	database.CategoryAudio:    "convert_audio",
	database.CategoryDocument: "archive",
}

// UploadRequest is one inbound file with its requested action.
type UploadRequest struct {
	UserID   string
	Username string
	FileName string
	Size     int64
	Action   string
	Body     io.Reader
}

// SubmitResult is returned once a job is admitted.
type SubmitResult struct {
	JobID    string             `json:"job_id"`
	Status   database.JobStatus `json:"status"`
	FileName string             `json:"file_name"`
	Category database.Category  `json:"category"`
	Action   string             `json:"action"`
	Size     int64              `json:"size"`

	ticket *dispatcher.Ticket
}

// Wait blocks until the job settles or ctx ends.
func (r *SubmitResult) Wait(ctx context.Context) (dispatcher.Result, error) {
	return r.ticket.Wait(ctx)
}

// JobView is the client-facing view of a job.
type JobView struct {
	ID          string             `json:"id"`
	Status      database.JobStatus `json:"status"`
	FileName    string             `json:"file_name"`
	FileSize    int64              `json:"file_size"`
	Category    database.Category  `json:"category"`
	Action      string             `json:"action"`
	DownloadURL string             `json:"download_url,omitempty"`
	Error       string             `json:"error,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	EndedAt     *time.Time         `json:"ended_at,omitempty"`
	Duration    float64            `json:"duration_seconds"`
}

// UserStatus bundles a user's counters with the limits that apply to them.
type UserStatus struct {
	history.Stats
	Limits     policy.TierLimits `json:"limits"`
	ActiveJobs int               `json:"active_jobs"`
}

// Deps are the components JobService coordinates.
type Deps struct {
	Users      *users.Directory
	Settings   *settings.Store
	History    *history.Recorder
	Ledger     *ledger.Ledger
	Evaluator  *policy.Evaluator
	Dispatcher *dispatcher.Dispatcher
	Events     *events.Bus
	Files      storage.Store
	DB         database.Store
}

// JobService contains the business logic behind the HTTP surface.
type JobService struct {
	deps Deps
	cfg  *config.Config
}

func NewJobService(deps Deps, cfg *config.Config) *JobService {
	return &JobService{deps: deps, cfg: cfg}
}

// SubmitUpload stores the input and hands it to the dispatcher. Nothing is
// left behind when the request is denied or fails.
func (s *JobService) SubmitUpload(ctx context.Context, req UploadRequest) (*SubmitResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, ErrMissingUser
	}
	if _, err := s.deps.Users.Ensure(ctx, req.UserID, req.Username); err != nil {
		return nil, fmt.Errorf("%w: %w", database.ErrStoreUnavailable, err)
	}

	name := sanitizeFilename(req.FileName)
	category, ok := transcoder.CategoryOf(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, filepath.Ext(name))
	}
	action := strings.TrimSpace(req.Action)
	if action == "" {
		action = defaultActions[category]
	}
	if _, err := transcoder.ParseAction(category, action); err != nil {
		return nil, err
	}

	// Reject on the declared size before storing anything. The dispatcher
	// repeats the check with the stored size.
	decision, err := s.deps.Evaluator.Evaluate(ctx, req.UserID, req.Size, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", database.ErrStoreUnavailable, err)
	}
	if !decision.Allowed {
		return nil, decision.Err()
	}

	fileID, err := generateSecureToken(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate file ID: %w", err)
	}
	inputRef := path.Join("inputs", req.UserID, fileID, name)

	stored, err := s.deps.Files.Save(ctx, inputRef, req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	if category == database.CategoryDocument && strings.EqualFold(filepath.Ext(name), ".zip") {
		if err := s.checkZip(ctx, inputRef); err != nil {
			s.discard(inputRef)
			return nil, err
		}
	}

	ticket, err := s.deps.Dispatcher.Submit(ctx, dispatcher.Request{
		UserID: req.UserID,
		File: ledger.FileRef{
			FileID:   fileID,
			FileName: name,
			Size:     stored,
			InputRef: inputRef,
		},
		Category: category,
		Action:   action,
	})
	if err != nil {
		s.discard(inputRef)
		return nil, err
	}

	slog.Info("job submitted",
		"job_id", ticket.JobID,
		"user_id", req.UserID,
		"file", name,
		"size", stored,
		"action", action,
	)

	return &SubmitResult{
		JobID:    ticket.JobID,
		Status:   database.StatusPending,
		FileName: name,
		Category: category,
		Action:   action,
		Size:     stored,
		ticket:   ticket,
	}, nil
}

func (s *JobService) checkZip(ctx context.Context, inputRef string) error {
	p, err := s.deps.Files.GetPath(ctx, inputRef)
	if err != nil {
		return fmt.Errorf("failed to open stored file: %w", err)
	}
	_, err = validateZipFile(p)
	return err
}

// discard removes an input that will never be processed.
func (s *JobService) discard(inputRef string) {
	if err := s.deps.Files.Delete(context.Background(), inputRef); err != nil {
		slog.Error("failed to discard input", "ref", inputRef, "error", err)
	}
}

// GetJob returns the job if it belongs to userID. Other users' jobs are
// reported as not found.
func (s *JobService) GetJob(ctx context.Context, userID, jobID string) (*JobView, error) {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	return s.view(job), nil
}

func (s *JobService) CancelJob(ctx context.Context, userID, jobID string) error {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job is %s", ErrJobFinished, job.Status)
	}
	if err := s.deps.Dispatcher.Cancel(jobID); err != nil {
		if errors.Is(err, dispatcher.ErrJobNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Output returns the local path and download name of a completed job.
func (s *JobService) Output(ctx context.Context, userID, jobID string) (string, string, error) {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return "", "", err
	}
	if job.Status != database.StatusCompleted || job.OutputRef == "" {
		return "", "", ErrNotReady
	}
	p, err := s.deps.Files.GetPath(ctx, job.OutputRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("failed to resolve output: %w", err)
	}
	return p, path.Base(job.OutputRef), nil
}

func (s *JobService) ownedJob(ctx context.Context, userID, jobID string) (*database.Job, error) {
	job, err := s.deps.Ledger.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrNotFound
	}
	return job, nil
}

func (s *JobService) view(job *database.Job) *JobView {
	v := &JobView{
		ID:        job.ID,
		Status:    job.Status,
		FileName:  job.FileName,
		FileSize:  job.FileSize,
		Category:  job.Category,
		Action:    job.Action,
		Error:     job.Error,
		StartedAt: job.StartedAt,
		EndedAt:   job.EndedAt,
		Duration:  job.Duration.Seconds(),
	}
	if job.Status == database.StatusCompleted {
		v.DownloadURL = fmt.Sprintf("%s/api/v1/jobs/%s/output", s.cfg.BaseURL, job.ID)
	}
	return v
}

// Settings belong to a registered user; unknown IDs are not found rather
// than silently given a fresh record.
func (s *JobService) GetSettings(ctx context.Context, userID string) (database.UserSettings, error) {
	return s.withUser(ctx, userID, func() (database.UserSettings, error) {
		return s.deps.Settings.Get(ctx, userID)
	})
}

func (s *JobService) UpdateSettings(ctx context.Context, userID string, p settings.Patch) (database.UserSettings, error) {
	return s.withUser(ctx, userID, func() (database.UserSettings, error) {
		return s.deps.Settings.Update(ctx, userID, p)
	})
}

func (s *JobService) ResetSettings(ctx context.Context, userID string) (database.UserSettings, error) {
	return s.withUser(ctx, userID, func() (database.UserSettings, error) {
		return s.deps.Settings.Reset(ctx, userID)
	})
}

func (s *JobService) withUser(ctx context.Context, userID string, fn func() (database.UserSettings, error)) (database.UserSettings, error) {
	if _, err := s.deps.Users.Get(ctx, userID); err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return database.UserSettings{}, ErrNotFound
		}
		return database.UserSettings{}, err
	}
	st, err := fn()
	if errors.Is(err, database.ErrUserNotFound) {
		// Removed between the check and the write.
		return database.UserSettings{}, ErrNotFound
	}
	return st, err
}

func (s *JobService) History(ctx context.Context, userID string, limit int) ([]database.HistoryEntry, error) {
	return s.deps.History.QueryRecent(ctx, userID, limit)
}

func (s *JobService) Status(ctx context.Context, userID string) (*UserStatus, error) {
	stats, err := s.deps.History.Stats(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	limits, err := s.deps.Users.Limits(ctx, userID)
	if err != nil {
		return nil, err
	}
	active, err := s.deps.Ledger.ActiveCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats.Tier = limits.Tier
	return &UserStatus{Stats: stats, Limits: limits, ActiveJobs: active}, nil
}

func (s *JobService) Limits(ctx context.Context, userID string) (policy.TierLimits, error) {
	return s.deps.Users.Limits(ctx, userID)
}

func (s *JobService) Events(userID string, since int64) []events.Event {
	return s.deps.Events.SinceForUser(userID, since)
}

// Subscribe streams the user's events after since. cancel must be called.
func (s *JobService) Subscribe(userID string, since int64) ([]events.Event, <-chan events.Event, func()) {
	return s.deps.Events.Subscribe(userID, since, 0)
}

// SetTier applies an upgrade or downgrade. token is checked against the
// configured bcrypt hash; an empty hash disables the operation.
func (s *JobService) SetTier(ctx context.Context, token, userID string, tier database.Tier) error {
	if s.cfg.AdminTokenHash == "" || token == "" {
		return ErrInvalidAdminToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminTokenHash), []byte(token)); err != nil {
		return ErrInvalidAdminToken
	}
	if err := s.deps.Users.SetTier(ctx, userID, tier); err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Health reports store reachability and pool usage.
func (s *JobService) Health(ctx context.Context) (dispatcher.Stats, error) {
	if err := s.deps.DB.Ping(ctx); err != nil {
		return dispatcher.Stats{}, fmt.Errorf("%w: %w", database.ErrStoreUnavailable, err)
	}
	return s.deps.Dispatcher.Stats(), nil
}
