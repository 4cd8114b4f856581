package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mediagate/internal/server/database"
	"mediagate/internal/server/keylock"
)

// ErrInvalidTransition is returned when a status change breaks the job state
// machine. The stored job is left untouched.
var ErrInvalidTransition = errors.New("invalid job transition")

// RestartDetail is recorded on jobs failed by Recover.
const RestartDetail = "interrupted by restart"

// FileRef points at the stored input of a job.
type FileRef struct {
	FileID   string
	FileName string
	Size     int64
	InputRef string
}

// Outcome carries the optional data attached by a transition.
type Outcome struct {
	OutputRef string
	Error     string
}

// HistoryAppender receives one entry per job that reaches a terminal state.
type HistoryAppender interface {
	Append(ctx context.Context, entry database.HistoryEntry) error
}

// Ledger is the authoritative record of job lifecycles.
type Ledger struct {
	store   database.JobStore
	history HistoryAppender
	locks   *keylock.Map
	now     func() time.Time
}

func New(store database.JobStore, history HistoryAppender) *Ledger {
	return &Ledger{
		store:   store,
		history: history,
		locks:   keylock.New(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob records a new pending job and returns its ID.
func (l *Ledger) CreateJob(ctx context.Context, ownerID string, file FileRef, category database.Category, action string) (string, error) {
	now := l.now()
	job := &database.Job{
		ID:        uuid.NewString(),
		UserID:    ownerID,
		FileID:    file.FileID,
		FileName:  file.FileName,
		FileSize:  file.Size,
		Category:  category,
		Action:    action,
		Status:    database.StatusPending,
		InputRef:  file.InputRef,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	slog.Debug("job created", "job_id", job.ID, "user_id", ownerID, "action", action)
	return job.ID, nil
}

// Transition moves a job to status to. Terminal transitions stamp the end
// time and duration and append exactly one history entry.
func (l *Ledger) Transition(ctx context.Context, jobID string, to database.JobStatus, out Outcome) (*database.Job, error) {
	unlock := l.locks.Lock(jobID)
	defer unlock()

	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	from := job.Status
	if !isValidTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := l.now()
	job.Status = to
	job.UpdatedAt = now
	if out.OutputRef != "" {
		job.OutputRef = out.OutputRef
	}
	if to == database.StatusFailed {
		job.Error = out.Error
	}
	if to.Terminal() {
		job.EndedAt = &now
		job.Duration = now.Sub(job.StartedAt)
	}

	if err := l.store.UpdateJob(ctx, job, from); err != nil {
		if errors.Is(err, database.ErrJobConflict) {
			// Another process moved the job first.
			return nil, fmt.Errorf("%w: %s -> %s: %w", ErrInvalidTransition, from, to, err)
		}
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if to.Terminal() {
		entry := database.HistoryEntry{
			UserID:            job.UserID,
			JobID:             job.ID,
			Action:            job.Action,
			Category:          job.Category,
			FileName:          job.FileName,
			FileSize:          job.FileSize,
			ProcessingSeconds: job.Duration.Seconds(),
			Status:            to,
			CreatedAt:         now,
		}
		if err := l.history.Append(ctx, entry); err != nil {
			// The transition is committed; the audit record is best effort.
			slog.Error("failed to record history", "job_id", job.ID, "status", to, "error", err)
		}
	}
	return job, nil
}

func (l *Ledger) Get(ctx context.Context, jobID string) (*database.Job, error) {
	return l.store.GetJob(ctx, jobID)
}

// ActiveCount counts the user's pending and processing jobs.
func (l *Ledger) ActiveCount(ctx context.Context, userID string) (int, error) {
	return l.store.CountJobs(ctx, userID, database.StatusPending, database.StatusProcessing)
}

// MostRecentCompleted returns the user's latest completed job, or nil.
func (l *Ledger) MostRecentCompleted(ctx context.Context, userID string) (*database.Job, error) {
	job, err := l.store.LatestJob(ctx, userID, database.StatusCompleted)
	if errors.Is(err, database.ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Recover fails jobs a previous process left pending or processing. It must
// run before the dispatcher accepts work.
func (l *Ledger) Recover(ctx context.Context) (int, error) {
	stale, err := l.store.ListJobsByStatus(ctx, database.StatusPending, database.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to list active jobs: %w", err)
	}

	recovered := 0
	for _, job := range stale {
		_, err := l.Transition(ctx, job.ID, database.StatusFailed, Outcome{Error: RestartDetail})
		if err != nil {
			slog.Warn("failed to recover job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		slog.Info("recovered interrupted jobs", "count", recovered)
	}
	return recovered, nil
}

// isValidTransition enforces the job state machine edges.
func isValidTransition(from, to database.JobStatus) bool {
	switch from {
	case database.StatusPending:
		return to == database.StatusProcessing || to == database.StatusFailed
	case database.StatusProcessing:
		return to == database.StatusCompleted || to == database.StatusFailed
	default:
		return false
	}
}
