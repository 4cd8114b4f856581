package history

import (
	"context"
	"fmt"
	"time"

	"mediagate/internal/server/database"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Store is the persistence the recorder needs: the history table plus the
// user counters it maintains.
type Store interface {
	database.HistoryStore
	GetUser(ctx context.Context, id string) (*database.User, error)
	AddUserStats(ctx context.Context, id string, delta database.StatsDelta) error
}

// Stats are the cumulative per-user counters.
type Stats struct {
	UserID                 string        `json:"user_id"`
	Tier                   database.Tier `json:"tier"`
	TotalFiles             int64         `json:"total_files"`
	TotalSize              int64         `json:"total_size"`
	TotalProcessingSeconds float64       `json:"total_processing_seconds"`
	JoinedAt               time.Time     `json:"joined_at"`
	LastActiveAt           time.Time     `json:"last_active_at"`
}

// Recorder keeps the append-only job history.
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Append records one terminal job. Only completed entries count toward the
// user's cumulative stats; failed ones are kept for audit.
func (r *Recorder) Append(ctx context.Context, entry database.HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := r.store.AppendHistory(ctx, &entry); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	if entry.Status != database.StatusCompleted {
		return nil
	}
	err := r.store.AddUserStats(ctx, entry.UserID, database.StatsDelta{
		Files:   1,
		Bytes:   entry.FileSize,
		Seconds: entry.ProcessingSeconds,
		At:      entry.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to update user stats: %w", err)
	}
	return nil
}

// QueryRecent returns the newest entries first. limit is clamped to
// [1, MaxLimit]; zero or negative means DefaultLimit.
func (r *Recorder) QueryRecent(ctx context.Context, userID string, limit int) ([]database.HistoryEntry, error) {
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	rows, err := r.store.ListHistory(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	out := make([]database.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

func (r *Recorder) Stats(ctx context.Context, userID string) (Stats, error) {
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to load user stats: %w", err)
	}
	return Stats{
		UserID:                 u.ID,
		Tier:                   u.Tier,
		TotalFiles:             u.TotalFiles,
		TotalSize:              u.TotalSize,
		TotalProcessingSeconds: u.TotalProcessingSeconds,
		JoinedAt:               u.JoinedAt,
		LastActiveAt:           u.LastActiveAt,
	}, nil
}
