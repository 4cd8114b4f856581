package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrSettingsNotFound = errors.New("settings not found")
	ErrJobNotFound      = errors.New("job not found")
	// ErrJobConflict means the stored status no longer matches the expected one.
	ErrJobConflict      = errors.New("job status changed concurrently")
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrConstraint means a write broke a schema constraint. Retrying will not help.
	ErrConstraint = errors.New("constraint violated")
)

type UserStore interface {
	// CreateUser inserts u unless the ID exists; created reports which happened.
	CreateUser(ctx context.Context, u *User) (created bool, err error)
	GetUser(ctx context.Context, id string) (*User, error)
	TouchUser(ctx context.Context, id string, at time.Time) error
	SetUserTier(ctx context.Context, id string, tier Tier) error
	AddUserStats(ctx context.Context, id string, delta StatsDelta) error
}

type SettingsStore interface {
	GetSettings(ctx context.Context, userID string) (*UserSettings, error)
	SaveSettings(ctx context.Context, s *UserSettings) error
}

type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// UpdateJob writes job only if the stored status equals expected.
	UpdateJob(ctx context.Context, job *Job, expected JobStatus) error
	CountJobs(ctx context.Context, userID string, statuses ...JobStatus) (int, error)
	// LatestJob returns the job with the latest end time in status, or ErrJobNotFound.
	LatestJob(ctx context.Context, userID string, status JobStatus) (*Job, error)
	ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]*Job, error)
}

type HistoryStore interface {
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	ListHistory(ctx context.Context, userID string, limit int) ([]*HistoryEntry, error)
}

// Store is the full persistence boundary used by the core.
type Store interface {
	UserStore
	SettingsStore
	JobStore
	HistoryStore
	Ping(ctx context.Context) error
	Close()
}

// storeErr classifies a driver error. Constraint violations mean the write
// itself was wrong; everything else is a persistence fault that callers must
// fail closed on.
func storeErr(op string, err error) error {
	var pgErr *pgconn.PgError
	isPg := errors.As(err, &pgErr)
	switch {
	// Every foreign key in the schema points at users(id).
	case isPg && pgErr.Code == pgerrForeignKey, errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("failed to %s: %w: %w", op, ErrUserNotFound, err)
	case isPg && strings.HasPrefix(pgErr.Code, pgerrIntegrityClass),
		errors.Is(err, gorm.ErrDuplicatedKey),
		errors.Is(err, gorm.ErrCheckConstraintViolated):
		return fmt.Errorf("failed to %s: %w: %w", op, ErrConstraint, err)
	}
	return fmt.Errorf("failed to %s: %w: %w", op, ErrStoreUnavailable, err)
}

// SQLSTATE codes, see https://www.postgresql.org/docs/current/errcodes-appendix.html.
const (
	pgerrIntegrityClass = "23"
	pgerrForeignKey     = "23503"
)
