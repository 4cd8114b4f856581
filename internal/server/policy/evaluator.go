package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mediagate/internal/server/config"
	"mediagate/internal/server/database"
)

const mb = 1024 * 1024

// Reason identifies why an admission was denied.
type Reason string

const (
	ReasonFileTooLarge     Reason = "file_too_large"
	ReasonConcurrencyLimit Reason = "concurrency_limit_reached"
	ReasonCooldownActive   Reason = "cooldown_active"
)

// TierLimits are the admission ceilings for one tier.
type TierLimits struct {
	Tier              database.Tier `json:"tier"`
	MaxFileSize       int64         `json:"max_file_size"`
	Cooldown          time.Duration `json:"-"`
	MaxConcurrentJobs int           `json:"concurrent_jobs"`
}

// Limits holds the ceilings of both tiers.
type Limits struct {
	Free    TierLimits
	Premium TierLimits
}

// LimitsFromConfig builds the tier table. Premium users never wait.
func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		Free: TierLimits{
			Tier:              database.TierFree,
			MaxFileSize:       cfg.MaxFileSizeFree,
			Cooldown:          cfg.FreeCooldown,
			MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		},
		Premium: TierLimits{
			Tier:              database.TierPremium,
			MaxFileSize:       cfg.MaxFileSizePremium,
			MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		},
	}
}

// For returns the limits that apply to tier. Unknown tiers get free limits.
func (l Limits) For(tier database.Tier) TierLimits {
	if tier == database.TierPremium {
		return l.Premium
	}
	return l.Free
}

// JobReader is the read side of the job ledger the evaluator needs.
type JobReader interface {
	ActiveCount(ctx context.Context, userID string) (int, error)
	// MostRecentCompleted returns nil when the user has no completed job.
	MostRecentCompleted(ctx context.Context, userID string) (*database.Job, error)
}

// TierResolver reports a user's effective tier.
type TierResolver interface {
	Tier(ctx context.Context, userID string) (database.Tier, error)
}

// Decision is the outcome of one evaluation. Limit and Remaining are only
// meaningful for the matching denial reason.
type Decision struct {
	Allowed   bool
	Reason    Reason
	Tier      database.Tier
	Limit     int64
	Remaining time.Duration
}

// Err converts a denial into a *Denial error, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &Denial{Reason: d.Reason, Limit: d.Limit, Remaining: d.Remaining}
}

// Denial is returned to callers whose request was not admitted. It is an
// expected outcome, not a fault.
type Denial struct {
	Reason    Reason
	Limit     int64
	Remaining time.Duration
}

func (d *Denial) Error() string {
	switch d.Reason {
	case ReasonFileTooLarge:
		return fmt.Sprintf("File too large. Max: %dMB", d.Limit/mb)
	case ReasonConcurrencyLimit:
		return fmt.Sprintf("Too many active jobs (limit %d)", d.Limit)
	case ReasonCooldownActive:
		secs := int64(d.Remaining / time.Second)
		return fmt.Sprintf("Wait %dm %ds before next file", secs/60, secs%60)
	default:
		return string(d.Reason)
	}
}

// RetryAfter rounds the remaining cooldown up to whole seconds.
func (d *Denial) RetryAfter() int64 {
	if d.Remaining <= 0 {
		return 0
	}
	return int64((d.Remaining + time.Second - 1) / time.Second)
}

// Evaluator decides whether a user may start a new job. It only reads.
type Evaluator struct {
	jobs   JobReader
	tiers  TierResolver
	limits Limits
}

func NewEvaluator(jobs JobReader, tiers TierResolver, limits Limits) *Evaluator {
	return &Evaluator{jobs: jobs, tiers: tiers, limits: limits}
}

// Limits exposes the configured tier table.
func (e *Evaluator) Limits() Limits {
	return e.limits
}

// Evaluate runs the size, concurrency and cooldown checks in that order and
// stops at the first failure. A returned error means the state could not be
// read; the caller must not admit in that case.
func (e *Evaluator) Evaluate(ctx context.Context, userID string, fileSize int64, now time.Time) (Decision, error) {
	tier, err := e.tiers.Tier(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to resolve tier: %w", err)
	}
	lim := e.limits.For(tier)

	if fileSize > lim.MaxFileSize {
		return e.deny(userID, Decision{Reason: ReasonFileTooLarge, Tier: tier, Limit: lim.MaxFileSize}), nil
	}

	active, err := e.jobs.ActiveCount(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count active jobs: %w", err)
	}
	if active >= lim.MaxConcurrentJobs {
		return e.deny(userID, Decision{Reason: ReasonConcurrencyLimit, Tier: tier, Limit: int64(lim.MaxConcurrentJobs)}), nil
	}

	if tier != database.TierPremium && lim.Cooldown > 0 {
		last, err := e.jobs.MostRecentCompleted(ctx, userID)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to load last completed job: %w", err)
		}
		if last != nil && last.EndedAt != nil {
			waitUntil := last.EndedAt.Add(lim.Cooldown)
			if waitUntil.After(now) {
				return e.deny(userID, Decision{
					Reason:    ReasonCooldownActive,
					Tier:      tier,
					Remaining: waitUntil.Sub(now),
				}), nil
			}
		}
	}

	return Decision{Allowed: true, Tier: tier}, nil
}

func (e *Evaluator) deny(userID string, d Decision) Decision {
	slog.Info("admission denied", "user_id", userID, "reason", d.Reason, "tier", d.Tier)
	return d
}
