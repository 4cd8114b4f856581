package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mediagate/internal/server/database"
	"mediagate/internal/server/policy"
)

var ErrInvalidTier = errors.New("invalid tier")

// SettingsInitializer creates a user's default settings.
type SettingsInitializer interface {
	Get(ctx context.Context, userID string) (database.UserSettings, error)
}

// Directory owns user records and tier resolution.
type Directory struct {
	store    database.UserStore
	settings SettingsInitializer
	premium  map[string]struct{}
	limits   policy.Limits
}

func NewDirectory(store database.UserStore, settings SettingsInitializer, premiumIDs []string, limits policy.Limits) *Directory {
	premium := make(map[string]struct{}, len(premiumIDs))
	for _, id := range premiumIDs {
		premium[id] = struct{}{}
	}
	return &Directory{store: store, settings: settings, premium: premium, limits: limits}
}

// Ensure creates the user and its default settings on first contact and
// refreshes last-active otherwise.
func (d *Directory) Ensure(ctx context.Context, userID, username string) (*database.User, error) {
	now := time.Now().UTC()
	tier := database.TierFree
	if d.isConfiguredPremium(userID) {
		tier = database.TierPremium
	}

	created, err := d.store.CreateUser(ctx, &database.User{
		ID:           userID,
		Username:     username,
		Tier:         tier,
		JoinedAt:     now,
		LastActiveAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if created {
		slog.Info("user registered", "user_id", userID, "tier", tier)
	} else if err := d.store.TouchUser(ctx, userID, now); err != nil {
		return nil, fmt.Errorf("failed to touch user: %w", err)
	}

	if _, err := d.settings.Get(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to initialize settings: %w", err)
	}
	return d.store.GetUser(ctx, userID)
}

// Get returns the stored user, or database.ErrUserNotFound.
func (d *Directory) Get(ctx context.Context, userID string) (*database.User, error) {
	return d.store.GetUser(ctx, userID)
}

// Tier resolves the effective tier. Configured premium IDs win over the
// stored value; unknown users are free.
func (d *Directory) Tier(ctx context.Context, userID string) (database.Tier, error) {
	if d.isConfiguredPremium(userID) {
		return database.TierPremium, nil
	}
	u, err := d.store.GetUser(ctx, userID)
	if errors.Is(err, database.ErrUserNotFound) {
		return database.TierFree, nil
	}
	if err != nil {
		return "", err
	}
	if u.Tier == database.TierPremium {
		return database.TierPremium, nil
	}
	return database.TierFree, nil
}

// SetTier is the external upgrade (or downgrade) action.
func (d *Directory) SetTier(ctx context.Context, userID string, tier database.Tier) error {
	if tier != database.TierFree && tier != database.TierPremium {
		return fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	if err := d.store.SetUserTier(ctx, userID, tier); err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	slog.Info("user tier changed", "user_id", userID, "tier", tier)
	return nil
}

// Limits returns the limits that currently apply to the user.
func (d *Directory) Limits(ctx context.Context, userID string) (policy.TierLimits, error) {
	tier, err := d.Tier(ctx, userID)
	if err != nil {
		return policy.TierLimits{}, err
	}
	return d.limits.For(tier), nil
}

func (d *Directory) isConfiguredPremium(userID string) bool {
	_, ok := d.premium[userID]
	return ok
}
