package storage

import (
	"context"
	"log/slog"
	"time"
)

// CleanupService periodically removes stored inputs and outputs older than
// the retention window. Job records are kept.
type CleanupService struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	done      chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(store Store, retention, interval time.Duration) *CleanupService {
	return &CleanupService{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval, "retention", cs.retention)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				cs.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

// RunOnce performs a single sweep and returns the number of files removed.
func (cs *CleanupService) RunOnce(ctx context.Context) int {
	cutoff := cs.now().Add(-cs.retention)
	removed, err := cs.store.Sweep(ctx, cutoff)
	if err != nil {
		slog.Error("cleanup cycle failed", "removed", removed, "error", err)
		return removed
	}
	if removed > 0 {
		slog.Info("cleanup cycle complete", "removed", removed, "cutoff", cutoff)
	}
	return removed
}
