// Package reaper tears down sessions whose lease expired.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/t-brandt/kapsel/internal/store"
)

type Reaper struct {
	store    ReaperStore
	manager  RuntimeStopper
	interval time.Duration
	logger   *slog.Logger
}

func New(st ReaperStore, mgr RuntimeStopper, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:    st,
		manager:  mgr,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled, sweeping expired sessions every
// interval.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.reapExpired(ctx)
		}
	}
}

func (r *Reaper) reapExpired(ctx context.Context) {
	expired, err := r.store.ListExpiredSessions()
	if err != nil {
		r.logger.Error("reaper: list expired", "error", err)
		return
	}

	for _, sess := range expired {
		r.logger.Info("reaping expired session", "session_id", sess.ID, "expired_at", sess.ExpiresAt)

		if err := r.manager.StopRuntime(ctx, sess.ID); err != nil {
			r.logger.Error("reaper: stop runtime", "session_id", sess.ID, "error", err)
		}
		if err := r.store.UpdateSessionStatus(sess.ID, store.StatusExpired); err != nil {
			r.logger.Error("reaper: update status", "session_id", sess.ID, "error", err)
		}
	}

	if len(expired) > 0 {
		r.logger.Info("reaper: reaped sessions", "count", len(expired))
	}
}
