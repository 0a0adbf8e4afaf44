// Package retention deletes jobs past their retention horizon: the
// directory first, then the row, so an interrupted sweep never leaves
// an orphaned directory behind a missing row.
package retention

import (
	"context"
	"time"

	"kakiokoshi/internal/config"
	"kakiokoshi/internal/jobfs"
	"kakiokoshi/internal/jobstore"
	"kakiokoshi/pkg/logger"
)

// Sweeper removes expired jobs on a fixed interval.
type Sweeper struct {
	cfg      *config.Config
	store    *jobstore.Store
	interval time.Duration
}

// New creates a sweeper with the default hourly interval.
func New(cfg *config.Config, store *jobstore.Store) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		store:    store,
		interval: time.Hour,
	}
}

// Run sweeps on every tick until ctx is cancelled. Errors are logged
// and the failing job is retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info("Retention sweeper started", "interval", s.interval.String(), "retention_days", s.cfg.JobRetentionDays)
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			logger.Info("Retention sweeper stopped")
			return
		}
	}
}

// Sweep deletes every expired job once. It is idempotent and tolerant
// of partial prior deletions. Returns the number of jobs removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ids, err := s.store.Expired(ctx, time.Now())
	if err != nil {
		logger.Error("Retention query failed", "error", err)
		return 0
	}

	removed := 0
	for _, id := range ids {
		tree := jobfs.New(s.cfg.JobDir(id))
		if err := tree.Remove(); err != nil {
			logger.Error("Failed to remove expired job directory", "job_id", id, "error", err)
			continue
		}
		if err := s.store.Delete(ctx, id); err != nil {
			logger.Error("Failed to remove expired job row", "job_id", id, "error", err)
			continue
		}
		removed++
		logger.Info("Expired job removed", "job_id", id)
	}
	return removed
}
