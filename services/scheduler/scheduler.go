// Package scheduler is the cron worker loop: it wakes on a fixed interval
// and fires every due schedule through the schedule core. Replicas need no
// leader election; the core's conditional advance serializes firings in the
// store.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/avas-r/jobmesh/internal/schedule"
)

const defaultCheckInterval = 15 * time.Second

// Scheduler drives the schedule core on a ticker.
type Scheduler struct {
	core     *schedule.Core
	interval time.Duration
	logger   *slog.Logger
}

// New constructs a Scheduler. interval ≤ 0 uses the default.
func New(core *schedule.Core, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Scheduler{core: core, interval: interval, logger: logger}
}

// Run is the main polling loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run once immediately before waiting for the first tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.core.ProcessDue(ctx, time.Now().UTC()); err != nil {
		s.logger.Error("processDue", slog.String("error", err.Error()))
	}
}
