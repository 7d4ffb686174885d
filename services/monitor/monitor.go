// Package monitor runs the reconciliation loops: the stale-agent heartbeat
// sweep, the orphaned-claim requeue, the execution timeout sweep, and the
// re-dispatch pass for executions stuck pending without an agent. Each loop
// is an independent ticker opening short store transactions per tick;
// replicas coexist because every sweep is a single conditional UPDATE.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avas-r/jobmesh/internal/agents"
	"github.com/avas-r/jobmesh/internal/domain"
	"github.com/avas-r/jobmesh/internal/postgres"
	"github.com/avas-r/jobmesh/pkg/telemetry"
)

// Intervals holds the loop cadences and thresholds.
type Intervals struct {
	StaleCheck     time.Duration // how often to sweep heartbeats
	StaleThreshold time.Duration // silence before an agent flips offline
	OrphanCheck    time.Duration // how often to reconcile orphaned claims
	OrphanGrace    time.Duration // how long an agent stays offline before its claims are requeued
	TimeoutCheck   time.Duration // how often to fail timed-out executions
	DispatchCheck  time.Duration // how often to re-offer undispatched pending executions
	DispatchGrace  time.Duration // how old a pending execution must be before re-dispatch
}

// redispatchBatch caps how many stuck executions one tick re-offers.
const redispatchBatch = 100

// Defaults fills unset intervals.
func (iv Intervals) withDefaults() Intervals {
	if iv.StaleCheck <= 0 {
		iv.StaleCheck = 60 * time.Second
	}
	if iv.StaleThreshold <= 0 {
		iv.StaleThreshold = 300 * time.Second
	}
	if iv.OrphanCheck <= 0 {
		iv.OrphanCheck = 60 * time.Second
	}
	if iv.OrphanGrace <= 0 {
		iv.OrphanGrace = 120 * time.Second
	}
	if iv.TimeoutCheck <= 0 {
		iv.TimeoutCheck = 30 * time.Second
	}
	if iv.DispatchCheck <= 0 {
		iv.DispatchCheck = 30 * time.Second
	}
	if iv.DispatchGrace <= 0 {
		iv.DispatchGrace = 15 * time.Second
	}
	return iv
}

// PendingDispatcher is the slice of the ledger the re-dispatch loop calls.
type PendingDispatcher interface {
	DispatchPending(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// EventPublisher is the slice of dispatch.Channel the monitor fans events
// out on.
type EventPublisher interface {
	PublishExecutionEvent(ctx context.Context, tenantID, executionID string, status domain.ExecutionStatus) error
}

// Monitor owns the reconciliation loops.
type Monitor struct {
	agents     *agents.Registry
	queues     postgres.QueueRepository
	executions postgres.ExecutionRepository
	dispatcher PendingDispatcher
	cache      StatusCache
	channel    EventPublisher
	intervals  Intervals
	logger     *slog.Logger

	wg sync.WaitGroup
}

// StatusCache mirrors terminal sweep results into the fast-read cache.
type StatusCache interface {
	SetStatus(ctx context.Context, tenantID, executionID string, status domain.ExecutionStatus) error
}

// New constructs a Monitor. dispatcher, cache and channel may be nil; a nil
// dispatcher disables the re-dispatch loop.
func New(
	ag *agents.Registry,
	queues postgres.QueueRepository,
	executions postgres.ExecutionRepository,
	dispatcher PendingDispatcher,
	cache StatusCache,
	channel EventPublisher,
	intervals Intervals,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		agents:     ag,
		queues:     queues,
		executions: executions,
		dispatcher: dispatcher,
		cache:      cache,
		channel:    channel,
		intervals:  intervals.withDefaults(),
		logger:     logger,
	}
}

// Run starts the loops and blocks until ctx is cancelled and the in-flight
// ticks have drained.
func (m *Monitor) Run(ctx context.Context) {
	m.loop(ctx, m.intervals.StaleCheck, m.sweepStaleAgents)
	m.loop(ctx, m.intervals.OrphanCheck, m.requeueOrphans)
	m.loop(ctx, m.intervals.TimeoutCheck, m.sweepTimeouts)
	if m.dispatcher != nil {
		m.loop(ctx, m.intervals.DispatchCheck, m.redispatchPending)
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
}

// sweepStaleAgents flips silent agents offline.
func (m *Monitor) sweepStaleAgents(ctx context.Context) {
	n, err := m.agents.SweepStale(ctx, m.intervals.StaleThreshold)
	if err != nil {
		m.logger.Error("stale agent sweep", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		m.logger.Info("stale agents flipped offline", slog.Int("count", n))
	}
}

// requeueOrphans reconciles processing items whose agent has been offline
// past the grace period: requeued while retry budget remains, terminally
// failed otherwise.
func (m *Monitor) requeueOrphans(ctx context.Context) {
	now := time.Now().UTC()
	cutoff := now.Add(-m.intervals.OrphanGrace)
	res, err := m.queues.RequeueOrphans(ctx, cutoff, now)
	if err != nil {
		m.logger.Error("orphan requeue", slog.String("error", err.Error()))
		return
	}
	if res.Requeued > 0 || res.Failed > 0 {
		telemetry.OrphanedItemsRequeued.Add(float64(res.Requeued))
		m.logger.Info("orphaned claims reconciled",
			slog.Int("requeued", res.Requeued),
			slog.Int("failed", res.Failed),
		)
	}
}

// redispatchPending re-offers executions that a dispatch attempt left
// pending with no agent, so an agent coming online picks up the backlog
// without operator action.
func (m *Monitor) redispatchPending(ctx context.Context) {
	n, err := m.dispatcher.DispatchPending(ctx, m.intervals.DispatchGrace, redispatchBatch)
	if err != nil {
		m.logger.Error("pending re-dispatch", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		m.logger.Info("pending executions re-dispatched", slog.Int("count", n))
	}
}

// sweepTimeouts fails running executions past their job's timeout and fans
// the terminal status out like any other failure.
func (m *Monitor) sweepTimeouts(ctx context.Context) {
	timedOut, err := m.executions.SweepTimedOut(ctx, time.Now().UTC())
	if err != nil {
		m.logger.Error("timeout sweep", slog.String("error", err.Error()))
		return
	}
	for _, t := range timedOut {
		telemetry.ExecutionsTimedOut.Inc()
		telemetry.ExecutionTransitions.WithLabelValues(string(domain.ExecutionFailed)).Inc()
		m.logger.Warn("execution failed by timeout sweep",
			slog.String("execution_id", t.ID),
			slog.String("tenant_id", t.TenantID),
		)
		if m.cache != nil {
			if err := m.cache.SetStatus(ctx, t.TenantID, t.ID, domain.ExecutionFailed); err != nil {
				m.logger.Debug("status cache write failed", slog.String("error", err.Error()))
			}
		}
		if m.channel != nil {
			if err := m.channel.PublishExecutionEvent(ctx, t.TenantID, t.ID, domain.ExecutionFailed); err != nil {
				m.logger.Error("failed to publish timeout event",
					slog.String("execution_id", t.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
