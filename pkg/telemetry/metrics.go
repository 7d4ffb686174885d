package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Queue engine ────────────────────────────────────────────────────────────

	QueueItemsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "queue",
		Name:      "items_enqueued_total",
		Help:      "Queue items added, labelled by queue name.",
	}, []string{"queue"})

	QueueItemsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "queue",
		Name:      "items_claimed_total",
		Help:      "Queue items atomically claimed by agents.",
	})

	QueueItemOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "queue",
		Name:      "item_outcomes_total",
		Help:      "Reported queue item outcomes, labelled by terminal status or retry.",
	}, []string{"outcome"})

	QueueItemRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "queue",
		Name:      "item_retries_total",
		Help:      "Failed items re-entered into the claim pool with backoff.",
	})

	// ─── Execution ledger ────────────────────────────────────────────────────────

	ExecutionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "ledger",
		Name:      "executions_started_total",
		Help:      "Executions created, labelled by trigger type.",
	}, []string{"trigger"})

	ExecutionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "ledger",
		Name:      "transitions_total",
		Help:      "Applied execution status transitions.",
	}, []string{"status"})

	ExecutionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "ledger",
		Name:      "admission_rejected_total",
		Help:      "Executions rejected by admission control, labelled by ceiling.",
	}, []string{"ceiling"})

	ExecutionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jobmesh",
		Subsystem: "ledger",
		Name:      "execution_duration_seconds",
		Help:      "Wall-clock time from started_at to terminal status.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulesFired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "scheduler",
		Name:      "schedules_fired_total",
		Help:      "Due schedules processed.",
	})

	ScheduleJobsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "scheduler",
		Name:      "jobs_triggered_total",
		Help:      "Executions created by schedule firings.",
	})

	// ─── Dispatch channel ────────────────────────────────────────────────────────

	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "dispatch",
		Name:      "commands_sent_total",
		Help:      "Agent commands published, labelled by action.",
	}, []string{"action"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "dispatch",
		Name:      "events_published_total",
		Help:      "Lifecycle events published, labelled by topic.",
	}, []string{"topic"})

	// ─── Monitor sweeps ──────────────────────────────────────────────────────────

	AgentsMarkedStale = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "monitor",
		Name:      "agents_marked_stale_total",
		Help:      "Agents flipped to offline by the heartbeat sweep.",
	})

	OrphanedItemsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "monitor",
		Name:      "orphaned_items_requeued_total",
		Help:      "Processing items reclaimed from offline agents.",
	})

	ExecutionsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "monitor",
		Name:      "executions_timed_out_total",
		Help:      "Running executions failed by the timeout sweep.",
	})

	ExecutionsRedispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "monitor",
		Name:      "executions_redispatched_total",
		Help:      "Stuck pending executions handed to an agent by the re-dispatch pass.",
	})

	// ─── API ─────────────────────────────────────────────────────────────────────

	APIJobsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "api",
		Name:      "jobs_triggered_total",
		Help:      "Job triggers accepted through the API, labelled by trigger type.",
	}, []string{"trigger"})

	APIHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobmesh",
		Subsystem: "api",
		Name:      "heartbeats_total",
		Help:      "Agent heartbeats received.",
	})
)
