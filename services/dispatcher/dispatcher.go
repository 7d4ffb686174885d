// Package dispatcher consumes job.execution.completed events and resolves
// job dependencies: every completion may unblock jobs that depend on the
// completed one. Idempotent under redelivery: the resolver skips dependents
// already triggered at or after the completion, so re-resolving fires
// nothing twice.
package dispatcher

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/avas-r/jobmesh/internal/dispatch"
	"github.com/avas-r/jobmesh/internal/jobs"
	"github.com/avas-r/jobmesh/internal/kafka"
	"github.com/avas-r/jobmesh/internal/postgres"
)

// CompletedTopic is the event topic this service subscribes to.
var CompletedTopic = dispatch.ExecutionEventTopic("completed")

// Dispatcher reacts to completion events with dependency resolution.
type Dispatcher struct {
	consumer   kafka.Consumer
	executions postgres.ExecutionRepository
	registry   *jobs.Registry
	logger     *slog.Logger
}

// New constructs a Dispatcher.
func New(consumer kafka.Consumer, executions postgres.ExecutionRepository, registry *jobs.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{consumer: consumer, executions: executions, registry: registry, logger: logger}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.consumer.Subscribe(ctx, d.handle)
}

func (d *Dispatcher) handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.resolve_dependents")
	defer span.End()

	ev, err := dispatch.DecodeEvent(msg.Value)
	if err != nil {
		// Poison avoidance: a malformed event is dropped, never requeued.
		d.logger.Error("malformed event, dropping", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed event")
		return nil
	}
	span.SetAttributes(
		attribute.String("execution.id", ev.EntityID),
		attribute.String("tenant.id", ev.TenantID),
	)

	exec, err := d.executions.GetByID(ctx, ev.TenantID, ev.EntityID)
	if err != nil {
		// Transient store error or an event that outlived its row; returning
		// the error leaves the offset uncommitted for redelivery.
		return err
	}
	if exec.JobID == nil {
		// Bare package runs have no dependents.
		return nil
	}

	completedAt := ev.Timestamp
	if exec.CompletedAt != nil {
		completedAt = *exec.CompletedAt
	}
	if err := d.registry.ResolveDependents(ctx, ev.TenantID, *exec.JobID, completedAt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve dependents failed")
		return err
	}

	d.logger.Debug("completion processed",
		slog.String("execution_id", ev.EntityID),
		slog.String("job_id", *exec.JobID),
	)
	return nil
}
