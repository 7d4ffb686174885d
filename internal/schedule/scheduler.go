// Package schedule turns cron expressions into job executions. The core is
// stateless: due schedules are claimed through a conditional advance in the
// store, so concurrent scheduler instances never double-fire.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/avas-r/jobmesh/internal/domain"
	"github.com/avas-r/jobmesh/internal/ledger"
	"github.com/avas-r/jobmesh/internal/postgres"
	"github.com/avas-r/jobmesh/pkg/telemetry"
)

// ExecutionStarter is the slice of the ledger the scheduler triggers through.
type ExecutionStarter interface {
	Start(ctx context.Context, req ledger.StartRequest) (*domain.JobExecution, error)
}

// Core owns schedule lifecycle and the due-processing pass.
type Core struct {
	schedules postgres.ScheduleRepository
	jobs      postgres.JobRepository
	starter   ExecutionStarter
	logger    *slog.Logger
}

// New constructs a Core.
func New(schedules postgres.ScheduleRepository, jobs postgres.JobRepository, starter ExecutionStarter, logger *slog.Logger) *Core {
	return &Core{schedules: schedules, jobs: jobs, starter: starter, logger: logger}
}

// NextFireTime evaluates a 5-field cron expression in the given timezone and
// returns the first fire time strictly after the given instant, in UTC.
func NextFireTime(expr, tz string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: "cron_expression", Reason: err.Error()}
	}
	loc := time.UTC
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, &domain.ValidationError{Field: "timezone", Reason: fmt.Sprintf("unknown timezone %q", tz)}
		}
	}
	return sched.Next(after.In(loc)).UTC(), nil
}

// nextFor computes the schedule's next fire time after the given instant,
// honoring the start/end window. A nil result means the schedule has run out.
func nextFor(s *domain.Schedule, after time.Time) (*time.Time, error) {
	base := after
	if s.StartDate != nil && s.StartDate.After(base) {
		base = *s.StartDate
	}
	next, err := NextFireTime(s.CronExpr, s.Timezone, base)
	if err != nil {
		return nil, err
	}
	if s.EndDate != nil && next.After(*s.EndDate) {
		return nil, nil
	}
	return &next, nil
}

// Create validates the cron expression and timezone and stores the schedule
// with its first fire time precomputed.
func (c *Core) Create(ctx context.Context, s *domain.Schedule) error {
	if s.TenantID == "" {
		return &domain.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if s.Name == "" {
		return &domain.ValidationError{Field: "name", Reason: "required"}
	}
	if s.StartDate != nil && s.EndDate != nil && s.EndDate.Before(*s.StartDate) {
		return &domain.ValidationError{Field: "end_date", Reason: "must not precede start_date"}
	}
	next, err := nextFor(s, time.Now().UTC())
	if err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = domain.ScheduleActive
	}
	s.NextExecution = next
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	return c.schedules.Create(ctx, s)
}

// Get returns one schedule.
func (c *Core) Get(ctx context.Context, tenantID, id string) (*domain.Schedule, error) {
	return c.schedules.GetByID(ctx, tenantID, id)
}

// Update replaces the schedule's definition and recomputes its next fire
// time from now.
func (c *Core) Update(ctx context.Context, s *domain.Schedule) error {
	if s.Name == "" {
		return &domain.ValidationError{Field: "name", Reason: "required"}
	}
	next, err := nextFor(s, time.Now().UTC())
	if err != nil {
		return err
	}
	s.NextExecution = next
	s.UpdatedAt = time.Now().UTC()
	return c.schedules.Update(ctx, s)
}

// Delete removes a schedule. The store refuses while jobs still reference it.
func (c *Core) Delete(ctx context.Context, tenantID, id string) error {
	return c.schedules.Delete(ctx, tenantID, id)
}

// ProcessDue fires every schedule whose next_execution has arrived. Each
// schedule is advanced first through a conditional update; a pass that loses
// that race skips the schedule, so a firing triggers its jobs exactly once
// even with several scheduler replicas.
func (c *Core) ProcessDue(ctx context.Context, now time.Time) error {
	due, err := c.schedules.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}

	for _, s := range due {
		next, err := nextFor(s, now)
		if err != nil {
			c.logger.Error("schedule has an invalid definition, skipping",
				slog.String("schedule_id", s.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		claimed, err := c.schedules.Advance(ctx, s.TenantID, s.ID, now, next)
		if err != nil {
			c.logger.Error("failed to advance schedule",
				slog.String("schedule_id", s.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !claimed {
			continue
		}

		telemetry.SchedulesFired.Inc()
		c.fire(ctx, s, domain.TriggerScheduled)
	}
	return nil
}

// fire starts one execution per active job attached to the schedule.
func (c *Core) fire(ctx context.Context, s *domain.Schedule, trigger domain.TriggerType) []*domain.JobExecution {
	jobs, err := c.jobs.ListActiveBySchedule(ctx, s.TenantID, s.ID)
	if err != nil {
		c.logger.Error("failed to list jobs for schedule",
			slog.String("schedule_id", s.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if len(jobs) == 0 {
		c.logger.Warn("schedule fired with no active jobs", slog.String("schedule_id", s.ID))
		return nil
	}

	var started []*domain.JobExecution
	for _, job := range jobs {
		exec, err := c.starter.Start(ctx, ledger.StartRequest{
			TenantID:    s.TenantID,
			JobID:       job.ID,
			TriggerType: trigger,
		})
		if err != nil {
			// Admission rejections are expected under load; the next firing
			// tries again.
			c.logger.Warn("scheduled job not started",
				slog.String("schedule_id", s.ID),
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		telemetry.ScheduleJobsTriggered.Inc()
		started = append(started, exec)
	}
	return started
}

// TriggerManually fires the schedule's jobs now, outside its cron cadence.
// The schedule's own next_execution is left untouched.
func (c *Core) TriggerManually(ctx context.Context, tenantID, scheduleID string) ([]*domain.JobExecution, error) {
	s, err := c.schedules.GetByID(ctx, tenantID, scheduleID)
	if err != nil {
		return nil, err
	}
	jobs, err := c.jobs.ListActiveBySchedule(ctx, tenantID, scheduleID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, &domain.ValidationError{Field: "schedule_id", Reason: "schedule has no active jobs"}
	}
	started := c.fire(ctx, s, domain.TriggerManual)
	return started, nil
}
