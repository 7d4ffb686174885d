// Package ledger is the execution ledger: it records one row per run of a
// job, owns the execution state machine, and is the single mutation point
// agents use to report progress.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avas-r/jobmesh/internal/collab"
	"github.com/avas-r/jobmesh/internal/dispatch"
	"github.com/avas-r/jobmesh/internal/domain"
	"github.com/avas-r/jobmesh/internal/postgres"
	"github.com/avas-r/jobmesh/pkg/telemetry"
)

// DispatchChannel is the slice of dispatch.Channel the ledger publishes on.
type DispatchChannel interface {
	SendCommand(ctx context.Context, agentID string, cmd dispatch.Command) error
	PublishExecutionEvent(ctx context.Context, tenantID, executionID string, status domain.ExecutionStatus) error
}

// StatusCache mirrors live execution status for fast reads. Best effort.
type StatusCache interface {
	SetStatus(ctx context.Context, tenantID, executionID string, status domain.ExecutionStatus) error
	GetStatus(ctx context.Context, tenantID, executionID string) (domain.ExecutionStatus, error)
}

// Ledger coordinates execution lifecycle against the store, the cache, and
// the dispatch channel.
type Ledger struct {
	executions postgres.ExecutionRepository
	jobs       postgres.JobRepository
	queues     postgres.QueueRepository
	agents     postgres.AgentRepository
	cache      StatusCache
	channel    DispatchChannel
	limits     collab.TenantLimits
	logger     *slog.Logger
}

// New constructs a Ledger.
func New(
	executions postgres.ExecutionRepository,
	jobs postgres.JobRepository,
	queues postgres.QueueRepository,
	agents postgres.AgentRepository,
	cache StatusCache,
	channel DispatchChannel,
	limits collab.TenantLimits,
	logger *slog.Logger,
) *Ledger {
	return &Ledger{
		executions: executions,
		jobs:       jobs,
		queues:     queues,
		agents:     agents,
		cache:      cache,
		channel:    channel,
		limits:     limits,
		logger:     logger,
	}
}

// StartRequest asks for a new execution of a job, or of a bare package when
// JobID is empty.
type StartRequest struct {
	TenantID     string
	JobID        string
	PackageID    string // required for bare package runs; ignored when JobID is set
	TriggerType  domain.TriggerType
	Parameters   json.RawMessage // overrides merged over the job's template
	Capabilities map[string]string
}

// executePayload is the command payload handed to agents.
type executePayload struct {
	JobID             string          `json:"job_id,omitempty"`
	PackageID         string          `json:"package_id"`
	Parameters        json.RawMessage `json:"parameters,omitempty"`
	TimeoutSeconds    int             `json:"timeout_seconds,omitempty"`
	RetryCount        int             `json:"retry_count,omitempty"`
	RetryDelaySeconds int             `json:"retry_delay_seconds,omitempty"`
}

// Start creates an execution in pending, subject to admission control, then
// either enqueues a queue item (queue-bound jobs) or dispatches directly to
// an online agent.
func (l *Ledger) Start(ctx context.Context, req StartRequest) (*domain.JobExecution, error) {
	if req.TenantID == "" {
		return nil, &domain.ValidationError{Field: "tenant_id", Reason: "required"}
	}

	var job *domain.Job
	if req.JobID != "" {
		var err error
		job, err = l.jobs.GetByID(ctx, req.TenantID, req.JobID)
		if err != nil {
			return nil, err
		}
		if job.Status != domain.JobActive {
			return nil, &domain.ValidationError{Field: "job", Reason: "job is inactive"}
		}
	} else if req.PackageID == "" {
		return nil, &domain.ValidationError{Field: "package_id", Reason: "required for bare package runs"}
	}

	if err := l.admit(ctx, req.TenantID, job); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec := &domain.JobExecution{
		ID:          uuid.New().String(),
		TenantID:    req.TenantID,
		Status:      domain.ExecutionPending,
		TriggerType: req.TriggerType,
		Parameters:  req.Parameters,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	payload := executePayload{PackageID: req.PackageID, Parameters: req.Parameters}
	if job != nil {
		merged, err := domain.MergeParameters(job.Parameters, req.Parameters)
		if err != nil {
			return nil, err
		}
		exec.JobID = &job.ID
		exec.PackageID = job.PackageID
		exec.Parameters = merged
		payload = executePayload{
			JobID:             job.ID,
			PackageID:         job.PackageID,
			Parameters:        merged,
			TimeoutSeconds:    job.TimeoutSeconds,
			RetryCount:        job.RetryCount,
			RetryDelaySeconds: job.RetryDelaySeconds,
		}
	} else {
		exec.PackageID = req.PackageID
	}

	if job != nil && job.QueueID != nil {
		return l.startQueued(ctx, exec, job, payload, now)
	}
	return l.startDirect(ctx, exec, req.Capabilities, payload)
}

// admit enforces the per-job and per-tenant concurrency ceilings.
func (l *Ledger) admit(ctx context.Context, tenantID string, job *domain.Job) error {
	if job != nil && job.MaxConcurrentRuns > 0 {
		n, err := l.executions.CountInFlightForJob(ctx, tenantID, job.ID)
		if err != nil {
			return err
		}
		if n >= job.MaxConcurrentRuns {
			telemetry.ExecutionsRejected.WithLabelValues("job").Inc()
			return &domain.ConflictError{
				Entity: "execution",
				Reason: fmt.Sprintf("job already has %d concurrent runs (max %d)", n, job.MaxConcurrentRuns),
			}
		}
	}

	limits, err := l.limits.LimitsFor(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("resolve tenant limits: %w", err)
	}
	if limits.MaxConcurrentJobs > 0 {
		n, err := l.executions.CountInFlightForTenant(ctx, tenantID)
		if err != nil {
			return err
		}
		if n >= limits.MaxConcurrentJobs {
			telemetry.ExecutionsRejected.WithLabelValues("tenant").Inc()
			return &domain.ConflictError{
				Entity: "execution",
				Reason: fmt.Sprintf("tenant concurrent job limit reached (%d)", limits.MaxConcurrentJobs),
			}
		}
	}
	return nil
}

// startQueued buffers the work as a queue item instead of dispatching.
func (l *Ledger) startQueued(ctx context.Context, exec *domain.JobExecution, job *domain.Job, payload executePayload, now time.Time) (*domain.JobExecution, error) {
	queue, err := l.queues.GetQueue(ctx, exec.TenantID, *job.QueueID)
	if err != nil {
		return nil, err
	}

	itemID := uuid.New().String()
	exec.QueueItemID = &itemID
	if err := l.executions.Create(ctx, exec); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(struct {
		Action string `json:"action"`
		executePayload
	}{Action: string(dispatch.ActionExecuteJob), executePayload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal queue payload: %w", err)
	}

	priority := job.Priority
	if priority == 0 {
		priority = queue.Priority
	}
	item := &domain.QueueItem{
		ID:          itemID,
		TenantID:    exec.TenantID,
		QueueID:     queue.ID,
		ExecutionID: &exec.ID,
		Status:      domain.ItemPending,
		Priority:    priority,
		Payload:     raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.queues.InsertItem(ctx, item); err != nil {
		return nil, err
	}

	telemetry.ExecutionsStarted.WithLabelValues(string(exec.TriggerType)).Inc()
	telemetry.QueueItemsEnqueued.WithLabelValues(queue.Name).Inc()
	l.setCache(ctx, exec.TenantID, exec.ID, exec.Status)
	l.logger.Info("execution enqueued",
		slog.String("execution_id", exec.ID),
		slog.String("queue_id", queue.ID),
		slog.String("trigger", string(exec.TriggerType)),
	)
	return exec, nil
}

// startDirect assigns an online agent by capability match and hands the
// execute command to the broker. With no agent available the execution stays
// pending; the monitor's re-dispatch pass picks it up.
func (l *Ledger) startDirect(ctx context.Context, exec *domain.JobExecution, capabilities map[string]string, payload executePayload) (*domain.JobExecution, error) {
	if err := l.executions.Create(ctx, exec); err != nil {
		return nil, err
	}
	telemetry.ExecutionsStarted.WithLabelValues(string(exec.TriggerType)).Inc()
	l.setCache(ctx, exec.TenantID, exec.ID, exec.Status)

	if _, err := l.offerToAgent(ctx, exec, capabilities, payload); err != nil {
		return nil, err
	}
	return exec, nil
}

// offerToAgent picks an online agent, hands it the execute command and flips
// the row pending → sent. Returns false when no agent was available or the
// command could not be delivered; the row stays pending either way.
func (l *Ledger) offerToAgent(ctx context.Context, exec *domain.JobExecution, capabilities map[string]string, payload executePayload) (bool, error) {
	candidates, err := l.agents.ListOnline(ctx, exec.TenantID, capabilities)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		l.logger.Warn("no online agent for execution, staying pending",
			slog.String("execution_id", exec.ID),
			slog.String("tenant_id", exec.TenantID),
		)
		return false, nil
	}
	agent := candidates[0]

	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal execute payload: %w", err)
	}
	cmd := dispatch.Command{
		Action:      dispatch.ActionExecuteJob,
		ExecutionID: exec.ID,
		TenantID:    exec.TenantID,
		Payload:     raw,
	}
	if err := l.channel.SendCommand(ctx, agent.ID, cmd); err != nil {
		// The row stays pending; the next re-dispatch pass tries again.
		l.logger.Error("dispatch failed, execution stays pending",
			slog.String("execution_id", exec.ID),
			slog.String("error", err.Error()),
		)
		return false, nil
	}

	applied, err := l.executions.Transition(ctx, exec.TenantID, exec.ID,
		domain.ExecutionPending, domain.ExecutionSent,
		postgres.TransitionUpdate{AgentID: &agent.ID})
	if err != nil {
		return false, err
	}
	if applied {
		exec.Status = domain.ExecutionSent
		exec.AgentID = &agent.ID
		l.setCache(ctx, exec.TenantID, exec.ID, exec.Status)
		telemetry.ExecutionTransitions.WithLabelValues(string(domain.ExecutionSent)).Inc()
	}

	l.logger.Info("execution dispatched",
		slog.String("execution_id", exec.ID),
		slog.String("agent_id", agent.ID),
	)
	return true, nil
}

// DispatchPending re-offers executions a dispatch attempt left pending with
// neither an agent nor a queue item. olderThan keeps the pass off rows the
// API is still placing; returns how many were handed to an agent.
func (l *Ledger) DispatchPending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	stuck, err := l.executions.ListUndispatched(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, exec := range stuck {
		payload := executePayload{PackageID: exec.PackageID, Parameters: exec.Parameters}
		if exec.JobID != nil {
			job, err := l.jobs.GetByID(ctx, exec.TenantID, *exec.JobID)
			if err != nil {
				l.logger.Warn("pending execution references missing job, skipping",
					slog.String("execution_id", exec.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			payload.JobID = job.ID
			payload.TimeoutSeconds = job.TimeoutSeconds
			payload.RetryCount = job.RetryCount
			payload.RetryDelaySeconds = job.RetryDelaySeconds
		}
		ok, err := l.offerToAgent(ctx, exec, nil, payload)
		if err != nil {
			return dispatched, err
		}
		if ok {
			telemetry.ExecutionsRedispatched.Inc()
			dispatched++
		}
	}
	return dispatched, nil
}

// ReportStatusRequest is an agent's status/progress/result report.
type ReportStatusRequest struct {
	TenantID     string
	ExecutionID  string
	AgentID      string
	Status       domain.ExecutionStatus
	Progress     *int
	Results      json.RawMessage
	ErrorMessage string
}

// RecordStatus applies one agent-reported transition. Duplicate deliveries
// and reports from stale agents are ignored rather than failed: under
// at-least-once delivery both are expected.
func (l *Ledger) RecordStatus(ctx context.Context, req ReportStatusRequest) error {
	exec, err := l.executions.GetByID(ctx, req.TenantID, req.ExecutionID)
	if err != nil {
		return err
	}

	if exec.AgentID != nil && req.AgentID != "" && *exec.AgentID != req.AgentID {
		l.logger.Warn("status report from mismatched agent, ignoring",
			slog.String("execution_id", req.ExecutionID),
			slog.String("reporting_agent", req.AgentID),
		)
		return nil
	}

	// Duplicate delivery of an already-applied transition is a no-op.
	if exec.Status == req.Status || exec.Status.IsTerminal() {
		return nil
	}
	if !exec.Status.CanTransition(req.Status) {
		return &domain.TransitionError{ExecutionID: exec.ID, From: exec.Status, To: req.Status}
	}

	upd := postgres.TransitionUpdate{
		Progress: req.Progress,
		Results:  req.Results,
	}
	if req.ErrorMessage != "" {
		upd.ErrorMessage = &req.ErrorMessage
	}
	if exec.AgentID == nil && req.AgentID != "" {
		upd.AgentID = &req.AgentID
	}

	applied, err := l.executions.Transition(ctx, req.TenantID, req.ExecutionID, exec.Status, req.Status, upd)
	if err != nil {
		return err
	}
	if !applied {
		// Lost a race with another reporter; the winner already moved the row.
		return nil
	}

	telemetry.ExecutionTransitions.WithLabelValues(string(req.Status)).Inc()
	l.setCache(ctx, req.TenantID, req.ExecutionID, req.Status)

	if req.Status.IsTerminal() {
		if fresh, err := l.executions.GetByID(ctx, req.TenantID, req.ExecutionID); err == nil && fresh.ExecutionTimeMs != nil {
			telemetry.ExecutionDurationSeconds.Observe(float64(*fresh.ExecutionTimeMs) / 1000)
		}
	}

	if err := l.channel.PublishExecutionEvent(ctx, req.TenantID, req.ExecutionID, req.Status); err != nil {
		// Event fan-out is best effort; the store already holds the truth.
		l.logger.Error("failed to publish execution event",
			slog.String("execution_id", req.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Cancel flips the execution to cancelled and best-effort tells the agent.
// A disconnected agent simply never receives the command.
func (l *Ledger) Cancel(ctx context.Context, tenantID, executionID string) error {
	exec, err := l.executions.GetByID(ctx, tenantID, executionID)
	if err != nil {
		return err
	}
	if exec.Status == domain.ExecutionCancelled {
		return nil
	}
	if exec.Status.IsTerminal() {
		return &domain.ConflictError{Entity: "execution", Reason: "execution already finished"}
	}

	applied, err := l.executions.Transition(ctx, tenantID, executionID,
		exec.Status, domain.ExecutionCancelled, postgres.TransitionUpdate{})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	telemetry.ExecutionTransitions.WithLabelValues(string(domain.ExecutionCancelled)).Inc()
	l.setCache(ctx, tenantID, executionID, domain.ExecutionCancelled)

	if exec.AgentID != nil {
		cmd := dispatch.Command{
			Action:      dispatch.ActionCancelJob,
			ExecutionID: executionID,
			TenantID:    tenantID,
		}
		if err := l.channel.SendCommand(ctx, *exec.AgentID, cmd); err != nil {
			l.logger.Warn("cancel command not delivered",
				slog.String("execution_id", executionID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := l.channel.PublishExecutionEvent(ctx, tenantID, executionID, domain.ExecutionCancelled); err != nil {
		l.logger.Error("failed to publish cancel event",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Get returns one execution.
func (l *Ledger) Get(ctx context.Context, tenantID, executionID string) (*domain.JobExecution, error) {
	return l.executions.GetByID(ctx, tenantID, executionID)
}

// ListRecent returns the tenant's most recent executions.
func (l *Ledger) ListRecent(ctx context.Context, tenantID string, limit int) ([]*domain.JobExecution, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.executions.ListRecent(ctx, tenantID, limit)
}

func (l *Ledger) setCache(ctx context.Context, tenantID, executionID string, status domain.ExecutionStatus) {
	if l.cache == nil {
		return
	}
	if err := l.cache.SetStatus(ctx, tenantID, executionID, status); err != nil {
		l.logger.Debug("status cache write failed",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()),
		)
	}
}
