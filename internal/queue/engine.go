// Package queue is the queue engine: tenant-scoped priority buffers with
// retry/backoff, atomic claiming, and per-item bulk operations.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avas-r/jobmesh/internal/dispatch"
	"github.com/avas-r/jobmesh/internal/domain"
	"github.com/avas-r/jobmesh/internal/postgres"
	"github.com/avas-r/jobmesh/pkg/telemetry"
)

// CommandSender is the slice of dispatch.Channel the engine uses to nudge
// agents about freshly enqueued work.
type CommandSender interface {
	SendCommand(ctx context.Context, agentID string, cmd dispatch.Command) error
}

const (
	defaultClaimMax = 1
	maxClaimMax     = 50

	// How many online agents get a new_item nudge per enqueue. Agents that
	// miss the nudge still pick the item up on their next poll.
	newItemFanout = 3
)

// Engine owns queue and queue-item lifecycle on top of the store.
type Engine struct {
	queues     postgres.QueueRepository
	executions postgres.ExecutionRepository
	agents     postgres.AgentRepository
	channel    CommandSender
	logger     *slog.Logger
}

// New constructs an Engine. channel may be nil; the engine then skips the
// best-effort enqueue nudges.
func New(
	queues postgres.QueueRepository,
	executions postgres.ExecutionRepository,
	agents postgres.AgentRepository,
	channel CommandSender,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		queues:     queues,
		executions: executions,
		agents:     agents,
		channel:    channel,
		logger:     logger,
	}
}

// CreateQueue registers a new queue for the tenant.
func (e *Engine) CreateQueue(ctx context.Context, q *domain.Queue) error {
	if q.TenantID == "" {
		return &domain.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if q.Name == "" {
		return &domain.ValidationError{Field: "name", Reason: "required"}
	}
	if q.MaxRetries < 0 {
		return &domain.ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	if q.RetryDelaySeconds < 0 {
		return &domain.ValidationError{Field: "retry_delay_seconds", Reason: "must not be negative"}
	}
	if q.Status == "" {
		q.Status = domain.QueueActive
	}
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	q.CreatedAt = now
	q.UpdatedAt = now
	return e.queues.CreateQueue(ctx, q)
}

// GetQueue returns one queue.
func (e *Engine) GetQueue(ctx context.Context, tenantID, id string) (*domain.Queue, error) {
	return e.queues.GetQueue(ctx, tenantID, id)
}

// UpdateQueue replaces the queue's mutable fields.
func (e *Engine) UpdateQueue(ctx context.Context, q *domain.Queue) error {
	if q.Name == "" {
		return &domain.ValidationError{Field: "name", Reason: "required"}
	}
	if q.MaxRetries < 0 {
		return &domain.ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	q.UpdatedAt = time.Now().UTC()
	return e.queues.UpdateQueue(ctx, q)
}

// DeleteQueue removes a queue. The store refuses while any item is still
// pending or processing.
func (e *Engine) DeleteQueue(ctx context.Context, tenantID, id string) error {
	return e.queues.DeleteQueue(ctx, tenantID, id)
}

// AddItem enqueues a work item. Priority defaults to the queue's when unset.
func (e *Engine) AddItem(ctx context.Context, item *domain.QueueItem) error {
	if item.TenantID == "" {
		return &domain.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if item.QueueID == "" {
		return &domain.ValidationError{Field: "queue_id", Reason: "required"}
	}
	q, err := e.queues.GetQueue(ctx, item.TenantID, item.QueueID)
	if err != nil {
		return err
	}

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Priority == 0 {
		item.Priority = q.Priority
	}
	item.Status = domain.ItemPending
	item.RetryCount = 0
	item.AssignedTo = nil
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	if err := e.queues.InsertItem(ctx, item); err != nil {
		return err
	}
	telemetry.QueueItemsEnqueued.WithLabelValues(q.Name).Inc()
	e.notifyNewItem(ctx, item)
	return nil
}

// notifyNewItem sends a best-effort new_item command to a few online agents
// so the item gets picked up before the next poll interval.
func (e *Engine) notifyNewItem(ctx context.Context, item *domain.QueueItem) {
	if e.channel == nil || e.agents == nil {
		return
	}
	candidates, err := e.agents.ListOnline(ctx, item.TenantID, nil)
	if err != nil {
		e.logger.Debug("new item nudge skipped", slog.String("error", err.Error()))
		return
	}
	if len(candidates) > newItemFanout {
		candidates = candidates[:newItemFanout]
	}
	cmd := dispatch.Command{
		Action:   dispatch.ActionNewItem,
		ItemID:   item.ID,
		TenantID: item.TenantID,
	}
	for _, agent := range candidates {
		if err := e.channel.SendCommand(ctx, agent.ID, cmd); err != nil {
			e.logger.Debug("new item nudge not delivered",
				slog.String("agent_id", agent.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// GetItem returns one queue item.
func (e *Engine) GetItem(ctx context.Context, tenantID, id string) (*domain.QueueItem, error) {
	return e.queues.GetItem(ctx, tenantID, id)
}

// ListItems returns items of a queue, newest first.
func (e *Engine) ListItems(ctx context.Context, tenantID, queueID string, limit int) ([]*domain.QueueItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.queues.ListItems(ctx, tenantID, queueID, limit)
}

// ClaimNextItems atomically claims up to max eligible items for the agent.
// Items carrying an execution also move that execution to assigned.
func (e *Engine) ClaimNextItems(ctx context.Context, tenantID, agentID string, max int, capabilities map[string]string) ([]*domain.QueueItem, error) {
	if tenantID == "" {
		return nil, &domain.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if agentID == "" {
		return nil, &domain.ValidationError{Field: "agent_id", Reason: "required"}
	}
	if max <= 0 {
		max = defaultClaimMax
	}
	if max > maxClaimMax {
		max = maxClaimMax
	}

	items, err := e.queues.ClaimItems(ctx, tenantID, agentID, max, capabilities)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		telemetry.QueueItemsClaimed.Inc()
		if item.ExecutionID == nil {
			continue
		}
		// First claim moves the execution out of pending; re-claims after a
		// retry find it already assigned and the conditional update no-ops.
		applied, err := e.executions.Transition(ctx, tenantID, *item.ExecutionID,
			domain.ExecutionPending, domain.ExecutionAssigned,
			postgres.TransitionUpdate{AgentID: &agentID, QueueItemID: &item.ID})
		if err != nil {
			e.logger.Error("failed to assign execution on claim",
				slog.String("execution_id", *item.ExecutionID),
				slog.String("item_id", item.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if applied {
			telemetry.ExecutionTransitions.WithLabelValues(string(domain.ExecutionAssigned)).Inc()
		}
	}
	return items, nil
}

// OutcomeRequest is an agent's report on a processed item.
type OutcomeRequest struct {
	TenantID         string
	ItemID           string
	AgentID          string
	Status           domain.ItemStatus // completed, failed or cancelled
	Results          json.RawMessage
	ErrorMessage     string
	ProcessingTimeMs *int64
}

// ReportOutcome settles one processing attempt. A failed attempt with retry
// budget left schedules the item back to pending with exponential backoff:
// delay = retry_delay_seconds * 2^retry_count. Duplicate reports on an
// already-terminal item are ignored.
func (e *Engine) ReportOutcome(ctx context.Context, req OutcomeRequest) error {
	item, err := e.queues.GetItem(ctx, req.TenantID, req.ItemID)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() {
		return nil
	}
	if req.AgentID != "" && item.AssignedTo != nil && *item.AssignedTo != req.AgentID {
		e.logger.Warn("outcome report from mismatched agent, ignoring",
			slog.String("item_id", req.ItemID),
			slog.String("reporting_agent", req.AgentID),
		)
		return nil
	}

	switch req.Status {
	case domain.ItemCompleted:
		applied, err := e.queues.CompleteItem(ctx, req.TenantID, req.ItemID, req.Results, req.ProcessingTimeMs)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		telemetry.QueueItemOutcomes.WithLabelValues(string(domain.ItemCompleted)).Inc()
		e.finishExecution(ctx, item, domain.ExecutionCompleted, req.Results, "")
		return nil

	case domain.ItemFailed:
		q, err := e.queues.GetQueue(ctx, req.TenantID, item.QueueID)
		if err != nil {
			return err
		}
		if item.RetryCount < q.MaxRetries {
			delay := time.Duration(q.RetryDelaySeconds) * time.Second << item.RetryCount
			next := time.Now().UTC().Add(delay)
			applied, err := e.queues.RetryItem(ctx, req.TenantID, req.ItemID, next, req.ErrorMessage)
			if err != nil {
				return err
			}
			if applied {
				telemetry.QueueItemRetries.Inc()
				e.logger.Info("queue item scheduled for retry",
					slog.String("item_id", req.ItemID),
					slog.Int("retry_count", item.RetryCount+1),
					slog.Time("next_processing_time", next),
				)
			}
			return nil
		}
		applied, err := e.queues.FailItem(ctx, req.TenantID, req.ItemID, req.ErrorMessage, req.ProcessingTimeMs)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		telemetry.QueueItemOutcomes.WithLabelValues(string(domain.ItemFailed)).Inc()
		e.finishExecution(ctx, item, domain.ExecutionFailed, nil, req.ErrorMessage)
		return nil

	case domain.ItemCancelled:
		applied, err := e.queues.CancelItem(ctx, req.TenantID, req.ItemID)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		telemetry.QueueItemOutcomes.WithLabelValues(string(domain.ItemCancelled)).Inc()
		e.finishExecution(ctx, item, domain.ExecutionCancelled, nil, req.ErrorMessage)
		return nil

	default:
		return &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not a settled outcome", req.Status)}
	}
}

// finishExecution mirrors a terminal item outcome onto the linked execution.
// Best effort: the agent may already have reported terminal state through
// the ledger, in which case the conditional update no-ops.
func (e *Engine) finishExecution(ctx context.Context, item *domain.QueueItem, to domain.ExecutionStatus, results json.RawMessage, errMsg string) {
	if item.ExecutionID == nil {
		return
	}
	exec, err := e.executions.GetByID(ctx, item.TenantID, *item.ExecutionID)
	if err != nil {
		e.logger.Error("failed to load execution for settled item",
			slog.String("execution_id", *item.ExecutionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if exec.Status.IsTerminal() || !exec.Status.CanTransition(to) {
		return
	}
	upd := postgres.TransitionUpdate{Results: results}
	if errMsg != "" {
		upd.ErrorMessage = &errMsg
	}
	applied, err := e.executions.Transition(ctx, item.TenantID, exec.ID, exec.Status, to, upd)
	if err != nil {
		e.logger.Error("failed to settle execution for item",
			slog.String("execution_id", exec.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if applied {
		telemetry.ExecutionTransitions.WithLabelValues(string(to)).Inc()
	}
}

// BulkResult reports a bulk operation's per-id outcome.
type BulkResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// BulkOperation applies op to each id independently, scoped to one queue: an
// id belonging to a different queue is rejected, not touched. One bad id
// never aborts the batch; its error is collected instead.
func (e *Engine) BulkOperation(ctx context.Context, tenantID, queueID string, op domain.BulkOp, ids []string) (*BulkResult, error) {
	if len(ids) == 0 {
		return nil, &domain.ValidationError{Field: "item_ids", Reason: "required"}
	}
	if _, err := e.queues.GetQueue(ctx, tenantID, queueID); err != nil {
		return nil, err
	}
	res := &BulkResult{Failed: map[string]string{}}
	for _, id := range ids {
		if err := e.applyBulkOp(ctx, tenantID, queueID, op, id); err != nil {
			res.Failed[id] = err.Error()
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	e.logger.Info("bulk operation finished",
		slog.String("op", string(op)),
		slog.String("queue_id", queueID),
		slog.Int("succeeded", len(res.Succeeded)),
		slog.Int("failed", len(res.Failed)),
	)
	return res, nil
}

func (e *Engine) applyBulkOp(ctx context.Context, tenantID, queueID string, op domain.BulkOp, id string) error {
	item, err := e.queues.GetItem(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if item.QueueID != queueID {
		return &domain.ValidationError{Field: "item_ids", Reason: "item belongs to a different queue"}
	}

	switch op {
	case domain.BulkCancel:
		if item.Status.IsTerminal() {
			return &domain.ConflictError{Entity: "queue item", Reason: "already settled"}
		}
		applied, err := e.queues.CancelItem(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if applied {
			telemetry.QueueItemOutcomes.WithLabelValues(string(domain.ItemCancelled)).Inc()
			e.finishExecution(ctx, item, domain.ExecutionCancelled, nil, "cancelled by operator")
		}
		return nil

	case domain.BulkRetry:
		applied, err := e.queues.ResetItem(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if !applied {
			return &domain.ConflictError{Entity: "queue item", Reason: "only failed or cancelled items can be retried"}
		}
		return nil

	case domain.BulkDelete:
		return e.queues.DeleteItem(ctx, tenantID, id)

	default:
		return &domain.ValidationError{Field: "operation", Reason: fmt.Sprintf("unknown bulk operation %q", op)}
	}
}
