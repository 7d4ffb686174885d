package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avas-r/jobmesh/internal/domain"
)

// inFlightStatuses are the pre-terminal states counted by admission control.
const inFlightStatuses = `('pending', 'sent', 'assigned', 'running')`

// TransitionUpdate carries the optional fields written alongside a status
// change. Nil fields keep the stored value.
type TransitionUpdate struct {
	AgentID      *string
	QueueItemID  *string
	Progress     *int
	Results      json.RawMessage
	ErrorMessage *string
}

// TimedOutExecution identifies one running execution failed by the timeout sweep.
type TimedOutExecution struct {
	ID       string
	TenantID string
}

// ExecutionRepository abstracts database access for job executions.
type ExecutionRepository interface {
	Create(ctx context.Context, exec *domain.JobExecution) error
	GetByID(ctx context.Context, tenantID, id string) (*domain.JobExecution, error)
	ListRecent(ctx context.Context, tenantID string, limit int) ([]*domain.JobExecution, error)
	CountInFlightForJob(ctx context.Context, tenantID, jobID string) (int, error)
	CountInFlightForTenant(ctx context.Context, tenantID string) (int, error)
	HasFreshCompletion(ctx context.Context, tenantID, jobID string, since time.Time) (bool, error)

	// HasTriggerSince reports whether the job already has an execution with
	// the given trigger type created at or after since. The dependency
	// resolver uses it to keep redelivered completion events from firing a
	// dependent twice.
	HasTriggerSince(ctx context.Context, tenantID, jobID string, trigger domain.TriggerType, since time.Time) (bool, error)

	// ListUndispatched returns pending executions that are bound to neither
	// an agent nor a queue item, oldest first. These are the ones a dispatch
	// attempt left behind (no agent online, command publish failed).
	ListUndispatched(ctx context.Context, before time.Time, limit int) ([]*domain.JobExecution, error)

	// Transition applies from → to atomically: the UPDATE only matches while
	// the row is still in from, so racing reporters cannot double-apply.
	// Returns false when the row was not in from (duplicate or stale report).
	Transition(ctx context.Context, tenantID, id string, from, to domain.ExecutionStatus, upd TransitionUpdate) (bool, error)

	// SweepTimedOut fails running executions past their job's timeout in one
	// conditional UPDATE and returns what it flipped.
	SweepTimedOut(ctx context.Context, now time.Time) ([]TimedOutExecution, error)
}

type executionRepository struct {
	pool *pgxpool.Pool
}

// NewExecutionRepository wraps a pgxpool with the ExecutionRepository interface.
func NewExecutionRepository(pool *pgxpool.Pool) ExecutionRepository {
	return &executionRepository{pool: pool}
}

func (r *executionRepository) Create(ctx context.Context, exec *domain.JobExecution) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO job_executions
			(id, tenant_id, job_id, package_id, agent_id, queue_item_id, status,
			 trigger_type, parameters, progress, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		exec.ID, exec.TenantID, exec.JobID, exec.PackageID, exec.AgentID,
		exec.QueueItemID, string(exec.Status), string(exec.TriggerType),
		exec.Parameters, exec.Progress, exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create execution %s: %w", exec.ID, err)
	}
	return nil
}

func (r *executionRepository) GetByID(ctx context.Context, tenantID, id string) (*domain.JobExecution, error) {
	row := r.pool.QueryRow(ctx, executionSelect+` WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	exec, err := scanExecution(row)
	if err != nil {
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			return nil, &domain.NotFoundError{Entity: "execution", ID: id}
		}
		return nil, err
	}
	return exec, nil
}

func (r *executionRepository) ListRecent(ctx context.Context, tenantID string, limit int) ([]*domain.JobExecution, error) {
	rows, err := r.pool.Query(ctx,
		executionSelect+` WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*domain.JobExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func (r *executionRepository) CountInFlightForJob(ctx context.Context, tenantID, jobID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_executions
		 WHERE tenant_id = $1 AND job_id = $2 AND status IN `+inFlightStatuses,
		tenantID, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight executions for job %s: %w", jobID, err)
	}
	return n, nil
}

func (r *executionRepository) CountInFlightForTenant(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_executions
		 WHERE tenant_id = $1 AND status IN `+inFlightStatuses,
		tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight executions for tenant: %w", err)
	}
	return n, nil
}

func (r *executionRepository) HasFreshCompletion(ctx context.Context, tenantID, jobID string, since time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM job_executions
			WHERE tenant_id = $1 AND job_id = $2 AND status = 'completed' AND completed_at >= $3
		)
	`, tenantID, jobID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check fresh completion for job %s: %w", jobID, err)
	}
	return exists, nil
}

func (r *executionRepository) HasTriggerSince(ctx context.Context, tenantID, jobID string, trigger domain.TriggerType, since time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM job_executions
			WHERE tenant_id = $1 AND job_id = $2 AND trigger_type = $3 AND created_at >= $4
		)
	`, tenantID, jobID, string(trigger), since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check %s trigger for job %s: %w", trigger, jobID, err)
	}
	return exists, nil
}

func (r *executionRepository) ListUndispatched(ctx context.Context, before time.Time, limit int) ([]*domain.JobExecution, error) {
	rows, err := r.pool.Query(ctx,
		executionSelect+` WHERE status = 'pending'
		 AND agent_id IS NULL AND queue_item_id IS NULL AND created_at < $1
		 ORDER BY created_at ASC LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("list undispatched executions: %w", err)
	}
	defer rows.Close()

	var execs []*domain.JobExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func (r *executionRepository) Transition(ctx context.Context, tenantID, id string, from, to domain.ExecutionStatus, upd TransitionUpdate) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE job_executions
		SET status = $4,
		    updated_at = NOW(),
		    agent_id = COALESCE($5, agent_id),
		    queue_item_id = COALESCE($6, queue_item_id),
		    progress = COALESCE($7, progress),
		    results = COALESCE($8, results),
		    error_message = COALESCE($9, error_message),
		    started_at = CASE
		        WHEN $4 = 'running' AND started_at IS NULL THEN NOW()
		        ELSE started_at END,
		    completed_at = CASE
		        WHEN $4 IN ('completed', 'failed', 'cancelled') THEN NOW()
		        ELSE completed_at END,
		    execution_time_ms = CASE
		        WHEN $4 IN ('completed', 'failed', 'cancelled') AND started_at IS NOT NULL
		        THEN (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::BIGINT
		        ELSE execution_time_ms END
		WHERE tenant_id = $1 AND id = $2 AND status = $3
	`,
		tenantID, id, string(from), string(to),
		upd.AgentID, upd.QueueItemID, upd.Progress, upd.Results, upd.ErrorMessage,
	)
	if err != nil {
		return false, fmt.Errorf("transition execution %s to %s: %w", id, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *executionRepository) SweepTimedOut(ctx context.Context, now time.Time) ([]TimedOutExecution, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE job_executions e
		SET status = 'failed',
		    error_message = 'execution timed out',
		    completed_at = $1,
		    execution_time_ms = (EXTRACT(EPOCH FROM ($1 - e.started_at)) * 1000)::BIGINT,
		    updated_at = $1
		FROM jobs j
		WHERE e.job_id = j.id
		  AND e.status = 'running'
		  AND j.timeout_seconds > 0
		  AND e.started_at + (j.timeout_seconds * INTERVAL '1 second') < $1
		RETURNING e.id, e.tenant_id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("sweep timed-out executions: %w", err)
	}
	defer rows.Close()

	var timedOut []TimedOutExecution
	for rows.Next() {
		var t TimedOutExecution
		if err := rows.Scan(&t.ID, &t.TenantID); err != nil {
			return nil, fmt.Errorf("scan timed-out execution: %w", err)
		}
		timedOut = append(timedOut, t)
	}
	return timedOut, rows.Err()
}

const executionSelect = `
	SELECT id, tenant_id, job_id, package_id, agent_id, queue_item_id, status,
	       trigger_type, parameters, results, error_message, progress,
	       started_at, completed_at, execution_time_ms, created_at, updated_at
	FROM job_executions`

func scanExecution(row pgx.Row) (*domain.JobExecution, error) {
	var e domain.JobExecution
	var statusStr, triggerStr string
	err := row.Scan(
		&e.ID, &e.TenantID, &e.JobID, &e.PackageID, &e.AgentID, &e.QueueItemID,
		&statusStr, &triggerStr, &e.Parameters, &e.Results, &e.ErrorMessage,
		&e.Progress, &e.StartedAt, &e.CompletedAt, &e.ExecutionTimeMs,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Entity: "execution", ID: "unknown"}
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.Status = domain.ExecutionStatus(statusStr)
	e.TriggerType = domain.TriggerType(triggerStr)
	return &e, nil
}
