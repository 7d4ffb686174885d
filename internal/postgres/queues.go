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

// OrphanSweepResult reports what the orphaned-claim reconciliation did.
type OrphanSweepResult struct {
	Requeued int
	Failed   int
}

// QueueRepository abstracts database access for queues and queue items.
type QueueRepository interface {
	CreateQueue(ctx context.Context, q *domain.Queue) error
	GetQueue(ctx context.Context, tenantID, id string) (*domain.Queue, error)
	UpdateQueue(ctx context.Context, q *domain.Queue) error
	DeleteQueue(ctx context.Context, tenantID, id string) error

	InsertItem(ctx context.Context, item *domain.QueueItem) error
	GetItem(ctx context.Context, tenantID, id string) (*domain.QueueItem, error)
	ListItems(ctx context.Context, tenantID, queueID string, limit int) ([]*domain.QueueItem, error)

	// ClaimItems selects and claims up to max eligible items in one atomic
	// statement: the UPDATE's subquery locks candidate item rows (SKIP
	// LOCKED, restricted to queue_items so the joined queue row stays
	// unlocked) and two racing claimers can never take the same item.
	ClaimItems(ctx context.Context, tenantID, agentID string, max int, capabilities map[string]string) ([]*domain.QueueItem, error)

	CompleteItem(ctx context.Context, tenantID, id string, results json.RawMessage, processingTimeMs *int64) (bool, error)
	RetryItem(ctx context.Context, tenantID, id string, next time.Time, errMsg string) (bool, error)
	FailItem(ctx context.Context, tenantID, id string, errMsg string, processingTimeMs *int64) (bool, error)
	CancelItem(ctx context.Context, tenantID, id string) (bool, error)
	ResetItem(ctx context.Context, tenantID, id string) (bool, error)
	DeleteItem(ctx context.Context, tenantID, id string) error

	// RequeueOrphans reconciles processing items whose agent has been offline
	// past the cutoff: back to pending while retry budget remains, terminally
	// failed otherwise.
	RequeueOrphans(ctx context.Context, offlineCutoff, now time.Time) (OrphanSweepResult, error)
}

type queueRepository struct {
	pool *pgxpool.Pool
}

// NewQueueRepository wraps a pgxpool with the QueueRepository interface.
func NewQueueRepository(pool *pgxpool.Pool) QueueRepository {
	return &queueRepository{pool: pool}
}

func (r *queueRepository) CreateQueue(ctx context.Context, q *domain.Queue) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO queues
			(id, tenant_id, name, description, max_retries, retry_delay_seconds, priority, status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		q.ID, q.TenantID, q.Name, q.Description, q.MaxRetries, q.RetryDelaySeconds,
		q.Priority, string(q.Status), q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{Entity: "queue", Reason: fmt.Sprintf("name %q already exists", q.Name)}
		}
		return fmt.Errorf("create queue %s: %w", q.ID, err)
	}
	return nil
}

func (r *queueRepository) GetQueue(ctx context.Context, tenantID, id string) (*domain.Queue, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, description, max_retries, retry_delay_seconds,
		       priority, status, created_at, updated_at
		FROM queues
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)

	var q domain.Queue
	var statusStr string
	err := row.Scan(
		&q.ID, &q.TenantID, &q.Name, &q.Description, &q.MaxRetries,
		&q.RetryDelaySeconds, &q.Priority, &statusStr, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Entity: "queue", ID: id}
		}
		return nil, fmt.Errorf("get queue %s: %w", id, err)
	}
	q.Status = domain.QueueStatus(statusStr)
	return &q, nil
}

func (r *queueRepository) UpdateQueue(ctx context.Context, q *domain.Queue) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queues
		SET name = $3, description = $4, max_retries = $5, retry_delay_seconds = $6,
		    priority = $7, status = $8, updated_at = $9
		WHERE tenant_id = $1 AND id = $2
	`,
		q.TenantID, q.ID, q.Name, q.Description, q.MaxRetries, q.RetryDelaySeconds,
		q.Priority, string(q.Status), q.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{Entity: "queue", Reason: fmt.Sprintf("name %q already exists", q.Name)}
		}
		return fmt.Errorf("update queue %s: %w", q.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "queue", ID: q.ID}
	}
	return nil
}

// DeleteQueue refuses to delete a queue that still owns non-terminal items.
// The guard and the delete are one statement so a concurrent enqueue cannot
// slip between check and delete.
func (r *queueRepository) DeleteQueue(ctx context.Context, tenantID, id string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM queues q
		WHERE q.tenant_id = $1 AND q.id = $2
		  AND NOT EXISTS (
			SELECT 1 FROM queue_items i
			WHERE i.queue_id = q.id AND i.status IN ('pending', 'processing')
		  )
	`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete queue %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetQueue(ctx, tenantID, id); getErr != nil {
			return getErr
		}
		return &domain.ConflictError{Entity: "queue", Reason: "queue has pending or processing items"}
	}
	return nil
}

func (r *queueRepository) InsertItem(ctx context.Context, item *domain.QueueItem) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO queue_items
			(id, tenant_id, queue_id, execution_id, status, priority, retry_count,
			 next_processing_time, due_date, payload, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		item.ID, item.TenantID, item.QueueID, item.ExecutionID, string(item.Status),
		item.Priority, item.RetryCount, item.NextProcessingTime, item.DueDate,
		item.Payload, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert queue item %s: %w", item.ID, err)
	}
	return nil
}

func (r *queueRepository) GetItem(ctx context.Context, tenantID, id string) (*domain.QueueItem, error) {
	row := r.pool.QueryRow(ctx, itemSelect+` WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	item, err := scanItem(row)
	if err != nil {
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			return nil, &domain.NotFoundError{Entity: "queue item", ID: id}
		}
		return nil, err
	}
	return item, nil
}

func (r *queueRepository) ListItems(ctx context.Context, tenantID, queueID string, limit int) ([]*domain.QueueItem, error) {
	rows, err := r.pool.Query(ctx,
		itemSelect+` WHERE tenant_id = $1 AND queue_id = $2
		 ORDER BY priority DESC, created_at ASC LIMIT $3`,
		tenantID, queueID, limit)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (r *queueRepository) ClaimItems(ctx context.Context, tenantID, agentID string, max int, capabilities map[string]string) ([]*domain.QueueItem, error) {
	caps, err := capsJSON(capabilities)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		UPDATE queue_items
		SET status = 'processing', assigned_to = $3, updated_at = NOW()
		WHERE id IN (
			SELECT i.id
			FROM queue_items i
			JOIN queues q ON q.id = i.queue_id
			WHERE i.tenant_id = $1
			  AND q.status = 'active'
			  AND i.status = 'pending'
			  AND i.assigned_to IS NULL
			  AND (i.next_processing_time IS NULL OR i.next_processing_time <= NOW())
			  AND (i.due_date IS NULL OR i.due_date >= NOW())
			  AND (i.payload -> 'required_capabilities' IS NULL
			       OR $4::jsonb @> (i.payload -> 'required_capabilities'))
			ORDER BY i.priority DESC, i.created_at ASC
			LIMIT $2
			FOR UPDATE OF i SKIP LOCKED
		)
		RETURNING `+itemColumns,
		tenantID, max, agentID, caps)
	if err != nil {
		return nil, fmt.Errorf("claim queue items for agent %s: %w", agentID, err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (r *queueRepository) CompleteItem(ctx context.Context, tenantID, id string, results json.RawMessage, processingTimeMs *int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'completed',
		    assigned_to = NULL,
		    processed_at = NOW(),
		    processing_time_ms = COALESCE($3, processing_time_ms),
		    payload = CASE WHEN $4::jsonb IS NULL THEN payload
		                   ELSE COALESCE(payload, '{}'::jsonb) || $4::jsonb END,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = 'processing'
	`, tenantID, id, processingTimeMs, results)
	if err != nil {
		return false, fmt.Errorf("complete queue item %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *queueRepository) RetryItem(ctx context.Context, tenantID, id string, next time.Time, errMsg string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'pending',
		    assigned_to = NULL,
		    retry_count = retry_count + 1,
		    next_processing_time = $3,
		    error_message = $4,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = 'processing'
	`, tenantID, id, next, errMsg)
	if err != nil {
		return false, fmt.Errorf("retry queue item %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *queueRepository) FailItem(ctx context.Context, tenantID, id string, errMsg string, processingTimeMs *int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'failed',
		    assigned_to = NULL,
		    next_processing_time = NULL,
		    error_message = $3,
		    processing_time_ms = COALESCE($4, processing_time_ms),
		    processed_at = NOW(),
		    updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = 'processing'
	`, tenantID, id, errMsg, processingTimeMs)
	if err != nil {
		return false, fmt.Errorf("fail queue item %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *queueRepository) CancelItem(ctx context.Context, tenantID, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'cancelled', assigned_to = NULL, next_processing_time = NULL, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status IN ('pending', 'processing')
	`, tenantID, id)
	if err != nil {
		return false, fmt.Errorf("cancel queue item %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetItem puts a terminally failed or cancelled item back into the claim
// pool with a fresh retry budget (operator-initiated retry).
func (r *queueRepository) ResetItem(ctx context.Context, tenantID, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'pending',
		    retry_count = 0,
		    next_processing_time = NULL,
		    error_message = '',
		    processed_at = NULL,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status IN ('failed', 'cancelled')
	`, tenantID, id)
	if err != nil {
		return false, fmt.Errorf("reset queue item %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *queueRepository) DeleteItem(ctx context.Context, tenantID, id string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM queue_items
		WHERE tenant_id = $1 AND id = $2 AND status <> 'processing'
	`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete queue item %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetItem(ctx, tenantID, id); getErr != nil {
			return getErr
		}
		return &domain.ConflictError{Entity: "queue item", Reason: "item is being processed"}
	}
	return nil
}

func (r *queueRepository) RequeueOrphans(ctx context.Context, offlineCutoff, now time.Time) (OrphanSweepResult, error) {
	var res OrphanSweepResult

	// Orphans with retry budget left re-enter the pool with backoff; the
	// disconnect counts as one failure.
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items i
		SET status = 'pending',
		    assigned_to = NULL,
		    retry_count = i.retry_count + 1,
		    next_processing_time = $2 + (q.retry_delay_seconds * POWER(2, i.retry_count) * INTERVAL '1 second'),
		    error_message = 'assigned agent went offline',
		    updated_at = $2
		FROM queues q
		WHERE q.id = i.queue_id
		  AND i.status = 'processing'
		  AND i.retry_count < q.max_retries
		  AND i.assigned_to IN (
			SELECT id FROM agents WHERE status = 'offline' AND updated_at < $1
		  )
	`, offlineCutoff, now)
	if err != nil {
		return res, fmt.Errorf("requeue orphaned items: %w", err)
	}
	res.Requeued = int(tag.RowsAffected())

	tag, err = r.pool.Exec(ctx, `
		UPDATE queue_items i
		SET status = 'failed',
		    assigned_to = NULL,
		    next_processing_time = NULL,
		    error_message = 'assigned agent went offline; retries exhausted',
		    processed_at = $2,
		    updated_at = $2
		FROM queues q
		WHERE q.id = i.queue_id
		  AND i.status = 'processing'
		  AND i.retry_count >= q.max_retries
		  AND i.assigned_to IN (
			SELECT id FROM agents WHERE status = 'offline' AND updated_at < $1
		  )
	`, offlineCutoff, now)
	if err != nil {
		return res, fmt.Errorf("fail orphaned items: %w", err)
	}
	res.Failed = int(tag.RowsAffected())
	return res, nil
}

const itemColumns = `id, tenant_id, queue_id, execution_id, status, priority, retry_count,
	       next_processing_time, due_date, assigned_to, payload, error_message,
	       processing_time_ms, processed_at, created_at, updated_at`

const itemSelect = `
	SELECT ` + itemColumns + `
	FROM queue_items`

func scanItem(row pgx.Row) (*domain.QueueItem, error) {
	var it domain.QueueItem
	var statusStr string
	err := row.Scan(
		&it.ID, &it.TenantID, &it.QueueID, &it.ExecutionID, &statusStr, &it.Priority,
		&it.RetryCount, &it.NextProcessingTime, &it.DueDate, &it.AssignedTo,
		&it.Payload, &it.ErrorMessage, &it.ProcessingTimeMs, &it.ProcessedAt,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Entity: "queue item", ID: "unknown"}
		}
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	it.Status = domain.ItemStatus(statusStr)
	return &it, nil
}

func collectItems(rows pgx.Rows) ([]*domain.QueueItem, error) {
	var items []*domain.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
