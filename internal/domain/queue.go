package domain

import (
	"encoding/json"
	"time"
)

// QueueStatus enables or disables claiming from a queue.
type QueueStatus string

const (
	QueueActive   QueueStatus = "active"
	QueueInactive QueueStatus = "inactive"
)

// Queue is a tenant-scoped priority buffer of work items awaiting agent
// assignment. Name is unique per tenant.
type Queue struct {
	ID                string      `json:"id"`
	TenantID          string      `json:"tenant_id"`
	Name              string      `json:"name"`
	Description       string      `json:"description,omitempty"`
	MaxRetries        int         `json:"max_retries"`
	RetryDelaySeconds int         `json:"retry_delay_seconds"`
	Priority          int         `json:"priority"`
	Status            QueueStatus `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// ItemStatus is the state of a queue item.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemCancelled  ItemStatus = "cancelled"
)

// IsTerminal reports whether the item can never re-enter the claim pool.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemCancelled
}

// QueueItem is one unit of queued work with its own retry/backoff state.
//
// Invariants: AssignedTo is non-nil only while Status is processing;
// RetryCount never exceeds the queue's max_retries — once it would, the item
// becomes terminally failed instead.
type QueueItem struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	QueueID            string          `json:"queue_id"`
	ExecutionID        *string         `json:"execution_id,omitempty"`
	Status             ItemStatus      `json:"status"`
	Priority           int             `json:"priority"`
	RetryCount         int             `json:"retry_count"`
	NextProcessingTime *time.Time      `json:"next_processing_time,omitempty"`
	DueDate            *time.Time      `json:"due_date,omitempty"`
	AssignedTo         *string         `json:"assigned_to,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	ProcessingTimeMs   *int64          `json:"processing_time_ms,omitempty"`
	ProcessedAt        *time.Time      `json:"processed_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// BulkOp is a per-item operation applied across a batch of queue items.
type BulkOp string

const (
	BulkCancel BulkOp = "cancel"
	BulkRetry  BulkOp = "retry"
	BulkDelete BulkOp = "delete"
)
