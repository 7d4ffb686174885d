package domain

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the state of one run of a job.
//
// The machine is monotonic:
//
//	pending → sent → assigned → running → {completed | failed | cancelled}
//
// "sent" is a transient state entered once the execute command has been
// handed to the broker. A terminal state can never be re-opened; re-applying
// the current state is treated as a duplicate delivery and ignored.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionSent      ExecutionStatus = "sent"
	ExecutionAssigned  ExecutionStatus = "assigned"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// executionTransitions maps each state to the states reachable from it.
// Intermediate states may be skipped (an agent may report running before the
// assignment update lands) but never revisited.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:  {ExecutionSent, ExecutionAssigned, ExecutionRunning, ExecutionFailed, ExecutionCancelled},
	ExecutionSent:     {ExecutionAssigned, ExecutionRunning, ExecutionFailed, ExecutionCancelled},
	ExecutionAssigned: {ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionCancelled},
	ExecutionRunning:  {ExecutionCompleted, ExecutionFailed, ExecutionCancelled},
}

// CanTransition reports whether from → to is a legal state change.
func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	for _, next := range executionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TriggerType records what caused an execution to be created.
type TriggerType string

const (
	TriggerManual     TriggerType = "manual"
	TriggerScheduled  TriggerType = "scheduled"
	TriggerDependency TriggerType = "dependency"
)

// JobExecution is one concrete run of a job, or of a bare package when JobID
// is nil. Immutable once terminal.
type JobExecution struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	JobID           *string         `json:"job_id,omitempty"`
	PackageID       string          `json:"package_id"`
	AgentID         *string         `json:"agent_id,omitempty"`
	QueueItemID     *string         `json:"queue_item_id,omitempty"`
	Status          ExecutionStatus `json:"status"`
	TriggerType     TriggerType     `json:"trigger_type"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	Results         json.RawMessage `json:"results,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Progress        int             `json:"progress"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExecutionTimeMs *int64          `json:"execution_time_ms,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
