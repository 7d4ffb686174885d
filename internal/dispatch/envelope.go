package dispatch

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action identifies what a command asks an agent to do, or what kind of
// payload a queue item carries.
type Action string

const (
	ActionExecuteJob Action = "execute_job"
	ActionCancelJob  Action = "cancel_job"
	ActionStopJob    Action = "stop_job"
	ActionNewItem    Action = "new_item"
)

// Command is the point-to-point envelope delivered on an agent's command
// topic. Exactly one of ExecutionID / ItemID is set depending on the action.
type Command struct {
	Action      Action          `json:"action"`
	ExecutionID string          `json:"execution_id,omitempty"`
	ItemID      string          `json:"item_id,omitempty"`
	TenantID    string          `json:"tenant_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Event is the fan-out envelope published on lifecycle topics for
// collaborators (notifications) to consume independently.
type Event struct {
	EventType string    `json:"event_type"`
	TenantID  string    `json:"tenant_id"`
	EntityID  string    `json:"entity_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// DecodeCommand parses a command envelope and validates the fields every
// action requires. Malformed envelopes are rejected without requeue.
func DecodeCommand(raw []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("decode command envelope: %w", err)
	}
	if cmd.Action == "" {
		return nil, fmt.Errorf("command envelope missing action")
	}
	if cmd.TenantID == "" {
		return nil, fmt.Errorf("command envelope missing tenant_id")
	}
	if cmd.ExecutionID == "" && cmd.ItemID == "" {
		return nil, fmt.Errorf("command envelope missing execution_id and item_id")
	}
	return &cmd, nil
}

// DecodeEvent parses a lifecycle event envelope.
func DecodeEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if ev.TenantID == "" || ev.EntityID == "" {
		return nil, fmt.Errorf("event envelope missing tenant_id or entity_id")
	}
	return &ev, nil
}
