package domain

import "fmt"

// ValidationError is returned for malformed input: a bad cron expression, an
// illegal status transition requested by a caller, a missing required
// reference. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError is returned when an entity ID does not exist within the
// caller's tenant. The message never names another tenant's identifiers.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// ConflictError is returned when an operation loses to concurrent state: a
// concurrency ceiling is hit, a delete is blocked by active children, or a
// queue item was already claimed. Callers may retry later.
type ConflictError struct {
	Entity string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Entity, e.Reason)
}

// TransitionError is returned when a requested execution status change is not
// legal from the current state. Duplicate deliveries of an already-applied
// transition are not errors; callers detect those separately.
type TransitionError struct {
	ExecutionID string
	From        ExecutionStatus
	To          ExecutionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("execution %s: illegal transition %s → %s", e.ExecutionID, e.From, e.To)
}
