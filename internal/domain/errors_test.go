package domain_test

import (
	"strings"
	"testing"

	"github.com/avas-r/jobmesh/internal/domain"
)

func TestValidationError(t *testing.T) {
	err := &domain.ValidationError{Field: "cron_expression", Reason: "unparseable"}
	msg := err.Error()
	if !strings.Contains(msg, "cron_expression") {
		t.Errorf("error message should contain the field, got: %q", msg)
	}
	if !strings.Contains(msg, "unparseable") {
		t.Errorf("error message should contain the reason, got: %q", msg)
	}

	bare := &domain.ValidationError{Reason: "body too large"}
	if bare.Error() != "body too large" {
		t.Errorf("fieldless error should be the bare reason, got: %q", bare.Error())
	}
}

func TestNotFoundError(t *testing.T) {
	err := &domain.NotFoundError{Entity: "queue", ID: "abc-123"}
	if !strings.Contains(err.Error(), "abc-123") {
		t.Errorf("error message should contain the ID, got: %q", err.Error())
	}
	if !strings.Contains(err.Error(), "queue") {
		t.Errorf("error message should contain the entity, got: %q", err.Error())
	}
}

func TestConflictError(t *testing.T) {
	err := &domain.ConflictError{Entity: "execution", Reason: "tenant concurrent job limit reached (10)"}
	msg := err.Error()
	if !strings.Contains(msg, "execution") {
		t.Errorf("error message should contain the entity, got: %q", msg)
	}
	if !strings.Contains(msg, "10") {
		t.Errorf("error message should contain the limit, got: %q", msg)
	}
}

func TestTransitionError(t *testing.T) {
	err := &domain.TransitionError{
		ExecutionID: "xyz-789",
		From:        domain.ExecutionCompleted,
		To:          domain.ExecutionRunning,
	}
	msg := err.Error()
	if !strings.Contains(msg, "xyz-789") {
		t.Errorf("error message should contain the execution ID, got: %q", msg)
	}
	if !strings.Contains(msg, "completed") || !strings.Contains(msg, "running") {
		t.Errorf("error message should name both states, got: %q", msg)
	}
}

func TestAllErrorTypesImplementError(t *testing.T) {
	// Compile-time interface checks via assignment to error variables.
	var _ error = &domain.ValidationError{}
	var _ error = &domain.NotFoundError{}
	var _ error = &domain.ConflictError{}
	var _ error = &domain.TransitionError{}
}
