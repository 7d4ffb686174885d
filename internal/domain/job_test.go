package domain_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/avas-r/jobmesh/internal/domain"
)

func TestMergeParameters_OverrideWins(t *testing.T) {
	defaults := json.RawMessage(`{"env":"prod","retries":3,"region":"eu"}`)
	overrides := json.RawMessage(`{"env":"staging","extra":true}`)

	merged, err := domain.MergeParameters(defaults, overrides)
	if err != nil {
		t.Fatalf("MergeParameters: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(merged, &got); err != nil {
		t.Fatalf("unmarshal merged: %v", err)
	}
	if got["env"] != "staging" {
		t.Errorf("env = %v, want staging (override must win)", got["env"])
	}
	if got["region"] != "eu" {
		t.Errorf("region = %v, want eu (default must survive)", got["region"])
	}
	if got["extra"] != true {
		t.Errorf("extra = %v, want true", got["extra"])
	}
}

func TestMergeParameters_EmptySides(t *testing.T) {
	defaults := json.RawMessage(`{"a":1}`)

	merged, err := domain.MergeParameters(defaults, nil)
	if err != nil {
		t.Fatalf("MergeParameters with nil overrides: %v", err)
	}
	if string(merged) != `{"a":1}` {
		t.Errorf("merged = %s, want defaults back", merged)
	}

	merged, err = domain.MergeParameters(nil, defaults)
	if err != nil {
		t.Fatalf("MergeParameters with nil defaults: %v", err)
	}
	if string(merged) != `{"a":1}` {
		t.Errorf("merged = %s, want overrides back", merged)
	}
}

func TestMergeParameters_NonObject(t *testing.T) {
	_, err := domain.MergeParameters(json.RawMessage(`[1,2]`), json.RawMessage(`{"a":1}`))
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}
