package domain

import (
	"encoding/json"
	"time"
)

// JobStatus enables or disables triggering for a job.
type JobStatus string

const (
	JobActive   JobStatus = "active"
	JobInactive JobStatus = "inactive"
)

// Job is a reusable definition of "run package P with these defaults".
// Name is unique per tenant. A job may be bound to a schedule (cron trigger)
// and/or a queue (work is buffered instead of dispatched directly).
type Job struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	Name              string          `json:"name"`
	PackageID         string          `json:"package_id"`
	ScheduleID        *string         `json:"schedule_id,omitempty"`
	QueueID           *string         `json:"queue_id,omitempty"`
	Priority          int             `json:"priority"`
	MaxConcurrentRuns int             `json:"max_concurrent_runs"`
	TimeoutSeconds    int             `json:"timeout_seconds"`
	RetryCount        int             `json:"retry_count"`
	RetryDelaySeconds int             `json:"retry_delay_seconds"`
	Parameters        json.RawMessage `json:"parameters,omitempty"`
	Status            JobStatus       `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// JobDependency is a linear "depends-on" edge: JobID fires only after
// DependsOnJobID has a sufficiently fresh completed execution.
type JobDependency struct {
	JobID          string    `json:"job_id"`
	DependsOnJobID string    `json:"depends_on_job_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// MergeParameters overlays caller-supplied overrides on the job's default
// parameter template. Override keys win. Either side may be empty.
func MergeParameters(defaults, overrides json.RawMessage) (json.RawMessage, error) {
	if len(overrides) == 0 || string(overrides) == "null" {
		return defaults, nil
	}
	if len(defaults) == 0 || string(defaults) == "null" {
		return overrides, nil
	}

	var base, over map[string]json.RawMessage
	if err := json.Unmarshal(defaults, &base); err != nil {
		return nil, &ValidationError{Field: "parameters", Reason: "job parameter template is not a JSON object"}
	}
	if err := json.Unmarshal(overrides, &over); err != nil {
		return nil, &ValidationError{Field: "parameters", Reason: "parameter overrides are not a JSON object"}
	}
	for k, v := range over {
		base[k] = v
	}
	return json.Marshal(base)
}
