package domain

import "time"

// ScheduleStatus enables or disables a cron trigger source.
type ScheduleStatus string

const (
	ScheduleActive   ScheduleStatus = "active"
	ScheduleInactive ScheduleStatus = "inactive"
)

// Schedule fires the jobs attached to it on a 5-field cron cadence evaluated
// in Timezone. NextExecution is recomputed immediately after every firing so
// a schedule with no active jobs never gets stuck re-firing each tick.
type Schedule struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Name          string         `json:"name"`
	CronExpr      string         `json:"cron_expression"`
	Timezone      string         `json:"timezone"`
	StartDate     *time.Time     `json:"start_date,omitempty"`
	EndDate       *time.Time     `json:"end_date,omitempty"`
	LastExecution *time.Time     `json:"last_execution,omitempty"`
	NextExecution *time.Time     `json:"next_execution,omitempty"`
	Status        ScheduleStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
