package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avas-r/jobmesh/internal/domain"
)

// ScheduleRepository abstracts database access for schedules.
type ScheduleRepository interface {
	Create(ctx context.Context, s *domain.Schedule) error
	GetByID(ctx context.Context, tenantID, id string) (*domain.Schedule, error)
	Update(ctx context.Context, s *domain.Schedule) error
	Delete(ctx context.Context, tenantID, id string) error

	// ListDue returns active schedules whose next_execution has passed and
	// whose validity window has not ended. Spans all tenants: the scheduler
	// worker runs without a user session.
	ListDue(ctx context.Context, now time.Time) ([]*domain.Schedule, error)

	// Advance claims a firing: it stamps last/next execution only while
	// next_execution is still due, so two racing scheduler instances cannot
	// both fire the same schedule. Returns false when another instance won.
	Advance(ctx context.Context, tenantID, id string, firedAt time.Time, next *time.Time) (bool, error)
}

type scheduleRepository struct {
	pool *pgxpool.Pool
}

// NewScheduleRepository wraps a pgxpool with the ScheduleRepository interface.
func NewScheduleRepository(pool *pgxpool.Pool) ScheduleRepository {
	return &scheduleRepository{pool: pool}
}

func (r *scheduleRepository) Create(ctx context.Context, s *domain.Schedule) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO schedules
			(id, tenant_id, name, cron_expression, timezone, start_date, end_date,
			 last_execution, next_execution, status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		s.ID, s.TenantID, s.Name, s.CronExpr, s.Timezone, s.StartDate, s.EndDate,
		s.LastExecution, s.NextExecution, string(s.Status), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create schedule %s: %w", s.ID, err)
	}
	return nil
}

func (r *scheduleRepository) GetByID(ctx context.Context, tenantID, id string) (*domain.Schedule, error) {
	row := r.pool.QueryRow(ctx, scheduleSelect+` WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	s, err := scanSchedule(row)
	if err != nil {
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			return nil, &domain.NotFoundError{Entity: "schedule", ID: id}
		}
		return nil, err
	}
	return s, nil
}

func (r *scheduleRepository) Update(ctx context.Context, s *domain.Schedule) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET name = $3, cron_expression = $4, timezone = $5, start_date = $6,
		    end_date = $7, next_execution = $8, status = $9, updated_at = $10
		WHERE tenant_id = $1 AND id = $2
	`,
		s.TenantID, s.ID, s.Name, s.CronExpr, s.Timezone, s.StartDate, s.EndDate,
		s.NextExecution, string(s.Status), s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "schedule", ID: s.ID}
	}
	return nil
}

// Delete refuses to remove a schedule that jobs still reference.
func (r *scheduleRepository) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM schedules s
		WHERE s.tenant_id = $1 AND s.id = $2
		  AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.schedule_id = s.id)
	`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetByID(ctx, tenantID, id); getErr != nil {
			return getErr
		}
		return &domain.ConflictError{Entity: "schedule", Reason: "jobs still reference this schedule"}
	}
	return nil
}

func (r *scheduleRepository) ListDue(ctx context.Context, now time.Time) ([]*domain.Schedule, error) {
	rows, err := r.pool.Query(ctx,
		scheduleSelect+`
		 WHERE status = 'active'
		   AND next_execution IS NOT NULL AND next_execution <= $1
		   AND (end_date IS NULL OR end_date >= $1)
		 ORDER BY next_execution ASC`,
		now)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *scheduleRepository) Advance(ctx context.Context, tenantID, id string, firedAt time.Time, next *time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET last_execution = $3, next_execution = $4, updated_at = $3
		WHERE tenant_id = $1 AND id = $2
		  AND next_execution IS NOT NULL AND next_execution <= $3
	`, tenantID, id, firedAt, next)
	if err != nil {
		return false, fmt.Errorf("advance schedule %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

const scheduleSelect = `
	SELECT id, tenant_id, name, cron_expression, timezone, start_date, end_date,
	       last_execution, next_execution, status, created_at, updated_at
	FROM schedules`

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var s domain.Schedule
	var statusStr string
	err := row.Scan(
		&s.ID, &s.TenantID, &s.Name, &s.CronExpr, &s.Timezone, &s.StartDate,
		&s.EndDate, &s.LastExecution, &s.NextExecution, &statusStr,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Entity: "schedule", ID: "unknown"}
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	s.Status = domain.ScheduleStatus(statusStr)
	return &s, nil
}
