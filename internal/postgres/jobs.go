package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avas-r/jobmesh/internal/domain"
)

// JobRepository abstracts database access for jobs and their dependency edges.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	Update(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, tenantID, id string) (*domain.Job, error)
	Delete(ctx context.Context, tenantID, id string) error
	ListActiveBySchedule(ctx context.Context, tenantID, scheduleID string) ([]*domain.Job, error)
	CountBySchedule(ctx context.Context, tenantID, scheduleID string) (int, error)

	AddDependency(ctx context.Context, dep *domain.JobDependency) error
	RemoveDependency(ctx context.Context, jobID, dependsOnJobID string) error
	ListDependencies(ctx context.Context, jobID string) ([]domain.JobDependency, error)
	ListDependents(ctx context.Context, dependsOnJobID string) ([]string, error)
	ListEdges(ctx context.Context, tenantID string) ([]domain.JobDependency, error)
}

type jobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository wraps a pgxpool with the JobRepository interface.
func NewJobRepository(pool *pgxpool.Pool) JobRepository {
	return &jobRepository{pool: pool}
}

func (r *jobRepository) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs
			(id, tenant_id, name, package_id, schedule_id, queue_id, priority,
			 max_concurrent_runs, timeout_seconds, retry_count, retry_delay_seconds,
			 parameters, status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		job.ID, job.TenantID, job.Name, job.PackageID, job.ScheduleID, job.QueueID,
		job.Priority, job.MaxConcurrentRuns, job.TimeoutSeconds, job.RetryCount,
		job.RetryDelaySeconds, job.Parameters, string(job.Status),
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{Entity: "job", Reason: fmt.Sprintf("name %q already exists", job.Name)}
		}
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (r *jobRepository) Update(ctx context.Context, job *domain.Job) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET name = $3, package_id = $4, schedule_id = $5, queue_id = $6, priority = $7,
		    max_concurrent_runs = $8, timeout_seconds = $9, retry_count = $10,
		    retry_delay_seconds = $11, parameters = $12, status = $13, updated_at = $14
		WHERE tenant_id = $1 AND id = $2
	`,
		job.TenantID, job.ID, job.Name, job.PackageID, job.ScheduleID, job.QueueID,
		job.Priority, job.MaxConcurrentRuns, job.TimeoutSeconds, job.RetryCount,
		job.RetryDelaySeconds, job.Parameters, string(job.Status), job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{Entity: "job", Reason: fmt.Sprintf("name %q already exists", job.Name)}
		}
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "job", ID: job.ID}
	}
	return nil
}

func (r *jobRepository) GetByID(ctx context.Context, tenantID, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, jobSelect+` WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	job, err := scanJob(row)
	if err != nil {
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			return nil, &domain.NotFoundError{Entity: "job", ID: id}
		}
		return nil, err
	}
	return job, nil
}

func (r *jobRepository) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM jobs WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "job", ID: id}
	}
	return nil
}

func (r *jobRepository) ListActiveBySchedule(ctx context.Context, tenantID, scheduleID string) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx,
		jobSelect+` WHERE tenant_id = $1 AND schedule_id = $2 AND status = 'active'`,
		tenantID, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for schedule %s: %w", scheduleID, err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *jobRepository) CountBySchedule(ctx context.Context, tenantID, scheduleID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE tenant_id = $1 AND schedule_id = $2`,
		tenantID, scheduleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs for schedule %s: %w", scheduleID, err)
	}
	return n, nil
}

func (r *jobRepository) AddDependency(ctx context.Context, dep *domain.JobDependency) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO job_dependencies (job_id, depends_on_job_id, created_at)
		VALUES ($1, $2, $3)
	`, dep.JobID, dep.DependsOnJobID, dep.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{Entity: "dependency", Reason: "edge already exists"}
		}
		return fmt.Errorf("add dependency %s -> %s: %w", dep.JobID, dep.DependsOnJobID, err)
	}
	return nil
}

func (r *jobRepository) RemoveDependency(ctx context.Context, jobID, dependsOnJobID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM job_dependencies WHERE job_id = $1 AND depends_on_job_id = $2`,
		jobID, dependsOnJobID)
	if err != nil {
		return fmt.Errorf("remove dependency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "dependency", ID: jobID}
	}
	return nil
}

func (r *jobRepository) ListDependencies(ctx context.Context, jobID string) ([]domain.JobDependency, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT job_id, depends_on_job_id, created_at
		FROM job_dependencies WHERE job_id = $1
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies for %s: %w", jobID, err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

func (r *jobRepository) ListDependents(ctx context.Context, dependsOnJobID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT job_id FROM job_dependencies WHERE depends_on_job_id = $1`, dependsOnJobID)
	if err != nil {
		return nil, fmt.Errorf("list dependents of %s: %w", dependsOnJobID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dependent: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *jobRepository) ListEdges(ctx context.Context, tenantID string) ([]domain.JobDependency, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT d.job_id, d.depends_on_job_id, d.created_at
		FROM job_dependencies d
		JOIN jobs j ON j.id = d.job_id
		WHERE j.tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list dependency edges: %w", err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

const jobSelect = `
	SELECT id, tenant_id, name, package_id, schedule_id, queue_id, priority,
	       max_concurrent_runs, timeout_seconds, retry_count, retry_delay_seconds,
	       parameters, status, created_at, updated_at
	FROM jobs`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var statusStr string
	err := row.Scan(
		&j.ID, &j.TenantID, &j.Name, &j.PackageID, &j.ScheduleID, &j.QueueID,
		&j.Priority, &j.MaxConcurrentRuns, &j.TimeoutSeconds, &j.RetryCount,
		&j.RetryDelaySeconds, &j.Parameters, &statusStr, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Entity: "job", ID: "unknown"}
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = domain.JobStatus(statusStr)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func collectEdges(rows pgx.Rows) ([]domain.JobDependency, error) {
	var edges []domain.JobDependency
	for rows.Next() {
		var d domain.JobDependency
		if err := rows.Scan(&d.JobID, &d.DependsOnJobID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dependency edge: %w", err)
		}
		edges = append(edges, d)
	}
	return edges, rows.Err()
}
