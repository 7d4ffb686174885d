// Package jobs is the job and dependency registry: job definitions, their
// schedule/queue bindings, and the depends-on graph that chains jobs off
// each other's completions.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avas-r/jobmesh/internal/collab"
	"github.com/avas-r/jobmesh/internal/domain"
	"github.com/avas-r/jobmesh/internal/ledger"
	"github.com/avas-r/jobmesh/internal/postgres"
)

// freshnessWindow bounds how old a dependency's completed execution may be
// and still count as satisfied.
const freshnessWindow = 24 * time.Hour

// ExecutionStarter is the slice of the ledger dependency resolution fires
// through.
type ExecutionStarter interface {
	Start(ctx context.Context, req ledger.StartRequest) (*domain.JobExecution, error)
}

// Registry owns job definitions and the dependency graph.
type Registry struct {
	jobs       postgres.JobRepository
	schedules  postgres.ScheduleRepository
	queues     postgres.QueueRepository
	executions postgres.ExecutionRepository
	catalog    collab.PackageCatalog
	starter    ExecutionStarter
	logger     *slog.Logger
}

// New constructs a Registry. catalog may be nil to skip package validation
// (deployments where the package collaborator is unreachable at admin time).
func New(
	jobs postgres.JobRepository,
	schedules postgres.ScheduleRepository,
	queues postgres.QueueRepository,
	executions postgres.ExecutionRepository,
	catalog collab.PackageCatalog,
	starter ExecutionStarter,
	logger *slog.Logger,
) *Registry {
	return &Registry{
		jobs:       jobs,
		schedules:  schedules,
		queues:     queues,
		executions: executions,
		catalog:    catalog,
		starter:    starter,
		logger:     logger,
	}
}

// Create validates the definition and its references and stores the job.
func (r *Registry) Create(ctx context.Context, job *domain.Job) error {
	if err := r.validate(ctx, job); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = domain.JobActive
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	return r.jobs.Create(ctx, job)
}

// Get returns one job.
func (r *Registry) Get(ctx context.Context, tenantID, id string) (*domain.Job, error) {
	return r.jobs.GetByID(ctx, tenantID, id)
}

// Update replaces the job's definition after re-validating its references.
func (r *Registry) Update(ctx context.Context, job *domain.Job) error {
	if err := r.validate(ctx, job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()
	return r.jobs.Update(ctx, job)
}

// Delete removes a job. Refused while the job is bound to an active schedule
// or still has in-flight executions.
func (r *Registry) Delete(ctx context.Context, tenantID, id string) error {
	job, err := r.jobs.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if job.ScheduleID != nil {
		s, err := r.schedules.GetByID(ctx, tenantID, *job.ScheduleID)
		if err == nil && s.Status == domain.ScheduleActive {
			return &domain.ConflictError{Entity: "job", Reason: "job is bound to an active schedule"}
		}
	}
	n, err := r.executions.CountInFlightForJob(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return &domain.ConflictError{Entity: "job", Reason: fmt.Sprintf("job has %d in-flight executions", n)}
	}
	return r.jobs.Delete(ctx, tenantID, id)
}

// validate checks required fields and that every referenced entity exists
// under the same tenant.
func (r *Registry) validate(ctx context.Context, job *domain.Job) error {
	if job.TenantID == "" {
		return &domain.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if job.Name == "" {
		return &domain.ValidationError{Field: "name", Reason: "required"}
	}
	if job.PackageID == "" {
		return &domain.ValidationError{Field: "package_id", Reason: "required"}
	}
	if job.MaxConcurrentRuns < 0 || job.RetryCount < 0 || job.RetryDelaySeconds < 0 || job.TimeoutSeconds < 0 {
		return &domain.ValidationError{Field: "limits", Reason: "counts and durations must not be negative"}
	}
	if r.catalog != nil {
		if _, err := r.catalog.GetPackage(ctx, job.TenantID, job.PackageID); err != nil {
			return err
		}
	}
	if job.ScheduleID != nil {
		if _, err := r.schedules.GetByID(ctx, job.TenantID, *job.ScheduleID); err != nil {
			return err
		}
	}
	if job.QueueID != nil {
		if _, err := r.queues.GetQueue(ctx, job.TenantID, *job.QueueID); err != nil {
			return err
		}
	}
	return nil
}

// AddDependency records a depends-on edge. Self-edges, duplicate edges and
// edges that would close a cycle are rejected up front, so dependency
// resolution never has to break cycles at trigger time.
func (r *Registry) AddDependency(ctx context.Context, tenantID, jobID, dependsOnJobID string) error {
	if jobID == dependsOnJobID {
		return &domain.ValidationError{Field: "depends_on_job_id", Reason: "a job cannot depend on itself"}
	}
	// Both endpoints must exist under the tenant.
	if _, err := r.jobs.GetByID(ctx, tenantID, jobID); err != nil {
		return err
	}
	if _, err := r.jobs.GetByID(ctx, tenantID, dependsOnJobID); err != nil {
		return err
	}

	edges, err := r.jobs.ListEdges(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e.JobID == jobID && e.DependsOnJobID == dependsOnJobID {
			return &domain.ConflictError{Entity: "job dependency", Reason: "edge already exists"}
		}
	}
	if reaches(edges, dependsOnJobID, jobID) {
		return &domain.ValidationError{Field: "depends_on_job_id", Reason: "edge would create a dependency cycle"}
	}

	return r.jobs.AddDependency(ctx, &domain.JobDependency{
		JobID:          jobID,
		DependsOnJobID: dependsOnJobID,
		CreatedAt:      time.Now().UTC(),
	})
}

// reaches reports whether `to` is reachable from `from` following depends-on
// edges. Adding from→to while to already reaches from would close a cycle,
// so callers test reaches(edges, dependsOn, job).
func reaches(edges []domain.JobDependency, from, to string) bool {
	adj := make(map[string][]string, len(edges))
	for _, e := range edges {
		adj[e.JobID] = append(adj[e.JobID], e.DependsOnJobID)
	}
	seen := map[string]bool{from: true}
	frontier := []string{from}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		if next == to {
			return true
		}
		for _, n := range adj[next] {
			if !seen[n] {
				seen[n] = true
				frontier = append(frontier, n)
			}
		}
	}
	return false
}

// RemoveDependency deletes one edge.
func (r *Registry) RemoveDependency(ctx context.Context, tenantID, jobID, dependsOnJobID string) error {
	if _, err := r.jobs.GetByID(ctx, tenantID, jobID); err != nil {
		return err
	}
	return r.jobs.RemoveDependency(ctx, jobID, dependsOnJobID)
}

// ListDependencies returns the edges a job waits on.
func (r *Registry) ListDependencies(ctx context.Context, tenantID, jobID string) ([]domain.JobDependency, error) {
	if _, err := r.jobs.GetByID(ctx, tenantID, jobID); err != nil {
		return nil, err
	}
	return r.jobs.ListDependencies(ctx, jobID)
}

// ResolveDependents reacts to a job's completed execution: every job that
// depends on it is triggered once all of its dependencies have a completed
// execution inside the freshness window. completedAt is the triggering
// execution's completion time; a dependent that already has a
// dependency-triggered execution created at or after it is skipped, so
// redelivered completion events (at-least-once consumer, mid-resolution
// failures) fire each dependent once.
func (r *Registry) ResolveDependents(ctx context.Context, tenantID, completedJobID string, completedAt time.Time) error {
	dependents, err := r.jobs.ListDependents(ctx, completedJobID)
	if err != nil {
		return err
	}
	if len(dependents) == 0 {
		return nil
	}
	since := time.Now().UTC().Add(-freshnessWindow)

	for _, depID := range dependents {
		job, err := r.jobs.GetByID(ctx, tenantID, depID)
		if err != nil {
			// Dependent may belong to another tenant's graph; skip it.
			continue
		}
		if job.Status != domain.JobActive {
			continue
		}

		already, err := r.executions.HasTriggerSince(ctx, tenantID, depID, domain.TriggerDependency, completedAt)
		if err != nil {
			return err
		}
		if already {
			continue
		}

		satisfied, err := r.dependenciesSatisfied(ctx, tenantID, depID, since)
		if err != nil {
			return err
		}
		if !satisfied {
			continue
		}

		if _, err := r.starter.Start(ctx, ledger.StartRequest{
			TenantID:    tenantID,
			JobID:       depID,
			TriggerType: domain.TriggerDependency,
		}); err != nil {
			r.logger.Warn("dependent job not started",
				slog.String("job_id", depID),
				slog.String("completed_job_id", completedJobID),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.logger.Info("dependent job triggered",
			slog.String("job_id", depID),
			slog.String("completed_job_id", completedJobID),
		)
	}
	return nil
}

func (r *Registry) dependenciesSatisfied(ctx context.Context, tenantID, jobID string, since time.Time) (bool, error) {
	deps, err := r.jobs.ListDependencies(ctx, jobID)
	if err != nil {
		return false, err
	}
	for _, dep := range deps {
		fresh, err := r.executions.HasFreshCompletion(ctx, tenantID, dep.DependsOnJobID, since)
		if err != nil {
			return false, err
		}
		if !fresh {
			return false, nil
		}
	}
	return true, nil
}
