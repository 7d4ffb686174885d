package jobs

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avas-r/jobmesh/internal/collab"
	"github.com/avas-r/jobmesh/internal/domain"
	"github.com/avas-r/jobmesh/internal/ledger"
	"github.com/avas-r/jobmesh/internal/postgres"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type graphJobRepo struct {
	jobs  map[string]*domain.Job
	edges []domain.JobDependency
}

func newGraphJobRepo() *graphJobRepo {
	return &graphJobRepo{jobs: map[string]*domain.Job{}}
}

func (r *graphJobRepo) Create(_ context.Context, job *domain.Job) error {
	r.jobs[job.ID] = job
	return nil
}

func (r *graphJobRepo) Update(_ context.Context, job *domain.Job) error {
	r.jobs[job.ID] = job
	return nil
}

func (r *graphJobRepo) GetByID(_ context.Context, tenantID, id string) (*domain.Job, error) {
	job, ok := r.jobs[id]
	if !ok || job.TenantID != tenantID {
		return nil, &domain.NotFoundError{Entity: "job", ID: id}
	}
	return job, nil
}

func (r *graphJobRepo) Delete(_ context.Context, _, id string) error {
	delete(r.jobs, id)
	return nil
}

func (r *graphJobRepo) ListActiveBySchedule(_ context.Context, _, _ string) ([]*domain.Job, error) {
	return nil, nil
}
func (r *graphJobRepo) CountBySchedule(_ context.Context, _, _ string) (int, error) { return 0, nil }

func (r *graphJobRepo) AddDependency(_ context.Context, dep *domain.JobDependency) error {
	r.edges = append(r.edges, *dep)
	return nil
}

func (r *graphJobRepo) RemoveDependency(_ context.Context, jobID, dependsOnJobID string) error {
	out := r.edges[:0]
	for _, e := range r.edges {
		if e.JobID != jobID || e.DependsOnJobID != dependsOnJobID {
			out = append(out, e)
		}
	}
	r.edges = out
	return nil
}

func (r *graphJobRepo) ListDependencies(_ context.Context, jobID string) ([]domain.JobDependency, error) {
	var out []domain.JobDependency
	for _, e := range r.edges {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *graphJobRepo) ListDependents(_ context.Context, dependsOnJobID string) ([]string, error) {
	var out []string
	for _, e := range r.edges {
		if e.DependsOnJobID == dependsOnJobID {
			out = append(out, e.JobID)
		}
	}
	return out, nil
}

func (r *graphJobRepo) ListEdges(_ context.Context, _ string) ([]domain.JobDependency, error) {
	return r.edges, nil
}

var _ postgres.JobRepository = (*graphJobRepo)(nil)

// completionExecRepo answers freshness and trigger checks from fixed maps.
type completionExecRepo struct {
	postgres.ExecutionRepository
	freshJobs map[string]bool
	triggers  map[string]time.Time // "<jobID>/<trigger>" → creation time
	inFlight  int
}

func (r *completionExecRepo) HasFreshCompletion(_ context.Context, _, jobID string, _ time.Time) (bool, error) {
	return r.freshJobs[jobID], nil
}

func (r *completionExecRepo) HasTriggerSince(_ context.Context, _, jobID string, trigger domain.TriggerType, since time.Time) (bool, error) {
	ts, ok := r.triggers[jobID+"/"+string(trigger)]
	return ok && !ts.Before(since), nil
}

func (r *completionExecRepo) recordTrigger(jobID string, trigger domain.TriggerType) {
	r.triggers[jobID+"/"+string(trigger)] = time.Now().UTC()
}

func (r *completionExecRepo) CountInFlightForJob(_ context.Context, _, _ string) (int, error) {
	return r.inFlight, nil
}

type stubScheduleRepo struct {
	postgres.ScheduleRepository
	schedules map[string]*domain.Schedule
}

func (r *stubScheduleRepo) GetByID(_ context.Context, tenantID, id string) (*domain.Schedule, error) {
	s, ok := r.schedules[id]
	if !ok || s.TenantID != tenantID {
		return nil, &domain.NotFoundError{Entity: "schedule", ID: id}
	}
	return s, nil
}

type stubQueueRepo struct {
	postgres.QueueRepository
	queues map[string]*domain.Queue
}

func (r *stubQueueRepo) GetQueue(_ context.Context, tenantID, id string) (*domain.Queue, error) {
	q, ok := r.queues[id]
	if !ok || q.TenantID != tenantID {
		return nil, &domain.NotFoundError{Entity: "queue", ID: id}
	}
	return q, nil
}

// recordingStarter captures start requests, mirroring each into the exec
// repo's trigger ledger the way a real Start persists an execution row.
type recordingStarter struct {
	execs   *completionExecRepo
	started []ledger.StartRequest
}

func (s *recordingStarter) Start(_ context.Context, req ledger.StartRequest) (*domain.JobExecution, error) {
	s.started = append(s.started, req)
	if s.execs != nil {
		s.execs.recordTrigger(req.JobID, req.TriggerType)
	}
	return &domain.JobExecution{ID: "e-" + req.JobID}, nil
}

var _ ExecutionStarter = (*recordingStarter)(nil)

// ── helpers ──────────────────────────────────────────────────────────────────

const tenant = "t-1"

type fixture struct {
	repo     *graphJobRepo
	execs    *completionExecRepo
	starter  *recordingStarter
	registry *Registry
}

func newFixture(catalog collab.PackageCatalog) *fixture {
	f := &fixture{
		repo:  newGraphJobRepo(),
		execs: &completionExecRepo{freshJobs: map[string]bool{}, triggers: map[string]time.Time{}},
	}
	f.starter = &recordingStarter{execs: f.execs}
	f.registry = New(
		f.repo,
		&stubScheduleRepo{schedules: map[string]*domain.Schedule{}},
		&stubQueueRepo{queues: map[string]*domain.Queue{}},
		f.execs,
		catalog,
		f.starter,
		slog.Default(),
	)
	return f
}

func (f *fixture) seedJob(id string) {
	f.repo.jobs[id] = &domain.Job{
		ID: id, TenantID: tenant, Name: "job-" + id,
		PackageID: "pkg-1", Status: domain.JobActive,
	}
}

func (f *fixture) seedEdge(jobID, dependsOnJobID string) {
	f.repo.edges = append(f.repo.edges, domain.JobDependency{JobID: jobID, DependsOnJobID: dependsOnJobID})
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestCreate_Defaults(t *testing.T) {
	f := newFixture(nil)

	job := &domain.Job{TenantID: tenant, Name: "etl", PackageID: "pkg-1"}
	require.NoError(t, f.registry.Create(context.Background(), job))

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.JobActive, job.Status)
}

func TestCreate_RequiredFields(t *testing.T) {
	f := newFixture(nil)

	tests := []struct {
		name  string
		job   *domain.Job
		field string
	}{
		{"missing tenant", &domain.Job{Name: "x", PackageID: "p"}, "tenant_id"},
		{"missing name", &domain.Job{TenantID: tenant, PackageID: "p"}, "name"},
		{"missing package", &domain.Job{TenantID: tenant, Name: "x"}, "package_id"},
		{"negative retries", &domain.Job{TenantID: tenant, Name: "x", PackageID: "p", RetryCount: -1}, "limits"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.registry.Create(context.Background(), tt.job)
			var validation *domain.ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Equal(t, tt.field, validation.Field)
		})
	}
}

func TestCreate_UnknownPackage(t *testing.T) {
	catalog := &collab.StaticCatalog{Packages: []*collab.Package{
		{ID: "pkg-known", Name: "known", Status: "production"},
	}}
	f := newFixture(catalog)

	err := f.registry.Create(context.Background(), &domain.Job{
		TenantID: tenant, Name: "etl", PackageID: "pkg-missing",
	})
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestCreate_UnknownQueue(t *testing.T) {
	f := newFixture(nil)
	queueID := "q-missing"

	err := f.registry.Create(context.Background(), &domain.Job{
		TenantID: tenant, Name: "etl", PackageID: "pkg-1", QueueID: &queueID,
	})
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDelete_InFlightExecutionsConflict(t *testing.T) {
	f := newFixture(nil)
	f.seedJob("j-1")
	f.execs.inFlight = 1

	err := f.registry.Delete(context.Background(), tenant, "j-1")
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestAddDependency(t *testing.T) {
	f := newFixture(nil)
	f.seedJob("a")
	f.seedJob("b")

	require.NoError(t, f.registry.AddDependency(context.Background(), tenant, "b", "a"))
	require.Len(t, f.repo.edges, 1)
	assert.Equal(t, "b", f.repo.edges[0].JobID)
	assert.Equal(t, "a", f.repo.edges[0].DependsOnJobID)
}

func TestAddDependency_SelfEdge(t *testing.T) {
	f := newFixture(nil)
	f.seedJob("a")

	err := f.registry.AddDependency(context.Background(), tenant, "a", "a")
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestAddDependency_Duplicate(t *testing.T) {
	f := newFixture(nil)
	f.seedJob("a")
	f.seedJob("b")
	f.seedEdge("b", "a")

	err := f.registry.AddDependency(context.Background(), tenant, "b", "a")
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestAddDependency_RejectsCycle(t *testing.T) {
	f := newFixture(nil)
	for _, id := range []string{"a", "b", "c"} {
		f.seedJob(id)
	}
	// b depends on a, c depends on b. Making a depend on c closes a cycle.
	f.seedEdge("b", "a")
	f.seedEdge("c", "b")

	err := f.registry.AddDependency(context.Background(), tenant, "a", "c")
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Reason, "cycle")

	// The reverse direction is still an ordinary edge.
	require.NoError(t, f.registry.AddDependency(context.Background(), tenant, "c", "a"))
}

func TestResolveDependents_TriggersWhenSatisfied(t *testing.T) {
	f := newFixture(nil)
	f.seedJob("upstream")
	f.seedJob("downstream")
	f.seedEdge("downstream", "upstream")
	f.execs.freshJobs["upstream"] = true

	require.NoError(t, f.registry.ResolveDependents(context.Background(), tenant, "upstream", time.Now().UTC()))

	require.Len(t, f.starter.started, 1)
	assert.Equal(t, "downstream", f.starter.started[0].JobID)
	assert.Equal(t, domain.TriggerDependency, f.starter.started[0].TriggerType)
}

func TestResolveDependents_RedeliveredCompletionFiresOnce(t *testing.T) {
	f := newFixture(nil)
	f.seedJob("upstream")
	f.seedJob("downstream")
	f.seedEdge("downstream", "upstream")
	f.execs.freshJobs["upstream"] = true

	// The broker delivers the same completion twice.
	completedAt := time.Now().UTC()
	require.NoError(t, f.registry.ResolveDependents(context.Background(), tenant, "upstream", completedAt))
	require.NoError(t, f.registry.ResolveDependents(context.Background(), tenant, "upstream", completedAt))

	require.Len(t, f.starter.started, 1, "a redelivered completion must not re-trigger")
	assert.Equal(t, "downstream", f.starter.started[0].JobID)

	// A genuinely newer completion fires the dependent again.
	require.NoError(t, f.registry.ResolveDependents(context.Background(), tenant, "upstream", time.Now().UTC().Add(time.Hour)))
	assert.Len(t, f.starter.started, 2)
}

func TestResolveDependents_WaitsForAllDependencies(t *testing.T) {
	f := newFixture(nil)
	f.seedJob("a")
	f.seedJob("b")
	f.seedJob("join")
	f.seedEdge("join", "a")
	f.seedEdge("join", "b")

	// Only a has completed; join stays untriggered.
	f.execs.freshJobs["a"] = true
	require.NoError(t, f.registry.ResolveDependents(context.Background(), tenant, "a", time.Now().UTC()))
	assert.Empty(t, f.starter.started)

	// Once b completes too, join fires.
	f.execs.freshJobs["b"] = true
	require.NoError(t, f.registry.ResolveDependents(context.Background(), tenant, "b", time.Now().UTC()))
	require.Len(t, f.starter.started, 1)
	assert.Equal(t, "join", f.starter.started[0].JobID)
}

func TestResolveDependents_SkipsInactiveJobs(t *testing.T) {
	f := newFixture(nil)
	f.seedJob("upstream")
	f.seedJob("downstream")
	f.repo.jobs["downstream"].Status = domain.JobInactive
	f.seedEdge("downstream", "upstream")
	f.execs.freshJobs["upstream"] = true

	require.NoError(t, f.registry.ResolveDependents(context.Background(), tenant, "upstream", time.Now().UTC()))
	assert.Empty(t, f.starter.started)
}

func TestResolveDependents_NoDependents(t *testing.T) {
	f := newFixture(nil)
	f.seedJob("lonely")

	require.NoError(t, f.registry.ResolveDependents(context.Background(), tenant, "lonely", time.Now().UTC()))
	assert.Empty(t, f.starter.started)
}
