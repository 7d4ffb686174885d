package agents

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avas-r/jobmesh/internal/collab"
	"github.com/avas-r/jobmesh/internal/domain"
	"github.com/avas-r/jobmesh/internal/postgres"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type memAgentRepo struct {
	agents     map[string]*domain.Agent
	stale      []postgres.StaleAgent
	heartbeats []postgres.HeartbeatUpdate
}

func newMemAgentRepo() *memAgentRepo {
	return &memAgentRepo{agents: map[string]*domain.Agent{}}
}

func (r *memAgentRepo) Upsert(_ context.Context, agent *domain.Agent) error {
	cp := *agent
	r.agents[agent.ID] = &cp
	return nil
}

func (r *memAgentRepo) GetByID(_ context.Context, tenantID, id string) (*domain.Agent, error) {
	a, ok := r.agents[id]
	if !ok || a.TenantID != tenantID {
		return nil, &domain.NotFoundError{Entity: "agent", ID: id}
	}
	cp := *a
	return &cp, nil
}

func (r *memAgentRepo) Count(_ context.Context, tenantID string) (int, error) {
	n := 0
	for _, a := range r.agents {
		if a.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (r *memAgentRepo) Heartbeat(_ context.Context, _, id string, at time.Time, upd postgres.HeartbeatUpdate) error {
	r.heartbeats = append(r.heartbeats, upd)
	a := r.agents[id]
	a.LastHeartbeat = &at
	if upd.Status != nil {
		a.Status = *upd.Status
	}
	return nil
}

func (r *memAgentRepo) ListOnline(_ context.Context, _ string, _ map[string]string) ([]*domain.Agent, error) {
	return nil, nil
}

func (r *memAgentRepo) MarkStale(_ context.Context, _ time.Time) ([]postgres.StaleAgent, error) {
	for _, s := range r.stale {
		if a, ok := r.agents[s.ID]; ok {
			a.Status = domain.AgentOffline
		}
	}
	return r.stale, nil
}

var _ postgres.AgentRepository = (*memAgentRepo)(nil)

type eventRecorder struct {
	events []string // "<agentID>:<event>"
}

func (r *eventRecorder) PublishAgentEvent(_ context.Context, _, agentID, event string) error {
	r.events = append(r.events, agentID+":"+event)
	return nil
}

var _ EventPublisher = (*eventRecorder)(nil)

// ── helpers ──────────────────────────────────────────────────────────────────

const tenant = "t-1"

func newRegistry(maxAgents int) (*Registry, *memAgentRepo, *eventRecorder) {
	repo := newMemAgentRepo()
	events := &eventRecorder{}
	reg := New(repo, collab.StaticLimits{Limits: collab.Limits{MaxAgents: maxAgents}}, nil, events, slog.Default())
	return reg, repo, events
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestRegister(t *testing.T) {
	reg, repo, events := newRegistry(0)

	agent, err := reg.Register(context.Background(), &domain.Agent{
		TenantID: tenant, Name: "worker-1", MachineID: "m-1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, domain.AgentOnline, agent.Status)
	require.NotNil(t, agent.LastHeartbeat)

	stored := repo.agents[agent.ID]
	require.NotNil(t, stored)
	assert.Equal(t, []string{agent.ID + ":registered"}, events.events)
}

func TestRegister_RequiredFields(t *testing.T) {
	reg, _, _ := newRegistry(0)

	tests := []struct {
		name  string
		agent *domain.Agent
		field string
	}{
		{"missing tenant", &domain.Agent{Name: "w", MachineID: "m"}, "tenant_id"},
		{"missing name", &domain.Agent{TenantID: tenant, MachineID: "m"}, "name"},
		{"missing machine", &domain.Agent{TenantID: tenant, Name: "w"}, "machine_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Register(context.Background(), tt.agent)
			var validation *domain.ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Equal(t, tt.field, validation.Field)
		})
	}
}

func TestRegister_AgentCeiling(t *testing.T) {
	reg, repo, _ := newRegistry(1)
	repo.agents["a-1"] = &domain.Agent{ID: "a-1", TenantID: tenant, Status: domain.AgentOnline}

	_, err := reg.Register(context.Background(), &domain.Agent{
		TenantID: tenant, Name: "worker-2", MachineID: "m-2",
	})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestHeartbeat_RefreshesWithoutStatusChange(t *testing.T) {
	reg, repo, events := newRegistry(0)
	repo.agents["a-1"] = &domain.Agent{ID: "a-1", TenantID: tenant, Status: domain.AgentOnline}

	require.NoError(t, reg.Heartbeat(context.Background(), HeartbeatRequest{
		TenantID: tenant, AgentID: "a-1",
	}))

	require.Len(t, repo.heartbeats, 1)
	assert.Nil(t, repo.heartbeats[0].Status, "steady-state heartbeat carries no status change")
	assert.NotNil(t, repo.agents["a-1"].LastHeartbeat)
	assert.Empty(t, events.events)
}

func TestHeartbeat_OfflineAgentRevives(t *testing.T) {
	reg, repo, events := newRegistry(0)
	repo.agents["a-1"] = &domain.Agent{ID: "a-1", TenantID: tenant, Status: domain.AgentOffline}

	require.NoError(t, reg.Heartbeat(context.Background(), HeartbeatRequest{
		TenantID: tenant, AgentID: "a-1",
	}))

	assert.Equal(t, domain.AgentOnline, repo.agents["a-1"].Status)
	assert.Equal(t, []string{"a-1:online"}, events.events)
}

func TestHeartbeat_ExplicitStatusChange(t *testing.T) {
	reg, repo, events := newRegistry(0)
	repo.agents["a-1"] = &domain.Agent{ID: "a-1", TenantID: tenant, Status: domain.AgentOnline}

	require.NoError(t, reg.Heartbeat(context.Background(), HeartbeatRequest{
		TenantID: tenant, AgentID: "a-1", Status: domain.AgentBusy,
	}))

	assert.Equal(t, domain.AgentBusy, repo.agents["a-1"].Status)
	assert.Equal(t, []string{"a-1:busy"}, events.events)
}

func TestHeartbeat_UnknownAgent(t *testing.T) {
	reg, _, _ := newRegistry(0)

	err := reg.Heartbeat(context.Background(), HeartbeatRequest{TenantID: tenant, AgentID: "ghost"})
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSweepStale(t *testing.T) {
	reg, repo, events := newRegistry(0)
	repo.agents["a-1"] = &domain.Agent{ID: "a-1", TenantID: tenant, Status: domain.AgentOnline}
	repo.agents["a-2"] = &domain.Agent{ID: "a-2", TenantID: tenant, Status: domain.AgentOnline}
	repo.stale = []postgres.StaleAgent{{ID: "a-1", TenantID: tenant}}

	n, err := reg.SweepStale(context.Background(), 5*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, domain.AgentOffline, repo.agents["a-1"].Status)
	assert.Equal(t, domain.AgentOnline, repo.agents["a-2"].Status)
	assert.Equal(t, []string{"a-1:offline"}, events.events)
}

func TestListPackages_NilCatalog(t *testing.T) {
	reg, repo, _ := newRegistry(0)
	repo.agents["a-1"] = &domain.Agent{ID: "a-1", TenantID: tenant, Status: domain.AgentOnline}

	pkgs, err := reg.ListPackages(context.Background(), tenant, "a-1")
	require.NoError(t, err)
	assert.Empty(t, pkgs)
}

func TestListPackages_FiltersByStatus(t *testing.T) {
	repo := newMemAgentRepo()
	repo.agents["a-1"] = &domain.Agent{ID: "a-1", TenantID: tenant, Status: domain.AgentOnline}
	catalog := collab.StaticCatalog{Packages: []*collab.Package{
		{ID: "p-1", Name: "etl", Status: "production"},
		{ID: "p-2", Name: "beta", Status: "testing"},
		{ID: "p-3", Name: "wip", Status: "draft"},
	}}
	reg := New(repo, collab.StaticLimits{}, catalog, nil, slog.Default())

	pkgs, err := reg.ListPackages(context.Background(), tenant, "a-1")
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, "p-1", pkgs[0].ID)
	assert.Equal(t, "p-2", pkgs[1].ID)
}
