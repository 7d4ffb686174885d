// Package agents is the agent registry: registration, heartbeat liveness,
// and the stale-agent sweep that flips silent agents offline.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avas-r/jobmesh/internal/collab"
	"github.com/avas-r/jobmesh/internal/domain"
	"github.com/avas-r/jobmesh/internal/postgres"
	"github.com/avas-r/jobmesh/pkg/telemetry"
)

// EventPublisher is the slice of dispatch.Channel the registry announces
// lifecycle changes on.
type EventPublisher interface {
	PublishAgentEvent(ctx context.Context, tenantID, agentID, event string) error
}

// Registry owns agent lifecycle against the store and event channel.
type Registry struct {
	agents  postgres.AgentRepository
	limits  collab.TenantLimits
	catalog collab.PackageCatalog
	channel EventPublisher
	logger  *slog.Logger
}

// New constructs a Registry. channel may be nil; lifecycle events are then
// skipped.
func New(
	agents postgres.AgentRepository,
	limits collab.TenantLimits,
	catalog collab.PackageCatalog,
	channel EventPublisher,
	logger *slog.Logger,
) *Registry {
	return &Registry{agents: agents, limits: limits, catalog: catalog, channel: channel, logger: logger}
}

// Register enrolls an agent, or refreshes the existing row when the same
// machine re-registers within the tenant. New enrollments count against the
// tenant's agent ceiling.
func (r *Registry) Register(ctx context.Context, agent *domain.Agent) (*domain.Agent, error) {
	if agent.TenantID == "" {
		return nil, &domain.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if agent.Name == "" {
		return nil, &domain.ValidationError{Field: "name", Reason: "required"}
	}
	if agent.MachineID == "" {
		return nil, &domain.ValidationError{Field: "machine_id", Reason: "required"}
	}

	limits, err := r.limits.LimitsFor(ctx, agent.TenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant limits: %w", err)
	}
	if limits.MaxAgents > 0 {
		n, err := r.agents.Count(ctx, agent.TenantID)
		if err != nil {
			return nil, err
		}
		// An existing machine re-registering does not grow the fleet; the
		// upsert keys on (tenant_id, machine_id).
		if n >= limits.MaxAgents {
			return nil, &domain.ConflictError{
				Entity: "agent",
				Reason: fmt.Sprintf("tenant agent limit reached (%d)", limits.MaxAgents),
			}
		}
	}

	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	agent.Status = domain.AgentOnline
	now := time.Now().UTC()
	agent.LastHeartbeat = &now
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if err := r.agents.Upsert(ctx, agent); err != nil {
		return nil, err
	}

	r.publish(ctx, agent.TenantID, agent.ID, "registered")
	r.logger.Info("agent registered",
		slog.String("agent_id", agent.ID),
		slog.String("tenant_id", agent.TenantID),
		slog.String("machine_id", agent.MachineID),
	)
	return agent, nil
}

// Get returns one agent.
func (r *Registry) Get(ctx context.Context, tenantID, id string) (*domain.Agent, error) {
	return r.agents.GetByID(ctx, tenantID, id)
}

// HeartbeatRequest carries an agent's liveness report and optional refreshes.
type HeartbeatRequest struct {
	TenantID     string
	AgentID      string
	Status       domain.AgentStatus // empty keeps the current status
	Capabilities map[string]string
	IPAddress    string
}

// Heartbeat refreshes the agent's last-seen time. A status change (offline
// agent reporting back in, online flipping busy) is logged and announced.
func (r *Registry) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	agent, err := r.agents.GetByID(ctx, req.TenantID, req.AgentID)
	if err != nil {
		return err
	}

	upd := postgres.HeartbeatUpdate{
		Capabilities: req.Capabilities,
		IPAddress:    req.IPAddress,
	}
	status := agent.Status
	if req.Status != "" {
		status = req.Status
	} else if agent.Status == domain.AgentOffline {
		// A heartbeat from an offline agent brings it back online.
		status = domain.AgentOnline
	}
	if status != agent.Status {
		upd.Status = &status
	}

	if err := r.agents.Heartbeat(ctx, req.TenantID, req.AgentID, time.Now().UTC(), upd); err != nil {
		return err
	}
	telemetry.APIHeartbeats.Inc()

	if status != agent.Status {
		r.logger.Info("agent status changed",
			slog.String("agent_id", req.AgentID),
			slog.String("from", string(agent.Status)),
			slog.String("to", string(status)),
		)
		r.publish(ctx, req.TenantID, req.AgentID, string(status))
	}
	return nil
}

// SweepStale flips every agent silent past threshold to offline and
// announces each flip. Returns how many were flipped.
func (r *Registry) SweepStale(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	stale, err := r.agents.MarkStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, a := range stale {
		telemetry.AgentsMarkedStale.Inc()
		r.logger.Warn("agent marked offline by heartbeat sweep",
			slog.String("agent_id", a.ID),
			slog.String("tenant_id", a.TenantID),
		)
		r.publish(ctx, a.TenantID, a.ID, "offline")
	}
	return len(stale), nil
}

// ListPackages returns the packages the agent is permitted to run.
func (r *Registry) ListPackages(ctx context.Context, tenantID, agentID string) ([]*collab.Package, error) {
	if _, err := r.agents.GetByID(ctx, tenantID, agentID); err != nil {
		return nil, err
	}
	if r.catalog == nil {
		return []*collab.Package{}, nil
	}
	return r.catalog.ListForAgent(ctx, tenantID, agentID)
}

func (r *Registry) publish(ctx context.Context, tenantID, agentID, event string) {
	if r.channel == nil {
		return
	}
	if err := r.channel.PublishAgentEvent(ctx, tenantID, agentID, event); err != nil {
		r.logger.Debug("agent event not published",
			slog.String("agent_id", agentID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
