package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avas-r/jobmesh/internal/domain"
)

// StaleAgent identifies one agent flipped offline by the heartbeat sweep.
type StaleAgent struct {
	ID       string
	TenantID string
}

// HeartbeatUpdate carries the optional fields an agent may refresh.
type HeartbeatUpdate struct {
	Status       *domain.AgentStatus
	Capabilities map[string]string
	IPAddress    string
}

// AgentRepository abstracts database access for agents.
type AgentRepository interface {
	Upsert(ctx context.Context, agent *domain.Agent) error
	GetByID(ctx context.Context, tenantID, id string) (*domain.Agent, error)
	Count(ctx context.Context, tenantID string) (int, error)
	Heartbeat(ctx context.Context, tenantID, id string, at time.Time, upd HeartbeatUpdate) error
	ListOnline(ctx context.Context, tenantID string, capabilities map[string]string) ([]*domain.Agent, error)
	MarkStale(ctx context.Context, cutoff time.Time) ([]StaleAgent, error)
}

type agentRepository struct {
	pool *pgxpool.Pool
}

// NewAgentRepository wraps a pgxpool with the AgentRepository interface.
func NewAgentRepository(pool *pgxpool.Pool) AgentRepository {
	return &agentRepository{pool: pool}
}

// Upsert registers an agent, or refreshes the existing row when the same
// machine re-registers within the tenant.
func (r *agentRepository) Upsert(ctx context.Context, agent *domain.Agent) error {
	caps, err := capsJSON(agent.Capabilities)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO agents
			(id, tenant_id, name, machine_id, capabilities, tags, status, ip_address, last_heartbeat, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, machine_id) DO UPDATE SET
			name = EXCLUDED.name,
			capabilities = EXCLUDED.capabilities,
			tags = EXCLUDED.tags,
			status = EXCLUDED.status,
			ip_address = EXCLUDED.ip_address,
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at = EXCLUDED.updated_at
	`,
		agent.ID, agent.TenantID, agent.Name, agent.MachineID, caps, agent.Tags,
		string(agent.Status), agent.IPAddress, agent.LastHeartbeat,
		agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", agent.ID, err)
	}
	return nil
}

func (r *agentRepository) GetByID(ctx context.Context, tenantID, id string) (*domain.Agent, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, machine_id, capabilities, tags, status, ip_address,
		       last_heartbeat, created_at, updated_at
		FROM agents
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanAgent(row)
}

func (r *agentRepository) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agents WHERE tenant_id = $1`, tenantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return n, nil
}

func (r *agentRepository) Heartbeat(ctx context.Context, tenantID, id string, at time.Time, upd HeartbeatUpdate) error {
	var caps []byte
	if upd.Capabilities != nil {
		raw, err := capsJSON(upd.Capabilities)
		if err != nil {
			return err
		}
		caps = raw
	}
	var status *string
	if upd.Status != nil {
		s := string(*upd.Status)
		status = &s
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE agents
		SET last_heartbeat = $3,
		    updated_at = $3,
		    status = COALESCE($4, status),
		    capabilities = COALESCE($5, capabilities),
		    ip_address = CASE WHEN $6 <> '' THEN $6 ELSE ip_address END
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, at, status, caps, upd.IPAddress)
	if err != nil {
		return fmt.Errorf("heartbeat agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "agent", ID: id}
	}
	return nil
}

// ListOnline returns online agents whose declared capabilities contain every
// key/value in capabilities (JSONB containment).
func (r *agentRepository) ListOnline(ctx context.Context, tenantID string, capabilities map[string]string) ([]*domain.Agent, error) {
	caps, err := capsJSON(capabilities)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, name, machine_id, capabilities, tags, status, ip_address,
		       last_heartbeat, created_at, updated_at
		FROM agents
		WHERE tenant_id = $1 AND status = 'online' AND capabilities @> $2::jsonb
		ORDER BY last_heartbeat DESC
	`, tenantID, caps)
	if err != nil {
		return nil, fmt.Errorf("list online agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// MarkStale flips every online/busy agent silent past cutoff to offline in a
// single conditional UPDATE. Row-level locking serializes racing monitors.
func (r *agentRepository) MarkStale(ctx context.Context, cutoff time.Time) ([]StaleAgent, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE agents
		SET status = 'offline', updated_at = NOW()
		WHERE status IN ('online', 'busy')
		  AND (last_heartbeat IS NULL OR last_heartbeat < $1)
		RETURNING id, tenant_id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark stale agents: %w", err)
	}
	defer rows.Close()

	var stale []StaleAgent
	for rows.Next() {
		var s StaleAgent
		if err := rows.Scan(&s.ID, &s.TenantID); err != nil {
			return nil, fmt.Errorf("scan stale agent: %w", err)
		}
		stale = append(stale, s)
	}
	return stale, rows.Err()
}

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	var a domain.Agent
	var statusStr string
	var caps []byte
	err := row.Scan(
		&a.ID, &a.TenantID, &a.Name, &a.MachineID, &caps, &a.Tags,
		&statusStr, &a.IPAddress, &a.LastHeartbeat, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Entity: "agent", ID: "unknown"}
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Status = domain.AgentStatus(statusStr)
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal agent capabilities: %w", err)
		}
	}
	return &a, nil
}
