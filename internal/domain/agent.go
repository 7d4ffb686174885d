package domain

import "time"

// AgentStatus represents the liveness state of a remote executor.
type AgentStatus string

const (
	AgentOffline AgentStatus = "offline"
	AgentOnline  AgentStatus = "online"
	AgentBusy    AgentStatus = "busy"
)

// Agent is a remote machine that executes packaged automation and reports back.
// MachineID is unique per tenant; an agent re-registering from the same machine
// updates the existing row instead of creating a new one.
type Agent struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	Name          string            `json:"name"`
	MachineID     string            `json:"machine_id"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Status        AgentStatus       `json:"status"`
	IPAddress     string            `json:"ip_address,omitempty"`
	LastHeartbeat *time.Time        `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// HasCapabilities reports whether the agent declares every key/value in want.
func (a *Agent) HasCapabilities(want map[string]string) bool {
	for k, v := range want {
		if a.Capabilities[k] != v {
			return false
		}
	}
	return true
}
