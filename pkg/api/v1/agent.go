package v1

import "time"

// AgentState is the per-agent FSM state maintained by the hub.
type AgentState string

const (
	AgentStateIdle     AgentState = "idle"
	AgentStateAssigned AgentState = "assigned"
	AgentStateWorking  AgentState = "working"
	AgentStateOffline  AgentState = "offline"
)

// Capability is a declared agent ability. Version is optional; an empty
// version matches any requirement.
type Capability struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// AgentInfo is the hub's view of a connected agent.
type AgentInfo struct {
	AgentID       string       `json:"agent_id"`
	Name          string       `json:"name,omitempty"`
	Capabilities  []Capability `json:"capabilities,omitempty"`
	OllamaURL     string       `json:"ollama_url,omitempty"`
	State         AgentState   `json:"state"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	ConnectedAt   time.Time    `json:"connected_at"`
	LastSeen      time.Time    `json:"last_seen"`
}

// HasCapability reports whether the agent declares the named capability.
// Requirements never carry versions, so name match is sufficient.
func (a *AgentInfo) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Satisfies reports whether the agent covers every needed capability.
func (a *AgentInfo) Satisfies(needed []string) bool {
	for _, n := range needed {
		if !a.HasCapability(n) {
			return false
		}
	}
	return true
}
