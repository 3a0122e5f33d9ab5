package model

import (
	"fmt"
	"time"
)

// AgentType identifies which coding-agent CLI a host runs.
type AgentType string

const (
	AgentClaude AgentType = "claude"
	AgentCodex  AgentType = "codex"
	AgentGemini AgentType = "gemini"
	AgentAider  AgentType = "aider"
	AgentCustom AgentType = "custom"
)

// ParseAgentType validates s as a known agent type.
func ParseAgentType(s string) (AgentType, error) {
	switch t := AgentType(s); t {
	case AgentClaude, AgentCodex, AgentGemini, AgentAider, AgentCustom:
		return t, nil
	}
	return "", fmt.Errorf("unknown agent type %q", s)
}

// AgentStatus is the connection state of an agent.
type AgentStatus string

const (
	AgentConnecting AgentStatus = "CONNECTING"
	AgentOnline     AgentStatus = "ONLINE"
	AgentOffline    AgentStatus = "OFFLINE"
	AgentError      AgentStatus = "ERROR"
)

// AgentActivity is what an online agent is doing.
type AgentActivity string

const (
	ActivityIdle       AgentActivity = "IDLE"
	ActivityProcessing AgentActivity = "PROCESSING"
	ActivityQueued     AgentActivity = "QUEUED"
)

// Capabilities are advertised by the agent host on connect.
type Capabilities struct {
	MaxTokens         int  `json:"maxTokens,omitempty"`
	SupportsInterrupt bool `json:"supportsInterrupt"`
	SupportsTrace     bool `json:"supportsTrace"`
}

// Health is the optional resource report carried by heartbeats.
type Health struct {
	CPUPercent        float64 `json:"cpuPercent"`
	MemoryBytes       uint64  `json:"memoryBytes"`
	UptimeSeconds     int64   `json:"uptimeSeconds"`
	CommandsProcessed int64   `json:"commandsProcessed"`
	AvgResponseMs     float64 `json:"avgResponseMs"`
}

// Agent is the server-side record of a connected (or previously connected)
// agent host.
type Agent struct {
	ID               string        `json:"id"`
	Type             AgentType     `json:"type"`
	Version          string        `json:"version,omitempty"`
	HostMachine      string        `json:"hostMachine,omitempty"`
	Capabilities     Capabilities  `json:"capabilities"`
	Status           AgentStatus   `json:"status"`
	Activity         AgentActivity `json:"activity"`
	Health           *Health       `json:"health,omitempty"`
	LastSeen         time.Time     `json:"lastSeen"`
	ConnectedAt      time.Time     `json:"connectedAt,omitempty"`
	CurrentCommandID string        `json:"currentCommandId,omitempty"`
}

// Available reports whether the agent can accept a new command.
func (a *Agent) Available() bool {
	return a.Status == AgentOnline && a.Activity != ActivityProcessing
}

// Summary returns the compact view sent to dashboards.
func (a *Agent) Summary() AgentSummary {
	return AgentSummary{
		ID:               a.ID,
		Type:             a.Type,
		Status:           a.Status,
		Activity:         a.Activity,
		CurrentCommandID: a.CurrentCommandID,
		LastSeen:         a.LastSeen,
	}
}

// AgentSummary is the dashboard-facing projection of an Agent.
type AgentSummary struct {
	ID               string        `json:"id"`
	Type             AgentType     `json:"type"`
	Status           AgentStatus   `json:"status"`
	Activity         AgentActivity `json:"activity"`
	CurrentCommandID string        `json:"currentCommandId,omitempty"`
	LastSeen         time.Time     `json:"lastSeen"`
}
