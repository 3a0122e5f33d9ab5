// Package events provides the in-process pub/sub bus that carries lifecycle
// notifications. Command and agent state changes, agent output and trace
// entries flow through this hub to the dashboard broadcaster and to any other
// observer. Delivery is advisory: the durable store stays authoritative.
package events

import (
	"time"

	"grimm.is/foreman/internal/model"
)

// EventType identifies the category of event.
type EventType string

const (
	// Command lifecycle events
	EventCommandCreated     EventType = "command.created"
	EventCommandQueued      EventType = "command.queued"
	EventCommandStarted     EventType = "command.started"
	EventCommandCompleted   EventType = "command.completed"
	EventCommandFailed      EventType = "command.failed"
	EventCommandInterrupted EventType = "command.interrupted"
	EventCommandRetrying    EventType = "command.retrying"

	// Agent events
	EventAgentStatus EventType = "agent.status"

	// Execution stream events
	EventTerminalOutput EventType = "terminal.output"
	EventTraceEntry     EventType = "trace.entry"
)

// CommandEvents lists every command lifecycle event type.
var CommandEvents = []EventType{
	EventCommandCreated,
	EventCommandQueued,
	EventCommandStarted,
	EventCommandCompleted,
	EventCommandFailed,
	EventCommandInterrupted,
	EventCommandRetrying,
}

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "lifecycle", "registry", "api" or "trace"
	Data      any       `json:"data"`   // Type-specific payload
}

// CommandData is the payload for command.* events.
type CommandData struct {
	Command *model.Command `json:"command"`
	AgentID string         `json:"agentId,omitempty"`
	// Attempt and Delay are set on command.retrying.
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
}

// AgentStatusData is the payload for agent.status.
type AgentStatusData struct {
	Agent  model.AgentSummary `json:"agent"`
	Reason string             `json:"reason,omitempty"`
}

// TerminalData is the payload for terminal.output.
type TerminalData struct {
	CommandID string `json:"commandId,omitempty"`
	AgentID   string `json:"agentId"`
	Stream    string `json:"stream"`
	Data      []byte `json:"data"`
	Seq       uint64 `json:"seq"`
}

// TraceData is the payload for trace.entry.
type TraceData struct {
	Entry model.TraceEntry `json:"entry"`
}
