// Package protocol defines the JSON envelope exchanged over the agent and
// dashboard WebSocket connections, the payload of every message type, and
// the ingress checks applied before a message reaches the orchestrator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType defines the kind of message carried by an envelope.
type MessageType string

const (
	// Agent -> Server
	MsgAgentConnect    MessageType = "AGENT_CONNECT"
	MsgAgentHeartbeat  MessageType = "AGENT_HEARTBEAT"
	MsgAgentStatus     MessageType = "AGENT_STATUS"
	MsgCommandAck      MessageType = "COMMAND_ACK"
	MsgTerminalOutput  MessageType = "TERMINAL_OUTPUT"
	MsgTraceEvent      MessageType = "TRACE_EVENT"
	MsgCommandComplete MessageType = "COMMAND_COMPLETE"
	MsgAgentError      MessageType = "AGENT_ERROR"
	MsgInterruptAck    MessageType = "INTERRUPT_ACK"

	// Server -> Agent
	MsgAgentRegistered  MessageType = "AGENT_REGISTERED"
	MsgCommandExecute   MessageType = "COMMAND_EXECUTE"
	MsgCommandInterrupt MessageType = "COMMAND_INTERRUPT"
	MsgTerminalInput    MessageType = "TERMINAL_INPUT"
	MsgTerminalResize   MessageType = "TERMINAL_RESIZE"

	// Server -> Dashboard
	MsgDashboardConnected  MessageType = "dashboard:connected"
	MsgDashboardJoined     MessageType = "dashboard:joined"
	MsgCommandCreated      MessageType = "command:created"
	MsgCommandQueued       MessageType = "command:queued"
	MsgCommandStarted      MessageType = "command:started"
	MsgCommandCompleted    MessageType = "command:completed"
	MsgCommandFailed       MessageType = "command:failed"
	MsgCommandInterrupted  MessageType = "command:interrupted"
	MsgCommandRetrying     MessageType = "command:retrying"
	MsgAgentStatusChanged  MessageType = "agent:status"
	MsgDashboardTerminal   MessageType = "terminal:output"
	MsgDashboardTrace      MessageType = "trace:event"
	MsgErrorAck            MessageType = "error:ack"
	MsgInterruptResult     MessageType = "interrupt:result"
	MsgCommandSubmitResult MessageType = "command:submitted"

	// Dashboard -> Server
	MsgDashboardJoin          MessageType = "dashboard:join"
	MsgCommandSubmit          MessageType = "command:submit"
	MsgDashboardInterrupt     MessageType = "CommandInterrupt"
	MsgDashboardTerminalInput MessageType = "terminal:input"
	MsgDashboardResize        MessageType = "terminal:resize"
	MsgErrorReport            MessageType = "error:report"

	// Both directions
	MsgError             MessageType = "error"
	MsgConnectionClosing MessageType = "connection:closing"
)

var agentInbound = map[MessageType]bool{
	MsgAgentConnect:    true,
	MsgAgentHeartbeat:  true,
	MsgAgentStatus:     true,
	MsgCommandAck:      true,
	MsgTerminalOutput:  true,
	MsgTraceEvent:      true,
	MsgCommandComplete: true,
	MsgAgentError:      true,
	MsgInterruptAck:    true,
}

var dashboardInbound = map[MessageType]bool{
	MsgDashboardJoin:          true,
	MsgCommandSubmit:          true,
	MsgDashboardInterrupt:     true,
	MsgDashboardTerminalInput: true,
	MsgDashboardResize:        true,
	MsgErrorReport:            true,
}

// IsAgentInbound reports whether an agent may send t.
func IsAgentInbound(t MessageType) bool { return agentInbound[t] }

// IsDashboardInbound reports whether a dashboard may send t.
func IsDashboardInbound(t MessageType) bool { return dashboardInbound[t] }

// Message is the envelope for every frame on the wire.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a fresh UUIDv4 id and the current time.
func New(t MessageType, payload any) (*Message, error) {
	return NewAt(t, payload, time.Now())
}

// NewAt is New with an explicit timestamp.
func NewAt(t MessageType, payload any, now time.Time) (*Message, error) {
	msg := &Message{
		Type:      t,
		ID:        uuid.NewString(),
		Timestamp: now.UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// MustNew is New for payloads that always marshal (plain structs).
func MustNew(t MessageType, payload any) *Message {
	msg, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Time returns the envelope timestamp.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Encode serializes the envelope.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a frame into an envelope.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, NewError(CodeInvalidMessage, "malformed message: "+err.Error(), true)
	}
	return &m, nil
}

// Validator is implemented by payloads with required fields.
type Validator interface {
	Validate() error
}

// DecodePayload unmarshals the payload into v and runs its Validate method
// when present. Failures are reported as recoverable INVALID_PAYLOAD errors.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return NewError(CodeInvalidPayload, fmt.Sprintf("%s requires a payload", m.Type), true)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return NewError(CodeInvalidPayload, fmt.Sprintf("invalid %s payload: %v", m.Type, err), true)
	}
	if val, ok := v.(Validator); ok {
		if err := val.Validate(); err != nil {
			return NewError(CodeInvalidPayload, fmt.Sprintf("invalid %s payload: %v", m.Type, err), true)
		}
	}
	return nil
}
