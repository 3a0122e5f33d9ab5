package protocol

import (
	"encoding/json"
	"errors"

	"grimm.is/foreman/internal/model"
)

var (
	errAgentID   = errors.New("agentId is required")
	errCommandID = errors.New("commandId is required")
)

// AgentConnectPayload opens an agent session.
type AgentConnectPayload struct {
	AgentID      string             `json:"agentId"`
	AgentType    model.AgentType    `json:"agentType"`
	Version      string             `json:"version,omitempty"`
	HostMachine  string             `json:"hostMachine,omitempty"`
	Capabilities model.Capabilities `json:"capabilities"`
	// CurrentCommandID is set when a reconnecting agent is still running a command.
	CurrentCommandID string `json:"currentCommandId,omitempty"`
}

func (p *AgentConnectPayload) Validate() error {
	if p.AgentID == "" {
		return errAgentID
	}
	_, err := model.ParseAgentType(string(p.AgentType))
	return err
}

// AgentRegisteredPayload acknowledges AGENT_CONNECT.
type AgentRegisteredPayload struct {
	AgentID             string `json:"agentId"`
	ConnectionID        string `json:"connectionId"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
}

// HeartbeatPayload keeps an agent marked online.
type HeartbeatPayload struct {
	AgentID       string        `json:"agentId"`
	HealthMetrics *model.Health `json:"healthMetrics,omitempty"`
}

// UnmarshalJSON also accepts the older "health" key.
func (p *HeartbeatPayload) UnmarshalJSON(data []byte) error {
	type plain HeartbeatPayload
	var v struct {
		plain
		Health *model.Health `json:"health"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = HeartbeatPayload(v.plain)
	if p.HealthMetrics == nil {
		p.HealthMetrics = v.Health
	}
	return nil
}

func (p *HeartbeatPayload) Validate() error {
	if p.AgentID == "" {
		return errAgentID
	}
	return nil
}

// AgentStatusPayload reports a status change from the agent side, and is
// forwarded to dashboards as agent:status.
type AgentStatusPayload struct {
	AgentID          string              `json:"agentId"`
	Status           model.AgentStatus   `json:"status"`
	Activity         model.AgentActivity `json:"activity,omitempty"`
	CurrentCommandID string              `json:"currentCommandId,omitempty"`
	Reason           string              `json:"reason,omitempty"`
}

func (p *AgentStatusPayload) Validate() error {
	if p.AgentID == "" {
		return errAgentID
	}
	switch p.Status {
	case model.AgentOnline, model.AgentOffline, model.AgentError, model.AgentConnecting:
		return nil
	}
	return errors.New("unknown agent status " + string(p.Status))
}

// CommandRefPayload is used by COMMAND_ACK and INTERRUPT_ACK.
type CommandRefPayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId,omitempty"`
}

func (p *CommandRefPayload) Validate() error {
	if p.CommandID == "" {
		return errCommandID
	}
	return nil
}

// Output streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// TerminalOutputPayload carries a chunk of agent output. It is relayed to
// dashboards unchanged as terminal:output.
type TerminalOutputPayload struct {
	CommandID string `json:"commandId,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
	Stream    string `json:"stream"`
	Data      []byte `json:"data"`
	Seq       uint64 `json:"seq"`
}

func (p *TerminalOutputPayload) Validate() error {
	if p.Stream != StreamStdout && p.Stream != StreamStderr {
		return errors.New("stream must be stdout or stderr")
	}
	return nil
}

// TraceEventPayload carries the trace entry fields at the top level.
type TraceEventPayload struct {
	model.TraceEntry
}

// UnmarshalJSON also accepts an entry nested under "entry".
func (p *TraceEventPayload) UnmarshalJSON(data []byte) error {
	var nested struct {
		Entry *model.TraceEntry `json:"entry"`
	}
	if err := json.Unmarshal(data, &nested); err != nil {
		return err
	}
	if nested.Entry != nil {
		p.TraceEntry = *nested.Entry
		return nil
	}
	return json.Unmarshal(data, &p.TraceEntry)
}

func (p *TraceEventPayload) Validate() error {
	return p.TraceEntry.Validate()
}

// CommandCompletePayload reports a successful run.
type CommandCompletePayload struct {
	CommandID  string          `json:"commandId"`
	AgentID    string          `json:"agentId,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	ExitCode   int             `json:"exitCode"`
	DurationMs int64           `json:"durationMs"`
}

func (p *CommandCompletePayload) Validate() error {
	if p.CommandID == "" {
		return errCommandID
	}
	return nil
}

// AgentErrorPayload reports a failed run or an agent-side fault.
type AgentErrorPayload struct {
	CommandID   string          `json:"commandId,omitempty"`
	AgentID     string          `json:"agentId,omitempty"`
	ErrorType   string          `json:"errorType,omitempty"`
	Message     string          `json:"message"`
	Recoverable bool            `json:"recoverable"`
	Details     json.RawMessage `json:"details,omitempty"`
	// Interrupted is set when the failure is the result of COMMAND_INTERRUPT.
	Interrupted bool `json:"interrupted,omitempty"`
}

// UnmarshalJSON also accepts the older "code" and "error" keys.
func (p *AgentErrorPayload) UnmarshalJSON(data []byte) error {
	type plain AgentErrorPayload
	var v struct {
		plain
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = AgentErrorPayload(v.plain)
	if p.ErrorType == "" {
		p.ErrorType = v.Code
	}
	if p.Message == "" {
		p.Message = v.Error
	}
	return nil
}

func (p *AgentErrorPayload) Validate() error {
	if p.Message == "" && p.ErrorType == "" {
		return errors.New("message or errorType is required")
	}
	if p.Message == "" {
		p.Message = p.ErrorType
	}
	return nil
}

// CommandExecutePayload hands a command to an agent.
type CommandExecutePayload struct {
	CommandID   string                     `json:"commandId"`
	Type        model.CommandType          `json:"type"`
	Prompt      string                     `json:"prompt"`
	Payload     json.RawMessage            `json:"payload,omitempty"`
	Priority    model.Priority             `json:"priority"`
	Constraints model.ExecutionConstraints `json:"constraints,omitempty"`
}

func (p *CommandExecutePayload) Validate() error {
	if p.CommandID == "" {
		return errCommandID
	}
	return nil
}

// CommandInterruptPayload asks an agent (or, from a dashboard, the server)
// to stop a command.
type CommandInterruptPayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

func (p *CommandInterruptPayload) Validate() error {
	if p.CommandID == "" {
		return errCommandID
	}
	return nil
}

// TerminalInputPayload carries raw keystrokes to the agent's terminal.
type TerminalInputPayload struct {
	AgentID string `json:"agentId,omitempty"`
	Data    []byte `json:"data"`
}

func (p *TerminalInputPayload) Validate() error {
	if len(p.Data) == 0 {
		return errors.New("data is required")
	}
	return nil
}

// TerminalResizePayload carries a window size change.
type TerminalResizePayload struct {
	AgentID string `json:"agentId,omitempty"`
	Cols    uint16 `json:"cols"`
	Rows    uint16 `json:"rows"`
}

func (p *TerminalResizePayload) Validate() error {
	if p.Cols == 0 || p.Rows == 0 {
		return errors.New("cols and rows must be positive")
	}
	return nil
}

// ConnectionClosingPayload precedes a server-initiated close.
type ConnectionClosingPayload struct {
	Reason string `json:"reason"`
	Code   int    `json:"code"`
}

// DashboardConnectedPayload greets a dashboard.
type DashboardConnectedPayload struct {
	ConnectionID string               `json:"connectionId"`
	Agents       []model.AgentSummary `json:"agents"`
}

// DashboardPreferences filter what a dashboard receives.
type DashboardPreferences struct {
	AgentIDs []string `json:"agentIds,omitempty"`
	Traces   bool     `json:"traces"`
}

// DashboardJoinPayload registers a dashboard's preferences.
type DashboardJoinPayload struct {
	Preferences DashboardPreferences `json:"preferences"`
}

// DashboardJoinedPayload confirms dashboard:join.
type DashboardJoinedPayload struct {
	DashboardID string `json:"dashboardId"`
	UserID      string `json:"userId"`
}

// CommandSubmitPayload creates a command from a dashboard or the REST API.
type CommandSubmitPayload struct {
	Type          model.CommandType          `json:"type"`
	Prompt        string                     `json:"prompt"`
	Payload       json.RawMessage            `json:"payload,omitempty"`
	Priority      model.Priority             `json:"priority"`
	TargetAgentID string                     `json:"targetAgentId,omitempty"`
	AgentType     model.AgentType            `json:"agentType,omitempty"`
	Constraints   model.ExecutionConstraints `json:"constraints,omitempty"`
	Deferred      bool                       `json:"deferred,omitempty"`
}

func (p *CommandSubmitPayload) Validate() error {
	if p.Type == "" {
		p.Type = model.CommandNatural
	}
	t, err := model.ParseCommandType(string(p.Type))
	if err != nil {
		return err
	}
	p.Type = t
	if p.Prompt == "" && len(p.Payload) == 0 {
		return errors.New("prompt or payload is required")
	}
	if p.AgentType != "" {
		if _, err := model.ParseAgentType(string(p.AgentType)); err != nil {
			return err
		}
	}
	if p.Constraints.TimeLimitMs < 0 || p.Constraints.TokenBudget < 0 {
		return errors.New("constraints must not be negative")
	}
	return nil
}

// CommandEventPayload accompanies every command:* notification.
type CommandEventPayload struct {
	CommandID string         `json:"commandId"`
	AgentID   string         `json:"agentId,omitempty"`
	Command   *model.Command `json:"command"`
}

// NewCommandEvent snapshots cmd for a dashboard notification.
func NewCommandEvent(cmd *model.Command, agentID string) *CommandEventPayload {
	p := &CommandEventPayload{AgentID: agentID, Command: cmd}
	if cmd != nil {
		p.CommandID = cmd.ID
		if p.AgentID == "" {
			p.AgentID = cmd.AgentID
		}
	}
	return p
}

// InterruptResultPayload answers a dashboard interrupt request.
type InterruptResultPayload struct {
	model.InterruptResult
}

// ErrorReportPayload is a client-side error surfaced to the server.
type ErrorReportPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *ErrorReportPayload) Validate() error {
	if p.Code == "" {
		return errors.New("code is required")
	}
	return nil
}

// ErrorAckPayload acknowledges error:report.
type ErrorAckPayload struct {
	Code     string `json:"code"`
	Received bool   `json:"received"`
}
