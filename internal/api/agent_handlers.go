package api

import (
	"context"

	"grimm.is/foreman/internal/events"
	"grimm.is/foreman/internal/lifecycle"
	"grimm.is/foreman/internal/protocol"
	"grimm.is/foreman/internal/registry"
)

const maxAgentIDLen = 128

// handleAgentMessage routes one validated agent frame. Everything but
// AGENT_CONNECT requires a completed handshake.
func (s *Server) handleAgentMessage(ctx context.Context, sess *session, m *protocol.Message) error {
	if m.Type == protocol.MsgAgentConnect {
		return s.agentConnect(sess, m)
	}
	if sess.agentID == "" {
		return protocol.NewError(protocol.CodeHandshakeRequired, "AGENT_CONNECT must be the first message", false)
	}
	agentID := sess.agentID

	switch m.Type {
	case protocol.MsgAgentHeartbeat:
		var p protocol.HeartbeatPayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		if err := sameAgent(agentID, p.AgentID); err != nil {
			return err
		}
		return s.registry.MarkHeartbeat(agentID, p.HealthMetrics)

	case protocol.MsgAgentStatus:
		var p protocol.AgentStatusPayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		if err := sameAgent(agentID, p.AgentID); err != nil {
			return err
		}
		return s.registry.SetStatus(agentID, p.Status, p.Activity, p.Reason)

	case protocol.MsgCommandAck:
		var p protocol.CommandRefPayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		return s.lifecycle.HandleAck(ctx, agentID, p.CommandID)

	case protocol.MsgTerminalOutput:
		var p protocol.TerminalOutputPayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		s.events.EmitTerminal(events.TerminalData{
			CommandID: p.CommandID,
			AgentID:   agentID,
			Stream:    p.Stream,
			Data:      p.Data,
			Seq:       p.Seq,
		})
		return nil

	case protocol.MsgTraceEvent:
		var p protocol.TraceEventPayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		if p.AgentID == "" {
			p.AgentID = agentID
		}
		if err := s.traces.Ingest(p.TraceEntry); err != nil {
			return protocol.NewError(protocol.CodeInvalidPayload, err.Error(), true)
		}
		s.events.EmitTrace(p.TraceEntry)
		return nil

	case protocol.MsgCommandComplete:
		var p protocol.CommandCompletePayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		return s.lifecycle.HandleComplete(ctx, agentID, p.CommandID, p.Result)

	case protocol.MsgAgentError:
		var p protocol.AgentErrorPayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		if p.CommandID == "" {
			s.logger.Warn("agent reported error", "agent", agentID, "error_type", p.ErrorType, "error", p.Message, "details", string(p.Details))
			return nil
		}
		return s.lifecycle.HandleAgentError(ctx, agentID, p.CommandID, lifecycle.AgentFailure{
			Message:     p.Message,
			Code:        p.ErrorType,
			Recoverable: p.Recoverable,
			Interrupted: p.Interrupted,
		})

	case protocol.MsgInterruptAck:
		var p protocol.CommandRefPayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		return s.lifecycle.HandleInterruptAck(ctx, agentID, p.CommandID)
	}
	return protocol.NewError(protocol.CodeUnknownType, "unhandled message type "+string(m.Type), true)
}

// agentConnect binds the connection to an agent id and registers it. A
// previous connection for the same agent is closed as replaced.
func (s *Server) agentConnect(sess *session, m *protocol.Message) error {
	var p protocol.AgentConnectPayload
	if err := m.DecodePayload(&p); err != nil {
		return err
	}
	if len(p.AgentID) > maxAgentIDLen {
		return protocol.NewError(protocol.CodeInvalidPayload, "agentId is too long", true)
	}
	if sess.agentID != "" && sess.agentID != p.AgentID {
		return protocol.NewError(protocol.CodeInvalidState, "connection is already bound to agent "+sess.agentID, true)
	}

	prev, err := s.broker.BindAgent(sess.conn.ID, p.AgentID)
	if err != nil {
		return err
	}
	if prev != nil {
		s.logger.Warn("agent connection replaced", "agent", p.AgentID, "old", prev.ID, "new", sess.conn.ID)
		s.closeConn(prev, protocol.CloseAgentReplaced, registry.ReasonReplaced)
	}
	sess.agentID = p.AgentID

	if _, err := s.registry.RegisterConnection(p.AgentID, registry.ConnectInfo{
		Type:             p.AgentType,
		Version:          p.Version,
		HostMachine:      p.HostMachine,
		Capabilities:     p.Capabilities,
		CurrentCommandID: p.CurrentCommandID,
	}); err != nil {
		return err
	}

	s.reply(sess, protocol.MsgAgentRegistered, &protocol.AgentRegisteredPayload{
		AgentID:             p.AgentID,
		ConnectionID:        sess.conn.ID,
		HeartbeatIntervalMs: s.heartbeat.Milliseconds(),
	})
	return nil
}

// sameAgent rejects payloads naming a different agent than the connection.
func sameAgent(bound, claimed string) error {
	if claimed != "" && claimed != bound {
		return protocol.NewError(protocol.CodeInvalidPayload, "agentId does not match connection", true)
	}
	return nil
}
