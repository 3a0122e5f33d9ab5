package api

import (
	"context"
	"errors"

	"grimm.is/foreman/internal/lifecycle"
	"grimm.is/foreman/internal/model"
	"grimm.is/foreman/internal/protocol"
)

// handleDashboardMessage routes one validated dashboard frame.
func (s *Server) handleDashboardMessage(ctx context.Context, sess *session, m *protocol.Message) error {
	c := sess.conn
	switch m.Type {
	case protocol.MsgDashboardJoin:
		var p protocol.DashboardJoinPayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		c.Join(p.Preferences)
		s.reply(sess, protocol.MsgDashboardJoined, &protocol.DashboardJoinedPayload{
			DashboardID: c.ID,
			UserID:      c.UserID(),
		})
		return nil

	case protocol.MsgCommandSubmit:
		var p protocol.CommandSubmitPayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		if !s.limiter.Allow(c.UserID()) {
			return protocol.NewError(protocol.CodeRateLimited, "submission rate exceeded", true)
		}
		cmd, _, err := s.lifecycle.CreateCommand(ctx, submitRequest(&p, c.UserID()))
		if err != nil {
			return err
		}
		s.reply(sess, protocol.MsgCommandSubmitResult, protocol.NewCommandEvent(cmd, ""))
		return nil

	case protocol.MsgDashboardInterrupt:
		var p protocol.CommandInterruptPayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		// Interrupts wait for the agent; keep reading meanwhile.
		go s.dashboardInterrupt(sess, p, c.UserID())
		return nil

	case protocol.MsgDashboardTerminalInput:
		var p protocol.TerminalInputPayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		if p.AgentID == "" {
			return protocol.NewError(protocol.CodeInvalidPayload, "agentId is required", true)
		}
		return s.sendAgent(p.AgentID, protocol.MsgTerminalInput, &p)

	case protocol.MsgDashboardResize:
		var p protocol.TerminalResizePayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		if p.AgentID == "" {
			return protocol.NewError(protocol.CodeInvalidPayload, "agentId is required", true)
		}
		return s.sendAgent(p.AgentID, protocol.MsgTerminalResize, &p)

	case protocol.MsgErrorReport:
		var p protocol.ErrorReportPayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		s.logger.Warn("dashboard error report", "conn", c.ID, "user", c.UserID(), "code", p.Code, "message", p.Message)
		s.reply(sess, protocol.MsgErrorAck, &protocol.ErrorAckPayload{Code: p.Code, Received: true})
		return nil
	}
	return protocol.NewError(protocol.CodeUnknownType, "unhandled message type "+string(m.Type), true)
}

func (s *Server) dashboardInterrupt(sess *session, p protocol.CommandInterruptPayload, user string) {
	res, err := s.lifecycle.InterruptCommand(context.Background(), model.InterruptRequest{
		CommandID: p.CommandID,
		Reason:    p.Reason,
		Force:     p.Force,
		UserID:    user,
	})
	if err != nil && !errors.Is(err, lifecycle.ErrNotFound) {
		s.reject(sess, protocolError(err))
		return
	}
	s.reply(sess, protocol.MsgInterruptResult, &protocol.InterruptResultPayload{InterruptResult: res})
}

// submitRequest converts a submission into a lifecycle request.
func submitRequest(p *protocol.CommandSubmitPayload, user string) lifecycle.CreateRequest {
	return lifecycle.CreateRequest{
		Type:          p.Type,
		Prompt:        p.Prompt,
		Payload:       p.Payload,
		Priority:      p.Priority,
		UserID:        user,
		TargetAgentID: p.TargetAgentID,
		AgentType:     p.AgentType,
		Constraints:   p.Constraints,
		Deferred:      p.Deferred,
	}
}
