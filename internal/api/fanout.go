package api

import (
	"context"
	"errors"

	"grimm.is/foreman/internal/broker"
	"grimm.is/foreman/internal/events"
	"grimm.is/foreman/internal/protocol"
)

var commandMessages = map[events.EventType]protocol.MessageType{
	events.EventCommandCreated:     protocol.MsgCommandCreated,
	events.EventCommandQueued:      protocol.MsgCommandQueued,
	events.EventCommandStarted:     protocol.MsgCommandStarted,
	events.EventCommandCompleted:   protocol.MsgCommandCompleted,
	events.EventCommandFailed:      protocol.MsgCommandFailed,
	events.EventCommandInterrupted: protocol.MsgCommandInterrupted,
	events.EventCommandRetrying:    protocol.MsgCommandRetrying,
}

// fanout relays hub events to dashboards until ctx ends.
func (s *Server) fanout(ctx context.Context) {
	ch := s.events.Subscribe(1024)
	defer s.events.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			s.relay(ev)
		}
	}
}

// relay converts one event into a dashboard broadcast.
func (s *Server) relay(ev events.Event) {
	var (
		t       protocol.MessageType
		payload any
		opts    broker.BroadcastOptions
	)
	switch d := ev.Data.(type) {
	case events.CommandData:
		mt, ok := commandMessages[ev.Type]
		if !ok {
			return
		}
		t, payload = mt, protocol.NewCommandEvent(d.Command, d.AgentID)
		opts.AgentID = d.AgentID
	case events.AgentStatusData:
		t = protocol.MsgAgentStatusChanged
		payload = &protocol.AgentStatusPayload{
			AgentID:          d.Agent.ID,
			Status:           d.Agent.Status,
			Activity:         d.Agent.Activity,
			CurrentCommandID: d.Agent.CurrentCommandID,
			Reason:           d.Reason,
		}
		opts.AgentID = d.Agent.ID
	case events.TerminalData:
		t = protocol.MsgDashboardTerminal
		payload = &protocol.TerminalOutputPayload{
			CommandID: d.CommandID,
			AgentID:   d.AgentID,
			Stream:    d.Stream,
			Data:      d.Data,
			Seq:       d.Seq,
		}
		opts.AgentID = d.AgentID
	case events.TraceData:
		t, payload = protocol.MsgDashboardTrace, &protocol.TraceEventPayload{TraceEntry: d.Entry}
		opts.AgentID, opts.Trace = d.Entry.AgentID, true
	default:
		return
	}

	msg, err := protocol.NewAt(t, payload, s.clock.Now())
	if err != nil {
		s.logger.Error("encode broadcast", "type", t, "error", err)
		return
	}
	if _, err := s.broker.BroadcastToDashboards(msg, opts); err != nil && !errors.Is(err, broker.ErrBufferFull) {
		s.logger.Debug("broadcast incomplete", "type", t, "error", err)
	}
}
