package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/foreman/internal/model"
)

const defaultBuffer = 256

// Hub fans events out to subscribers. Publishing never blocks: an event
// that does not fit a subscriber's buffer is dropped for that subscriber
// and counted.
type Hub struct {
	mu   sync.RWMutex
	subs []*subscription

	published atomic.Uint64
	dropped   atomic.Uint64
}

type subscription struct {
	ch chan Event
	// nil accepts every type.
	accept map[EventType]struct{}
}

func (s *subscription) wants(t EventType) bool {
	if s.accept == nil {
		return true
	}
	_, ok := s.accept[t]
	return ok
}

func NewHub() *Hub {
	return &Hub{}
}

func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving the given event types, or every
// type when none are named. The caller must drain it and Unsubscribe when
// done.
func (h *Hub) Subscribe(buf int, types ...EventType) <-chan Event {
	if buf <= 0 {
		buf = defaultBuffer
	}
	s := &subscription{ch: make(chan Event, buf)}
	if len(types) > 0 {
		s.accept = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			s.accept[t] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()
	return s.ch
}

// Unsubscribe stops delivery to ch. The channel is left open so a reader
// blocked on it is not woken with a zero Event.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = slices.DeleteFunc(h.subs, func(s *subscription) bool {
		return (<-chan Event)(s.ch) == ch
	})
}

// Stats feeds the metrics collector.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

func (h *Hub) emit(t EventType, source string, data any) {
	h.Publish(Event{Type: t, Source: source, Data: data})
}

// EmitCommand publishes a lifecycle event carrying a snapshot of cmd, so
// later mutation by the publisher is not seen by subscribers.
func (h *Hub) EmitCommand(t EventType, cmd *model.Command) {
	h.emit(t, "lifecycle", CommandData{Command: cmd.Clone(), AgentID: cmd.AgentID})
}

func (h *Hub) EmitRetrying(cmd *model.Command, attempt int, delay time.Duration) {
	h.emit(EventCommandRetrying, "lifecycle", CommandData{Command: cmd.Clone(), AgentID: cmd.AgentID, Attempt: attempt, Delay: delay})
}

func (h *Hub) EmitAgentStatus(agent model.AgentSummary, reason string) {
	h.emit(EventAgentStatus, "registry", AgentStatusData{Agent: agent, Reason: reason})
}

func (h *Hub) EmitTerminal(data TerminalData) {
	h.emit(EventTerminalOutput, "api", data)
}

func (h *Hub) EmitTrace(entry model.TraceEntry) {
	h.emit(EventTraceEntry, "trace", TraceData{Entry: entry})
}
