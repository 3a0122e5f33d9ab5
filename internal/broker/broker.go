// Package broker routes encoded protocol messages to live connections.
//
// Delivery is best effort and at most once per connection: a message is
// either placed in the connection's outbound buffer or the send fails.
// A connection whose buffer is full is closed rather than allowed to stall
// its peers.
package broker

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"grimm.is/foreman/internal/config"
	"grimm.is/foreman/internal/logging"
	"grimm.is/foreman/internal/metrics"
	"grimm.is/foreman/internal/protocol"
)

var (
	ErrUnknownTarget    = errors.New("unknown target")
	ErrConnectionClosed = errors.New("connection closed")
	ErrBufferFull       = errors.New("send buffer full")
	ErrMessageTooLarge  = errors.New("message too large")
)

// CloseSlowConsumer is the close code for connections that fell behind.
const CloseSlowConsumer = 1008

// DefaultMaxMessageSize bounds encoded frames.
const DefaultMaxMessageSize = 1 << 20

// BroadcastOptions narrow a dashboard broadcast.
type BroadcastOptions struct {
	// Exclude lists connection ids to skip.
	Exclude []string
	// AgentID is matched against each dashboard's agent filter.
	AgentID string
	// Trace marks trace traffic, sent only to dashboards that asked for it.
	Trace bool
}

// ConnInfo describes a live connection.
type ConnInfo struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	AgentID string `json:"agentId,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Remote  string `json:"remote,omitempty"`
}

// Broker owns the connection table.
type Broker struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	agents  map[string]string // agent id -> connection id
	maxSize int
	logger  *logging.Logger
	metrics *metrics.Registry
}

// New creates a broker. maxSize <= 0 selects DefaultMaxMessageSize.
func New(maxSize int, logger *logging.Logger, reg *metrics.Registry) *Broker {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Broker{
		conns:   make(map[string]*Conn),
		agents:  make(map[string]string),
		maxSize: maxSize,
		logger:  logging.OrDefault(logger).WithComponent("broker"),
		metrics: metrics.OrGet(reg),
	}
}

// NewFromConfig sizes the broker from server.max_message_size, the same
// bound the server applies to inbound frames.
func NewFromConfig(cfg *config.Config, logger *logging.Logger, reg *metrics.Registry) *Broker {
	var maxSize int
	if cfg != nil && cfg.Server != nil {
		maxSize = cfg.Server.MaxMessageSize
	}
	return New(maxSize, logger, reg)
}

// Register adds a live connection.
func (b *Broker) Register(c *Conn) {
	b.mu.Lock()
	b.conns[c.ID] = c
	b.mu.Unlock()
	b.metrics.ConnectionsActive.WithLabelValues(string(c.Kind)).Inc()
}

// Unregister drops a connection and closes it. It returns the agent that
// was bound to it, or "" when the binding had already moved elsewhere.
func (b *Broker) Unregister(connID string) string {
	b.mu.Lock()
	c, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return ""
	}
	delete(b.conns, connID)
	agentID := c.AgentID()
	if agentID != "" && b.agents[agentID] == connID {
		delete(b.agents, agentID)
	} else {
		agentID = ""
	}
	b.mu.Unlock()

	c.Close(1000, "unregistered")
	b.metrics.ConnectionsActive.WithLabelValues(string(c.Kind)).Dec()
	return agentID
}

// BindAgent attaches an agent id to a connection. A previous connection for
// the same agent is returned so the caller can close it.
func (b *Broker) BindAgent(connID, agentID string) (*Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conns[connID]
	if !ok {
		return nil, fmt.Errorf("%w: connection %s", ErrUnknownTarget, connID)
	}
	var replaced *Conn
	if prev, ok := b.agents[agentID]; ok && prev != connID {
		replaced = b.conns[prev]
	}
	c.mu.Lock()
	c.agentID = agentID
	c.mu.Unlock()
	b.agents[agentID] = connID
	return replaced, nil
}

// AgentConnected reports whether an agent has a live connection.
func (b *Broker) AgentConnected(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.agents[agentID]
	return ok
}

func (b *Broker) encode(msg *protocol.Message) ([]byte, error) {
	frame, err := msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if len(frame) > b.maxSize {
		b.metrics.SendFailures.WithLabelValues("too_large").Inc()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrMessageTooLarge, msg.Type, len(frame))
	}
	return frame, nil
}

// deliver enqueues a frame and closes connections that fell behind.
func (b *Broker) deliver(c *Conn, msg *protocol.Message, frame []byte) error {
	err := c.enqueue(frame)
	switch {
	case err == nil:
		b.metrics.MessagesTotal.WithLabelValues("out", string(msg.Type)).Inc()
	case errors.Is(err, ErrBufferFull):
		b.metrics.SendFailures.WithLabelValues("buffer_full").Inc()
		b.logger.Warn("closing slow connection", "conn", c.ID, "kind", c.Kind, "type", msg.Type)
		c.Close(CloseSlowConsumer, "send buffer full")
	default:
		b.metrics.SendFailures.WithLabelValues("closed").Inc()
	}
	return err
}

// SendToAgent delivers msg to the connection bound to agentID.
func (b *Broker) SendToAgent(agentID string, msg *protocol.Message) error {
	frame, err := b.encode(msg)
	if err != nil {
		return err
	}
	b.mu.RLock()
	c := b.conns[b.agents[agentID]]
	b.mu.RUnlock()
	if c == nil {
		b.metrics.SendFailures.WithLabelValues("unknown_target").Inc()
		return fmt.Errorf("%w: agent %s", ErrUnknownTarget, agentID)
	}
	return b.deliver(c, msg, frame)
}

// SendToConnection delivers msg to one connection.
func (b *Broker) SendToConnection(connID string, msg *protocol.Message) error {
	frame, err := b.encode(msg)
	if err != nil {
		return err
	}
	b.mu.RLock()
	c := b.conns[connID]
	b.mu.RUnlock()
	if c == nil {
		b.metrics.SendFailures.WithLabelValues("unknown_target").Inc()
		return fmt.Errorf("%w: connection %s", ErrUnknownTarget, connID)
	}
	return b.deliver(c, msg, frame)
}

// BroadcastToDashboards sends msg to every dashboard that wants it and
// returns how many accepted it. Per-connection failures are joined.
func (b *Broker) BroadcastToDashboards(msg *protocol.Message, opts BroadcastOptions) (int, error) {
	frame, err := b.encode(msg)
	if err != nil {
		return 0, err
	}

	b.mu.RLock()
	targets := make([]*Conn, 0, len(b.conns))
	for id, c := range b.conns {
		if c.Kind != KindDashboard || slices.Contains(opts.Exclude, id) {
			continue
		}
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	var (
		sent int
		errs []error
	)
	for _, c := range targets {
		if !c.wants(opts) {
			continue
		}
		if err := b.deliver(c, msg, frame); err != nil {
			errs = append(errs, fmt.Errorf("dashboard %s: %w", c.ID, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// CloseAll closes every connection with the given code, for shutdown.
func (b *Broker) CloseAll(code int, reason string) {
	b.mu.RLock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()
	for _, c := range conns {
		c.Close(code, reason)
	}
}

// Connections lists live connections ordered by id.
func (b *Broker) Connections() []ConnInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ConnInfo, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, ConnInfo{ID: c.ID, Kind: c.Kind, AgentID: c.AgentID(), UserID: c.UserID(), Remote: c.Remote})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
