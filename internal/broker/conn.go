package broker

import (
	"slices"
	"sync"
	"time"

	"grimm.is/foreman/internal/protocol"
)

// Kind distinguishes agent connections from dashboard connections.
type Kind string

const (
	KindAgent     Kind = "agent"
	KindDashboard Kind = "dashboard"
)

// Conn is the transport-neutral side of one live connection. The owner
// drains Outbound into the socket and watches Done for closure.
type Conn struct {
	ID          string
	Kind        Kind
	Remote      string
	ConnectedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	agentID     string
	userID      string
	joined      bool
	prefs       protocol.DashboardPreferences
	closeCode   int
	closeReason string
}

// NewConn creates a connection with the given outbound buffer size.
func NewConn(id string, kind Kind, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	return &Conn{
		ID:          id,
		Kind:        kind,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

// Outbound yields encoded frames to write.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close marks the connection closed with a WebSocket close code. Only the
// first call has an effect.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseInfo returns the code and reason given to Close.
func (c *Conn) CloseInfo() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// AgentID returns the agent bound to this connection, if any.
func (c *Conn) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// SetUser records the authenticated user of a dashboard connection.
func (c *Conn) SetUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// UserID returns the authenticated user.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Join stores a dashboard's filter preferences.
func (c *Conn) Join(prefs protocol.DashboardPreferences) {
	c.mu.Lock()
	c.joined = true
	c.prefs = prefs
	c.mu.Unlock()
}

// wants applies dashboard preferences. Dashboards that have not joined
// receive everything.
func (c *Conn) wants(opts BroadcastOptions) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return true
	}
	if opts.Trace && !c.prefs.Traces {
		return false
	}
	if opts.AgentID != "" && len(c.prefs.AgentIDs) > 0 {
		return slices.Contains(c.prefs.AgentIDs, opts.AgentID)
	}
	return true
}

// enqueue never blocks.
func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrBufferFull
	}
}
