// Package agent is the host-side client: it connects one supervised coding
// agent to the Foreman server, forwards supervisor events as protocol
// messages and feeds server instructions back into the supervisor.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/foreman/internal/config"
	"grimm.is/foreman/internal/logging"
	"grimm.is/foreman/internal/model"
	"grimm.is/foreman/internal/protocol"
	"grimm.is/foreman/internal/supervisor"
	"grimm.is/foreman/internal/terminal"
)

var (
	ErrDisconnected  = errors.New("not connected to server")
	errNotRegistered = errors.New("server did not acknowledge AGENT_CONNECT")
)

const (
	writeWait       = 10 * time.Second
	registerWait    = 15 * time.Second
	outboundBuffer  = 256
	maxInboundBytes = 4 << 20
)

// Runner is the part of the supervisor the client drives.
type Runner interface {
	terminal.Controller
	ExecuteCommand(commandID, prompt string) error
	Events() <-chan supervisor.Event
	GetMetadata() supervisor.Metadata
}

// Options configure a Client.
type Options struct {
	AgentID     string
	AgentType   model.AgentType
	Version     string
	HostMachine string
	ServerURL   string
	Header      http.Header

	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	TraceToolCalls    bool

	// Mirror, when set, receives a copy of the process output, e.g. the
	// local terminal of an attached session.
	Mirror io.Writer

	Logger *logging.Logger
}

// OptionsFrom reads the agent block.
func OptionsFrom(a *config.AgentConfig) (Options, error) {
	t, err := model.ParseAgentType(a.Type)
	if err != nil {
		return Options{}, err
	}
	host, _ := os.Hostname()
	return Options{
		AgentID:           a.ID,
		AgentType:         t,
		Version:           a.Version,
		HostMachine:       host,
		ServerURL:         a.ServerURL,
		HeartbeatInterval: config.Duration(a.HeartbeatInterval, 10*time.Second),
		ReconnectMin:      config.Duration(a.ReconnectMin, 500*time.Millisecond),
		ReconnectMax:      config.Duration(a.ReconnectMax, 30*time.Second),
		TraceToolCalls:    a.TraceToolCalls,
	}, nil
}

// Client maintains the server connection for one agent host.
type Client struct {
	opts   Options
	runner Runner
	logger *logging.Logger
	dialer *websocket.Dialer
	health *healthTracker
	tracer *tracer

	sendMu    sync.RWMutex
	mu        sync.Mutex
	out       chan frame
	done      <-chan struct{}
	pending   []frame
	heartbeat time.Duration
	seq       uint64
	runs      map[string]*execution
}

// New creates a client. Run must be called to connect.
func New(opts Options, runner Runner) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	caps := runner.GetMetadata().Capabilities
	return &Client{
		opts:   opts,
		runner: runner,
		logger: logging.OrDefault(opts.Logger).WithComponent("agent"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
		health: newHealthTracker(time.Now()),
		tracer: &tracer{
			agentID:   opts.AgentID,
			enabled:   caps.SupportsTrace,
			toolCalls: opts.TraceToolCalls,
		},
		heartbeat: opts.HeartbeatInterval,
		runs:      make(map[string]*execution),
	}
}

// Run connects and reconnects until ctx is cancelled. Output produced while
// disconnected is dropped. Acks, completions, errors and interrupt acks are
// held and replayed, in order, once the next session registers.
func (c *Client) Run(ctx context.Context) error {
	go c.forward(ctx)

	backoff := c.opts.ReconnectMin
	for {
		registered, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			backoff = c.opts.ReconnectMin
		}
		c.logger.Warn("connection lost", "error", err, "retry_in", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(backoff*2, c.opts.ReconnectMax)
	}
}

// session runs one connection. It reports whether registration succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.ServerURL, c.opts.Header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.opts.ServerURL, err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxInboundBytes)

	if err := c.register(conn); err != nil {
		return false, err
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan frame, outboundBuffer)
	c.mu.Lock()
	backlog := c.pending
	c.pending = nil
	c.out = out
	c.done = sctx.Done()
	interval := c.heartbeat
	c.mu.Unlock()
	if len(backlog) > 0 {
		c.logger.Info("replaying held messages", "count", len(backlog))
	}

	var (
		wg     sync.WaitGroup
		unsent []frame
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		unsent = c.writePump(sctx, cancel, conn, backlog, out)
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop(sctx, interval)
	}()
	go func() {
		<-sctx.Done()
		conn.Close()
	}()

	err = c.readPump(sctx, conn)
	cancel()
	wg.Wait()
	c.detach(out, unsent)
	return true, err
}

// detach ends the session's outbound path. Frames that must reach the
// server go back to the front of the pending list.
func (c *Client) detach(out chan frame, unsent []frame) {
	// Wait out senders still selecting on out; the session is cancelled so
	// none of them blocks.
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out, c.done = nil, nil
drain:
	for {
		select {
		case f := <-out:
			unsent = append(unsent, f)
		default:
			break drain
		}
	}
	var held []frame
	for _, f := range unsent {
		if f.keep {
			held = append(held, f)
		}
	}
	c.pending = append(held, c.pending...)
}

// register sends AGENT_CONNECT and waits for AGENT_REGISTERED.
func (c *Client) register(conn *websocket.Conn) error {
	meta := c.runner.GetMetadata()
	msg, err := protocol.New(protocol.MsgAgentConnect, &protocol.AgentConnectPayload{
		AgentID:          c.opts.AgentID,
		AgentType:        c.opts.AgentType,
		Version:          c.opts.Version,
		HostMachine:      c.opts.HostMachine,
		Capabilities:     meta.Capabilities,
		CurrentCommandID: meta.CommandID,
	})
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send AGENT_CONNECT: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(registerWait))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", errNotRegistered, err)
		}
		m, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		switch m.Type {
		case protocol.MsgAgentRegistered:
			var p protocol.AgentRegisteredPayload
			if err := m.DecodePayload(&p); err != nil {
				return err
			}
			if p.HeartbeatIntervalMs > 0 {
				c.mu.Lock()
				c.heartbeat = time.Duration(p.HeartbeatIntervalMs) * time.Millisecond
				c.mu.Unlock()
			}
			c.logger.Info("registered", "agent_id", p.AgentID, "connection_id", p.ConnectionID)
			return nil
		case protocol.MsgError, protocol.MsgConnectionClosing:
			return fmt.Errorf("%w: %s", errNotRegistered, m.Payload)
		}
	}
}

// writePump writes the backlog, then the session's queue. It returns the
// frames it could not write.
func (c *Client) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, backlog []frame, out <-chan frame) []frame {
	write := func(f frame) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
			c.logger.Warn("write failed", "error", err)
			cancel()
			return false
		}
		return true
	}
	for i, f := range backlog {
		if ctx.Err() != nil || !write(f) {
			return backlog[i:]
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case f := <-out:
			if !write(f) {
				return []frame{f}
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			err := c.send(ctx, protocol.MsgAgentHeartbeat, &protocol.HeartbeatPayload{
				AgentID:       c.opts.AgentID,
				HealthMetrics: c.health.snapshot(now),
			})
			if err != nil {
				c.logger.Debug("heartbeat not sent", "error", err)
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		if err := c.handle(ctx, m); err != nil {
			c.logger.Warn("message handling failed", "type", m.Type, "error", err)
		}
	}
}

// handle applies one server instruction.
func (c *Client) handle(ctx context.Context, m *protocol.Message) error {
	switch m.Type {
	case protocol.MsgCommandExecute:
		var p protocol.CommandExecutePayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		c.mu.Lock()
		c.runs[p.CommandID] = &execution{prompt: p.Prompt}
		c.mu.Unlock()
		if err := c.runner.ExecuteCommand(p.CommandID, p.Prompt); err != nil {
			c.mu.Lock()
			delete(c.runs, p.CommandID)
			c.mu.Unlock()
			// Busy is not the host's fault; the server may place it elsewhere.
			return c.send(ctx, protocol.MsgAgentError, &protocol.AgentErrorPayload{
				CommandID:   p.CommandID,
				AgentID:     c.opts.AgentID,
				ErrorType:   "EXECUTE_FAILED",
				Message:     err.Error(),
				Recoverable: true,
			})
		}
		return nil

	case protocol.MsgCommandInterrupt:
		var p protocol.CommandInterruptPayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		c.logger.Info("interrupt requested", "command_id", p.CommandID, "reason", p.Reason)
		if err := c.runner.Interrupt(); err != nil {
			if errors.Is(err, supervisor.ErrNoCommand) {
				// Nothing running: acknowledge so the server can settle the job.
				return c.send(ctx, protocol.MsgInterruptAck, &protocol.CommandRefPayload{
					CommandID: p.CommandID,
					AgentID:   c.opts.AgentID,
				})
			}
			return err
		}
		return nil

	case protocol.MsgTerminalInput:
		var p protocol.TerminalInputPayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		return c.runner.Input(p.Data)

	case protocol.MsgTerminalResize:
		var p protocol.TerminalResizePayload
		if err := m.DecodePayload(&p); err != nil {
			return err
		}
		return c.runner.Resize(p.Cols, p.Rows)

	case protocol.MsgConnectionClosing:
		var p protocol.ConnectionClosingPayload
		_ = m.DecodePayload(&p)
		c.logger.Warn("server closing connection", "reason", p.Reason, "code", p.Code)
		return nil

	case protocol.MsgError:
		var p protocol.Error
		_ = m.DecodePayload(&p)
		c.logger.Warn("server reported error", "code", p.Code, "error", p.Message)
		return nil
	}
	c.logger.Debug("ignoring message", "type", m.Type)
	return nil
}

// frame is one encoded message. keep marks messages that settle a
// command on the server and so survive a reconnect.
type frame struct {
	data []byte
	keep bool
}

func mustDeliver(t protocol.MessageType) bool {
	switch t {
	case protocol.MsgCommandAck, protocol.MsgCommandComplete, protocol.MsgAgentError, protocol.MsgInterruptAck:
		return true
	}
	return false
}

// send queues one message on the current connection, waiting while the
// queue is full. Messages that must be delivered are held for the next
// session when there is no connection; others fail with ErrDisconnected.
func (c *Client) send(ctx context.Context, t protocol.MessageType, payload any) error {
	msg, err := protocol.New(t, payload)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	f := frame{data: data, keep: mustDeliver(t)}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	c.mu.Lock()
	out, done := c.out, c.done
	if out == nil {
		defer c.mu.Unlock()
		return c.hold(f)
	}
	c.mu.Unlock()

	select {
	case out <- f:
		return nil
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.hold(f)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hold must be called with c.mu held.
func (c *Client) hold(f frame) error {
	if !f.keep {
		return ErrDisconnected
	}
	c.pending = append(c.pending, f)
	return nil
}

// forward turns supervisor events into protocol messages for the life of
// the client. A full outbound queue blocks it, which in turn holds back the
// supervisor's output reader.
func (c *Client) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.runner.Events():
			if ev.Kind == supervisor.EventOutput && c.opts.Mirror != nil {
				c.opts.Mirror.Write(ev.Data)
			}
			for _, m := range c.translate(ev, time.Now()) {
				if err := c.send(ctx, m.typ, m.payload); err != nil {
					c.logger.Debug("event not sent", "kind", ev.Kind, "command_id", ev.CommandID, "error", err)
				}
			}
		}
	}
}

type outbound struct {
	typ     protocol.MessageType
	payload any
}

func (c *Client) traces(entries []model.TraceEntry) []outbound {
	out := make([]outbound, 0, len(entries))
	for _, e := range entries {
		out = append(out, outbound{protocol.MsgTraceEvent, &protocol.TraceEventPayload{TraceEntry: e}})
	}
	return out
}

// track returns the tracking record for a command, creating one for
// commands started outside COMMAND_EXECUTE.
func (c *Client) track(commandID string) *execution {
	x, ok := c.runs[commandID]
	if !ok {
		x = &execution{}
		c.runs[commandID] = x
	}
	return x
}

// translate maps one supervisor event to the messages it produces.
func (c *Client) translate(ev supervisor.Event, now time.Time) []outbound {
	id := c.opts.AgentID
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case supervisor.EventAck:
		x := c.track(ev.CommandID)
		x.started = now
		msgs := []outbound{{protocol.MsgCommandAck, &protocol.CommandRefPayload{CommandID: ev.CommandID, AgentID: id}}}
		return append(msgs, c.traces(c.tracer.prompt(ev.CommandID, x))...)

	case supervisor.EventOutput:
		c.seq++
		msgs := []outbound{{protocol.MsgTerminalOutput, &protocol.TerminalOutputPayload{
			CommandID: ev.CommandID,
			AgentID:   id,
			Stream:    ev.Stream,
			Data:      ev.Data,
			Seq:       c.seq,
		}}}
		if ev.CommandID != "" {
			if x, ok := c.runs[ev.CommandID]; ok {
				msgs = append(msgs, c.traces(c.tracer.output(ev.CommandID, x, ev.Data, now))...)
			}
		}
		return msgs

	case supervisor.EventComplete:
		x := c.track(ev.CommandID)
		delete(c.runs, ev.CommandID)
		c.health.done(ev.Duration)
		result, _ := json.Marshal(map[string]any{"output": string(x.tail), "exitCode": ev.ExitCode})
		msgs := []outbound{{protocol.MsgCommandComplete, &protocol.CommandCompletePayload{
			CommandID:  ev.CommandID,
			AgentID:    id,
			Result:     result,
			ExitCode:   ev.ExitCode,
			DurationMs: ev.Duration.Milliseconds(),
		}}}
		return append(c.traces(c.tracer.finish(ev.CommandID, x, "", now)), msgs...)

	case supervisor.EventFailed:
		x := c.track(ev.CommandID)
		delete(c.runs, ev.CommandID)
		c.health.done(ev.Duration)
		// A crash or spawn failure is specific to this host; a non-zero exit
		// is the command's own outcome.
		recoverable := ev.ExitCode < 0 || ev.Error == supervisor.ReasonProcessExited
		msgs := []outbound{{protocol.MsgAgentError, &protocol.AgentErrorPayload{
			CommandID:   ev.CommandID,
			AgentID:     id,
			ErrorType:   "PROCESS_FAILED",
			Message:     ev.Error,
			Recoverable: recoverable,
		}}}
		return append(c.traces(c.tracer.finish(ev.CommandID, x, ev.Error, now)), msgs...)

	case supervisor.EventInterrupted:
		x := c.track(ev.CommandID)
		delete(c.runs, ev.CommandID)
		msgs := []outbound{{protocol.MsgInterruptAck, &protocol.CommandRefPayload{CommandID: ev.CommandID, AgentID: id}}}
		return append(c.traces(c.tracer.finish(ev.CommandID, x, "interrupted", now)), msgs...)

	case supervisor.EventStatus:
		p := &protocol.AgentStatusPayload{AgentID: id, Reason: "supervisor " + string(ev.State)}
		switch ev.State {
		case supervisor.StateRunning:
			p.Status = model.AgentOnline
		case supervisor.StateStarting:
			p.Status = model.AgentConnecting
		case supervisor.StateCrashed:
			p.Status, p.Reason = model.AgentError, ev.Error
		case supervisor.StateStopped:
			p.Status = model.AgentOffline
		default:
			return nil
		}
		return []outbound{{protocol.MsgAgentStatus, p}}
	}
	return nil
}
