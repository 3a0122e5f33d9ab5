package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/foreman/internal/auth"
	"grimm.is/foreman/internal/broker"
	"grimm.is/foreman/internal/config"
	"grimm.is/foreman/internal/dispatch"
	"grimm.is/foreman/internal/events"
	"grimm.is/foreman/internal/lifecycle"
	"grimm.is/foreman/internal/metrics"
	"grimm.is/foreman/internal/model"
	"grimm.is/foreman/internal/protocol"
	"grimm.is/foreman/internal/queue"
	"grimm.is/foreman/internal/ratelimit"
	"grimm.is/foreman/internal/registry"
	"grimm.is/foreman/internal/state"
	"grimm.is/foreman/internal/trace"
)

const userHeader = "X-Foreman-User"

type testServer struct {
	base string
	ws   string
	svc  *lifecycle.Service
	reg  *registry.Registry
}

func newTestServer(t *testing.T, tweak ...func(*Options)) *testServer {
	t.Helper()
	store, err := state.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	hub := events.NewHub()

	q := queue.New(queue.Options{Config: queue.DefaultConfig(), Store: store, Metrics: m})
	reg := registry.New(registry.Options{HeartbeatTimeout: time.Minute, Store: store, Metrics: m, Events: hub})
	svc := lifecycle.New(lifecycle.Options{
		Config:  lifecycle.DefaultConfig(),
		Store:   store,
		Queue:   q,
		Agents:  reg,
		Events:  hub,
		Metrics: m,
	})
	reg.OnAgentLost(svc.HandleAgentLost)
	reg.OnAvailable(q.Notify)

	b := broker.New(0, nil, m)
	d := dispatch.New(dispatch.Options{Queue: q, Match: reg.Claim, Sender: b, Reporter: svc})
	q.SetSignaler(d.Signaler())

	cfg := config.Default().Server
	cfg.CloseDelay = "20ms"
	opts := Options{
		Config:    cfg,
		Lifecycle: svc,
		Registry:  reg,
		Broker:    b,
		Traces:    trace.New(trace.DefaultConfig(), nil, nil, m),
		Events:    hub,
		Identity:  auth.HeaderIdentity{Header: userHeader},
		Ready:     store.Ping,
		Gatherer:  promReg,
		Metrics:   m,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	srv := NewServer(opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		d.Stop()
		q.Close()
		<-done
	})

	addr := ln.Addr().String()
	return &testServer{base: "http://" + addr, ws: "ws://" + addr, svc: svc, reg: reg}
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (ts *testServer) dial(t *testing.T, path, user string) *wsPeer {
	t.Helper()
	h := http.Header{}
	if user != "" {
		h.Set(userHeader, user)
	}
	conn, _, err := websocket.DefaultDialer.Dial(ts.ws+path, h)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) sendMsg(m *protocol.Message) {
	data, err := m.Encode()
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, data))
}

func (p *wsPeer) send(typ protocol.MessageType, payload any) {
	p.sendMsg(protocol.MustNew(typ, payload))
}

// next reads until a message of type want arrives.
func (p *wsPeer) next(want protocol.MessageType) *protocol.Message {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := p.conn.ReadMessage()
		require.NoError(p.t, err, "waiting for %s", want)
		m, err := protocol.Decode(data)
		require.NoError(p.t, err)
		if m.Type == want {
			return m
		}
	}
}

func (p *wsPeer) expectError(code string) {
	p.t.Helper()
	var e protocol.Error
	require.NoError(p.t, p.next(protocol.MsgError).DecodePayload(&e))
	assert.Equal(p.t, code, e.Code)
}

func (ts *testServer) connectAgent(t *testing.T, id string) *wsPeer {
	t.Helper()
	a := ts.dial(t, "/ws/agent", "")
	a.send(protocol.MsgAgentConnect, &protocol.AgentConnectPayload{AgentID: id, AgentType: model.AgentClaude})
	var reg protocol.AgentRegisteredPayload
	require.NoError(t, a.next(protocol.MsgAgentRegistered).DecodePayload(&reg))
	assert.Equal(t, id, reg.AgentID)
	assert.Positive(t, reg.HeartbeatIntervalMs)
	return a
}

func TestAgent_HandshakeRequired(t *testing.T) {
	ts := newTestServer(t)
	a := ts.dial(t, "/ws/agent", "")

	a.send(protocol.MsgAgentHeartbeat, &protocol.HeartbeatPayload{AgentID: "a1"})
	a.expectError(protocol.CodeHandshakeRequired)

	var closing protocol.ConnectionClosingPayload
	require.NoError(t, a.next(protocol.MsgConnectionClosing).DecodePayload(&closing))
	assert.Equal(t, protocol.CloseHandshakeRequired, closing.Code)

	_, _, err := a.conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.CloseHandshakeRequired, ce.Code)
}

func TestDashboard_IngressRejections(t *testing.T) {
	ts := newTestServer(t)
	d := ts.dial(t, "/ws/dashboard", "alice")
	d.next(protocol.MsgDashboardConnected)

	bad := protocol.MustNew(protocol.MsgDashboardJoin, &protocol.DashboardJoinPayload{})
	bad.ID = "not-a-uuid"
	d.sendMsg(bad)
	d.expectError(protocol.CodeInvalidID)

	stale, err := protocol.NewAt(protocol.MsgDashboardJoin, &protocol.DashboardJoinPayload{}, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	d.sendMsg(stale)
	d.expectError(protocol.CodeStaleMessage)

	dup := protocol.MustNew(protocol.MsgErrorReport, &protocol.ErrorReportPayload{Code: "UI", Message: "x"})
	d.sendMsg(dup)
	d.next(protocol.MsgErrorAck)
	d.sendMsg(dup)
	d.expectError(protocol.CodeDuplicateMessage)

	d.send(protocol.MsgAgentConnect, &protocol.AgentConnectPayload{AgentID: "a1", AgentType: model.AgentClaude})
	d.expectError(protocol.CodeUnknownType)

	d.send(protocol.MsgCommandSubmit, &protocol.CommandSubmitPayload{})
	d.expectError(protocol.CodeInvalidPayload)

	// Still open after recoverable errors.
	d.send(protocol.MsgDashboardJoin, &protocol.DashboardJoinPayload{Preferences: protocol.DashboardPreferences{Traces: true}})
	var joined protocol.DashboardJoinedPayload
	require.NoError(t, d.next(protocol.MsgDashboardJoined).DecodePayload(&joined))
	assert.Equal(t, "alice", joined.UserID)
}

func TestDashboard_RequiresUser(t *testing.T) {
	ts := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(ts.ws+"/ws/dashboard", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEndToEnd_EchoHi(t *testing.T) {
	ts := newTestServer(t)
	d := ts.dial(t, "/ws/dashboard", "alice")
	d.next(protocol.MsgDashboardConnected)
	agent := ts.connectAgent(t, "a1")

	d.send(protocol.MsgCommandSubmit, &protocol.CommandSubmitPayload{Prompt: "echo hi", Priority: model.PriorityNormal})
	var submitted protocol.CommandEventPayload
	require.NoError(t, d.next(protocol.MsgCommandSubmitResult).DecodePayload(&submitted))
	cmdID := submitted.Command.ID
	assert.Equal(t, "alice", submitted.Command.UserID)

	var exec protocol.CommandExecutePayload
	require.NoError(t, agent.next(protocol.MsgCommandExecute).DecodePayload(&exec))
	assert.Equal(t, cmdID, exec.CommandID)
	assert.Equal(t, "echo hi", exec.Prompt)

	agent.send(protocol.MsgCommandAck, &protocol.CommandRefPayload{CommandID: cmdID, AgentID: "a1"})
	agent.send(protocol.MsgTerminalOutput, &protocol.TerminalOutputPayload{CommandID: cmdID, Stream: protocol.StreamStdout, Data: []byte("hi\n"), Seq: 1})
	agent.send(protocol.MsgCommandComplete, &protocol.CommandCompletePayload{CommandID: cmdID, Result: json.RawMessage(`{"output":"hi\n"}`)})

	d.next(protocol.MsgCommandStarted)
	var out protocol.TerminalOutputPayload
	require.NoError(t, d.next(protocol.MsgDashboardTerminal).DecodePayload(&out))
	assert.Equal(t, "hi\n", string(out.Data))
	assert.Equal(t, "a1", out.AgentID)
	var done protocol.CommandEventPayload
	require.NoError(t, d.next(protocol.MsgCommandCompleted).DecodePayload(&done))
	assert.Equal(t, model.StatusCompleted, done.Command.Status)
	assert.Equal(t, cmdID, done.CommandID)

	resp, err := http.Get(ts.base + "/api/commands/" + cmdID)
	require.NoError(t, err)
	defer resp.Body.Close()
	var cmd model.Command
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cmd))
	assert.Equal(t, model.StatusCompleted, cmd.Status)
	assert.Equal(t, "a1", cmd.AgentID)
}

func TestAgent_DisconnectFailsRecoverable(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.connectAgent(t, "a1")

	cmd, _, err := ts.svc.CreateCommand(context.Background(), lifecycle.CreateRequest{Prompt: "long", UserID: "u"})
	require.NoError(t, err)
	agent.next(protocol.MsgCommandExecute)
	agent.send(protocol.MsgCommandAck, &protocol.CommandRefPayload{CommandID: cmd.ID})

	require.Eventually(t, func() bool {
		c, err := ts.svc.GetCommand(context.Background(), cmd.ID)
		return err == nil && c.Status == model.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	agent.conn.Close()

	require.Eventually(t, func() bool {
		c, err := ts.svc.GetCommand(context.Background(), cmd.ID)
		return err == nil && c.Status == model.StatusFailed && c.Recoverable
	}, 5*time.Second, 10*time.Millisecond)
	a, ok := ts.reg.Get("a1")
	require.True(t, ok)
	assert.Equal(t, model.AgentOffline, a.Status)
}

func TestAgent_ErrorReportFailsCommand(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.connectAgent(t, "a1")

	cmd, _, err := ts.svc.CreateCommand(context.Background(), lifecycle.CreateRequest{Prompt: "crash", UserID: "u"})
	require.NoError(t, err)
	agent.next(protocol.MsgCommandExecute)
	agent.send(protocol.MsgCommandAck, &protocol.CommandRefPayload{CommandID: cmd.ID})
	agent.send(protocol.MsgAgentError, json.RawMessage(`{"agentId":"a1","commandId":"`+cmd.ID+
		`","errorType":"CRASH","message":"boom","recoverable":false,"details":{"signal":"SIGSEGV"}}`))

	require.Eventually(t, func() bool {
		c, err := ts.svc.GetCommand(context.Background(), cmd.ID)
		return err == nil && c.Status == model.StatusFailed && c.Error == "boom"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAgent_Replaced(t *testing.T) {
	ts := newTestServer(t)
	first := ts.connectAgent(t, "a1")
	ts.connectAgent(t, "a1")

	var closing protocol.ConnectionClosingPayload
	require.NoError(t, first.next(protocol.MsgConnectionClosing).DecodePayload(&closing))
	assert.Equal(t, protocol.CloseAgentReplaced, closing.Code)

	a, ok := ts.reg.Get("a1")
	require.True(t, ok)
	assert.Equal(t, model.AgentOnline, a.Status)
}

func TestAgent_TraceEventsReachAPI(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.connectAgent(t, "a1")

	now := time.Now()
	agent.send(protocol.MsgTraceEvent, &protocol.TraceEventPayload{TraceEntry: model.TraceEntry{
		ID: "root", CommandID: "c1", Type: model.TraceLLMPrompt, StartedAt: now,
	}})
	agent.send(protocol.MsgTraceEvent, &protocol.TraceEventPayload{TraceEntry: model.TraceEntry{
		ID: "child", CommandID: "c1", ParentID: "root", Type: model.TraceToolCall, StartedAt: now.Add(time.Millisecond),
	}})

	var tr TraceResponse
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.base + "/api/traces/c1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		tr = TraceResponse{}
		return json.NewDecoder(resp.Body).Decode(&tr) == nil && tr.Tree.EntryCount == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.Len(t, tr.Tree.Roots, 1)
	assert.Equal(t, "a1", tr.Tree.Roots[0].AgentID)
	require.Len(t, tr.Tree.Roots[0].Children, 1)
	assert.Equal(t, 2, tr.Stats.Count)
}

func TestREST_Commands(t *testing.T) {
	ts := newTestServer(t)

	post := func(path, user, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, ts.base+path, strings.NewReader(body))
		require.NoError(t, err)
		if user != "" {
			req.Header.Set(userHeader, user)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, post("/api/commands", "", `{"prompt":"x"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("/api/commands", "bob", `{"type":"NOPE","prompt":"x"}`).StatusCode)

	resp := post("/api/commands", "bob", `{"prompt":"later","deferred":true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created CommandResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, model.StatusPending, created.Command.Status)
	assert.Equal(t, "bob", created.Command.UserID)
	assert.Empty(t, created.JobID)

	resp = post("/api/commands/"+created.Command.ID+"/execute", "bob", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var queued model.Command
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&queued))
	assert.Equal(t, model.StatusQueued, queued.Status)

	resp = post("/api/commands/"+created.Command.ID+"/interrupt", "bob", `{"reason":"changed my mind"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res model.InterruptResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.True(t, res.WasInterrupted)
	assert.Equal(t, model.StatusQueued, res.PreviousStatus)

	resp = post("/api/commands/nope/interrupt", "bob", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	res = model.InterruptResult{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.False(t, res.WasInterrupted)

	get, err := http.Get(ts.base + "/api/commands/nope")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusNotFound, get.StatusCode)

	list, err := http.Get(ts.base + "/api/commands?status=interrupted")
	require.NoError(t, err)
	defer list.Body.Close()
	var cmds []model.Command
	require.NoError(t, json.NewDecoder(list.Body).Decode(&cmds))
	require.Len(t, cmds, 1)
	assert.Equal(t, created.Command.ID, cmds[0].ID)
}

func TestREST_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.connectAgent(t, "a1")

	resp, err := http.Get(ts.base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.base + "/api/agents")
	require.NoError(t, err)
	var agents []model.Agent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&agents))
	resp.Body.Close()
	require.Len(t, agents, 1)
	assert.Equal(t, model.AgentOnline, agents[0].Status)

	resp, err = http.Get(ts.base + "/api/queue/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, bytes.Contains(body, []byte("foreman_protocol_messages_total")))
	assert.True(t, bytes.Contains(body, []byte("foreman_connections")))
}

func TestSubmitRateLimit(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.Limiter = ratelimit.New(1, time.Hour, nil)
	})

	post := func(user string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, ts.base+"/api/commands", strings.NewReader(`{"prompt":"x","deferred":true}`))
		require.NoError(t, err)
		req.Header.Set(userHeader, user)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusCreated, post("carol").StatusCode)
	limited := post("carol")
	assert.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	assert.NotEmpty(t, limited.Header.Get("Retry-After"))
	assert.Equal(t, http.StatusCreated, post("dave").StatusCode)

	// The dashboard path shares the same budget.
	d := ts.dial(t, "/ws/dashboard", "carol")
	d.next(protocol.MsgDashboardConnected)
	d.send(protocol.MsgCommandSubmit, &protocol.CommandSubmitPayload{Prompt: "y", Deferred: true})
	d.expectError(protocol.CodeRateLimited)
}
