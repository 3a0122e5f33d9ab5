package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/foreman/internal/clock"
	"grimm.is/foreman/internal/events"
	"grimm.is/foreman/internal/metrics"
	"grimm.is/foreman/internal/model"
	"grimm.is/foreman/internal/state"
)

type lostCall struct{ agent, command, reason string }

type fixture struct {
	reg       *Registry
	clk       *clock.MockClock
	store     *state.SQLiteStore
	metrics   *metrics.Registry
	mu        sync.Mutex
	lost      []lostCall
	available int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := state.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		clk:     clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		store:   store,
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.reg = New(Options{
		HeartbeatTimeout: 30 * time.Second,
		Store:            store,
		Clock:            f.clk,
		Metrics:          f.metrics,
		Events:           events.NewHub(),
	})
	f.reg.OnAgentLost(func(agentID, commandID, reason string) {
		f.mu.Lock()
		f.lost = append(f.lost, lostCall{agentID, commandID, reason})
		f.mu.Unlock()
	})
	f.reg.OnAvailable(func() {
		f.mu.Lock()
		f.available++
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) connect(t *testing.T, id string, typ model.AgentType) {
	t.Helper()
	_, err := f.reg.RegisterConnection(id, ConnectInfo{Type: typ, Version: "1.0"})
	require.NoError(t, err)
}

func TestRegisterConnection(t *testing.T) {
	f := newFixture(t)
	a, err := f.reg.RegisterConnection("a1", ConnectInfo{Type: model.AgentClaude, HostMachine: "box"})
	require.NoError(t, err)
	assert.Equal(t, model.AgentOnline, a.Status)
	assert.Equal(t, model.ActivityIdle, a.Activity)
	assert.True(t, a.Available())
	assert.Equal(t, 1, f.available)

	stored, err := f.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "box", stored.HostMachine)

	_, err = f.reg.RegisterConnection("", ConnectInfo{})
	assert.Error(t, err)
}

func TestClaimAndRelease(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a1", model.AgentClaude)

	job := &model.Job{ID: "j1", CommandID: "c1"}
	agentID, ok := f.reg.Claim(job)
	require.True(t, ok)
	assert.Equal(t, "a1", agentID)
	assert.Equal(t, "c1", f.reg.CommandFor("a1"))

	_, ok = f.reg.Claim(&model.Job{ID: "j2", CommandID: "c2"})
	assert.False(t, ok, "processing agent must not receive a second job")

	f.reg.Release("a1", "other")
	assert.Equal(t, "c1", f.reg.CommandFor("a1"), "release for a different command is ignored")

	f.reg.Release("a1", "c1")
	a, _ := f.reg.Get("a1")
	assert.True(t, a.Available())
}

func TestClaim_Routing(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a1", model.AgentClaude)
	f.connect(t, "a2", model.AgentCodex)

	agentID, ok := f.reg.Claim(&model.Job{CommandID: "c1", AgentType: model.AgentCodex})
	require.True(t, ok)
	assert.Equal(t, "a2", agentID)

	_, ok = f.reg.Claim(&model.Job{CommandID: "c2", TargetAgentID: "a2"})
	assert.False(t, ok, "target busy")

	_, ok = f.reg.Claim(&model.Job{CommandID: "c3", ExcludeAgents: []string{"a1"}})
	assert.False(t, ok)
}

func TestClaim_RotatesAgents(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a1", model.AgentClaude)
	f.connect(t, "a2", model.AgentClaude)

	first, _ := f.reg.Claim(&model.Job{CommandID: "c1"})
	f.reg.Release(first, "c1")
	f.clk.Advance(time.Second)

	second, _ := f.reg.Claim(&model.Job{CommandID: "c2"})
	assert.NotEqual(t, first, second)
}

func TestSweep_HeartbeatTimeout(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a1", model.AgentClaude)
	f.connect(t, "a2", model.AgentClaude)
	_, ok := f.reg.Claim(&model.Job{CommandID: "c1", TargetAgentID: "a1"})
	require.True(t, ok)

	f.clk.Advance(20 * time.Second)
	require.NoError(t, f.reg.MarkHeartbeat("a2", &model.Health{CPUPercent: 12}))
	f.clk.Advance(15 * time.Second)

	assert.Equal(t, []string{"a1"}, f.reg.Sweep(f.clk.Now()))

	a1, _ := f.reg.Get("a1")
	assert.Equal(t, model.AgentOffline, a1.Status)
	assert.Empty(t, a1.CurrentCommandID)
	assert.Equal(t, []lostCall{{"a1", "c1", ReasonHeartbeatTimeout}}, f.lost)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.HeartbeatTimeouts))

	a2, _ := f.reg.Get("a2")
	assert.Equal(t, model.AgentOnline, a2.Status)
	require.NotNil(t, a2.Health)
	assert.Equal(t, 12.0, a2.Health.CPUPercent)

	require.NoError(t, f.reg.MarkHeartbeat("a1", nil))
	a1, _ = f.reg.Get("a1")
	assert.Equal(t, model.AgentOnline, a1.Status, "heartbeat revives a timed-out agent")
}

func TestRemoveConnection_ReportsLostCommand(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a1", model.AgentClaude)
	f.reg.Claim(&model.Job{CommandID: "c1"})

	f.reg.RemoveConnection("a1", ReasonDisconnected)
	assert.Equal(t, []lostCall{{"a1", "c1", ReasonDisconnected}}, f.lost)
	assert.Empty(t, f.reg.GetOnlineAgents())
	assert.Len(t, f.reg.List(), 1, "agents are never deleted")
	assert.Equal(t, map[string]int{"OFFLINE": 1}, f.reg.StatusCounts())
}

func TestRegisterConnection_ReconnectWithoutCommand(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a1", model.AgentClaude)
	f.reg.Claim(&model.Job{CommandID: "c1"})

	_, err := f.reg.RegisterConnection("a1", ConnectInfo{Type: model.AgentClaude, CurrentCommandID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, f.lost, "agent still reports its command")
	assert.Equal(t, "c1", f.reg.CommandFor("a1"))

	_, err = f.reg.RegisterConnection("a1", ConnectInfo{Type: model.AgentClaude})
	require.NoError(t, err)
	assert.Equal(t, []lostCall{{"a1", "c1", ReasonReconnected}}, f.lost)
}

func TestRegisterConnection_ReportedCommandKeepsAgentBusy(t *testing.T) {
	f := newFixture(t)
	a, err := f.reg.RegisterConnection("a1", ConnectInfo{Type: model.AgentClaude, CurrentCommandID: "elsewhere"})
	require.NoError(t, err)
	assert.Equal(t, model.ActivityProcessing, a.Activity)
	assert.False(t, a.Available())
	assert.Equal(t, 0, f.available)

	_, ok := f.reg.Claim(&model.Job{ID: "j1", CommandID: "c1"})
	assert.False(t, ok, "agent busy with an unassigned command must not be claimed")

	f.reg.Release("a1", "elsewhere")
	_, ok = f.reg.Claim(&model.Job{ID: "j1", CommandID: "c1"})
	assert.True(t, ok)

	_, err = f.reg.RegisterConnection("a1", ConnectInfo{Type: model.AgentClaude, CurrentCommandID: "other"})
	require.NoError(t, err)
	assert.Equal(t, []lostCall{{"a1", "c1", ReasonReconnected}}, f.lost)
	assert.Equal(t, "other", f.reg.CommandFor("a1"))
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.reg.SetStatus("ghost", model.AgentOnline, "", ""), ErrUnknownAgent)

	f.connect(t, "a1", model.AgentClaude)
	f.reg.Claim(&model.Job{CommandID: "c1"})
	require.NoError(t, f.reg.SetStatus("a1", "", model.ActivityIdle, "status"))
	a, _ := f.reg.Get("a1")
	assert.Equal(t, model.ActivityProcessing, a.Activity, "attributed command keeps the agent busy")

	require.NoError(t, f.reg.SetStatus("a1", model.AgentError, "", "crashed"))
	a, _ = f.reg.Get("a1")
	assert.False(t, a.Available())
}

func TestLoad(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a1", model.AgentClaude)

	fresh := New(Options{Store: f.store, Clock: f.clk, Metrics: metrics.New(prometheus.NewRegistry())})
	require.NoError(t, fresh.Load(context.Background()))
	a, ok := fresh.Get("a1")
	require.True(t, ok)
	assert.Equal(t, model.AgentOffline, a.Status)
}
