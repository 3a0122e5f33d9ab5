// Package registry tracks connected agents and their availability.
//
// An agent is available when it is ONLINE and not PROCESSING; at most one
// command is attributed to an agent at a time. Agents are never deleted:
// disconnects and heartbeat silence mark them OFFLINE, and any command they
// were running is reported through the OnAgentLost callback.
//
// One mutex guards all state. Callbacks and event publication run after the
// lock is released.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/foreman/internal/clock"
	"grimm.is/foreman/internal/config"
	"grimm.is/foreman/internal/events"
	"grimm.is/foreman/internal/logging"
	"grimm.is/foreman/internal/metrics"
	"grimm.is/foreman/internal/model"
)

// ErrUnknownAgent is returned for agent ids that never connected.
var ErrUnknownAgent = errors.New("unknown agent")

// Reasons attached to lost commands and status events.
const (
	ReasonDisconnected     = "agent disconnected"
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonReconnected      = "agent reconnected without its command"
	ReasonReplaced         = "agent connection replaced"
)

// AgentStore persists agent records.
type AgentStore interface {
	SaveAgent(ctx context.Context, agent *model.Agent) error
	ListAgents(ctx context.Context) ([]*model.Agent, error)
}

// ConnectInfo is what an agent announces in AGENT_CONNECT.
type ConnectInfo struct {
	Type             model.AgentType
	Version          string
	HostMachine      string
	Capabilities     model.Capabilities
	CurrentCommandID string
}

// LostFunc is told about a command whose agent went away.
type LostFunc func(agentID, commandID, reason string)

// Options wires a Registry to its collaborators.
type Options struct {
	HeartbeatTimeout time.Duration
	Store            AgentStore
	Clock            clock.Clock
	Logger           *logging.Logger
	Metrics          *metrics.Registry
	Events           *events.Hub
}

// OptionsFrom fills the heartbeat timeout from configuration.
func OptionsFrom(cfg *config.Config) Options {
	opts := Options{HeartbeatTimeout: 30 * time.Second}
	if r := cfg.Registry; r != nil {
		opts.HeartbeatTimeout = config.Duration(r.HeartbeatTimeout, opts.HeartbeatTimeout)
	}
	return opts
}

// Registry is the agent connection and availability table.
type Registry struct {
	mu        sync.Mutex
	agents    map[string]*model.Agent
	lastClaim map[string]time.Time

	timeout time.Duration
	store   AgentStore
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry
	events  *events.Hub

	onLost      LostFunc
	onAvailable func()
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 30 * time.Second
	}
	return &Registry{
		agents:    make(map[string]*model.Agent),
		lastClaim: make(map[string]time.Time),
		timeout:   opts.HeartbeatTimeout,
		store:     opts.Store,
		clock:     clock.OrReal(opts.Clock),
		logger:    logging.OrDefault(opts.Logger).WithComponent("registry"),
		metrics:   metrics.OrGet(opts.Metrics),
		events:    opts.Events,
	}
}

// OnAgentLost installs the lost-command callback.
func (r *Registry) OnAgentLost(fn LostFunc) {
	r.mu.Lock()
	r.onLost = fn
	r.mu.Unlock()
}

// OnAvailable installs the callback run whenever an agent may have become available.
func (r *Registry) OnAvailable(fn func()) {
	r.mu.Lock()
	r.onAvailable = fn
	r.mu.Unlock()
}

// notice is deferred work collected under the lock.
type notice struct {
	agent     model.Agent
	reason    string
	lostCmd   string
	available bool
}

func (r *Registry) deliver(ns ...notice) {
	r.mu.Lock()
	onLost, onAvailable := r.onLost, r.onAvailable
	r.mu.Unlock()

	wake := false
	for _, n := range ns {
		if r.store != nil {
			if err := r.store.SaveAgent(context.Background(), &n.agent); err != nil {
				r.logger.Warn("persist agent", "agent", n.agent.ID, "error", err)
			}
		}
		if r.events != nil {
			r.events.EmitAgentStatus(n.agent.Summary(), n.reason)
		}
		if n.lostCmd != "" && onLost != nil {
			onLost(n.agent.ID, n.lostCmd, n.reason)
		}
		wake = wake || n.available
	}
	if wake && onAvailable != nil {
		onAvailable()
	}
}

// Load reads previously known agents from the store. They stay OFFLINE
// until they connect again.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		if _, live := r.agents[a.ID]; live {
			continue
		}
		a.Status = model.AgentOffline
		a.Activity = model.ActivityIdle
		a.CurrentCommandID = ""
		r.agents[a.ID] = a
	}
	return nil
}

// RegisterConnection records an AGENT_CONNECT. A command the agent was
// running before but no longer reports is treated as lost. The command the
// agent reports, tracked or not, becomes its current one.
func (r *Registry) RegisterConnection(agentID string, info ConnectInfo) (*model.Agent, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	now := r.clock.Now()

	r.mu.Lock()
	a, known := r.agents[agentID]
	if !known {
		a = &model.Agent{ID: agentID}
		r.agents[agentID] = a
	}
	lost := ""
	if a.CurrentCommandID != "" && a.CurrentCommandID != info.CurrentCommandID {
		lost = a.CurrentCommandID
	}

	a.Type = info.Type
	a.Version = info.Version
	a.HostMachine = info.HostMachine
	a.Capabilities = info.Capabilities
	a.Status = model.AgentOnline
	a.LastSeen = now
	a.ConnectedAt = now
	// A reported command keeps the agent busy even when the server never
	// assigned it; it is released when the agent reports that command's end.
	a.CurrentCommandID = info.CurrentCommandID
	a.Activity = model.ActivityIdle
	if info.CurrentCommandID != "" {
		a.Activity = model.ActivityProcessing
	}
	n := notice{agent: *a, reason: "connected", lostCmd: lost, available: a.Available()}
	if lost != "" {
		n.reason = ReasonReconnected
	}
	snapshot := *a
	r.mu.Unlock()

	r.logger.Info("agent connected", "agent", agentID, "type", info.Type, "host", info.HostMachine, "known", known)
	r.deliver(n)
	return &snapshot, nil
}

// MarkHeartbeat refreshes LastSeen and the optional health report. An agent
// previously timed out comes back ONLINE.
func (r *Registry) MarkHeartbeat(agentID string, health *model.Health) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	a.LastSeen = r.clock.Now()
	if health != nil {
		h := *health
		a.Health = &h
	}
	revived := a.Status == model.AgentOffline
	if revived {
		a.Status = model.AgentOnline
	}
	n := notice{agent: *a, reason: "heartbeat resumed", available: a.Available()}
	r.mu.Unlock()

	if revived {
		r.logger.Info("agent back online", "agent", agentID)
		r.deliver(n)
	}
	return nil
}

// SetStatus applies an AGENT_STATUS report. An empty activity leaves the
// current one in place. The server's own attribution of a running command
// wins over a reported IDLE.
func (r *Registry) SetStatus(agentID string, status model.AgentStatus, activity model.AgentActivity, reason string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	a.LastSeen = r.clock.Now()
	if status != "" {
		a.Status = status
	}
	if activity != "" && !(a.CurrentCommandID != "" && activity == model.ActivityIdle) {
		a.Activity = activity
	}
	n := notice{agent: *a, reason: reason, available: a.Available()}
	r.mu.Unlock()

	r.deliver(n)
	return nil
}

// Get returns a copy of one agent.
func (r *Registry) Get(agentID string) (model.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return model.Agent{}, false
	}
	return *a, true
}

// List returns copies of every known agent ordered by id.
func (r *Registry) List() []model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetOnlineAgents returns summaries of ONLINE agents ordered by id.
func (r *Registry) GetOnlineAgents() []model.AgentSummary {
	var out []model.AgentSummary
	for _, a := range r.List() {
		if a.Status == model.AgentOnline {
			out = append(out, a.Summary())
		}
	}
	return out
}

// StatusCounts implements metrics.AgentSource.
func (r *Registry) StatusCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, a := range r.agents {
		counts[string(a.Status)]++
	}
	return counts
}

// FindAvailable returns the available agent matching pred that has waited
// longest since its last claim.
func (r *Registry) FindAvailable(pred func(model.Agent) bool) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.pickLocked(pred)
	if a == nil {
		return "", false
	}
	return a.ID, true
}

func (r *Registry) pickLocked(pred func(model.Agent) bool) *model.Agent {
	var best *model.Agent
	for _, a := range r.agents {
		if !a.Available() || (pred != nil && !pred(*a)) {
			continue
		}
		if best == nil {
			best = a
			continue
		}
		ta, tb := r.lastClaim[a.ID], r.lastClaim[best.ID]
		if ta.Before(tb) || (ta.Equal(tb) && a.ID < best.ID) {
			best = a
		}
	}
	return best
}

// Claim reserves an available agent for job and marks it PROCESSING. It is
// used as the queue's dispatch matcher, so it runs under the queue lock.
func (r *Registry) Claim(job *model.Job) (string, bool) {
	r.mu.Lock()
	a := r.pickLocked(func(a model.Agent) bool { return job.Accepts(a.ID, a.Type) })
	if a == nil {
		r.mu.Unlock()
		return "", false
	}
	a.Activity = model.ActivityProcessing
	a.CurrentCommandID = job.CommandID
	r.lastClaim[a.ID] = r.clock.Now()
	n := notice{agent: *a, reason: "command assigned"}
	r.mu.Unlock()

	// Runs under the queue lock: the notice carries no lost command and no
	// availability, so no callback reaches back into the queue.
	r.deliver(n)
	return a.ID, true
}

// Release frees an agent after its command ended. It is a no-op when the
// agent is attributed a different command.
func (r *Registry) Release(agentID, commandID string) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok || (commandID != "" && a.CurrentCommandID != commandID) {
		r.mu.Unlock()
		return
	}
	a.CurrentCommandID = ""
	a.Activity = model.ActivityIdle
	n := notice{agent: *a, reason: "command finished", available: a.Available()}
	r.mu.Unlock()

	r.deliver(n)
}

// CommandFor returns the command attributed to an agent.
func (r *Registry) CommandFor(agentID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		return a.CurrentCommandID
	}
	return ""
}

// RemoveConnection marks an agent OFFLINE after its connection closed.
func (r *Registry) RemoveConnection(agentID, reason string) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	n := r.offlineLocked(a, reason)
	r.mu.Unlock()

	r.logger.Info("agent disconnected", "agent", agentID, "reason", reason, "command", n.lostCmd)
	r.deliver(n)
}

func (r *Registry) offlineLocked(a *model.Agent, reason string) notice {
	lost := a.CurrentCommandID
	a.Status = model.AgentOffline
	a.Activity = model.ActivityIdle
	a.CurrentCommandID = ""
	return notice{agent: *a, reason: reason, lostCmd: lost}
}

// Sweep marks ONLINE agents silent for longer than the heartbeat timeout
// OFFLINE and returns their ids.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	var (
		ids []string
		ns  []notice
	)
	for _, a := range r.agents {
		if a.Status != model.AgentOnline && a.Status != model.AgentConnecting {
			continue
		}
		if now.Sub(a.LastSeen) <= r.timeout {
			continue
		}
		ids = append(ids, a.ID)
		ns = append(ns, r.offlineLocked(a, ReasonHeartbeatTimeout))
	}
	r.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		r.metrics.HeartbeatTimeouts.Inc()
		r.logger.Warn("agent heartbeat timeout", "agent", id, "timeout", r.timeout)
	}
	r.deliver(ns...)
	return ids
}

// Task is the scheduler hook for periodic sweeps.
func (r *Registry) Task(ctx context.Context) error {
	r.Sweep(r.clock.Now())
	return ctx.Err()
}
