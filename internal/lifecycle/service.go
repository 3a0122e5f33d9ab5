// Package lifecycle owns the Command state machine.
//
//	PENDING -> QUEUED -> RUNNING -> COMPLETED | FAILED | INTERRUPTED
//	PENDING, QUEUED -> FAILED | INTERRUPTED
//
// Commands live in the durable store; every transition is a read, check and
// write of that record under the service lock, followed by an advisory
// notification on the event hub. Queue transitions and agent messages are
// converted into command transitions here, and failures at lower layers end
// as a command state plus a log line rather than an error to the caller.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/foreman/internal/clock"
	"grimm.is/foreman/internal/config"
	"grimm.is/foreman/internal/events"
	"grimm.is/foreman/internal/logging"
	"grimm.is/foreman/internal/metrics"
	"grimm.is/foreman/internal/model"
	"grimm.is/foreman/internal/queue"
	"grimm.is/foreman/internal/state"
)

var (
	// ErrNotFound is returned for unknown command ids.
	ErrNotFound = errors.New("command not found")
	// ErrNotMutable is returned for transitions out of a terminal state.
	ErrNotMutable = errors.New("command not found for mutation")
	// ErrInvalidRequest wraps create-request validation failures.
	ErrInvalidRequest = errors.New("invalid command request")
	// ErrInvalidTransition is returned for edges the state machine does not have.
	ErrInvalidTransition = errors.New("invalid command transition")
)

// CommandStore persists command records.
type CommandStore interface {
	SaveCommand(ctx context.Context, cmd *model.Command) error
	GetCommand(ctx context.Context, id string) (*model.Command, error)
	ListCommands(ctx context.Context, f state.CommandFilter) ([]*model.Command, error)
}

// AgentReleaser frees an agent once its command ends.
type AgentReleaser interface {
	Release(agentID, commandID string)
}

// Config controls hand-off and recovery.
type Config struct {
	AckTimeout         time.Duration
	RequeueRecoverable bool
	MaxRecoveries      int
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{AckTimeout: 15 * time.Second, RequeueRecoverable: true, MaxRecoveries: 2}
}

// ConfigFrom reads the dispatch block.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	if d := cfg.Dispatch; d != nil {
		c.AckTimeout = config.Duration(d.AckTimeout, c.AckTimeout)
		c.RequeueRecoverable = config.Bool(d.RequeueRecoverable, c.RequeueRecoverable)
		if d.MaxRecoveries > 0 {
			c.MaxRecoveries = d.MaxRecoveries
		}
	}
	return c
}

// Options wires the service.
type Options struct {
	Config  Config
	Store   CommandStore
	Queue   *queue.Queue
	Agents  AgentReleaser
	Events  *events.Hub
	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// CreateRequest describes a new command.
type CreateRequest struct {
	Type              model.CommandType
	Prompt            string
	Payload           json.RawMessage
	Priority          model.Priority
	UserID            string
	TargetAgentID     string
	AgentType         model.AgentType
	Constraints       model.ExecutionConstraints
	EstimatedDuration time.Duration
	// Deferred leaves the command PENDING until ExecuteCommand.
	Deferred bool
}

// Validate normalizes and checks the request.
func (r *CreateRequest) Validate() error {
	if r.Type == "" {
		r.Type = model.CommandNatural
	}
	t, err := model.ParseCommandType(string(r.Type))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	r.Type = t
	if r.Prompt == "" && len(r.Payload) == 0 {
		return fmt.Errorf("%w: prompt or payload is required", ErrInvalidRequest)
	}
	if r.AgentType != "" {
		if _, err := model.ParseAgentType(string(r.AgentType)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	if r.Constraints.TimeLimitMs < 0 || r.Constraints.TokenBudget < 0 {
		return fmt.Errorf("%w: constraints must not be negative", ErrInvalidRequest)
	}
	return nil
}

type commandTimers struct {
	ack   clock.Timer
	limit clock.Timer
}

// Service is the command lifecycle owner.
type Service struct {
	mu     sync.Mutex
	timers map[string]*commandTimers

	cfg     Config
	store   CommandStore
	queue   *queue.Queue
	agents  AgentReleaser
	events  *events.Hub
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry
}

// New creates the service and subscribes it to queue transitions.
func New(opts Options) *Service {
	s := &Service{
		timers:  make(map[string]*commandTimers),
		cfg:     opts.Config,
		store:   opts.Store,
		queue:   opts.Queue,
		agents:  opts.Agents,
		events:  opts.Events,
		clock:   clock.OrReal(opts.Clock),
		logger:  logging.OrDefault(opts.Logger).WithComponent("lifecycle"),
		metrics: metrics.OrGet(opts.Metrics),
	}
	if s.events == nil {
		s.events = events.NewHub()
	}
	s.queue.OnEvent(s.onJobEvent)
	return s
}

// Subscribe returns a channel of command lifecycle notifications.
func (s *Service) Subscribe(buf int) <-chan events.Event {
	return s.events.Subscribe(buf, events.CommandEvents...)
}

// CreateCommand records a PENDING command and, unless deferred, enqueues it.
func (s *Service) CreateCommand(ctx context.Context, req CreateRequest) (*model.Command, *model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	cmd := &model.Command{
		ID:            uuid.NewString(),
		Type:          req.Type,
		Prompt:        req.Prompt,
		Payload:       req.Payload,
		Priority:      req.Priority,
		Status:        model.StatusPending,
		UserID:        req.UserID,
		TargetAgentID: req.TargetAgentID,
		AgentType:     req.AgentType,
		Constraints:   req.Constraints,
		CreatedAt:     s.clock.Now(),
		Attempt:       1,
	}
	if err := s.store.SaveCommand(ctx, cmd); err != nil {
		return nil, nil, fmt.Errorf("create command: %w", err)
	}
	s.publish(events.EventCommandCreated, cmd)
	s.logger.Audit("command.create", cmd.ID, "user", cmd.UserID, "type", cmd.Type, "priority", int(cmd.Priority), "deferred", req.Deferred)

	if req.Deferred {
		return cmd, nil, nil
	}
	job, err := s.enqueue(ctx, cmd, req.EstimatedDuration)
	if err != nil {
		return s.mustGet(ctx, cmd), nil, err
	}
	return s.mustGet(ctx, cmd), job, nil
}

// enqueue moves a PENDING command to QUEUED and hands it to the queue. The
// record is QUEUED first so a fast dispatch and ack find it there. An
// enqueue failure marks the command FAILED.
func (s *Service) enqueue(ctx context.Context, cmd *model.Command, estimate time.Duration) (*model.Job, error) {
	queued, err := s.transition(ctx, cmd.ID, model.StatusQueued, nil)
	if err != nil {
		return nil, err
	}
	job := &model.Job{
		CommandID:         queued.ID,
		Command:           *queued.Clone(),
		Priority:          queued.Priority,
		UserID:            queued.UserID,
		TargetAgentID:     queued.TargetAgentID,
		AgentType:         queued.AgentType,
		ExcludeAgents:     queued.ExcludeAgents,
		Constraints:       queued.Constraints,
		EstimatedDuration: estimate,
	}
	jobID, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		s.logger.Error("enqueue failed", "command", cmd.ID, "error", err)
		_, _ = s.transition(ctx, cmd.ID, model.StatusFailed, func(c *model.Command) {
			c.Error = "enqueue failed: " + err.Error()
		})
		return nil, fmt.Errorf("enqueue command %s: %w", cmd.ID, err)
	}
	return s.queue.Get(ctx, jobID)
}

// ExecuteCommand enqueues a deferred command, or nudges dispatch for one
// that is already queued.
func (s *Service) ExecuteCommand(ctx context.Context, commandID string) error {
	cmd, err := s.GetCommand(ctx, commandID)
	if err != nil {
		return err
	}
	switch {
	case cmd.Status.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrNotMutable, commandID, cmd.Status)
	case cmd.Status == model.StatusPending:
		_, err := s.enqueue(ctx, cmd, 0)
		return err
	case cmd.Status == model.StatusQueued:
		s.queue.Notify()
		return nil
	}
	return fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, commandID, cmd.Status)
}

// GetCommand reads the authoritative record.
func (s *Service) GetCommand(ctx context.Context, id string) (*model.Command, error) {
	cmd, err := s.store.GetCommand(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get command %s: %w", id, err)
	}
	return cmd, nil
}

// ListCommands returns recent commands.
func (s *Service) ListCommands(ctx context.Context, f state.CommandFilter) ([]*model.Command, error) {
	return s.store.ListCommands(ctx, f)
}

// GetQueueMetrics exposes the queue summary.
func (s *Service) GetQueueMetrics() queue.Metrics {
	return s.queue.Metrics()
}

func (s *Service) mustGet(ctx context.Context, cmd *model.Command) *model.Command {
	if fresh, err := s.store.GetCommand(ctx, cmd.ID); err == nil {
		return fresh
	}
	return cmd
}

// transition applies one state machine edge. A terminal command yields
// ErrNotMutable; an edge the machine lacks yields ErrInvalidTransition.
func (s *Service) transition(ctx context.Context, id string, to model.CommandStatus, mutate func(*model.Command)) (*model.Command, error) {
	s.mu.Lock()
	cmd, err := s.store.GetCommand(ctx, id)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if cmd.Status.Terminal() {
		s.mu.Unlock()
		return cmd, fmt.Errorf("%w: %s is %s", ErrNotMutable, id, cmd.Status)
	}
	if !model.CanTransition(cmd.Status, to) {
		s.mu.Unlock()
		return cmd, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cmd.Status, to)
	}

	now := s.clock.Now()
	cmd.Status = to
	switch {
	case to == model.StatusRunning:
		cmd.StartedAt = &now
	case to.Terminal():
		cmd.CompletedAt = &now
	}
	if mutate != nil {
		mutate(cmd)
	}
	if err := s.store.SaveCommand(ctx, cmd); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("save command %s: %w", id, err)
	}
	s.mu.Unlock()

	s.metrics.CommandsTotal.WithLabelValues(string(to)).Inc()
	s.publish(statusEvent(to), cmd)
	return cmd, nil
}

// update rewrites non-status fields of a live command.
func (s *Service) update(ctx context.Context, id string, mutate func(*model.Command) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, err := s.store.GetCommand(ctx, id)
	if err != nil || cmd.Status.Terminal() || !mutate(cmd) {
		return
	}
	if err := s.store.SaveCommand(ctx, cmd); err != nil {
		s.logger.Warn("update command", "command", id, "error", err)
	}
}

func statusEvent(st model.CommandStatus) events.EventType {
	switch st {
	case model.StatusQueued:
		return events.EventCommandQueued
	case model.StatusRunning:
		return events.EventCommandStarted
	case model.StatusCompleted:
		return events.EventCommandCompleted
	case model.StatusFailed:
		return events.EventCommandFailed
	case model.StatusInterrupted:
		return events.EventCommandInterrupted
	}
	return events.EventCommandCreated
}

func (s *Service) publish(t events.EventType, cmd *model.Command) {
	s.events.EmitCommand(t, cmd)
}

// createFollowUp queues a fresh command for work lost to an agent failure.
func (s *Service) createFollowUp(ctx context.Context, failed *model.Command, agentID string) {
	if !s.cfg.RequeueRecoverable || failed.Attempt-1 >= s.cfg.MaxRecoveries {
		s.logger.Info("recoverable command not requeued", "command", failed.ID, "attempt", failed.Attempt)
		return
	}
	next := &model.Command{
		ID:            uuid.NewString(),
		Type:          failed.Type,
		Prompt:        failed.Prompt,
		Payload:       failed.Payload,
		Priority:      failed.Priority,
		Status:        model.StatusPending,
		UserID:        failed.UserID,
		TargetAgentID: failed.TargetAgentID,
		AgentType:     failed.AgentType,
		Constraints:   failed.Constraints,
		CreatedAt:     s.clock.Now(),
		RetryOf:       failed.ID,
		Attempt:       failed.Attempt + 1,
		ExcludeAgents: slices.Clone(failed.ExcludeAgents),
	}
	// A targeted command waits for its agent to come back.
	if failed.TargetAgentID == "" && agentID != "" && !slices.Contains(next.ExcludeAgents, agentID) {
		next.ExcludeAgents = append(next.ExcludeAgents, agentID)
	}
	if err := s.store.SaveCommand(ctx, next); err != nil {
		s.logger.Error("save follow-up command", "command", failed.ID, "error", err)
		return
	}
	s.publish(events.EventCommandCreated, next)
	if _, err := s.enqueue(ctx, next, 0); err != nil {
		return
	}
	s.logger.Info("recoverable command requeued", "command", failed.ID, "retry", next.ID, "attempt", next.Attempt, "excluded", next.ExcludeAgents)
}
