// Package scheduler runs the server's periodic housekeeping: heartbeat
// sweeps, trace orphan promotion, job retention, metrics sampling and
// rate limiter cleanup.
//
// Each task is re-armed only after its previous run returns, so a slow run
// delays the next one instead of overlapping it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/foreman/internal/clock"
	"grimm.is/foreman/internal/logging"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrTaskRunning = errors.New("task already running")
	ErrNotStarted  = errors.New("scheduler not started")
)

// TaskFunc is cancelled when the scheduler stops or the task times out.
type TaskFunc func(ctx context.Context) error

type Task struct {
	Name       string
	Every      time.Duration
	RunOnStart bool
	// Timeout bounds one run. Zero means the run is only cancelled by Stop.
	Timeout time.Duration
	Run     TaskFunc
}

type TaskStatus struct {
	Name         string        `json:"name"`
	Every        time.Duration `json:"every"`
	Running      bool          `json:"running"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	LastRun      time.Time     `json:"lastRun,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
	LastError    string        `json:"lastError,omitempty"`
}

type entry struct {
	task   Task
	status TaskStatus
	timer  clock.Timer
}

type Scheduler struct {
	clock  clock.Clock
	logger *logging.Logger

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(clk clock.Clock, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		clock:   clock.OrReal(clk),
		logger:  logging.OrDefault(logger).WithComponent("scheduler"),
		entries: make(map[string]*entry),
	}
}

// Add registers a task. Tasks added after Start are armed immediately.
func (s *Scheduler) Add(t Task) error {
	switch {
	case t.Name == "":
		return errors.New("task name is required")
	case t.Every <= 0:
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	case t.Run == nil:
		return fmt.Errorf("task %s: no run function", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[t.Name]; ok {
		return fmt.Errorf("task %s already registered", t.Name)
	}
	e := &entry{task: t, status: TaskStatus{Name: t.Name, Every: t.Every}}
	s.entries[t.Name] = e
	if s.ctx != nil {
		s.start(e)
	}
	return nil
}

// Start arms every task. Runs are cancelled when ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.entries {
		s.start(e)
	}
	s.logger.Info("scheduler started", "tasks", len(s.entries))
}

// start must be called with s.mu held.
func (s *Scheduler) start(e *entry) {
	if e.task.RunOnStart {
		s.launch(e)
		return
	}
	s.arm(e)
}

// arm must be called with s.mu held.
func (s *Scheduler) arm(e *entry) {
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	e.timer = s.clock.AfterFunc(e.task.Every, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.launch(e)
	})
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(e *entry) bool {
	if s.ctx == nil || s.ctx.Err() != nil || e.status.Running {
		return false
	}
	e.status.Running = true
	s.wg.Add(1)
	go s.execute(s.ctx, e)
	return true
}

func (s *Scheduler) execute(parent context.Context, e *entry) {
	defer s.wg.Done()

	ctx, cancel := parent, context.CancelFunc(func() {})
	if e.task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, e.task.Timeout)
	}
	start := s.clock.Now()
	err := e.task.Run(ctx)
	cancel()
	took := s.clock.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := &e.status
	st.Running = false
	st.Runs++
	st.LastRun = start
	st.LastDuration = took
	st.LastError = ""
	if err != nil && parent.Err() == nil {
		st.Failures++
		st.LastError = err.Error()
		s.logger.Warn("task failed", "task", e.task.Name, "error", err, "duration", took)
	}
	s.arm(e)
}

// RunNow runs a task immediately and restarts its interval afterwards.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if s.ctx == nil {
		return ErrNotStarted
	}
	if e.status.Running {
		return fmt.Errorf("%w: %s", ErrTaskRunning, name)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	s.launch(e)
	return nil
}

// Status reports every task, sorted by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop cancels running tasks, disarms the rest and waits for runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	for _, st := range s.Status() {
		s.logger.Debug("task summary", "task", st.Name, "runs", st.Runs, "failures", st.Failures)
	}
	s.logger.Info("scheduler stopped")
}
