// Package queue implements the priority job queue that feeds command
// dispatch. Jobs are ordered by priority, then enqueue time, then insertion
// sequence. Failed jobs are retried with exponential backoff, and active jobs
// can be interrupted through the agent that is running them.
//
// Every state change is written through a JobStore before observers hear
// about it, so a restarted server can Restore the queue from the store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/foreman/internal/clock"
	"grimm.is/foreman/internal/config"
	"grimm.is/foreman/internal/logging"
	"grimm.is/foreman/internal/metrics"
	"grimm.is/foreman/internal/model"
)

var (
	// ErrNotFound is returned for job ids the queue does not hold.
	ErrNotFound = errors.New("job not found")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("queue closed")
	// ErrInvalidState is returned when an operation does not apply to the job's state.
	ErrInvalidState = errors.New("invalid job state")
	// ErrDuplicate is returned when enqueueing an id that is already queued.
	ErrDuplicate = errors.New("job already queued")
)

// JobStore persists job records.
type JobStore interface {
	SaveJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, states ...model.JobState) ([]*model.Job, error)
}

// Matcher decides whether a job can be dispatched now. It returns the agent
// that will run it. It is called with the queue lock held.
type Matcher func(job *model.Job) (agentID string, ok bool)

// Signaler asks the agent running job to stop.
type Signaler func(job *model.Job, reason string, force bool) error

// EventType names a queue transition.
type EventType string

const (
	EventEnqueued    EventType = "enqueued"
	EventDispatched  EventType = "dispatched"
	EventRetrying    EventType = "retrying"
	EventCompleted   EventType = "completed"
	EventFailed      EventType = "failed"
	EventInterrupted EventType = "interrupted"
)

// JobEvent reports a transition. Job is a copy.
type JobEvent struct {
	Type  EventType
	Job   *model.Job
	Delay time.Duration
}

// Config holds queue tuning.
type Config struct {
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	InterruptTimeout time.Duration
	ForceWait        time.Duration
	ForceSignal      bool
}

// DefaultConfig returns the built-in queue settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BackoffBase:      2 * time.Second,
		BackoffMax:       2 * time.Minute,
		InterruptTimeout: 5 * time.Second,
		ForceSignal:      true,
	}
}

// ConfigFrom reads queue and interrupt settings from the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	if q := cfg.Queue; q != nil {
		if q.MaxAttempts > 0 {
			c.MaxAttempts = q.MaxAttempts
		}
		c.BackoffBase = config.Duration(q.BackoffBase, c.BackoffBase)
		c.BackoffMax = config.Duration(q.BackoffMax, c.BackoffMax)
	}
	if i := cfg.Interrupt; i != nil {
		c.InterruptTimeout = config.Duration(i.Timeout, c.InterruptTimeout)
		c.ForceWait = config.Duration(i.ForceWait, c.ForceWait)
		c.ForceSignal = config.Bool(i.ForceSignal, c.ForceSignal)
	}
	return c
}

// Options wires a Queue to its collaborators. Only Store is required.
type Options struct {
	Config   Config
	Store    JobStore
	Clock    clock.Clock
	Logger   *logging.Logger
	Metrics  *metrics.Registry
	Signaler Signaler
	OnEvent  func(JobEvent)
}

type entry struct {
	job          *model.Job
	interrupting *interruptWait
}

// interruptWait is closed when an active job under interruption leaves the
// active state. interrupted is written before done is closed.
type interruptWait struct {
	done        chan struct{}
	interrupted bool
}

// Queue is the priority job queue.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	store   JobStore
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry
	signal  Signaler
	onEvent func(JobEvent)

	jobs    map[string]*entry
	ready   []*model.Job // waiting, kept sorted
	delayed map[string]*model.Job
	seq     uint64
	wake    chan struct{}
	closed  bool

	stats         stats
	historyLoaded bool
}

// New creates an empty queue.
func New(opts Options) *Queue {
	cfg := opts.Config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Queue{
		cfg:     cfg,
		store:   opts.Store,
		clock:   clock.OrReal(opts.Clock),
		logger:  logging.OrDefault(opts.Logger).WithComponent("queue"),
		metrics: metrics.OrGet(opts.Metrics),
		signal:  opts.Signaler,
		onEvent: opts.OnEvent,
		jobs:    make(map[string]*entry),
		delayed: make(map[string]*model.Job),
		wake:    make(chan struct{}),
	}
}

// SetSignaler installs the function used to reach agents on interrupt.
func (q *Queue) SetSignaler(s Signaler) {
	q.mu.Lock()
	q.signal = s
	q.mu.Unlock()
}

// OnEvent installs the transition observer.
func (q *Queue) OnEvent(fn func(JobEvent)) {
	q.mu.Lock()
	q.onEvent = fn
	q.mu.Unlock()
}

// jobBefore orders higher priority first, then earlier enqueue, then insertion.
func jobBefore(a, b *model.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return a.Seq < b.Seq
}

func (q *Queue) insertReady(job *model.Job) {
	i, _ := slices.BinarySearchFunc(q.ready, job, func(e, t *model.Job) int {
		if jobBefore(e, t) {
			return -1
		}
		return 1
	})
	q.ready = slices.Insert(q.ready, i, job)
}

func (q *Queue) removeReady(id string) {
	q.ready = slices.DeleteFunc(q.ready, func(j *model.Job) bool { return j.ID == id })
}

// Enqueue adds a job in the waiting state and returns its id. Missing
// ids, timestamps and attempt limits are filled in.
func (q *Queue) Enqueue(ctx context.Context, job *model.Job) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, exists := q.jobs[job.ID]; exists {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}

	now := q.clock.Now()
	q.seq++
	job = job.Clone()
	job.Seq = q.seq
	job.State = model.JobWaiting
	if job.QueuedAt.IsZero() {
		job.QueuedAt = now
	}
	job.AvailableAt = now
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}

	if err := q.persist(ctx, job); err != nil {
		q.mu.Unlock()
		return "", err
	}
	q.jobs[job.ID] = &entry{job: job}
	q.insertReady(job)
	q.wakeLocked()
	ev := q.event(EventEnqueued, job, 0)
	q.mu.Unlock()

	q.logger.Debug("job enqueued", "job", job.ID, "command", job.CommandID, "priority", int(job.Priority))
	q.emit(ev)
	return job.ID, nil
}

// TryDequeue hands out the first waiting job accepted by match, marking it
// active and assigned to the returned agent.
func (q *Queue) TryDequeue(match Matcher) (*model.Job, bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, false
	}
	job, ev := q.dequeueLocked(match)
	q.mu.Unlock()

	if job == nil {
		return nil, false
	}
	q.emit(ev)
	return job, true
}

// DequeueNext blocks until a job is accepted by match, ctx is done, or the
// queue is closed.
func (q *Queue) DequeueNext(ctx context.Context, match Matcher) (*model.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		job, ev := q.dequeueLocked(match)
		wake := q.wake
		q.mu.Unlock()

		if job != nil {
			q.emit(ev)
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func (q *Queue) dequeueLocked(match Matcher) (*model.Job, JobEvent) {
	q.promoteLocked(q.clock.Now())

	for _, job := range q.ready {
		agentID, ok := match(job.Clone())
		if !ok {
			continue
		}
		now := q.clock.Now()
		q.removeReady(job.ID)
		job.State = model.JobActive
		job.AssignedAgent = agentID
		job.DispatchedAt = now
		job.AckedAt = time.Time{}
		job.AttemptCount++
		if err := q.persist(context.Background(), job); err != nil {
			q.logger.Warn("persist dispatched job", "job", job.ID, "error", err)
		}
		q.stats.dispatched(now.Sub(job.QueuedAt))
		q.metrics.QueueWaitSeconds.Observe(now.Sub(job.QueuedAt).Seconds())
		return job.Clone(), q.event(EventDispatched, job, 0)
	}
	return nil, JobEvent{}
}

// promoteLocked moves delayed jobs whose backoff has elapsed back to waiting.
func (q *Queue) promoteLocked(now time.Time) {
	for id, job := range q.delayed {
		if now.Before(job.AvailableAt) {
			continue
		}
		delete(q.delayed, id)
		job.State = model.JobWaiting
		if err := q.persist(context.Background(), job); err != nil {
			q.logger.Warn("persist promoted job", "job", id, "error", err)
		}
		q.insertReady(job)
	}
}

// Ack records that the assigned agent accepted the job.
func (q *Queue) Ack(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.activeLocked(jobID)
	if err != nil {
		return err
	}
	e.job.AckedAt = q.clock.Now()
	return q.persist(context.Background(), e.job)
}

// Complete finishes an active job successfully.
func (q *Queue) Complete(jobID string) error {
	q.mu.Lock()
	e, err := q.activeLocked(jobID)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	ev := q.finishLocked(e, model.JobCompleted, EventCompleted)
	q.mu.Unlock()

	q.emit(ev)
	return nil
}

// Fail records a failed attempt. A retryable failure with attempts left
// moves the job to delayed and reports retrying=true; otherwise the job is
// finished as failed.
func (q *Queue) Fail(jobID, reason string, retryable bool) (bool, error) {
	q.mu.Lock()
	e, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if e.job.State.Finished() {
		q.mu.Unlock()
		return false, fmt.Errorf("%w: %s is %s", ErrInvalidState, jobID, e.job.State)
	}
	retrying, ev := q.failLocked(e, reason, retryable)
	q.mu.Unlock()

	q.emit(ev)
	return retrying, nil
}

func (q *Queue) failLocked(e *entry, reason string, retryable bool) (bool, JobEvent) {
	job := e.job
	job.LastError = reason

	if !retryable || job.AttemptCount >= job.MaxAttempts {
		return false, q.finishLocked(e, model.JobFailed, EventFailed)
	}

	delay := q.Backoff(job.AttemptCount)
	if job.State == model.JobWaiting {
		q.removeReady(job.ID)
	}
	q.closeInterruptLocked(e)
	job.State = model.JobDelayed
	job.AvailableAt = q.clock.Now().Add(delay)
	job.AssignedAgent = ""
	job.DispatchedAt = time.Time{}
	job.AckedAt = time.Time{}
	q.delayed[job.ID] = job
	if err := q.persist(context.Background(), job); err != nil {
		q.logger.Warn("persist delayed job", "job", job.ID, "error", err)
	}
	q.clock.AfterFunc(delay, q.Notify)
	q.metrics.JobsTotal.WithLabelValues(string(EventRetrying)).Inc()
	q.logger.Info("job retrying", "job", job.ID, "attempt", job.AttemptCount, "delay", delay, "error", reason)
	return true, q.event(EventRetrying, job, delay)
}

// Backoff returns the retry delay after the given number of attempts:
// base * 2^(attempt-1), capped at the configured maximum.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if q.cfg.BackoffMax > 0 && d >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	if q.cfg.BackoffMax > 0 && d > q.cfg.BackoffMax {
		return q.cfg.BackoffMax
	}
	return d
}

// finishLocked moves a job into a terminal state.
func (q *Queue) finishLocked(e *entry, state model.JobState, evType EventType) JobEvent {
	job := e.job
	now := q.clock.Now()
	switch job.State {
	case model.JobWaiting:
		q.removeReady(job.ID)
	case model.JobDelayed:
		delete(q.delayed, job.ID)
	case model.JobActive:
		q.stats.processed(now.Sub(job.DispatchedAt))
		q.metrics.JobDurationSeconds.Observe(now.Sub(job.DispatchedAt).Seconds())
	}
	job.State = state
	job.FinishedAt = now
	if err := q.persist(context.Background(), job); err != nil {
		q.logger.Warn("persist finished job", "job", job.ID, "error", err)
	}
	q.stats.finished(state, now)
	if e.interrupting != nil {
		e.interrupting.interrupted = state == model.JobInterrupted
	}
	q.closeInterruptLocked(e)
	delete(q.jobs, job.ID)
	return q.event(evType, job, 0)
}

func (q *Queue) closeInterruptLocked(e *entry) {
	if e.interrupting != nil {
		close(e.interrupting.done)
		e.interrupting = nil
	}
}

func (q *Queue) activeLocked(jobID string) (*entry, error) {
	e, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if e.job.State != model.JobActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, jobID, e.job.State)
	}
	return e, nil
}

// Get returns a copy of a job, falling back to the store for finished jobs.
func (q *Queue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	q.mu.Lock()
	e, ok := q.jobs[jobID]
	if ok {
		job := e.job.Clone()
		q.mu.Unlock()
		return job, nil
	}
	q.mu.Unlock()

	if q.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, jobID, err)
	}
	return job, nil
}

// FindByCommand returns the live job carrying a command.
func (q *Queue) FindByCommand(commandID string) (*model.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.jobs {
		if e.job.CommandID == commandID {
			return e.job.Clone(), true
		}
	}
	return nil, false
}

// Restore reloads unfinished jobs from the store. Jobs that were active when
// the server stopped are treated as transient failures.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	jobs, err := q.store.ListJobs(ctx, model.JobWaiting, model.JobDelayed, model.JobActive)
	if err != nil {
		return 0, fmt.Errorf("restore queue: %w", err)
	}

	var evs []JobEvent
	q.mu.Lock()
	for _, job := range jobs {
		if _, exists := q.jobs[job.ID]; exists {
			continue
		}
		if job.Seq > q.seq {
			q.seq = job.Seq
		}
		e := &entry{job: job}
		q.jobs[job.ID] = e
		switch job.State {
		case model.JobWaiting:
			q.insertReady(job)
		case model.JobDelayed:
			q.delayed[job.ID] = job
			q.clock.AfterFunc(q.clock.Until(job.AvailableAt), q.Notify)
		case model.JobActive:
			_, ev := q.failLocked(e, "server restarted while job was active", true)
			evs = append(evs, ev)
		}
	}
	q.wakeLocked()
	q.mu.Unlock()

	q.emit(evs...)
	if err := q.loadHistory(ctx); err != nil {
		return len(jobs), err
	}
	q.logger.Info("queue restored", "jobs", len(jobs))
	return len(jobs), nil
}

// loadHistory seeds the counters and averages from finished jobs still in
// the store. It runs once per queue.
func (q *Queue) loadHistory(ctx context.Context) error {
	q.mu.Lock()
	loaded := q.historyLoaded
	q.historyLoaded = true
	q.mu.Unlock()
	if loaded {
		return nil
	}

	jobs, err := q.store.ListJobs(ctx, model.JobCompleted, model.JobFailed, model.JobInterrupted)
	if err != nil {
		return fmt.Errorf("load queue history: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	for _, job := range jobs {
		q.stats.load(job, now)
	}
	slices.SortFunc(q.stats.recent, time.Time.Compare)
	return nil
}

// Notify wakes blocked DequeueNext callers so they re-evaluate matches.
func (q *Queue) Notify() {
	q.mu.Lock()
	q.wakeLocked()
	q.mu.Unlock()
}

func (q *Queue) wakeLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Close stops the queue. Blocked dequeuers return ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wakeLocked()
}

func (q *Queue) persist(ctx context.Context, job *model.Job) error {
	if q.store == nil {
		return nil
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) event(t EventType, job *model.Job, delay time.Duration) JobEvent {
	if t != EventRetrying {
		q.metrics.JobsTotal.WithLabelValues(string(t)).Inc()
	}
	return JobEvent{Type: t, Job: job.Clone(), Delay: delay}
}

// emit delivers events outside the queue lock.
func (q *Queue) emit(evs ...JobEvent) {
	q.mu.Lock()
	fn := q.onEvent
	q.mu.Unlock()
	if fn == nil {
		return
	}
	for _, ev := range evs {
		fn(ev)
	}
}
