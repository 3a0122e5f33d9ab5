// Package dispatch runs the worker pool that hands queued jobs to agents.
//
// Each worker blocks on the queue until a job matches an available agent,
// then sends COMMAND_EXECUTE over that agent's connection. Delivery results
// are reported to the lifecycle service, which owns every state change.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grimm.is/foreman/internal/clock"
	"grimm.is/foreman/internal/logging"
	"grimm.is/foreman/internal/model"
	"grimm.is/foreman/internal/protocol"
	"grimm.is/foreman/internal/queue"
)

// Sender delivers protocol messages to agents.
type Sender interface {
	SendToAgent(agentID string, msg *protocol.Message) error
}

// Reporter receives dispatch outcomes.
type Reporter interface {
	HandleDispatched(ctx context.Context, job *model.Job)
	HandleDispatchFailed(ctx context.Context, job *model.Job, cause error)
}

// Options wires a Dispatcher.
type Options struct {
	Workers  int
	Queue    *queue.Queue
	Match    queue.Matcher
	Sender   Sender
	Reporter Reporter
	Clock    clock.Clock
	Logger   *logging.Logger
}

// Dispatcher is a fixed-size pool of dispatch workers.
type Dispatcher struct {
	workers  int
	queue    *queue.Queue
	match    queue.Matcher
	sender   Sender
	reporter Reporter
	clock    clock.Clock
	logger   *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a dispatcher. Workers defaults to 1.
func New(opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Dispatcher{
		workers:  opts.Workers,
		queue:    opts.Queue,
		match:    opts.Match,
		sender:   opts.Sender,
		reporter: opts.Reporter,
		clock:    clock.OrReal(opts.Clock),
		logger:   logging.OrDefault(opts.Logger).WithComponent("dispatch"),
	}
}

// Start launches the workers. They stop when ctx ends, Stop is called, or
// the queue is closed.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.running = true

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.logger.Info("dispatcher started", "workers", d.workers)
}

// Stop cancels the workers and waits for in-flight sends.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, n int) {
	defer d.wg.Done()
	for {
		job, err := d.queue.DequeueNext(ctx, d.match)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && !errors.Is(err, context.Canceled) {
				d.logger.Warn("dequeue", "worker", n, "error", err)
			}
			return
		}
		d.Dispatch(ctx, job)
	}
}

// Dispatch sends one claimed job to its agent and reports the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, job *model.Job) {
	msg, err := ExecuteMessage(job, d.clock.Now())
	if err == nil {
		err = d.sender.SendToAgent(job.AssignedAgent, msg)
	}
	if err != nil {
		d.reporter.HandleDispatchFailed(ctx, job, err)
		return
	}
	d.reporter.HandleDispatched(ctx, job)
}

// ExecuteMessage builds COMMAND_EXECUTE for a job.
func ExecuteMessage(job *model.Job, now time.Time) (*protocol.Message, error) {
	cmd := job.Command
	return protocol.NewAt(protocol.MsgCommandExecute, protocol.CommandExecutePayload{
		CommandID:   job.CommandID,
		Type:        cmd.Type,
		Prompt:      cmd.Prompt,
		Payload:     cmd.Payload,
		Priority:    job.Priority,
		Constraints: job.Constraints,
	}, now)
}

// Signaler returns the queue hook that asks an agent to stop a job.
func (d *Dispatcher) Signaler() queue.Signaler {
	return func(job *model.Job, reason string, force bool) error {
		if job.AssignedAgent == "" {
			return fmt.Errorf("job %s has no agent", job.ID)
		}
		msg, err := protocol.NewAt(protocol.MsgCommandInterrupt, protocol.CommandInterruptPayload{
			CommandID: job.CommandID,
			AgentID:   job.AssignedAgent,
			Reason:    reason,
			Force:     force,
		}, d.clock.Now())
		if err != nil {
			return err
		}
		return d.sender.SendToAgent(job.AssignedAgent, msg)
	}
}
