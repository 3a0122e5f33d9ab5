package queue

import (
	"context"
	"errors"

	"grimm.is/foreman/internal/model"
)

// Interrupt stops a job.
//
// A waiting or delayed job is finished immediately and Interrupt returns
// true. For an active job the Signaler is asked to stop the agent, then
// Interrupt waits for AckInterrupt, natural completion, or the interrupt
// timeout. An ack or a timeout finishes the job as interrupted (true); a job
// that completes or fails on its own meanwhile returns false. With force the
// wait is the configured force wait and no ack is needed.
//
// Unknown and finished jobs return false without any change.
func (q *Queue) Interrupt(ctx context.Context, jobID, reason string, force bool) (bool, error) {
	q.mu.Lock()
	e, ok := q.jobs[jobID]
	if !ok || e.job.State.Finished() {
		q.mu.Unlock()
		return false, nil
	}

	if e.job.State.Pending() {
		e.job.InterruptReason = reason
		ev := q.finishLocked(e, model.JobInterrupted, EventInterrupted)
		q.mu.Unlock()

		q.logger.Info("pending job interrupted", "job", jobID, "reason", reason)
		q.emit(ev)
		return true, nil
	}

	if e.interrupting == nil {
		e.interrupting = &interruptWait{done: make(chan struct{})}
	}
	w := e.interrupting
	job := e.job.Clone()
	signal := q.signal
	q.mu.Unlock()

	if signal != nil && (!force || q.cfg.ForceSignal) {
		if err := signal(job, reason, force); err != nil {
			q.logger.Warn("interrupt signal failed", "job", jobID, "agent", job.AssignedAgent, "error", err)
		}
	}

	wait := q.cfg.InterruptTimeout
	if force {
		wait = q.cfg.ForceWait
	}

	if wait > 0 {
		expired := make(chan struct{})
		timer := q.clock.AfterFunc(wait, func() { close(expired) })
		defer timer.Stop()

		select {
		case <-w.done:
			return w.interrupted, nil
		case <-expired:
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, ctx.Err()
			}
		}
	}

	return q.finalizeInterrupt(w, jobID, reason, force)
}

// finalizeInterrupt finishes a still-active job as interrupted after the
// wait ran out.
func (q *Queue) finalizeInterrupt(w *interruptWait, jobID, reason string, force bool) (bool, error) {
	q.mu.Lock()
	e, ok := q.jobs[jobID]
	if !ok || e.job.State != model.JobActive {
		q.mu.Unlock()
		select {
		case <-w.done:
			return w.interrupted, nil
		default:
			return false, nil
		}
	}
	e.job.InterruptReason = reason
	ev := q.finishLocked(e, model.JobInterrupted, EventInterrupted)
	q.mu.Unlock()

	q.logger.Info("active job interrupted", "job", jobID, "reason", reason, "force", force, "acked", false)
	q.emit(ev)
	return true, nil
}

// AckInterrupt records that the agent stopped the job. It finishes the job
// as interrupted whether or not an Interrupt call is waiting.
func (q *Queue) AckInterrupt(jobID, reason string) error {
	q.mu.Lock()
	e, err := q.activeLocked(jobID)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if e.job.InterruptReason == "" {
		e.job.InterruptReason = reason
	}
	ev := q.finishLocked(e, model.JobInterrupted, EventInterrupted)
	q.mu.Unlock()

	q.logger.Info("job interrupt acknowledged", "job", jobID)
	q.emit(ev)
	return nil
}

// Interrupting reports whether an interrupt is waiting on the job.
func (q *Queue) Interrupting(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[jobID]
	return ok && e.interrupting != nil
}
