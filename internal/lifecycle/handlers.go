package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"grimm.is/foreman/internal/model"
	"grimm.is/foreman/internal/queue"
)

// Failure reasons recorded on commands.
const (
	ReasonAckTimeout     = "agent did not acknowledge the command"
	ReasonTimeLimit      = "time limit exceeded"
	ReasonProcessExited  = "agent process terminated"
	ReasonServerRestart  = "server restarted while the command was running"
	ReasonDispatchFailed = "dispatch failed"
)

// ErrWrongAgent is returned when an agent reports on a command it does not own.
var ErrWrongAgent = errors.New("command is not assigned to this agent")

// activeJob finds the live job of a command assigned to agentID.
func (s *Service) activeJob(agentID, commandID string) (*model.Job, error) {
	job, ok := s.queue.FindByCommand(commandID)
	if !ok {
		return nil, fmt.Errorf("%w: no live job for %s", ErrNotFound, commandID)
	}
	if job.State != model.JobActive {
		return nil, fmt.Errorf("%w: job for %s is %s", ErrInvalidTransition, commandID, job.State)
	}
	if agentID != "" && job.AssignedAgent != agentID {
		return nil, fmt.Errorf("%w: %s belongs to %s", ErrWrongAgent, commandID, job.AssignedAgent)
	}
	return job, nil
}

// reportedJob is activeJob for an agent reporting a command's end. An agent
// attributed a command with no live job, such as one it reported on
// connect, is released.
func (s *Service) reportedJob(agentID, commandID string) (*model.Job, error) {
	job, err := s.activeJob(agentID, commandID)
	if errors.Is(err, ErrNotFound) && agentID != "" && s.agents != nil {
		s.agents.Release(agentID, commandID)
	}
	return job, err
}

// HandleDispatched records the assignment after COMMAND_EXECUTE was sent
// and arms the ack timer.
func (s *Service) HandleDispatched(ctx context.Context, job *model.Job) {
	s.update(ctx, job.CommandID, func(c *model.Command) bool {
		if c.Status != model.StatusQueued {
			return false
		}
		c.AgentID = job.AssignedAgent
		return true
	})
	// A fast agent may have acked before the send returned.
	if live, ok := s.queue.FindByCommand(job.CommandID); ok && s.cfg.AckTimeout > 0 &&
		live.ID == job.ID && live.State == model.JobActive && live.AckedAt.IsZero() {
		s.armAck(job.CommandID, job.ID, job.AssignedAgent)
	}
	s.logger.Debug("command dispatched", "command", job.CommandID, "agent", job.AssignedAgent, "attempt", job.AttemptCount)
}

// HandleDispatchFailed retries a job whose COMMAND_EXECUTE could not be sent.
func (s *Service) HandleDispatchFailed(ctx context.Context, job *model.Job, cause error) {
	s.logger.Warn("dispatch failed", "command", job.CommandID, "agent", job.AssignedAgent, "error", cause)
	s.failTransient(ctx, job, ReasonDispatchFailed+": "+cause.Error(), true)
}

// HandleAck moves a dispatched command to RUNNING.
func (s *Service) HandleAck(ctx context.Context, agentID, commandID string) error {
	job, err := s.activeJob(agentID, commandID)
	if err != nil {
		return err
	}
	if err := s.queue.Ack(job.ID); err != nil {
		return err
	}
	s.stopTimer(commandID, false)

	cmd, err := s.transition(ctx, commandID, model.StatusRunning, func(c *model.Command) {
		c.AgentID = job.AssignedAgent
	})
	if err != nil {
		return err
	}
	if limit := cmd.Constraints.TimeLimit(); limit > 0 {
		s.armLimit(commandID, limit)
	}
	s.logger.Info("command started", "command", commandID, "agent", job.AssignedAgent)
	return nil
}

// HandleComplete finishes a command. A completion without a prior ack is
// treated as an implicit ack.
func (s *Service) HandleComplete(ctx context.Context, agentID, commandID string, result json.RawMessage) error {
	job, err := s.reportedJob(agentID, commandID)
	if err != nil {
		return err
	}
	if job.AckedAt.IsZero() {
		if err := s.HandleAck(ctx, agentID, commandID); err != nil {
			return err
		}
	}
	if err := s.queue.Complete(job.ID); err != nil {
		return err
	}
	s.endExecution(job.AssignedAgent, commandID)

	_, err = s.transition(ctx, commandID, model.StatusCompleted, func(c *model.Command) {
		c.Result = result
	})
	if err == nil {
		s.logger.Info("command completed", "command", commandID, "agent", job.AssignedAgent)
	}
	return err
}

// AgentFailure describes an AGENT_ERROR or a lost agent.
type AgentFailure struct {
	Message     string
	Code        string
	Recoverable bool
	// Interrupted marks a failure caused by COMMAND_INTERRUPT.
	Interrupted bool
}

// HandleAgentError applies an AGENT_ERROR. Before ack the job is retried;
// after ack the command fails, and a recoverable failure is requeued as a
// follow-up command.
func (s *Service) HandleAgentError(ctx context.Context, agentID, commandID string, f AgentFailure) error {
	if commandID == "" {
		s.logger.Warn("agent error", "agent", agentID, "code", f.Code, "error", f.Message)
		return nil
	}
	if f.Interrupted {
		return s.HandleInterruptAck(ctx, agentID, commandID)
	}
	job, err := s.reportedJob(agentID, commandID)
	if err != nil {
		return err
	}
	if job.AckedAt.IsZero() {
		s.failTransient(ctx, job, f.Message, f.Recoverable)
		return nil
	}
	s.failAfterAck(ctx, job, f.Message, f.Recoverable)
	return nil
}

// HandleInterruptAck finishes an active command as INTERRUPTED.
func (s *Service) HandleInterruptAck(ctx context.Context, agentID, commandID string) error {
	job, err := s.reportedJob(agentID, commandID)
	if err != nil {
		return err
	}
	return s.queue.AckInterrupt(job.ID, "interrupted by agent")
}

// HandleAgentLost is the registry callback for disconnects and heartbeat
// timeouts. The lost command fails as recoverable.
func (s *Service) HandleAgentLost(agentID, commandID, reason string) {
	ctx := context.Background()
	job, err := s.activeJob(agentID, commandID)
	if err != nil {
		s.logger.Debug("lost agent had no live job", "agent", agentID, "command", commandID, "error", err)
		return
	}
	s.logger.Warn("agent lost with command in flight", "agent", agentID, "command", commandID, "reason", reason)
	if job.AckedAt.IsZero() {
		s.failTransient(ctx, job, reason, true)
		return
	}
	s.failAfterAck(ctx, job, reason, true)
}

// failTransient handles a failure before the agent took the command. The
// job goes back to the queue with backoff, or fails for good through the
// queue's failed event.
func (s *Service) failTransient(ctx context.Context, job *model.Job, reason string, retryable bool) {
	s.endExecution(job.AssignedAgent, job.CommandID)
	if _, err := s.queue.Fail(job.ID, reason, retryable); err != nil {
		s.logger.Warn("fail job", "job", job.ID, "error", err)
	}
}

// failAfterAck marks a running command FAILED and, when recoverable,
// queues a follow-up command that avoids the failed agent.
func (s *Service) failAfterAck(ctx context.Context, job *model.Job, reason string, recoverable bool) {
	s.endExecution(job.AssignedAgent, job.CommandID)
	cmd, err := s.transition(ctx, job.CommandID, model.StatusFailed, func(c *model.Command) {
		c.Error = reason
		c.Recoverable = recoverable
	})
	if _, ferr := s.queue.Fail(job.ID, reason, false); ferr != nil && !errors.Is(ferr, queue.ErrNotFound) {
		s.logger.Warn("fail job", "job", job.ID, "error", ferr)
	}
	if err != nil {
		s.logger.Warn("fail command", "command", job.CommandID, "error", err)
		return
	}
	s.logger.Warn("command failed", "command", cmd.ID, "agent", job.AssignedAgent, "recoverable", recoverable, "error", reason)
	if recoverable {
		s.createFollowUp(ctx, cmd, job.AssignedAgent)
	}
}

// endExecution stops timers and frees the agent.
func (s *Service) endExecution(agentID, commandID string) {
	s.stopTimer(commandID, true)
	if agentID != "" && s.agents != nil {
		s.agents.Release(agentID, commandID)
	}
}

// onJobEvent folds queue transitions into command state. It runs outside
// the queue lock.
func (s *Service) onJobEvent(ev queue.JobEvent) {
	ctx := context.Background()
	job := ev.Job

	switch ev.Type {
	case queue.EventRetrying:
		cmd, err := s.GetCommand(ctx, job.CommandID)
		if err != nil {
			return
		}
		if cmd.Status == model.StatusRunning {
			// Only a restart re-queues an acked job.
			s.recoverRunning(ctx, cmd, job)
			return
		}
		s.update(ctx, job.CommandID, func(c *model.Command) bool {
			c.AgentID = ""
			return true
		})
		cmd.AgentID = ""
		s.events.EmitRetrying(cmd, job.AttemptCount+1, ev.Delay)

	case queue.EventFailed:
		s.endExecution(job.AssignedAgent, job.CommandID)
		_, err := s.transition(ctx, job.CommandID, model.StatusFailed, func(c *model.Command) {
			c.Error = job.LastError
			c.AgentID = job.AssignedAgent
		})
		if err == nil {
			s.logger.Warn("command failed after retries", "command", job.CommandID, "attempts", job.AttemptCount, "error", job.LastError)
		}

	case queue.EventInterrupted:
		s.endExecution(job.AssignedAgent, job.CommandID)
		_, err := s.transition(ctx, job.CommandID, model.StatusInterrupted, func(c *model.Command) {
			c.Error = job.InterruptReason
		})
		if err == nil {
			s.metrics.InterruptsTotal.WithLabelValues("interrupted").Inc()
			s.logger.Info("command interrupted", "command", job.CommandID, "agent", job.AssignedAgent, "reason", job.InterruptReason)
		}
	}
}

// recoverRunning resolves a command that was RUNNING when the server
// stopped: it fails as recoverable and its stale job is withdrawn.
func (s *Service) recoverRunning(ctx context.Context, cmd *model.Command, job *model.Job) {
	failed, err := s.transition(ctx, cmd.ID, model.StatusFailed, func(c *model.Command) {
		c.Error = ReasonServerRestart
		c.Recoverable = true
	})
	if _, ierr := s.queue.Interrupt(ctx, job.ID, ReasonServerRestart, true); ierr != nil {
		s.logger.Warn("withdraw stale job", "job", job.ID, "error", ierr)
	}
	if err != nil {
		return
	}
	s.createFollowUp(ctx, failed, cmd.AgentID)
}

// Recover restores the queue and resolves commands orphaned by a restart.
func (s *Service) Recover(ctx context.Context) error {
	n, err := s.queue.Restore(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("lifecycle recovered", "jobs", n)
	return nil
}
