package lifecycle

import (
	"context"
	"time"

	"grimm.is/foreman/internal/model"
)

// armAck fails the dispatch if the agent does not acknowledge in time.
func (s *Service) armAck(commandID, jobID, agentID string) {
	t := s.clock.AfterFunc(s.cfg.AckTimeout, func() {
		s.onAckTimeout(commandID, jobID, agentID)
	})
	s.mu.Lock()
	ct := s.timersFor(commandID)
	if ct.ack != nil {
		ct.ack.Stop()
	}
	ct.ack = t
	s.mu.Unlock()
}

func (s *Service) onAckTimeout(commandID, jobID, agentID string) {
	s.mu.Lock()
	if ct, ok := s.timers[commandID]; ok {
		ct.ack = nil
	}
	s.mu.Unlock()

	job, err := s.activeJob(agentID, commandID)
	if err != nil || job.ID != jobID || !job.AckedAt.IsZero() {
		return
	}
	s.logger.Warn("ack timeout", "command", commandID, "agent", agentID, "timeout", s.cfg.AckTimeout)
	s.failTransient(context.Background(), job, ReasonAckTimeout, true)
}

// armLimit force-interrupts a running command once its time limit passes.
func (s *Service) armLimit(commandID string, limit time.Duration) {
	t := s.clock.AfterFunc(limit, func() {
		s.mu.Lock()
		if ct, ok := s.timers[commandID]; ok {
			ct.limit = nil
		}
		s.mu.Unlock()

		s.logger.Warn("time limit exceeded", "command", commandID, "limit", limit)
		_, err := s.InterruptCommand(context.Background(), model.InterruptRequest{
			CommandID: commandID,
			Reason:    ReasonTimeLimit,
			Force:     true,
		})
		if err != nil {
			s.logger.Warn("time limit interrupt", "command", commandID, "error", err)
		}
	})
	s.mu.Lock()
	ct := s.timersFor(commandID)
	if ct.limit != nil {
		ct.limit.Stop()
	}
	ct.limit = t
	s.mu.Unlock()
}

// stopTimer cancels the ack timer, and the limit timer too when all is set.
func (s *Service) stopTimer(commandID string, all bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, ok := s.timers[commandID]
	if !ok {
		return
	}
	if ct.ack != nil {
		ct.ack.Stop()
		ct.ack = nil
	}
	if all {
		if ct.limit != nil {
			ct.limit.Stop()
		}
		delete(s.timers, commandID)
	}
}

func (s *Service) timersFor(commandID string) *commandTimers {
	ct, ok := s.timers[commandID]
	if !ok {
		ct = &commandTimers{}
		s.timers[commandID] = ct
	}
	return ct
}
