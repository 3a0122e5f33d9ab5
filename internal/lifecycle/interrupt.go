package lifecycle

import (
	"context"
	"errors"

	"grimm.is/foreman/internal/model"
)

// InterruptCommand stops a command. Unknown commands yield
// WasInterrupted=false together with ErrNotFound. Terminal commands report
// their status unchanged. A queued command is withdrawn at once; a running
// one is signalled and waited on per the queue's interrupt settings.
func (s *Service) InterruptCommand(ctx context.Context, req model.InterruptRequest) (model.InterruptResult, error) {
	res := model.InterruptResult{CommandID: req.CommandID, Reason: req.Reason}
	if res.Reason == "" {
		res.Reason = "interrupted by user"
	}

	cmd, err := s.GetCommand(ctx, req.CommandID)
	if err != nil {
		s.metrics.InterruptsTotal.WithLabelValues("unknown").Inc()
		return res, err
	}
	res.PreviousStatus = cmd.Status
	if cmd.Status.Terminal() {
		s.metrics.InterruptsTotal.WithLabelValues("terminal").Inc()
		return res, nil
	}

	s.logger.Audit("command.interrupt", cmd.ID, "user", req.UserID, "status", cmd.Status, "force", req.Force)

	job, ok := s.queue.FindByCommand(cmd.ID)
	if !ok {
		// Deferred or not yet handed to the queue.
		_, err := s.transition(ctx, cmd.ID, model.StatusInterrupted, func(c *model.Command) {
			c.Error = res.Reason
		})
		if err != nil {
			if errors.Is(err, ErrNotMutable) {
				return res, nil
			}
			return res, err
		}
		s.metrics.InterruptsTotal.WithLabelValues("interrupted").Inc()
		res.WasInterrupted = true
		return res, nil
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	interrupted, err := s.queue.Interrupt(ctx, job.ID, res.Reason, req.Force)
	if err != nil {
		return res, err
	}
	if !interrupted {
		s.metrics.InterruptsTotal.WithLabelValues("missed").Inc()
		return res, nil
	}

	s.logger.Info("command interrupt finished", "command", cmd.ID, "force", req.Force)
	res.WasInterrupted = true
	return res, nil
}
