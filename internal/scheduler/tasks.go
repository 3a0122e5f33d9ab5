package scheduler

import (
	"time"
)

// Housekeeping names the periodic hooks the server components provide. A
// nil hook is skipped.
type Housekeeping struct {
	SweepAgents    TaskFunc
	SweepTraces    TaskFunc
	PruneJobs      TaskFunc
	CollectMetrics TaskFunc
	CleanupLimits  TaskFunc

	AgentSweepEvery time.Duration
	TraceSweepEvery time.Duration
}

const (
	TaskAgentSweep   = "agent-sweep"
	TaskTraceSweep   = "trace-sweep"
	TaskJobPrune     = "job-prune"
	TaskMetrics      = "metrics"
	TaskLimitCleanup = "ratelimit-cleanup"
)

// Tasks expands the hooks into schedulable tasks.
func (h Housekeeping) Tasks() []Task {
	agentEvery := orDefault(h.AgentSweepEvery, 5*time.Second)
	traceEvery := orDefault(h.TraceSweepEvery, 2*time.Second)

	candidates := []Task{
		{Name: TaskAgentSweep, Every: agentEvery, Timeout: agentEvery, Run: h.SweepAgents},
		{Name: TaskTraceSweep, Every: traceEvery, Timeout: traceEvery, Run: h.SweepTraces},
		{Name: TaskJobPrune, Every: time.Hour, RunOnStart: true, Timeout: time.Minute, Run: h.PruneJobs},
		{Name: TaskMetrics, Every: 15 * time.Second, RunOnStart: true, Timeout: 15 * time.Second, Run: h.CollectMetrics},
		{Name: TaskLimitCleanup, Every: time.Minute, Timeout: time.Minute, Run: h.CleanupLimits},
	}
	var tasks []Task
	for _, t := range candidates {
		if t.Run != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// Register adds every configured housekeeping task to s.
func Register(s *Scheduler, h Housekeeping) error {
	for _, t := range h.Tasks() {
		if err := s.Add(t); err != nil {
			return err
		}
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
