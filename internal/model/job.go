package model

import (
	"slices"
	"time"
)

// JobState is the queue-internal state of a job.
type JobState string

const (
	JobWaiting     JobState = "waiting"
	JobDelayed     JobState = "delayed"
	JobActive      JobState = "active"
	JobCompleted   JobState = "completed"
	JobFailed      JobState = "failed"
	JobInterrupted JobState = "interrupted"
)

// Finished reports whether the job has left the queue for good.
func (s JobState) Finished() bool {
	return s == JobCompleted || s == JobFailed || s == JobInterrupted
}

// Pending reports whether the job has not been handed to an agent yet.
func (s JobState) Pending() bool {
	return s == JobWaiting || s == JobDelayed
}

// Job is a command's entry in the priority queue.
type Job struct {
	ID                string               `json:"id"`
	CommandID         string               `json:"commandId"`
	Command           Command              `json:"command"`
	Priority          Priority             `json:"priority"`
	UserID            string               `json:"userId"`
	TargetAgentID     string               `json:"targetAgentId,omitempty"`
	AgentType         AgentType            `json:"agentType,omitempty"`
	ExcludeAgents     []string             `json:"excludeAgents,omitempty"`
	Constraints       ExecutionConstraints `json:"constraints,omitempty"`
	EstimatedDuration time.Duration        `json:"estimatedDuration,omitempty"`

	State           JobState  `json:"state"`
	Seq             uint64    `json:"seq"`
	QueuedAt        time.Time `json:"queuedAt"`
	AvailableAt     time.Time `json:"availableAt"`
	AttemptCount    int       `json:"attemptCount"`
	MaxAttempts     int       `json:"maxAttempts"`
	LastError       string    `json:"lastError,omitempty"`
	AssignedAgent   string    `json:"assignedAgent,omitempty"`
	DispatchedAt    time.Time `json:"dispatchedAt,omitempty"`
	AckedAt         time.Time `json:"ackedAt,omitempty"`
	FinishedAt      time.Time `json:"finishedAt,omitempty"`
	InterruptReason string    `json:"interruptReason,omitempty"`
}

// Accepts reports whether an agent may run this job.
func (j *Job) Accepts(agentID string, agentType AgentType) bool {
	if j.TargetAgentID != "" && j.TargetAgentID != agentID {
		return false
	}
	if j.AgentType != "" && j.AgentType != agentType {
		return false
	}
	return !slices.Contains(j.ExcludeAgents, agentID)
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Command = *j.Command.Clone()
	cp.ExcludeAgents = append([]string(nil), j.ExcludeAgents...)
	return &cp
}
