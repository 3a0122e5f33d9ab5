package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CommandType selects how an agent interprets a command.
type CommandType string

const (
	CommandNatural    CommandType = "NATURAL"
	CommandStructured CommandType = "STRUCTURED"
	CommandShell      CommandType = "SHELL"
)

// ParseCommandType accepts the canonical names case-insensitively.
func ParseCommandType(s string) (CommandType, error) {
	switch t := CommandType(strings.ToUpper(s)); t {
	case CommandNatural, CommandStructured, CommandShell:
		return t, nil
	}
	return "", fmt.Errorf("unknown command type %q", s)
}

// CommandStatus is the lifecycle state of a command.
type CommandStatus string

const (
	StatusPending     CommandStatus = "PENDING"
	StatusQueued      CommandStatus = "QUEUED"
	StatusRunning     CommandStatus = "RUNNING"
	StatusCompleted   CommandStatus = "COMPLETED"
	StatusFailed      CommandStatus = "FAILED"
	StatusInterrupted CommandStatus = "INTERRUPTED"
)

// Terminal reports whether no further transitions are allowed.
func (s CommandStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusInterrupted
}

var transitions = map[CommandStatus][]CommandStatus{
	StatusPending: {StatusQueued, StatusFailed, StatusInterrupted},
	StatusQueued:  {StatusRunning, StatusFailed, StatusInterrupted},
	StatusRunning: {StatusCompleted, StatusFailed, StatusInterrupted},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to CommandStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders commands; higher values are dispatched first.
type Priority int

const (
	PriorityLow       Priority = 0
	PriorityNormal    Priority = 100
	PriorityHigh      Priority = 200
	PriorityEmergency Priority = 300
)

var priorityNames = map[string]Priority{
	"low":       PriorityLow,
	"normal":    PriorityNormal,
	"high":      PriorityHigh,
	"emergency": PriorityEmergency,
}

// ParsePriority accepts a named level or an integer.
func ParsePriority(s string) (Priority, error) {
	if p, ok := priorityNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return p, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return Priority(n), nil
}

// String returns the level name for the four named priorities.
func (p Priority) String() string {
	for name, v := range priorityNames {
		if v == p {
			return name
		}
	}
	return strconv.Itoa(int(p))
}

// UnmarshalJSON accepts either a number or a level name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Priority(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.New("priority must be a number or a level name")
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ExecutionConstraints bound a single command run.
type ExecutionConstraints struct {
	TimeLimitMs int64 `json:"timeLimitMs,omitempty"`
	TokenBudget int   `json:"tokenBudget,omitempty"`
}

// TimeLimit returns the configured limit, or zero when unbounded.
func (c ExecutionConstraints) TimeLimit() time.Duration {
	return time.Duration(c.TimeLimitMs) * time.Millisecond
}

// Command is the durable record of one unit of work submitted by a user.
type Command struct {
	ID            string               `json:"id"`
	Type          CommandType          `json:"type"`
	Prompt        string               `json:"prompt"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
	Priority      Priority             `json:"priority"`
	Status        CommandStatus        `json:"status"`
	UserID        string               `json:"userId"`
	AgentID       string               `json:"agentId,omitempty"`
	TargetAgentID string               `json:"targetAgentId,omitempty"`
	AgentType     AgentType            `json:"agentType,omitempty"`
	Constraints   ExecutionConstraints `json:"constraints,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	StartedAt     *time.Time           `json:"startedAt,omitempty"`
	CompletedAt   *time.Time           `json:"completedAt,omitempty"`
	Error         string               `json:"error,omitempty"`
	Recoverable   bool                 `json:"recoverable,omitempty"`
	Result        json.RawMessage      `json:"result,omitempty"`
	RetryOf       string               `json:"retryOf,omitempty"`
	Attempt       int                  `json:"attempt"`
	// ExcludeAgents lists agents that already crashed running this work.
	ExcludeAgents []string `json:"excludeAgents,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c *Command) Clone() *Command {
	cp := *c
	if c.StartedAt != nil {
		t := *c.StartedAt
		cp.StartedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Payload = append(json.RawMessage(nil), c.Payload...)
	cp.Result = append(json.RawMessage(nil), c.Result...)
	cp.ExcludeAgents = append([]string(nil), c.ExcludeAgents...)
	return &cp
}
