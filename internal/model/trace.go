package model

import (
	"encoding/json"
	"errors"
	"time"
)

// TraceType classifies a step of agent execution.
type TraceType string

const (
	TraceLLMPrompt TraceType = "LLM_PROMPT"
	TraceToolCall  TraceType = "TOOL_CALL"
	TraceResponse  TraceType = "RESPONSE"
)

// TraceEntry is one node of a command's execution trace.
type TraceEntry struct {
	ID          string          `json:"id"`
	CommandID   string          `json:"commandId"`
	AgentID     string          `json:"agentId"`
	ParentID    string          `json:"parentId,omitempty"`
	Type        TraceType       `json:"type"`
	Name        string          `json:"name,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	DurationMs  *int64          `json:"durationMs,omitempty"`
	TokensUsed  *int            `json:"tokensUsed,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Validate checks the fields the aggregator relies on.
func (e *TraceEntry) Validate() error {
	switch {
	case e.ID == "":
		return errors.New("trace entry id is required")
	case e.CommandID == "":
		return errors.New("trace entry commandId is required")
	case e.StartedAt.IsZero():
		return errors.New("trace entry startedAt is required")
	case e.ParentID == e.ID:
		return errors.New("trace entry cannot be its own parent")
	}
	switch e.Type {
	case TraceLLMPrompt, TraceToolCall, TraceResponse:
		return nil
	}
	return errors.New("unknown trace entry type " + string(e.Type))
}

// Duration returns the entry's duration, deriving it from timestamps if needed.
func (e *TraceEntry) Duration() (time.Duration, bool) {
	if e.DurationMs != nil {
		return time.Duration(*e.DurationMs) * time.Millisecond, true
	}
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(e.StartedAt), true
	}
	return 0, false
}
