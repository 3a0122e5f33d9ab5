package agent

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"grimm.is/foreman/internal/model"
)

const maxResultTail = 64 << 10

// execution tracks one command on this host.
type execution struct {
	prompt  string
	started time.Time
	rootID  string
	tail    []byte
	partial []byte
}

// tracer turns supervisor activity into trace entries: one LLM_PROMPT root
// per command, TOOL_CALL children for tool-use lines in the output, and a
// RESPONSE child when the command ends.
type tracer struct {
	agentID   string
	enabled   bool
	toolCalls bool
}

func (t *tracer) prompt(commandID string, x *execution) []model.TraceEntry {
	if !t.enabled {
		return nil
	}
	x.rootID = uuid.NewString()
	content, _ := json.Marshal(map[string]string{"prompt": x.prompt})
	return []model.TraceEntry{{
		ID:        x.rootID,
		CommandID: commandID,
		AgentID:   t.agentID,
		Type:      model.TraceLLMPrompt,
		Name:      "prompt",
		Content:   content,
		StartedAt: x.started,
	}}
}

// toolUse is the subset of a streamed tool invocation line we read.
type toolUse struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// output keeps the result tail and extracts tool calls from complete lines.
func (t *tracer) output(commandID string, x *execution, data []byte, now time.Time) []model.TraceEntry {
	x.tail = append(x.tail, data...)
	if len(x.tail) > maxResultTail {
		x.tail = x.tail[len(x.tail)-maxResultTail:]
	}
	if !t.enabled || !t.toolCalls {
		return nil
	}

	x.partial = append(x.partial, data...)
	var out []model.TraceEntry
	for {
		i := bytes.IndexByte(x.partial, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(x.partial[:i])
		x.partial = x.partial[i+1:]
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var tu toolUse
		if json.Unmarshal(line, &tu) != nil || tu.Type != "tool_use" || tu.Name == "" {
			continue
		}
		out = append(out, model.TraceEntry{
			ID:        uuid.NewString(),
			CommandID: commandID,
			AgentID:   t.agentID,
			ParentID:  x.rootID,
			Type:      model.TraceToolCall,
			Name:      tu.Name,
			Content:   tu.Input,
			StartedAt: now,
		})
	}
	if len(x.partial) > maxResultTail {
		x.partial = nil
	}
	return out
}

// finish closes the root and adds the RESPONSE entry.
func (t *tracer) finish(commandID string, x *execution, errText string, now time.Time) []model.TraceEntry {
	if !t.enabled || x.rootID == "" {
		return nil
	}
	dur := now.Sub(x.started).Milliseconds()
	content, _ := json.Marshal(map[string]string{"output": string(x.tail)})
	root := model.TraceEntry{
		ID:          x.rootID,
		CommandID:   commandID,
		AgentID:     t.agentID,
		Type:        model.TraceLLMPrompt,
		Name:        "prompt",
		StartedAt:   x.started,
		CompletedAt: &now,
		DurationMs:  &dur,
		Error:       errText,
	}
	zero := int64(0)
	resp := model.TraceEntry{
		ID:          uuid.NewString(),
		CommandID:   commandID,
		AgentID:     t.agentID,
		ParentID:    x.rootID,
		Type:        model.TraceResponse,
		Name:        "response",
		Content:     content,
		StartedAt:   now,
		CompletedAt: &now,
		DurationMs:  &zero,
		Error:       errText,
	}
	return []model.TraceEntry{root, resp}
}
