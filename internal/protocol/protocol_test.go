package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/foreman/internal/model"
)

func TestNewEnvelope(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	msg, err := NewAt(MsgCommandAck, CommandRefPayload{CommandID: "c1"}, now)
	require.NoError(t, err)

	assert.NoError(t, ValidateID(msg.ID))
	assert.Equal(t, now.UnixMilli(), msg.Timestamp)

	data, err := msg.Encode()
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	var ack CommandRefPayload
	require.NoError(t, decoded.DecodePayload(&ack))
	assert.Equal(t, "c1", ack.CommandID)
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID(uuid.NewString()))

	for _, bad := range []string{
		"",
		"not-a-uuid",
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8", // v1
		"{" + uuid.NewString() + "}",
		"urn:uuid:" + uuid.NewString(),
	} {
		err := ValidateID(bad)
		var pe *Error
		require.True(t, errors.As(err, &pe), "id %q should be rejected", bad)
		assert.Equal(t, CodeInvalidID, pe.Code)
		assert.True(t, pe.Recoverable)
	}
}

func TestValidateEnvelopeFreshness(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		offset  time.Duration
		wantErr bool
	}{
		{"current", 0, false},
		{"four minutes old", -4 * time.Minute, false},
		{"four minutes ahead", 4 * time.Minute, false},
		{"six minutes old", -6 * time.Minute, true},
		{"six minutes ahead", 6 * time.Minute, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := NewAt(MsgAgentHeartbeat, HeartbeatPayload{AgentID: "a"}, now.Add(tc.offset))
			require.NoError(t, err)
			err = ValidateEnvelope(msg, now, 5*time.Minute)
			if tc.wantErr {
				require.Error(t, err)
				assert.Equal(t, CodeStaleMessage, AsError(err).Code)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSeenIDs(t *testing.T) {
	seen := NewSeenIDs(2)
	assert.NoError(t, seen.Check("a"))
	assert.NoError(t, seen.Check("b"))

	err := seen.Check("a")
	require.Error(t, err)
	assert.Equal(t, CodeDuplicateMessage, AsError(err).Code)

	// "c" evicts the oldest id
	assert.NoError(t, seen.Check("c"))
	assert.Equal(t, 2, seen.Len())
	assert.NoError(t, seen.Check("a"))
}

func TestDecodePayloadErrors(t *testing.T) {
	msg := &Message{Type: MsgCommandAck}
	err := msg.DecodePayload(&CommandRefPayload{})
	assert.Equal(t, CodeInvalidPayload, AsError(err).Code)

	msg.Payload = json.RawMessage(`{"commandId":""}`)
	err = msg.DecodePayload(&CommandRefPayload{})
	assert.Equal(t, CodeInvalidPayload, AsError(err).Code)

	_, err = Decode([]byte("{"))
	assert.Equal(t, CodeInvalidMessage, AsError(err).Code)
}

func TestCommandSubmitValidate(t *testing.T) {
	p := CommandSubmitPayload{Prompt: "echo hi", Priority: model.PriorityHigh}
	require.NoError(t, p.Validate())
	assert.Equal(t, model.CommandNatural, p.Type)

	empty := CommandSubmitPayload{Type: model.CommandShell}
	assert.Error(t, empty.Validate())

	badAgent := CommandSubmitPayload{Prompt: "x", AgentType: "eliza"}
	assert.Error(t, badAgent.Validate())
}

func TestInboundTypes(t *testing.T) {
	assert.True(t, IsAgentInbound(MsgCommandComplete))
	assert.False(t, IsAgentInbound(MsgCommandSubmit))
	assert.True(t, IsDashboardInbound(MsgDashboardInterrupt))
	assert.False(t, IsDashboardInbound(MsgAgentConnect))
}

func TestErrorCloseCode(t *testing.T) {
	assert.Equal(t, CloseHandshakeRequired, NewError(CodeHandshakeRequired, "x", false).CloseCode())
	assert.Equal(t, CloseAgentReplaced, NewError(CodeAgentReplaced, "x", false).CloseCode())
	assert.Equal(t, CloseProtocolViolation, NewError(CodeInvalidMessage, "x", false).CloseCode())
	assert.Equal(t, CodeInternal, AsError(errors.New("boom")).Code)
}

func decodeAs[T any](t *testing.T, typ MessageType, payload string) (*T, error) {
	t.Helper()
	var v T
	msg := &Message{Type: typ, Payload: json.RawMessage(payload)}
	return &v, msg.DecodePayload(&v)
}

func TestAgentErrorPayloadFields(t *testing.T) {
	p, err := decodeAs[AgentErrorPayload](t, MsgAgentError,
		`{"agentId":"a1","commandId":"c","errorType":"CRASH","message":"boom","recoverable":true,"details":{"exitCode":139}}`)
	require.NoError(t, err)
	assert.Equal(t, "CRASH", p.ErrorType)
	assert.Equal(t, "boom", p.Message)
	assert.True(t, p.Recoverable)
	assert.JSONEq(t, `{"exitCode":139}`, string(p.Details))

	legacy, err := decodeAs[AgentErrorPayload](t, MsgAgentError, `{"commandId":"c","code":"PROCESS_FAILED","error":"exit status 2"}`)
	require.NoError(t, err)
	assert.Equal(t, "PROCESS_FAILED", legacy.ErrorType)
	assert.Equal(t, "exit status 2", legacy.Message)

	typeOnly, err := decodeAs[AgentErrorPayload](t, MsgAgentError, `{"errorType":"OOM"}`)
	require.NoError(t, err)
	assert.Equal(t, "OOM", typeOnly.Message)

	_, err = decodeAs[AgentErrorPayload](t, MsgAgentError, `{"agentId":"a1"}`)
	assert.Equal(t, CodeInvalidPayload, AsError(err).Code)

	out, err := json.Marshal(&AgentErrorPayload{AgentID: "a1", ErrorType: "CRASH", Message: "boom"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"errorType":"CRASH"`)
	assert.Contains(t, string(out), `"message":"boom"`)
}

func TestTraceEventPayloadIsFlat(t *testing.T) {
	p, err := decodeAs[TraceEventPayload](t, MsgTraceEvent,
		`{"id":"t1","commandId":"c","agentId":"a1","type":"TOOL_CALL","name":"Bash","startedAt":"2025-01-01T00:00:00Z"}`)
	require.NoError(t, err)
	assert.Equal(t, "t1", p.ID)
	assert.Equal(t, model.TraceToolCall, p.Type)
	assert.Equal(t, "Bash", p.Name)

	nested, err := decodeAs[TraceEventPayload](t, MsgTraceEvent,
		`{"entry":{"id":"t2","commandId":"c","type":"RESPONSE","startedAt":"2025-01-01T00:00:00Z"}}`)
	require.NoError(t, err)
	assert.Equal(t, "t2", nested.ID)

	out, err := json.Marshal(&TraceEventPayload{TraceEntry: p.TraceEntry})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"id":"t1"`)
	assert.NotContains(t, string(out), `"entry"`)
}

func TestHeartbeatPayloadHealthMetrics(t *testing.T) {
	p, err := decodeAs[HeartbeatPayload](t, MsgAgentHeartbeat,
		`{"agentId":"a1","healthMetrics":{"cpuPercent":12.5,"uptimeSeconds":30,"commandsProcessed":4}}`)
	require.NoError(t, err)
	require.NotNil(t, p.HealthMetrics)
	assert.Equal(t, 12.5, p.HealthMetrics.CPUPercent)
	assert.EqualValues(t, 4, p.HealthMetrics.CommandsProcessed)

	legacy, err := decodeAs[HeartbeatPayload](t, MsgAgentHeartbeat, `{"agentId":"a1","health":{"uptimeSeconds":9}}`)
	require.NoError(t, err)
	require.NotNil(t, legacy.HealthMetrics)
	assert.EqualValues(t, 9, legacy.HealthMetrics.UptimeSeconds)
}

func TestCommandEventCarriesCommandID(t *testing.T) {
	p := NewCommandEvent(&model.Command{ID: "c1", AgentID: "a1"}, "")
	out, err := json.Marshal(p)
	require.NoError(t, err)

	var wire struct {
		CommandID string `json:"commandId"`
		AgentID   string `json:"agentId"`
	}
	require.NoError(t, json.Unmarshal(out, &wire))
	assert.Equal(t, "c1", wire.CommandID)
	assert.Equal(t, "a1", wire.AgentID)
}
