package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(Config{Level: level, Output: &buf, JSON: true}), &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLevelFiltering(t *testing.T) {
	logger, buf := jsonLogger(LevelWarn)

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestWithComponent(t *testing.T) {
	logger, buf := jsonLogger(LevelDebug)

	logger.WithComponent("queue").Debug("job enqueued", "job", "j1")
	entry := decode(t, buf)
	assert.Equal(t, "queue", entry["component"])
	assert.Equal(t, "j1", entry["job"])
}

func TestAudit(t *testing.T) {
	logger, buf := jsonLogger(LevelInfo)

	logger.Audit("command.interrupt", "c-123", "user", "u1", "force", true)
	entry := decode(t, buf)
	assert.Equal(t, "audit", entry["msg"])
	assert.Equal(t, "command.interrupt", entry["action"])
	assert.Equal(t, "c-123", entry["command"])
	assert.Equal(t, "u1", entry["user"])
	assert.Equal(t, true, entry["force"])
}

func TestConsoleHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	SetProcessName("foreman")
	logger := New(Config{Level: LevelInfo, Output: &buf})

	logger.WithComponent("Registry").Info("agent online", "agent_id", "a1", "reason", "first connect")

	line := buf.String()
	for _, want := range []string{"foreman[", "[info] registry: agent online", "agent_id=a1", `reason="first connect"`} {
		assert.Contains(t, line, want)
	}
	assert.NotContains(t, line, "component=")
}

func TestConsoleHandlerGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})

	logger.WithGroup("job").Info("state", "id", "j1")
	assert.Contains(t, buf.String(), "job.id=j1")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{"WARN", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDefaultLogger(t *testing.T) {
	prev := Default()
	require.NotNil(t, prev)
	t.Cleanup(func() { SetDefault(prev) })

	logger, buf := jsonLogger(LevelInfo)
	SetDefault(logger)
	assert.Same(t, logger, OrDefault(nil))

	OrDefault(nil).Info("via default")
	assert.Contains(t, buf.String(), "via default")

	other, _ := jsonLogger(LevelInfo)
	assert.Same(t, other, OrDefault(other))
}
