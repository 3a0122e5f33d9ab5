package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"time"
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for consistency. It expects defaults to
// have been applied and returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	checkDuration := func(field, value string, allowZero bool) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			add(field, "invalid duration %q", value)
			return
		}
		if d < 0 || (d == 0 && !allowZero) {
			add(field, "must be positive, got %s", value)
		}
	}

	if s := c.Server; s != nil {
		if _, _, err := net.SplitHostPort(s.Listen); err != nil {
			add("server.listen", "invalid address %q", s.Listen)
		}
		if s.MaxMessageSize < 1024 {
			add("server.max_message_size", "must be at least 1024 bytes")
		}
		if s.SendBuffer < 1 {
			add("server.send_buffer", "must be positive")
		}
		if s.SubmitRate < 0 {
			add("server.submit_rate", "must not be negative")
		}
		checkDuration("server.clock_skew", s.ClockSkew, false)
		checkDuration("server.close_delay", s.CloseDelay, true)
		checkDuration("server.ping_interval", s.PingInterval, false)
	}

	if q := c.Queue; q != nil {
		if q.Workers < 1 {
			add("queue.workers", "must be at least 1")
		}
		if q.MaxAttempts < 1 {
			add("queue.max_attempts", "must be at least 1")
		}
		checkDuration("queue.backoff_base", q.BackoffBase, false)
		checkDuration("queue.backoff_max", q.BackoffMax, false)
		checkDuration("queue.retention", q.Retention, false)
		if Duration(q.BackoffMax, 0) < Duration(q.BackoffBase, 0) {
			add("queue.backoff_max", "must not be shorter than backoff_base")
		}
	}

	if i := c.Interrupt; i != nil {
		checkDuration("interrupt.timeout", i.Timeout, false)
		checkDuration("interrupt.force_wait", i.ForceWait, true)
	}

	if r := c.Registry; r != nil {
		checkDuration("registry.heartbeat_timeout", r.HeartbeatTimeout, false)
		checkDuration("registry.sweep_interval", r.SweepInterval, false)
	}

	if d := c.Dispatch; d != nil {
		checkDuration("dispatch.ack_timeout", d.AckTimeout, false)
		if d.MaxRecoveries < 0 {
			add("dispatch.max_recoveries", "must not be negative")
		}
	}

	if t := c.Trace; t != nil {
		checkDuration("trace.orphan_max_age", t.OrphanMaxAge, false)
		checkDuration("trace.sweep_interval", t.SweepInterval, false)
		checkDuration("trace.retention", t.Retention, false)
		if t.OrphanMaxCount < 1 {
			add("trace.orphan_max_count", "must be at least 1")
		}
	}

	if l := c.Log; l != nil {
		switch l.Level {
		case "debug", "info", "warn", "warning", "error":
		default:
			add("log.level", "unknown level %q", l.Level)
		}
	}

	if a := c.Agent; a != nil {
		switch a.Type {
		case "claude", "codex", "gemini", "aider", "custom":
		default:
			add("agent.type", "unknown agent type %q", a.Type)
		}
		if u, err := url.Parse(a.ServerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			add("agent.server_url", "must be a ws:// or wss:// URL, got %q", a.ServerURL)
		}
		if a.CompletionPattern != "" {
			if _, err := regexp.Compile(a.CompletionPattern); err != nil {
				add("agent.completion_pattern", "invalid regexp: %v", err)
			}
		}
		if a.PTY && !a.Interactive {
			add("agent.pty", "requires interactive = true")
		}
		checkDuration("agent.stop_timeout", a.StopTimeout, false)
		checkDuration("agent.heartbeat_interval", a.HeartbeatInterval, false)
		checkDuration("agent.reconnect_min", a.ReconnectMin, false)
		checkDuration("agent.reconnect_max", a.ReconnectMax, false)
	}

	return errors.Join(errs...)
}
