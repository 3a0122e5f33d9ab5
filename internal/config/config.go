package config

import (
	"time"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level structure for the Foreman configuration.
type Config struct {
	// Schema version for forward compatibility; empty means CurrentSchemaVersion.
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty" yaml:"schema_version,omitempty"`

	Server    *ServerConfig    `hcl:"server,block" json:"server,omitempty" yaml:"server,omitempty"`
	Queue     *QueueConfig     `hcl:"queue,block" json:"queue,omitempty" yaml:"queue,omitempty"`
	Interrupt *InterruptConfig `hcl:"interrupt,block" json:"interrupt,omitempty" yaml:"interrupt,omitempty"`
	Registry  *RegistryConfig  `hcl:"registry,block" json:"registry,omitempty" yaml:"registry,omitempty"`
	Dispatch  *DispatchConfig  `hcl:"dispatch,block" json:"dispatch,omitempty" yaml:"dispatch,omitempty"`
	Trace     *TraceConfig     `hcl:"trace,block" json:"trace,omitempty" yaml:"trace,omitempty"`
	Store     *StoreConfig     `hcl:"store,block" json:"store,omitempty" yaml:"store,omitempty"`
	Log       *LogConfig       `hcl:"log,block" json:"log,omitempty" yaml:"log,omitempty"`
	Agent     *AgentConfig     `hcl:"agent,block" json:"agent,omitempty" yaml:"agent,omitempty"`
}

// ServerConfig configures the HTTP/WebSocket endpoint.
type ServerConfig struct {
	Listen         string   `hcl:"listen,optional" json:"listen,omitempty" yaml:"listen,omitempty"`
	MaxConnections int      `hcl:"max_connections,optional" json:"max_connections,omitempty" yaml:"max_connections,omitempty"`
	MaxMessageSize int      `hcl:"max_message_size,optional" json:"max_message_size,omitempty" yaml:"max_message_size,omitempty"`
	SendBuffer     int      `hcl:"send_buffer,optional" json:"send_buffer,omitempty" yaml:"send_buffer,omitempty"`
	ClockSkew      string   `hcl:"clock_skew,optional" json:"clock_skew,omitempty" yaml:"clock_skew,omitempty"`
	CloseDelay     string   `hcl:"close_delay,optional" json:"close_delay,omitempty" yaml:"close_delay,omitempty"`
	PingInterval   string   `hcl:"ping_interval,optional" json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`
	SeenIDs        int      `hcl:"seen_ids,optional" json:"seen_ids,omitempty" yaml:"seen_ids,omitempty"`
	UserHeader     string   `hcl:"user_header,optional" json:"user_header,omitempty" yaml:"user_header,omitempty"`
	AllowedOrigins []string `hcl:"allowed_origins,optional" json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
	// SubmitRate caps command submissions per user and minute; 0 disables.
	SubmitRate int `hcl:"submit_rate,optional" json:"submit_rate,omitempty" yaml:"submit_rate,omitempty"`
}

// QueueConfig configures the priority job queue and its dispatch workers.
type QueueConfig struct {
	Workers     int    `hcl:"workers,optional" json:"workers,omitempty" yaml:"workers,omitempty"`
	MaxAttempts int    `hcl:"max_attempts,optional" json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BackoffBase string `hcl:"backoff_base,optional" json:"backoff_base,omitempty" yaml:"backoff_base,omitempty"`
	BackoffMax  string `hcl:"backoff_max,optional" json:"backoff_max,omitempty" yaml:"backoff_max,omitempty"`
	Retention   string `hcl:"retention,optional" json:"retention,omitempty" yaml:"retention,omitempty"`
}

// InterruptConfig controls how running jobs are interrupted.
type InterruptConfig struct {
	Timeout   string `hcl:"timeout,optional" json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ForceWait string `hcl:"force_wait,optional" json:"force_wait,omitempty" yaml:"force_wait,omitempty"`
	// ForceSignal sends COMMAND_INTERRUPT to the agent even for forced interrupts.
	ForceSignal *bool `hcl:"force_signal,optional" json:"force_signal,omitempty" yaml:"force_signal,omitempty"`
}

// RegistryConfig controls agent liveness tracking.
type RegistryConfig struct {
	HeartbeatTimeout string `hcl:"heartbeat_timeout,optional" json:"heartbeat_timeout,omitempty" yaml:"heartbeat_timeout,omitempty"`
	SweepInterval    string `hcl:"sweep_interval,optional" json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`
}

// DispatchConfig controls command hand-off to agents.
type DispatchConfig struct {
	AckTimeout         string `hcl:"ack_timeout,optional" json:"ack_timeout,omitempty" yaml:"ack_timeout,omitempty"`
	RequeueRecoverable *bool  `hcl:"requeue_recoverable,optional" json:"requeue_recoverable,omitempty" yaml:"requeue_recoverable,omitempty"`
	MaxRecoveries      int    `hcl:"max_recoveries,optional" json:"max_recoveries,omitempty" yaml:"max_recoveries,omitempty"`
}

// TraceConfig bounds the orphan buffer of the trace aggregator.
type TraceConfig struct {
	OrphanMaxAge   string `hcl:"orphan_max_age,optional" json:"orphan_max_age,omitempty" yaml:"orphan_max_age,omitempty"`
	OrphanMaxCount int    `hcl:"orphan_max_count,optional" json:"orphan_max_count,omitempty" yaml:"orphan_max_count,omitempty"`
	SweepInterval  string `hcl:"sweep_interval,optional" json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`
	Retention      string `hcl:"retention,optional" json:"retention,omitempty" yaml:"retention,omitempty"`
}

// StoreConfig locates the durable record store.
type StoreConfig struct {
	Path string `hcl:"path,optional" json:"path,omitempty" yaml:"path,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty" yaml:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty" yaml:"json,omitempty"`
}

// AgentConfig configures an agent host: the process it supervises and the
// server it reports to.
type AgentConfig struct {
	ID        string `hcl:"id,optional" json:"id,omitempty" yaml:"id,omitempty"`
	Type      string `hcl:"type,optional" json:"type,omitempty" yaml:"type,omitempty"`
	Version   string `hcl:"version,optional" json:"version,omitempty" yaml:"version,omitempty"`
	ServerURL string `hcl:"server_url,optional" json:"server_url,omitempty" yaml:"server_url,omitempty"`

	Command string            `hcl:"command,optional" json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `hcl:"args,optional" json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `hcl:"env,optional" json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `hcl:"dir,optional" json:"dir,omitempty" yaml:"dir,omitempty"`

	// Interactive keeps one long-lived process and writes prompts to its input.
	Interactive       bool   `hcl:"interactive,optional" json:"interactive,omitempty" yaml:"interactive,omitempty"`
	PTY               bool   `hcl:"pty,optional" json:"pty,omitempty" yaml:"pty,omitempty"`
	CompletionPattern string `hcl:"completion_pattern,optional" json:"completion_pattern,omitempty" yaml:"completion_pattern,omitempty"`
	// ForwardInput gives one-shot runs a stdin pipe fed by TERMINAL_INPUT.
	// Otherwise they read from /dev/null.
	ForwardInput      bool   `hcl:"forward_input,optional" json:"forward_input,omitempty" yaml:"forward_input,omitempty"`
	InterruptSignal   string `hcl:"interrupt_signal,optional" json:"interrupt_signal,omitempty" yaml:"interrupt_signal,omitempty"`
	StopTimeout       string `hcl:"stop_timeout,optional" json:"stop_timeout,omitempty" yaml:"stop_timeout,omitempty"`

	HeartbeatInterval string `hcl:"heartbeat_interval,optional" json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`
	ReconnectMin      string `hcl:"reconnect_min,optional" json:"reconnect_min,omitempty" yaml:"reconnect_min,omitempty"`
	ReconnectMax      string `hcl:"reconnect_max,optional" json:"reconnect_max,omitempty" yaml:"reconnect_max,omitempty"`
	TraceToolCalls    bool   `hcl:"trace_tool_calls,optional" json:"trace_tool_calls,omitempty" yaml:"trace_tool_calls,omitempty"`

	Capabilities *CapabilitiesConfig `hcl:"capabilities,block" json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// CapabilitiesConfig is reported to the server in AGENT_CONNECT.
type CapabilitiesConfig struct {
	MaxTokens         int  `hcl:"max_tokens,optional" json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	SupportsInterrupt bool `hcl:"supports_interrupt,optional" json:"supports_interrupt,omitempty" yaml:"supports_interrupt,omitempty"`
	SupportsTrace     bool `hcl:"supports_trace,optional" json:"supports_trace,omitempty" yaml:"supports_trace,omitempty"`
}

// Default returns a fully populated configuration.
func Default() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		Server: &ServerConfig{
			Listen:         "127.0.0.1:7420",
			MaxConnections: 1024,
			MaxMessageSize: 1 << 20,
			SendBuffer:     256,
			ClockSkew:      "5m",
			CloseDelay:     "1s",
			PingInterval:   "30s",
			SeenIDs:        4096,
			UserHeader:     "X-Foreman-User",
		},
		Queue: &QueueConfig{
			Workers:     4,
			MaxAttempts: 3,
			BackoffBase: "2s",
			BackoffMax:  "2m",
			Retention:   "168h",
		},
		Interrupt: &InterruptConfig{
			Timeout:     "5s",
			ForceWait:   "0s",
			ForceSignal: boolPtr(true),
		},
		Registry: &RegistryConfig{
			HeartbeatTimeout: "30s",
			SweepInterval:    "5s",
		},
		Dispatch: &DispatchConfig{
			AckTimeout:         "15s",
			RequeueRecoverable: boolPtr(true),
			MaxRecoveries:      2,
		},
		Trace: &TraceConfig{
			OrphanMaxAge:   "10s",
			OrphanMaxCount: 256,
			SweepInterval:  "2s",
			Retention:      "1h",
		},
		Store: &StoreConfig{},
		Log:   &LogConfig{Level: "info"},
		Agent: &AgentConfig{
			Type:              "claude",
			ServerURL:         "ws://127.0.0.1:7420/ws/agent",
			InterruptSignal:   "SIGINT",
			StopTimeout:       "5s",
			HeartbeatInterval: "10s",
			ReconnectMin:      "1s",
			ReconnectMax:      "30s",
			Capabilities: &CapabilitiesConfig{
				SupportsInterrupt: true,
				SupportsTrace:     true,
			},
		},
	}
}

// ApplyDefaults fills every unset block and field from Default().
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.SchemaVersion == "" {
		c.SchemaVersion = d.SchemaVersion
	}

	if c.Server == nil {
		c.Server = d.Server
	} else {
		s := c.Server
		setString(&s.Listen, d.Server.Listen)
		setInt(&s.MaxConnections, d.Server.MaxConnections)
		setInt(&s.MaxMessageSize, d.Server.MaxMessageSize)
		setInt(&s.SendBuffer, d.Server.SendBuffer)
		setString(&s.ClockSkew, d.Server.ClockSkew)
		setString(&s.CloseDelay, d.Server.CloseDelay)
		setString(&s.PingInterval, d.Server.PingInterval)
		setInt(&s.SeenIDs, d.Server.SeenIDs)
		setString(&s.UserHeader, d.Server.UserHeader)
	}

	if c.Queue == nil {
		c.Queue = d.Queue
	} else {
		q := c.Queue
		setInt(&q.Workers, d.Queue.Workers)
		setInt(&q.MaxAttempts, d.Queue.MaxAttempts)
		setString(&q.BackoffBase, d.Queue.BackoffBase)
		setString(&q.BackoffMax, d.Queue.BackoffMax)
		setString(&q.Retention, d.Queue.Retention)
	}

	if c.Interrupt == nil {
		c.Interrupt = d.Interrupt
	} else {
		setString(&c.Interrupt.Timeout, d.Interrupt.Timeout)
		setString(&c.Interrupt.ForceWait, d.Interrupt.ForceWait)
		if c.Interrupt.ForceSignal == nil {
			c.Interrupt.ForceSignal = d.Interrupt.ForceSignal
		}
	}

	if c.Registry == nil {
		c.Registry = d.Registry
	} else {
		setString(&c.Registry.HeartbeatTimeout, d.Registry.HeartbeatTimeout)
		setString(&c.Registry.SweepInterval, d.Registry.SweepInterval)
	}

	if c.Dispatch == nil {
		c.Dispatch = d.Dispatch
	} else {
		setString(&c.Dispatch.AckTimeout, d.Dispatch.AckTimeout)
		if c.Dispatch.RequeueRecoverable == nil {
			c.Dispatch.RequeueRecoverable = d.Dispatch.RequeueRecoverable
		}
		setInt(&c.Dispatch.MaxRecoveries, d.Dispatch.MaxRecoveries)
	}

	if c.Trace == nil {
		c.Trace = d.Trace
	} else {
		setString(&c.Trace.OrphanMaxAge, d.Trace.OrphanMaxAge)
		setInt(&c.Trace.OrphanMaxCount, d.Trace.OrphanMaxCount)
		setString(&c.Trace.SweepInterval, d.Trace.SweepInterval)
		setString(&c.Trace.Retention, d.Trace.Retention)
	}

	if c.Store == nil {
		c.Store = d.Store
	}
	if c.Log == nil {
		c.Log = d.Log
	} else {
		setString(&c.Log.Level, d.Log.Level)
	}

	if c.Agent == nil {
		c.Agent = d.Agent
	} else {
		a := c.Agent
		setString(&a.Type, d.Agent.Type)
		setString(&a.ServerURL, d.Agent.ServerURL)
		setString(&a.InterruptSignal, d.Agent.InterruptSignal)
		setString(&a.StopTimeout, d.Agent.StopTimeout)
		setString(&a.HeartbeatInterval, d.Agent.HeartbeatInterval)
		setString(&a.ReconnectMin, d.Agent.ReconnectMin)
		setString(&a.ReconnectMax, d.Agent.ReconnectMax)
		if a.Capabilities == nil {
			a.Capabilities = d.Agent.Capabilities
		}
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func boolPtr(b bool) *bool { return &b }

// Duration parses a configured duration, returning def when s is empty or invalid.
// Validate reports invalid values; runtime accessors never fail.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Bool dereferences an optional flag.
func Bool(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// ClockSkewDuration is the tolerated message timestamp drift.
func (s *ServerConfig) ClockSkewDuration() time.Duration {
	return Duration(s.ClockSkew, 5*time.Minute)
}

// CloseDelayDuration is how long a connection:closing notice precedes the close.
func (s *ServerConfig) CloseDelayDuration() time.Duration {
	return Duration(s.CloseDelay, time.Second)
}

// PingIntervalDuration is the WebSocket keepalive period.
func (s *ServerConfig) PingIntervalDuration() time.Duration {
	return Duration(s.PingInterval, 30*time.Second)
}
