// Package config handles Foreman's HCL configuration parsing and validation.
//
// # Overview
//
// HCL is the primary format; .json and .yaml/.yml files decode into the same
// structs. HCL files may call env("NAME", "fallback") to pull values from the
// process environment.
//
// # Configuration Blocks
//
//   - server: listen address, WebSocket limits, message freshness window
//   - queue: dispatch workers and retry backoff
//   - interrupt: interrupt timeout and forced-interrupt behaviour
//   - registry: heartbeat timeout and sweep interval
//   - dispatch: ack timeout and recoverable-failure requeue
//   - trace: orphan buffering bounds
//   - store: SQLite database path
//   - log: level and output format
//   - agent: agent host settings (executable, server URL, capabilities)
//
// Example:
//
//	server {
//	  listen = "127.0.0.1:7420"
//	}
//
//	queue {
//	  workers      = 4
//	  max_attempts = 3
//	  backoff_base = "2s"
//	}
//
//	agent {
//	  id      = env("FOREMAN_AGENT_ID", "local-claude")
//	  type    = "claude"
//	  command = "claude"
//	  args    = ["-p"]
//	}
//
// All durations are Go duration strings ("500ms", "30s", "5m").
package config
