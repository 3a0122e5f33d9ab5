// Package api implements the Foreman HTTP server.
//
// # Endpoints
//
//   - /ws/agent - agent hosts (AGENT_CONNECT handshake, then command traffic)
//   - /ws/dashboard - dashboards (command submission, interrupts, live output)
//   - /api/commands - command CRUD, execute and interrupt
//   - /api/agents, /api/queue/metrics, /api/traces/{commandId}
//   - /healthz, /metrics
//
// # Message Flow
//
//	Socket → readPump → ingress checks → agent/dashboard handler → lifecycle/registry/trace
//	events.Hub → fanout → broker → writePump → Socket
//
// Every inbound frame passes the same checks before routing: a canonical
// UUIDv4 id, a timestamp within the clock skew, an id not yet seen on this
// connection, a type allowed for the connection kind and a payload that
// decodes and validates. Rejections are answered with an error message and
// the connection stays open unless the error is unrecoverable, in which case
// connection:closing precedes the close by the configured delay.
package api
