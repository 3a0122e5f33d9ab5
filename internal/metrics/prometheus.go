// Package metrics exposes orchestrator metrics to Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all orchestrator metrics.
type Registry struct {
	// Queue metrics
	QueueJobs          *prometheus.GaugeVec
	JobsTotal          *prometheus.CounterVec
	QueueWaitSeconds   prometheus.Histogram
	JobDurationSeconds prometheus.Histogram
	QueueThroughput    prometheus.Gauge

	// Command lifecycle
	CommandsTotal   *prometheus.CounterVec
	InterruptsTotal *prometheus.CounterVec

	// Agents
	AgentsByStatus    *prometheus.GaugeVec
	HeartbeatTimeouts prometheus.Counter

	// Transport
	ConnectionsActive *prometheus.GaugeVec
	MessagesTotal     *prometheus.CounterVec
	MessagesRejected  *prometheus.CounterVec
	SendFailures      *prometheus.CounterVec

	// Events
	EventsPublished prometheus.Gauge
	EventsDropped   prometheus.Gauge

	// Traces
	TraceEntries         prometheus.Counter
	TraceOrphansPromoted prometheus.Counter

	// API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// Get returns the process-wide registry backed by the default Prometheus
// registerer, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = New(prometheus.DefaultRegisterer)
	})
	return registry
}

// OrGet returns r, or the process-wide registry when r is nil.
func OrGet(r *Registry) *Registry {
	if r == nil {
		return Get()
	}
	return r
}

// New registers a fresh set of collectors with reg. Tests pass a
// prometheus.NewRegistry() to stay isolated.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{}

	r.QueueJobs = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "foreman_queue_jobs",
		Help: "Jobs currently held by the queue, by state",
	}, []string{"state"})

	r.JobsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_queue_job_events_total",
		Help: "Queue job transitions, by event",
	}, []string{"event"})

	r.QueueWaitSeconds = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "foreman_queue_wait_seconds",
		Help:    "Time from enqueue to dispatch",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	r.JobDurationSeconds = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "foreman_job_duration_seconds",
		Help:    "Time from dispatch to a terminal state",
		Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
	})

	r.QueueThroughput = f.NewGauge(prometheus.GaugeOpts{
		Name: "foreman_queue_throughput_per_hour",
		Help: "Jobs finished during the last hour",
	})

	r.CommandsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_commands_total",
		Help: "Commands reaching a lifecycle state",
	}, []string{"status"})

	r.InterruptsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_interrupts_total",
		Help: "Interrupt requests, by outcome",
	}, []string{"outcome"})

	r.AgentsByStatus = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "foreman_agents",
		Help: "Known agents, by status",
	}, []string{"status"})

	r.HeartbeatTimeouts = f.NewCounter(prometheus.CounterOpts{
		Name: "foreman_agent_heartbeat_timeouts_total",
		Help: "Agents marked offline after heartbeat silence",
	})

	r.ConnectionsActive = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "foreman_connections",
		Help: "Open WebSocket connections, by kind",
	}, []string{"kind"})

	r.MessagesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_protocol_messages_total",
		Help: "Protocol messages, by direction and type",
	}, []string{"direction", "type"})

	r.MessagesRejected = f.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_protocol_rejected_total",
		Help: "Inbound messages rejected at ingress, by error code",
	}, []string{"code"})

	r.SendFailures = f.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_broadcast_failures_total",
		Help: "Outbound sends that failed, by reason",
	}, []string{"reason"})

	r.EventsPublished = f.NewGauge(prometheus.GaugeOpts{
		Name: "foreman_events_published",
		Help: "Events published on the internal bus since start",
	})

	r.EventsDropped = f.NewGauge(prometheus.GaugeOpts{
		Name: "foreman_events_dropped",
		Help: "Events dropped because a subscriber was full",
	})

	r.TraceEntries = f.NewCounter(prometheus.CounterOpts{
		Name: "foreman_trace_entries_total",
		Help: "Trace entries ingested",
	})

	r.TraceOrphansPromoted = f.NewCounter(prometheus.CounterOpts{
		Name: "foreman_trace_orphans_promoted_total",
		Help: "Orphaned trace entries promoted to pseudo-roots",
	})

	r.APIRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_api_requests_total",
		Help: "HTTP API requests",
	}, []string{"method", "route", "status"})

	r.APILatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "foreman_api_request_duration_seconds",
		Help:    "HTTP API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	return r
}
