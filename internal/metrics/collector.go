package metrics

import (
	"context"

	"grimm.is/foreman/internal/logging"
)

// QueueSnapshot is the subset of queue metrics sampled into gauges.
type QueueSnapshot struct {
	Waiting           int
	Delayed           int
	Active            int
	ThroughputPerHour float64
}

// QueueSource reports queue depth.
type QueueSource interface {
	Snapshot() QueueSnapshot
}

// AgentSource reports how many agents are in each status.
type AgentSource interface {
	StatusCounts() map[string]int
}

// EventSource reports event bus counters.
type EventSource interface {
	Stats() (published, dropped uint64)
}

// Collector samples gauge-style state from the orchestrator components.
// It runs as a scheduler task.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	queue    QueueSource
	agents   AgentSource
	events   EventSource
}

// NewCollector creates a collector; nil sources are skipped.
func NewCollector(reg *Registry, logger *logging.Logger, queue QueueSource, agents AgentSource, events EventSource) *Collector {
	return &Collector{
		registry: OrGet(reg),
		logger:   logging.OrDefault(logger).WithComponent("metrics"),
		queue:    queue,
		agents:   agents,
		events:   events,
	}
}

// Collect samples every source once. Its signature matches scheduler.TaskFunc.
func (c *Collector) Collect(ctx context.Context) error {
	if c.queue != nil {
		snap := c.queue.Snapshot()
		c.registry.QueueJobs.WithLabelValues("waiting").Set(float64(snap.Waiting))
		c.registry.QueueJobs.WithLabelValues("delayed").Set(float64(snap.Delayed))
		c.registry.QueueJobs.WithLabelValues("active").Set(float64(snap.Active))
		c.registry.QueueThroughput.Set(snap.ThroughputPerHour)
	}

	if c.agents != nil {
		c.registry.AgentsByStatus.Reset()
		for status, n := range c.agents.StatusCounts() {
			c.registry.AgentsByStatus.WithLabelValues(status).Set(float64(n))
		}
	}

	if c.events != nil {
		published, dropped := c.events.Stats()
		c.registry.EventsPublished.Set(float64(published))
		c.registry.EventsDropped.Set(float64(dropped))
	}

	c.logger.Debug("metrics collected")
	return ctx.Err()
}
