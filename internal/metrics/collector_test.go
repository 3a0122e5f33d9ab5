package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeQueue struct{ snap QueueSnapshot }

func (f fakeQueue) Snapshot() QueueSnapshot { return f.snap }

type fakeAgents map[string]int

func (f fakeAgents) StatusCounts() map[string]int { return f }

type fakeEvents struct{ published, dropped uint64 }

func (f fakeEvents) Stats() (uint64, uint64) { return f.published, f.dropped }

func TestCollector_Collect(t *testing.T) {
	reg := New(prometheus.NewRegistry())
	c := NewCollector(reg, nil,
		fakeQueue{QueueSnapshot{Waiting: 3, Delayed: 1, Active: 2, ThroughputPerHour: 12}},
		fakeAgents{"ONLINE": 2, "OFFLINE": 1},
		fakeEvents{published: 10, dropped: 1},
	)

	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if got := testutil.ToFloat64(reg.QueueJobs.WithLabelValues("waiting")); got != 3 {
		t.Errorf("waiting gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(reg.QueueJobs.WithLabelValues("active")); got != 2 {
		t.Errorf("active gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(reg.QueueThroughput); got != 12 {
		t.Errorf("throughput gauge = %v, want 12", got)
	}
	if got := testutil.ToFloat64(reg.AgentsByStatus.WithLabelValues("ONLINE")); got != 2 {
		t.Errorf("online agents = %v, want 2", got)
	}
	if got := testutil.ToFloat64(reg.EventsDropped); got != 1 {
		t.Errorf("dropped events = %v, want 1", got)
	}
}

func TestCollector_NilSources(t *testing.T) {
	reg := New(prometheus.NewRegistry())
	c := NewCollector(reg, nil, nil, nil, nil)
	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("Collect with no sources failed: %v", err)
	}
}

func TestNewRegistriesAreIsolated(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.HeartbeatTimeouts.Inc()
	if got := testutil.ToFloat64(b.HeartbeatTimeouts); got != 0 {
		t.Errorf("registries share state: %v", got)
	}
}
