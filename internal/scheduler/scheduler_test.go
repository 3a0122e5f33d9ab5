package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/foreman/internal/clock"
)

func newScheduler(t *testing.T) (*Scheduler, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(clk, nil)
	t.Cleanup(s.Stop)
	return s, clk
}

func statusOf(s *Scheduler, name string) TaskStatus {
	for _, st := range s.Status() {
		if st.Name == name {
			return st
		}
	}
	return TaskStatus{}
}

func TestAddValidates(t *testing.T) {
	s, _ := newScheduler(t)
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, s.Add(Task{Every: time.Second, Run: noop}))
	assert.Error(t, s.Add(Task{Name: "x", Run: noop}))
	assert.Error(t, s.Add(Task{Name: "x", Every: time.Second}))

	require.NoError(t, s.Add(Task{Name: "x", Every: time.Second, Run: noop}))
	assert.Error(t, s.Add(Task{Name: "x", Every: time.Second, Run: noop}), "duplicate name")
}

func TestRunsOnInterval(t *testing.T) {
	s, clk := newScheduler(t)
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{
		Name:  "sweep",
		Every: 5 * time.Second,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start(context.Background())
	clk.Advance(4 * time.Second)
	assert.Zero(t, runs.Load())

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return statusOf(s, "sweep").Runs == 1 }, time.Second, 5*time.Millisecond)

	clk.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return statusOf(s, "sweep").Runs == 2 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, runs.Load())
}

func TestRunOnStart(t *testing.T) {
	s, _ := newScheduler(t)
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Add(Task{
		Name:       "prune",
		Every:      time.Hour,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		},
	}))

	s.Start(context.Background())
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task did not run on start")
	}
}

func TestNoOverlap(t *testing.T) {
	s, clk := newScheduler(t)
	release := make(chan struct{})
	var concurrent, peak atomic.Int32
	require.NoError(t, s.Add(Task{
		Name:  "slow",
		Every: time.Second,
		Run: func(ctx context.Context) error {
			n := concurrent.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			<-release
			concurrent.Add(-1)
			return nil
		},
	}))
	s.Start(context.Background())

	require.NoError(t, s.RunNow("slow"))
	require.Eventually(t, func() bool { return statusOf(s, "slow").Running }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.RunNow("slow"), ErrTaskRunning)
	clk.Advance(10 * time.Second)

	close(release)
	require.Eventually(t, func() bool { return statusOf(s, "slow").Runs == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, peak.Load())
}

func TestFailuresRecorded(t *testing.T) {
	s, _ := newScheduler(t)
	require.NoError(t, s.Add(Task{
		Name:  "fails",
		Every: time.Hour,
		Run:   func(ctx context.Context) error { return errors.New("boom") },
	}))

	assert.ErrorIs(t, s.RunNow("fails"), ErrNotStarted)
	s.Start(context.Background())
	require.NoError(t, s.RunNow("fails"))
	require.Eventually(t, func() bool { return statusOf(s, "fails").Runs == 1 }, time.Second, 5*time.Millisecond)

	st := statusOf(s, "fails")
	assert.EqualValues(t, 1, st.Failures)
	assert.Equal(t, "boom", st.LastError)
	assert.ErrorIs(t, s.RunNow("missing"), ErrUnknownTask)
}

func TestTimeoutCancelsRun(t *testing.T) {
	s, _ := newScheduler(t)
	require.NoError(t, s.Add(Task{
		Name:    "stuck",
		Every:   time.Hour,
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	s.Start(context.Background())
	require.NoError(t, s.RunNow("stuck"))

	require.Eventually(t, func() bool { return statusOf(s, "stuck").Failures == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, statusOf(s, "stuck").LastError, "deadline")
}

func TestStopCancelsAndDisarms(t *testing.T) {
	s, clk := newScheduler(t)
	started := make(chan struct{})
	require.NoError(t, s.Add(Task{
		Name:  "long",
		Every: time.Second,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	require.NoError(t, s.Add(Task{
		Name:  "idle",
		Every: time.Minute,
		Run:   func(ctx context.Context) error { return nil },
	}))
	s.Start(context.Background())
	require.NoError(t, s.RunNow("long"))
	<-started

	s.Stop()
	assert.Zero(t, clk.Pending())
	// Cancellation by Stop is not a failure.
	assert.Zero(t, statusOf(s, "long").Failures)
	clk.Advance(time.Hour)
	assert.Zero(t, statusOf(s, "idle").Runs)
}

func TestHousekeepingTasks(t *testing.T) {
	noop := func(ctx context.Context) error { return nil }
	h := Housekeeping{SweepAgents: noop, PruneJobs: noop, CleanupLimits: noop, AgentSweepEvery: 3 * time.Second}

	tasks := h.Tasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, TaskAgentSweep, tasks[0].Name)
	assert.Equal(t, 3*time.Second, tasks[0].Every)
	assert.Equal(t, TaskJobPrune, tasks[1].Name)
	assert.True(t, tasks[1].RunOnStart)
	assert.Equal(t, TaskLimitCleanup, tasks[2].Name)

	s, _ := newScheduler(t)
	require.NoError(t, Register(s, h))
	names := []string{}
	for _, st := range s.Status() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{TaskAgentSweep, TaskJobPrune, TaskLimitCleanup}, names)
}
