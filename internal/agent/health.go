package agent

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/foreman/internal/model"
)

// healthTracker builds the resource report carried by heartbeats.
type healthTracker struct {
	mu        sync.Mutex
	started   time.Time
	lastWall  time.Time
	lastCPU   time.Duration
	processed int64
	respTotal time.Duration
}

func newHealthTracker(now time.Time) *healthTracker {
	return &healthTracker{started: now, lastWall: now, lastCPU: cpuTime()}
}

// done records one finished command.
func (h *healthTracker) done(d time.Duration) {
	h.mu.Lock()
	h.processed++
	h.respTotal += d
	h.mu.Unlock()
}

// snapshot reports CPU use since the previous snapshot, peak memory,
// uptime and command statistics.
func (h *healthTracker) snapshot(now time.Time) *model.Health {
	h.mu.Lock()
	defer h.mu.Unlock()

	cpu := cpuTime()
	var pct float64
	if wall := now.Sub(h.lastWall); wall > 0 {
		pct = float64(cpu-h.lastCPU) / float64(wall) * 100
	}
	h.lastWall, h.lastCPU = now, cpu

	out := &model.Health{
		CPUPercent:        pct,
		MemoryBytes:       maxRSS(),
		UptimeSeconds:     int64(now.Sub(h.started).Seconds()),
		CommandsProcessed: h.processed,
	}
	if h.processed > 0 {
		out.AvgResponseMs = float64(h.respTotal.Milliseconds()) / float64(h.processed)
	}
	return out
}

// cpuTime is user plus system time of this process and its reaped children.
func cpuTime() time.Duration {
	var total time.Duration
	for _, who := range []int{unix.RUSAGE_SELF, unix.RUSAGE_CHILDREN} {
		var ru unix.Rusage
		if err := unix.Getrusage(who, &ru); err != nil {
			continue
		}
		total += time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
	}
	return total
}

// maxRSS is the peak resident set in bytes (Linux reports kilobytes).
func maxRSS() uint64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return uint64(ru.Maxrss) * 1024
}
