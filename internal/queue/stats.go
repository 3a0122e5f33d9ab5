package queue

import (
	"encoding/json"
	"time"

	"grimm.is/foreman/internal/metrics"
	"grimm.is/foreman/internal/model"
)

// Metrics summarizes queue state and history. The averages travel as
// milliseconds in JSON.
type Metrics struct {
	Waiting           int           `json:"waiting"`
	Delayed           int           `json:"delayed"`
	Active            int           `json:"active"`
	Completed         int           `json:"completed"`
	Failed            int           `json:"failed"`
	Interrupted       int           `json:"interrupted"`
	AvgWaitTime       time.Duration `json:"avgWaitTime"`
	AvgProcessingTime time.Duration `json:"avgProcessingTime"`
	ThroughputPerHour float64       `json:"throughputPerHour"`
}

type metricsJSON Metrics

// MarshalJSON writes the averages as whole milliseconds.
func (m Metrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		metricsJSON
		AvgWaitTime       int64 `json:"avgWaitTime"`
		AvgProcessingTime int64 `json:"avgProcessingTime"`
	}{metricsJSON(m), m.AvgWaitTime.Milliseconds(), m.AvgProcessingTime.Milliseconds()})
}

func (m *Metrics) UnmarshalJSON(data []byte) error {
	aux := struct {
		*metricsJSON
		AvgWaitTime       int64 `json:"avgWaitTime"`
		AvgProcessingTime int64 `json:"avgProcessingTime"`
	}{metricsJSON: (*metricsJSON)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.AvgWaitTime = time.Duration(aux.AvgWaitTime) * time.Millisecond
	m.AvgProcessingTime = time.Duration(aux.AvgProcessingTime) * time.Millisecond
	return nil
}

type stats struct {
	completed   int
	failed      int
	interrupted int

	waitTotal time.Duration
	waitCount int
	procTotal time.Duration
	procCount int

	// recent holds finish times within the last hour, oldest first.
	recent []time.Time
}

func (s *stats) dispatched(wait time.Duration) {
	s.waitTotal += wait
	s.waitCount++
}

func (s *stats) processed(d time.Duration) {
	s.procTotal += d
	s.procCount++
}

func (s *stats) finished(state model.JobState, now time.Time) {
	switch state {
	case model.JobCompleted:
		s.completed++
	case model.JobFailed:
		s.failed++
	case model.JobInterrupted:
		s.interrupted++
	}
	s.recent = append(s.recent, now)
	s.trim(now)
}

// load folds in a job that finished before this process started.
func (s *stats) load(job *model.Job, now time.Time) {
	switch job.State {
	case model.JobCompleted:
		s.completed++
	case model.JobFailed:
		s.failed++
	case model.JobInterrupted:
		s.interrupted++
	default:
		return
	}
	if !job.DispatchedAt.IsZero() {
		if !job.QueuedAt.IsZero() {
			s.dispatched(job.DispatchedAt.Sub(job.QueuedAt))
		}
		if job.FinishedAt.After(job.DispatchedAt) {
			s.processed(job.FinishedAt.Sub(job.DispatchedAt))
		}
	}
	if job.FinishedAt.After(now.Add(-time.Hour)) {
		s.recent = append(s.recent, job.FinishedAt)
	}
}

func (s *stats) trim(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(s.recent) && s.recent[i].Before(cutoff) {
		i++
	}
	s.recent = s.recent[i:]
}

// Metrics returns counts by state plus average wait and processing times.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	q.stats.trim(now)

	m := Metrics{
		Waiting:           len(q.ready),
		Delayed:           len(q.delayed),
		Completed:         q.stats.completed,
		Failed:            q.stats.failed,
		Interrupted:       q.stats.interrupted,
		ThroughputPerHour: float64(len(q.stats.recent)),
	}
	for _, e := range q.jobs {
		if e.job.State == model.JobActive {
			m.Active++
		}
	}
	if q.stats.waitCount > 0 {
		m.AvgWaitTime = q.stats.waitTotal / time.Duration(q.stats.waitCount)
	}
	if q.stats.procCount > 0 {
		m.AvgProcessingTime = q.stats.procTotal / time.Duration(q.stats.procCount)
	}
	return m
}

// Snapshot implements metrics.QueueSource.
func (q *Queue) Snapshot() metrics.QueueSnapshot {
	m := q.Metrics()
	return metrics.QueueSnapshot{
		Waiting:           m.Waiting,
		Delayed:           m.Delayed,
		Active:            m.Active,
		ThroughputPerHour: m.ThroughputPerHour,
	}
}
