// Package trace folds TRACE_EVENT entries into a per-command forest.
//
// Entries may arrive in any order. An entry whose parent has not arrived is
// held as an orphan; once it is older than the orphan age limit, or the
// command holds too many orphans, it is promoted to a pseudo-root. Promoted
// entries re-attach when their parent shows up, so the final tree depends
// only on the set of entries received, never on their order.
package trace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/foreman/internal/clock"
	"grimm.is/foreman/internal/config"
	"grimm.is/foreman/internal/logging"
	"grimm.is/foreman/internal/metrics"
	"grimm.is/foreman/internal/model"
)

// ErrNoTrace is returned for commands without any entries.
var ErrNoTrace = errors.New("no trace for command")

// Config bounds the orphan buffer and trace retention.
type Config struct {
	OrphanMaxAge   time.Duration
	OrphanMaxCount int
	// Retention drops a command's trace after this long without new entries.
	// Zero keeps traces until Forget.
	Retention time.Duration
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config {
	return Config{OrphanMaxAge: 10 * time.Second, OrphanMaxCount: 256, Retention: time.Hour}
}

// ConfigFrom reads the trace block.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	if t := cfg.Trace; t != nil {
		c.OrphanMaxAge = config.Duration(t.OrphanMaxAge, c.OrphanMaxAge)
		if t.OrphanMaxCount > 0 {
			c.OrphanMaxCount = t.OrphanMaxCount
		}
		c.Retention = config.Duration(t.Retention, c.Retention)
	}
	return c
}

type commandTrace struct {
	entries map[string]*model.TraceEntry
	// pending maps orphan ids to when they were buffered.
	pending    map[string]time.Time
	promoted   map[string]bool
	lastUpdate time.Time
	stats      *Stats
}

// Aggregator holds the trace forest of every recent command.
type Aggregator struct {
	mu      sync.Mutex
	cmds    map[string]*commandTrace
	cfg     Config
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry
}

// New creates an aggregator.
func New(cfg Config, clk clock.Clock, logger *logging.Logger, reg *metrics.Registry) *Aggregator {
	if cfg.OrphanMaxCount <= 0 {
		cfg.OrphanMaxCount = DefaultConfig().OrphanMaxCount
	}
	return &Aggregator{
		cmds:    make(map[string]*commandTrace),
		cfg:     cfg,
		clock:   clock.OrReal(clk),
		logger:  logging.OrDefault(logger).WithComponent("trace"),
		metrics: metrics.OrGet(reg),
	}
}

// Ingest adds or updates an entry. Re-ingesting an id merges its
// completion fields into the stored entry.
func (a *Aggregator) Ingest(entry model.TraceEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("ingest trace entry: %w", err)
	}
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	ct, ok := a.cmds[entry.CommandID]
	if !ok {
		ct = &commandTrace{
			entries:  make(map[string]*model.TraceEntry),
			pending:  make(map[string]time.Time),
			promoted: make(map[string]bool),
		}
		a.cmds[entry.CommandID] = ct
	}
	ct.lastUpdate = now
	ct.stats = nil

	if existing, ok := ct.entries[entry.ID]; ok {
		merge(existing, &entry)
		return nil
	}

	e := entry
	ct.entries[e.ID] = &e
	a.metrics.TraceEntries.Inc()

	// Orphans waiting for this entry are now attached.
	for id := range ct.pending {
		if ct.entries[id].ParentID == e.ID {
			delete(ct.pending, id)
		}
	}

	if e.ParentID != "" {
		if _, ok := ct.entries[e.ParentID]; !ok {
			ct.pending[e.ID] = now
			a.enforceOrphanLimit(ct)
		}
	}
	return nil
}

// merge copies completion data from update into e.
func merge(e, update *model.TraceEntry) {
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		e.CompletedAt = &t
	}
	if update.DurationMs != nil {
		d := *update.DurationMs
		e.DurationMs = &d
	}
	if update.TokensUsed != nil {
		n := *update.TokensUsed
		e.TokensUsed = &n
	}
	if update.Error != "" {
		e.Error = update.Error
	}
	if len(update.Content) > 0 {
		e.Content = append(e.Content[:0:0], update.Content...)
	}
	if e.Name == "" {
		e.Name = update.Name
	}
}

// enforceOrphanLimit promotes the oldest orphans beyond the count limit.
func (a *Aggregator) enforceOrphanLimit(ct *commandTrace) {
	excess := len(ct.pending) - a.cfg.OrphanMaxCount
	if excess <= 0 {
		return
	}
	ids := make([]string, 0, len(ct.pending))
	for id := range ct.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := ct.pending[ids[i]], ct.pending[ids[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids[:excess] {
		a.promote(ct, id)
	}
}

func (a *Aggregator) promote(ct *commandTrace, id string) {
	delete(ct.pending, id)
	ct.promoted[id] = true
	ct.stats = nil
	a.metrics.TraceOrphansPromoted.Inc()
}

// Sweep promotes orphans older than the age limit and drops traces past
// their retention.
func (a *Aggregator) Sweep(now time.Time) (promoted, dropped int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for cmdID, ct := range a.cmds {
		if a.cfg.Retention > 0 && now.Sub(ct.lastUpdate) > a.cfg.Retention {
			delete(a.cmds, cmdID)
			dropped++
			continue
		}
		for id, since := range ct.pending {
			if now.Sub(since) >= a.cfg.OrphanMaxAge {
				a.promote(ct, id)
				promoted++
			}
		}
	}
	if promoted > 0 || dropped > 0 {
		a.logger.Debug("trace sweep", "promoted", promoted, "dropped", dropped)
	}
	return promoted, dropped
}

// Task is the scheduler hook for periodic sweeps.
func (a *Aggregator) Task(ctx context.Context) error {
	a.Sweep(a.clock.Now())
	return ctx.Err()
}

// Forget drops a command's trace.
func (a *Aggregator) Forget(commandID string) {
	a.mu.Lock()
	delete(a.cmds, commandID)
	a.mu.Unlock()
}

// Has reports whether any entry exists for the command.
func (a *Aggregator) Has(commandID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.cmds[commandID]
	return ok
}
