package trace

import (
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/foreman/internal/clock"
	"grimm.is/foreman/internal/metrics"
	"grimm.is/foreman/internal/model"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newAggregator(cfg Config) (*Aggregator, *clock.MockClock, *metrics.Registry) {
	clk := clock.NewMockClock(t0)
	reg := metrics.New(prometheus.NewRegistry())
	return New(cfg, clk, nil, reg), clk, reg
}

func entry(id, parent string, typ model.TraceType, startOffset, durMs int64) model.TraceEntry {
	e := model.TraceEntry{
		ID:        id,
		CommandID: "cmd",
		AgentID:   "agent",
		ParentID:  parent,
		Type:      typ,
		Name:      id,
		StartedAt: t0.Add(time.Duration(startOffset) * time.Millisecond),
	}
	if durMs > 0 {
		d := durMs
		e.DurationMs = &d
		done := e.StartedAt.Add(time.Duration(durMs) * time.Millisecond)
		e.CompletedAt = &done
	}
	return e
}

// shape renders a tree as nested ids for comparison.
func shape(nodes []*Node) []any {
	out := make([]any, 0, len(nodes))
	for _, n := range nodes {
		if len(n.Children) == 0 {
			out = append(out, n.ID)
			continue
		}
		out = append(out, map[string][]any{n.ID: shape(n.Children)})
	}
	return out
}

func sampleEntries() []model.TraceEntry {
	return []model.TraceEntry{
		entry("prompt", "", model.TraceLLMPrompt, 0, 1000),
		entry("tool-a", "prompt", model.TraceToolCall, 100, 200),
		entry("tool-b", "prompt", model.TraceToolCall, 400, 300),
		entry("nested", "tool-a", model.TraceToolCall, 150, 50),
		entry("answer", "prompt", model.TraceResponse, 900, 100),
	}
}

func TestGetTree_Shape(t *testing.T) {
	agg, _, _ := newAggregator(DefaultConfig())
	for _, e := range sampleEntries() {
		require.NoError(t, agg.Ingest(e))
	}

	tree, err := agg.GetTree("cmd")
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string][]any{"prompt": {
			map[string][]any{"tool-a": {"nested"}},
			"tool-b",
			"answer",
		}},
	}, shape(tree.Roots))
	assert.Equal(t, int64(1000), tree.TotalDurationMs)
	assert.Equal(t, 5, tree.EntryCount)
}

func TestGetTree_OrderIndependent(t *testing.T) {
	agg, _, _ := newAggregator(DefaultConfig())
	for _, e := range sampleEntries() {
		require.NoError(t, agg.Ingest(e))
	}
	want, _ := agg.GetTree("cmd")

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		entries := sampleEntries()
		rng.Shuffle(len(entries), func(a, b int) { entries[a], entries[b] = entries[b], entries[a] })

		other, _, _ := newAggregator(DefaultConfig())
		for _, e := range entries {
			require.NoError(t, other.Ingest(e))
		}
		got, err := other.GetTree("cmd")
		require.NoError(t, err)
		assert.Equal(t, shape(want.Roots), shape(got.Roots), "permutation %d", i)
		assert.Zero(t, got.PendingOrphans)
	}
}

func TestOrphans_BufferedThenPromotedThenReattached(t *testing.T) {
	agg, clk, reg := newAggregator(Config{OrphanMaxAge: 10 * time.Second, OrphanMaxCount: 100})

	require.NoError(t, agg.Ingest(entry("child", "parent", model.TraceToolCall, 10, 5)))
	require.NoError(t, agg.Ingest(entry("grandchild", "child", model.TraceToolCall, 12, 1)))

	tree, _ := agg.GetTree("cmd")
	assert.Empty(t, tree.Roots, "orphan subtree is buffered")
	assert.Equal(t, 1, tree.PendingOrphans)

	clk.Advance(10 * time.Second)
	promoted, _ := agg.Sweep(clk.Now())
	assert.Equal(t, 1, promoted)
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.TraceOrphansPromoted))

	tree, _ = agg.GetTree("cmd")
	require.Len(t, tree.Roots, 1)
	assert.True(t, tree.Roots[0].PseudoRoot)
	assert.Equal(t, []any{map[string][]any{"child": {"grandchild"}}}, shape(tree.Roots))

	require.NoError(t, agg.Ingest(entry("parent", "", model.TraceLLMPrompt, 0, 100)))
	tree, _ = agg.GetTree("cmd")
	assert.Equal(t, []any{map[string][]any{"parent": {map[string][]any{"child": {"grandchild"}}}}}, shape(tree.Roots))
	assert.False(t, tree.Roots[0].Children[0].PseudoRoot)
}

func TestOrphans_CountLimit(t *testing.T) {
	agg, clk, _ := newAggregator(Config{OrphanMaxAge: time.Hour, OrphanMaxCount: 2})
	for i, id := range []string{"o1", "o2", "o3"} {
		require.NoError(t, agg.Ingest(entry(id, "missing-"+id, model.TraceToolCall, int64(i), 1)))
		clk.Advance(time.Millisecond)
	}

	tree, _ := agg.GetTree("cmd")
	require.Len(t, tree.Roots, 1, "oldest orphan promoted, never dropped")
	assert.Equal(t, "o1", tree.Roots[0].ID)
	assert.Equal(t, 2, tree.PendingOrphans)
}

func TestIngest_MergesCompletion(t *testing.T) {
	agg, _, _ := newAggregator(DefaultConfig())
	start := entry("step", "", model.TraceToolCall, 0, 0)
	require.NoError(t, agg.Ingest(start))

	done := start
	d := int64(250)
	tokens := 42
	done.DurationMs = &d
	done.TokensUsed = &tokens
	done.Error = "tool failed"
	require.NoError(t, agg.Ingest(done))

	tree, _ := agg.GetTree("cmd")
	require.Len(t, tree.Roots, 1)
	assert.Equal(t, int64(250), *tree.Roots[0].DurationMs)
	assert.Equal(t, 42, tree.TotalTokens)
	assert.Equal(t, 1, tree.EntryCount)

	stats, _ := agg.GetStats("cmd")
	assert.Equal(t, 1.0, stats.ErrorRate)
}

func TestIngest_Invalid(t *testing.T) {
	agg, _, _ := newAggregator(DefaultConfig())
	assert.Error(t, agg.Ingest(model.TraceEntry{ID: "x"}))
	_, err := agg.GetTree("cmd")
	assert.ErrorIs(t, err, ErrNoTrace)
}

func TestGetStats(t *testing.T) {
	agg, _, _ := newAggregator(DefaultConfig())
	for _, e := range sampleEntries() {
		require.NoError(t, agg.Ingest(e))
	}

	stats, err := agg.GetStats("cmd")
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Count)
	// durations sorted: 50 100 200 300 1000
	assert.Equal(t, int64(200), stats.P50Ms)
	assert.Equal(t, int64(1000), stats.P95Ms)
	assert.Equal(t, int64(1000), stats.P99Ms)
	assert.Equal(t, 3, stats.MaxDepth)
	assert.Equal(t, 3, stats.ByType[model.TraceToolCall])
	assert.Zero(t, stats.ErrorRate)

	stats.ByType[model.TraceToolCall] = 99
	again, _ := agg.GetStats("cmd")
	assert.Equal(t, 3, again.ByType[model.TraceToolCall], "cached stats are copied")
}

func TestNearestRank(t *testing.T) {
	vals := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, int64(5), nearestRank(vals, 50))
	assert.Equal(t, int64(10), nearestRank(vals, 95))
	assert.Equal(t, int64(1), nearestRank(vals, 1))
	assert.Equal(t, int64(0), nearestRank(nil, 50))
}

func TestCycleIsBroken(t *testing.T) {
	agg, _, _ := newAggregator(DefaultConfig())
	require.NoError(t, agg.Ingest(entry("a", "b", model.TraceToolCall, 0, 1)))
	require.NoError(t, agg.Ingest(entry("b", "a", model.TraceToolCall, 1, 1)))

	tree, _ := agg.GetTree("cmd")
	assert.Equal(t, []any{map[string][]any{"a": {"b"}}}, shape(tree.Roots))
}

func TestSweep_Retention(t *testing.T) {
	agg, clk, _ := newAggregator(Config{OrphanMaxAge: time.Second, OrphanMaxCount: 10, Retention: time.Minute})
	require.NoError(t, agg.Ingest(entry("a", "", model.TraceLLMPrompt, 0, 1)))

	clk.Advance(2 * time.Minute)
	_, dropped := agg.Sweep(clk.Now())
	assert.Equal(t, 1, dropped)
	assert.False(t, agg.Has("cmd"))
}
