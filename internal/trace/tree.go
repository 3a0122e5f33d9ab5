package trace

import (
	"math"
	"sort"
	"time"

	"grimm.is/foreman/internal/model"
)

// Node is a trace entry with its children.
type Node struct {
	model.TraceEntry
	// PseudoRoot marks an entry shown at the top level because its parent
	// never arrived.
	PseudoRoot bool    `json:"pseudoRoot,omitempty"`
	Children   []*Node `json:"children,omitempty"`
}

// Tree is the assembled forest of one command.
type Tree struct {
	CommandID       string  `json:"commandId"`
	Roots           []*Node `json:"roots"`
	EntryCount      int     `json:"entryCount"`
	PendingOrphans  int     `json:"pendingOrphans"`
	TotalDurationMs int64   `json:"totalDurationMs"`
	TotalTokens     int     `json:"totalTokens"`
}

// Stats are computed lazily per command and cached until the next ingest.
type Stats struct {
	Count          int                     `json:"count"`
	P50Ms          int64                   `json:"p50Ms"`
	P95Ms          int64                   `json:"p95Ms"`
	P99Ms          int64                   `json:"p99Ms"`
	ErrorRate      float64                 `json:"errorRate"`
	MaxDepth       int                     `json:"maxDepth"`
	ByType         map[model.TraceType]int `json:"byType"`
	PseudoRoots    int                     `json:"pseudoRoots"`
	PendingOrphans int                     `json:"pendingOrphans"`
	TotalTokens    int                     `json:"totalTokens"`
}

// GetTree assembles the forest for a command. Buffered orphans are left out
// until their parent arrives or they are promoted.
func (a *Aggregator) GetTree(commandID string) (Tree, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ct, ok := a.cmds[commandID]
	if !ok {
		return Tree{}, ErrNoTrace
	}
	return build(commandID, ct), nil
}

// GetStats returns duration percentiles, error rate and shape statistics.
func (a *Aggregator) GetStats(commandID string) (Stats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ct, ok := a.cmds[commandID]
	if !ok {
		return Stats{}, ErrNoTrace
	}
	if ct.stats == nil {
		s := computeStats(ct, build(commandID, ct))
		ct.stats = &s
	}
	s := *ct.stats
	s.ByType = make(map[model.TraceType]int, len(ct.stats.ByType))
	for k, v := range ct.stats.ByType {
		s.ByType[k] = v
	}
	return s, nil
}

func build(commandID string, ct *commandTrace) Tree {
	nodes := make(map[string]*Node, len(ct.entries))
	for id, e := range ct.entries {
		nodes[id] = &Node{TraceEntry: *e}
	}

	var roots, waiting []*Node
	for id, n := range nodes {
		parent, hasParent := nodes[n.ParentID]
		_, isPending := ct.pending[id]
		switch {
		case n.ParentID == "":
			roots = append(roots, n)
		case hasParent:
			parent.Children = append(parent.Children, n)
		case isPending:
			waiting = append(waiting, n)
		default:
			n.PseudoRoot = true
			roots = append(roots, n)
		}
	}

	// Buffered orphans hide their whole subtree.
	reached := make(map[string]bool, len(nodes))
	var mark func(*Node)
	mark = func(n *Node) {
		if reached[n.ID] {
			return
		}
		reached[n.ID] = true
		for _, c := range n.Children {
			mark(c)
		}
	}
	for _, n := range roots {
		mark(n)
	}
	for _, n := range waiting {
		mark(n)
	}

	// Whatever is left is caught in a parent cycle; break it at the lowest id.
	var cyclic []string
	for id := range nodes {
		if !reached[id] {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	for _, id := range cyclic {
		if reached[id] {
			continue
		}
		n := nodes[id]
		if parent := nodes[n.ParentID]; parent != nil {
			parent.Children = removeNode(parent.Children, n)
		}
		n.PseudoRoot = true
		roots = append(roots, n)
		mark(n)
	}

	sortNodes(roots)
	tree := Tree{
		CommandID:      commandID,
		Roots:          roots,
		EntryCount:     len(ct.entries),
		PendingOrphans: len(ct.pending),
	}

	var earliest, latest time.Time
	for _, e := range ct.entries {
		if earliest.IsZero() || e.StartedAt.Before(earliest) {
			earliest = e.StartedAt
		}
		end := e.StartedAt
		if e.CompletedAt != nil {
			end = *e.CompletedAt
		} else if d, ok := e.Duration(); ok {
			end = e.StartedAt.Add(d)
		}
		if end.After(latest) {
			latest = end
		}
		if e.TokensUsed != nil {
			tree.TotalTokens += *e.TokensUsed
		}
	}
	if latest.After(earliest) {
		tree.TotalDurationMs = latest.Sub(earliest).Milliseconds()
	}
	return tree
}

func removeNode(list []*Node, n *Node) []*Node {
	out := list[:0]
	for _, c := range list {
		if c != n {
			out = append(out, c)
		}
	}
	return out
}

// sortNodes orders siblings by start time then id, recursively.
func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].StartedAt.Equal(nodes[j].StartedAt) {
			return nodes[i].StartedAt.Before(nodes[j].StartedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}

func computeStats(ct *commandTrace, tree Tree) Stats {
	s := Stats{
		Count:          len(ct.entries),
		ByType:         make(map[model.TraceType]int),
		PendingOrphans: len(ct.pending),
		TotalTokens:    tree.TotalTokens,
	}

	var (
		durations []int64
		errs      int
	)
	for _, e := range ct.entries {
		s.ByType[e.Type]++
		if e.Error != "" {
			errs++
		}
		if d, ok := e.Duration(); ok {
			durations = append(durations, d.Milliseconds())
		}
	}
	if s.Count > 0 {
		s.ErrorRate = float64(errs) / float64(s.Count)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	s.P50Ms = nearestRank(durations, 50)
	s.P95Ms = nearestRank(durations, 95)
	s.P99Ms = nearestRank(durations, 99)

	for _, r := range tree.Roots {
		if r.PseudoRoot {
			s.PseudoRoots++
		}
		if d := depth(r); d > s.MaxDepth {
			s.MaxDepth = d
		}
	}
	return s
}

// nearestRank returns the p-th percentile of sorted values.
func nearestRank(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func depth(n *Node) int {
	best := 0
	for _, c := range n.Children {
		if d := depth(c); d > best {
			best = d
		}
	}
	return best + 1
}
