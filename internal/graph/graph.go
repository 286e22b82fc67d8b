package graph

import (
	"slices"
	"sync"

	"github.com/roach88/unirep/internal/ir"
)

// Graph is the in-memory dependency graph across all tenants.
//
// Nodes live in an arena and are addressed by index; edges are index lists,
// never pointers, so ownership stays acyclic even though the logical graph
// may contain cycles. The index maps a tenant-qualified target key to its
// arena slot. Nodes are created lazily and never removed.
//
// Every node carries a generation that increments each time it is marked
// DIRTY. MarkEvaluated only succeeds for the generation an evaluation started
// from, so a node dirtied mid-evaluation stays DIRTY.
//
// Thread-safe: all methods take the graph mutex for short critical sections.
// Per-target serialization of evaluation is the caller's job (see Locks).
type Graph struct {
	mu    sync.Mutex
	nodes []*node
	index map[string]int
}

type node struct {
	tenantID   string
	target     ir.TargetID
	status     ir.NodeStatus
	generation uint64
	dependsOn  []int
	dependedBy map[int]struct{}
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{index: make(map[string]int)}
}

// ensure returns the arena slot for target, creating a DIRTY node if needed.
// Caller must hold g.mu.
func (g *Graph) ensure(tenantID string, target ir.TargetID) int {
	key := target.Key(tenantID)
	if idx, ok := g.index[key]; ok {
		return idx
	}
	idx := len(g.nodes)
	g.nodes = append(g.nodes, &node{
		tenantID:   tenantID,
		target:     target,
		status:     ir.NodeDirty,
		dependedBy: make(map[int]struct{}),
	})
	g.index[key] = idx
	return idx
}

// Touch creates the node if it does not exist. Returns true if it was created.
func (g *Graph) Touch(tenantID string, target ir.TargetID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.nodes)
	g.ensure(tenantID, target)
	return len(g.nodes) > n
}

// Load hydrates the graph from persisted nodes. Status and dependsOn edges
// are taken as stored; reverse edges are rebuilt.
func (g *Graph) Load(nodes []ir.GraphNode) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, rec := range nodes {
		idx := g.ensure(rec.TenantID, rec.Target)
		g.nodes[idx].status = rec.Status
		g.replaceEdgesLocked(idx, rec.TenantID, rec.DependsOn)
	}
}

// MarkDirty marks the seeds DIRTY and propagates breadth-first along
// dependedBy edges. A visited set keyed by node guarantees termination on
// cycles. Returns every dirtied target in BFS order, seeds first.
func (g *Graph) MarkDirty(tenantID string, seeds ...ir.TargetID) []ir.TargetID {
	g.mu.Lock()
	defer g.mu.Unlock()

	visited := make(map[int]bool, len(seeds))
	queue := make([]int, 0, len(seeds))
	for _, s := range seeds {
		idx := g.ensure(tenantID, s)
		if !visited[idx] {
			visited[idx] = true
			queue = append(queue, idx)
		}
	}

	out := make([]ir.TargetID, 0, len(queue))
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]

		n := g.nodes[idx]
		n.status = ir.NodeDirty
		n.generation++
		out = append(out, n.target)

		for _, dep := range sortedSet(n.dependedBy) {
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return out
}

// Generation returns the node's current generation (0 for unknown nodes).
func (g *Graph) Generation(tenantID string, target ir.TargetID) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if idx, ok := g.index[target.Key(tenantID)]; ok {
		return g.nodes[idx].generation
	}
	return 0
}

// Status returns the node's status. Unknown targets report DIRTY, matching
// the initial state of a newly discovered node.
func (g *Graph) Status(tenantID string, target ir.TargetID) ir.NodeStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	if idx, ok := g.index[target.Key(tenantID)]; ok {
		return g.nodes[idx].status
	}
	return ir.NodeDirty
}

// MarkEvaluated transitions the node to EVALUATED if its generation still
// equals gen. Returns false (leaving it DIRTY) when it was re-dirtied since.
func (g *Graph) MarkEvaluated(tenantID string, target ir.TargetID, gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := g.ensure(tenantID, target)
	n := g.nodes[idx]
	if n.generation != gen {
		return false
	}
	n.status = ir.NodeEvaluated
	return true
}

// ReplaceEdges discards the node's previous dependsOn edges and installs deps.
// Referenced nodes are created lazily.
func (g *Graph) ReplaceEdges(tenantID string, target ir.TargetID, deps []ir.TargetID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.replaceEdgesLocked(g.ensure(tenantID, target), tenantID, deps)
}

func (g *Graph) replaceEdgesLocked(idx int, tenantID string, deps []ir.TargetID) {
	n := g.nodes[idx]
	for _, old := range n.dependsOn {
		delete(g.nodes[old].dependedBy, idx)
	}
	n.dependsOn = n.dependsOn[:0]

	seen := make(map[int]bool, len(deps))
	for _, d := range deps {
		didx := g.ensure(tenantID, d)
		if seen[didx] {
			continue
		}
		seen[didx] = true
		n.dependsOn = append(n.dependsOn, didx)
		g.nodes[didx].dependedBy[idx] = struct{}{}
	}
}

// DependsOn returns the targets the node read during its last evaluation.
func (g *Graph) DependsOn(tenantID string, target ir.TargetID) []ir.TargetID {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.index[target.Key(tenantID)]
	if !ok {
		return nil
	}
	return g.targets(g.nodes[idx].dependsOn)
}

// DependedBy returns the targets whose last evaluation read this node,
// in arena order.
func (g *Graph) DependedBy(tenantID string, target ir.TargetID) []ir.TargetID {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.index[target.Key(tenantID)]
	if !ok {
		return nil
	}
	return g.targets(sortedSet(g.nodes[idx].dependedBy))
}

// Len returns the number of nodes across all tenants.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.nodes)
}

func (g *Graph) targets(idxs []int) []ir.TargetID {
	out := make([]ir.TargetID, len(idxs))
	for i, idx := range idxs {
		out[i] = g.nodes[idx].target
	}
	return out
}

func sortedSet(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for idx := range set {
		out = append(out, idx)
	}
	slices.Sort(out)
	return out
}
