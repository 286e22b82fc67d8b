package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/unirep/internal/ir"
)

// CycleWarning represents a potential reference cycle among domain fields.
//
// Cycles are warnings, not errors, because they may converge at runtime:
//   - coalesce(self, x) style fields that keep their first value
//   - references whose context keys differ per proxy, so the static cycle
//     never closes on real data
type CycleWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["case.a", "case.b", "case.a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeCycles performs static cycle analysis on domain field references.
//
// Nodes are "<domainId>.<fieldId>"; an edge a → b means a's expression
// references b. Reference context keys are ignored, so every cycle found
// here is only a candidate: the engine bounds real cycles at runtime with a
// CYCLE_DETECTED standing error.
//
// The algorithm:
//  1. Build field → referenced-field graph from field expressions
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 as a warning and each self-loop as info
//
// A DAG (no cycles) returns an empty warning list.
func AnalyzeCycles(domains []ir.Domain) []CycleWarning {
	if len(domains) == 0 {
		return []CycleWarning{}
	}

	graph := buildDependencyGraph(domains)
	sccs := tarjanSCC(graph)

	warnings := []CycleWarning{}
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph))
		}
	}
	slices.SortFunc(warnings, func(a, b CycleWarning) int {
		return strings.Compare(a.Path[0], b.Path[0])
	})
	return warnings
}

// dependencyGraph maps field node → referenced field nodes.
type dependencyGraph map[string][]string

// buildDependencyGraph constructs the field reference graph. References to
// fields that do not exist are left out; validation reports them.
func buildDependencyGraph(domains []ir.Domain) dependencyGraph {
	graph := make(dependencyGraph)
	declared := make(map[string]bool)
	for _, d := range domains {
		for _, f := range d.ProxyFields {
			declared[nodeName(d.ID, f.ID)] = true
		}
	}

	for _, d := range domains {
		for _, f := range d.ProxyFields {
			from := nodeName(d.ID, f.ID)
			if graph[from] == nil {
				graph[from] = []string{}
			}
			if f.Expression == nil {
				continue
			}
			for _, ref := range f.Expression.References() {
				if ref.Target == nil {
					continue
				}
				domainID := ref.Target.DomainID
				if domainID == "" {
					domainID = d.ID
				}
				to := nodeName(domainID, ref.Target.FieldID)
				if declared[to] && !slices.Contains(graph[from], to) {
					graph[from] = append(graph[from], to)
				}
			}
			slices.Sort(graph[from])
		}
	}
	return graph
}

func nodeName(domainID, fieldID string) string {
	return domainID + "." + fieldID
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so the result is deterministic.
//
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(graph dependencyGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// Root of an SCC: pop it.
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// cycleSCCToWarning converts an SCC to a CycleWarning.
func cycleSCCToWarning(scc []string, graph dependencyGraph) CycleWarning {
	if len(scc) == 1 {
		node := scc[0]
		return CycleWarning{
			Path:    []string{node, node},
			Message: fmt.Sprintf("Self-referencing field: %s → %s", node, node),
			Level:   "info",
		}
	}

	path := reconstructCyclePath(scc, graph)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("Potential reference cycle: %s", strings.Join(path, " → ")),
		Level:   "warning",
	}
}

// reconstructCyclePath builds a cycle path from an SCC.
//
// Strategy: Start at first node in SCC, follow edges to other SCC members,
// continue until we return to start node.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	sccSet := make(map[string]bool)
	for _, node := range scc {
		sccSet[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		// Prefer unvisited members; close the cycle only when none remain.
		var next string
		for _, neighbor := range graph[current] {
			if sccSet[neighbor] && !visited[neighbor] {
				next = neighbor
				break
			}
		}
		if next == "" && current != start && slices.Contains(graph[current], start) {
			next = start
		}

		if next == "" {
			break
		}

		path = append(path, next)

		if next == start {
			break
		}

		current = next
	}

	return path
}
