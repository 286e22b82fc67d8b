package engine

import (
	"slices"

	"github.com/roach88/unirep/internal/ir"
)

// CycleDetector counts evaluations of each target within one propagation
// pass and finds targets that sit on a dependency cycle among the targets
// still pending.
//
// A target may be evaluated once and revisited once more in a pass
// (maxEvals = 2). A target that would need a further evaluation is deferred
// to the next pass instead; the engine turns repeated deferrals into a
// CYCLE_DETECTED standing error.
//
// Not safe for concurrent use: a pass settles outcomes sequentially.
type CycleDetector struct {
	maxEvals int
	evals    map[ir.TargetID]int
}

// NewCycleDetector creates a detector allowing maxEvals evaluations per target.
func NewCycleDetector(maxEvals int) *CycleDetector {
	if maxEvals < 1 {
		maxEvals = 1
	}
	return &CycleDetector{
		maxEvals: maxEvals,
		evals:    make(map[ir.TargetID]int),
	}
}

// Record notes one evaluation of target.
func (c *CycleDetector) Record(target ir.TargetID) {
	c.evals[target]++
}

// Evaluations returns how often target was evaluated in this pass.
func (c *CycleDetector) Evaluations(target ir.TargetID) int {
	return c.evals[target]
}

// CanEvaluate reports whether target is still within its evaluation budget.
func (c *CycleDetector) CanEvaluate(target ir.TargetID) bool {
	return c.evals[target] < c.maxEvals
}

// OnCycle reports whether target can reach itself through dependsOn edges
// restricted to nodes for which inSet returns true. Self-references count.
func OnCycle(target ir.TargetID, dependsOn func(ir.TargetID) []ir.TargetID, inSet func(ir.TargetID) bool) bool {
	visited := map[ir.TargetID]bool{}
	stack := slices.Clone(dependsOn(target))
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if visited[cur] || !inSet(cur) {
			continue
		}
		visited[cur] = true
		stack = append(stack, dependsOn(cur)...)
	}
	return false
}
