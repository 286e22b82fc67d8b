package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/unirep/internal/ir"
)

func tgt(field string) ir.TargetID {
	return ir.TargetID{DomainID: "d", ContextKey: "k", FieldID: field}
}

func TestCycleDetector_Budget(t *testing.T) {
	cd := NewCycleDetector(2)
	a := tgt("a")

	assert.True(t, cd.CanEvaluate(a))
	cd.Record(a)
	assert.True(t, cd.CanEvaluate(a), "one revisit is allowed")
	cd.Record(a)
	assert.False(t, cd.CanEvaluate(a))
	assert.Equal(t, 2, cd.Evaluations(a))
	assert.Equal(t, 0, cd.Evaluations(tgt("b")))

	assert.True(t, NewCycleDetector(0).CanEvaluate(a), "budget is at least one")
}

func TestOnCycle(t *testing.T) {
	edges := map[ir.TargetID][]ir.TargetID{
		tgt("a"): {tgt("b")},
		tgt("b"): {tgt("a")},
		tgt("c"): {tgt("a")},
		tgt("s"): {tgt("s")},
		tgt("x"): {tgt("y")},
		tgt("y"): {tgt("x")},
	}
	deps := func(t ir.TargetID) []ir.TargetID { return edges[t] }
	all := func(ir.TargetID) bool { return true }

	assert.True(t, OnCycle(tgt("a"), deps, all))
	assert.True(t, OnCycle(tgt("b"), deps, all))
	assert.False(t, OnCycle(tgt("c"), deps, all), "c only feeds from a cycle")
	assert.True(t, OnCycle(tgt("s"), deps, all), "self reference")

	notY := func(t ir.TargetID) bool { return t != tgt("y") }
	assert.False(t, OnCycle(tgt("x"), deps, notY), "cycle leaves the pending set")
}
