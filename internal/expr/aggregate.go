package expr

import (
	"fmt"

	"github.com/roach88/unirep/internal/ir"
)

// Aggregate names.
const (
	AggCount   = "count"
	AggSum     = "sum"
	AggMin     = "min"
	AggMax     = "max"
	AggAvg     = "avg"
	AggCollect = "collect"
	AggAny     = "any"
	AggAll     = "all"
)

var knownAggregates = map[string]bool{
	AggCount: true, AggSum: true, AggMin: true, AggMax: true,
	AggAvg: true, AggCollect: true, AggAny: true, AggAll: true,
}

// evalAggregate evaluates List, projects each element through Item (bound as
// the "item" field root), and folds the non-empty projections.
//
// An empty list input propagates as empty. An empty projection set yields
// count 0, sum 0, collect [], any false, all true, and empty for min/max/avg.
func evalAggregate(e *ir.Expression, env *Env, path string) (Result, error) {
	if !knownAggregates[e.Aggregate] {
		return Result{}, newError(CodeInvalidExpression, path, "unknown aggregate %q", e.Aggregate)
	}
	if e.List == nil {
		return Result{}, newError(CodeInvalidExpression, path, "aggregate requires list")
	}

	listRes, err := eval(e.List, env, child(path, "list"))
	if err != nil {
		return Result{}, err
	}
	if listRes.Empty {
		return EmptyResult(e.TypeHint), nil
	}
	list, ok := listRes.Value.(ir.IRArray)
	if !ok {
		return Result{}, newError(CodeTypeMismatch, child(path, "list"), "aggregate expects list, got %s", describe(listRes.Value))
	}

	values := make([]ir.IRValue, 0, len(list))
	for i, elem := range list {
		if e.Item == nil {
			if !ir.IsNull(elem) {
				values = append(values, elem)
			}
			continue
		}
		r, err := eval(e.Item, env.withItem(elem), child(path, fmt.Sprintf("item[%d]", i)))
		if err != nil {
			return Result{}, err
		}
		if !r.Empty {
			values = append(values, r.Value)
		}
	}

	switch e.Aggregate {
	case AggCount:
		return valueResult(ir.IRInt(len(values))), nil
	case AggCollect:
		return valueResult(ir.IRArray(values)), nil
	case AggAny, AggAll:
		want := e.Aggregate == AggAny
		for _, v := range values {
			b, ok := v.(ir.IRBool)
			if !ok {
				return Result{}, newError(CodeTypeMismatch, child(path, "item"), "%s expects boolean, got %s", e.Aggregate, describe(v))
			}
			if bool(b) == want {
				return valueResult(ir.IRBool(want)), nil
			}
		}
		return valueResult(ir.IRBool(!want)), nil
	}

	// Numeric folds.
	nums := make([]Result, len(values))
	for i, v := range values {
		if _, ok := ir.AsFloat(v); !ok {
			return Result{}, newError(CodeTypeMismatch, child(path, "item"), "%s expects number, got %s", e.Aggregate, describe(v))
		}
		nums[i] = valueResult(v)
	}

	switch e.Aggregate {
	case AggSum:
		if len(nums) == 0 {
			return valueResult(ir.IRInt(0)), nil
		}
		return evalArithmetic(OpAdd, nums, path)
	case AggAvg:
		if len(nums) == 0 {
			return EmptyResult(e.TypeHint), nil
		}
		sum, err := evalArithmetic(OpAdd, nums, path)
		if err != nil {
			return Result{}, err
		}
		return evalArithmetic(OpDiv, []Result{sum, valueResult(ir.IRInt(len(nums)))}, path)
	}

	if len(nums) == 0 {
		return EmptyResult(e.TypeHint), nil
	}
	best := nums[0]
	for _, n := range nums[1:] {
		a, _ := ir.AsFloat(n.Value)
		b, _ := ir.AsFloat(best.Value)
		if (e.Aggregate == AggMin && a < b) || (e.Aggregate == AggMax && a > b) {
			best = n
		}
	}
	return best, nil
}
