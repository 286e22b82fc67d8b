package expr

import (
	"fmt"
	"math"
	"strings"

	"github.com/roach88/unirep/internal/ir"
)

// Operator names.
const (
	OpAdd      = "add"
	OpSub      = "sub"
	OpMul      = "mul"
	OpDiv      = "div"
	OpMod      = "mod"
	OpEq       = "eq"
	OpNe       = "ne"
	OpLt       = "lt"
	OpLe       = "le"
	OpGt       = "gt"
	OpGe       = "ge"
	OpAnd      = "and"
	OpOr       = "or"
	OpNot      = "not"
	OpConcat   = "concat"
	OpLower    = "lower"
	OpUpper    = "upper"
	OpTrim     = "trim"
	OpCoalesce = "coalesce"
	OpIsEmpty  = "isEmpty"
)

// arity bounds per operator; max < 0 means variadic.
var operatorArity = map[string][2]int{
	OpAdd:      {1, -1},
	OpSub:      {2, 2},
	OpMul:      {1, -1},
	OpDiv:      {2, 2},
	OpMod:      {2, 2},
	OpEq:       {2, 2},
	OpNe:       {2, 2},
	OpLt:       {2, 2},
	OpLe:       {2, 2},
	OpGt:       {2, 2},
	OpGe:       {2, 2},
	OpAnd:      {1, -1},
	OpOr:       {1, -1},
	OpNot:      {1, 1},
	OpConcat:   {1, -1},
	OpLower:    {1, 1},
	OpUpper:    {1, 1},
	OpTrim:     {1, 1},
	OpCoalesce: {1, -1},
	OpIsEmpty:  {1, 1},
}

func checkArity(e *ir.Expression, path string) error {
	bounds, ok := operatorArity[e.Operator]
	if !ok {
		return newError(CodeInvalidExpression, path, "unknown operator %q", e.Operator)
	}
	n := len(e.Operands)
	if n < bounds[0] || (bounds[1] >= 0 && n > bounds[1]) {
		return newError(CodeInvalidExpression, path, "operator %s takes %s operands, got %d", e.Operator, arityText(bounds), n)
	}
	return nil
}

func arityText(b [2]int) string {
	switch {
	case b[1] < 0:
		return fmt.Sprintf("at least %d", b[0])
	case b[0] == b[1]:
		return fmt.Sprintf("%d", b[0])
	}
	return fmt.Sprintf("%d to %d", b[0], b[1])
}

func evalOperator(e *ir.Expression, env *Env, path string) (Result, error) {
	if err := checkArity(e, path); err != nil {
		return Result{}, err
	}

	// coalesce evaluates lazily and stops at the first non-empty operand.
	if e.Operator == OpCoalesce {
		for i, op := range e.Operands {
			r, err := eval(op, env, operandPath(path, i))
			if err != nil {
				return Result{}, err
			}
			if !r.Empty {
				return r, nil
			}
		}
		return EmptyResult(e.TypeHint), nil
	}

	args := make([]Result, len(e.Operands))
	anyEmpty := false
	for i, op := range e.Operands {
		r, err := eval(op, env, operandPath(path, i))
		if err != nil {
			return Result{}, err
		}
		args[i] = r
		anyEmpty = anyEmpty || r.Empty
	}

	switch e.Operator {
	case OpIsEmpty:
		return valueResult(ir.IRBool(args[0].Empty)), nil
	case OpConcat:
		return evalConcat(args, path)
	}

	if anyEmpty {
		return EmptyResult(e.TypeHint), nil
	}

	switch e.Operator {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		return evalArithmetic(e.Operator, args, path)
	case OpEq:
		return valueResult(ir.IRBool(ir.Equal(args[0].Value, args[1].Value))), nil
	case OpNe:
		return valueResult(ir.IRBool(!ir.Equal(args[0].Value, args[1].Value))), nil
	case OpLt, OpLe, OpGt, OpGe:
		return evalCompare(e.Operator, args[0], args[1], path)
	case OpAnd, OpOr, OpNot:
		return evalBoolean(e.Operator, args, path)
	case OpLower, OpUpper, OpTrim:
		s, ok := args[0].Value.(ir.IRString)
		if !ok {
			return Result{}, newError(CodeTypeMismatch, operandPath(path, 0), "%s expects string, got %s", e.Operator, describe(args[0].Value))
		}
		switch e.Operator {
		case OpLower:
			return valueResult(ir.IRString(strings.ToLower(string(s)))), nil
		case OpUpper:
			return valueResult(ir.IRString(strings.ToUpper(string(s)))), nil
		}
		return valueResult(ir.IRString(strings.TrimSpace(string(s)))), nil
	}
	return Result{}, newError(CodeInvalidExpression, path, "unknown operator %q", e.Operator)
}

func operandPath(path string, i int) string {
	return child(path, fmt.Sprintf("operands[%d]", i))
}

func child(path, seg string) string {
	if path == "" {
		return seg
	}
	return path + "." + seg
}

// evalConcat coerces scalar operands to strings; empty operands contribute
// nothing. Lists and objects are rejected.
func evalConcat(args []Result, path string) (Result, error) {
	var b strings.Builder
	for i, a := range args {
		if a.Empty {
			continue
		}
		switch a.Value.(type) {
		case ir.IRArray, ir.IRObject:
			return Result{}, newError(CodeTypeMismatch, operandPath(path, i), "concat expects scalars, got %s", describe(a.Value))
		}
		b.WriteString(ir.Stringify(a.Value))
	}
	return valueResult(ir.IRString(b.String())), nil
}

func evalArithmetic(op string, args []Result, path string) (Result, error) {
	allInts := true
	nums := make([]float64, len(args))
	for i, a := range args {
		f, ok := ir.AsFloat(a.Value)
		if !ok {
			return Result{}, newError(CodeTypeMismatch, operandPath(path, i), "%s expects number, got %s", op, describe(a.Value))
		}
		if _, isInt := a.Value.(ir.IRInt); !isInt {
			allInts = false
		}
		nums[i] = f
	}

	if allInts && op != OpDiv {
		ints := make([]int64, len(args))
		for i, a := range args {
			ints[i] = int64(a.Value.(ir.IRInt))
		}
		// Int results that would overflow int64 fall through to float math.
		switch op {
		case OpAdd:
			sum, ok := int64(0), true
			for _, n := range ints {
				if sum, ok = addInt64(sum, n); !ok {
					break
				}
			}
			if ok {
				return valueResult(ir.IRInt(sum)), nil
			}
		case OpSub:
			if diff, ok := subInt64(ints[0], ints[1]); ok {
				return valueResult(ir.IRInt(diff)), nil
			}
		case OpMul:
			prod, ok := int64(1), true
			for _, n := range ints {
				if prod, ok = mulInt64(prod, n); !ok {
					break
				}
			}
			if ok {
				return valueResult(ir.IRInt(prod)), nil
			}
		case OpMod:
			if ints[1] == 0 {
				return Result{}, newError(CodeDivisionByZero, path, "modulo by zero")
			}
			return valueResult(ir.IRInt(ints[0] % ints[1])), nil
		}
	}

	var out float64
	switch op {
	case OpAdd:
		for _, n := range nums {
			out += n
		}
	case OpSub:
		out = nums[0] - nums[1]
	case OpMul:
		out = 1
		for _, n := range nums {
			out *= n
		}
	case OpDiv:
		if nums[1] == 0 {
			return Result{}, newError(CodeDivisionByZero, path, "division by zero")
		}
		out = nums[0] / nums[1]
	case OpMod:
		if nums[1] == 0 {
			return Result{}, newError(CodeDivisionByZero, path, "modulo by zero")
		}
		out = math.Mod(nums[0], nums[1])
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return Result{}, newError(CodeTypeMismatch, path, "%s produced a non-finite number", op)
	}
	return valueResult(ir.Number(out)), nil
}

func addInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

func subInt64(a, b int64) (int64, bool) {
	diff := a - b
	if (b > 0 && diff > a) || (b < 0 && diff < a) {
		return 0, false
	}
	return diff, true
}

func mulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	prod := a * b
	if prod/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}
	return prod, true
}

// evalCompare orders numbers, strings, or dates. Operands declared as dates
// are compared chronologically; other strings compare lexically.
func evalCompare(op string, a, b Result, path string) (Result, error) {
	cmp, err := compareValues(a, b)
	if err != nil {
		return Result{}, newError(CodeTypeMismatch, path, "%s: %v", op, err)
	}
	var out bool
	switch op {
	case OpLt:
		out = cmp < 0
	case OpLe:
		out = cmp <= 0
	case OpGt:
		out = cmp > 0
	case OpGe:
		out = cmp >= 0
	}
	return valueResult(ir.IRBool(out)), nil
}

func compareValues(a, b Result) (int, error) {
	if af, ok := ir.AsFloat(a.Value); ok {
		bf, ok := ir.AsFloat(b.Value)
		if !ok {
			return 0, fmt.Errorf("cannot compare number with %s", describe(b.Value))
		}
		return compareFloat(af, bf), nil
	}

	as, aok := a.Value.(ir.IRString)
	bs, bok := b.Value.(ir.IRString)
	if !aok || !bok {
		return 0, fmt.Errorf("cannot compare %s with %s", describe(a.Value), describe(b.Value))
	}
	if a.Type == ir.TypeDate || b.Type == ir.TypeDate {
		at, ok1 := parseDate(string(as))
		bt, ok2 := parseDate(string(bs))
		if !ok1 || !ok2 {
			return 0, fmt.Errorf("invalid date operand")
		}
		return at.Compare(bt), nil
	}
	return strings.Compare(string(as), string(bs)), nil
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func evalBoolean(op string, args []Result, path string) (Result, error) {
	bools := make([]bool, len(args))
	for i, a := range args {
		b, ok := a.Value.(ir.IRBool)
		if !ok {
			return Result{}, newError(CodeTypeMismatch, operandPath(path, i), "%s expects boolean, got %s", op, describe(a.Value))
		}
		bools[i] = bool(b)
	}
	switch op {
	case OpNot:
		return valueResult(ir.IRBool(!bools[0])), nil
	case OpAnd:
		for _, b := range bools {
			if !b {
				return valueResult(ir.IRBool(false)), nil
			}
		}
		return valueResult(ir.IRBool(true)), nil
	}
	for _, b := range bools {
		if b {
			return valueResult(ir.IRBool(true)), nil
		}
	}
	return valueResult(ir.IRBool(false)), nil
}
