package expr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unirep/internal/ir"
)

func testEnv() *Env {
	return &Env{
		TenantID: "t1",
		Target:   ir.TargetID{DomainID: "cases", ContextKey: "c1", FieldID: "status"},
		Event: &ir.ImportedEvent{
			ID:          "ev-1",
			Source:      "cases-created",
			SourceDocID: "c1",
			TenantID:    "t1",
			CurrentValues: ir.IRObject{
				"status": ir.IRString("PENDING"),
				"amount": ir.IRInt(10),
				"rate":   ir.IRFloat(0.5),
				"due":    ir.IRString("2024-03-01"),
				"lines": ir.IRArray{
					ir.IRObject{"qty": ir.IRInt(2), "open": ir.IRBool(true)},
					ir.IRObject{"qty": ir.IRInt(3), "open": ir.IRBool(false)},
					ir.IRObject{"open": ir.IRBool(true)},
				},
			},
			PreviousValues: ir.IRObject{"status": ir.IRString("NEW")},
			Metadata:       ir.IRObject{"actor": ir.IRString("u1")},
		},
		Fragments: ir.IRObject{"header": ir.IRObject{"title": ir.IRString("Case")}},
	}
}

func mustEval(t *testing.T, e *ir.Expression, env *Env) Result {
	t.Helper()
	res, err := Eval(e, env)
	require.NoError(t, err)
	return res
}

func TestEval_FieldRoots(t *testing.T) {
	env := testEnv()

	tests := []struct {
		path string
		want ir.IRValue
	}{
		{"currentValues.status", ir.IRString("PENDING")},
		{"previousValues.status", ir.IRString("NEW")},
		{"metadata.actor", ir.IRString("u1")},
		{"fragments.header.title", ir.IRString("Case")},
		{"currentValues.lines.1.qty", ir.IRInt(3)},
		{"sourceDocId", ir.IRString("c1")},
		{"source", ir.IRString("cases-created")},
		{"tenantId", ir.IRString("t1")},
		{"contextKey", ir.IRString("c1")},
		{"eventId", ir.IRString("ev-1")},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			res := mustEval(t, ir.Field(tt.path, ir.TypeAny), env)
			assert.False(t, res.Empty)
			assert.Equal(t, tt.want, res.Value)
		})
	}
}

func TestEval_MissingFieldIsTypedEmpty(t *testing.T) {
	res := mustEval(t, ir.Field("currentValues.nope", ir.TypeNumber), testEnv())
	assert.True(t, res.Empty)
	assert.Equal(t, ir.TypeNumber, res.Type)

	noEvent := testEnv()
	noEvent.Event = nil
	res = mustEval(t, ir.Field("currentValues.status", ir.TypeString), noEvent)
	assert.True(t, res.Empty)
}

func TestEval_TypeHintMismatch(t *testing.T) {
	_, err := Eval(ir.Field("currentValues.status", ir.TypeNumber), testEnv())
	require.Error(t, err)
	assert.True(t, IsTypeMismatch(err))
	assert.Equal(t, ir.ClassData, Class(err))
}

func TestEval_UnknownKind(t *testing.T) {
	_, err := Eval(&ir.Expression{Kind: "lambda"}, testEnv())
	require.Error(t, err)
	assert.Equal(t, CodeUnknownKind, Code(err))
	assert.True(t, IsConfigurationError(err))
}

func TestEval_Arithmetic(t *testing.T) {
	env := testEnv()

	res := mustEval(t, ir.Op(OpAdd, ir.TypeNumber, ir.Field("currentValues.amount", ir.TypeNumber), ir.Lit(ir.IRInt(5), ir.TypeNumber)), env)
	assert.Equal(t, ir.IRInt(15), res.Value)

	res = mustEval(t, ir.Op(OpMul, ir.TypeNumber, ir.Field("currentValues.amount", ir.TypeNumber), ir.Field("currentValues.rate", ir.TypeNumber)), env)
	assert.Equal(t, ir.IRInt(5), res.Value, "integral float results normalize to int")

	res = mustEval(t, ir.Op(OpDiv, ir.TypeNumber, ir.Lit(ir.IRInt(7), ir.TypeNumber), ir.Lit(ir.IRInt(2), ir.TypeNumber)), env)
	assert.Equal(t, ir.IRFloat(3.5), res.Value)

	res = mustEval(t, ir.Op(OpMod, ir.TypeNumber, ir.Lit(ir.IRInt(7), ir.TypeNumber), ir.Lit(ir.IRInt(4), ir.TypeNumber)), env)
	assert.Equal(t, ir.IRInt(3), res.Value)

	_, err := Eval(ir.Op(OpDiv, ir.TypeNumber, ir.Lit(ir.IRInt(1), ir.TypeNumber), ir.Lit(ir.IRInt(0), ir.TypeNumber)), env)
	assert.Equal(t, CodeDivisionByZero, Code(err))
}

func TestEval_IntOverflowFallsBackToFloat(t *testing.T) {
	env := testEnv()
	num := func(n int64) *ir.Expression { return ir.Lit(ir.IRInt(n), ir.TypeNumber) }

	res := mustEval(t, ir.Op(OpAdd, ir.TypeNumber, num(math.MaxInt64), num(1)), env)
	assert.Equal(t, ir.IRFloat(math.Pow(2, 63)), res.Value)

	res = mustEval(t, ir.Op(OpSub, ir.TypeNumber, num(math.MinInt64), num(4096)), env)
	assert.Equal(t, ir.IRFloat(-math.Pow(2, 63)-4096), res.Value)

	res = mustEval(t, ir.Op(OpMul, ir.TypeNumber, num(math.MaxInt64), num(2)), env)
	assert.Equal(t, ir.IRFloat(math.Pow(2, 64)), res.Value)

	res = mustEval(t, ir.Op(OpMul, ir.TypeNumber, num(math.MinInt64), num(-1)), env)
	assert.Equal(t, ir.IRFloat(math.Pow(2, 63)), res.Value)

	res = mustEval(t, ir.Op(OpAdd, ir.TypeNumber, num(math.MaxInt64-1), num(1)), env)
	assert.Equal(t, ir.IRInt(math.MaxInt64), res.Value, "results at the boundary stay int")
}

func TestEval_ArithmeticRejectsStrings(t *testing.T) {
	_, err := Eval(ir.Op(OpAdd, ir.TypeNumber, ir.Field("currentValues.status", ir.TypeAny), ir.Lit(ir.IRInt(1), ir.TypeNumber)), testEnv())
	require.Error(t, err)
	assert.True(t, IsTypeMismatch(err))
	assert.Contains(t, err.Error(), "operands[0]")
}

func TestEval_ConcatCoerces(t *testing.T) {
	res := mustEval(t, ir.Op(OpConcat, ir.TypeString,
		ir.Field("currentValues.status", ir.TypeString),
		ir.Lit(ir.IRString("-"), ir.TypeString),
		ir.Field("currentValues.amount", ir.TypeNumber),
		ir.Field("currentValues.missing", ir.TypeAny),
	), testEnv())
	assert.Equal(t, ir.IRString("PENDING-10"), res.Value)
}

func TestEval_EmptyPropagatesThroughOperators(t *testing.T) {
	res := mustEval(t, ir.Op(OpAdd, ir.TypeNumber, ir.Field("currentValues.missing", ir.TypeNumber), ir.Lit(ir.IRInt(1), ir.TypeNumber)), testEnv())
	assert.True(t, res.Empty)
	assert.Equal(t, ir.TypeNumber, res.Type)
}

func TestEval_CoalesceAndIsEmpty(t *testing.T) {
	env := testEnv()
	res := mustEval(t, ir.Op(OpCoalesce, ir.TypeString,
		ir.Field("currentValues.missing", ir.TypeString),
		ir.Field("currentValues.status", ir.TypeString),
	), env)
	assert.Equal(t, ir.IRString("PENDING"), res.Value)

	res = mustEval(t, ir.Op(OpIsEmpty, ir.TypeBoolean, ir.Field("currentValues.missing", ir.TypeAny)), env)
	assert.Equal(t, ir.IRBool(true), res.Value)
}

func TestEval_Comparisons(t *testing.T) {
	env := testEnv()
	res := mustEval(t, ir.Op(OpGt, ir.TypeBoolean, ir.Field("currentValues.amount", ir.TypeNumber), ir.Lit(ir.IRFloat(9.5), ir.TypeNumber)), env)
	assert.Equal(t, ir.IRBool(true), res.Value)

	res = mustEval(t, ir.Op(OpLt, ir.TypeBoolean,
		ir.Field("currentValues.due", ir.TypeDate),
		ir.Lit(ir.IRString("2024-03-01T12:00:00Z"), ir.TypeDate),
	), env)
	assert.Equal(t, ir.IRBool(true), res.Value, "dates compare chronologically")

	_, err := Eval(ir.Op(OpLt, ir.TypeBoolean, ir.Field("currentValues.amount", ir.TypeAny), ir.Field("currentValues.status", ir.TypeAny)), env)
	assert.True(t, IsTypeMismatch(err))

	res = mustEval(t, ir.Op(OpEq, ir.TypeBoolean, ir.Lit(ir.IRInt(2), ir.TypeNumber), ir.Lit(ir.IRFloat(2), ir.TypeNumber)), env)
	assert.Equal(t, ir.IRBool(true), res.Value)
}

func TestEval_DateHintRejectsGarbage(t *testing.T) {
	_, err := Eval(ir.Field("currentValues.status", ir.TypeDate), testEnv())
	assert.True(t, IsTypeMismatch(err))
}

func TestEval_BooleanAndStrings(t *testing.T) {
	env := testEnv()
	res := mustEval(t, ir.Op(OpAnd, ir.TypeBoolean, ir.Lit(ir.IRBool(true), ir.TypeBoolean), ir.Op(OpNot, ir.TypeBoolean, ir.Lit(ir.IRBool(false), ir.TypeBoolean))), env)
	assert.Equal(t, ir.IRBool(true), res.Value)

	res = mustEval(t, ir.Op(OpLower, ir.TypeString, ir.Field("currentValues.status", ir.TypeString)), env)
	assert.Equal(t, ir.IRString("pending"), res.Value)

	_, err := Eval(ir.Op(OpOr, ir.TypeBoolean, ir.Lit(ir.IRInt(1), ir.TypeAny)), env)
	assert.True(t, IsTypeMismatch(err))
}

func TestEval_Conditional(t *testing.T) {
	env := testEnv()
	cond := func(c *ir.Expression) *ir.Expression {
		return &ir.Expression{
			Kind:      ir.KindConditional,
			TypeHint:  ir.TypeString,
			Condition: c,
			Then:      ir.Lit(ir.IRString("yes"), ir.TypeString),
			Else:      ir.Lit(ir.IRString("no"), ir.TypeString),
		}
	}

	res := mustEval(t, cond(ir.Op(OpEq, ir.TypeBoolean, ir.Field("currentValues.status", ir.TypeString), ir.Lit(ir.IRString("PENDING"), ir.TypeString))), env)
	assert.Equal(t, ir.IRString("yes"), res.Value)

	res = mustEval(t, cond(ir.Field("currentValues.missing", ir.TypeBoolean)), env)
	assert.Equal(t, ir.IRString("no"), res.Value, "empty condition takes else")

	_, err := Eval(cond(ir.Field("currentValues.status", ir.TypeAny)), env)
	assert.True(t, IsTypeMismatch(err))
}

func TestEval_Aggregates(t *testing.T) {
	env := testEnv()
	lines := ir.Field("currentValues.lines", ir.TypeList)
	agg := func(name string, item *ir.Expression) *ir.Expression {
		return &ir.Expression{Kind: ir.KindAggregate, Aggregate: name, List: lines, Item: item}
	}

	res := mustEval(t, agg(AggSum, ir.Field("item.qty", ir.TypeNumber)), env)
	assert.Equal(t, ir.IRInt(5), res.Value, "elements without qty are skipped")

	res = mustEval(t, agg(AggCount, ir.Field("item.qty", ir.TypeNumber)), env)
	assert.Equal(t, ir.IRInt(2), res.Value)

	res = mustEval(t, agg(AggCount, nil), env)
	assert.Equal(t, ir.IRInt(3), res.Value)

	res = mustEval(t, agg(AggMax, ir.Field("item.qty", ir.TypeNumber)), env)
	assert.Equal(t, ir.IRInt(3), res.Value)

	res = mustEval(t, agg(AggAvg, ir.Field("item.qty", ir.TypeNumber)), env)
	assert.Equal(t, ir.IRFloat(2.5), res.Value)

	res = mustEval(t, agg(AggAny, ir.Field("item.open", ir.TypeBoolean)), env)
	assert.Equal(t, ir.IRBool(true), res.Value)

	res = mustEval(t, agg(AggAll, ir.Field("item.open", ir.TypeBoolean)), env)
	assert.Equal(t, ir.IRBool(false), res.Value)

	res = mustEval(t, agg(AggCollect, ir.Field("item.qty", ir.TypeNumber)), env)
	assert.Equal(t, ir.IRArray{ir.IRInt(2), ir.IRInt(3)}, res.Value)

	_, err := Eval(&ir.Expression{Kind: ir.KindAggregate, Aggregate: AggSum, List: ir.Field("currentValues.status", ir.TypeAny)}, env)
	assert.True(t, IsTypeMismatch(err))
}

func TestEval_ReferenceRecordsResolution(t *testing.T) {
	env := testEnv()
	var seen []ir.TargetID
	env.Resolve = func(target ir.TargetID) (ir.IRValue, bool) {
		seen = append(seen, target)
		if target.FieldID == "total" {
			return ir.IRInt(42), true
		}
		return nil, false
	}

	res := mustEval(t, ir.Ref("total", ir.TypeNumber), env)
	assert.Equal(t, ir.IRInt(42), res.Value)

	res = mustEval(t, ir.Ref("other", ir.TypeNumber), env)
	assert.True(t, res.Empty, "unresolved reference is empty, not an error")

	cross := &ir.Expression{
		Kind: ir.KindReference,
		Target: &ir.TargetRef{
			DomainID:   "patients",
			ContextKey: ir.Field("metadata.actor", ir.TypeString),
			FieldID:    "name",
		},
	}
	mustEval(t, cross, env)

	require.Len(t, seen, 3)
	assert.Equal(t, ir.TargetID{DomainID: "cases", ContextKey: "c1", FieldID: "total"}, seen[0])
	assert.Equal(t, ir.TargetID{DomainID: "patients", ContextKey: "u1", FieldID: "name"}, seen[2])
}

func TestEval_ItemOutsideAggregate(t *testing.T) {
	_, err := Eval(ir.Field("item.qty", ir.TypeAny), testEnv())
	assert.Equal(t, CodeInvalidExpression, Code(err))
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	e := ir.Op("pow", ir.TypeNumber,
		&ir.Expression{Kind: "macro"},
		ir.Field("nowhere.x", ir.TypeAny),
	)
	err := Validate(e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown operator "pow"`)
	assert.Contains(t, err.Error(), `unknown expressionKind "macro"`)
	assert.Contains(t, err.Error(), `unknown field root "nowhere"`)

	first := FirstError(err)
	require.NotNil(t, first)
	assert.Equal(t, CodeInvalidExpression, first.Code)

	require.NoError(t, Validate(ir.Op(OpAdd, ir.TypeNumber, ir.Field("currentValues.a", ir.TypeNumber))))
}

func TestValidate_Arity(t *testing.T) {
	err := Validate(ir.Op(OpSub, ir.TypeNumber, ir.Lit(ir.IRInt(1), ir.TypeNumber)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "takes 2 operands")
}
