package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unirep/internal/ir"
)

func refDomain(id string, fields map[string][]string) ir.Domain {
	d := ir.Domain{
		ID: id,
		Trigger: ir.Trigger{
			Sources:              []string{"src"},
			ContextKeyExpression: ir.Field("sourceDocId", ir.TypeString),
		},
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		refs, ok := fields[name]
		if !ok {
			continue
		}
		var e *ir.Expression
		switch len(refs) {
		case 0:
			e = ir.Field("currentValues."+name, ir.TypeAny)
		case 1:
			e = refExpr(refs[0])
		default:
			operands := make([]*ir.Expression, len(refs))
			for i, r := range refs {
				operands[i] = refExpr(r)
			}
			e = ir.Op("coalesce", ir.TypeAny, operands...)
		}
		d.ProxyFields = append(d.ProxyFields, ir.ProxyField{ID: name, Expression: e})
	}
	return d
}

// refExpr accepts "field" or "domain.field".
func refExpr(r string) *ir.Expression {
	for i := 0; i < len(r); i++ {
		if r[i] == '.' {
			return &ir.Expression{Kind: ir.KindReference, Target: &ir.TargetRef{DomainID: r[:i], FieldID: r[i+1:]}}
		}
	}
	return ir.Ref(r, ir.TypeAny)
}

func TestAnalyzeCycles_Empty(t *testing.T) {
	assert.Empty(t, AnalyzeCycles(nil))
}

func TestAnalyzeCycles_DAG(t *testing.T) {
	d := refDomain("x", map[string][]string{
		"a": {},
		"b": {"a"},
		"c": {"a", "b"},
	})
	assert.Empty(t, AnalyzeCycles([]ir.Domain{d}), "DAG should produce no cycle warnings")
}

func TestAnalyzeCycles_TwoNodeCycle(t *testing.T) {
	d := refDomain("x", map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})
	warnings := AnalyzeCycles([]ir.Domain{d})
	require.Len(t, warnings, 1)
	assert.Equal(t, "warning", warnings[0].Level)
	assert.Equal(t, []string{"x.a", "x.b", "x.a"}, warnings[0].Path)
	assert.Contains(t, warnings[0].Message, "x.a → x.b → x.a")
}

func TestAnalyzeCycles_SelfReference(t *testing.T) {
	d := refDomain("x", map[string][]string{
		"a": {"a"},
		"b": {"a"},
	})
	warnings := AnalyzeCycles([]ir.Domain{d})
	require.Len(t, warnings, 1)
	assert.Equal(t, "info", warnings[0].Level)
	assert.Equal(t, []string{"x.a", "x.a"}, warnings[0].Path)
}

func TestAnalyzeCycles_AcrossDomains(t *testing.T) {
	x := refDomain("x", map[string][]string{"a": {"y.b"}})
	y := refDomain("y", map[string][]string{"b": {"x.a"}, "c": {}})
	warnings := AnalyzeCycles([]ir.Domain{x, y})
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"x.a", "y.b", "x.a"}, warnings[0].Path)
}

func TestAnalyzeCycles_ThreeNodeCycleIsDeterministic(t *testing.T) {
	d := refDomain("x", map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
		"d": {"a"},
	})
	first := AnalyzeCycles([]ir.Domain{d})
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, AnalyzeCycles([]ir.Domain{d}))
	}
	require.Len(t, first, 1)
	assert.Equal(t, []string{"x.a", "x.c", "x.b", "x.a"}, first[0].Path)
}

func TestAnalyzeCycles_UndeclaredReferencesIgnored(t *testing.T) {
	d := refDomain("x", map[string][]string{"a": {"ghost"}})
	assert.Empty(t, AnalyzeCycles([]ir.Domain{d}))
}
