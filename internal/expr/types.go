package expr

import (
	"time"

	"github.com/roach88/unirep/internal/ir"
)

// Result is the outcome of evaluating an expression.
// Empty results carry the declared type so conditionals can branch on them.
type Result struct {
	Value ir.IRValue
	Type  ir.TypeHint
	Empty bool
}

// EmptyResult is the typed "no value" produced by missing fields or references.
func EmptyResult(hint ir.TypeHint) Result {
	return Result{Type: hint, Empty: true}
}

func valueResult(v ir.IRValue) Result {
	return Result{Value: v, Type: typeOf(v)}
}

// ValueOrNull returns the value, or IRNull for an empty result.
func (r Result) ValueOrNull() ir.IRValue {
	if r.Empty || r.Value == nil {
		return ir.IRNull{}
	}
	return r.Value
}

// typeOf reports the natural type hint of a runtime value. Strings report
// string even when they parse as dates.
func typeOf(v ir.IRValue) ir.TypeHint {
	switch v.(type) {
	case ir.IRBool:
		return ir.TypeBoolean
	case ir.IRInt, ir.IRFloat:
		return ir.TypeNumber
	case ir.IRString:
		return ir.TypeString
	case ir.IRArray:
		return ir.TypeList
	case ir.IRObject:
		return ir.TypeObject
	}
	return ir.TypeAny
}

// matchesHint reports whether v satisfies the declared hint.
func matchesHint(hint ir.TypeHint, v ir.IRValue) bool {
	switch hint {
	case ir.TypeAny:
		return true
	case ir.TypeDate:
		s, ok := v.(ir.IRString)
		if !ok {
			return false
		}
		_, ok = parseDate(string(s))
		return ok
	default:
		return typeOf(v) == hint
	}
}

func knownHint(hint ir.TypeHint) bool {
	switch hint {
	case ir.TypeAny, ir.TypeBoolean, ir.TypeNumber, ir.TypeString, ir.TypeDate, ir.TypeList, ir.TypeObject:
		return true
	}
	return false
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
