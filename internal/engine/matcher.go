package engine

import (
	"strconv"

	"github.com/roach88/unirep/internal/expr"
	"github.com/roach88/unirep/internal/ir"
)

// MatchDomain decides whether ev fires d's trigger and derives the context
// key. It has no side effects.
//
// A match requires that the trigger lists the event source, that the context
// key expression yields a non-empty value, and that the emit expression, if
// any, yields true. An empty emit result is treated as false.
//
// Errors:
//   - CONTEXT_KEY_TYPE when the key is neither a string nor an integer
//   - CONFIGURATION when the emit expression yields a non-boolean
//   - expression errors from either expression, unwrapped
func MatchDomain(d *ir.Domain, ev *ir.ImportedEvent) (ir.TriggerMatch, bool, error) {
	if !d.Trigger.Accepts(ev.Source) {
		return ir.TriggerMatch{}, false, nil
	}

	env := &expr.Env{
		TenantID: ev.TenantID,
		Target:   ir.TargetID{DomainID: d.ID},
		Event:    ev,
	}

	key, err := expr.Eval(d.Trigger.ContextKeyExpression, env)
	if err != nil {
		return ir.TriggerMatch{}, false, err
	}
	if key.Empty {
		return ir.TriggerMatch{}, false, nil
	}
	var contextKey string
	switch k := key.Value.(type) {
	case ir.IRString:
		contextKey = string(k)
	case ir.IRInt:
		contextKey = strconv.FormatInt(int64(k), 10)
	default:
		return ir.TriggerMatch{}, false, NewContextKeyTypeError(d.ID, key.Value)
	}
	if contextKey == "" {
		return ir.TriggerMatch{}, false, nil
	}

	if d.Trigger.EmitExpression != nil {
		env.Target.ContextKey = contextKey
		emit, err := expr.Eval(d.Trigger.EmitExpression, env)
		if err != nil {
			return ir.TriggerMatch{}, false, err
		}
		if emit.Empty {
			return ir.TriggerMatch{}, false, nil
		}
		b, ok := emit.Value.(ir.IRBool)
		if !ok {
			return ir.TriggerMatch{}, false, NewConfigurationError(d.ID, "emit expression must yield a boolean", nil)
		}
		if !b {
			return ir.TriggerMatch{}, false, nil
		}
	}

	return ir.TriggerMatch{
		DomainID:   d.ID,
		TenantID:   ev.TenantID,
		ContextKey: contextKey,
		Trigger:    &d.Trigger,
	}, true, nil
}
