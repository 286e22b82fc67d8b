package expr

import (
	"strconv"
	"strings"

	"github.com/roach88/unirep/internal/ir"
)

// Resolver looks up another target's last evaluated value. Implementations
// record a dependency edge from the evaluating target to the resolved one as
// a side effect, whether or not a value exists yet.
type Resolver func(target ir.TargetID) (ir.IRValue, bool)

// Env is the explicit evaluation context. Tenant and target travel here
// rather than through ambient state.
type Env struct {
	TenantID string

	// Target is the target being evaluated. Reference expressions default to
	// its domain and context key.
	Target ir.TargetID

	// Event is the triggering event; nil when evaluating without one
	// (fragment rendering, parent-only passes).
	Event *ir.ImportedEvent

	// Fragments are the owning proxy's existing fragments.
	Fragments ir.IRObject

	Resolve Resolver

	item    ir.IRValue
	hasItem bool
}

func (env *Env) withItem(v ir.IRValue) *Env {
	child := *env
	child.item = v
	child.hasItem = true
	return &child
}

// Eval evaluates e against env. Missing fields and unresolved references
// produce an empty result, never an error.
func Eval(e *ir.Expression, env *Env) (Result, error) {
	return eval(e, env, "")
}

func eval(e *ir.Expression, env *Env, path string) (Result, error) {
	if e == nil {
		return Result{}, newError(CodeInvalidExpression, path, "missing expression")
	}
	if !knownHint(e.TypeHint) {
		return Result{}, newError(CodeInvalidExpression, path, "unknown typeHint %q", e.TypeHint)
	}

	var (
		res Result
		err error
	)
	switch e.Kind {
	case ir.KindLiteral:
		res = evalLiteral(e)
	case ir.KindField:
		res, err = evalField(e, env, path)
	case ir.KindOperator:
		res, err = evalOperator(e, env, path)
	case ir.KindConditional:
		res, err = evalConditional(e, env, path)
	case ir.KindAggregate:
		res, err = evalAggregate(e, env, path)
	case ir.KindReference:
		res, err = evalReference(e, env, path)
	default:
		return Result{}, newError(CodeUnknownKind, path, "unknown expressionKind %q", e.Kind)
	}
	if err != nil {
		return Result{}, err
	}
	return checkHint(e.TypeHint, res, path)
}

// checkHint enforces the declared typeHint on a result. Empty results adopt
// the declared type.
func checkHint(hint ir.TypeHint, res Result, path string) (Result, error) {
	if res.Empty {
		return EmptyResult(hint), nil
	}
	if !matchesHint(hint, res.Value) {
		return Result{}, newError(CodeTypeMismatch, path, "expected %s, got %s", hint, describe(res.Value))
	}
	if hint != ir.TypeAny {
		res.Type = hint
	}
	return res, nil
}

func describe(v ir.IRValue) string {
	if t := typeOf(v); t != ir.TypeAny {
		return string(t)
	}
	return "null"
}

func evalLiteral(e *ir.Expression) Result {
	if e.Value == nil || ir.IsNull(e.Value.Value) {
		return EmptyResult(e.TypeHint)
	}
	return valueResult(e.Value.Value)
}

// Field path roots.
const (
	RootCurrentValues  = "currentValues"
	RootPreviousValues = "previousValues"
	RootMetadata       = "metadata"
	RootFragments      = "fragments"
	RootItem           = "item"
	RootSource         = "source"
	RootSourceDocID    = "sourceDocId"
	RootTenantID       = "tenantId"
	RootContextKey     = "contextKey"
	RootEventID        = "eventId"
)

func evalField(e *ir.Expression, env *Env, path string) (Result, error) {
	if e.Path == "" {
		return Result{}, newError(CodeInvalidExpression, path, "field expression requires a path")
	}
	segs := strings.Split(e.Path, ".")
	root, rest := segs[0], segs[1:]

	var container ir.IRValue
	switch root {
	case RootCurrentValues, RootPreviousValues, RootMetadata:
		if env.Event == nil {
			return EmptyResult(e.TypeHint), nil
		}
		switch root {
		case RootCurrentValues:
			container = env.Event.CurrentValues
		case RootPreviousValues:
			container = env.Event.PreviousValues
		default:
			container = env.Event.Metadata
		}
	case RootFragments:
		container = env.Fragments
	case RootItem:
		if !env.hasItem {
			return Result{}, newError(CodeInvalidExpression, path, "item is only defined inside an aggregate")
		}
		container = env.item
	case RootSource, RootSourceDocID, RootTenantID, RootContextKey, RootEventID:
		if len(rest) > 0 {
			return Result{}, newError(CodeInvalidExpression, path, "%s has no nested fields", root)
		}
		s := scalarRoot(root, env)
		if s == "" {
			return EmptyResult(e.TypeHint), nil
		}
		return valueResult(ir.IRString(s)), nil
	default:
		return Result{}, newError(CodeInvalidExpression, path, "unknown field root %q", root)
	}

	v, ok := ir.LookupPath(container, rest)
	if !ok {
		return EmptyResult(e.TypeHint), nil
	}
	return valueResult(v), nil
}

func scalarRoot(root string, env *Env) string {
	switch root {
	case RootTenantID:
		return env.TenantID
	case RootContextKey:
		return env.Target.ContextKey
	}
	if env.Event == nil {
		return ""
	}
	switch root {
	case RootSource:
		return env.Event.Source
	case RootSourceDocID:
		return env.Event.SourceDocID
	case RootEventID:
		return env.Event.ID
	}
	return ""
}

func evalConditional(e *ir.Expression, env *Env, path string) (Result, error) {
	if e.Condition == nil || e.Then == nil {
		return Result{}, newError(CodeInvalidExpression, path, "conditional requires condition and then")
	}
	cond, err := eval(e.Condition, env, child(path, "condition"))
	if err != nil {
		return Result{}, err
	}

	branch, branchPath := e.Else, child(path, "else")
	if !cond.Empty {
		b, ok := cond.Value.(ir.IRBool)
		if !ok {
			return Result{}, newError(CodeTypeMismatch, child(path, "condition"), "expected boolean, got %s", describe(cond.Value))
		}
		if b {
			branch, branchPath = e.Then, child(path, "then")
		}
	}
	if branch == nil {
		return EmptyResult(e.TypeHint), nil
	}
	return eval(branch, env, branchPath)
}

func evalReference(e *ir.Expression, env *Env, path string) (Result, error) {
	ref := e.Target
	if ref == nil || ref.FieldID == "" {
		return Result{}, newError(CodeInvalidExpression, path, "reference requires target.fieldId")
	}

	target := ir.TargetID{
		DomainID:   env.Target.DomainID,
		ContextKey: env.Target.ContextKey,
		FieldID:    ref.FieldID,
	}
	if ref.DomainID != "" {
		target.DomainID = ref.DomainID
	}
	if ref.ContextKey != nil {
		key, err := eval(ref.ContextKey, env, child(path, "target.contextKey"))
		if err != nil {
			return Result{}, err
		}
		if key.Empty {
			return EmptyResult(e.TypeHint), nil
		}
		switch k := key.Value.(type) {
		case ir.IRString:
			target.ContextKey = string(k)
		case ir.IRInt:
			target.ContextKey = strconv.FormatInt(int64(k), 10)
		default:
			return Result{}, newError(CodeTypeMismatch, child(path, "target.contextKey"), "expected string, got %s", describe(key.Value))
		}
	}

	if env.Resolve == nil {
		return EmptyResult(e.TypeHint), nil
	}
	v, ok := env.Resolve(target)
	if !ok || ir.IsNull(v) {
		return EmptyResult(e.TypeHint), nil
	}
	return valueResult(v), nil
}
