package expr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/unirep/internal/ir"
)

var fieldRoots = map[string]bool{
	RootCurrentValues: true, RootPreviousValues: true, RootMetadata: true,
	RootFragments: true, RootItem: true, RootSource: true, RootSourceDocID: true,
	RootTenantID: true, RootContextKey: true, RootEventID: true,
}

// Validate checks an expression tree statically: known kinds, type hints,
// operators and aggregates, required payload, arity and field roots.
// All problems are reported, joined.
func Validate(e *ir.Expression) error {
	var errs []error
	validate(e, "", false, &errs)
	return errors.Join(errs...)
}

func validate(e *ir.Expression, path string, inAggregate bool, errs *[]error) {
	if e == nil {
		*errs = append(*errs, newError(CodeInvalidExpression, path, "missing expression"))
		return
	}
	if !knownHint(e.TypeHint) {
		*errs = append(*errs, newError(CodeInvalidExpression, path, "unknown typeHint %q", e.TypeHint))
	}

	switch e.Kind {
	case ir.KindLiteral:
		if e.Value != nil && !ir.IsNull(e.Value.Value) && !matchesHint(e.TypeHint, e.Value.Value) {
			*errs = append(*errs, newError(CodeTypeMismatch, path, "literal is %s, declared %s", describe(e.Value.Value), e.TypeHint))
		}
	case ir.KindField:
		root, _, _ := strings.Cut(e.Path, ".")
		switch {
		case e.Path == "":
			*errs = append(*errs, newError(CodeInvalidExpression, path, "field expression requires a path"))
		case !fieldRoots[root]:
			*errs = append(*errs, newError(CodeInvalidExpression, path, "unknown field root %q", root))
		case root == RootItem && !inAggregate:
			*errs = append(*errs, newError(CodeInvalidExpression, path, "item is only defined inside an aggregate"))
		}
	case ir.KindOperator:
		if err := checkArity(e, path); err != nil {
			*errs = append(*errs, err)
		}
		for i, op := range e.Operands {
			validate(op, operandPath(path, i), inAggregate, errs)
		}
	case ir.KindConditional:
		if e.Condition == nil || e.Then == nil {
			*errs = append(*errs, newError(CodeInvalidExpression, path, "conditional requires condition and then"))
		}
		if e.Condition != nil {
			validate(e.Condition, child(path, "condition"), inAggregate, errs)
		}
		if e.Then != nil {
			validate(e.Then, child(path, "then"), inAggregate, errs)
		}
		if e.Else != nil {
			validate(e.Else, child(path, "else"), inAggregate, errs)
		}
	case ir.KindAggregate:
		if !knownAggregates[e.Aggregate] {
			*errs = append(*errs, newError(CodeInvalidExpression, path, "unknown aggregate %q", e.Aggregate))
		}
		if e.List == nil {
			*errs = append(*errs, newError(CodeInvalidExpression, path, "aggregate requires list"))
		} else {
			validate(e.List, child(path, "list"), inAggregate, errs)
		}
		if e.Item != nil {
			validate(e.Item, child(path, "item"), true, errs)
		}
	case ir.KindReference:
		if e.Target == nil || e.Target.FieldID == "" {
			*errs = append(*errs, newError(CodeInvalidExpression, path, "reference requires target.fieldId"))
		} else if e.Target.ContextKey != nil {
			validate(e.Target.ContextKey, child(path, "target.contextKey"), inAggregate, errs)
		}
	default:
		*errs = append(*errs, newError(CodeUnknownKind, path, "unknown expressionKind %q", e.Kind))
	}
}

// ValidateTemplate validates every expression discovered in a fragment
// template or other nested document.
func ValidateTemplate(root ir.IRValue) error {
	var errs []error
	for found := range Walk(root) {
		if found.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", found.Path, found.Err))
			continue
		}
		if err := Validate(found.Expression); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", found.Path, err))
		}
	}
	return errors.Join(errs...)
}

// FirstError returns the first *Error inside a joined validation error.
func FirstError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
