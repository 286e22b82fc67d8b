package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/unirep/internal/ir"
)

// Definition is one compiled domain plus its optional graph policy.
type Definition struct {
	Domain ir.Domain       `json:"domain"`
	Policy *ir.GraphPolicy `json:"policy,omitempty"`
}

// CompileDomain parses a CUE value into a Definition.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the domain struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`domain: case: { ... }`)
//	def, err := CompileDomain(v.LookupPath(cue.ParsePath("domain.case")))
//
// The domain id is the struct label. Expressions are written in their JSON
// shape ({expressionKind: "field", path: "currentValues.status"}).
func CompileDomain(v cue.Value) (*Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &Definition{}
	d := &def.Domain

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		d.ID = labels[len(labels)-1].Unquoted()
	}
	if d.ID == "" {
		return nil, &CompileError{Field: "domain", Message: "domain id is required", Pos: v.Pos()}
	}

	if nameVal := v.LookupPath(cue.ParsePath("name")); nameVal.Exists() {
		name, err := nameVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		d.Name = name
	}

	trigger, err := parseTrigger(v)
	if err != nil {
		return nil, err
	}
	d.Trigger = trigger

	if d.ProxyFields, err = parseFields(v); err != nil {
		return nil, err
	}
	if len(d.ProxyFields) == 0 {
		return nil, &CompileError{Field: "fields", Message: "at least one field is required", Pos: v.Pos()}
	}

	if fragVal := v.LookupPath(cue.ParsePath("fragments")); fragVal.Exists() {
		frags, err := decodeObject(fragVal, "fragments")
		if err != nil {
			return nil, err
		}
		d.Fragments = frags
	}

	if polVal := v.LookupPath(cue.ParsePath("policy")); polVal.Exists() {
		p, err := parsePolicy(polVal, d.ID)
		if err != nil {
			return nil, err
		}
		def.Policy = p
	}

	return def, nil
}

// parseTrigger extracts sources, the context key and the optional emit
// expression.
func parseTrigger(v cue.Value) (ir.Trigger, error) {
	var t ir.Trigger
	tv := v.LookupPath(cue.ParsePath("trigger"))
	if !tv.Exists() {
		return t, &CompileError{Field: "trigger", Message: "trigger is required", Pos: v.Pos()}
	}

	srcVal := tv.LookupPath(cue.ParsePath("sources"))
	if !srcVal.Exists() {
		return t, &CompileError{Field: "trigger.sources", Message: "sources are required", Pos: tv.Pos()}
	}
	iter, err := srcVal.List()
	if err != nil {
		return t, formatCUEError(err)
	}
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return t, formatCUEError(err)
		}
		t.Sources = append(t.Sources, s)
	}
	if len(t.Sources) == 0 {
		return t, &CompileError{Field: "trigger.sources", Message: "at least one source is required", Pos: srcVal.Pos()}
	}

	keyVal := tv.LookupPath(cue.ParsePath("contextKey"))
	if !keyVal.Exists() {
		return t, &CompileError{Field: "trigger.contextKey", Message: "contextKey expression is required", Pos: tv.Pos()}
	}
	if t.ContextKeyExpression, err = decodeExpression(keyVal, "trigger.contextKey"); err != nil {
		return t, err
	}

	if emitVal := tv.LookupPath(cue.ParsePath("emit")); emitVal.Exists() {
		if t.EmitExpression, err = decodeExpression(emitVal, "trigger.emit"); err != nil {
			return t, err
		}
	}
	return t, nil
}

// parseFields extracts proxy fields in declaration order.
func parseFields(v cue.Value) ([]ir.ProxyField, error) {
	var fields []ir.ProxyField

	fv := v.LookupPath(cue.ParsePath("fields"))
	if !fv.Exists() {
		return fields, nil
	}
	iter, err := fv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		id := iter.Label()
		val := iter.Value()
		field := ir.ProxyField{ID: id, Name: id}

		if nameVal := val.LookupPath(cue.ParsePath("name")); nameVal.Exists() {
			name, err := nameVal.String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			field.Name = name
		}

		exprVal := val.LookupPath(cue.ParsePath("expression"))
		if !exprVal.Exists() {
			return nil, &CompileError{
				Field:   fmt.Sprintf("fields.%s.expression", id),
				Message: "field expression is required",
				Pos:     val.Pos(),
			}
		}
		if field.Expression, err = decodeExpression(exprVal, "fields."+id+".expression"); err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	return fields, nil
}

func parsePolicy(v cue.Value, domainID string) (*ir.GraphPolicy, error) {
	p := ir.DefaultPolicy()
	p.GraphID = domainID

	str := func(name string) (string, bool, error) {
		fv := v.LookupPath(cue.ParsePath(name))
		if !fv.Exists() {
			return "", false, nil
		}
		s, err := fv.String()
		if err != nil {
			return "", false, formatCUEError(err)
		}
		return s, true, nil
	}

	if s, ok, err := str("horizontal"); err != nil {
		return nil, err
	} else if ok {
		p.Horizontal = ir.HorizontalPolicy(s)
	}
	if s, ok, err := str("vertical"); err != nil {
		return nil, err
	} else if ok {
		p.Vertical = ir.VerticalPolicy(s)
	}
	if s, ok, err := str("parentOrder"); err != nil {
		return nil, err
	} else if ok {
		p.ParentOrder = ir.ParentOrder(s)
	}

	if err := p.Validate(); err != nil {
		return nil, &CompileError{Field: "policy", Message: err.Error(), Pos: v.Pos()}
	}
	return &p, nil
}

// decodeObject exports a concrete CUE struct as an IR object.
func decodeObject(v cue.Value, field string) (ir.IRObject, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	val, err := ir.ParseJSON(data)
	if err != nil {
		return nil, &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()}
	}
	obj, ok := val.(ir.IRObject)
	if !ok {
		return nil, &CompileError{Field: field, Message: "must be a struct", Pos: v.Pos()}
	}
	return obj, nil
}

func decodeExpression(v cue.Value, field string) (*ir.Expression, error) {
	obj, err := decodeObject(v, field)
	if err != nil {
		return nil, err
	}
	if !ir.IsExpressionObject(obj) {
		return nil, &CompileError{Field: field, Message: "expressionKind is required", Pos: v.Pos()}
	}
	e, err := ir.DecodeExpression(obj)
	if err != nil {
		return nil, &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()}
	}
	return e, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
