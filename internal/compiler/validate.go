package compiler

import (
	"fmt"
	"slices"

	"github.com/roach88/unirep/internal/expr"
	"github.com/roach88/unirep/internal/ir"
)

// Validation error codes (E100-E199)
const (
	// Structure (E100-E109)
	ErrDomainID         = "E101" // domain id is required
	ErrNoSources        = "E102" // trigger needs at least one source
	ErrNoContextKey     = "E103" // contextKey expression is required
	ErrNoFields         = "E104" // at least one field is required
	ErrDuplicateField   = "E105" // duplicate field id
	ErrDuplicateDomain  = "E106" // two definitions share an id
	ErrMissingFieldExpr = "E107" // field has no expression

	// Expressions (E110-E119)
	ErrUnknownKind       = "E110" // unknown expressionKind
	ErrInvalidExpression = "E111" // malformed expression node
	ErrLiteralType       = "E112" // literal does not match its typeHint
	ErrUnknownReference  = "E113" // reference to an undeclared domain or field
	ErrInvalidFragment   = "E114" // malformed fragment template

	// Policy (E120)
	ErrInvalidPolicy = "E120"
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks one definition in isolation. Returns all errors found
// (does not fail-fast). References to other domains are not resolved; use
// ValidateAll for that.
func Validate(def *Definition) []ValidationError {
	return validateDefinition(def, nil)
}

// ValidateAll validates every definition and resolves references across
// them. A reference to a domain outside defs is an error.
func ValidateAll(defs []Definition) []ValidationError {
	domains := make(map[string]*ir.Domain, len(defs))
	var errs []ValidationError
	for i := range defs {
		d := &defs[i].Domain
		if _, dup := domains[d.ID]; dup && d.ID != "" {
			errs = append(errs, ValidationError{
				Field:   "domain." + d.ID,
				Message: fmt.Sprintf("duplicate domain id %q", d.ID),
				Code:    ErrDuplicateDomain,
			})
			continue
		}
		domains[d.ID] = d
	}
	for i := range defs {
		errs = append(errs, validateDefinition(&defs[i], domains)...)
	}
	return errs
}

func validateDefinition(def *Definition, domains map[string]*ir.Domain) []ValidationError {
	var errs []ValidationError
	d := &def.Domain
	prefix := "domain." + d.ID

	if d.ID == "" {
		errs = append(errs, ValidationError{Field: "domain", Message: "domain id is required", Code: ErrDomainID})
	}
	if len(d.Trigger.Sources) == 0 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".trigger.sources",
			Message: "at least one source is required",
			Code:    ErrNoSources,
		})
	}
	if d.Trigger.ContextKeyExpression == nil {
		errs = append(errs, ValidationError{
			Field:   prefix + ".trigger.contextKey",
			Message: "contextKey expression is required",
			Code:    ErrNoContextKey,
		})
	} else {
		errs = append(errs, expressionErrors(prefix+".trigger.contextKey", d.Trigger.ContextKeyExpression)...)
	}
	if d.Trigger.EmitExpression != nil {
		errs = append(errs, expressionErrors(prefix+".trigger.emit", d.Trigger.EmitExpression)...)
	}

	if len(d.ProxyFields) == 0 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".fields",
			Message: "at least one field is required",
			Code:    ErrNoFields,
		})
	}
	seen := make(map[string]bool, len(d.ProxyFields))
	for _, f := range d.ProxyFields {
		field := prefix + ".fields." + f.ID
		if seen[f.ID] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("duplicate field id %q", f.ID),
				Code:    ErrDuplicateField,
			})
		}
		seen[f.ID] = true

		if f.Expression == nil {
			errs = append(errs, ValidationError{Field: field, Message: "expression is required", Code: ErrMissingFieldExpr})
			continue
		}
		errs = append(errs, expressionErrors(field, f.Expression)...)
		errs = append(errs, referenceErrors(field, d, f.Expression, domains)...)
	}

	if len(d.Fragments) > 0 {
		for found := range expr.Walk(d.Fragments) {
			field := prefix + ".fragments." + found.Path
			if found.Err != nil {
				errs = append(errs, ValidationError{Field: field, Message: found.Err.Error(), Code: ErrInvalidFragment})
				continue
			}
			errs = append(errs, expressionErrors(field, found.Expression)...)
			errs = append(errs, referenceErrors(field, d, found.Expression, domains)...)
		}
	}

	if def.Policy != nil {
		p := *def.Policy
		if p.GraphID == "" {
			p.GraphID = d.ID
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, ValidationError{Field: prefix + ".policy", Message: err.Error(), Code: ErrInvalidPolicy})
		} else if p.Horizontal != ir.HorizontalOverwrite {
			errs = append(errs, ValidationError{
				Field:   prefix + ".policy.horizontal",
				Message: fmt.Sprintf("unsupported horizontal policy %q", p.Horizontal),
				Code:    ErrInvalidPolicy,
			})
		}
	}
	return errs
}

// expressionErrors maps static expression problems to validation errors.
func expressionErrors(field string, e *ir.Expression) []ValidationError {
	err := expr.Validate(e)
	if err == nil {
		return nil
	}
	var out []ValidationError
	for _, single := range unjoin(err) {
		code := ErrInvalidExpression
		switch expr.Code(single) {
		case expr.CodeUnknownKind:
			code = ErrUnknownKind
		case expr.CodeTypeMismatch:
			code = ErrLiteralType
		}
		out = append(out, ValidationError{Field: field, Message: single.Error(), Code: code})
	}
	return out
}

// referenceErrors reports reference targets that no declared field matches.
// Cross-domain references are only checked when domains is non-nil.
func referenceErrors(field string, d *ir.Domain, e *ir.Expression, domains map[string]*ir.Domain) []ValidationError {
	var out []ValidationError
	for _, ref := range e.References() {
		if ref.Target == nil {
			continue
		}
		target := d
		if ref.Target.DomainID != "" && ref.Target.DomainID != d.ID {
			if domains == nil {
				continue
			}
			other, ok := domains[ref.Target.DomainID]
			if !ok {
				out = append(out, ValidationError{
					Field:   field,
					Message: fmt.Sprintf("reference to unknown domain %q", ref.Target.DomainID),
					Code:    ErrUnknownReference,
				})
				continue
			}
			target = other
		}
		if !slices.Contains(target.FieldIDs(), ref.Target.FieldID) {
			out = append(out, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("reference to undeclared field %s.%s", target.ID, ref.Target.FieldID),
				Code:    ErrUnknownReference,
			})
		}
	}
	return out
}

func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range j.Unwrap() {
			out = append(out, unjoin(e)...)
		}
		return out
	}
	return []error{err}
}
