package ir

import (
	"encoding/json"
	"fmt"
)

// Keys that mark structured nodes inside arbitrary documents.
const (
	// ExpressionKindKey tags an object as an Expression node.
	ExpressionKindKey = "expressionKind"

	// RepresentationKindKey tags an object as a ViewItem.
	RepresentationKindKey = "representationKind"
)

// ExpressionKind is the tag of an expression node.
type ExpressionKind string

const (
	KindLiteral     ExpressionKind = "literal"
	KindField       ExpressionKind = "field"
	KindOperator    ExpressionKind = "operator"
	KindConditional ExpressionKind = "conditional"
	KindAggregate   ExpressionKind = "aggregate"
	KindReference   ExpressionKind = "reference"
)

// TypeHint declares the runtime type an expression must produce.
// The zero value leaves the result unchecked.
type TypeHint string

const (
	TypeAny     TypeHint = ""
	TypeBoolean TypeHint = "boolean"
	TypeNumber  TypeHint = "number"
	TypeString  TypeHint = "string"
	TypeDate    TypeHint = "date"
	TypeList    TypeHint = "list"
	TypeObject  TypeHint = "object"
)

// Expression is a tagged expression node. Only the payload fields relevant to
// Kind are populated:
//
//	literal      Value
//	field        Path (dotted, rooted at currentValues, previousValues, metadata, ...)
//	operator     Operator, Operands
//	conditional  Condition, Then, Else
//	aggregate    Aggregate, List, Item
//	reference    Target
type Expression struct {
	Kind     ExpressionKind `json:"expressionKind"`
	TypeHint TypeHint       `json:"typeHint,omitempty"`

	Value *Literal `json:"value,omitempty"`

	Path string `json:"path,omitempty"`

	Operator string        `json:"operator,omitempty"`
	Operands []*Expression `json:"operands,omitempty"`

	Condition *Expression `json:"condition,omitempty"`
	Then      *Expression `json:"then,omitempty"`
	Else      *Expression `json:"else,omitempty"`

	Aggregate string      `json:"aggregate,omitempty"`
	List      *Expression `json:"list,omitempty"`
	Item      *Expression `json:"item,omitempty"`

	Target *TargetRef `json:"target,omitempty"`
}

// TargetRef addresses another target from a reference expression.
// An empty DomainID means the evaluating target's domain; a nil ContextKey
// means the evaluating target's context key.
type TargetRef struct {
	DomainID   string      `json:"domainId,omitempty"`
	ContextKey *Expression `json:"contextKey,omitempty"`
	FieldID    string      `json:"fieldId"`
}

// Lit builds a literal expression.
func Lit(v IRValue, hint TypeHint) *Expression {
	return &Expression{Kind: KindLiteral, TypeHint: hint, Value: NewLiteral(v)}
}

// Field builds a field reference expression.
func Field(path string, hint TypeHint) *Expression {
	return &Expression{Kind: KindField, TypeHint: hint, Path: path}
}

// Op builds an operator expression.
func Op(operator string, hint TypeHint, operands ...*Expression) *Expression {
	return &Expression{Kind: KindOperator, TypeHint: hint, Operator: operator, Operands: operands}
}

// Ref builds a cross-target reference to fieldID of the same proxy.
func Ref(fieldID string, hint TypeHint) *Expression {
	return &Expression{Kind: KindReference, TypeHint: hint, Target: &TargetRef{FieldID: fieldID}}
}

// IsExpressionObject reports whether obj carries an expressionKind tag.
func IsExpressionObject(obj IRObject) bool {
	_, ok := obj[ExpressionKindKey].(IRString)
	return ok
}

// DecodeExpression converts a generic object (from a fragment template or a
// decoded configuration document) into an Expression.
func DecodeExpression(obj IRObject) (*Expression, error) {
	data, err := MarshalCanonical(obj)
	if err != nil {
		return nil, err
	}
	var e Expression
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode expression: %w", err)
	}
	return &e, nil
}

// Children returns the direct sub-expressions of e in a stable order.
func (e *Expression) Children() []*Expression {
	if e == nil {
		return nil
	}
	var out []*Expression
	out = append(out, e.Operands...)
	for _, c := range []*Expression{e.Condition, e.Then, e.Else, e.List, e.Item} {
		if c != nil {
			out = append(out, c)
		}
	}
	if e.Target != nil && e.Target.ContextKey != nil {
		out = append(out, e.Target.ContextKey)
	}
	return out
}

// References returns every reference node in the tree rooted at e.
func (e *Expression) References() []*Expression {
	var refs []*Expression
	stack := []*Expression{e}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			continue
		}
		if n.Kind == KindReference {
			refs = append(refs, n)
		}
		children := n.Children()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return refs
}
