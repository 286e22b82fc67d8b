package expr

import (
	"errors"
	"fmt"

	"github.com/roach88/unirep/internal/ir"
)

// Error codes for expression failures.
const (
	// CodeTypeMismatch: a runtime value does not match a declared typeHint or an
	// operator's operand requirements.
	CodeTypeMismatch = "TYPE_MISMATCH"

	// CodeUnknownKind: the expressionKind tag is not recognized.
	CodeUnknownKind = "UNKNOWN_KIND"

	// CodeInvalidExpression: a node is missing required payload, names an unknown
	// operator, has the wrong arity, or uses an unknown field root.
	CodeInvalidExpression = "INVALID_EXPRESSION"

	// CodeDivisionByZero: div or mod with a zero divisor.
	CodeDivisionByZero = "DIVISION_BY_ZERO"
)

// Error is a failure raised while validating or evaluating an expression.
// Path locates the failing node within the tree ("" for the root).
type Error struct {
	Code    string
	Path    string
	Message string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s at %s: %s", e.Code, e.Path, e.Message)
}

func newError(code, path, format string, args ...any) *Error {
	return &Error{Code: code, Path: path, Message: fmt.Sprintf(format, args...)}
}

// Class maps an expression error to the error taxonomy. Unknown kinds and
// malformed nodes are configuration errors; everything else is a data error.
func Class(err error) ir.ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		switch e.Code {
		case CodeUnknownKind, CodeInvalidExpression:
			return ir.ClassConfiguration
		}
		return ir.ClassData
	}
	return ir.ClassTransient
}

// Code extracts the error code, or "" when err is not an expression error.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTypeMismatch reports whether err is a TYPE_MISMATCH expression error.
func IsTypeMismatch(err error) bool {
	return Code(err) == CodeTypeMismatch
}

// IsConfigurationError reports whether err stems from a malformed expression.
func IsConfigurationError(err error) bool {
	return Class(err) == ir.ClassConfiguration
}
