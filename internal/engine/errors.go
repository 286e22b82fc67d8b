package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/unirep/internal/expr"
	"github.com/roach88/unirep/internal/ir"
)

// RuntimeError represents an error detected while matching or evaluating.
//
// Runtime errors include:
//   - Cycle detection: a target kept changing past the allowed deferrals
//   - Context key type: a trigger produced a non-string context key
//   - Configuration: a domain or policy failed validation
//   - Retry exhaustion: a data error outlived the attempt budget
//   - Persistence: the store rejected a read or write
type RuntimeError struct {
	Code RuntimeErrorCode

	Message string

	TenantID string
	DomainID string

	// TargetID is the rendered ir.TargetID, empty for domain-level errors.
	TargetID string

	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeCycleDetected indicates a reference cycle that did not converge.
	ErrCodeCycleDetected RuntimeErrorCode = "CYCLE_DETECTED"

	// ErrCodeContextKeyType indicates a context key that is neither string nor integer.
	ErrCodeContextKeyType RuntimeErrorCode = "CONTEXT_KEY_TYPE"

	// ErrCodeConfiguration indicates an invalid domain, trigger or policy.
	ErrCodeConfiguration RuntimeErrorCode = "CONFIGURATION"

	// ErrCodeRetryExhausted indicates a data error that kept failing.
	ErrCodeRetryExhausted RuntimeErrorCode = "RETRY_EXHAUSTED"

	// ErrCodePersistence indicates a store failure.
	ErrCodePersistence RuntimeErrorCode = "PERSISTENCE"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	switch {
	case e.TargetID != "":
		msg += fmt.Sprintf(" (target=%s)", e.TargetID)
	case e.DomainID != "":
		msg += fmt.Sprintf(" (domain=%s)", e.DomainID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Class maps the code onto the error taxonomy.
func (e *RuntimeError) Class() ir.ErrorClass {
	switch e.Code {
	case ErrCodeCycleDetected, ErrCodeContextKeyType, ErrCodeConfiguration:
		return ir.ClassConfiguration
	case ErrCodeRetryExhausted:
		return ir.ClassData
	default:
		return ir.ClassTransient
	}
}

// IsCycleError returns true if the error is a cycle detection error.
func IsCycleError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeCycleDetected
	}
	return false
}

// IsConfigurationError returns true for configuration-class errors, whether
// raised by the engine or by the expression evaluator.
func IsConfigurationError(err error) bool {
	return err != nil && ClassOf(err) == ir.ClassConfiguration
}

// ClassOf classifies any pipeline error. Errors the engine and evaluator do
// not recognize are treated as transient infrastructure failures.
func ClassOf(err error) ir.ErrorClass {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Class()
	}
	return expr.Class(err)
}

// CodeOf returns the standing-error code for err.
func CodeOf(err error) string {
	var re *RuntimeError
	if errors.As(err, &re) {
		return string(re.Code)
	}
	if code := expr.Code(err); code != "" {
		return code
	}
	return string(ErrCodePersistence)
}

// NewCycleError creates a RuntimeError for a target that kept changing.
func NewCycleError(tenantID string, target ir.TargetID, deferrals int) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeCycleDetected,
		Message:  fmt.Sprintf("target stayed on a reference cycle for %d passes", deferrals),
		TenantID: tenantID,
		DomainID: target.DomainID,
		TargetID: target.String(),
	}
}

// NewRetryExhaustedError wraps the last data error of a target.
func NewRetryExhaustedError(tenantID string, target ir.TargetID, attempts int, cause error) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeRetryExhausted,
		Message:  fmt.Sprintf("evaluation failed %d times", attempts),
		TenantID: tenantID,
		DomainID: target.DomainID,
		TargetID: target.String(),
		Err:      cause,
	}
}

func persistenceError(op string, err error) *RuntimeError {
	return &RuntimeError{Code: ErrCodePersistence, Message: op, Err: err}
}

// NewContextKeyTypeError reports a context key of an unsupported type.
func NewContextKeyTypeError(domainID string, got ir.IRValue) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeContextKeyType,
		Message:  fmt.Sprintf("context key must be a string or integer, got %T", got),
		DomainID: domainID,
	}
}

// NewConfigurationError reports an invalid domain, trigger or policy.
func NewConfigurationError(domainID, msg string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeConfiguration,
		Message:  msg,
		DomainID: domainID,
		Err:      cause,
	}
}
