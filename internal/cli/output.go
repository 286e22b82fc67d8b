package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/unirep/internal/engine"
	"github.com/roach88/unirep/internal/ir"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Validation failure, failed scenarios, standing errors
	ExitCommandError = 2 // Command error (invalid paths, database not found, etc.)
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
//
// Commands that run evaluation passes also report the pass totals and the
// standing errors left behind, so a caller sees failed targets without a
// second "errors" call.
type CLIResponse struct {
	Status         string             `json:"status"`                    // "ok" or "error"
	Data           any                `json:"data,omitempty"`            // success payload
	Pass           *engine.PassResult `json:"pass,omitempty"`            // totals of the passes run
	StandingErrors []ir.StandingError `json:"standing_errors,omitempty"` // errors standing after the passes
	Error          *CLIError          `json:"error,omitempty"`           // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E_NOT_FOUND", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}

	// Human-readable text output
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Processed outputs the result of a command that ran evaluation passes,
// followed by the pass totals and every standing error.
func (f *OutputFormatter) Processed(data any, pass engine.PassResult, standing []ir.StandingError) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{Status: "ok", Data: data, Pass: &pass, StandingErrors: standing})
	}

	if data != nil {
		fmt.Fprintln(f.Writer, data)
	}
	printPass(f.Writer, pass)
	for _, se := range standing {
		printStandingError(f.Writer, se)
	}
	return nil
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func printPass(w io.Writer, p engine.PassResult) {
	fmt.Fprintf(w, "Pass: %d evaluated, %d changed, %d failed, %d deferred, %d blocked, %d suspended\n",
		p.Evaluated, p.Changed, p.Failed, p.Deferred, p.Blocked, p.Suspended)
}

func printStandingError(w io.Writer, se ir.StandingError) {
	target := se.DomainID
	if se.TargetID != "" {
		target = se.TargetID
	}
	fmt.Fprintf(w, "✗ %s %s (%s, %d attempt(s)): %s\n", se.Code, target, se.Class, se.Attempts, se.Message)
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// Fail reports an error in the configured format and returns it as an
// ExitError carrying code.
func (f *OutputFormatter) Fail(exitCode int, code, message string, err error) error {
	details := any(nil)
	if err != nil {
		details = err.Error()
	}
	_ = f.Error(code, message, details)
	return WrapExitError(exitCode, message, err)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
