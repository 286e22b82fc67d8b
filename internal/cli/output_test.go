package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unirep/internal/engine"
	"github.com/roach88/unirep/internal/ir"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]int{"accepted": 2}))

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data["accepted"])
}

func TestOutputFormatter_ProcessedCarriesPassAndStandingErrors(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	pass := engine.PassResult{Evaluated: 3, Changed: 2, Failed: 1}
	standing := []ir.StandingError{{
		TenantID: "t1", Scope: ir.ScopeTarget, DomainID: "case", TargetID: "case/c1/total",
		Code: "TYPE_MISMATCH", Class: ir.ClassData, Message: "add expects number", Attempts: 1,
	}}
	require.NoError(t, formatter.Processed(ProcessResult{Unprocessed: 4}, pass, standing))

	var resp struct {
		Status         string             `json:"status"`
		Data           ProcessResult      `json:"data"`
		Pass           engine.PassResult  `json:"pass"`
		StandingErrors []ir.StandingError `json:"standing_errors"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 4, resp.Data.Unprocessed)
	assert.Equal(t, pass, resp.Pass)
	require.Len(t, resp.StandingErrors, 1)
	assert.Equal(t, "case/c1/total", resp.StandingErrors[0].TargetID)
}

func TestOutputFormatter_ProcessedText(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	standing := []ir.StandingError{{
		Scope: ir.ScopeDomain, DomainID: "case", Code: "CYCLE_DETECTED", Class: ir.ClassConfiguration, Message: "a -> b -> a",
	}}
	require.NoError(t, formatter.Processed(IngestResult{Accepted: 2}, engine.PassResult{Evaluated: 5}, standing))

	out := buf.String()
	assert.Contains(t, out, "Ingested 2 event(s), 0 coalesced")
	assert.Contains(t, out, "Pass: 5 evaluated")
	assert.Contains(t, out, "✗ CYCLE_DETECTED case (configuration, 0 attempt(s)): a -> b -> a")
}

func TestOutputFormatter_SuccessOmitsPass(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(ProcessResult{}))
	assert.NotContains(t, buf.String(), `"pass"`)
	assert.NotContains(t, buf.String(), `"standing_errors"`)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeNotFound, "no proxy case/c1", map[string]string{"tenant": "t1"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, "no proxy case/c1", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error("E001", "compilation failed", "hidden"))
	assert.Contains(t, buf.String(), "Error [E001]: compilation failed")
	assert.NotContains(t, buf.String(), "hidden")

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error("E001", "compilation failed", "shown"))
	assert.Contains(t, buf.String(), "Details: shown")
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	cause := errors.New("disk full")
	err := formatter.Fail(ExitCommandError, ErrCodeDatabase, "failed to append event", cause)

	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, cause)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, ErrCodeDatabase, resp.Error.Code)
	assert.Equal(t, "disk full", resp.Error.Details)
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag}

	formatter.VerboseLog("Compiling domain: %s", "case")
	assert.Empty(t, diag.String())

	formatter.Verbose = true
	formatter.VerboseLog("Compiling domain: %s", "case")
	assert.Equal(t, "Compiling domain: case\n", diag.String())
	assert.Empty(t, out.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad path")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "scenarios failed", errors.New("x")))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.Equal(t, "outer: scenarios failed: x", wrapped.Error())
}
