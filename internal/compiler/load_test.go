package compiler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const statusDomainCUE = `package domains

domain: status: {
	trigger: {sources: ["cases"], contextKey: {expressionKind: "field", path: "sourceDocId"}}
	fields: state: expression: {expressionKind: "field", path: "currentValues.state"}
}
`

const labelDomainCUE = `package domains

domain: label: {
	trigger: {sources: ["cases"], contextKey: {expressionKind: "field", path: "sourceDocId"}}
	fields: text: expression: {expressionKind: "reference", target: {domainId: "status", fieldId: "state"}}
}
`

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "status.cue", statusDomainCUE)
	writeFile(t, dir, "label.cue", labelDomainCUE)

	res, errs := LoadDir(dir, LoadModeCollectAll)
	require.Empty(t, errs)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.FileCount)
	require.Len(t, res.Definitions, 2)

	ids := []string{res.Definitions[0].Domain.ID, res.Definitions[1].Domain.ID}
	assert.ElementsMatch(t, []string{"status", "label"}, ids)
	assert.Empty(t, ValidateAll(res.Definitions))
}

func TestLoadDirErrors(t *testing.T) {
	_, errs := LoadDir(filepath.Join(t.TempDir(), "missing"), LoadModeFailFast)
	require.Len(t, errs, 1)
	var le *LoadError
	require.True(t, errors.As(errs[0], &le))
	assert.Equal(t, ErrCodeNotFound, le.Code)

	_, errs = LoadDir(t.TempDir(), LoadModeFailFast)
	require.True(t, errors.As(errs[0], &le))
	assert.Equal(t, ErrCodeNoFiles, le.Code)
}

func TestLoadCollectsCompileErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.cue", `package domains

domain: a: fields: x: expression: {expressionKind: "field", path: "currentValues.x"}
domain: b: {
	trigger: {sources: ["s"], contextKey: {expressionKind: "field", path: "sourceDocId"}}
	fields: {}
}
domain: c: {
	trigger: {sources: ["s"], contextKey: {expressionKind: "field", path: "sourceDocId"}}
	fields: x: expression: {expressionKind: "field", path: "currentValues.x"}
}
`)

	res, errs := LoadDir(dir, LoadModeCollectAll)
	require.Len(t, errs, 2)
	require.NotNil(t, res)
	require.Len(t, res.Definitions, 1)
	assert.Equal(t, "c", res.Definitions[0].Domain.ID)

	var le *LoadError
	require.True(t, errors.As(errs[0], &le))
	assert.Equal(t, ErrNoSources, le.Code)
	require.True(t, errors.As(errs[1], &le))
	assert.Equal(t, ErrNoFields, le.Code)

	_, errs = LoadDir(dir, LoadModeFailFast)
	assert.Len(t, errs, 1)
}

func TestLoadFiles(t *testing.T) {
	a := writeFile(t, t.TempDir(), "status.cue", statusDomainCUE)
	b := writeFile(t, t.TempDir(), "label.cue", labelDomainCUE)

	res, errs := LoadFiles([]string{a, b}, LoadModeFailFast)
	require.Empty(t, errs)
	require.Len(t, res.Definitions, 2)

	_, errs = LoadFiles([]string{filepath.Join(t.TempDir(), "nope.cue")}, LoadModeFailFast)
	var le *LoadError
	require.True(t, errors.As(errs[0], &le))
	assert.Equal(t, ErrCodeNotFound, le.Code)

	broken := writeFile(t, t.TempDir(), "broken.cue", "domain: {")
	_, errs = LoadFiles([]string{broken}, LoadModeFailFast)
	require.True(t, errors.As(errs[0], &le))
	assert.Equal(t, ErrCodeBuildFailed, le.Code)
}

func TestMapFieldToErrorCode(t *testing.T) {
	assert.Equal(t, ErrNoContextKey, MapFieldToErrorCode("trigger.contextKey"))
	assert.Equal(t, ErrMissingFieldExpr, MapFieldToErrorCode("fields.x.expression"))
	assert.Equal(t, ErrInvalidPolicy, MapFieldToErrorCode("policy"))
	assert.Equal(t, ErrCodeGeneric, MapFieldToErrorCode("cue"))
}
