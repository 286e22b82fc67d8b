package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalDomain = `package domains

domain: case: {
	trigger: {sources: ["cases"], contextKey: {expressionKind: "field", path: "sourceDocId"}}
	fields: status: expression: {expressionKind: "field", path: "currentValues.status"}
}
`

// writeScenario writes a domain file and a scenario next to it.
func writeScenario(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "case.cue"), []byte(minimalDomain), 0o644))
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: basic
description: one event
domains: [case.cue]
flow:
  - ingest:
      source: cases
      sourceDocId: c1
      currentValues: {status: OPEN}
    expect:
      duplicate: false
  - drain: true
  - advance: 2s
assertions:
  - type: proxy_field
    domain: case
    contextKey: c1
    field: status
    value: OPEN
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "basic", s.Name)
	require.Len(t, s.Domains, 1)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "case.cue"), s.Domains[0])
	require.Len(t, s.Flow, 3)
	require.NotNil(t, s.Flow[0].Ingest)
	assert.Equal(t, "c1", s.Flow[0].Ingest.SourceDocID)
	assert.Equal(t, "OPEN", s.Flow[0].Ingest.CurrentValues["status"])
	require.NotNil(t, s.Flow[0].Expect.Duplicate)
	assert.False(t, *s.Flow[0].Expect.Duplicate)
	assert.True(t, s.Flow[1].Drain)
	assert.Equal(t, "2s", s.Flow[2].Advance)
	assert.Equal(t, AssertProxyField, s.Assertions[0].Type)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: misspelled key
domains: [case.cue]
flow:
  - drain: true
assertion:
  - type: no_errors
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing name",
			body: "description: d\ndomains: [case.cue]\nflow: [{drain: true}]\nassertions: [{type: no_errors}]\n",
			want: "name is required",
		},
		{
			name: "missing domain file",
			body: "name: n\ndescription: d\ndomains: [other.cue]\nflow: [{drain: true}]\nassertions: [{type: no_errors}]\n",
			want: "domain file not found",
		},
		{
			name: "empty step",
			body: "name: n\ndescription: d\ndomains: [case.cue]\nflow: [{}]\nassertions: [{type: no_errors}]\n",
			want: "exactly one of ingest, update, drain or advance",
		},
		{
			name: "two kinds in one step",
			body: "name: n\ndescription: d\ndomains: [case.cue]\nflow: [{drain: true, advance: 1s}]\nassertions: [{type: no_errors}]\n",
			want: "exactly one of",
		},
		{
			name: "ingest without document",
			body: "name: n\ndescription: d\ndomains: [case.cue]\nflow: [{ingest: {source: cases}}]\nassertions: [{type: no_errors}]\n",
			want: "source and sourceDocId are required",
		},
		{
			name: "empty update",
			body: "name: n\ndescription: d\ndomains: [case.cue]\nflow: [{update: {domain: case, contextKey: c1}}]\nassertions: [{type: no_errors}]\n",
			want: "fields or fragments are required",
		},
		{
			name: "bad duration",
			body: "name: n\ndescription: d\ndomains: [case.cue]\nflow: [{advance: soon}]\nassertions: [{type: no_errors}]\n",
			want: "invalid duration",
		},
		{
			name: "duplicate expectation on drain",
			body: "name: n\ndescription: d\ndomains: [case.cue]\nflow: [{drain: true, expect: {duplicate: true}}]\nassertions: [{type: no_errors}]\n",
			want: "duplicate only applies to ingest",
		},
		{
			name: "unknown assertion",
			body: "name: n\ndescription: d\ndomains: [case.cue]\nflow: [{drain: true}]\nassertions: [{type: trace_contains}]\n",
			want: "unknown assertion type",
		},
		{
			name: "proxy_field without field",
			body: "name: n\ndescription: d\ndomains: [case.cue]\nflow: [{drain: true}]\nassertions: [{type: proxy_field, domain: case, contextKey: c1}]\n",
			want: "domain, contextKey and field are required",
		},
		{
			name: "standing_error without code",
			body: "name: n\ndescription: d\ndomains: [case.cue]\nflow: [{drain: true}]\nassertions: [{type: standing_error, domain: case}]\n",
			want: "domain and code are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, p := range paths {
		t.Run(filepath.Base(p), func(t *testing.T) {
			_, err := LoadScenario(p)
			assert.NoError(t, err)
		})
	}
}
