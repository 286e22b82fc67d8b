package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestdata(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRun_Scenarios(t *testing.T) {
	for _, name := range []string{"case_summary", "cross_domain", "tenant_isolation"} {
		t.Run(name, func(t *testing.T) {
			result, err := Run(loadTestdata(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.NotNil(t, result.Snapshot)
		})
	}
}

func TestRun_TraceRecordsSteps(t *testing.T) {
	result, err := Run(loadTestdata(t, "case_summary"))
	require.NoError(t, err)
	require.Len(t, result.Trace, 6)

	assert.Equal(t, "ingest", result.Trace[0].Type)
	assert.Equal(t, "evt-0001", result.Trace[0].EventID)
	assert.False(t, result.Trace[0].Duplicate)

	assert.True(t, result.Trace[1].Duplicate)
	assert.Equal(t, "evt-0001", result.Trace[1].EventID)

	assert.Equal(t, "drain", result.Trace[2].Type)
	require.NotNil(t, result.Trace[2].Pass)

	assert.Equal(t, "update", result.Trace[5].Type)
	require.NotNil(t, result.Trace[5].Pass)
	assert.NotEmpty(t, result.Trace[5].Pass.Changed)
}

func TestRun_ExpectedStepError(t *testing.T) {
	path := writeScenario(t, `
name: bad_update
description: updates naming an unknown field are rejected
domains: [case.cue]
flow:
  - ingest:
      source: cases
      sourceDocId: c1
      currentValues: {status: OPEN}
  - update:
      domain: case
      contextKey: c1
      fields: {owner: ana}
    expect:
      error: has no field
assertions:
  - type: proxy_field
    domain: case
    contextKey: c1
    field: status
    value: OPEN
`)
	s, err := LoadScenario(path)
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Contains(t, result.Trace[1].Error, "invalid proxy update")
}

func TestRun_UnexpectedOutcomesFail(t *testing.T) {
	path := writeScenario(t, `
name: wrong_expectations
description: expectations that do not hold are reported
domains: [case.cue]
flow:
  - ingest:
      source: cases
      sourceDocId: c1
      currentValues: {status: OPEN}
    expect:
      duplicate: true
  - drain: true
  - update:
      domain: case
      contextKey: c1
      fields: {status: CLOSED}
    expect:
      error: boom
assertions:
  - type: proxy_field
    domain: case
    contextKey: c1
    field: status
    value: PENDING
`)
	s, err := LoadScenario(path)
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "expected duplicate=true, got false")
	assert.Contains(t, result.Errors[1], `expected error containing "boom", step succeeded`)
	assert.Contains(t, result.Errors[2], "proxy_field")
}

func TestRun_RetryAfterAdvance(t *testing.T) {
	path := writeScenario(t, `
name: advance
description: the clock moves forward between steps
domains: [case.cue]
flow:
  - ingest:
      source: cases
      sourceDocId: c1
      currentValues: {status: OPEN}
  - advance: 90s
  - drain: true
assertions:
  - type: proxy_count
    domain: case
    count: 1
  - type: no_errors
`)
	s, err := LoadScenario(path)
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "advance", result.Trace[1].Type)
}

func TestRun_InvalidDomains(t *testing.T) {
	s := &Scenario{
		Name:       "broken",
		Domains:    []string{filepath.Join(t.TempDir(), "missing.cue")},
		Flow:       []FlowStep{{Drain: true}},
		Assertions: []Assertion{{Type: AssertNoErrors}},
	}
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to register domains")
}
