package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	harnessScenarios = "../harness/testdata/scenarios"
	harnessGolden    = "../harness/testdata/golden"
)

func TestTestCommand_HarnessScenarios(t *testing.T) {
	out, err := execute(t, nil, "test", harnessScenarios, "--golden-dir", harnessGolden)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ case_summary")
	assert.Contains(t, out, "✓ cross_domain")
	assert.Contains(t, out, "Test Summary: 3 passed, 0 failed, 3 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommand_Filter(t *testing.T) {
	out, err := execute(t, nil, "--format", "json", "test", harnessScenarios, "--golden-dir", harnessGolden, "--filter", "case_*")
	require.NoError(t, err, out)

	var resp struct {
		Data TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 1, resp.Data.Total)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "case_summary", resp.Data.Scenarios[0].Name)
	assert.True(t, resp.Data.Scenarios[0].Pass)
}

func TestTestCommand_UpdateWritesGolden(t *testing.T) {
	golden := t.TempDir()

	out, err := execute(t, nil, "test", harnessScenarios, "--golden-dir", golden, "--filter", "tenant_*", "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "(golden updated)")

	data, err := os.ReadFile(filepath.Join(golden, "tenant_isolation.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name": "tenant_isolation"`)

	// A rerun compares against the file just written.
	out, err = execute(t, nil, "test", harnessScenarios, "--golden-dir", golden, "--filter", "tenant_*")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ tenant_isolation\n")

	require.NoError(t, os.WriteFile(filepath.Join(golden, "tenant_isolation.golden"), []byte("{}\n"), 0o644))
	out, err = execute(t, nil, "test", harnessScenarios, "--golden-dir", golden, "--filter", "tenant_*")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "snapshot does not match golden file")
}

func TestTestCommand_FailingScenario(t *testing.T) {
	domain, err := filepath.Abs("../harness/testdata/domains/case.cue")
	require.NoError(t, err)

	dir := t.TempDir()
	scenario := fmt.Sprintf(`name: wrong_status
description: expects a status no event produces
domains:
  - %s
flow:
  - ingest:
      source: cases
      sourceDocId: c1
      currentValues: {status: OPEN, priority: 1}
assertions:
  - type: proxy_field
    domain: case
    contextKey: c1
    field: status
    value: PENDING
`, domain)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong_status.yaml"), []byte(scenario), 0o644))

	out, err := execute(t, nil, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_status")
	assert.Contains(t, out, "PENDING")
	assert.Contains(t, out, "Test Summary: 0 passed, 1 failed, 1 total")
}

func TestTestCommand_EmptyAndMissing(t *testing.T) {
	out, err := execute(t, nil, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")

	_, err = execute(t, nil, "test", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
