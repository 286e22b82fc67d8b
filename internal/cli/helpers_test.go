package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const caseDomainCUE = `package domains

domain: case: {
	trigger: {sources: ["cases"], contextKey: {expressionKind: "field", path: "sourceDocId"}}
	fields: {
		status: expression: {expressionKind: "field", path: "currentValues.status"}
		label: expression: {
			expressionKind: "operator"
			operator:       "lower"
			operands: [{expressionKind: "reference", target: fieldId: "status"}]
		}
	}
	fragments: badge: {representationKind: "badge", text: {expressionKind: "reference", target: fieldId: "label"}}
}
`

// writeDomains creates a directory holding one CUE file per entry.
func writeDomains(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// registeredDB returns a database path with the case domain registered.
func registeredDB(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "urep.db")
	dir := writeDomains(t, map[string]string{"case.cue": caseDomainCUE})
	_, err := execute(t, nil, "--db", db, "compile", "--register", dir)
	require.NoError(t, err)
	return db
}
