package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "urep", cmd.Use)
	assert.Contains(t, cmd.Long, "proxies")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"}, {"ingest"}, {"process"}, {"proxy", "get"}, {"proxy", "list"},
		{"replay"}, {"compile"}, {"validate"}, {"errors"}, {"test"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	dbFlag := cmd.PersistentFlags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "", dbFlag.DefValue)
}

func TestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	tests := []struct {
		path []string
		flag string
	}{
		{[]string{"compile"}, "output"},
		{[]string{"compile"}, "register"},
		{[]string{"serve"}, "addr"},
		{[]string{"serve"}, "domains"},
		{[]string{"ingest"}, "tenant"},
		{[]string{"ingest"}, "process"},
		{[]string{"replay"}, "from"},
		{[]string{"replay"}, "verify"},
		{[]string{"errors"}, "strict"},
		{[]string{"test"}, "update"},
		{[]string{"test"}, "filter"},
		{[]string{"test"}, "golden-dir"},
		{[]string{"proxy", "list"}, "page-size"},
	}
	for _, tt := range tests {
		sub, _, err := cmd.Find(tt.path)
		require.NoError(t, err)
		assert.NotNil(t, sub.Flags().Lookup(tt.flag), "%v --%s", tt.path, tt.flag)
	}

	proxyCmd, _, err := cmd.Find([]string{"proxy"})
	require.NoError(t, err)
	assert.NotNil(t, proxyCmd.PersistentFlags().Lookup("tenant"))
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))
	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))

	_, err := execute(t, nil, "--format", "invalid", "validate", ".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
