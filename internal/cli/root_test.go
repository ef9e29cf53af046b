package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "corral", cmd.Use)
	assert.Contains(t, cmd.Long, "aggregation repository")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"keys", "get", "completed", "show", "confirm", "drain", "run"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
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

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	targetFlag := runCmd.Flags().Lookup("target")
	require.NotNil(t, targetFlag)
	// --target is required, so default is empty
	assert.Equal(t, "", targetFlag.DefValue)

	require.NotNil(t, runCmd.Flags().Lookup("metrics-addr"))
	require.NotNil(t, runCmd.Flags().Lookup("no-metrics"))
}

func TestDrainCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	drainCmd, _, err := cmd.Find([]string{"drain"})
	require.NoError(t, err)

	toFlag := drainCmd.Flags().Lookup("to")
	require.NotNil(t, toFlag)
	assert.Equal(t, "", toFlag.DefValue)
}

func TestArgumentCounts(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"get without key", []string{"get"}},
		{"show without id", []string{"show"}},
		{"confirm with two ids", []string{"confirm", "a", "b"}},
		{"keys with argument", []string{"keys", "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewRootCommand()
			cmd.SetArgs(tt.args)
			require.Error(t, cmd.Execute())
		})
	}
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "keys"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
