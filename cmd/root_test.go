package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"run", "stage", "sessions", "serve", "dedup", "export", "config", "store"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "leads", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestSessionsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range sessionsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"create", "list", "show", "import"} {
		assert.True(t, names[name], "sessions should have subcommand %q", name)
	}
}

func TestRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"session", "topic", "expand"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run should have --%s flag", name)
	}
	require.NotNil(t, stageCmd.Flags().Lookup("session"))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestExportCommand_Flags(t *testing.T) {
	flag := exportCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "100000", flag.DefValue)

	out := exportCmd.Flags().Lookup("output")
	require.NotNil(t, out)
	assert.Equal(t, "o", out.Shorthand)
}

func TestSessionsListCommand_Flags(t *testing.T) {
	flag := sessionsListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "20", flag.DefValue)
}
