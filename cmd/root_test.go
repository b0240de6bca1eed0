//go:build !integration

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

	expected := []string{"job", "control", "monitor", "run", "export", "normalize", "migrate", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "registry-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestJobCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range jobCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"create", "list", "show"} {
		assert.True(t, names[name], "job should have subcommand %q", name)
	}
}

func TestJobListCommand_Flags(t *testing.T) {
	flag := jobListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag, "job list should have --limit flag")
	assert.Equal(t, "50", flag.DefValue)
	assert.NotNil(t, jobListCmd.Flags().Lookup("status"))
}

func TestJobCreateCommand_Flags(t *testing.T) {
	for _, name := range []string{"filters", "filter"} {
		assert.NotNil(t, jobCreateCmd.Flags().Lookup(name), "job create should have --%s flag", name)
	}
}

func TestControlCommand(t *testing.T) {
	assert.Equal(t, []string{"stop", "pause", "resume", "restart", "status"}, controlCmd.ValidArgs)
	assert.Contains(t, controlCmd.Long, "restart")
	for _, name := range []string{"stage", "policy"} {
		assert.NotNil(t, controlCmd.Flags().Lookup(name), "control should have --%s flag", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	dispatch := serveCmd.Flags().Lookup("dispatch")
	require.NotNil(t, dispatch)
	assert.Equal(t, "true", dispatch.DefValue)

	maxJobs := serveCmd.Flags().Lookup("max-jobs")
	require.NotNil(t, maxJobs)
	assert.Equal(t, "1", maxJobs.DefValue)
}

func TestRunCommand_Flags(t *testing.T) {
	flag := runCmd.Flags().Lookup("workers")
	require.NotNil(t, flag, "run command should have --workers flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestMonitorCommand_Flags(t *testing.T) {
	flag := monitorCmd.Flags().Lookup("watch")
	require.NotNil(t, flag, "monitor command should have --watch flag")
	assert.Equal(t, "0s", flag.DefValue)
}

func TestExportCommand_Flags(t *testing.T) {
	for _, name := range []string{"out", "format", "sheet"} {
		assert.NotNil(t, exportCmd.Flags().Lookup(name), "export should have --%s flag", name)
	}
}
