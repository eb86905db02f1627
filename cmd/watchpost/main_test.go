package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watchpost/watchpost/internal/app"
	_ "github.com/watchpost/watchpost/internal/testing/guard"
)

func TestGuardEnablesTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	require.Equal(t, 2, run([]string{"reindex"}))
}

func TestJobsWithoutSubcommandPrintsUsage(t *testing.T) {
	require.Equal(t, 2, run([]string{"jobs"}))
}

func TestBootstrapRequiresPasswordFromEnvironment(t *testing.T) {
	t.Setenv("WATCHPOST_BOOTSTRAP_PASSWORD", "")
	require.Equal(t, 2, run([]string{"bootstrap", "--username", "operator"}))
}
