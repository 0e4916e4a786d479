package engine

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mail-mcp/mailmcpd/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("MAILMCPD_CONFIG", "")

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.DatabasePath = filepath.Join(dir, "mailmcp.db")
	cfg.Store.StorageRoot = filepath.Join(dir, "archive")
	return cfg
}

func TestNew_WiresEveryCollaborator(t *testing.T) {
	e, err := New(testConfig(t), discardLogger())
	require.NoError(t, err)
	defer e.Close()

	require.NotNil(t, e.Store)
	require.NotNil(t, e.Archive)
	require.NotNil(t, e.WBQ)
	require.NotNil(t, e.Cache)
	require.NotNil(t, e.Identity)
	require.NotNil(t, e.Mail)
	require.NotNil(t, e.Reservations)
	require.NotNil(t, e.Search)
	require.NotNil(t, e.Products)
	require.NotNil(t, e.BuildSlots)
	require.NotNil(t, e.Registry)
	require.NotNil(t, e.Server)
	require.NotNil(t, e.Scheduler)
}

func TestNew_RegistersCoreToolsWithoutBuildSlots(t *testing.T) {
	t.Setenv("WORKTREES_ENABLED", "")
	e, err := New(testConfig(t), discardLogger())
	require.NoError(t, err)
	defer e.Close()

	defs := e.Registry.List()
	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		names[d.Name] = true
	}

	require.True(t, names["send_message"])
	require.True(t, names["fetch_inbox"])
	require.True(t, names["file_reservation_paths"])
	require.True(t, names["search_messages"])
	require.True(t, names["health_check"])
	require.False(t, names["acquire_build_slot"])
}

func TestNew_RegistersBuildSlotToolsWhenWorktreesEnabled(t *testing.T) {
	t.Setenv("WORKTREES_ENABLED", "true")
	e, err := New(testConfig(t), discardLogger())
	require.NoError(t, err)
	defer e.Close()

	defs := e.Registry.List()
	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		names[d.Name] = true
	}
	require.True(t, names["acquire_build_slot"])
	require.True(t, names["release_build_slot"])
}

func TestNew_RegistersResourcesFromStore(t *testing.T) {
	e, err := New(testConfig(t), discardLogger())
	require.NoError(t, err)
	defer e.Close()

	require.True(t, e.Registry.HasResources())
}

func TestClose_ReleasesStoreAndQueue(t *testing.T) {
	e, err := New(testConfig(t), discardLogger())
	require.NoError(t, err)
	require.NoError(t, e.Close())
}
