package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "branchmind.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[general]
storage_dir = "/tmp/bm-test"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "info", cfg.General.LogLevel)
	require.Equal(t, "full", cfg.General.Toolset)
	require.Equal(t, "warn", cfg.General.ProjectGuard)
	require.Equal(t, 20*time.Minute, cfg.Daemon.IdleTimeout.Duration)
	require.Equal(t, "@every 1m", cfg.Daemon.IdlePollCron)
	require.Equal(t, "127.0.0.1:7233", cfg.Temporal.HostPort)
	require.Equal(t, "none", cfg.Runner.Isolation)
	require.Equal(t, "branchmind-runner:latest", cfg.Runner.Image)

	_, ok := cfg.Budgets["portal"]
	require.True(t, ok)
	_, ok = cfg.Budgets["default"]
	require.True(t, ok)
	_, ok = cfg.Budgets["audit"]
	require.True(t, ok)
}

func TestLoadRejectsInvalidToolset(t *testing.T) {
	path := writeConfig(t, `
[general]
toolset = "overkill"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidProjectGuard(t *testing.T) {
	path := writeConfig(t, `
[general]
project_guard = "strict"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidIsolation(t *testing.T) {
	path := writeConfig(t, `
[runner]
isolation = "vm"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsNonPositiveBudget(t *testing.T) {
	path := writeConfig(t, `
[budgets.custom]
max_lines = 0
max_chars = 100
max_nodes = 10
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestDBPathUsesWorkspaceOverrideOrStorageDir(t *testing.T) {
	cfg := &Config{
		General:    General{StorageDir: "/data/bm"},
		Workspaces: map[string]Workspace{"scratch": {Path: "/elsewhere/scratch.db"}},
	}
	require.Equal(t, "/elsewhere/scratch.db", cfg.DBPath("scratch"))
	require.Equal(t, filepath.Join("/data/bm", "default.db"), cfg.DBPath("default"))
	require.Equal(t, filepath.Join("/data/bm", "a_b.db"), cfg.DBPath("a/b"))
}

func TestBudgetForFallsBackToDefault(t *testing.T) {
	cfg := &Config{Budgets: map[string]Budget{
		"default": {MaxLines: 40, MaxChars: 6000, MaxNodes: 100, MinFields: 5},
		"portal":  {MaxLines: 12, MaxChars: 1200, MaxNodes: 20, MinFields: 3},
	}}
	require.Equal(t, 12, cfg.BudgetFor("portal").MaxLines)
	require.Equal(t, 40, cfg.BudgetFor("").MaxLines)
	require.Equal(t, 40, cfg.BudgetFor("unknown").MaxLines)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "branchmind"), ExpandHome("~/branchmind"))
	require.Equal(t, "/abs/path", ExpandHome("/abs/path"))
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeConfig(t, `
[general]
log_level = "debug"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.General.LogLevel)

	require.NoError(t, os.WriteFile(path, []byte(`
[general]
log_level = "warn"
`), 0o644))

	cfg2, err := Reload(path)
	require.NoError(t, err)
	require.Equal(t, "warn", cfg2.General.LogLevel)
}
