// Package config loads and validates the BranchMind TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the top-level BranchMind configuration (spec.md §6 "Persisted
// layout" / CLI surface).
type Config struct {
	General    General               `toml:"general"`
	Workspaces map[string]Workspace  `toml:"workspaces"`
	Budgets    map[string]Budget     `toml:"budgets"`
	Runner     Runner                `toml:"runner"`
	Daemon     Daemon                `toml:"daemon"`
	Temporal   Temporal              `toml:"temporal"`
}

// General carries process-wide defaults shared across workspaces.
type General struct {
	StorageDir   string `toml:"storage_dir"`
	AgentID      string `toml:"agent_id"`
	LogLevel     string `toml:"log_level"`
	ProjectGuard string `toml:"project_guard"` // "" | "warn" | "enforce"
	Toolset      string `toml:"toolset"`       // full | daily | core
}

// Workspace is one named workspace's on-disk binding and lock policy.
type Workspace struct {
	Path        string `toml:"path"`
	Lock        bool   `toml:"lock"` // refuse a second writer for this workspace
	DefaultTool string `toml:"default_tool"`
}

// Budget names one BM-L1 retrieval budget profile (spec.md §4.7).
type Budget struct {
	MaxLines  int `toml:"max_lines"`
	MaxChars  int `toml:"max_chars"`
	MaxNodes  int `toml:"max_nodes"`
	MinFields int `toml:"min_fields"` // floor BUDGET_MIN_CLAMPED will not go below
}

// Runner configures the claim-lease defaults for delegated jobs, plus how
// the first-party runner binary is started once a job is claimed.
type Runner struct {
	ClaimTTL      Duration `toml:"claim_ttl"`
	HeartbeatTTL  Duration `toml:"heartbeat_ttl"`
	DefaultPolicy string   `toml:"default_policy"` // fast | deep | audit
	Isolation     string   `toml:"isolation"`       // "none" (stdio-delegated, default) | "docker"
	Image         string   `toml:"image"`           // container image when isolation=docker
}

// Daemon configures the shared-process socket lifecycle.
type Daemon struct {
	Shared       bool     `toml:"shared"`
	SocketPath   string   `toml:"socket_path"`
	IdleTimeout  Duration `toml:"idle_timeout"`
	IdlePollCron string   `toml:"idle_poll_cron"`
}

// Temporal configures the optional workflow-backed runner dispatch.
type Temporal struct {
	Enabled  bool   `toml:"enabled"`
	HostPort string `toml:"host_port"`
	TaskQueue string `toml:"task_queue"`
}

// Load reads, defaults, normalizes and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Reload re-reads path. Named distinctly from Load to mirror the runtime
// SIGHUP refresh path in cmd/branchmind.
func Reload(path string) (*Config, error) {
	return Load(path)
}

func applyDefaults(cfg *Config) {
	if cfg.General.StorageDir == "" {
		cfg.General.StorageDir = "~/.branchmind"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.Toolset == "" {
		cfg.General.Toolset = "full"
	}
	if cfg.General.ProjectGuard == "" {
		cfg.General.ProjectGuard = "warn"
	}

	if cfg.Budgets == nil {
		cfg.Budgets = map[string]Budget{}
	}
	setBudgetDefault(cfg.Budgets, "portal", Budget{MaxLines: 12, MaxChars: 1200, MaxNodes: 20, MinFields: 3})
	setBudgetDefault(cfg.Budgets, "default", Budget{MaxLines: 40, MaxChars: 6000, MaxNodes: 100, MinFields: 5})
	setBudgetDefault(cfg.Budgets, "audit", Budget{MaxLines: 200, MaxChars: 40000, MaxNodes: 2000, MinFields: 8})

	if cfg.Runner.ClaimTTL.Duration == 0 {
		cfg.Runner.ClaimTTL.Duration = 10 * time.Minute
	}
	if cfg.Runner.HeartbeatTTL.Duration == 0 {
		cfg.Runner.HeartbeatTTL.Duration = 45 * time.Second
	}
	if cfg.Runner.DefaultPolicy == "" {
		cfg.Runner.DefaultPolicy = "fast"
	}
	if cfg.Runner.Isolation == "" {
		cfg.Runner.Isolation = "none"
	}
	if cfg.Runner.Image == "" {
		cfg.Runner.Image = "branchmind-runner:latest"
	}

	if cfg.Daemon.IdleTimeout.Duration == 0 {
		cfg.Daemon.IdleTimeout.Duration = 20 * time.Minute
	}
	if cfg.Daemon.IdlePollCron == "" {
		cfg.Daemon.IdlePollCron = "@every 1m"
	}

	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "branchmind-runner-queue"
	}
	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "127.0.0.1:7233"
	}
}

func setBudgetDefault(budgets map[string]Budget, name string, b Budget) {
	if _, ok := budgets[name]; !ok {
		budgets[name] = b
	}
}

func normalizePaths(cfg *Config) {
	cfg.General.StorageDir = ExpandHome(cfg.General.StorageDir)
	for name, ws := range cfg.Workspaces {
		ws.Path = ExpandHome(ws.Path)
		cfg.Workspaces[name] = ws
	}
	if cfg.Daemon.SocketPath != "" {
		cfg.Daemon.SocketPath = ExpandHome(cfg.Daemon.SocketPath)
	}
}

// ExpandHome expands a leading "~" to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func validate(cfg *Config) error {
	if cfg.General.ProjectGuard != "" && cfg.General.ProjectGuard != "warn" && cfg.General.ProjectGuard != "enforce" {
		return fmt.Errorf("general.project_guard must be \"\", \"warn\" or \"enforce\", got %q", cfg.General.ProjectGuard)
	}
	switch cfg.General.Toolset {
	case "full", "daily", "core":
	default:
		return fmt.Errorf("general.toolset must be one of full, daily, core, got %q", cfg.General.Toolset)
	}
	switch cfg.Runner.Isolation {
	case "none", "docker":
	default:
		return fmt.Errorf("runner.isolation must be \"none\" or \"docker\", got %q", cfg.Runner.Isolation)
	}
	for name, b := range cfg.Budgets {
		if b.MaxLines <= 0 || b.MaxChars <= 0 || b.MaxNodes <= 0 {
			return fmt.Errorf("budgets.%s: max_lines, max_chars and max_nodes must be positive", name)
		}
	}
	for name, ws := range cfg.Workspaces {
		if ws.Path == "" {
			return fmt.Errorf("workspaces.%s: path is required", name)
		}
	}
	return nil
}

// DBPath returns the SQLite database path for the named workspace,
// defaulting to <storage_dir>/<name>.db when the workspace has no
// explicit path entry.
func (cfg *Config) DBPath(workspace string) string {
	if ws, ok := cfg.Workspaces[workspace]; ok && ws.Path != "" {
		return ws.Path
	}
	return filepath.Join(cfg.General.StorageDir, sanitizeWorkspaceName(workspace)+".db")
}

func sanitizeWorkspaceName(name string) string {
	if name == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, name)
}

// BudgetFor resolves a named budget profile, falling back to "default".
func (cfg *Config) BudgetFor(profile string) Budget {
	if profile == "" {
		profile = "default"
	}
	if b, ok := cfg.Budgets[profile]; ok {
		return b
	}
	return cfg.Budgets["default"]
}
