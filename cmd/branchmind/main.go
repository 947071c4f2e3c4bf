// Command branchmind is the MCP adapter entrypoint: it loads config, opens
// the default workspace's store, wires the ten portal tools onto a
// line-delimited JSON-RPC stdio server, and optionally starts a Temporal
// worker when the config sets [temporal] enabled. Structure grounded on the
// teacher's cmd/cortex/main.go (flag parsing, flock single-instance guard,
// SIGHUP reload, SIGINT/SIGTERM graceful shutdown).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/branchmind/branchmind/internal/config"
	"github.com/branchmind/branchmind/internal/crashlog"
	"github.com/branchmind/branchmind/internal/daemon"
	"github.com/branchmind/branchmind/internal/mcp"
	"github.com/branchmind/branchmind/internal/portal"
	"github.com/branchmind/branchmind/internal/runner"
)

var toolsetMembers = map[string][]string{
	"core":  {"status", "open", "tasks"},
	"daily": {"status", "open", "workspace", "tasks", "jobs", "docs", "think"},
	"full":  {"status", "open", "workspace", "tasks", "jobs", "think", "graph", "vcs", "docs", "system"},
}

var toolDescriptions = map[string]string{
	"status":    "cheap focus/radar orientation for a workspace",
	"open":      "resolve any id (TASK-/STEP-/JOB-/CARD-/a:) to its current record",
	"workspace": "open/ensure a workspace and manage the session's default-workspace lock",
	"tasks":     "plans, tasks, steps, checkpoints, focus and the next-action engine",
	"jobs":      "delegated job lifecycle: route, claim, heartbeat, report, complete",
	"think":     "anchors and knowledge cards: bootstrap, recall, lint",
	"graph":     "typed node/edge graph with branch-aware merge and conflicts",
	"vcs":       "branch/diff/merge over docs and the graph layer",
	"docs":      "append-only branchable document commits and tails",
	"system":    "schema discovery and the registered cmd list",
}

// touchingTool records idle-monitor activity around every tool call so the
// daemon doesn't shut down mid-session just because the poll interval
// landed between two calls.
type touchingTool struct {
	mcp.Tool
	idle *daemon.IdleMonitor
}

func (t *touchingTool) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	t.idle.Touch()
	return t.Tool.Execute(ctx, params)
}

func configureLogger(logLevel string, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "branchmind.toml", "path to config file")
	storageDir := flag.String("storage-dir", "", "override general.storage_dir")
	workspaceName := flag.String("workspace", "default", "workspace name to lock as the session default")
	workspaceLock := flag.Bool("workspace-lock", true, "lock --workspace as the session default on startup")
	projectGuard := flag.String("project-guard", "", "override general.project_guard (warn|enforce)")
	agentID := flag.String("agent-id", "", "override general.agent_id (\"auto\" derives one)")
	toolset := flag.String("toolset", "", "override general.toolset (full|daily|core)")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	defer func() {
		if r := recover(); r != nil {
			dir := *storageDir
			if dir == "" {
				dir = config.ExpandHome("~/.branchmind")
			}
			if path, err := crashlog.Write(dir, r); err == nil {
				fmt.Fprintf(os.Stderr, "branchmind: crash report written to %s\n", path)
			}
			panic(r)
		}
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *storageDir != "" {
		cfg.General.StorageDir = *storageDir
	}
	if *projectGuard != "" {
		cfg.General.ProjectGuard = *projectGuard
	}
	if *agentID != "" {
		cfg.General.AgentID = *agentID
	}
	if *toolset != "" {
		cfg.General.Toolset = *toolset
	}
	if _, ok := toolsetMembers[cfg.General.Toolset]; !ok {
		logger.Error("unknown toolset", "toolset", cfg.General.Toolset)
		os.Exit(1)
	}

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	cfgMgr := config.NewManager(cfg)

	lockPath := cfg.DBPath(*workspaceName) + ".lock"
	lockFile, err := daemon.AcquireLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire single-instance lock", "error", err)
		os.Exit(1)
	}
	defer daemon.ReleaseLock(lockFile)

	p := portal.New(cfgMgr, func() int64 { return time.Now().UnixMilli() })
	defer p.CloseAll()

	if *workspaceLock {
		if _, err := p.Store(*workspaceName); err != nil {
			logger.Error("failed to open default workspace store", "workspace", *workspaceName, "error", err)
			os.Exit(1)
		}
		p.LockDefault(*workspaceName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idle, err := daemon.NewIdleMonitor(cfg.Daemon.IdleTimeout.Duration, cfg.Daemon.IdlePollCron, logger.With("component", "idle"), cancel)
	if err != nil {
		logger.Error("failed to start idle monitor", "error", err)
		os.Exit(1)
	}
	idle.Start()
	defer idle.Stop()

	registry := mcp.NewRegistry()
	for _, name := range toolsetMembers[cfg.General.Toolset] {
		registry.Register(&touchingTool{Tool: mcp.NewPortalTool(name, toolDescriptions[name], p), idle: idle})
	}

	if cfg.Temporal.Enabled {
		st, err := p.Store(*workspaceName)
		if err != nil {
			logger.Error("failed to open store for temporal worker", "error", err)
			os.Exit(1)
		}
		go func() {
			logger.Info("starting temporal worker", "host_port", cfg.Temporal.HostPort)
			if err := runner.StartWorker(cfg.Temporal.HostPort, st); err != nil {
				logger.Error("temporal worker stopped", "error", err)
			}
		}()
	}

	var reloadMu sync.Mutex
	applyReload := func() error {
		reloadMu.Lock()
		defer reloadMu.Unlock()
		newCfg, err := config.Reload(*configPath)
		if err != nil {
			return err
		}
		cfgMgr.Set(newCfg)
		logger = configureLogger(newCfg.General.LogLevel, *dev)
		slog.SetDefault(logger)
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if err := applyReload(); err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				logger.Info("config reloaded")
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("received signal, shutting down", "signal", sig)
				cancel()
				return
			}
		}
	}()

	server := mcp.NewServer(registry, mcp.ServerInfo{Name: "branchmind", Version: "0.1.0"}, logger.With("component", "mcp"))
	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("mcp server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("branchmind stopped")
}
