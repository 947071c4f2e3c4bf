// Package daemon provides the single-instance guard and idle-exit timer
// for the branchmind MCP server: a flock-based lock file (adapted from the
// teacher's internal/health flock guard) plus a robfig/cron-scheduled
// idle poll that shuts the process down once no tool call has landed for
// config.Daemon.IdleTimeout.
package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron"
)

// AcquireLock attempts to take an exclusive, non-blocking file lock at
// path, writing the current PID for debugging. The returned file must be
// kept open for the process lifetime; call ReleaseLock on shutdown.
func AcquireLock(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("daemon: mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("daemon: open %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another branchmind mcp instance is running (lock: %s)", path)
	}
	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return f, nil
}

// ReleaseLock unlocks and removes the lock file.
func ReleaseLock(f *os.File) {
	if f == nil {
		return
	}
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	name := f.Name()
	f.Close()
	os.Remove(name)
}

// SocketPath resolves the daemon's listen path, falling back to a short
// path under os.TempDir when XDG_RUNTIME_DIR is unset or too long for a
// unix socket's ~104 byte path limit.
func SocketPath(configured string) string {
	if configured != "" {
		return configured
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		p := filepath.Join(dir, "branchmind.sock")
		if len(p) < 100 {
			return p
		}
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("branchmind-%d.sock", os.Getuid()))
}

// IdleMonitor tracks the last tool-call timestamp and exits the process
// once idle longer than timeout, checked on pollCron's schedule.
type IdleMonitor struct {
	lastActivity atomic.Int64
	timeout      time.Duration
	cron         *cron.Cron
	logger       *slog.Logger
	onIdle       func()
}

// NewIdleMonitor builds a monitor; call Touch on every dispatched tool
// call and Start to begin polling. onIdle runs once the idle timeout is
// exceeded (cmd/branchmind passes the cancel func of its root context,
// which starts the graceful shutdown).
func NewIdleMonitor(timeout time.Duration, pollCronExpr string, logger *slog.Logger, onIdle func()) (*IdleMonitor, error) {
	m := &IdleMonitor{timeout: timeout, logger: logger, onIdle: onIdle}
	m.Touch()
	c := cron.New()
	if err := c.AddFunc(pollCronExpr, m.poll); err != nil {
		return nil, fmt.Errorf("daemon: invalid idle poll schedule %q: %w", pollCronExpr, err)
	}
	m.cron = c
	return m, nil
}

// Touch records activity now; call this on every dispatched tool call.
func (m *IdleMonitor) Touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// Start begins the cron-scheduled idle poll. Stop with Stop.
func (m *IdleMonitor) Start() {
	m.cron.Start()
}

// Stop halts the poll schedule.
func (m *IdleMonitor) Stop() {
	m.cron.Stop()
}

func (m *IdleMonitor) poll() {
	if m.timeout <= 0 {
		return
	}
	last := time.Unix(0, m.lastActivity.Load())
	idleFor := time.Since(last)
	if idleFor < m.timeout {
		return
	}
	m.logger.Info("branchmind mcp server idle timeout reached, shutting down", "idle_for", idleFor)
	m.onIdle()
}
