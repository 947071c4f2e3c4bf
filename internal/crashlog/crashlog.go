// Package crashlog writes a small, non-sensitive report when the MCP
// server recovers from a panic, so a user debugging a crashed session has
// something to attach to a bug report without the engine ever writing
// workspace content (task text, doc entries, knowledge cards) to disk
// outside its own store.
package crashlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"
)

// Write records a panic's recovered value and stack trace to
// <dir>/branchmind_mcp_last_<unix>.txt. It never includes request args or
// store content — only the panic value and a Go stack trace.
func Write(dir string, recovered any) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("crashlog: empty storage dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("crashlog: mkdir %s: %w", dir, err)
	}

	name := fmt.Sprintf("branchmind_mcp_last_%d.txt", time.Now().Unix())
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("crashlog: open %s: %w", path, err)
	}
	defer f.Close()

	fmt.Fprintf(f, "branchmind mcp server panic\ntime: %s\nrecovered: %v\n\n%s\n",
		time.Now().Format(time.RFC3339), recovered, string(debug.Stack()))
	return path, nil
}
