package config

import (
	"fmt"
	"sync"
)

// ConfigManager provides thread-safe access to live configuration, swapped
// on SIGHUP (cmd/branchmind) without disturbing in-flight portal calls.
type ConfigManager interface {
	Get() *Config
	Set(cfg *Config)
	Reload(path string) error
}

// RWMutexManager provides thread-safe read-heavy config access using RWMutex.
type RWMutexManager struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewManager constructs a manager with an initial config.
func NewManager(initial *Config) *RWMutexManager {
	return &RWMutexManager{cfg: initial.clone()}
}

// Get returns a cloned config snapshot under a shared lock.
func (m *RWMutexManager) Get() *Config {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.clone()
}

// Set updates the current config pointer under an exclusive lock.
func (m *RWMutexManager) Set(cfg *Config) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.clone()
}

// Reload loads config from path and atomically swaps it into place.
func (m *RWMutexManager) Reload(path string) error {
	if m == nil {
		return fmt.Errorf("config manager is nil")
	}
	if path == "" {
		return fmt.Errorf("config reload path is required")
	}
	loaded, err := Load(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = loaded.clone()
	return nil
}

func (cfg *Config) clone() *Config {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.Workspaces = make(map[string]Workspace, len(cfg.Workspaces))
	for k, v := range cfg.Workspaces {
		out.Workspaces[k] = v
	}
	out.Budgets = make(map[string]Budget, len(cfg.Budgets))
	for k, v := range cfg.Budgets {
		out.Budgets[k] = v
	}
	return &out
}

var _ ConfigManager = (*RWMutexManager)(nil)
