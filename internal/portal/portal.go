package portal

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/branchmind/branchmind/internal/config"
	"github.com/branchmind/branchmind/internal/store"
)

// Portal is the adapter's runtime: one store per open workspace, the SSOT
// cmd registry, live config, and the default-workspace lock (spec.md
// §4.8 "Workspace lock: mismatched workspace against a locked default
// returns a typed error and no side effects").
type Portal struct {
	Registry *Registry
	CfgMgr   config.ConfigManager
	Now      func() int64

	mu         sync.Mutex
	stores     map[string]*store.Store
	lockedName string // "" until workspace.open locks the default

	// knowledgeSF collapses concurrent knowledge.upsert calls that land on
	// the same (workspace, anchor, key) so only one of them runs the
	// lookup-then-allocate-card_id path; the rest share its result.
	knowledgeSF singleflight.Group
}

// New builds a Portal with every tool's cmds and golden ops registered.
func New(cfgMgr config.ConfigManager, now func() int64) *Portal {
	p := &Portal{
		Registry: NewRegistry(),
		CfgMgr:   cfgMgr,
		Now:      now,
		stores:   map[string]*store.Store{},
	}
	registerStatus(p.Registry)
	registerWorkspace(p.Registry)
	registerTasks(p.Registry)
	registerJobs(p.Registry)
	registerThink(p.Registry)
	registerGraph(p.Registry)
	registerVCS(p.Registry)
	registerDocs(p.Registry)
	registerSystem(p.Registry)
	registerOpen(p.Registry)
	return p
}

// Store lazily opens (and caches) the SQLite store backing a workspace
// name, using config to resolve its on-disk path.
func (p *Portal) Store(workspace string) (*store.Store, error) {
	if workspace == "" {
		workspace = "default"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.stores[workspace]; ok {
		return st, nil
	}
	path := p.CfgMgr.Get().DBPath(workspace)
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	p.stores[workspace] = st
	return st, nil
}

// LockDefault records workspace as the locked default (workspace.open),
// so later calls against a different workspace without an explicit
// override fail before any store access: WORKSPACE_MISMATCH, or
// PROJECT_GUARD_MISMATCH when general.project_guard is "enforce".
func (p *Portal) LockDefault(workspace string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lockedName = workspace
}

func (p *Portal) lockedWorkspace() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lockedName
}

// CloseAll closes every opened workspace store (used on graceful shutdown).
func (p *Portal) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, st := range p.stores {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispatch is the single entry point every MCP tool call goes through
// (spec.md §4.8 "dispatches to a command handler ... run as a single
// store transaction"). tool is one of the ten fixed portal names.
func (p *Portal) Dispatch(ctx context.Context, tool string, req Request) Envelope {
	intent := tool + "." + req.Op
	if req.Op == "call" {
		intent = tool + "." + req.Cmd
	}

	locked := p.lockedWorkspace()
	guard := p.CfgMgr.Get().General.ProjectGuard
	if locked != "" && req.Workspace != "" && req.Workspace != locked {
		if guard == "enforce" {
			return fail(intent, ErrProjectGuardMismatch,
				fmt.Sprintf("workspace %q does not match the locked default %q", req.Workspace, locked), nil)
		}
		return fail(intent, ErrWorkspaceMismatch,
			fmt.Sprintf("workspace %q does not match the locked default %q", req.Workspace, locked), nil)
	}
	if req.Workspace == "" {
		req.Workspace = locked
	}

	spec, ok := p.Registry.Resolve(tool, req.Op, req.Cmd)
	if !ok {
		if req.Op != "call" && req.Op != "" {
			return fail(intent, ErrUnknownVerb, fmt.Sprintf("tool %q has no op %q", tool, req.Op), nil)
		}
		return fail(intent, ErrUnknownTool, fmt.Sprintf("tool %q has no cmd %q", tool, req.Cmd), nil)
	}
	return spec.Handler(ctx, p, req)
}
