package portal

import "context"

func registerWorkspace(r *Registry) {
	r.Register(CmdSpec{Tool: "workspace", Cmd: "open", Handler: handleWorkspaceOpen,
		ArgsSchema:     map[string]string{"name": "string (required)", "lock": "bool"},
		MinimalExample: map[string]any{"name": "default"},
	})
	r.Register(CmdSpec{Tool: "workspace", Cmd: "ensure", Handler: handleWorkspaceEnsure,
		ArgsSchema:     map[string]string{"name": "string (required)"},
		MinimalExample: map[string]any{"name": "default"},
	})
	r.Register(CmdSpec{Tool: "workspace", Cmd: "current", Handler: handleWorkspaceCurrent,
		ArgsSchema:     map[string]string{},
		MinimalExample: map[string]any{},
	})

	r.GoldenOp("workspace", "open", "open")
	r.GoldenOp("workspace", "current", "current")
}

// handleWorkspaceOpen ensures the workspace's store exists on disk and, by
// default, locks it as the session default (spec.md §4.8 "Workspace lock").
// Pass lock=false to open a workspace without taking the lock.
func handleWorkspaceOpen(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "workspace.open"
	name, err := argString(req.Args, "name", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	shouldLock, _ := argBool(req.Args, "lock", true)

	st, err := p.Store(name)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	path := p.CfgMgr.Get().DBPath(name)
	if err := st.EnsureWorkspace(ctx, name, path, p.Now()); err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	if shouldLock {
		p.LockDefault(name)
	}
	return ok(intent, map[string]any{"workspace": name, "locked": shouldLock}, nil, []string{name}, nil, "")
}

func handleWorkspaceEnsure(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "workspace.ensure"
	name, err := argString(req.Args, "name", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	st, err := p.Store(name)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	path := p.CfgMgr.Get().DBPath(name)
	if err := st.EnsureWorkspace(ctx, name, path, p.Now()); err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, map[string]any{"workspace": name}, nil, []string{name}, nil, "")
}

func handleWorkspaceCurrent(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "workspace.current"
	locked := p.lockedWorkspace()
	return ok(intent, map[string]any{"locked": locked}, nil, nil, nil, "")
}
