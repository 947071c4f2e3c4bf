package portal

import (
	"context"
	"errors"

	"github.com/branchmind/branchmind/internal/docstore"
	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/graph"
	"github.com/branchmind/branchmind/internal/retrieval"
	"github.com/branchmind/branchmind/internal/store"
)

func registerVCS(r *Registry) {
	r.Register(CmdSpec{Tool: "vcs", Cmd: "branch.create", Handler: handleVCSBranchCreate,
		ArgsSchema:     map[string]string{"name": "string (required)", "base_branch": "string"},
		MinimalExample: map[string]any{"name": "feature/x"},
	})
	r.Register(CmdSpec{Tool: "vcs", Cmd: "diff", Handler: handleVCSDiff,
		ArgsSchema:     map[string]string{"doc": "string (required)", "branch_a": "string (required)", "branch_b": "string (required)"},
		MinimalExample: map[string]any{"doc": "notes:TASK-001", "branch_a": "main", "branch_b": "feature/x"},
	})
	r.Register(CmdSpec{Tool: "vcs", Cmd: "merge", Handler: handleVCSMerge,
		ArgsSchema: map[string]string{"doc": "string (required)", "branch_from": "string (required)", "branch_into": "string (required)",
			"strategy": "string (squash|concat)", "graph": "bool"},
		MinimalExample: map[string]any{"doc": "notes:TASK-001", "branch_from": "feature/x", "branch_into": "main", "strategy": "squash"},
	})
	r.Register(CmdSpec{Tool: "vcs", Cmd: "conflicts.list", Handler: handleVCSConflictsList,
		ArgsSchema:     map[string]string{},
		MinimalExample: map[string]any{},
	})
	r.Register(CmdSpec{Tool: "vcs", Cmd: "conflicts.resolve", Handler: handleVCSConflictsResolve,
		ArgsSchema:     map[string]string{"conflict_id": "string (required)", "used": "string (required, into|from|custom)", "note": "string"},
		MinimalExample: map[string]any{"conflict_id": "conflict:feature/x>main:notes:TASK-001:title", "used": "into"},
	})

	r.GoldenOp("vcs", "conflicts", "conflicts.list")
}

func handleVCSBranchCreate(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "vcs.branch.create"
	name, err := argString(req.Args, "name", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	baseBranch, _ := argString(req.Args, "base_branch", false)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var ref domain.BranchRef
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		ref, txErr = docstore.CreateBranch(tx, req.Workspace, name, baseBranch, p.Now())
		return txErr
	})
	if err != nil {
		if errors.Is(err, docstore.ErrBranchExists) {
			return fail(intent, ErrAlreadyExists, err.Error(), nil)
		}
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, ref, nil, []string{name}, nil, "")
}

func handleVCSDiff(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "vcs.diff"
	doc, err := argString(req.Args, "doc", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	branchA, err := argString(req.Args, "branch_a", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	branchB, err := argString(req.Args, "branch_b", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	refA, err := docstore.GetBranch(st.ReadDB(), req.Workspace, branchA)
	if err != nil {
		refA = domain.BranchRef{Name: branchA}
	}
	refB, err := docstore.GetBranch(st.ReadDB(), req.Workspace, branchB)
	if err != nil {
		refB = domain.BranchRef{Name: branchB}
	}
	onlyA, onlyB, err := docstore.Diff(st.ReadDB(), req.Workspace, refA, refB, doc)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, map[string]any{"only_a": onlyA, "only_b": onlyB}, nil, []string{doc}, nil, "")
}

func handleVCSMerge(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "vcs.merge"
	doc, err := argString(req.Args, "doc", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	branchFrom, err := argString(req.Args, "branch_from", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	branchInto, err := argString(req.Args, "branch_into", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	strategy, _ := argString(req.Args, "strategy", false)
	if strategy == "" {
		strategy = docstore.StrategySquash
	}
	asGraph, _ := argBool(req.Args, "graph", false)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	refFrom, _ := docstore.GetBranch(st.ReadDB(), req.Workspace, branchFrom)
	if refFrom.Name == "" {
		refFrom = domain.BranchRef{Name: branchFrom}
	}
	refInto, _ := docstore.GetBranch(st.ReadDB(), req.Workspace, branchInto)
	if refInto.Name == "" {
		refInto = domain.BranchRef{Name: branchInto}
	}

	if asGraph {
		var conflicts []domain.Conflict
		err = st.WithTx(ctx, func(tx *store.Tx) error {
			var txErr error
			conflicts, txErr = graph.Merge(tx, req.Workspace, refFrom, refInto, doc, p.Now())
			return txErr
		})
		if err != nil {
			return fail(intent, ErrMergeFailed, err.Error(), nil)
		}
		if len(conflicts) > 0 {
			lines := make([]retrieval.Action, 0, len(conflicts))
			for _, c := range conflicts {
				lines = append(lines, retrieval.Action{Cmd: "vcs.conflicts.resolve", Args: "conflict_id=" + c.ID})
			}
			return Envelope{
				Success: false, Intent: intent,
				Error:   &Error{Code: ErrConflict, Message: "graph merge produced unresolved conflicts", Recovery: recoveryFor(ErrConflict)},
				Warnings: []string{}, Refs: conflictIDs(conflicts),
				Actions: conflictActions(conflicts),
			}
		}
		return ok(intent, map[string]any{"conflicts": conflicts}, nil, nil, nil, "")
	}

	var entry domain.DocEntry
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		entry, txErr = docstore.Merge(tx, req.Workspace, refFrom, refInto, doc, strategy, p.Now())
		return txErr
	})
	if err != nil {
		return fail(intent, ErrMergeFailed, err.Error(), nil)
	}
	return ok(intent, entry, nil, []string{doc}, nil, "")
}

func conflictIDs(cs []domain.Conflict) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func conflictActions(cs []domain.Conflict) []Action {
	out := make([]Action, 0, len(cs))
	for _, c := range cs {
		out = append(out, Action{Cmd: "vcs.conflicts.resolve", Args: map[string]any{"conflict_id": c.ID}})
	}
	return out
}

func handleVCSConflictsList(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "vcs.conflicts.list"
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	conflicts, err := graph.OpenConflicts(st.ReadDB(), req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, conflicts, nil, conflictIDs(conflicts), nil, "")
}

func handleVCSConflictsResolve(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "vcs.conflicts.resolve"
	conflictID, err := argString(req.Args, "conflict_id", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	used, err := argString(req.Args, "used", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	note, _ := argString(req.Args, "note", false)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		return graph.Resolve(tx, req.Workspace, conflictID, used, note)
	})
	if err != nil {
		if errors.Is(err, graph.ErrConflictNotFound) {
			return fail(intent, ErrUnknownID, err.Error(), nil)
		}
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, map[string]string{"resolved": conflictID}, nil, []string{conflictID}, nil, "")
}
