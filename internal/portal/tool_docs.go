package portal

import (
	"context"

	"github.com/branchmind/branchmind/internal/docstore"
	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/retrieval"
	"github.com/branchmind/branchmind/internal/store"
)

func registerDocs(r *Registry) {
	r.Register(CmdSpec{Tool: "docs", Cmd: "commit", Handler: handleDocsCommit,
		ArgsSchema: map[string]string{"branch": "string (required)", "doc": "string (required)", "kind": "string",
			"title": "string", "format": "string", "content": "string (required)"},
		MinimalExample: map[string]any{"branch": "main", "doc": "notes:TASK-001", "content": "investigated root cause"},
	})
	r.Register(CmdSpec{Tool: "docs", Cmd: "show", Handler: handleDocsShow,
		ArgsSchema:     map[string]string{"branch": "string (required)", "doc": "string (required)", "cursor": "int", "limit": "int", "max_chars": "int"},
		MinimalExample: map[string]any{"branch": "main", "doc": "notes:TASK-001"},
	})

	r.GoldenOp("docs", "show", "show")
}

func handleDocsCommit(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "docs.commit"
	branch, err := argString(req.Args, "branch", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	doc, err := argString(req.Args, "doc", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	content, err := argString(req.Args, "content", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	kind, _ := argString(req.Args, "kind", false)
	if kind == "" {
		kind = "note"
	}
	title, _ := argString(req.Args, "title", false)
	format, _ := argString(req.Args, "format", false)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var entry domain.DocEntry
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		entry, txErr = docstore.Commit(tx, req.Workspace, domain.DocEntry{
			Branch: branch, Doc: doc, Kind: kind, Title: title, Format: format, Content: content, TsMs: p.Now(),
		})
		return txErr
	})
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, entry, nil, []string{doc}, nil, "")
}

func handleDocsShow(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "docs.show"
	branch, err := argString(req.Args, "branch", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	doc, err := argString(req.Args, "doc", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	cursor, _ := argInt64(req.Args, "cursor", 0)
	limit, _ := argInt(req.Args, "limit", 0)
	maxChars, _ := argInt(req.Args, "max_chars", 0)

	budget := p.CfgMgr.Get().BudgetFor(req.BudgetProfile)
	clamp, minClamped := retrieval.Resolve(budget, req.BudgetProfile, limit, maxChars)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	ref, err := docstore.GetBranch(st.ReadDB(), req.Workspace, branch)
	if err != nil {
		ref = domain.BranchRef{Name: branch}
	}
	entries, truncated, charsTruncated, err := docstore.ShowTail(st.ReadDB(), req.Workspace, ref, doc, cursor, clamp.Limit, clamp.MaxChars)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var warnings []string
	if truncated || charsTruncated {
		warnings = append(warnings, WarnBudgetTruncated)
	}
	if minClamped {
		warnings = append(warnings, WarnBudgetMinClamped)
	}
	return ok(intent, map[string]any{"entries": entries, "truncated": truncated, "chars_truncated": charsTruncated}, warnings, []string{doc}, nil, "")
}
