package portal

import (
	"context"
	"errors"

	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/knowledge"
	"github.com/branchmind/branchmind/internal/retrieval"
	"github.com/branchmind/branchmind/internal/store"
)

func registerThink(r *Registry) {
	r.Register(CmdSpec{Tool: "think", Cmd: "anchor.bootstrap", Handler: handleAnchorBootstrap,
		ArgsSchema:     map[string]string{"anchors": "array of {id,title,kind,parent_id,depends_on[],description} (required)"},
		MinimalExample: map[string]any{"anchors": []any{map[string]any{"id": "a:engine", "title": "Engine"}}},
	})
	r.Register(CmdSpec{Tool: "think", Cmd: "anchor.rename", Handler: handleAnchorRename,
		ArgsSchema:     map[string]string{"from": "string (required)", "to": "string (required)"},
		MinimalExample: map[string]any{"from": "a:old", "to": "a:new"},
	})
	r.Register(CmdSpec{Tool: "think", Cmd: "anchor.merge", Handler: handleAnchorMerge,
		ArgsSchema:     map[string]string{"into": "string (required)", "from": "[]string (required)"},
		MinimalExample: map[string]any{"into": "a:engine", "from": []any{"a:core"}},
	})
	r.Register(CmdSpec{Tool: "think", Cmd: "anchor.get", Handler: handleAnchorGet,
		ArgsSchema:     map[string]string{"id": "string (required)"},
		MinimalExample: map[string]any{"id": "a:engine"},
	})
	r.Register(CmdSpec{Tool: "think", Cmd: "knowledge.upsert", Handler: handleKnowledgeUpsert,
		ArgsSchema: map[string]string{"anchor": "string (required)", "key": "string (required)", "title": "string",
			"text": "string (required)", "visibility": "string", "pinned": "bool", "expiry_date": "string", "step_id": "string"},
		MinimalExample: map[string]any{"anchor": "a:engine", "key": "design-note", "text": "uses single-writer SQLite"},
	})
	r.Register(CmdSpec{Tool: "think", Cmd: "recall", Handler: handleKnowledgeRecall,
		ArgsSchema:     map[string]string{"anchor": "string (required)", "limit": "int"},
		MinimalExample: map[string]any{"anchor": "a:engine"},
	})
	r.Register(CmdSpec{Tool: "think", Cmd: "lint", Handler: handleKnowledgeLint,
		ArgsSchema:     map[string]string{},
		MinimalExample: map[string]any{},
	})

	r.GoldenOp("think", "recall", "recall")
	r.GoldenOp("think", "lint", "lint")
}

func handleAnchorBootstrap(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "think.anchor.bootstrap"
	raw, ok := req.Args["anchors"].([]any)
	if !ok || len(raw) == 0 {
		return fail(intent, ErrInvalidInput, "missing required field \"anchors\"", nil)
	}
	specs := make([]knowledge.AnchorSpec, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			return fail(intent, ErrInvalidInput, "each anchor must be an object", nil)
		}
		id, err := argString(m, "id", true)
		if err != nil {
			return fail(intent, ErrInvalidInput, err.Error(), nil)
		}
		title, _ := argString(m, "title", false)
		kind, _ := argString(m, "kind", false)
		parentID, _ := argString(m, "parent_id", false)
		description, _ := argString(m, "description", false)
		dependsOn, _ := argStringSlice(m, "depends_on")
		specs = append(specs, knowledge.AnchorSpec{ID: id, Title: title, Kind: kind, ParentID: parentID, DependsOn: dependsOn, Description: description})
	}

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var anchors []domain.Anchor
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		anchors, txErr = knowledge.AnchorBootstrap(tx, req.Workspace, specs, p.Now())
		return txErr
	})
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, anchors, nil, anchorIDs(anchors), nil, "")
}

func anchorIDs(as []domain.Anchor) []string {
	out := make([]string, 0, len(as))
	for _, a := range as {
		out = append(out, a.ID)
	}
	return out
}

func handleAnchorRename(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "think.anchor.rename"
	from, err := argString(req.Args, "from", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	to, err := argString(req.Args, "to", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		return knowledge.AnchorRename(tx, req.Workspace, from, to, p.Now())
	})
	if err != nil {
		if errors.Is(err, knowledge.ErrAnchorNotFound) {
			return fail(intent, ErrUnknownID, err.Error(), nil)
		}
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, map[string]string{"from": from, "to": to}, nil, []string{to}, nil, "")
}

func handleAnchorMerge(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "think.anchor.merge"
	into, err := argString(req.Args, "into", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	from, err := argStringSlice(req.Args, "from")
	if err != nil || len(from) == 0 {
		return fail(intent, ErrInvalidInput, "missing required field \"from\"", nil)
	}
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var results []knowledge.AnchorMergeResult
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		results, txErr = knowledge.AnchorMerge(tx, req.Workspace, into, from, p.Now())
		return txErr
	})
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, results, nil, []string{into}, nil, "")
}

func handleAnchorGet(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "think.anchor.get"
	id, err := argString(req.Args, "id", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	a, err := knowledge.GetAnchor(st.ReadDB(), req.Workspace, id)
	if err != nil {
		if errors.Is(err, knowledge.ErrAnchorNotFound) {
			return fail(intent, ErrUnknownID, err.Error(), nil)
		}
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, a, nil, []string{a.ID}, nil, "")
}

func handleKnowledgeUpsert(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "think.knowledge.upsert"
	anchor, err := argString(req.Args, "anchor", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	keyName, err := argString(req.Args, "key", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	text, err := argString(req.Args, "text", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	title, _ := argString(req.Args, "title", false)
	visibility, _ := argString(req.Args, "visibility", false)
	pinned, _ := argBool(req.Args, "pinned", false)
	expiryDate, _ := argString(req.Args, "expiry_date", false)
	stepID, _ := argString(req.Args, "step_id", false)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}

	type upsertResult struct {
		card    domain.KnowledgeCard
		changed bool
	}
	sfKey := req.Workspace + "/" + anchor + "/" + keyName
	v, err, _ := p.knowledgeSF.Do(sfKey, func() (any, error) {
		var res upsertResult
		txErr := st.WithTx(ctx, func(tx *store.Tx) error {
			var innerErr error
			res.card, res.changed, innerErr = knowledge.UpsertCard(tx, req.Workspace, anchor, keyName, title, text, visibility, pinned, expiryDate, stepID, p.Now())
			return innerErr
		})
		return res, txErr
	})
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	result := v.(upsertResult)
	card, changed := result.card, result.changed
	var warnings []string
	if !changed {
		warnings = append(warnings, "UNCHANGED_CONTENT")
	}
	return ok(intent, card, warnings, []string{card.CardID}, nil, "")
}

func handleKnowledgeRecall(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "think.recall"
	anchor, err := argString(req.Args, "anchor", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	limit, _ := argInt(req.Args, "limit", 0)
	budget := p.CfgMgr.Get().BudgetFor(req.BudgetProfile)
	clamp, minClamped := retrieval.Resolve(budget, req.BudgetProfile, limit, 0)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	cards, truncated, err := knowledge.Recall(st.ReadDB(), req.Workspace, anchor, clamp.Limit)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var warnings []string
	if truncated {
		warnings = append(warnings, WarnBudgetTruncated)
	}
	if minClamped {
		warnings = append(warnings, WarnBudgetMinClamped)
	}
	return ok(intent, map[string]any{"cards": cards, "truncated": truncated}, warnings, []string{anchor}, nil,
		retrieval.Render(retrieval.State{Where: anchor, Ref: anchor, Counts: map[string]int{"cards": len(cards)}}, nil, warnings, "", ""))
}

func handleKnowledgeLint(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "think.lint"
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	issues, err := knowledge.Lint(st.ReadDB(), req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, issues, nil, nil, nil, "")
}
