package portal

import (
	"context"

	"github.com/branchmind/branchmind/internal/retrieval"
	"github.com/branchmind/branchmind/internal/tasks"
)

func registerStatus(r *Registry) {
	r.Register(CmdSpec{Tool: "status", Cmd: "summary", Handler: handleStatusSummary,
		ArgsSchema:     map[string]string{},
		MinimalExample: map[string]any{},
	})

	r.GoldenOp("status", "", "summary")
	r.GoldenOp("status", "call", "summary")
}

// handleStatusSummary is the cheapest possible call into a workspace: focus
// pointer and open-radar counts, rendered as one BM-L1 line so an agent can
// orient without spending a budgeted read.
func handleStatusSummary(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "status.summary"
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}

	focusTaskID, focusPlanID, err := tasks.Focus(st.ReadDB(), req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	items, truncated, err := tasks.Radar(st.ReadDB(), req.Workspace, 20)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}

	var warnings []string
	if truncated {
		warnings = append(warnings, WarnBudgetTruncated)
	}
	state := retrieval.State{
		Focus:  focusTaskID,
		Where:  req.Workspace,
		Ref:    focusPlanID,
		Counts: map[string]int{"needs_attention": len(items)},
	}
	return ok(intent, map[string]any{
		"workspace":       req.Workspace,
		"focus_task_id":   focusTaskID,
		"focus_plan_id":   focusPlanID,
		"needs_attention": len(items),
	}, warnings, nil, nil, retrieval.Render(state, nil, warnings, "", ""))
}
