package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/branchmind/branchmind/internal/jobs"
	"github.com/branchmind/branchmind/internal/knowledge"
	"github.com/branchmind/branchmind/internal/tasks"
)

func registerOpen(r *Registry) {
	r.Register(CmdSpec{Tool: "open", Cmd: "ref", Handler: handleOpenRef,
		ArgsSchema:     map[string]string{"id": "string (required) — TASK-/STEP-/JOB-/CARD-/a: prefixed id"},
		MinimalExample: map[string]any{"id": "TASK-001"},
	})

	r.GoldenOp("open", "ref", "ref")
}

// handleOpenRef resolves any of the engine's id shapes to its current
// record, dispatching on the id's prefix the way internal/ids (and, for
// CARD- ids, internal/knowledge) mints them (TASK-/STEP-/JOB-/CARD-/a:).
func handleOpenRef(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "open.ref"
	id, err := argString(req.Args, "id", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}

	switch {
	case strings.HasPrefix(id, "TASK-"):
		t, err := tasks.GetTask(st.ReadDB(), req.Workspace, id)
		if err != nil {
			if errors.Is(err, tasks.ErrNotFound) {
				return fail(intent, ErrUnknownID, err.Error(), nil)
			}
			return fail(intent, ErrStoreError, err.Error(), nil)
		}
		return ok(intent, map[string]any{"kind": "task", "task": t}, nil, []string{id}, nil, "")
	case strings.HasPrefix(id, "STEP-"):
		s, err := tasks.GetStep(st.ReadDB(), req.Workspace, id)
		if err != nil {
			if errors.Is(err, tasks.ErrNotFound) {
				return fail(intent, ErrUnknownID, err.Error(), nil)
			}
			return fail(intent, ErrStoreError, err.Error(), nil)
		}
		return ok(intent, map[string]any{"kind": "step", "step": s}, nil, []string{id}, nil, "")
	case strings.HasPrefix(id, "JOB-"):
		j, err := jobs.Get(st.ReadDB(), req.Workspace, id)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				return fail(intent, ErrUnknownID, err.Error(), nil)
			}
			return fail(intent, ErrStoreError, err.Error(), nil)
		}
		return ok(intent, map[string]any{"kind": "job", "job": j}, nil, []string{id}, nil, "")
	case strings.HasPrefix(id, "CARD-"):
		c, err := knowledge.GetCard(st.ReadDB(), req.Workspace, id)
		if err != nil {
			return fail(intent, ErrUnknownID, err.Error(), nil)
		}
		return ok(intent, map[string]any{"kind": "card", "card": c}, nil, []string{id}, nil, "")
	case strings.HasPrefix(id, "a:"):
		a, err := knowledge.GetAnchor(st.ReadDB(), req.Workspace, id)
		if err != nil {
			if errors.Is(err, knowledge.ErrAnchorNotFound) {
				return fail(intent, ErrUnknownID, err.Error(), nil)
			}
			return fail(intent, ErrStoreError, err.Error(), nil)
		}
		return ok(intent, map[string]any{"kind": "anchor", "anchor": a}, nil, []string{id}, nil, "")
	default:
		return fail(intent, ErrInvalidInput, fmt.Sprintf("id %q does not match any known prefix (TASK-/STEP-/JOB-/CARD-/a:)", id), nil)
	}
}
