package portal

import (
	"context"
	"errors"
	"fmt"

	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/retrieval"
	"github.com/branchmind/branchmind/internal/store"
	"github.com/branchmind/branchmind/internal/tasks"
)

func registerTasks(r *Registry) {
	r.Register(CmdSpec{Tool: "tasks", Cmd: "plan.create", Handler: handlePlanCreate,
		ArgsSchema:     map[string]string{"title": "string (required)", "description": "string", "horizon": "string"},
		MinimalExample: map[string]any{"title": "Ship BranchMind"},
	})
	r.Register(CmdSpec{Tool: "tasks", Cmd: "plan.decompose", Handler: handlePlanDecompose,
		ArgsSchema: map[string]string{"plan_id": "string (required)", "title": "string (required)",
			"priority": "string", "horizon": "string", "steps": "array of {title,criteria[],tests[],next_action,stop_criteria,security,perf,docs}"},
		MinimalExample: map[string]any{"plan_id": "PLAN-001", "title": "implement engine", "steps": []any{map[string]any{"title": "s1", "criteria": []any{"c"}, "tests": []any{"t"}}}},
	})
	r.Register(CmdSpec{Tool: "tasks", Cmd: "step.note", Handler: handleStepNote,
		ArgsSchema:     map[string]string{"task": "string (required)", "step_id": "string", "title": "string", "content": "string (required)"},
		MinimalExample: map[string]any{"task": "TASK-001", "content": "investigated root cause"},
	})
	r.Register(CmdSpec{Tool: "tasks", Cmd: "step.verify", Handler: handleStepVerify,
		ArgsSchema:     map[string]string{"task": "string (required)", "step_id": "string", "checkpoint": "string (required)"},
		MinimalExample: map[string]any{"task": "TASK-001", "checkpoint": "criteria"},
	})
	r.Register(CmdSpec{Tool: "tasks", Cmd: "step.close", Handler: handleStepClose,
		ArgsSchema: map[string]string{"task": "string (required)", "step_id": "string", "proof_input": "string",
			"override_reason": "string", "override_risk": "string"},
		MinimalExample: map[string]any{"task": "TASK-001"},
	})
	r.Register(CmdSpec{Tool: "tasks", Cmd: "evidence.capture", Handler: handleEvidenceCapture,
		ArgsSchema:     map[string]string{"task": "string (required)", "step_id": "string (required)", "proof_input": "string (required)"},
		MinimalExample: map[string]any{"task": "TASK-001", "step_id": "STEP-abc123", "proof_input": "CMD: go test ./..."},
	})
	r.Register(CmdSpec{Tool: "tasks", Cmd: "task.patch", Handler: handleTaskPatch,
		ArgsSchema: map[string]string{"task": "string (required)", "expected_revision": "int (required)",
			"status": "string", "priority": "string", "horizon": "string", "blocked": "bool", "block_reason": "string"},
		MinimalExample: map[string]any{"task": "TASK-001", "expected_revision": 1, "status": "DONE"},
	})
	r.Register(CmdSpec{Tool: "tasks", Cmd: "focus.set", Handler: handleFocusSet,
		ArgsSchema:     map[string]string{"task": "string (required)", "plan_id": "string"},
		MinimalExample: map[string]any{"task": "TASK-001"},
	})
	r.Register(CmdSpec{Tool: "tasks", Cmd: "focus.clear", Handler: handleFocusClear,
		ArgsSchema:     map[string]string{},
		MinimalExample: map[string]any{},
	})
	r.Register(CmdSpec{Tool: "tasks", Cmd: "snapshot", Handler: handleSnapshot,
		ArgsSchema:     map[string]string{"plan_id": "string (required)", "cursor": "string", "limit": "int"},
		MinimalExample: map[string]any{"plan_id": "PLAN-001"},
	})
	r.Register(CmdSpec{Tool: "tasks", Cmd: "radar", Handler: handleRadar,
		ArgsSchema:     map[string]string{"limit": "int"},
		MinimalExample: map[string]any{},
	})
	r.Register(CmdSpec{Tool: "tasks", Cmd: "execute.next", Handler: handleExecuteNext,
		ArgsSchema:     map[string]string{},
		MinimalExample: map[string]any{},
	})

	r.GoldenOp("tasks", "snapshot", "snapshot")
	r.GoldenOp("tasks", "radar", "radar")
	r.GoldenOp("tasks", "next", "execute.next")
}

func handlePlanCreate(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "tasks.plan.create"
	title, err := argString(req.Args, "title", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	description, _ := argString(req.Args, "description", false)
	horizon, _ := argString(req.Args, "horizon", false)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var plan domain.Plan
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		plan, txErr = tasks.PlanCreate(tx, req.Workspace, title, description, horizon, p.Now())
		return txErr
	})
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, plan, nil, []string{plan.ID}, []Action{{Cmd: "tasks.plan.decompose", Args: map[string]any{"plan_id": plan.ID}}},
		retrieval.Render(retrieval.State{Ref: plan.ID}, []retrieval.Action{{Cmd: "tasks.plan.decompose", Args: "plan_id=" + plan.ID}}, nil, "", ""))
}

type stepDecomposeSpec struct {
	Title        string   `json:"title"`
	Criteria     []string `json:"criteria"`
	Tests        []string `json:"tests"`
	NextAction   string   `json:"next_action"`
	StopCriteria string   `json:"stop_criteria"`
	Security     bool     `json:"security"`
	Perf         bool     `json:"perf"`
	Docs         bool     `json:"docs"`
	ParentStepID string   `json:"parent_step_id"`
	Path         string   `json:"path"`
}

func handlePlanDecompose(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "tasks.plan.decompose"
	planID, err := argString(req.Args, "plan_id", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	title, err := argString(req.Args, "title", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	priority, _ := argString(req.Args, "priority", false)
	horizon, _ := argString(req.Args, "horizon", false)
	steps, err := parseStepSpecs(req.Args)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var task domain.Task
	var createdSteps []domain.Step
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		task, txErr = tasks.TaskDecompose(tx, req.Workspace, planID, title, priority, horizon, p.Now())
		if txErr != nil {
			return txErr
		}
		for i, spec := range steps {
			path := spec.Path
			if path == "" {
				path = fmt.Sprintf("s:%d", i)
			}
			s, txErr := tasks.StepCreate(tx, req.Workspace, task, tasks.StepSpec{
				Title: spec.Title, Path: path, ParentStepID: spec.ParentStepID,
				Criteria: spec.Criteria, Tests: spec.Tests, NextAction: spec.NextAction, StopCriteria: spec.StopCriteria,
				Required: domain.RequiredCheckpoints{Security: spec.Security, Perf: spec.Perf, Docs: spec.Docs},
			}, p.Now())
			if txErr != nil {
				return txErr
			}
			createdSteps = append(createdSteps, s)
		}
		return nil
	})
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	result := map[string]any{"task": task, "steps": createdSteps}
	var firstAction []Action
	if len(createdSteps) > 0 {
		firstAction = []Action{{Cmd: "tasks.step.close", Args: map[string]any{"task": task.ID, "step_id": createdSteps[0].StepID}}}
	}
	return ok(intent, result, nil, []string{task.ID}, firstAction, "")
}

func parseStepSpecs(args map[string]any) ([]stepDecomposeSpec, error) {
	raw, ok := args["steps"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("missing required field %q", "steps")
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("field %q must be an array", "steps")
	}
	out := make([]stepDecomposeSpec, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("each step must be an object")
		}
		var spec stepDecomposeSpec
		spec.Title, _ = argString(m, "title", false)
		if spec.Title == "" {
			return nil, fmt.Errorf("each step requires a title")
		}
		spec.Criteria, _ = argStringSlice(m, "criteria")
		spec.Tests, _ = argStringSlice(m, "tests")
		spec.NextAction, _ = argString(m, "next_action", false)
		spec.StopCriteria, _ = argString(m, "stop_criteria", false)
		spec.Security, _ = argBool(m, "security", false)
		spec.Perf, _ = argBool(m, "perf", false)
		spec.Docs, _ = argBool(m, "docs", false)
		spec.ParentStepID, _ = argString(m, "parent_step_id", false)
		spec.Path, _ = argString(m, "path", false)
		out = append(out, spec)
	}
	return out, nil
}

func handleStepNote(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "tasks.step.note"
	taskID, err := argString(req.Args, "task", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	stepID, _ := argString(req.Args, "step_id", false)
	title, _ := argString(req.Args, "title", false)
	content, err := argString(req.Args, "content", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var entry domain.DocEntry
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		t, txErr := tasks.GetTask(tx.SQL(), req.Workspace, taskID)
		if txErr != nil {
			return txErr
		}
		entry, txErr = tasks.StepNote(tx, req.Workspace, t, stepID, title, content, p.Now())
		return txErr
	})
	return respondTaskErr(intent, err, entry, nil)
}

func handleStepVerify(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "tasks.step.verify"
	taskID, err := argString(req.Args, "task", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	stepID, err := resolveStepID(req.Args)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	checkpoint, err := argString(req.Args, "checkpoint", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var step domain.Step
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		t, txErr := tasks.GetTask(tx.SQL(), req.Workspace, taskID)
		if txErr != nil {
			return txErr
		}
		sid := stepID
		if sid == "" {
			first, ok, txErr := tasks.FirstOpenStep(tx.SQL(), req.Workspace, taskID)
			if txErr != nil {
				return txErr
			}
			if !ok {
				return fmt.Errorf("%w: task %s has no open step", tasks.ErrNotFound, taskID)
			}
			sid = first.StepID
		}
		step, txErr = tasks.StepVerify(tx, req.Workspace, t, sid, checkpoint, p.Now())
		return txErr
	})
	return respondTaskErr(intent, err, step, []string{step.StepID})
}

func resolveStepID(args map[string]any) (string, error) {
	return argString(args, "step_id", false)
}

func handleStepClose(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "tasks.step.close"
	taskID, err := argString(req.Args, "task", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	stepID, _ := resolveStepID(req.Args)
	proofInput, _ := argString(req.Args, "proof_input", false)
	overrideReason, _ := argString(req.Args, "override_reason", false)
	overrideRisk, _ := argString(req.Args, "override_risk", false)
	var override *domain.Override
	if overrideReason != "" {
		override = &domain.Override{Reason: overrideReason, Risk: overrideRisk}
	}

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var step domain.Step
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		t, txErr := tasks.GetTask(tx.SQL(), req.Workspace, taskID)
		if txErr != nil {
			return txErr
		}
		step, txErr = tasks.StepClose(tx, req.Workspace, t, tasks.StepCloseInput{
			StepID: stepID, ProofInput: proofInput, Override: override,
		}, p.Now())
		return txErr
	})
	if err != nil {
		if errors.Is(err, tasks.ErrProofRequired) {
			return fail(intent, ErrProofRequired, err.Error(), []Action{
				{Cmd: "tasks.evidence.capture", Args: map[string]any{"task": taskID, "step_id": stepID, "proof_input": "CMD: <prefilled>"}},
			})
		}
		if errors.Is(err, tasks.ErrCheckpointsOpen) {
			return fail(intent, ErrCheckpointsNotConfirmed, err.Error(), []Action{
				{Cmd: "tasks.step.verify", Args: map[string]any{"task": taskID, "step_id": stepID}},
			})
		}
		return respondTaskErr(intent, err, nil, nil)
	}
	var warnings []string
	if step.Override != nil {
		warnings = append(warnings, WarnReasoningOverrideApplied)
	}
	return ok(intent, step, warnings, []string{step.StepID}, []Action{{Cmd: "tasks.execute.next"}}, "")
}

func handleEvidenceCapture(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "tasks.evidence.capture"
	taskID, err := argString(req.Args, "task", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	stepID, err := argString(req.Args, "step_id", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	proofInput, err := argString(req.Args, "proof_input", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var step domain.Step
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		t, txErr := tasks.GetTask(tx.SQL(), req.Workspace, taskID)
		if txErr != nil {
			return txErr
		}
		step, txErr = tasks.EvidenceCapture(tx, req.Workspace, t, stepID, proofInput, p.Now())
		return txErr
	})
	return respondTaskErr(intent, err, step, []string{stepID})
}

func handleTaskPatch(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "tasks.task.patch"
	taskID, err := argString(req.Args, "task", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	expectedRevision, err := argInt64(req.Args, "expected_revision", 0)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	in := tasks.TaskPatchInput{ExpectedRevision: expectedRevision}
	if v, err := argString(req.Args, "status", false); err == nil && v != "" {
		in.Status = &v
	}
	if v, err := argString(req.Args, "priority", false); err == nil && v != "" {
		in.Priority = &v
	}
	if v, err := argString(req.Args, "horizon", false); err == nil && v != "" {
		in.Horizon = &v
	}
	if _, has := req.Args["blocked"]; has {
		v, err := argBool(req.Args, "blocked", false)
		if err != nil {
			return fail(intent, ErrInvalidInput, err.Error(), nil)
		}
		in.Blocked = &v
	}
	if v, err := argString(req.Args, "block_reason", false); err == nil && v != "" {
		in.BlockReason = &v
	}
	in.MetaPatch, _ = argStringMap(req.Args, "meta")

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var result struct {
		ID       string
		Revision int64
	}
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		result, txErr = tasks.TaskPatch(tx, req.Workspace, taskID, in, p.Now())
		return txErr
	})
	if err != nil {
		if errors.Is(err, tasks.ErrRevisionMismatch) {
			return fail(intent, ErrRevisionMismatch, err.Error(), []Action{{Cmd: "tasks.snapshot"}})
		}
		return respondTaskErr(intent, err, nil, nil)
	}
	return ok(intent, result, nil, []string{result.ID}, nil, "")
}

func handleFocusSet(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "tasks.focus.set"
	taskID, err := argString(req.Args, "task", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	planID, _ := argString(req.Args, "plan_id", false)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		return tasks.FocusSet(tx, req.Workspace, taskID, planID)
	})
	if err != nil {
		return respondTaskErr(intent, err, nil, nil)
	}
	return ok(intent, map[string]string{"focus": taskID}, nil, []string{taskID}, []Action{{Cmd: "tasks.execute.next"}}, "")
}

func handleFocusClear(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "tasks.focus.clear"
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		return tasks.FocusClear(tx, req.Workspace)
	})
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, map[string]bool{"cleared": true}, nil, nil, nil, "")
}

func handleSnapshot(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "tasks.snapshot"
	planID, err := argString(req.Args, "plan_id", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	cursor, _ := argString(req.Args, "cursor", false)
	limit, _ := argInt(req.Args, "limit", 0)
	budget := p.CfgMgr.Get().BudgetFor(req.BudgetProfile)
	clamp, minClamped := retrieval.Resolve(budget, req.BudgetProfile, limit, 0)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	items, truncated, err := tasks.Snapshot(st.ReadDB(), req.Workspace, planID, cursor, clamp.Limit)
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
	return ok(intent, map[string]any{"items": items, "truncated": truncated}, warnings, []string{planID}, nil, "")
}

func handleRadar(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "tasks.radar"
	limit, _ := argInt(req.Args, "limit", 0)
	budget := p.CfgMgr.Get().BudgetFor(req.BudgetProfile)
	clamp, minClamped := retrieval.Resolve(budget, req.BudgetProfile, limit, 0)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	items, truncated, err := tasks.Radar(st.ReadDB(), req.Workspace, clamp.Limit)
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
	return ok(intent, map[string]any{"items": items, "truncated": truncated}, warnings, nil, nil, "")
}

func handleExecuteNext(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "tasks.execute.next"
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	needsManager, err := needsManagerJobIDs(st, req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	primary, backup, err := tasks.ExecuteNext(st.ReadDB(), req.Workspace, needsManager)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var actions []Action
	if primary != nil {
		actions = append(actions, Action{Cmd: "tasks." + primary.Kind, Args: map[string]any{"task": primary.TaskID, "step_id": primary.StepID}})
	}
	if backup != nil {
		actions = append(actions, Action{Cmd: "tasks." + backup.Kind, Args: map[string]any{"task": backup.TaskID, "step_id": backup.StepID}})
	}
	ref := ""
	if primary != nil {
		ref = primary.TaskID
	}
	return ok(intent, map[string]any{"primary": primary, "backup": backup}, nil, []string{ref}, actions,
		retrieval.Render(retrieval.State{Focus: ref, Ref: ref}, toRetrievalActions(actions), nil, "", ""))
}

func toRetrievalActions(actions []Action) []retrieval.Action {
	out := make([]retrieval.Action, 0, len(actions))
	for _, a := range actions {
		out = append(out, retrieval.Action{Cmd: a.Cmd})
	}
	return out
}

// respondTaskErr maps tasks package sentinel errors to typed error codes.
func respondTaskErr(intent string, err error, result any, refs []string) Envelope {
	if err != nil {
		switch {
		case errors.Is(err, tasks.ErrNotFound):
			return fail(intent, ErrUnknownID, err.Error(), nil)
		case errors.Is(err, tasks.ErrRevisionMismatch):
			return fail(intent, ErrRevisionMismatch, err.Error(), nil)
		case errors.Is(err, tasks.ErrProofRequired):
			return fail(intent, ErrProofRequired, err.Error(), nil)
		case errors.Is(err, tasks.ErrCheckpointsOpen):
			return fail(intent, ErrCheckpointsNotConfirmed, err.Error(), nil)
		default:
			return fail(intent, ErrStoreError, err.Error(), nil)
		}
	}
	return ok(intent, result, nil, refs, nil, "")
}
