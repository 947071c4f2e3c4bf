package portal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/branchmind/branchmind/internal/config"
	"github.com/branchmind/branchmind/internal/domain"
)

func newTestPortal(t *testing.T) *Portal {
	t.Helper()
	cfg := &config.Config{
		General: config.General{StorageDir: t.TempDir(), Toolset: "full", ProjectGuard: "warn"},
		Budgets: map[string]config.Budget{
			"portal":  {MaxLines: 12, MaxChars: 1200, MaxNodes: 20, MinFields: 3},
			"default": {MaxLines: 40, MaxChars: 6000, MaxNodes: 100, MinFields: 5},
			"audit":   {MaxLines: 200, MaxChars: 40000, MaxNodes: 2000, MinFields: 8},
		},
	}

	clock := int64(1000)
	mgr := config.NewManager(cfg)
	p := New(mgr, func() int64 {
		clock += 100
		return clock
	})
	t.Cleanup(func() { _ = p.CloseAll() })
	return p
}

func mustOK(t *testing.T, env Envelope) Envelope {
	t.Helper()
	if !env.Success {
		t.Fatalf("expected success, got error %+v", env.Error)
	}
	return env
}

// TestCreateDecomposeCloseWithoutProofFails exercises spec.md §8 seed
// scenario 1: plan.create -> plan.decompose -> step.close without proof
// fails PROOF_REQUIRED with evidence.capture prefilled in actions[0].
func TestCreateDecomposeCloseWithoutProofFails(t *testing.T) {
	p := newTestPortal(t)
	ctx := context.Background()

	planEnv := mustOK(t, p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "plan.create", Args: map[string]any{"title": "P"}}))
	plan := planEnv.Result.(domain.Plan)

	decomposeEnv := mustOK(t, p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "plan.decompose", Args: map[string]any{
		"plan_id": plan.ID, "title": "do the thing",
		"steps": []any{map[string]any{"title": "s1", "criteria": []any{"c"}, "tests": []any{"t"}}},
	}}))
	decomposed := decomposeEnv.Result.(map[string]any)
	task := decomposed["task"].(domain.Task)
	steps := decomposed["steps"].([]domain.Step)
	taskID := task.ID
	stepID := steps[0].StepID

	mustOK(t, p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "step.verify", Args: map[string]any{"task": taskID, "step_id": stepID, "checkpoint": "criteria"}}))
	mustOK(t, p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "step.verify", Args: map[string]any{"task": taskID, "step_id": stepID, "checkpoint": "tests"}}))

	closeEnv := p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "step.close", Args: map[string]any{"task": taskID, "step_id": stepID}})
	require.False(t, closeEnv.Success)
	require.Equal(t, ErrProofRequired, closeEnv.Error.Code)
	require.NotEmpty(t, closeEnv.Actions)
	require.Equal(t, "tasks.evidence.capture", closeEnv.Actions[0].Cmd)
	require.Equal(t, taskID, closeEnv.Actions[0].Args["task"])
	require.Equal(t, stepID, closeEnv.Actions[0].Args["step_id"])
}

// TestProofFirstCloseSucceeds exercises spec.md §8 seed scenario 2:
// evidence.capture then step.close succeeds and marks the step completed.
func TestProofFirstCloseSucceeds(t *testing.T) {
	p := newTestPortal(t)
	ctx := context.Background()

	planEnv := mustOK(t, p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "plan.create", Args: map[string]any{"title": "P"}}))
	plan := planEnv.Result.(domain.Plan)

	decomposeEnv := mustOK(t, p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "plan.decompose", Args: map[string]any{
		"plan_id": plan.ID, "title": "do the thing",
		"steps": []any{map[string]any{"title": "s1", "criteria": []any{"c"}, "tests": []any{"t"}}},
	}}))
	decomposed := decomposeEnv.Result.(map[string]any)
	task := decomposed["task"].(domain.Task)
	steps := decomposed["steps"].([]domain.Step)
	taskID := task.ID
	stepID := steps[0].StepID

	mustOK(t, p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "step.verify", Args: map[string]any{"task": taskID, "step_id": stepID, "checkpoint": "criteria"}}))
	mustOK(t, p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "step.verify", Args: map[string]any{"task": taskID, "step_id": stepID, "checkpoint": "tests"}}))

	mustOK(t, p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "evidence.capture", Args: map[string]any{
		"task": taskID, "step_id": stepID, "proof_input": "CMD: make check\nLINK: file:///x.log",
	}}))

	closeEnv := mustOK(t, p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "step.close", Args: map[string]any{"task": taskID, "step_id": stepID}}))
	closedStep := closeEnv.Result.(domain.Step)
	require.True(t, closedStep.Completed)
}

// TestRevisionGateRejectsStaleExpectedRevision exercises spec.md §8 seed
// scenario 3: task.patch with a stale expected_revision fails
// REVISION_MISMATCH and leaves the task unchanged.
func TestRevisionGateRejectsStaleExpectedRevision(t *testing.T) {
	p := newTestPortal(t)
	ctx := context.Background()

	planEnv := mustOK(t, p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "plan.create", Args: map[string]any{"title": "P"}}))
	plan := planEnv.Result.(domain.Plan)
	decomposeEnv := mustOK(t, p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "plan.decompose", Args: map[string]any{
		"plan_id": plan.ID, "title": "do the thing", "steps": []any{},
	}}))
	task := decomposeEnv.Result.(map[string]any)["task"].(domain.Task)
	taskID := task.ID

	// Advance the task's revision once for real.
	mustOK(t, p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "task.patch", Args: map[string]any{
		"task": taskID, "expected_revision": 1, "priority": "p1",
	}}))

	// Now retry against the now-stale revision=1.
	patchEnv := p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "task.patch", Args: map[string]any{
		"task": taskID, "expected_revision": 1, "priority": "p2",
	}})
	require.False(t, patchEnv.Success)
	require.Equal(t, ErrRevisionMismatch, patchEnv.Error.Code)
}

func TestUnknownToolAndVerbErrors(t *testing.T) {
	p := newTestPortal(t)
	ctx := context.Background()

	env := p.Dispatch(ctx, "tasks", Request{Op: "call", Cmd: "no.such.cmd", Args: map[string]any{}})
	require.False(t, env.Success)
	require.Equal(t, ErrUnknownTool, env.Error.Code)
	require.Equal(t, "system.cmd.list", env.Actions[0].Cmd)

	env = p.Dispatch(ctx, "tasks", Request{Op: "no-such-op", Args: map[string]any{}})
	require.False(t, env.Success)
	require.Equal(t, ErrUnknownVerb, env.Error.Code)
}

func TestWorkspaceLockRejectsMismatch(t *testing.T) {
	p := newTestPortal(t)
	ctx := context.Background()
	p.LockDefault("ws-a")

	env := p.Dispatch(ctx, "tasks", Request{Workspace: "ws-b", Op: "call", Cmd: "plan.create", Args: map[string]any{"title": "P"}})
	require.False(t, env.Success)
	require.Equal(t, ErrWorkspaceMismatch, env.Error.Code)
}
