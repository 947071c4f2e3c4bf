package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPlanCreateAndTaskDecompose(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var task domain.Task
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		plan, err := PlanCreate(tx, "ws", "Ship feature", "", "", 100)
		if err != nil {
			return err
		}
		task, err = TaskDecompose(tx, "ws", plan.ID, "Implement backend", "high", domain.HorizonActive, 100)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "TASK-001", task.ID)
	require.Equal(t, "notes:TASK-001", task.Reasoning.NotesDoc)
}

func TestStepCloseHappyPathRequiresProof(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var task domain.Task
	var step domain.Step
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		plan, err := PlanCreate(tx, "ws", "P", "", "", 100)
		if err != nil {
			return err
		}
		task, err = TaskDecompose(tx, "ws", plan.ID, "T", "", domain.HorizonActive, 100)
		if err != nil {
			return err
		}
		step, err = StepCreate(tx, "ws", task, StepSpec{
			Title: "first step", Path: "s:0", Criteria: []string{"works"}, Tests: []string{"go test"}, NextAction: "go test ./...",
		}, 100)
		return err
	})
	require.NoError(t, err)

	// Without checkpoints confirmed, close must fail.
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := StepClose(tx, "ws", task, StepCloseInput{StepID: step.StepID}, 200)
		return err
	})
	require.ErrorIs(t, err, ErrCheckpointsOpen)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := StepVerify(tx, "ws", task, step.StepID, CheckpointCriteria, 200)
		if err != nil {
			return err
		}
		_, err = StepVerify(tx, "ws", task, step.StepID, CheckpointTests, 200)
		return err
	})
	require.NoError(t, err)

	// Checkpoints confirmed but no proof: PROOF_REQUIRED without override.
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := StepClose(tx, "ws", task, StepCloseInput{StepID: step.StepID}, 300)
		return err
	})
	require.ErrorIs(t, err, ErrProofRequired)

	var closed domain.Step
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		closed, err = StepClose(tx, "ws", task, StepCloseInput{
			StepID:     step.StepID,
			ProofInput: "CMD: go test ./...\nLINK: file:///tmp/out.log",
		}, 400)
		return err
	})
	require.NoError(t, err)
	require.True(t, closed.Completed)
	require.Len(t, closed.Evidence, 2)
}

func TestTaskPatchRevisionMismatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var task domain.Task
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		plan, err := PlanCreate(tx, "ws", "P", "", "", 100)
		if err != nil {
			return err
		}
		task, err = TaskDecompose(tx, "ws", plan.ID, "T", "", domain.HorizonActive, 100)
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := TaskPatch(tx, "ws", task.ID, TaskPatchInput{ExpectedRevision: 99}, 200)
		return err
	})
	require.ErrorIs(t, err, ErrRevisionMismatch)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := TaskPatch(tx, "ws", task.ID, TaskPatchInput{ExpectedRevision: task.Revision}, 200)
		return err
	})
	require.NoError(t, err)
}

func TestExecuteNextPrefersManagerReviewThenFocusedStep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var task domain.Task
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		plan, err := PlanCreate(tx, "ws", "P", "", "", 100)
		if err != nil {
			return err
		}
		task, err = TaskDecompose(tx, "ws", plan.ID, "T", "", domain.HorizonActive, 100)
		if err != nil {
			return err
		}
		_, err = StepCreate(tx, "ws", task, StepSpec{Title: "do it", Path: "s:0", NextAction: "do it"}, 100)
		if err != nil {
			return err
		}
		return FocusSet(tx, "ws", task.ID, plan.ID)
	})
	require.NoError(t, err)

	primary, _, err := ExecuteNext(s.ReadDB(), "ws", []string{"JOB-abc"})
	require.NoError(t, err)
	require.Equal(t, NextActionManagerReview, primary.Kind)

	primary, backup, err := ExecuteNext(s.ReadDB(), "ws", nil)
	require.NoError(t, err)
	require.Equal(t, NextActionConfirmCheckpoint, primary.Kind) // criteria/tests unconfirmed
	require.Nil(t, backup)
}
