package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/branchmind/branchmind/internal/eventlog"
	"github.com/branchmind/branchmind/internal/ids"
	"github.com/branchmind/branchmind/internal/store"
)

// TaskPatchInput carries the optional fields task.patch may update.
type TaskPatchInput struct {
	ExpectedRevision int64
	Status           *string
	Priority         *string
	Horizon          *string
	Blocked          *bool
	BlockReason      *string
	MetaPatch        map[string]string
}

// TaskPatch applies a partial update under optimistic concurrency: the
// caller's ExpectedRevision must match the stored revision or the patch
// is rejected with ErrRevisionMismatch (spec.md's REVISION_MISMATCH gate).
// An ExpectedRevision of 0 skips the check.
func TaskPatch(tx *store.Tx, workspace, taskID string, in TaskPatchInput, nowMs int64) (returned struct {
	ID       string
	Revision int64
}, err error) {
	t, err := GetTask(tx.SQL(), workspace, taskID)
	if err != nil {
		return returned, err
	}
	if in.ExpectedRevision != 0 && in.ExpectedRevision != t.Revision {
		return returned, fmt.Errorf("%w: task %s has revision %d, expected %d", ErrRevisionMismatch, taskID, t.Revision, in.ExpectedRevision)
	}

	if in.Status != nil {
		t.Status = *in.Status
	}
	if in.Priority != nil {
		t.Priority = *in.Priority
	}
	if in.Horizon != nil {
		t.Horizon = *in.Horizon
	}
	if in.Blocked != nil {
		t.Blocked = *in.Blocked
	}
	if in.BlockReason != nil {
		t.BlockReason = *in.BlockReason
	}
	if t.Meta == nil {
		t.Meta = map[string]string{}
	}
	for k, v := range in.MetaPatch {
		t.Meta[k] = v
	}
	t.Revision++
	t.UpdatedAtMs = nowMs

	metaJSON, _ := json.Marshal(t.Meta)
	_, err = tx.SQL().Exec(
		`UPDATE tasks SET status = ?, priority = ?, horizon = ?, blocked = ?, block_reason = ?, meta = ?, revision = ?, updated_at_ms = ?
		 WHERE workspace = ? AND id = ?`,
		t.Status, t.Priority, t.Horizon, boolToInt(t.Blocked), t.BlockReason, string(metaJSON), t.Revision, t.UpdatedAtMs,
		workspace, taskID,
	)
	if err != nil {
		return returned, fmt.Errorf("tasks: patch: %w", err)
	}

	payload, _ := json.Marshal(t)
	eventID := ids.EventID(workspace, "task_patched", payload, fmt.Sprintf("%s:%d", taskID, t.Revision))
	if _, _, err := eventlog.Append(tx, eventlog.Event{
		Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "task_patched", TaskID: taskID, Payload: payload,
	}); err != nil {
		return returned, err
	}
	returned.ID = t.ID
	returned.Revision = t.Revision
	return returned, nil
}

// FocusSet points the workspace's focus pointer at a task (and optionally
// its owning plan), used by focus-first step lookups.
func FocusSet(tx *store.Tx, workspace, taskID, planID string) error {
	_, err := tx.SQL().Exec(
		`UPDATE workspaces SET focus_task_id = ?, focus_plan_id = ? WHERE id = ?`,
		taskID, planID, workspace,
	)
	if err != nil {
		return fmt.Errorf("tasks: focus set: %w", err)
	}
	return nil
}

// FocusClear removes the workspace's focus pointer.
func FocusClear(tx *store.Tx, workspace string) error {
	_, err := tx.SQL().Exec(`UPDATE workspaces SET focus_task_id = '', focus_plan_id = '' WHERE id = ?`, workspace)
	if err != nil {
		return fmt.Errorf("tasks: focus clear: %w", err)
	}
	return nil
}

// Focus returns the workspace's current focus pointer.
func Focus(q querier, workspace string) (taskID, planID string, err error) {
	err = q.QueryRow(`SELECT focus_task_id, focus_plan_id FROM workspaces WHERE id = ?`, workspace).Scan(&taskID, &planID)
	return taskID, planID, err
}
