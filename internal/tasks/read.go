package tasks

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/branchmind/branchmind/internal/domain"
)

// TaskSummary is one row of a snapshot/radar listing.
type TaskSummary struct {
	Task       domain.Task
	OpenSteps  int
	TotalSteps int
	NextStep   *domain.Step
}

// Snapshot returns a bounded, deterministic (id-ascending) view of a
// plan's tasks and each task's first open step (spec.md §4.4 snapshot /
// §4.5 "every read op accepts max_chars/limit/cursor").
func Snapshot(db *sql.DB, workspace, planID string, cursor string, limit int) (items []TaskSummary, truncated bool, err error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT id, plan_id, title, status, priority, horizon, blocked, block_reason, revision,
		   reasoning_branch, reasoning_notes_doc, reasoning_graph_doc, reasoning_trace_doc, meta, updated_at_ms
		 FROM tasks WHERE workspace = ? AND plan_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		workspace, planID, cursor, limit+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("tasks: snapshot: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, false, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(tasks) > limit {
		tasks = tasks[:limit]
		truncated = true
	}

	for _, t := range tasks {
		summary, err := summarize(db, workspace, t)
		if err != nil {
			return nil, false, err
		}
		items = append(items, summary)
	}
	return items, truncated, nil
}

// Radar returns tasks that need attention: blocked tasks, tasks whose
// first open step is missing a checkpoint, and tasks with no next_action
// at all (stalled), id-ascending and bounded.
func Radar(db *sql.DB, workspace string, limit int) (items []TaskSummary, truncated bool, err error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT id, plan_id, title, status, priority, horizon, blocked, block_reason, revision,
		   reasoning_branch, reasoning_notes_doc, reasoning_graph_doc, reasoning_trace_doc, meta, updated_at_ms
		 FROM tasks WHERE workspace = ? AND status != 'DONE' AND status != 'CANCELED' ORDER BY id ASC`,
		workspace,
	)
	if err != nil {
		return nil, false, fmt.Errorf("tasks: radar: %w", err)
	}
	defer rows.Close()

	var candidates []TaskSummary
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, false, err
		}
		summary, err := summarize(db, workspace, t)
		if err != nil {
			return nil, false, err
		}
		if needsAttention(summary) {
			candidates = append(candidates, summary)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(candidates) > limit {
		candidates = candidates[:limit]
		truncated = true
	}
	return candidates, truncated, nil
}

func needsAttention(s TaskSummary) bool {
	if s.Task.Blocked {
		return true
	}
	if s.NextStep == nil {
		return s.OpenSteps > 0 // open steps but FirstOpenStep found none is impossible; defensive only
	}
	if len(s.NextStep.Blockers) > 0 {
		return true
	}
	if ok, _ := s.NextStep.AllGatesConfirmed(); !ok {
		return true
	}
	return !s.NextStep.HasNextAction()
}

func summarize(db *sql.DB, workspace string, t domain.Task) (TaskSummary, error) {
	var total, open int
	if err := db.QueryRow(`SELECT COUNT(*) FROM steps WHERE workspace = ? AND task_id = ?`, workspace, t.ID).Scan(&total); err != nil {
		return TaskSummary{}, fmt.Errorf("tasks: count steps: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM steps WHERE workspace = ? AND task_id = ? AND completed = 0`, workspace, t.ID).Scan(&open); err != nil {
		return TaskSummary{}, fmt.Errorf("tasks: count open steps: %w", err)
	}
	summary := TaskSummary{Task: t, TotalSteps: total, OpenSteps: open}
	if step, ok, err := FirstOpenStep(db, workspace, t.ID); err != nil {
		return TaskSummary{}, err
	} else if ok {
		summary.NextStep = &step
	}
	return summary, nil
}

func scanTaskRow(rows *sql.Rows) (domain.Task, error) {
	var t domain.Task
	var metaJSON string
	var blockedInt int
	if err := rows.Scan(&t.ID, &t.PlanID, &t.Title, &t.Status, &t.Priority, &t.Horizon, &blockedInt, &t.BlockReason, &t.Revision,
		&t.Reasoning.Branch, &t.Reasoning.NotesDoc, &t.Reasoning.GraphDoc, &t.Reasoning.TraceDoc, &metaJSON, &t.UpdatedAtMs); err != nil {
		return domain.Task{}, fmt.Errorf("tasks: scan task: %w", err)
	}
	t.Blocked = blockedInt != 0
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &t.Meta)
	}
	return t, nil
}
