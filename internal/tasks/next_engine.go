package tasks

import (
	"fmt"
	"sort"
)

// NextActionKind enumerates the shapes NextEngine can propose.
const (
	NextActionManagerReview    = "manager_review"
	NextActionResolveBlocker   = "resolve_blocker"
	NextActionConfirmCheckpoint = "confirm_checkpoint"
	NextActionCloseStep        = "close_step"
	NextActionIdle             = "idle"
)

// NextAction is one candidate move returned by execute.next.
type NextAction struct {
	Kind        string
	TaskID      string
	StepID      string
	Description string
}

// ExecuteNext derives the deterministic (primary, backup) pair described
// in spec.md §4.4: "derived from current focus, first open step with
// next_action, blockers, missing checkpoints, and any needs_manager
// jobs. Ordering is total and reproducible." needsManagerJobIDs is
// produced by internal/jobs and passed in so this package stays free of
// a jobs import cycle.
func ExecuteNext(q querier, workspace string, needsManagerJobIDs []string) (primary, backup *NextAction, err error) {
	candidates, err := candidateActions(q, workspace, needsManagerJobIDs)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		idle := &NextAction{Kind: NextActionIdle, Description: "no open steps or pending jobs"}
		return idle, nil, nil
	}
	primary = &candidates[0]
	if len(candidates) > 1 {
		backup = &candidates[1]
	}
	return primary, backup, nil
}

func candidateActions(q querier, workspace string, needsManagerJobIDs []string) ([]NextAction, error) {
	var out []NextAction

	sortedJobs := append([]string(nil), needsManagerJobIDs...)
	sort.Strings(sortedJobs)
	for _, jobID := range sortedJobs {
		out = append(out, NextAction{Kind: NextActionManagerReview, Description: fmt.Sprintf("review job %s's pending question", jobID)})
	}

	focusTaskID, _, err := Focus(q, workspace)
	if err != nil {
		return nil, fmt.Errorf("tasks: next engine focus: %w", err)
	}
	if focusTaskID != "" {
		if action, ok, err := actionForTask(q, workspace, focusTaskID); err != nil {
			return nil, err
		} else if ok {
			out = append(out, action)
		}
	}

	taskIDs, err := activeTaskIDsAscending(q, workspace)
	if err != nil {
		return nil, err
	}
	for _, taskID := range taskIDs {
		if taskID == focusTaskID {
			continue
		}
		action, ok, err := actionForTask(q, workspace, taskID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, action)
		}
	}
	return out, nil
}

func actionForTask(q querier, workspace, taskID string) (NextAction, bool, error) {
	step, ok, err := FirstOpenStep(q, workspace, taskID)
	if err != nil || !ok {
		return NextAction{}, false, err
	}
	if len(step.Blockers) > 0 {
		return NextAction{
			Kind: NextActionResolveBlocker, TaskID: taskID, StepID: step.StepID,
			Description: fmt.Sprintf("resolve blocker on %s: %s", step.StepID, step.Blockers[0]),
		}, true, nil
	}
	if confirmed, missing := step.AllGatesConfirmed(); !confirmed {
		return NextAction{
			Kind: NextActionConfirmCheckpoint, TaskID: taskID, StepID: step.StepID,
			Description: fmt.Sprintf("confirm %s checkpoint on %s", missing[0], step.StepID),
		}, true, nil
	}
	if !step.HasNextAction() {
		return NextAction{}, false, nil
	}
	return NextAction{
		Kind: NextActionCloseStep, TaskID: taskID, StepID: step.StepID,
		Description: step.NextAction,
	}, true, nil
}

func activeTaskIDsAscending(q querier, workspace string) ([]string, error) {
	rows, err := q.Query(
		`SELECT id FROM tasks WHERE workspace = ? AND horizon = 'active' AND status = 'ACTIVE' ORDER BY id ASC`,
		workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("tasks: active task scan: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
