// Package tasks implements the task domain and checkpoint gates described
// in spec.md §4.4: plan.create, plan.decompose, step.note, step.verify,
// step.close, evidence.capture, task.patch, focus.set/clear, snapshot,
// radar and execute.next (NextEngine).
package tasks

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/branchmind/branchmind/internal/docstore"
	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/eventlog"
	"github.com/branchmind/branchmind/internal/graph"
	"github.com/branchmind/branchmind/internal/ids"
	"github.com/branchmind/branchmind/internal/store"
)

// Sentinel errors translated by internal/portal into typed error codes.
var (
	ErrNotFound         = errors.New("tasks: not found")
	ErrRevisionMismatch = errors.New("tasks: revision mismatch")
	ErrProofRequired    = errors.New("tasks: proof required")
	ErrCheckpointsOpen  = errors.New("tasks: required checkpoints not confirmed")
)

func reasoningFor(taskID string) domain.ReasoningRef {
	return domain.ReasoningRef{
		Branch:   "main",
		NotesDoc: "notes:" + taskID,
		GraphDoc: "graph:" + taskID,
		TraceDoc: "trace:" + taskID,
	}
}

// PlanCreate allocates a plan id and persists it, emitting plan_created.
func PlanCreate(tx *store.Tx, workspace, title, description, horizon string, nowMs int64) (domain.Plan, error) {
	n, err := store.NextPlanCounter(tx, workspace)
	if err != nil {
		return domain.Plan{}, err
	}
	if horizon == "" {
		horizon = domain.HorizonActive
	}
	p := domain.Plan{
		ID: ids.Plan(n), Title: title, Description: description,
		Status: domain.PlanStatusActive, Horizon: horizon, UpdatedAtMs: nowMs, Revision: 1,
	}
	_, err = tx.SQL().Exec(
		`INSERT INTO plans(workspace, id, title, description, status, horizon, updated_at_ms, revision)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		workspace, p.ID, p.Title, p.Description, p.Status, p.Horizon, p.UpdatedAtMs, p.Revision,
	)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("tasks: insert plan: %w", err)
	}

	payload, _ := json.Marshal(p)
	eventID := ids.EventID(workspace, "plan_created", payload, p.ID)
	seq, _, err := eventlog.Append(tx, eventlog.Event{
		Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "plan_created", Payload: payload,
	})
	if err != nil {
		return domain.Plan{}, err
	}
	_ = seq
	return p, nil
}

// TaskDecompose creates one task under planID (spec.md's plan.decompose
// creates the tasks named in a decomposition; callers loop this per task).
func TaskDecompose(tx *store.Tx, workspace, planID, title, priority, horizon string, nowMs int64) (domain.Task, error) {
	n, err := store.NextTaskCounter(tx, workspace)
	if err != nil {
		return domain.Task{}, err
	}
	if horizon == "" {
		horizon = domain.HorizonBacklog
	}
	t := domain.Task{
		ID: ids.Task(n), PlanID: planID, Title: title, Status: domain.TaskStatusActive,
		Priority: priority, Horizon: horizon, Revision: 1, Reasoning: reasoningFor(ids.Task(n)),
		Meta: map[string]string{}, UpdatedAtMs: nowMs,
	}
	if err := insertTask(tx, workspace, t); err != nil {
		return domain.Task{}, err
	}

	payload, _ := json.Marshal(t)
	eventID := ids.EventID(workspace, "task_created", payload, t.ID)
	seq, _, err := eventlog.Append(tx, eventlog.Event{
		Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "task_created", TaskID: t.ID, Payload: payload,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := graph.ProjectTaskCreated(tx, workspace, t.Reasoning.Branch, t.Reasoning.GraphDoc, eventID, seq, nowMs, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func insertTask(tx *store.Tx, workspace string, t domain.Task) error {
	metaJSON, _ := json.Marshal(t.Meta)
	_, err := tx.SQL().Exec(
		`INSERT INTO tasks(workspace, id, plan_id, title, status, priority, horizon, blocked, block_reason,
		   revision, reasoning_branch, reasoning_notes_doc, reasoning_graph_doc, reasoning_trace_doc, meta, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workspace, t.ID, t.PlanID, t.Title, t.Status, t.Priority, t.Horizon, boolToInt(t.Blocked), t.BlockReason,
		t.Revision, t.Reasoning.Branch, t.Reasoning.NotesDoc, t.Reasoning.GraphDoc, t.Reasoning.TraceDoc, string(metaJSON), t.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("tasks: insert task: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// StepSpec carries the fields a decomposition supplies per step.
type StepSpec struct {
	Title        string
	Path         string
	ParentStepID string
	Criteria     []string
	Tests        []string
	NextAction   string
	StopCriteria string
	Required     domain.RequiredCheckpoints
}

// StepCreate appends a new step under taskID, optionally nested under
// parentStepID, and projects it into the graph.
func StepCreate(tx *store.Tx, workspace string, t domain.Task, spec StepSpec, nowMs int64) (domain.Step, error) {
	s := domain.Step{
		StepID: ids.Step(), TaskID: t.ID, Path: spec.Path, Title: spec.Title,
		Criteria: spec.Criteria, Tests: spec.Tests, NextAction: spec.NextAction,
		StopCriteria: spec.StopCriteria, Required: spec.Required, Revision: 1, UpdatedAtMs: nowMs,
	}
	parentStepID := spec.ParentStepID
	if err := insertStep(tx, workspace, s); err != nil {
		return domain.Step{}, err
	}

	payload, _ := json.Marshal(s)
	eventID := ids.EventID(workspace, "step_created", payload, s.StepID)
	seq, _, err := eventlog.Append(tx, eventlog.Event{
		Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "step_created", TaskID: t.ID, Path: s.Path, Payload: payload,
	})
	if err != nil {
		return domain.Step{}, err
	}
	if err := graph.ProjectStepCreated(tx, workspace, t.Reasoning.Branch, t.Reasoning.GraphDoc, eventID, seq, nowMs, s, parentStepID); err != nil {
		return domain.Step{}, err
	}
	return s, nil
}

func insertStep(tx *store.Tx, workspace string, s domain.Step) error {
	criteriaJSON, _ := json.Marshal(s.Criteria)
	testsJSON, _ := json.Marshal(s.Tests)
	blockersJSON, _ := json.Marshal(s.Blockers)
	evidenceJSON, _ := json.Marshal(s.Evidence)
	_, err := tx.SQL().Exec(
		`INSERT INTO steps(workspace, step_id, task_id, path, title, criteria, tests, blockers, next_action,
		   stop_criteria, completed, block_reason, security_required, perf_required, docs_required,
		   criteria_confirmed, tests_confirmed, security_confirmed, perf_confirmed, docs_confirmed,
		   evidence, override, updated_at_ms, revision)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		workspace, s.StepID, s.TaskID, s.Path, s.Title, string(criteriaJSON), string(testsJSON), string(blockersJSON),
		s.NextAction, s.StopCriteria, boolToInt(s.Completed), s.BlockReason,
		boolToInt(s.Required.Security), boolToInt(s.Required.Perf), boolToInt(s.Required.Docs),
		boolToInt(s.Checkpoints.CriteriaConfirmed), boolToInt(s.Checkpoints.TestsConfirmed),
		boolToInt(s.Checkpoints.SecurityConfirmed), boolToInt(s.Checkpoints.PerfConfirmed), boolToInt(s.Checkpoints.DocsConfirmed),
		string(evidenceJSON), s.UpdatedAtMs, s.Revision,
	)
	if err != nil {
		return fmt.Errorf("tasks: insert step: %w", err)
	}
	return nil
}

// GetTask loads a task by id.
func GetTask(q querier, workspace, taskID string) (domain.Task, error) {
	var t domain.Task
	var metaJSON string
	var blockedInt int
	err := q.QueryRow(
		`SELECT id, plan_id, title, status, priority, horizon, blocked, block_reason, revision,
		   reasoning_branch, reasoning_notes_doc, reasoning_graph_doc, reasoning_trace_doc, meta, updated_at_ms
		 FROM tasks WHERE workspace = ? AND id = ?`, workspace, taskID,
	).Scan(&t.ID, &t.PlanID, &t.Title, &t.Status, &t.Priority, &t.Horizon, &blockedInt, &t.BlockReason, &t.Revision,
		&t.Reasoning.Branch, &t.Reasoning.NotesDoc, &t.Reasoning.GraphDoc, &t.Reasoning.TraceDoc, &metaJSON, &t.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("tasks: get task: %w", err)
	}
	t.Blocked = blockedInt != 0
	_ = json.Unmarshal([]byte(metaJSON), &t.Meta)
	return t, nil
}

// GetStep loads a step by id.
func GetStep(q querier, workspace, stepID string) (domain.Step, error) {
	var s domain.Step
	var criteriaJSON, testsJSON, blockersJSON, evidenceJSON, overrideJSON string
	var completedInt, secReq, perfReq, docsReq, critConf, testsConf, secConf, perfConf, docsConf int
	err := q.QueryRow(
		`SELECT step_id, task_id, path, title, criteria, tests, blockers, next_action, stop_criteria,
		   completed, block_reason, security_required, perf_required, docs_required,
		   criteria_confirmed, tests_confirmed, security_confirmed, perf_confirmed, docs_confirmed,
		   evidence, override, updated_at_ms, revision
		 FROM steps WHERE workspace = ? AND step_id = ?`, workspace, stepID,
	).Scan(&s.StepID, &s.TaskID, &s.Path, &s.Title, &criteriaJSON, &testsJSON, &blockersJSON, &s.NextAction, &s.StopCriteria,
		&completedInt, &s.BlockReason, &secReq, &perfReq, &docsReq,
		&critConf, &testsConf, &secConf, &perfConf, &docsConf,
		&evidenceJSON, &overrideJSON, &s.UpdatedAtMs, &s.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Step{}, fmt.Errorf("%w: step %s", ErrNotFound, stepID)
	}
	if err != nil {
		return domain.Step{}, fmt.Errorf("tasks: get step: %w", err)
	}
	_ = json.Unmarshal([]byte(criteriaJSON), &s.Criteria)
	_ = json.Unmarshal([]byte(testsJSON), &s.Tests)
	_ = json.Unmarshal([]byte(blockersJSON), &s.Blockers)
	_ = json.Unmarshal([]byte(evidenceJSON), &s.Evidence)
	s.Completed = completedInt != 0
	s.Required = domain.RequiredCheckpoints{Security: secReq != 0, Perf: perfReq != 0, Docs: docsReq != 0}
	s.Checkpoints = domain.Checkpoints{
		CriteriaConfirmed: critConf != 0, TestsConfirmed: testsConf != 0,
		SecurityConfirmed: secConf != 0, PerfConfirmed: perfConf != 0, DocsConfirmed: docsConf != 0,
	}
	if overrideJSON != "" {
		var o domain.Override
		if err := json.Unmarshal([]byte(overrideJSON), &o); err == nil {
			s.Override = &o
		}
	}
	return s, nil
}

// FirstOpenStep returns the lowest-path incomplete step of a task, used by
// focus-first step.close/step.verify lookups and by NextEngine.
func FirstOpenStep(q querier, workspace, taskID string) (domain.Step, bool, error) {
	rows, err := q.Query(
		`SELECT step_id FROM steps WHERE workspace = ? AND task_id = ? AND completed = 0 ORDER BY path ASC, step_id ASC`,
		workspace, taskID,
	)
	if err != nil {
		return domain.Step{}, false, fmt.Errorf("tasks: first open step: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return domain.Step{}, false, rows.Err()
	}
	var stepID string
	if err := rows.Scan(&stepID); err != nil {
		return domain.Step{}, false, err
	}
	s, err := GetStep(q, workspace, stepID)
	return s, true, err
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// StepNote appends a free-form reasoning note for a step to the task's
// notes_doc (spec.md §4.4 step.note).
func StepNote(tx *store.Tx, workspace string, t domain.Task, stepID, title, content string, nowMs int64) (domain.DocEntry, error) {
	return docstore.Commit(tx, workspace, domain.DocEntry{
		Branch: t.Reasoning.Branch, Doc: t.Reasoning.NotesDoc, Kind: "note",
		Title: title, TsMs: nowMs, Content: content, Meta: map[string]string{"step_id": stepID},
	})
}

// sortedCriteria matches open-question (a): default required set is
// always {criteria, tests}; security/perf/docs only if declared.
func sortedCriteria(missing []string) []string {
	sort.Strings(missing)
	return missing
}
