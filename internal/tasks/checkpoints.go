package tasks

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/eventlog"
	"github.com/branchmind/branchmind/internal/graph"
	"github.com/branchmind/branchmind/internal/ids"
	"github.com/branchmind/branchmind/internal/store"
)

// Checkpoint names accepted by StepVerify.
const (
	CheckpointCriteria = "criteria"
	CheckpointTests    = "tests"
	CheckpointSecurity = "security"
	CheckpointPerf     = "perf"
	CheckpointDocs     = "docs"
)

// StepVerify confirms one checkpoint on a step (spec.md §4.4
// step.verify(checkpoint)).
func StepVerify(tx *store.Tx, workspace string, t domain.Task, stepID, checkpoint string, nowMs int64) (domain.Step, error) {
	s, err := GetStep(tx.SQL(), workspace, stepID)
	if err != nil {
		return domain.Step{}, err
	}

	switch checkpoint {
	case CheckpointCriteria:
		s.Checkpoints.CriteriaConfirmed = true
	case CheckpointTests:
		s.Checkpoints.TestsConfirmed = true
	case CheckpointSecurity:
		s.Checkpoints.SecurityConfirmed = true
	case CheckpointPerf:
		s.Checkpoints.PerfConfirmed = true
	case CheckpointDocs:
		s.Checkpoints.DocsConfirmed = true
	default:
		return domain.Step{}, fmt.Errorf("tasks: unknown checkpoint %q", checkpoint)
	}
	s.Revision++
	s.UpdatedAtMs = nowMs
	if err := updateStepCheckpoints(tx, workspace, s); err != nil {
		return domain.Step{}, err
	}

	payload, _ := json.Marshal(map[string]string{"step_id": stepID, "checkpoint": checkpoint})
	eventID := ids.EventID(workspace, "step_checkpoint_confirmed", payload, fmt.Sprintf("%s:%s:%d", stepID, checkpoint, s.Revision))
	if _, _, err := eventlog.Append(tx, eventlog.Event{
		Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "step_checkpoint_confirmed", TaskID: t.ID, Path: s.Path, Payload: payload,
	}); err != nil {
		return domain.Step{}, err
	}
	return s, nil
}

func updateStepCheckpoints(tx *store.Tx, workspace string, s domain.Step) error {
	_, err := tx.SQL().Exec(
		`UPDATE steps SET criteria_confirmed = ?, tests_confirmed = ?, security_confirmed = ?,
		   perf_confirmed = ?, docs_confirmed = ?, revision = ?, updated_at_ms = ?
		 WHERE workspace = ? AND step_id = ?`,
		boolToInt(s.Checkpoints.CriteriaConfirmed), boolToInt(s.Checkpoints.TestsConfirmed),
		boolToInt(s.Checkpoints.SecurityConfirmed), boolToInt(s.Checkpoints.PerfConfirmed), boolToInt(s.Checkpoints.DocsConfirmed),
		s.Revision, s.UpdatedAtMs, workspace, s.StepID,
	)
	if err != nil {
		return fmt.Errorf("tasks: update checkpoints: %w", err)
	}
	return nil
}

// ParseEvidence splits free-text proof_input into CMD:/LINK:/FILE: receipts
// (spec.md §4.4 step.close (iii): "parse receipts into CMD:/LINK:/FILE:
// forms"). Lines with no recognized prefix are ignored: only explicit
// receipts count as proof.
func ParseEvidence(proofInput string) []domain.Evidence {
	var out []domain.Evidence
	for _, line := range strings.Split(proofInput, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "CMD:"):
			out = append(out, domain.Evidence{Kind: domain.EvidenceCmd, Ref: strings.TrimSpace(line[len("CMD:"):])})
		case strings.HasPrefix(line, "LINK:"):
			out = append(out, domain.Evidence{Kind: domain.EvidenceLink, Ref: strings.TrimSpace(line[len("LINK:"):])})
		case strings.HasPrefix(line, "FILE:"):
			out = append(out, domain.Evidence{Kind: domain.EvidenceFile, Ref: strings.TrimSpace(line[len("FILE:"):])})
		}
	}
	return out
}

// EvidenceCapture attaches evidence to a step without closing it
// (spec.md §4.4 evidence.capture).
func EvidenceCapture(tx *store.Tx, workspace string, t domain.Task, stepID, proofInput string, nowMs int64) (domain.Step, error) {
	s, err := GetStep(tx.SQL(), workspace, stepID)
	if err != nil {
		return domain.Step{}, err
	}
	newEvidence := ParseEvidence(proofInput)
	s.Evidence = append(s.Evidence, newEvidence...)
	s.Revision++
	s.UpdatedAtMs = nowMs
	if err := updateStepEvidence(tx, workspace, s); err != nil {
		return domain.Step{}, err
	}

	payload, _ := json.Marshal(map[string]any{"step_id": stepID, "evidence": newEvidence})
	eventID := ids.EventID(workspace, "evidence_captured", payload, fmt.Sprintf("%s:%d", stepID, s.Revision))
	if _, _, err := eventlog.Append(tx, eventlog.Event{
		Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "evidence_captured", TaskID: t.ID, Path: s.Path, Payload: payload,
	}); err != nil {
		return domain.Step{}, err
	}
	return s, nil
}

func updateStepEvidence(tx *store.Tx, workspace string, s domain.Step) error {
	evidenceJSON, _ := json.Marshal(s.Evidence)
	_, err := tx.SQL().Exec(
		`UPDATE steps SET evidence = ?, revision = ?, updated_at_ms = ? WHERE workspace = ? AND step_id = ?`,
		string(evidenceJSON), s.Revision, s.UpdatedAtMs, workspace, s.StepID,
	)
	if err != nil {
		return fmt.Errorf("tasks: update evidence: %w", err)
	}
	return nil
}

// StepCloseInput carries step.close's optional arguments.
type StepCloseInput struct {
	StepID     string // explicit lookup; empty means focus-first
	ProofInput string
	Override   *domain.Override
}

// StepClose runs the five-step closing algorithm from spec.md §4.4:
// look up the step, verify required checkpoints, parse and attach any
// supplied proof, enforce the proof gate (bypassable only with an
// explicit Override), mark the step completed, and project the closure
// into the graph.
func StepClose(tx *store.Tx, workspace string, t domain.Task, in StepCloseInput, nowMs int64) (domain.Step, error) {
	var s domain.Step
	var err error
	if in.StepID != "" {
		s, err = GetStep(tx.SQL(), workspace, in.StepID)
	} else {
		var ok bool
		s, ok, err = FirstOpenStep(tx.SQL(), workspace, t.ID)
		if err == nil && !ok {
			err = fmt.Errorf("%w: task %s has no open step", ErrNotFound, t.ID)
		}
	}
	if err != nil {
		return domain.Step{}, err
	}

	if ok, missing := s.AllGatesConfirmed(); !ok {
		return domain.Step{}, fmt.Errorf("%w: %s", ErrCheckpointsOpen, strings.Join(sortedCriteria(missing), ","))
	}

	if in.ProofInput != "" {
		s.Evidence = append(s.Evidence, ParseEvidence(in.ProofInput)...)
	}
	if !s.HasProof() {
		if in.Override == nil {
			return domain.Step{}, fmt.Errorf("%w: step %s", ErrProofRequired, s.StepID)
		}
		s.Override = in.Override
	}

	s.Completed = true
	s.Revision++
	s.UpdatedAtMs = nowMs
	if err := closeStepRow(tx, workspace, s); err != nil {
		return domain.Step{}, err
	}

	payload, _ := json.Marshal(s)
	eventID := ids.EventID(workspace, "step_closed", payload, fmt.Sprintf("%s:%d", s.StepID, s.Revision))
	seq, _, err := eventlog.Append(tx, eventlog.Event{
		Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "step_closed", TaskID: t.ID, Path: s.Path, Payload: payload,
	})
	if err != nil {
		return domain.Step{}, err
	}
	if err := graph.ProjectStepClosed(tx, workspace, t.Reasoning.Branch, t.Reasoning.GraphDoc, eventID, seq, nowMs, s); err != nil {
		return domain.Step{}, err
	}
	return s, nil
}

func closeStepRow(tx *store.Tx, workspace string, s domain.Step) error {
	evidenceJSON, _ := json.Marshal(s.Evidence)
	overrideJSON := ""
	if s.Override != nil {
		b, _ := json.Marshal(s.Override)
		overrideJSON = string(b)
	}
	_, err := tx.SQL().Exec(
		`UPDATE steps SET completed = 1, evidence = ?, override = ?, revision = ?, updated_at_ms = ?
		 WHERE workspace = ? AND step_id = ?`,
		string(evidenceJSON), overrideJSON, s.Revision, s.UpdatedAtMs, workspace, s.StepID,
	)
	if err != nil {
		return fmt.Errorf("tasks: close step: %w", err)
	}
	return nil
}
