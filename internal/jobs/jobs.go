// Package jobs implements the delegation job/runner state machine
// described in spec.md §4.6: create, route, claim, report, complete,
// cancel and reclaim, plus the runner heartbeat lease and the proof gate.
package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/eventlog"
	"github.com/branchmind/branchmind/internal/ids"
	"github.com/branchmind/branchmind/internal/store"
)

// Sentinel errors translated by internal/portal into typed error codes.
var (
	ErrNotFound          = errors.New("jobs: not found")
	ErrClaimTokenInvalid = errors.New("jobs: claim token invalid")
	ErrNotClaimable      = errors.New("jobs: job is not in a claimable state")
	ErrReclaimTooSoon    = errors.New("jobs: lease has not expired")
	ErrNoEligibleRunner  = errors.New("jobs: no eligible runner")
)

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Create inserts a new QUEUED job.
func Create(tx *store.Tx, workspace string, j domain.Job, nowMs int64) (domain.Job, error) {
	j.ID = ids.Job()
	j.Status = domain.JobQueued
	j.Revision = 0
	j.CreatedAtMs = nowMs
	j.UpdatedAtMs = nowMs
	if j.ExecutorProfile == "" {
		j.ExecutorProfile = "fast"
	}
	if j.Executor == "" {
		j.Executor = "auto"
	}
	if err := insertJob(tx, workspace, j); err != nil {
		return domain.Job{}, err
	}

	payload, _ := json.Marshal(j)
	eventID := ids.EventID(workspace, "job_created", payload, j.ID)
	if _, _, err := eventlog.Append(tx, eventlog.Event{
		Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "job_created", TaskID: j.TaskID, Payload: payload,
	}); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func insertJob(tx *store.Tx, workspace string, j domain.Job) error {
	policyJSON, _ := json.Marshal(j.Policy)
	artifactsJSON, _ := json.Marshal(j.ExpectedArtifacts)
	metaJSON, _ := json.Marshal(j.Meta)
	_, err := tx.SQL().Exec(
		`INSERT INTO jobs(workspace, id, title, prompt, kind, priority, task_id, anchor_id, executor, executor_profile,
		   policy, status, revision, runner_id, claim_expires_at_ms, expected_artifacts, last_question_seq, last_manager_seq,
		   meta, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workspace, j.ID, j.Title, j.Prompt, j.Kind, j.Priority, j.TaskID, j.AnchorID, j.Executor, j.ExecutorProfile,
		string(policyJSON), j.Status, j.Revision, j.RunnerID, j.ClaimExpiresAtMs, string(artifactsJSON), j.LastQuestionSeq, j.LastManagerSeq,
		string(metaJSON), j.CreatedAtMs, j.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("jobs: insert: %w", err)
	}
	return nil
}

// Get loads a job by id.
func Get(q querier, workspace, jobID string) (domain.Job, error) {
	var j domain.Job
	var policyJSON, artifactsJSON, metaJSON string
	err := q.QueryRow(
		`SELECT id, title, prompt, kind, priority, task_id, anchor_id, executor, executor_profile, policy,
		   status, revision, runner_id, claim_expires_at_ms, expected_artifacts, last_question_seq, last_manager_seq,
		   meta, created_at_ms, updated_at_ms
		 FROM jobs WHERE workspace = ? AND id = ?`, workspace, jobID,
	).Scan(&j.ID, &j.Title, &j.Prompt, &j.Kind, &j.Priority, &j.TaskID, &j.AnchorID, &j.Executor, &j.ExecutorProfile, &policyJSON,
		&j.Status, &j.Revision, &j.RunnerID, &j.ClaimExpiresAtMs, &artifactsJSON, &j.LastQuestionSeq, &j.LastManagerSeq,
		&metaJSON, &j.CreatedAtMs, &j.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("jobs: get: %w", err)
	}
	_ = json.Unmarshal([]byte(policyJSON), &j.Policy)
	_ = json.Unmarshal([]byte(artifactsJSON), &j.ExpectedArtifacts)
	_ = json.Unmarshal([]byte(metaJSON), &j.Meta)
	return j, nil
}

func save(tx *store.Tx, workspace string, j domain.Job) error {
	artifactsJSON, _ := json.Marshal(j.ExpectedArtifacts)
	metaJSON, _ := json.Marshal(j.Meta)
	_, err := tx.SQL().Exec(
		`UPDATE jobs SET status = ?, revision = ?, runner_id = ?, claim_expires_at_ms = ?, expected_artifacts = ?,
		   last_question_seq = ?, last_manager_seq = ?, meta = ?, updated_at_ms = ?
		 WHERE workspace = ? AND id = ?`,
		j.Status, j.Revision, j.RunnerID, j.ClaimExpiresAtMs, string(artifactsJSON),
		j.LastQuestionSeq, j.LastManagerSeq, string(metaJSON), j.UpdatedAtMs, workspace, j.ID,
	)
	if err != nil {
		return fmt.Errorf("jobs: save: %w", err)
	}
	return nil
}

func appendJobEvent(tx *store.Tx, workspace, jobID, eventType string, payload []byte, nowMs int64) error {
	var seq int64
	err := tx.SQL().QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM job_events WHERE workspace = ? AND job_id = ?`, workspace, jobID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("jobs: allocate job event seq: %w", err)
	}
	_, err = tx.SQL().Exec(
		`INSERT INTO job_events(workspace, job_id, seq, ts_ms, type, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		workspace, jobID, seq, nowMs, eventType, string(payload),
	)
	if err != nil {
		return fmt.Errorf("jobs: append job event: %w", err)
	}
	return nil
}

// Claim transitions a QUEUED job to claimed-with-lease for runnerID
// (spec.md §4.6 "Claim: increments revision, sets
// claim_expires_at_ms = now + ttl"). allowStale permits claiming a
// RUNNING job whose lease has already expired.
func Claim(tx *store.Tx, workspace, jobID, runnerID string, ttlMs int64, allowStale bool, nowMs int64) (domain.Job, error) {
	j, err := Get(tx.SQL(), workspace, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	claimable := j.Status == domain.JobQueued || (allowStale && j.Status == domain.JobRunning && j.ClaimExpiresAtMs <= nowMs)
	if !claimable {
		return domain.Job{}, fmt.Errorf("%w: job %s in status %s", ErrNotClaimable, jobID, j.Status)
	}

	previousRunner := j.RunnerID
	j.Status = domain.JobRunning
	j.Revision++
	j.RunnerID = runnerID
	j.ClaimExpiresAtMs = nowMs + ttlMs
	j.UpdatedAtMs = nowMs
	if err := save(tx, workspace, j); err != nil {
		return domain.Job{}, err
	}

	payload, _ := json.Marshal(map[string]any{"runner_id": runnerID, "revision": j.Revision, "previous_runner_id": previousRunner})
	eventID := ids.EventID(workspace, "job_claimed", payload, fmt.Sprintf("%s:%d", jobID, j.Revision))
	if _, _, err := eventlog.Append(tx, eventlog.Event{Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "job_claimed", TaskID: j.TaskID, Payload: payload}); err != nil {
		return domain.Job{}, err
	}
	if err := appendJobEvent(tx, workspace, jobID, "claimed", payload, nowMs); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func checkClaimToken(j domain.Job, runnerID string, revision int64) error {
	if j.RunnerID != runnerID || j.Revision != revision {
		return fmt.Errorf("%w: job %s held by %s@%d, got %s@%d", ErrClaimTokenInvalid, j.ID, j.RunnerID, j.Revision, runnerID, revision)
	}
	return nil
}

// Report renews the lease and writes a progress event
// (spec.md §4.6 "Every report renews the lease and writes a progress
// event").
func Report(tx *store.Tx, workspace, jobID, runnerID string, revision int64, progress string, ttlMs, nowMs int64) (domain.Job, error) {
	j, err := Get(tx.SQL(), workspace, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := checkClaimToken(j, runnerID, revision); err != nil {
		return domain.Job{}, err
	}
	j.ClaimExpiresAtMs = nowMs + ttlMs
	j.UpdatedAtMs = nowMs
	if err := save(tx, workspace, j); err != nil {
		return domain.Job{}, err
	}
	payload, _ := json.Marshal(map[string]string{"progress": progress})
	if err := appendJobEvent(tx, workspace, jobID, "progress", payload, nowMs); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// SetMeta records an incidental runner-infrastructure fact against a job
// (e.g. the container id a runner.isolation=docker launch produced) and
// appends a "runner_meta_set" job event. It does not touch revision or
// claim state, so it never races with claim/report/complete.
func SetMeta(tx *store.Tx, workspace, jobID, key, value string, nowMs int64) (domain.Job, error) {
	j, err := Get(tx.SQL(), workspace, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Meta == nil {
		j.Meta = map[string]string{}
	}
	j.Meta[key] = value
	j.UpdatedAtMs = nowMs
	if err := save(tx, workspace, j); err != nil {
		return domain.Job{}, err
	}
	payload, _ := json.Marshal(map[string]string{"key": key, "value": value})
	if err := appendJobEvent(tx, workspace, jobID, "runner_meta_set", payload, nowMs); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// AskQuestion records a runner question against the job, which makes
// NeedsManager true until the manager answers.
func AskQuestion(tx *store.Tx, workspace, jobID, runnerID string, revision int64, question string, nowMs int64) (domain.Job, error) {
	j, err := Get(tx.SQL(), workspace, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := checkClaimToken(j, runnerID, revision); err != nil {
		return domain.Job{}, err
	}
	payload, _ := json.Marshal(map[string]string{"question": question})
	seq, err := nextJobEventSeq(tx, workspace, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := insertJobEventAtSeq(tx, workspace, jobID, seq, "question", payload, nowMs); err != nil {
		return domain.Job{}, err
	}
	j.LastQuestionSeq = seq
	j.UpdatedAtMs = nowMs
	if err := save(tx, workspace, j); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// AnswerQuestion records the manager's answer, clearing NeedsManager.
func AnswerQuestion(tx *store.Tx, workspace, jobID, answer string, nowMs int64) (domain.Job, error) {
	j, err := Get(tx.SQL(), workspace, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	payload, _ := json.Marshal(map[string]string{"answer": answer})
	seq, err := nextJobEventSeq(tx, workspace, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := insertJobEventAtSeq(tx, workspace, jobID, seq, "manager_answer", payload, nowMs); err != nil {
		return domain.Job{}, err
	}
	j.LastManagerSeq = seq
	j.UpdatedAtMs = nowMs
	if err := save(tx, workspace, j); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func nextJobEventSeq(tx *store.Tx, workspace, jobID string) (int64, error) {
	var seq int64
	err := tx.SQL().QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM job_events WHERE workspace = ? AND job_id = ?`, workspace, jobID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("jobs: next job event seq: %w", err)
	}
	return seq, nil
}

func insertJobEventAtSeq(tx *store.Tx, workspace, jobID string, seq int64, eventType string, payload []byte, nowMs int64) error {
	_, err := tx.SQL().Exec(
		`INSERT INTO job_events(workspace, job_id, seq, ts_ms, type, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		workspace, jobID, seq, nowMs, eventType, string(payload),
	)
	if err != nil {
		return fmt.Errorf("jobs: insert job event: %w", err)
	}
	return nil
}

var wellKnownIDPattern = regexp.MustCompile(`\b(TASK-\d+|STEP-[0-9a-f]+|CARD-[0-9a-f]+|PLAN-\d+|a:[a-z0-9-]+)\b`)

// SalvageRefs deterministically extracts refs from a completion summary
// when a DONE report was submitted with empty refs[] (spec.md §4.6 proof
// gate: "unless the server can deterministically salvage refs from the
// summary text (receipts + well-known id patterns)"). Per open question
// (b), any ambiguity must behave as if nothing was found, so this only
// recognizes exact receipt prefixes and the fixed id patterns above.
func SalvageRefs(summary string) []string {
	var refs []string
	seen := map[string]bool{}
	add := func(ref string) {
		if ref != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "CMD:"):
			add(strings.TrimSpace(line[len("CMD:"):]))
		case strings.HasPrefix(line, "LINK:"):
			add(strings.TrimSpace(line[len("LINK:"):]))
		case strings.HasPrefix(line, "FILE:"):
			add(strings.TrimSpace(line[len("FILE:"):]))
		}
	}
	for _, m := range wellKnownIDPattern.FindAllString(summary, -1) {
		add(m)
	}
	sort.Strings(refs)
	return refs
}

// Complete finalizes a job, requiring a matching claim token
// (spec.md §4.6 "complete requires matching (runner_id, claim_revision)").
// A DONE completion with no refs is salvaged deterministically or else
// converted into a question event (the proof gate).
func Complete(tx *store.Tx, workspace, jobID, runnerID string, revision int64, status, summary string, refs []string, nowMs int64) (domain.Job, error) {
	j, err := Get(tx.SQL(), workspace, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := checkClaimToken(j, runnerID, revision); err != nil {
		return domain.Job{}, err
	}

	if status == domain.JobDone && len(refs) == 0 {
		if salvaged := SalvageRefs(summary); len(salvaged) > 0 {
			refs = salvaged
		} else {
			return AskQuestion(tx, workspace, jobID, runnerID, revision, "completion reported DONE with no refs[]; please attach evidence", nowMs)
		}
	}

	j.Status = status
	j.UpdatedAtMs = nowMs
	if err := save(tx, workspace, j); err != nil {
		return domain.Job{}, err
	}

	payload, _ := json.Marshal(map[string]any{"status": status, "summary": summary, "refs": refs})
	eventID := ids.EventID(workspace, "job_completed", payload, fmt.Sprintf("%s:%d", jobID, j.Revision))
	if _, _, err := eventlog.Append(tx, eventlog.Event{Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "job_completed", TaskID: j.TaskID, Payload: payload}); err != nil {
		return domain.Job{}, err
	}
	if err := appendJobEvent(tx, workspace, jobID, "completed", payload, nowMs); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// Cancel cancels a QUEUED job outright, or a RUNNING job if the caller
// holds its claim token (spec.md §5 "Jobs may be canceled only in
// QUEUED; RUNNING jobs must be completed with status=CANCELED by the
// claim holder").
func Cancel(tx *store.Tx, workspace, jobID, runnerID string, revision int64, nowMs int64) (domain.Job, error) {
	j, err := Get(tx.SQL(), workspace, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Status == domain.JobRunning {
		return Complete(tx, workspace, jobID, runnerID, revision, domain.JobCanceled, "canceled", []string{"n/a"}, nowMs)
	}
	if j.Status != domain.JobQueued {
		return domain.Job{}, fmt.Errorf("%w: job %s in status %s", ErrNotClaimable, jobID, j.Status)
	}
	j.Status = domain.JobCanceled
	j.UpdatedAtMs = nowMs
	if err := save(tx, workspace, j); err != nil {
		return domain.Job{}, err
	}
	payload, _ := json.Marshal(map[string]string{"reason": "manual"})
	eventID := ids.EventID(workspace, "job_canceled", payload, jobID)
	if _, _, err := eventlog.Append(tx, eventlog.Event{Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "job_canceled", TaskID: j.TaskID, Payload: payload}); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// Reclaim reasons (spec.md §4.6).
const (
	ReclaimTTLExpired       = "ttl_expired"
	ReclaimManual           = "manual"
	ReclaimConflictResolved = "conflict_resolved"
)

// Reclaim returns a RUNNING job to QUEUED when its lease has expired
// (spec.md §4.6 "Reclaim is permitted only when claim_expires_at_ms ≤
// now; the reclaim event records previous_runner_id and reason").
func Reclaim(tx *store.Tx, workspace, jobID, reason string, nowMs int64) (domain.Job, error) {
	j, err := Get(tx.SQL(), workspace, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Status != domain.JobRunning {
		return domain.Job{}, fmt.Errorf("%w: job %s in status %s", ErrNotClaimable, jobID, j.Status)
	}
	if j.ClaimExpiresAtMs > nowMs {
		return domain.Job{}, fmt.Errorf("%w: job %s expires at %d", ErrReclaimTooSoon, jobID, j.ClaimExpiresAtMs)
	}
	previousRunner := j.RunnerID
	j.Status = domain.JobQueued
	j.RunnerID = ""
	j.ClaimExpiresAtMs = 0
	j.UpdatedAtMs = nowMs
	if err := save(tx, workspace, j); err != nil {
		return domain.Job{}, err
	}
	payload, _ := json.Marshal(map[string]string{"previous_runner_id": previousRunner, "reason": reason})
	eventID := ids.EventID(workspace, "job_reclaimed", payload, fmt.Sprintf("%s:%d", jobID, j.Revision))
	if _, _, err := eventlog.Append(tx, eventlog.Event{Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "job_reclaimed", TaskID: j.TaskID, Payload: payload}); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// NeedsManagerJobs lists ids of in-flight jobs awaiting manager review,
// id-ascending, for NextEngine to consume.
func NeedsManagerJobs(db *sql.DB, workspace string) ([]string, error) {
	rows, err := db.Query(
		`SELECT id FROM jobs WHERE workspace = ? AND status IN ('QUEUED','RUNNING') AND last_question_seq > last_manager_seq ORDER BY id ASC`,
		workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("jobs: needs manager scan: %w", err)
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
