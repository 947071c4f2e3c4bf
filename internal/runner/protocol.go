// Package runner defines the wire protocol an external job-runner binary
// uses against the jobs portal (spec.md §1, §4.6): the binary itself is
// deliberately out of scope, but its claim/heartbeat/report/complete
// exchange with internal/jobs is not. This package has no business logic
// of its own beyond translating that protocol onto internal/jobs calls,
// either directly (stdio delegation) or via the optional Temporal-backed
// workflow in temporal.go.
package runner

// ClaimRequest is sent by a runner to take ownership of a queued job.
type ClaimRequest struct {
	Workspace  string `json:"workspace"`
	JobID      string `json:"job_id"`
	RunnerID   string `json:"runner_id"`
	TTLMs      int64  `json:"ttl_ms"`
	AllowStale bool   `json:"allow_stale"`
}

// ClaimResponse echoes the claimed job's lease terms.
type ClaimResponse struct {
	JobID       string `json:"job_id"`
	Revision    int64  `json:"revision"`
	ClaimToken  string `json:"claim_token"`
	LeaseExpiry int64  `json:"lease_expiry_ms"`
	Payload     string `json:"payload"`
}

// HeartbeatRequest renews a runner's lease without reporting progress.
type HeartbeatRequest struct {
	Workspace    string   `json:"workspace"`
	RunnerID     string   `json:"runner_id"`
	Capabilities []string `json:"capabilities"`
	ActiveJobID  string   `json:"active_job_id"`
	TTLMs        int64    `json:"ttl_ms"`
}

// ReportRequest pushes an in-progress status line without releasing the
// claim (revision must match the runner's current view of the job).
type ReportRequest struct {
	Workspace string `json:"workspace"`
	JobID     string `json:"job_id"`
	RunnerID  string `json:"runner_id"`
	Revision  int64  `json:"revision"`
	Progress  string `json:"progress"`
	TTLMs     int64  `json:"ttl_ms"`
}

// CompleteRequest ends a job's lease with a terminal outcome.
type CompleteRequest struct {
	Workspace string   `json:"workspace"`
	JobID     string   `json:"job_id"`
	RunnerID  string   `json:"runner_id"`
	Revision  int64    `json:"revision"`
	Status    string   `json:"status"` // "DONE" | "FAILED" | "CANCELED"
	Summary   string   `json:"summary"`
	Refs      []string `json:"refs"`
}

// AskQuestionRequest blocks a job on a human/manager answer mid-run.
type AskQuestionRequest struct {
	Workspace string `json:"workspace"`
	JobID     string `json:"job_id"`
	RunnerID  string `json:"runner_id"`
	Revision  int64  `json:"revision"`
	Question  string `json:"question"`
}

// JobResult is the common response shape for any call that returns the
// job's post-mutation state.
type JobResult struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Revision int64  `json:"revision"`
}
