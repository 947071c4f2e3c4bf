// Package domain holds the plain data types shared across BranchMind's
// engine packages. Types here carry no persistence or transport concerns;
// internal/store maps them to SQLite rows and internal/portal maps them to
// wire responses.
package domain

// Status / horizon enums (spec.md §3).
const (
	PlanStatusActive   = "ACTIVE"
	PlanStatusDone     = "DONE"
	PlanStatusArchived = "ARCHIVED"

	TaskStatusActive   = "ACTIVE"
	TaskStatusDone     = "DONE"
	TaskStatusBlocked  = "BLOCKED"
	TaskStatusCanceled = "CANCELED"

	HorizonActive   = "active"
	HorizonBacklog  = "backlog"
	HorizonParked   = "parked"
	HorizonDone     = "done"
	HorizonCanceled = "canceled"
)

// Workspace is the outermost boundary; every entity key includes it.
type Workspace struct {
	ID           string
	Path         string
	ProjectGuard string
	FocusTaskID  string
	FocusPlanID  string
	LastEventSeq int64
}

// ReasoningRef is the lazily-created, idempotent-on-first-write reasoning
// namespace attached to a task or plan.
type ReasoningRef struct {
	Branch   string
	NotesDoc string
	GraphDoc string
	TraceDoc string
}

// Plan is a top-level unit of work decomposed into tasks.
type Plan struct {
	ID          string
	Title       string
	Description string
	Status      string
	Horizon     string
	UpdatedAtMs int64
	Revision    int64
}

// Task is a unit of work under a plan, decomposed into steps.
type Task struct {
	ID           string
	PlanID       string
	Title        string
	Status       string
	Priority     string
	Horizon      string
	Blocked      bool
	BlockReason  string
	Revision     int64
	Reasoning    ReasoningRef
	Meta         map[string]string
	UpdatedAtMs  int64
}

// RequiredCheckpoints names which gates a step must satisfy before it can
// close. criteria/tests are always required (spec.md §9 open question a);
// security/perf/docs are declarable per step.
type RequiredCheckpoints struct {
	Security bool
	Perf     bool
	Docs     bool
}

// Checkpoints tracks confirmation state for a step's gates.
type Checkpoints struct {
	CriteriaConfirmed bool
	TestsConfirmed    bool
	SecurityConfirmed bool
	PerfConfirmed     bool
	DocsConfirmed     bool
}

// EvidenceKind enumerates the proof-receipt forms a step close may attach.
const (
	EvidenceCmd  = "CMD"
	EvidenceLink = "LINK"
	EvidenceFile = "FILE"
)

// Evidence is one parsed proof receipt attached to a step close.
type Evidence struct {
	Kind string
	Ref  string
}

// Override records a deliberate bypass of the PROOF_REQUIRED gate
// (spec.md invariant 7 / testable property 8).
type Override struct {
	Reason string
	Risk   string
}

// Step is a leaf unit of work under a task.
type Step struct {
	StepID       string
	TaskID       string
	Path         string // materialized tree path, e.g. "s:0.t:1.s:2"
	Title        string
	Criteria     []string
	Tests        []string
	Blockers     []string
	NextAction   string
	StopCriteria string
	Completed    bool
	BlockReason  string
	Required     RequiredCheckpoints
	Checkpoints  Checkpoints
	Evidence     []Evidence
	Override     *Override
	UpdatedAtMs  int64
	Revision     int64
}

// HasNextAction reports whether a step carries a concrete next action,
// required for a task to be "active" per spec.md invariant 6.
func (s Step) HasNextAction() bool { return s.NextAction != "" }

// AllGatesConfirmed reports whether every checkpoint this step declares as
// required has been confirmed. criteria/tests are always required.
func (s Step) AllGatesConfirmed() (ok bool, missing []string) {
	if !s.Checkpoints.CriteriaConfirmed {
		missing = append(missing, "criteria")
	}
	if !s.Checkpoints.TestsConfirmed {
		missing = append(missing, "tests")
	}
	if s.Required.Security && !s.Checkpoints.SecurityConfirmed {
		missing = append(missing, "security")
	}
	if s.Required.Perf && !s.Checkpoints.PerfConfirmed {
		missing = append(missing, "perf")
	}
	if s.Required.Docs && !s.Checkpoints.DocsConfirmed {
		missing = append(missing, "docs")
	}
	return len(missing) == 0, missing
}

// HasProof reports whether the step carries at least one evidence receipt.
func (s Step) HasProof() bool { return len(s.Evidence) > 0 }

// DocEntry is one append-only record in a (branch, doc) stream.
type DocEntry struct {
	Seq       int64
	TsMs      int64
	Branch    string
	Doc       string
	Kind      string // note, event, card, plan_spec, ...
	EventType string
	Title     string
	Format    string
	Meta      map[string]string
	Content   string
}

// BranchRef describes a named document branch, optionally a snapshot of
// another branch at a fixed sequence.
type BranchRef struct {
	Name       string
	BaseBranch string
	BaseSeq    int64 // 0 when BaseBranch == ""
}

// GraphNode is a typed, tombstoned node in the graph layer.
type GraphNode struct {
	ID        string
	NodeType  string
	Title     string
	Text      string
	Tags      []string
	Status    string
	Meta      map[string]string
	LastSeq   int64
	LastTsMs  int64
	Deleted   bool
}

// GraphEdge is a typed, tombstoned relation between two graph nodes.
type GraphEdge struct {
	From     string
	To       string
	Rel      string
	Meta     map[string]string
	LastSeq  int64
	LastTsMs int64
	Deleted  bool
}

// Anchor is a stable semantic id for an architecture area.
type Anchor struct {
	ID          string
	Title       string
	Kind        string
	Aliases     []string
	ParentID    string
	DependsOn   []string
	Description string
	Status      string
	UpdatedAtMs int64
}

// Card visibility.
const (
	VisibilityCanon = "v:canon"
	VisibilityDraft = "v:draft"
)

// KnowledgeCard is one versioned textual note under an (anchor, key).
type KnowledgeCard struct {
	CardID        string
	AnchorID      string
	Key           string
	Title         string
	Text          string
	Visibility    string
	Pinned        bool
	ExpiryDate    string
	CreatedAtMs   int64
	SupersededBy  string
}

// Job statuses (spec.md §3 / §4.6).
const (
	JobQueued   = "QUEUED"
	JobRunning  = "RUNNING"
	JobDone     = "DONE"
	JobFailed   = "FAILED"
	JobCanceled = "CANCELED"
)

// JobPolicy constrains routing when Executor == "auto".
type JobPolicy struct {
	Prefer     []string
	Forbid     []string
	MinProfile string
}

// Job is a unit of delegated work with an explicit claim lease.
type Job struct {
	ID                 string
	Title              string
	Prompt             string
	Kind               string
	Priority           int
	TaskID             string
	AnchorID           string
	Executor           string // codex, claude_code, auto
	ExecutorProfile    string // fast, deep, audit
	Policy             JobPolicy
	Status             string
	Revision           int64 // claim token
	RunnerID           string
	ClaimExpiresAtMs   int64
	ExpectedArtifacts  []string
	LastQuestionSeq    int64
	LastManagerSeq     int64
	Meta               map[string]string
	CreatedAtMs        int64
	UpdatedAtMs        int64
}

// NeedsManager derives the deterministic "needs attention" flag
// (spec.md §4.6): a pending question the manager hasn't answered yet,
// on a job that's still in flight.
func (j Job) NeedsManager() bool {
	if j.Status != JobRunning && j.Status != JobQueued {
		return false
	}
	return j.LastQuestionSeq > j.LastManagerSeq
}

// RunnerLease tracks an external runner's liveness, derived solely from
// explicit heartbeats (spec.md §4.6 — "no heuristics from side effects").
type RunnerLease struct {
	RunnerID         string
	LastHeartbeatMs  int64
	LeaseExpiresAtMs int64
	State            string // idle, live
	ActiveJob        string
	Capabilities     []string
}

// Conflict tracks a divergence between two branches pending resolution.
type Conflict struct {
	ID           string
	Kind         string // graph, doc, merge
	Status       string // open, preview, resolved
	BranchFrom   string
	BranchInto   string
	Doc          string
	CandidateKeys []string
	Candidates   []ConflictCandidate
	Resolution   *ConflictResolution
}

// ConflictCandidate is one side of a divergent entity.
type ConflictCandidate struct {
	Side    string // "from" or "into"
	Summary string
}

// ConflictResolution records how a conflict was settled.
type ConflictResolution struct {
	Used string // into, from, custom
	Note string
}
