package portal

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/jobs"
	"github.com/branchmind/branchmind/internal/runner"
	"github.com/branchmind/branchmind/internal/store"
)

func registerJobs(r *Registry) {
	r.Register(CmdSpec{Tool: "jobs", Cmd: "create", Handler: handleJobCreate,
		ArgsSchema: map[string]string{"title": "string (required)", "prompt": "string (required)", "kind": "string",
			"priority": "int", "task": "string", "anchor": "string", "executor": "string", "executor_profile": "string",
			"prefer": "[]string", "forbid": "[]string", "min_profile": "string", "expected_artifacts": "[]string"},
		MinimalExample: map[string]any{"title": "fix flaky test", "prompt": "stabilize TestFoo"},
	})
	r.Register(CmdSpec{Tool: "jobs", Cmd: "route", Handler: handleJobRoute,
		ArgsSchema:     map[string]string{"job": "string (required)"},
		MinimalExample: map[string]any{"job": "JOB-abc123"},
	})
	r.Register(CmdSpec{Tool: "jobs", Cmd: "claim", Handler: handleJobClaim,
		ArgsSchema:     map[string]string{"job": "string (required)", "runner_id": "string (required)", "ttl_ms": "int", "allow_stale": "bool"},
		MinimalExample: map[string]any{"job": "JOB-abc123", "runner_id": "runner-1"},
	})
	r.Register(CmdSpec{Tool: "jobs", Cmd: "report", Handler: handleJobReport,
		ArgsSchema:     map[string]string{"job": "string (required)", "runner_id": "string (required)", "revision": "int (required)", "progress": "string", "ttl_ms": "int"},
		MinimalExample: map[string]any{"job": "JOB-abc123", "runner_id": "runner-1", "revision": 1, "progress": "halfway"},
	})
	r.Register(CmdSpec{Tool: "jobs", Cmd: "ask_question", Handler: handleJobAskQuestion,
		ArgsSchema:     map[string]string{"job": "string (required)", "runner_id": "string (required)", "revision": "int (required)", "question": "string (required)"},
		MinimalExample: map[string]any{"job": "JOB-abc123", "runner_id": "runner-1", "revision": 1, "question": "which branch?"},
	})
	r.Register(CmdSpec{Tool: "jobs", Cmd: "answer_question", Handler: handleJobAnswerQuestion,
		ArgsSchema:     map[string]string{"job": "string (required)", "answer": "string (required)"},
		MinimalExample: map[string]any{"job": "JOB-abc123", "answer": "use main"},
	})
	r.Register(CmdSpec{Tool: "jobs", Cmd: "complete", Handler: handleJobComplete,
		ArgsSchema: map[string]string{"job": "string (required)", "runner_id": "string (required)", "revision": "int (required)",
			"status": "string (required, DONE|FAILED|CANCELED)", "summary": "string", "refs": "[]string"},
		MinimalExample: map[string]any{"job": "JOB-abc123", "runner_id": "runner-1", "revision": 1, "status": "DONE", "summary": "done"},
	})
	r.Register(CmdSpec{Tool: "jobs", Cmd: "cancel", Handler: handleJobCancel,
		ArgsSchema:     map[string]string{"job": "string (required)", "runner_id": "string", "revision": "int"},
		MinimalExample: map[string]any{"job": "JOB-abc123"},
	})
	r.Register(CmdSpec{Tool: "jobs", Cmd: "reclaim", Handler: handleJobReclaim,
		ArgsSchema:     map[string]string{"job": "string (required)", "reason": "string"},
		MinimalExample: map[string]any{"job": "JOB-abc123", "reason": "ttl_expired"},
	})
	r.Register(CmdSpec{Tool: "jobs", Cmd: "heartbeat", Handler: handleJobHeartbeat,
		ArgsSchema:     map[string]string{"runner_id": "string (required)", "capabilities": "[]string", "active_job": "string", "ttl_ms": "int"},
		MinimalExample: map[string]any{"runner_id": "runner-1"},
	})
	r.Register(CmdSpec{Tool: "jobs", Cmd: "list_runners", Handler: handleJobListRunners,
		ArgsSchema:     map[string]string{},
		MinimalExample: map[string]any{},
	})
	r.Register(CmdSpec{Tool: "jobs", Cmd: "needs_manager", Handler: handleJobNeedsManager,
		ArgsSchema:     map[string]string{},
		MinimalExample: map[string]any{},
	})

	r.GoldenOp("jobs", "create", "create")
	r.GoldenOp("jobs", "claim", "claim")
	r.GoldenOp("jobs", "needs_manager", "needs_manager")
}

func handleJobCreate(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "jobs.create"
	title, err := argString(req.Args, "title", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	prompt, err := argString(req.Args, "prompt", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	kind, _ := argString(req.Args, "kind", false)
	priority, _ := argInt(req.Args, "priority", 0)
	taskID, _ := argString(req.Args, "task", false)
	anchorID, _ := argString(req.Args, "anchor", false)
	executor, _ := argString(req.Args, "executor", false)
	profile, _ := argString(req.Args, "executor_profile", false)
	minProfile, _ := argString(req.Args, "min_profile", false)
	prefer, _ := argStringSlice(req.Args, "prefer")
	forbid, _ := argStringSlice(req.Args, "forbid")
	artifacts, _ := argStringSlice(req.Args, "expected_artifacts")

	j := domain.Job{
		Title: title, Prompt: prompt, Kind: kind, Priority: priority, TaskID: taskID, AnchorID: anchorID,
		Executor: executor, ExecutorProfile: profile, ExpectedArtifacts: artifacts,
		Policy: domain.JobPolicy{Prefer: prefer, Forbid: forbid, MinProfile: minProfile},
	}

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var created domain.Job
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		created, txErr = jobs.Create(tx, req.Workspace, j, p.Now())
		return txErr
	})
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, created, nil, []string{created.ID}, []Action{{Cmd: "jobs.route", Args: map[string]any{"job": created.ID}}}, "")
}

func handleJobRoute(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "jobs.route"
	jobID, err := argString(req.Args, "job", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	j, err := jobs.Get(st.ReadDB(), req.Workspace, jobID)
	if err != nil {
		return respondJobErr(intent, err, nil, nil)
	}
	candidates, err := jobs.Route(st.ReadDB(), req.Workspace, j, p.Now())
	if err != nil {
		if errors.Is(err, jobs.ErrNoEligibleRunner) {
			return fail(intent, ErrStoreError, err.Error(), []Action{{Cmd: "jobs.list_runners"}})
		}
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var actions []Action
	if len(candidates) > 0 {
		actions = append(actions, Action{Cmd: "jobs.claim", Args: map[string]any{"job": jobID, "runner_id": candidates[0]}})
	}
	return ok(intent, map[string]any{"candidates": candidates}, nil, []string{jobID}, actions, "")
}

func handleJobClaim(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "jobs.claim"
	jobID, err := argString(req.Args, "job", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	runnerID, err := argString(req.Args, "runner_id", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	ttlMs, _ := argInt64(req.Args, "ttl_ms", p.CfgMgr.Get().Runner.ClaimTTL.Milliseconds())
	allowStale, _ := argBool(req.Args, "allow_stale", false)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var j domain.Job
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		j, txErr = jobs.Claim(tx, req.Workspace, jobID, runnerID, ttlMs, allowStale, p.Now())
		return txErr
	})
	if err != nil {
		return respondJobErr(intent, err, j, []string{jobID})
	}

	var warnings []string
	if p.CfgMgr.Get().Runner.Isolation == "docker" {
		j, warnings = launchRunnerContainer(ctx, p, st, req.Workspace, runnerID, j)
	}
	return ok(intent, j, warnings, []string{jobID}, nil, "")
}

// launchRunnerContainer starts the claimed job's runner binary inside a
// short-lived container (runner.isolation=docker) and records the
// container id on the job for later teardown. A launch failure is
// reported as a RUNNER_START_FAILED warning rather than failing the
// claim itself — the job is already claimed and its lease is real; only
// how the runner process gets started is in question.
func launchRunnerContainer(ctx context.Context, p *Portal, st *store.Store, workspace, runnerID string, j domain.Job) (domain.Job, []string) {
	cfg := p.CfgMgr.Get()
	launcher, err := runner.NewContainerLauncher(cfg.Runner.Image)
	if err != nil {
		return j, []string{WarnRunnerStartFailed}
	}
	workDir := filepath.Dir(cfg.DBPath(workspace))
	containerID, err := launcher.Launch(ctx, runnerID, workDir)
	if err != nil {
		return j, []string{WarnRunnerStartFailed}
	}
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		j, txErr = jobs.SetMeta(tx, workspace, j.ID, "container_id", containerID, p.Now())
		return txErr
	})
	if err != nil {
		return j, []string{WarnRunnerStartFailed}
	}
	return j, nil
}

func handleJobReport(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "jobs.report"
	jobID, err := argString(req.Args, "job", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	runnerID, err := argString(req.Args, "runner_id", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	revision, err := argInt64(req.Args, "revision", 0)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	progress, _ := argString(req.Args, "progress", false)
	ttlMs, _ := argInt64(req.Args, "ttl_ms", p.CfgMgr.Get().Runner.ClaimTTL.Milliseconds())

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var j domain.Job
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		j, txErr = jobs.Report(tx, req.Workspace, jobID, runnerID, revision, progress, ttlMs, p.Now())
		return txErr
	})
	return respondJobErr(intent, err, j, []string{jobID})
}

func handleJobAskQuestion(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "jobs.ask_question"
	jobID, err := argString(req.Args, "job", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	runnerID, err := argString(req.Args, "runner_id", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	revision, err := argInt64(req.Args, "revision", 0)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	question, err := argString(req.Args, "question", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var j domain.Job
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		j, txErr = jobs.AskQuestion(tx, req.Workspace, jobID, runnerID, revision, question, p.Now())
		return txErr
	})
	return respondJobErr(intent, err, j, []string{jobID})
}

func handleJobAnswerQuestion(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "jobs.answer_question"
	jobID, err := argString(req.Args, "job", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	answer, err := argString(req.Args, "answer", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var j domain.Job
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		j, txErr = jobs.AnswerQuestion(tx, req.Workspace, jobID, answer, p.Now())
		return txErr
	})
	return respondJobErr(intent, err, j, []string{jobID})
}

func handleJobComplete(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "jobs.complete"
	jobID, err := argString(req.Args, "job", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	runnerID, err := argString(req.Args, "runner_id", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	revision, err := argInt64(req.Args, "revision", 0)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	status, err := argString(req.Args, "status", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	summary, _ := argString(req.Args, "summary", false)
	refs, _ := argStringSlice(req.Args, "refs")

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var j domain.Job
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		j, txErr = jobs.Complete(tx, req.Workspace, jobID, runnerID, revision, status, summary, refs, p.Now())
		return txErr
	})
	if err != nil {
		return respondJobErr(intent, err, nil, nil)
	}
	var warnings []string
	if len(refs) == 0 && j.Status == domain.JobDone {
		warnings = append(warnings, WarnBudgetMinimal)
	}
	return ok(intent, j, warnings, []string{jobID}, nil, "")
}

func handleJobCancel(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "jobs.cancel"
	jobID, err := argString(req.Args, "job", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	runnerID, _ := argString(req.Args, "runner_id", false)
	revision, _ := argInt64(req.Args, "revision", 0)

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var j domain.Job
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		j, txErr = jobs.Cancel(tx, req.Workspace, jobID, runnerID, revision, p.Now())
		return txErr
	})
	return respondJobErr(intent, err, j, []string{jobID})
}

func handleJobReclaim(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "jobs.reclaim"
	jobID, err := argString(req.Args, "job", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	reason, _ := argString(req.Args, "reason", false)
	if reason == "" {
		reason = jobs.ReclaimTTLExpired
	}
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var j domain.Job
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		j, txErr = jobs.Reclaim(tx, req.Workspace, jobID, reason, p.Now())
		return txErr
	})
	return respondJobErr(intent, err, j, []string{jobID})
}

func handleJobHeartbeat(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "jobs.heartbeat"
	runnerID, err := argString(req.Args, "runner_id", true)
	if err != nil {
		return fail(intent, ErrInvalidInput, err.Error(), nil)
	}
	capabilities, _ := argStringSlice(req.Args, "capabilities")
	activeJob, _ := argString(req.Args, "active_job", false)
	ttlMs, _ := argInt64(req.Args, "ttl_ms", p.CfgMgr.Get().Runner.HeartbeatTTL.Milliseconds())

	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var lease domain.RunnerLease
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		lease, txErr = jobs.Heartbeat(tx, req.Workspace, runnerID, capabilities, activeJob, ttlMs, p.Now())
		return txErr
	})
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, lease, nil, []string{runnerID}, nil, "")
}

func handleJobListRunners(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "jobs.list_runners"
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	leases, err := jobs.ListRunners(st.ReadDB(), req.Workspace, p.Now())
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	return ok(intent, leases, nil, nil, nil, "")
}

func handleJobNeedsManager(ctx context.Context, p *Portal, req Request) Envelope {
	intent := "jobs.needs_manager"
	st, err := p.Store(req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	ids, err := jobs.NeedsManagerJobs(st.ReadDB(), req.Workspace)
	if err != nil {
		return fail(intent, ErrStoreError, err.Error(), nil)
	}
	var actions []Action
	if len(ids) > 0 {
		actions = append(actions, Action{Cmd: "jobs.answer_question", Args: map[string]any{"job": ids[0]}})
	}
	return ok(intent, map[string]any{"job_ids": ids}, nil, ids, actions, "")
}

func needsManagerJobIDs(st *store.Store, workspace string) ([]string, error) {
	return jobs.NeedsManagerJobs(st.ReadDB(), workspace)
}

func respondJobErr(intent string, err error, result any, refs []string) Envelope {
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			return fail(intent, ErrUnknownID, err.Error(), nil)
		case errors.Is(err, jobs.ErrClaimTokenInvalid):
			return fail(intent, ErrClaimTokenInvalid, err.Error(), nil)
		case errors.Is(err, jobs.ErrNotClaimable):
			return fail(intent, ErrStepLeaseHeld, err.Error(), nil)
		case errors.Is(err, jobs.ErrReclaimTooSoon):
			return fail(intent, ErrClaimExpired, err.Error(), nil)
		case errors.Is(err, jobs.ErrNoEligibleRunner):
			return fail(intent, ErrStoreError, err.Error(), []Action{{Cmd: "jobs.list_runners"}})
		default:
			return fail(intent, ErrStoreError, err.Error(), nil)
		}
	}
	return ok(intent, result, nil, refs, nil, "")
}
