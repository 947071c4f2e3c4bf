package runner

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/branchmind/branchmind/internal/jobs"
	"github.com/branchmind/branchmind/internal/store"
)

// TaskQueue is the Temporal task queue every branchmind job workflow runs
// on, matching config.Temporal.TaskQueue's default.
const TaskQueue = "branchmind-runner-queue"

// Activities bundles the job-subsystem calls a Temporal worker exposes,
// grounded on the teacher's Activities{Store: ...} receiver pattern in
// internal/temporal/worker.go.
type Activities struct {
	Store *store.Store
}

// ClaimActivity claims a queued job on behalf of a runner identity.
func (a *Activities) ClaimActivity(ctx context.Context, req ClaimRequest) (ClaimResponse, error) {
	var out ClaimResponse
	err := a.Store.WithTx(ctx, func(tx *store.Tx) error {
		j, err := jobs.Claim(tx, req.Workspace, req.JobID, req.RunnerID, req.TTLMs, req.AllowStale, nowMs())
		if err != nil {
			return err
		}
		out = ClaimResponse{JobID: j.ID, Revision: j.Revision, ClaimToken: fmt.Sprintf("%d", j.Revision), LeaseExpiry: j.ClaimExpiresAtMs, Payload: j.Prompt}
		return nil
	})
	return out, err
}

// HeartbeatActivity renews a runner's lease.
func (a *Activities) HeartbeatActivity(ctx context.Context, req HeartbeatRequest) error {
	return a.Store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := jobs.Heartbeat(tx, req.Workspace, req.RunnerID, req.Capabilities, req.ActiveJobID, req.TTLMs, nowMs())
		return err
	})
}

// ReportActivity pushes a progress line without releasing the claim.
func (a *Activities) ReportActivity(ctx context.Context, req ReportRequest) (JobResult, error) {
	var out JobResult
	err := a.Store.WithTx(ctx, func(tx *store.Tx) error {
		j, err := jobs.Report(tx, req.Workspace, req.JobID, req.RunnerID, req.Revision, req.Progress, req.TTLMs, nowMs())
		if err != nil {
			return err
		}
		out = JobResult{JobID: j.ID, Status: j.Status, Revision: j.Revision}
		return nil
	})
	return out, err
}

// CompleteActivity ends the job's lease with a terminal outcome.
func (a *Activities) CompleteActivity(ctx context.Context, req CompleteRequest) (JobResult, error) {
	var out JobResult
	err := a.Store.WithTx(ctx, func(tx *store.Tx) error {
		j, err := jobs.Complete(tx, req.Workspace, req.JobID, req.RunnerID, req.Revision, req.Status, req.Summary, req.Refs, nowMs())
		if err != nil {
			return err
		}
		out = JobResult{JobID: j.ID, Status: j.Status, Revision: j.Revision}
		return nil
	})
	return out, err
}

func nowMs() int64 { return time.Now().UnixMilli() }

// JobWorkflow drives one job's claim→running→done/failed lifecycle as a
// durable, replay-safe Temporal workflow (spec.md §4.6/§8 scenario 5),
// the same role the teacher's CortexAgentWorkflow plays for bead dispatch
// (internal/temporal/workflow.go), generalized from a fixed PLAN/EXECUTE/
// REVIEW/DOD pipeline to the job subsystem's own lease state machine.
func JobWorkflow(ctx workflow.Context, claim ClaimRequest) (JobResult, error) {
	logger := workflow.GetLogger(ctx)

	claimOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &sdktemporal.RetryPolicy{MaximumAttempts: 3},
	}
	claimCtx := workflow.WithActivityOptions(ctx, claimOpts)

	var a *Activities // method value only; Temporal resolves activities by registered name, never invokes this receiver

	var claimed ClaimResponse
	if err := workflow.ExecuteActivity(claimCtx, a.ClaimActivity, claim).Get(ctx, &claimed); err != nil {
		return JobResult{}, fmt.Errorf("runner: claim failed: %w", err)
	}
	logger.Info("job claimed", "job_id", claimed.JobID, "lease_expiry_ms", claimed.LeaseExpiry)

	heartbeatOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Second,
		RetryPolicy:         &sdktemporal.RetryPolicy{MaximumAttempts: 2},
	}
	heartbeatCtx := workflow.WithActivityOptions(ctx, heartbeatOpts)

	reportChan := workflow.GetSignalChannel(ctx, "runner-report")
	completeChan := workflow.GetSignalChannel(ctx, "runner-complete")

	for {
		var progress ReportRequest
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(reportChan, func(c workflow.ReceiveChannel, more bool) {
			c.Receive(ctx, &progress)
		})
		var done bool
		var completeReq CompleteRequest
		selector.AddReceive(completeChan, func(c workflow.ReceiveChannel, more bool) {
			c.Receive(ctx, &completeReq)
			done = true
		})
		selector.Select(ctx)

		if done {
			var result JobResult
			if err := workflow.ExecuteActivity(heartbeatCtx, a.CompleteActivity, completeReq).Get(ctx, &result); err != nil {
				return JobResult{}, fmt.Errorf("runner: complete failed: %w", err)
			}
			return result, nil
		}
		if err := workflow.ExecuteActivity(heartbeatCtx, a.ReportActivity, progress).Get(ctx, nil); err != nil {
			logger.Warn("runner: report failed", "error", err)
		}
	}
}

// StartWorker connects to Temporal and runs the branchmind job-workflow
// worker until interrupted, grounded on the teacher's StartWorker in
// internal/temporal/worker.go.
func StartWorker(hostPort string, st *store.Store) error {
	if hostPort == "" {
		hostPort = "127.0.0.1:7233"
	}
	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return fmt.Errorf("runner: temporal dial: %w", err)
	}
	defer c.Close()

	w := worker.New(c, TaskQueue, worker.Options{})
	acts := &Activities{Store: st}

	w.RegisterWorkflow(JobWorkflow)
	w.RegisterActivity(acts.ClaimActivity)
	w.RegisterActivity(acts.HeartbeatActivity)
	w.RegisterActivity(acts.ReportActivity)
	w.RegisterActivity(acts.CompleteActivity)

	return w.Run(worker.InterruptCh())
}
