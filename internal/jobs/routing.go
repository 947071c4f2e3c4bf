package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/store"
)

// profileRank orders executor profiles from cheapest to most thorough,
// used to satisfy policy.min_profile (spec.md §4.6 routing).
var profileRank = map[string]int{"fast": 0, "deep": 1, "audit": 2}

// Heartbeat upserts a runner's lease and liveness state
// (spec.md §4.6 "runner liveness is derived solely from explicit
// runner.heartbeat").
func Heartbeat(tx *store.Tx, workspace, runnerID string, capabilities []string, activeJob string, ttlMs, nowMs int64) (domain.RunnerLease, error) {
	capsJSON, _ := json.Marshal(capabilities)
	lease := domain.RunnerLease{
		RunnerID: runnerID, LastHeartbeatMs: nowMs, LeaseExpiresAtMs: nowMs + ttlMs,
		State: "live", ActiveJob: activeJob, Capabilities: capabilities,
	}
	_, err := tx.SQL().Exec(
		`INSERT INTO runner_leases(workspace, runner_id, last_heartbeat_ms, lease_expires_at_ms, state, active_job, capabilities)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace, runner_id) DO UPDATE SET
		   last_heartbeat_ms = excluded.last_heartbeat_ms, lease_expires_at_ms = excluded.lease_expires_at_ms,
		   state = excluded.state, active_job = excluded.active_job, capabilities = excluded.capabilities`,
		workspace, runnerID, lease.LastHeartbeatMs, lease.LeaseExpiresAtMs, lease.State, lease.ActiveJob, string(capsJSON),
	)
	if err != nil {
		return domain.RunnerLease{}, fmt.Errorf("jobs: heartbeat: %w", err)
	}
	return lease, nil
}

// ListRunners returns runner leases ordered by runner_id, marking any
// whose lease has lapsed as idle regardless of their stored state.
func ListRunners(db *sql.DB, workspace string, nowMs int64) ([]domain.RunnerLease, error) {
	rows, err := db.Query(
		`SELECT runner_id, last_heartbeat_ms, lease_expires_at_ms, state, active_job, capabilities
		 FROM runner_leases WHERE workspace = ? ORDER BY runner_id ASC`, workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("jobs: list runners: %w", err)
	}
	defer rows.Close()

	var out []domain.RunnerLease
	for rows.Next() {
		var l domain.RunnerLease
		var capsJSON string
		if err := rows.Scan(&l.RunnerID, &l.LastHeartbeatMs, &l.LeaseExpiresAtMs, &l.State, &l.ActiveJob, &capsJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(capsJSON), &l.Capabilities)
		if l.LeaseExpiresAtMs <= nowMs {
			l.State = "idle"
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func hasCapability(caps []string, kind string) bool {
	if kind == "" {
		return true
	}
	for _, c := range caps {
		if c == kind {
			return true
		}
	}
	return false
}

func forbidden(policy domain.JobPolicy, runnerID string) bool {
	for _, f := range policy.Forbid {
		if f == runnerID {
			return true
		}
	}
	return false
}

func meetsMinProfile(runnerProfile, minProfile string) bool {
	if minProfile == "" {
		return true
	}
	return profileRank[runnerProfile] >= profileRank[minProfile]
}

// Route ranks eligible runners for j.Executor == "auto" (spec.md §4.6):
// filter by capability / policy.forbid / policy.min_profile / expected
// artifacts capability, rank by policy.prefer membership then ascending
// queue length, tie-break lexicographically on runner_id. Returns the
// candidates in ranked order; the caller claims the first one that
// still succeeds.
func Route(db *sql.DB, workspace string, j domain.Job, nowMs int64) ([]string, error) {
	runners, err := ListRunners(db, workspace, nowMs)
	if err != nil {
		return nil, err
	}
	queueLen, err := queueLengthByRunner(db, workspace)
	if err != nil {
		return nil, err
	}

	preferSet := map[string]bool{}
	for _, p := range j.Policy.Prefer {
		preferSet[p] = true
	}

	type candidate struct {
		runnerID string
		prefer   bool
		queue    int
	}
	var candidates []candidate
	for _, r := range runners {
		if r.State != "live" {
			continue
		}
		if forbidden(j.Policy, r.RunnerID) {
			continue
		}
		if !hasCapability(r.Capabilities, j.Kind) {
			continue
		}
		if !meetsMinProfile(j.ExecutorProfile, j.Policy.MinProfile) {
			continue
		}
		missingArtifact := false
		for _, a := range j.ExpectedArtifacts {
			if !hasCapability(r.Capabilities, a) {
				missingArtifact = true
				break
			}
		}
		if missingArtifact {
			continue
		}
		candidates = append(candidates, candidate{runnerID: r.RunnerID, prefer: preferSet[r.RunnerID], queue: queueLen[r.RunnerID]})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].prefer != candidates[j].prefer {
			return candidates[i].prefer
		}
		if candidates[i].queue != candidates[j].queue {
			return candidates[i].queue < candidates[j].queue
		}
		return candidates[i].runnerID < candidates[j].runnerID
	})

	if len(candidates) == 0 {
		return nil, ErrNoEligibleRunner
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.runnerID
	}
	return out, nil
}

func queueLengthByRunner(db *sql.DB, workspace string) (map[string]int, error) {
	rows, err := db.Query(`SELECT runner_id, COUNT(*) FROM jobs WHERE workspace = ? AND status = 'RUNNING' GROUP BY runner_id`, workspace)
	if err != nil {
		return nil, fmt.Errorf("jobs: queue length: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var runnerID string
		var n int
		if err := rows.Scan(&runnerID, &n); err != nil {
			return nil, err
		}
		out[runnerID] = n
	}
	return out, rows.Err()
}
