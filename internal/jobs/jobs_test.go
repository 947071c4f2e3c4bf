package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestClaimReportReclaimLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var job domain.Job
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = Create(tx, "ws", domain.Job{Title: "investigate flake"}, 1000)
		return err
	})
	require.NoError(t, err)

	// claim{runner_id: "r1"} returns revision=1.
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = Claim(tx, "ws", job.ID, "r1", 500, false, 1000)
		return err
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, job.Revision)
	require.Equal(t, domain.JobRunning, job.Status)

	// at T-ε report renews the lease.
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = Report(tx, "ws", job.ID, "r1", 1, "halfway", 500, 1400)
		return err
	})
	require.NoError(t, err)
	require.EqualValues(t, 1900, job.ClaimExpiresAtMs)

	// At T+1 (lease expired relative to the original claim, well past the
	// renewed one too) another runner claims with allow_stale and gets
	// revision=2.
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = Claim(tx, "ws", job.ID, "r2", 500, true, 2500)
		return err
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, job.Revision)
	require.Equal(t, "r2", job.RunnerID)

	// subsequent complete from r1 fails with a claim token mismatch.
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := Complete(tx, "ws", job.ID, "r1", 1, domain.JobDone, "done", []string{"ref"}, 2600)
		return err
	})
	require.ErrorIs(t, err, ErrClaimTokenInvalid)

	// r2 completes cleanly.
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = Complete(tx, "ws", job.ID, "r2", 2, domain.JobDone, "done", []string{"ref"}, 2700)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobDone, job.Status)
}

func TestCompleteWithEmptyRefsSalvagesOrAsksQuestion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var job domain.Job
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = Create(tx, "ws", domain.Job{Title: "fix bug"}, 100)
		if err != nil {
			return err
		}
		job, err = Claim(tx, "ws", job.ID, "r1", 500, false, 100)
		return err
	})
	require.NoError(t, err)

	// Summary carries a salvageable receipt: refs get populated deterministically.
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = Complete(tx, "ws", job.ID, "r1", 1, domain.JobDone, "fixed it\nCMD: go test ./...", nil, 200)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobDone, job.Status)

	// A second job with a non-salvageable summary turns into a question instead.
	var job2 domain.Job
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job2, err = Create(tx, "ws", domain.Job{Title: "fix other bug"}, 100)
		if err != nil {
			return err
		}
		job2, err = Claim(tx, "ws", job2.ID, "r1", 500, false, 100)
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job2, err = Complete(tx, "ws", job2.ID, "r1", 1, domain.JobDone, "all done, nothing to show", nil, 200)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobRunning, job2.Status) // still running: a question was raised instead
	require.True(t, job2.NeedsManager())
}

func TestRouteFiltersForbiddenAndRanksByPreferThenQueueLength(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := Heartbeat(tx, "ws", "r1", []string{"code"}, "", 10_000, 100); err != nil {
			return err
		}
		if _, err := Heartbeat(tx, "ws", "r2", []string{"code"}, "", 10_000, 100); err != nil {
			return err
		}
		_, err := Heartbeat(tx, "ws", "r3", []string{"code"}, "", 10_000, 100)
		return err
	})
	require.NoError(t, err)

	j := domain.Job{Kind: "code", ExecutorProfile: "fast", Policy: domain.JobPolicy{Prefer: []string{"r2"}, Forbid: []string{"r3"}}}
	candidates, err := Route(s.ReadDB(), "ws", j, 200)
	require.NoError(t, err)
	require.Equal(t, []string{"r2", "r1"}, candidates)
}

func TestReclaimOnlyAfterLeaseExpires(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var job domain.Job
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = Create(tx, "ws", domain.Job{Title: "t"}, 100)
		if err != nil {
			return err
		}
		job, err = Claim(tx, "ws", job.ID, "r1", 1000, false, 100)
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := Reclaim(tx, "ws", job.ID, ReclaimTTLExpired, 500)
		return err
	})
	require.ErrorIs(t, err, ErrReclaimTooSoon)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = Reclaim(tx, "ws", job.ID, ReclaimTTLExpired, 1500)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, job.Status)
	require.Equal(t, "", job.RunnerID)
}

func TestCancelQueuedDirectlyAndRunningByClaimHolder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var job domain.Job
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = Create(tx, "ws", domain.Job{Title: "t"}, 100)
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = Cancel(tx, "ws", job.ID, "", 0, 200)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobCanceled, job.Status)

	// Cancel on a RUNNING job completes it as CANCELED, using the claim holder's (runner_id, revision).
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		job2, err := Create(tx, "ws", domain.Job{Title: "u"}, 100)
		if err != nil {
			return err
		}
		job2, err = Claim(tx, "ws", job2.ID, "r1", 500, false, 100)
		if err != nil {
			return err
		}
		job2, err = Cancel(tx, "ws", job2.ID, "r1", 1, 200)
		require.NoError(t, err)
		require.Equal(t, domain.JobCanceled, job2.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestSetMetaRecordsRunnerInfrastructureFact(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var job domain.Job
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = Create(tx, "ws", domain.Job{Title: "containerized job"}, 100)
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = SetMeta(tx, "ws", job.ID, "container_id", "abc123", 200)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "abc123", job.Meta["container_id"])

	reloaded, err := Get(s.ReadDB(), "ws", job.ID)
	require.NoError(t, err)
	require.Equal(t, "abc123", reloaded.Meta["container_id"])

	// SetMeta never touches claim/revision state.
	require.EqualValues(t, job.Revision, reloaded.Revision)
}
