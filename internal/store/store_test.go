package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesSchemaAndStampsVersion(t *testing.T) {
	s := openTestStore(t)

	var raw string
	err := s.write.QueryRow(`SELECT value FROM schema_meta WHERE key = 'version'`).Scan(&raw)
	require.NoError(t, err)
	require.Equal(t, "1", raw)
}

func TestCountersAreMonotonicAndWorkspaceScoped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var seqs []int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		for i := 0; i < 3; i++ {
			n, err := NextEventSeq(tx, "ws-a")
			if err != nil {
				return err
			}
			seqs = append(seqs, n)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, seqs)

	err = s.WithTx(ctx, func(tx *Tx) error {
		n, err := NextEventSeq(tx, "ws-b")
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sentinel := errFailed
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := NextEventSeq(tx, "ws-c"); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	// The counter increment inside the failed tx must not be visible.
	err = s.WithTx(ctx, func(tx *Tx) error {
		n, err := NextEventSeq(tx, "ws-c")
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)
}

var errFailed = errSentinel("boom")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
