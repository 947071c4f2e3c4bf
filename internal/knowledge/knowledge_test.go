package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/branchmind/branchmind/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertCardIsIdempotentOnIdenticalText(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var firstID, secondID string
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		c, changed, err := UpsertCard(tx, "ws", "a:engine", "retry-policy", "", "use exponential backoff", "", false, "", "", 100)
		firstID = c.CardID
		require.True(t, changed)
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		c, changed, err := UpsertCard(tx, "ws", "a:engine", "retry-policy", "", "use exponential backoff", "", false, "", "", 200)
		secondID = c.CardID
		require.False(t, changed)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, firstID, secondID)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		c, changed, err := UpsertCard(tx, "ws", "a:engine", "retry-policy", "", "use linear backoff instead", "", false, "", "", 300)
		require.True(t, changed)
		require.NotEqual(t, firstID, c.CardID)
		return err
	})
	require.NoError(t, err)
}

func TestAnchorRenameRewritesDependsOnAndAlias(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := AnchorBootstrap(tx, "ws", []AnchorSpec{
			{ID: "a:old", Title: "Old name"},
			{ID: "a:consumer", Title: "Consumer", DependsOn: []string{"a:old"}},
		}, 100)
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error { return AnchorRename(tx, "ws", "a:old", "a:new", 200) })
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		a, err := GetAnchor(tx.SQL(), "ws", "a:old") // resolves via alias
		require.NoError(t, err)
		require.Equal(t, "a:new", a.ID)

		consumer, err := GetAnchor(tx.SQL(), "ws", "a:consumer")
		require.NoError(t, err)
		require.Equal(t, []string{"a:new"}, consumer.DependsOn)
		return nil
	})
	require.NoError(t, err)
}

func TestAnchorMergeIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := AnchorBootstrap(tx, "ws", []AnchorSpec{{ID: "a:into"}, {ID: "a:from"}}, 100)
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		results, err := AnchorMerge(tx, "ws", "a:into", []string{"a:from"}, 200)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.False(t, results[0].Skipped)
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		results, err := AnchorMerge(tx, "ws", "a:into", []string{"a:from"}, 300)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.True(t, results[0].Skipped)
		return nil
	})
	require.NoError(t, err)
}
