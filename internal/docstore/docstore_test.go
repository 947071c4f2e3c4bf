package docstore

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

// TestBranchSnapshotSeesParentEntriesUpToBaseSeqNotAfter exercises spec.md
// §8 seed scenario 4: write notes entries on main up to seq=10, branch alt
// from main, write one entry on alt; reading (alt, notes) returns the 10
// parent entries plus the 1 own entry in seq order, and a later write to
// main never appears in alt.
func TestBranchSnapshotSeesParentEntriesUpToBaseSeqNotAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var branchAlt domain.BranchRef
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		for i := 0; i < 10; i++ {
			if _, err := Commit(tx, "ws", domain.DocEntry{Branch: "main", Doc: "notes", Kind: "note", Content: "m"}); err != nil {
				return err
			}
		}
		var err error
		branchAlt, err = CreateBranch(tx, "ws", "alt", "main", 1000)
		if err != nil {
			return err
		}
		_, err = Commit(tx, "ws", domain.DocEntry{Branch: "alt", Doc: "notes", Kind: "note", Content: "own"})
		return err
	})
	require.NoError(t, err)
	require.EqualValues(t, 10, branchAlt.BaseSeq)

	entries, err := EffectiveEntries(s.ReadDB(), "ws", branchAlt, "notes")
	require.NoError(t, err)
	require.Len(t, entries, 11)
	for i, e := range entries[:10] {
		require.EqualValues(t, i+1, e.Seq)
		require.Equal(t, "main", e.Branch)
	}
	require.Equal(t, "alt", entries[10].Branch)
	require.Equal(t, "own", entries[10].Content)

	// A later write to main must not leak into alt's effective view.
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := Commit(tx, "ws", domain.DocEntry{Branch: "main", Doc: "notes", Kind: "note", Content: "after-branch"})
		return err
	})
	require.NoError(t, err)

	entries, err = EffectiveEntries(s.ReadDB(), "ws", branchAlt, "notes")
	require.NoError(t, err)
	require.Len(t, entries, 11)

	mainEntries, err := EffectiveEntries(s.ReadDB(), "ws", domain.BranchRef{Name: "main"}, "notes")
	require.NoError(t, err)
	require.Len(t, mainEntries, 11)
}

func TestCreateBranchRejectsDuplicateName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := CreateBranch(tx, "ws", "alt", "main", 100)
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := CreateBranch(tx, "ws", "alt", "main", 200)
		return err
	})
	require.ErrorIs(t, err, ErrBranchExists)
}

func TestDiffIsEntryByEntryDeterministic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := Commit(tx, "ws", domain.DocEntry{Branch: "main", Doc: "notes", Content: "shared"}); err != nil {
			return err
		}
		return nil
	})
	require.NoError(t, err)

	var feat domain.BranchRef
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		feat, err = CreateBranch(tx, "ws", "feat", "main", 200)
		if err != nil {
			return err
		}
		_, err = Commit(tx, "ws", domain.DocEntry{Branch: "feat", Doc: "notes", Content: "feat-only"})
		return err
	})
	require.NoError(t, err)

	onlyMain, onlyFeat, err := Diff(s.ReadDB(), "ws", domain.BranchRef{Name: "main"}, feat, "notes")
	require.NoError(t, err)
	require.Empty(t, onlyMain)
	require.Len(t, onlyFeat, 1)
	require.Equal(t, "feat-only", onlyFeat[0].Content)
}

func TestMergeSquashAppendsSingleSynthesisEntryWithoutMutatingParents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var feat domain.BranchRef
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := Commit(tx, "ws", domain.DocEntry{Branch: "main", Doc: "notes", Content: "base"}); err != nil {
			return err
		}
		var err error
		feat, err = CreateBranch(tx, "ws", "feat", "main", 1000)
		if err != nil {
			return err
		}
		if _, err := Commit(tx, "ws", domain.DocEntry{Branch: "feat", Doc: "notes", Content: "a"}); err != nil {
			return err
		}
		_, err = Commit(tx, "ws", domain.DocEntry{Branch: "feat", Doc: "notes", Content: "b"})
		return err
	})
	require.NoError(t, err)

	beforeMain, err := EffectiveEntries(s.ReadDB(), "ws", domain.BranchRef{Name: "main"}, "notes")
	require.NoError(t, err)
	require.Len(t, beforeMain, 1)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := Merge(tx, "ws", feat, domain.BranchRef{Name: "main"}, "notes", StrategySquash, 2000)
		return err
	})
	require.NoError(t, err)

	afterMain, err := EffectiveEntries(s.ReadDB(), "ws", domain.BranchRef{Name: "main"}, "notes")
	require.NoError(t, err)
	require.Len(t, afterMain, 2) // base entry + one synthesis entry, never the raw feat entries
	require.Equal(t, "merge", afterMain[1].Kind)
	require.Contains(t, afterMain[1].Content, "a")
	require.Contains(t, afterMain[1].Content, "b")

	// feat's own history is untouched by the merge.
	featEntries, err := EffectiveEntries(s.ReadDB(), "ws", feat, "notes")
	require.NoError(t, err)
	require.Len(t, featEntries, 3)
}

func TestShowTailTruncatesByLimitAndMaxChars(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		for i := 0; i < 5; i++ {
			if _, err := Commit(tx, "ws", domain.DocEntry{Branch: "main", Doc: "notes", Content: "0123456789"}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	page, truncated, _, err := ShowTail(s.ReadDB(), "ws", domain.BranchRef{Name: "main"}, "notes", 0, 3, 0)
	require.NoError(t, err)
	require.True(t, truncated)
	require.Len(t, page, 3)

	page, truncated, charsTruncated, err := ShowTail(s.ReadDB(), "ws", domain.BranchRef{Name: "main"}, "notes", 0, 50, 25)
	require.NoError(t, err)
	require.False(t, truncated)
	require.True(t, charsTruncated)
	require.Len(t, page, 2)
}
