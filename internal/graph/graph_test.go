package graph

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

func TestApplyIsIdempotentBySourceEventID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	op := Op{
		Kind:          OpNodeUpsert,
		SourceEventID: "ev1⊕node:task:TASK-001",
		Node:          domain.GraphNode{ID: "task:TASK-001", NodeType: "task", Title: "first"},
	}

	err := s.WithTx(ctx, func(tx *store.Tx) error { return Apply(tx, "ws", "main", "graph", 1, 100, []Op{op}) })
	require.NoError(t, err)

	op.Node.Title = "second" // same source_event_id, different payload
	err = s.WithTx(ctx, func(tx *store.Tx) error { return Apply(tx, "ws", "main", "graph", 2, 200, []Op{op}) })
	require.NoError(t, err)

	nodes, truncated, err := QueryNodes(s.ReadDB(), "ws", Query{NodeType: "task"})
	require.NoError(t, err)
	require.False(t, truncated)
	require.Len(t, nodes, 1)
	require.Equal(t, "first", nodes[0].Title) // replay was a no-op
}

func TestTombstoneHidesNodeFromQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	upsert := Op{Kind: OpNodeUpsert, SourceEventID: "ev1⊕n", Node: domain.GraphNode{ID: "step:STEP-1", NodeType: "step", Title: "x"}}
	del := Op{Kind: OpNodeDelete, SourceEventID: "ev2⊕n", Node: domain.GraphNode{ID: "step:STEP-1"}}

	err := s.WithTx(ctx, func(tx *store.Tx) error { return Apply(tx, "ws", "main", "graph", 1, 100, []Op{upsert}) })
	require.NoError(t, err)
	err = s.WithTx(ctx, func(tx *store.Tx) error { return Apply(tx, "ws", "main", "graph", 2, 200, []Op{del}) })
	require.NoError(t, err)

	nodes, _, err := QueryNodes(s.ReadDB(), "ws", Query{NodeType: "step"})
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestProjectTaskAndStepWiresContainsEdge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := domain.Task{ID: "TASK-001", Title: "Do thing", Status: domain.TaskStatusActive}
	step := domain.Step{StepID: "STEP-abc123", TaskID: "TASK-001", Title: "first step"}

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		if err := ProjectTaskCreated(tx, "ws", "main", "graph", "ev-task", 1, 100, task); err != nil {
			return err
		}
		return ProjectStepCreated(tx, "ws", "main", "graph", "ev-step", 2, 200, step, "")
	})
	require.NoError(t, err)

	edges, err := QueryEdgesFrom(s.ReadDB(), "ws", TaskNode("TASK-001"))
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, "contains", edges[0].Rel)
	require.Equal(t, StepNode("STEP-abc123"), edges[0].To)
}

func TestMergeDetectsDivergenceAndResolvePreventsResurface(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	main := domain.BranchRef{Name: "main"}
	var feat domain.BranchRef

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		return Apply(tx, "ws", main.Name, "graph", 1, 100, []Op{{
			Kind: OpNodeUpsert, SourceEventID: "ev1⊕n",
			Node: domain.GraphNode{ID: "task:TASK-001", NodeType: "task", Title: "base"},
		}})
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		feat, err = branchFrom(tx, "ws", "feat", main.Name)
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		return Apply(tx, "ws", main.Name, "graph", 2, 200, []Op{{
			Kind: OpNodeUpsert, SourceEventID: "ev2⊕n",
			Node: domain.GraphNode{ID: "task:TASK-001", NodeType: "task", Title: "changed on main"},
		}})
	})
	require.NoError(t, err)
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		return Apply(tx, "ws", feat.Name, "graph", 3, 300, []Op{{
			Kind: OpNodeUpsert, SourceEventID: "ev3⊕n",
			Node: domain.GraphNode{ID: "task:TASK-001", NodeType: "task", Title: "changed on feat"},
		}})
	})
	require.NoError(t, err)

	var conflicts []domain.Conflict
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		conflicts, err = Merge(tx, "ws", feat, main, "graph", 400)
		return err
	})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, "open", conflicts[0].Status)

	err = s.WithTx(ctx, func(tx *store.Tx) error { return Resolve(tx, "ws", conflicts[0].ID, "into", "kept main") })
	require.NoError(t, err)

	var rerun []domain.Conflict
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		rerun, err = Merge(tx, "ws", feat, main, "graph", 500)
		return err
	})
	require.NoError(t, err)
	require.Empty(t, rerun)

	open, err := OpenConflicts(s.ReadDB(), "ws")
	require.NoError(t, err)
	require.Empty(t, open)
}

func branchFrom(tx *store.Tx, workspace, name, base string) (domain.BranchRef, error) {
	var baseSeq int64
	if err := tx.SQL().QueryRow(
		`SELECT COALESCE(MAX(seq), 0) FROM doc_entries WHERE workspace = ? AND branch = ?`, workspace, base,
	).Scan(&baseSeq); err != nil {
		return domain.BranchRef{}, err
	}
	_, err := tx.SQL().Exec(
		`INSERT INTO branches(workspace, name, base_branch, base_seq, created_at_ms) VALUES (?, ?, ?, ?, 0)`,
		workspace, name, base, baseSeq,
	)
	if err != nil {
		return domain.BranchRef{}, err
	}
	return domain.BranchRef{Name: name, BaseBranch: base, BaseSeq: baseSeq}, nil
}
