package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/branchmind/branchmind/internal/config"
	"github.com/branchmind/branchmind/internal/domain"
)

func TestResolveClampsToProfileCeiling(t *testing.T) {
	b := config.Budget{MaxLines: 12, MaxChars: 1200, MinFields: 3}

	c, minClamped := Resolve(b, "portal", 0, 0)
	require.False(t, minClamped)
	require.Equal(t, 12, c.Limit)
	require.Equal(t, 1200, c.MaxChars)

	c, minClamped = Resolve(b, "portal", 5, 300)
	require.False(t, minClamped)
	require.Equal(t, 5, c.Limit)
	require.Equal(t, 300, c.MaxChars)

	c, minClamped = Resolve(b, "portal", 500, 5000)
	require.False(t, minClamped)
	require.Equal(t, 12, c.Limit)
	require.Equal(t, 1200, c.MaxChars)
}

func TestResolveClampsUpToFloor(t *testing.T) {
	b := config.Budget{MaxLines: 12, MaxChars: 1200, MinFields: 3}

	c, minClamped := Resolve(b, "portal", -1, -1)
	require.True(t, minClamped)
	require.Equal(t, 1, c.Limit)
	require.Equal(t, 120, c.MaxChars)
}

func TestFanOutRunsAllAndPropagatesError(t *testing.T) {
	var ran []string
	err := FanOut(context.Background(), map[string]func(context.Context) error{
		"a": func(ctx context.Context) error { ran = append(ran, "a"); return nil },
		"b": func(ctx context.Context) error { ran = append(ran, "b"); return nil },
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, ran)

	sentinel := errors.New("boom")
	err = FanOut(context.Background(), map[string]func(context.Context) error{
		"ok":   func(ctx context.Context) error { return nil },
		"fail": func(ctx context.Context) error { return sentinel },
	})
	require.Error(t, err)
	require.ErrorIs(t, err, sentinel)
}

func TestRenderIncludesStateActionsWarningsAndError(t *testing.T) {
	state := State{Focus: "TASK-002", Where: "a:auth", Ref: "r1", Counts: map[string]int{"needs_attention": 3}}
	actions := []Action{{Cmd: "tasks.next", Args: "task_id=TASK-002"}}

	out := Render(state, actions, []string{"BUDGET_TRUNCATED", "BUDGET_MINIMAL", "IGNORED_THIRD"}, "", "")
	require.Contains(t, out, "focus=TASK-002")
	require.Contains(t, out, "where=a:auth")
	require.Contains(t, out, "ref=r1")
	require.Contains(t, out, "needs_attention=3")
	require.Contains(t, out, "tasks.next task_id=TASK-002")
	require.Contains(t, out, "WARNING: BUDGET_TRUNCATED")
	require.Contains(t, out, "WARNING: BUDGET_MINIMAL")
	require.NotContains(t, out, "IGNORED_THIRD")
	require.NotContains(t, out, "ERROR:")

	out = Render(State{Ref: "r2"}, nil, nil, "UNKNOWN_ID", "no such task")
	require.Contains(t, out, "ERROR: UNKNOWN_ID no such task")
}

func TestTruncateChars(t *testing.T) {
	s, truncated := TruncateChars("hello world", 5)
	require.True(t, truncated)
	require.Equal(t, "hello", s)

	s, truncated = TruncateChars("hi", 5)
	require.False(t, truncated)
	require.Equal(t, "hi", s)
}

func TestConflictSummary(t *testing.T) {
	c := domain.Conflict{ID: "CONF-1", Doc: "notes", CandidateKeys: []string{"k1", "k2"}, Status: "open"}
	require.Equal(t, "conflict=CONF-1 doc=notes keys=2 status=open", ConflictSummary(c))
}
