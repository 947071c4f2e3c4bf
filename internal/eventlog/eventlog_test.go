package eventlog

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/branchmind/branchmind/internal/ids"
	"github.com/branchmind/branchmind/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendIsIdempotentByEventID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	payload, _ := json.Marshal(map[string]string{"title": "P"})
	eventID := ids.EventID("ws", "plan_created", payload, "plan:PLAN-001")

	var firstSeq, secondSeq int64
	var firstDup, secondDup bool
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		firstSeq, firstDup, err = Append(tx, Event{Workspace: "ws", EventID: eventID, Type: "plan_created", Payload: payload})
		return err
	})
	require.NoError(t, err)
	require.False(t, firstDup)
	require.Equal(t, int64(1), firstSeq)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		secondSeq, secondDup, err = Append(tx, Event{Workspace: "ws", EventID: eventID, Type: "plan_created", Payload: payload})
		return err
	})
	require.NoError(t, err)
	require.True(t, secondDup)
	require.Equal(t, firstSeq, secondSeq)

	tail, truncated, err := Tail(s.ReadDB(), "ws", 0, 10)
	require.NoError(t, err)
	require.False(t, truncated)
	require.Len(t, tail, 1)
}

func TestTailCursorAndTruncation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"i": i})
		err := s.WithTx(ctx, func(tx *store.Tx) error {
			_, _, err := Append(tx, Event{
				Workspace: "ws",
				EventID:   ids.EventID("ws", "tick", payload, ""),
				Type:      "tick",
				Payload:   payload,
			})
			return err
		})
		require.NoError(t, err)
	}

	page, truncated, err := Tail(s.ReadDB(), "ws", 0, 3)
	require.NoError(t, err)
	require.True(t, truncated)
	require.Len(t, page, 3)
	require.Equal(t, int64(3), page[2].Seq)

	rest, truncated2, err := Tail(s.ReadDB(), "ws", page[2].Seq, 10)
	require.NoError(t, err)
	require.False(t, truncated2)
	require.Len(t, rest, 2)
}
