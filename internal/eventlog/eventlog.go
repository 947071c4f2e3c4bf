// Package eventlog implements the workspace-scoped, append-only log of
// typed domain events described in spec.md §4.1. Every mutating command
// handler appends exactly one event per transaction; re-applying an
// event_id that has already been recorded is a no-op, which is what makes
// the rest of the engine idempotent under retries.
package eventlog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/branchmind/branchmind/internal/store"
)

// Event is one typed domain event as persisted in the log.
type Event struct {
	Workspace string
	Seq       int64
	EventID   string
	TsMs      int64
	Type      string
	TaskID    string
	Path      string
	Payload   json.RawMessage
}

// Append records ev inside tx and returns the allocated seq, or the seq of
// the already-recorded event with the same EventID (idempotent append —
// spec.md invariant 3 / testable property 3). The caller must have already
// set ev.EventID deterministically (see internal/ids.EventID).
func Append(tx *store.Tx, ev Event) (seq int64, alreadyApplied bool, err error) {
	var existingSeq int64
	row := tx.SQL().QueryRow(
		`SELECT seq FROM events WHERE workspace = ? AND event_id = ?`,
		ev.Workspace, ev.EventID,
	)
	switch scanErr := row.Scan(&existingSeq); {
	case scanErr == nil:
		return existingSeq, true, nil
	case !errors.Is(scanErr, sql.ErrNoRows):
		return 0, false, fmt.Errorf("eventlog: check dedup: %w", scanErr)
	}

	seq, err = store.NextEventSeq(tx, ev.Workspace)
	if err != nil {
		return 0, false, err
	}
	payload := ev.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	_, err = tx.SQL().Exec(
		`INSERT INTO events(workspace, seq, event_id, ts_ms, type, task_id, path, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Workspace, seq, ev.EventID, ev.TsMs, ev.Type, ev.TaskID, ev.Path, string(payload),
	)
	if err != nil {
		return 0, false, fmt.Errorf("eventlog: append: %w", err)
	}
	return seq, false, nil
}

// Tail performs a bounded, cursor-based scan of events with seq > cursor,
// used by tasks_delta reads and by runners ingesting progress
// (spec.md §4.1 "bounded, cursor-based tail scan").
func Tail(db *sql.DB, workspace string, cursor int64, limit int) ([]Event, bool, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT workspace, seq, event_id, ts_ms, type, task_id, path, payload
		 FROM events WHERE workspace = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		workspace, cursor, limit+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("eventlog: tail: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.Workspace, &e.Seq, &e.EventID, &e.TsMs, &e.Type, &e.TaskID, &e.Path, &payload); err != nil {
			return nil, false, fmt.Errorf("eventlog: scan: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	truncated := len(out) > limit
	if truncated {
		out = out[:limit]
	}
	return out, truncated, nil
}
