// Package store provides the single embedded SQLite-backed persistence
// layer for a BranchMind workspace: events, documents, graph, tasks,
// knowledge and jobs all live in one database file, opened once per
// workspace directory (spec.md §6 "Persisted layout").
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrResetRequired is returned by Open when an existing database's schema
// version is newer or otherwise unrecognized by this binary. The portal
// adapter translates this into the typed RESET_REQUIRED error code.
var ErrResetRequired = errors.New("store: schema version mismatch, reset required")

// Store wraps a SQLite database with single-writer transaction semantics:
// one write handle serializes all mutating transactions (spec.md §5
// "writes are serialized (single-writer semantics)"), while reads use a
// separate pooled read handle so budgeted scans never block a writer.
type Store struct {
	writeMu sync.Mutex
	write   *sql.DB
	read    *sql.DB
}

// Open creates or opens a SQLite database at path and ensures the schema
// exists. dbPath may be ":memory:" for tests.
func Open(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if dbPath == ":memory:" {
		// WAL is meaningless for an in-memory database and multiple
		// connections to ":memory:" would each see an empty database,
		// so tests use a shared-cache in-memory database that both
		// handles see.
		dsn = "file::memory:?cache=shared&_pragma=busy_timeout(5000)"
	}

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("store: open read handle %s: %w", dbPath, err)
	}
	read.SetMaxOpenConns(4)

	if _, err := write.Exec(schema); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	s := &Store{write: write, read: read}
	if err := s.checkOrStampSchemaVersion(); err != nil {
		write.Close()
		read.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkOrStampSchemaVersion() error {
	var raw string
	err := s.write.QueryRow(`SELECT value FROM schema_meta WHERE key = 'version'`).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := s.write.Exec(`INSERT INTO schema_meta(key, value) VALUES ('version', ?)`, fmt.Sprintf("%d", schemaVersion))
		return err
	case err != nil:
		return fmt.Errorf("store: read schema version: %w", err)
	}
	var got int
	if _, err := fmt.Sscanf(raw, "%d", &got); err != nil {
		return fmt.Errorf("%w: unreadable version %q", ErrResetRequired, raw)
	}
	if got > schemaVersion {
		return fmt.Errorf("%w: on-disk version %d newer than binary version %d", ErrResetRequired, got, schemaVersion)
	}
	return nil
}

// Close closes both handles.
func (s *Store) Close() error {
	err1 := s.write.Close()
	err2 := s.read.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// ReadDB exposes the pooled read-only handle for snapshot scans.
func (s *Store) ReadDB() *sql.DB { return s.read }

// Tx is the transaction handle passed to command handlers. Every mutating
// operation runs inside exactly one Tx so that the domain mutation, the
// event append, and any doc/graph mirroring commit or roll back together
// (spec.md invariant 1: "Partial writes are impossible").
type Tx struct {
	tx *sql.Tx
}

// SQL exposes the underlying *sql.Tx for package-internal query building.
func (t *Tx) SQL() *sql.Tx { return t.tx }

// WithTx serializes fn against the single write handle and commits iff fn
// returns nil. A cancelled context still commits or rolls back atomically
// — there is no partial visible state (spec.md §5 "Cancellation").
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	tx := &Tx{tx: sqlTx}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// NextEventSeq and NextDocSeq allocate the next monotonic sequence number
// for a workspace. Must be called from inside a WithTx.
func NextEventSeq(tx *Tx, workspace string) (int64, error) {
	return nextCounter(tx, workspace, "last_event_seq")
}

func NextDocSeq(tx *Tx, workspace string) (int64, error) {
	return nextCounter(tx, workspace, "last_doc_seq")
}

func NextPlanCounter(tx *Tx, workspace string) (int64, error) {
	return nextCounter(tx, workspace, "plan_counter")
}

func NextTaskCounter(tx *Tx, workspace string) (int64, error) {
	return nextCounter(tx, workspace, "task_counter")
}

func nextCounter(tx *Tx, workspace, column string) (int64, error) {
	if _, err := tx.tx.Exec(`INSERT OR IGNORE INTO workspaces(id) VALUES (?)`, workspace); err != nil {
		return 0, fmt.Errorf("store: ensure workspace row: %w", err)
	}
	query := fmt.Sprintf(`UPDATE workspaces SET %s = %s + 1 WHERE id = ?`, column, column)
	if _, err := tx.tx.Exec(query, workspace); err != nil {
		return 0, fmt.Errorf("store: advance %s: %w", column, err)
	}
	var n int64
	if err := tx.tx.QueryRow(fmt.Sprintf(`SELECT %s FROM workspaces WHERE id = ?`, column), workspace).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: read %s: %w", column, err)
	}
	return n, nil
}

// EnsureWorkspace creates the workspace row if absent, outside a tx
// (idempotent, used at startup and by workspace.open).
func (s *Store) EnsureWorkspace(ctx context.Context, id, path string, nowMs int64) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO workspaces(id, path, created_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`, id, path, nowMs)
	return err
}
