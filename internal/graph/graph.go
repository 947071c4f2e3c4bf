// Package graph implements the typed node/edge layer described in
// spec.md §4.3: graph_apply/graph_query/graph_merge, tombstoned rather
// than hard deletes, and the mandatory task→graph projection.
//
// graph_nodes/graph_edges hold the single materialized, non-branched
// current state used by query/radar/projection. Every apply additionally
// mirrors its op into the branchable document store as a "graph" doc
// entry (spec.md §4.1 "write/mirror doc entries, update graph"), which is
// what gives graph_merge something per-branch to compare: two branches of
// the same graph_doc can diverge even though graph_nodes itself only ever
// holds one current value per id.
package graph

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/branchmind/branchmind/internal/docstore"
	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/store"
)

// Op kinds accepted by Apply.
const (
	OpNodeUpsert = "node_upsert"
	OpNodeDelete = "node_delete"
	OpEdgeUpsert = "edge_upsert"
	OpEdgeDelete = "edge_delete"
)

// Op is one typed mutation tied to a source_event_id for dedup
// (spec.md §4.3: "source_event_id is event_id ⊕ graph_key").
type Op struct {
	Kind          string
	SourceEventID string
	Node          domain.GraphNode
	Edge          domain.GraphEdge
}

func (op Op) mirrorKey() string {
	switch op.Kind {
	case OpNodeUpsert, OpNodeDelete:
		return "node:" + op.Node.ID
	default:
		return "edge:" + op.Edge.From + ">" + op.Edge.Rel + ">" + op.Edge.To
	}
}

// Apply runs ops inside tx against the materialized graph tables and
// mirrors each into (branch, doc) so branch-scoped merges have a history
// to diff, skipping anything already recorded under its source_event_id
// (idempotent replay — spec.md invariant 3).
func Apply(tx *store.Tx, workspace, branch, doc string, seq, tsMs int64, ops []Op) error {
	for _, op := range ops {
		applied, err := markApplied(tx, workspace, op.SourceEventID, tsMs)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := applyOne(tx, workspace, seq, tsMs, op); err != nil {
			return err
		}
		if err := mirrorOp(tx, workspace, branch, doc, seq, tsMs, op); err != nil {
			return err
		}
	}
	return nil
}

func markApplied(tx *store.Tx, workspace, sourceEventID string, tsMs int64) (alreadyApplied bool, err error) {
	res, err := tx.SQL().Exec(
		`INSERT OR IGNORE INTO graph_applied_events(workspace, source_event_id, applied_at_ms) VALUES (?, ?, ?)`,
		workspace, sourceEventID, tsMs,
	)
	if err != nil {
		return false, fmt.Errorf("graph: mark applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("graph: rows affected: %w", err)
	}
	return n == 0, nil
}

func applyOne(tx *store.Tx, workspace string, seq, tsMs int64, op Op) error {
	switch op.Kind {
	case OpNodeUpsert:
		return upsertNode(tx, workspace, seq, tsMs, op.Node)
	case OpNodeDelete:
		return tombstoneNode(tx, workspace, seq, tsMs, op.Node.ID)
	case OpEdgeUpsert:
		return upsertEdge(tx, workspace, seq, tsMs, op.Edge)
	case OpEdgeDelete:
		return tombstoneEdge(tx, workspace, seq, tsMs, op.Edge.From, op.Edge.To, op.Edge.Rel)
	default:
		return fmt.Errorf("graph: unknown op kind %q", op.Kind)
	}
}

func mirrorOp(tx *store.Tx, workspace, branch, doc string, seq, tsMs int64, op Op) error {
	if branch == "" || doc == "" {
		return nil
	}
	var content string
	switch op.Kind {
	case OpNodeUpsert, OpNodeDelete:
		payload, _ := json.Marshal(op.Node)
		content = string(payload)
	default:
		payload, _ := json.Marshal(op.Edge)
		content = string(payload)
	}
	_, err := docstore.Commit(tx, workspace, domain.DocEntry{
		Branch: branch, Doc: doc, Kind: "graph", EventType: op.Kind,
		Title: op.mirrorKey(), TsMs: tsMs, Content: content,
	})
	if err != nil {
		return fmt.Errorf("graph: mirror op: %w", err)
	}
	return nil
}

func upsertNode(tx *store.Tx, workspace string, seq, tsMs int64, n domain.GraphNode) error {
	tagsJSON, _ := json.Marshal(n.Tags)
	metaJSON, _ := json.Marshal(n.Meta)
	_, err := tx.SQL().Exec(
		`INSERT INTO graph_nodes(workspace, id, node_type, title, text, tags, status, meta, last_seq, last_ts_ms, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT(workspace, id) DO UPDATE SET
		   node_type = excluded.node_type, title = excluded.title, text = excluded.text,
		   tags = excluded.tags, status = excluded.status, meta = excluded.meta,
		   last_seq = excluded.last_seq, last_ts_ms = excluded.last_ts_ms, deleted = 0`,
		workspace, n.ID, n.NodeType, n.Title, n.Text, string(tagsJSON), n.Status, string(metaJSON), seq, tsMs,
	)
	if err != nil {
		return fmt.Errorf("graph: upsert node: %w", err)
	}
	return nil
}

func tombstoneNode(tx *store.Tx, workspace string, seq, tsMs int64, id string) error {
	_, err := tx.SQL().Exec(
		`UPDATE graph_nodes SET deleted = 1, last_seq = ?, last_ts_ms = ? WHERE workspace = ? AND id = ?`,
		seq, tsMs, workspace, id,
	)
	if err != nil {
		return fmt.Errorf("graph: tombstone node: %w", err)
	}
	return nil
}

func upsertEdge(tx *store.Tx, workspace string, seq, tsMs int64, e domain.GraphEdge) error {
	metaJSON, _ := json.Marshal(e.Meta)
	_, err := tx.SQL().Exec(
		`INSERT INTO graph_edges(workspace, from_id, to_id, rel, meta, last_seq, last_ts_ms, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT(workspace, from_id, to_id, rel) DO UPDATE SET
		   meta = excluded.meta, last_seq = excluded.last_seq, last_ts_ms = excluded.last_ts_ms, deleted = 0`,
		workspace, e.From, e.To, e.Rel, string(metaJSON), seq, tsMs,
	)
	if err != nil {
		return fmt.Errorf("graph: upsert edge: %w", err)
	}
	return nil
}

func tombstoneEdge(tx *store.Tx, workspace string, seq, tsMs int64, from, to, rel string) error {
	_, err := tx.SQL().Exec(
		`UPDATE graph_edges SET deleted = 1, last_seq = ?, last_ts_ms = ? WHERE workspace = ? AND from_id = ? AND to_id = ? AND rel = ?`,
		seq, tsMs, workspace, from, to, rel,
	)
	if err != nil {
		return fmt.Errorf("graph: tombstone edge: %w", err)
	}
	return nil
}

// TaskNode and StepNode build the mandatory id forms for the task→graph
// projection (spec.md §4.3 "task:<TASK>/step:<STEP> nodes").
func TaskNode(taskID string) string { return "task:" + taskID }
func StepNode(stepID string) string { return "step:" + stepID }

// ProjectTaskCreated emits the task node for a newly created task.
func ProjectTaskCreated(tx *store.Tx, workspace, branch, doc, eventID string, seq, tsMs int64, t domain.Task) error {
	op := Op{
		Kind:          OpNodeUpsert,
		SourceEventID: sourceEventID(eventID, "node:"+TaskNode(t.ID)),
		Node: domain.GraphNode{
			ID: TaskNode(t.ID), NodeType: "task", Title: t.Title,
			Status: t.Status,
		},
	}
	return Apply(tx, workspace, branch, doc, seq, tsMs, []Op{op})
}

// ProjectStepCreated emits the step node plus its containment edge from
// either the task (top-level step) or a parent step (spec.md §4.3
// "contains edges (task→step, parent-step→child-step)").
func ProjectStepCreated(tx *store.Tx, workspace, branch, doc, eventID string, seq, tsMs int64, s domain.Step, parentStepID string) error {
	nodeID := StepNode(s.StepID)
	parent := TaskNode(s.TaskID)
	if parentStepID != "" {
		parent = StepNode(parentStepID)
	}

	ops := []Op{
		{
			Kind:          OpNodeUpsert,
			SourceEventID: sourceEventID(eventID, "node:"+nodeID),
			Node: domain.GraphNode{
				ID: nodeID, NodeType: "step", Title: s.Title,
				Status: statusOf(s),
			},
		},
		{
			Kind:          OpEdgeUpsert,
			SourceEventID: sourceEventID(eventID, "edge:"+parent+">contains>"+nodeID),
			Edge:          domain.GraphEdge{From: parent, To: nodeID, Rel: "contains"},
		},
	}
	return Apply(tx, workspace, branch, doc, seq, tsMs, ops)
}

// ProjectStepClosed updates the step node's status to done
// (spec.md §4.4 "update graph status").
func ProjectStepClosed(tx *store.Tx, workspace, branch, doc, eventID string, seq, tsMs int64, s domain.Step) error {
	op := Op{
		Kind:          OpNodeUpsert,
		SourceEventID: sourceEventID(eventID, "node:"+StepNode(s.StepID)+":closed"),
		Node: domain.GraphNode{
			ID: StepNode(s.StepID), NodeType: "step", Title: s.Title, Status: "done",
		},
	}
	return Apply(tx, workspace, branch, doc, seq, tsMs, []Op{op})
}

func statusOf(s domain.Step) string {
	if s.Completed {
		return "done"
	}
	if s.BlockReason != "" {
		return "blocked"
	}
	return "open"
}

func sourceEventID(eventID, graphKey string) string {
	return eventID + "⊕" + graphKey
}

// Query is a bounded, deterministic (id-ascending) node scan filtered by
// type/status/tag (spec.md §4.3: "ordering is deterministic (id asc)").
type Query struct {
	NodeType string
	Status   string
	Tag      string
	Limit    int
}

// QueryNodes runs q against db, returning a bounded slice in id order.
func QueryNodes(db *sql.DB, workspace string, q Query) (nodes []domain.GraphNode, truncated bool, err error) {
	sqlQuery := `SELECT id, node_type, title, text, tags, status, meta, last_seq, last_ts_ms, deleted
	             FROM graph_nodes WHERE workspace = ? AND deleted = 0`
	args := []any{workspace}
	if q.NodeType != "" {
		sqlQuery += ` AND node_type = ?`
		args = append(args, q.NodeType)
	}
	if q.Status != "" {
		sqlQuery += ` AND status = ?`
		args = append(args, q.Status)
	}
	sqlQuery += ` ORDER BY id ASC`

	rows, err := db.Query(sqlQuery, args...)
	if err != nil {
		return nil, false, fmt.Errorf("graph: query nodes: %w", err)
	}
	defer rows.Close()

	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	for rows.Next() {
		var n domain.GraphNode
		var tagsJSON, metaJSON string
		var deletedInt int
		if err := rows.Scan(&n.ID, &n.NodeType, &n.Title, &n.Text, &tagsJSON, &n.Status, &metaJSON, &n.LastSeq, &n.LastTsMs, &deletedInt); err != nil {
			return nil, false, fmt.Errorf("graph: scan node: %w", err)
		}
		_ = json.Unmarshal([]byte(tagsJSON), &n.Tags)
		_ = json.Unmarshal([]byte(metaJSON), &n.Meta)
		n.Deleted = deletedInt != 0

		if q.Tag != "" && !hasTag(n.Tags, q.Tag) {
			continue
		}
		if len(nodes) >= limit {
			truncated = true
			break
		}
		nodes = append(nodes, n)
	}
	return nodes, truncated, rows.Err()
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

// QueryEdgesFrom returns the non-deleted outgoing edges of id, id order on
// the destination.
func QueryEdgesFrom(db *sql.DB, workspace, id string) ([]domain.GraphEdge, error) {
	rows, err := db.Query(
		`SELECT from_id, to_id, rel, meta, last_seq, last_ts_ms, deleted
		 FROM graph_edges WHERE workspace = ? AND from_id = ? AND deleted = 0 ORDER BY to_id ASC`,
		workspace, id,
	)
	if err != nil {
		return nil, fmt.Errorf("graph: query edges: %w", err)
	}
	defer rows.Close()

	var out []domain.GraphEdge
	for rows.Next() {
		var e domain.GraphEdge
		var metaJSON string
		var deletedInt int
		if err := rows.Scan(&e.From, &e.To, &e.Rel, &metaJSON, &e.LastSeq, &e.LastTsMs, &deletedInt); err != nil {
			return nil, fmt.Errorf("graph: scan edge: %w", err)
		}
		_ = json.Unmarshal([]byte(metaJSON), &e.Meta)
		e.Deleted = deletedInt != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// mirrorEntry is the decoded form of one graph-op doc entry, reduced to
// its last-writer-wins content per mirror key within an effective view.
type mirrorEntry struct {
	key     string
	content string
}

func latestByKey(entries []domain.DocEntry) map[string]mirrorEntry {
	out := map[string]mirrorEntry{}
	for _, e := range entries {
		out[e.Title] = mirrorEntry{key: e.Title, content: e.Content}
	}
	return out
}

// Merge compares the effective views of doc's graph mirror on refFrom and
// refInto (spec.md §4.3 "graph_merge compares effective views of two
// branches for a doc") and returns one open Conflict per mirror key whose
// latest content disagrees between the two views and has not already been
// resolved for this exact (branchFrom, branchInto, doc) triple.
func Merge(tx *store.Tx, workspace string, refFrom, refInto domain.BranchRef, doc string, nowMs int64) ([]domain.Conflict, error) {
	fromEntries, err := docstore.EffectiveEntries(tx.SQL(), workspace, refFrom, doc)
	if err != nil {
		return nil, err
	}
	intoEntries, err := docstore.EffectiveEntries(tx.SQL(), workspace, refInto, doc)
	if err != nil {
		return nil, err
	}
	fromLatest := latestByKey(fromEntries)
	intoLatest := latestByKey(intoEntries)

	var keys []string
	for k := range fromLatest {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conflicts []domain.Conflict
	for _, key := range keys {
		fromEntry := fromLatest[key]
		intoEntry, ok := intoLatest[key]
		if !ok || fromEntry.content == intoEntry.content {
			continue
		}

		resolved, err := isResolved(tx.SQL(), workspace, refFrom.Name, refInto.Name, doc, key)
		if err != nil {
			return nil, err
		}
		if resolved {
			continue
		}

		conflictID := "conflict:" + refFrom.Name + ">" + refInto.Name + ":" + doc + ":" + key
		c := domain.Conflict{
			ID: conflictID, Kind: "graph", Status: "open",
			BranchFrom: refFrom.Name, BranchInto: refInto.Name, Doc: doc,
			CandidateKeys: []string{key},
			Candidates: []domain.ConflictCandidate{
				{Side: "from", Summary: fromEntry.content},
				{Side: "into", Summary: intoEntry.content},
			},
		}
		if err := upsertConflict(tx, workspace, c); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].ID < conflicts[j].ID })
	return conflicts, nil
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func isResolved(q querier, workspace, branchFrom, branchInto, doc, key string) (bool, error) {
	conflictID := "conflict:" + branchFrom + ">" + branchInto + ":" + doc + ":" + key
	var status string
	err := q.QueryRow(
		`SELECT status FROM conflicts WHERE workspace = ? AND id = ?`, workspace, conflictID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("graph: check resolved: %w", err)
	}
	return status == "resolved", nil
}

func upsertConflict(tx *store.Tx, workspace string, c domain.Conflict) error {
	keysJSON, _ := json.Marshal(c.CandidateKeys)
	candJSON, _ := json.Marshal(c.Candidates)
	_, err := tx.SQL().Exec(
		`INSERT INTO conflicts(workspace, id, kind, status, branch_from, branch_into, doc, candidate_keys, candidates, resolution)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '')
		 ON CONFLICT(workspace, id) DO UPDATE SET
		   candidate_keys = excluded.candidate_keys, candidates = excluded.candidates`,
		workspace, c.ID, c.Kind, c.Status, c.BranchFrom, c.BranchInto, c.Doc, string(keysJSON), string(candJSON),
	)
	if err != nil {
		return fmt.Errorf("graph: upsert conflict: %w", err)
	}
	return nil
}

// ErrConflictNotFound is returned by Resolve when id has no open record.
var ErrConflictNotFound = errors.New("graph: conflict not found")

// Resolve settles an open conflict (spec.md §4.3: "Resolving a conflict
// writes a resolved record and a used=into|from|custom decision;
// subsequent merges treat the same divergence as handled").
func Resolve(tx *store.Tx, workspace, conflictID, used, note string) error {
	resolution, _ := json.Marshal(domain.ConflictResolution{Used: used, Note: note})
	res, err := tx.SQL().Exec(
		`UPDATE conflicts SET status = 'resolved', resolution = ? WHERE workspace = ? AND id = ? AND status = 'open'`,
		string(resolution), workspace, conflictID,
	)
	if err != nil {
		return fmt.Errorf("graph: resolve conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("graph: resolve rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	return nil
}

// OpenConflicts lists open conflicts for a workspace, id-ascending.
func OpenConflicts(db *sql.DB, workspace string) ([]domain.Conflict, error) {
	rows, err := db.Query(
		`SELECT id, kind, status, branch_from, branch_into, doc, candidate_keys, candidates
		 FROM conflicts WHERE workspace = ? AND status = 'open' ORDER BY id ASC`,
		workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("graph: open conflicts: %w", err)
	}
	defer rows.Close()

	var out []domain.Conflict
	for rows.Next() {
		var c domain.Conflict
		var keysJSON, candJSON string
		if err := rows.Scan(&c.ID, &c.Kind, &c.Status, &c.BranchFrom, &c.BranchInto, &c.Doc, &keysJSON, &candJSON); err != nil {
			return nil, fmt.Errorf("graph: scan conflict: %w", err)
		}
		_ = json.Unmarshal([]byte(keysJSON), &c.CandidateKeys)
		_ = json.Unmarshal([]byte(candJSON), &c.Candidates)
		out = append(out, c)
	}
	return out, rows.Err()
}
