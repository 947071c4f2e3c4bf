// Package docstore implements the branchable, append-only document store
// described in spec.md §4.2: entries are written to (branch, doc) pairs,
// branches are no-copy snapshots of another branch at a fixed sequence,
// and merges never mutate parent history.
package docstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/store"
)

// ErrBranchExists is returned by CreateBranch when name is already taken.
var ErrBranchExists = errors.New("docstore: branch already exists")

// querier is satisfied by both *sql.DB (for reads outside a transaction)
// and *sql.Tx (for reads that must see a transaction's own writes, as
// Merge does), so the scan helpers below work in either context.
type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// CreateBranch stores (base_branch, base_seq) for name. Branching never
// mutates the parent's entries (spec.md invariant 4).
func CreateBranch(tx *store.Tx, workspace, name, baseBranch string, nowMs int64) (domain.BranchRef, error) {
	var baseSeq int64
	if baseBranch != "" {
		if err := tx.SQL().QueryRow(
			`SELECT COALESCE(MAX(seq), 0) FROM doc_entries WHERE workspace = ? AND branch = ?`,
			workspace, baseBranch,
		).Scan(&baseSeq); err != nil {
			return domain.BranchRef{}, fmt.Errorf("docstore: compute base seq: %w", err)
		}
	}

	_, err := tx.SQL().Exec(
		`INSERT INTO branches(workspace, name, base_branch, base_seq, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		workspace, name, baseBranch, baseSeq, nowMs,
	)
	if err != nil {
		// SQLite reports a primary-key violation for an existing (workspace, name).
		return domain.BranchRef{}, fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	return domain.BranchRef{Name: name, BaseBranch: baseBranch, BaseSeq: baseSeq}, nil
}

// GetBranch loads a branch ref, or the implicit unbranched ref
// {Name: name} if name has never been explicitly created.
func GetBranch(q querier, workspace, name string) (domain.BranchRef, error) {
	var ref domain.BranchRef
	ref.Name = name
	err := q.QueryRow(
		`SELECT base_branch, base_seq FROM branches WHERE workspace = ? AND name = ?`,
		workspace, name,
	).Scan(&ref.BaseBranch, &ref.BaseSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return ref, nil
	}
	if err != nil {
		return ref, fmt.Errorf("docstore: get branch: %w", err)
	}
	return ref, nil
}

// Commit appends one entry to (branch, doc) and returns it with its
// allocated global seq.
func Commit(tx *store.Tx, workspace string, entry domain.DocEntry) (domain.DocEntry, error) {
	seq, err := store.NextDocSeq(tx, workspace)
	if err != nil {
		return domain.DocEntry{}, err
	}
	entry.Seq = seq

	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return domain.DocEntry{}, fmt.Errorf("docstore: marshal meta: %w", err)
	}
	_, err = tx.SQL().Exec(
		`INSERT INTO doc_entries(workspace, seq, ts_ms, branch, doc, kind, event_type, title, format, meta, content)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workspace, entry.Seq, entry.TsMs, entry.Branch, entry.Doc, entry.Kind,
		entry.EventType, entry.Title, entry.Format, string(metaJSON), entry.Content,
	)
	if err != nil {
		return domain.DocEntry{}, fmt.Errorf("docstore: commit: %w", err)
	}
	return entry, nil
}

// EffectiveEntries returns the read view for (branch, doc): parent entries
// with seq <= base_seq, sort-merged with entries written directly to
// branch, ordered by seq (spec.md §3 "Branch ref", testable property 4).
func EffectiveEntries(q querier, workspace string, ref domain.BranchRef, doc string) ([]domain.DocEntry, error) {
	var all []domain.DocEntry

	if ref.BaseBranch != "" {
		parentEntries, err := queryEntries(q, workspace, ref.BaseBranch, doc, 0, ref.BaseSeq)
		if err != nil {
			return nil, err
		}
		all = append(all, parentEntries...)
	}

	ownEntries, err := queryEntries(q, workspace, ref.Name, doc, 0, 0)
	if err != nil {
		return nil, err
	}
	all = append(all, ownEntries...)

	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	return all, nil
}

// maxSeq of 0 means unbounded.
func queryEntries(q querier, workspace, branch, doc string, minSeq, maxSeq int64) ([]domain.DocEntry, error) {
	query := `SELECT seq, ts_ms, branch, doc, kind, event_type, title, format, meta, content
	          FROM doc_entries WHERE workspace = ? AND branch = ? AND doc = ? AND seq > ?`
	args := []any{workspace, branch, doc, minSeq}
	if maxSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, maxSeq)
	}
	query += ` ORDER BY seq ASC`

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: query entries: %w", err)
	}
	defer rows.Close()

	var out []domain.DocEntry
	for rows.Next() {
		var e domain.DocEntry
		var metaJSON string
		if err := rows.Scan(&e.Seq, &e.TsMs, &e.Branch, &e.Doc, &e.Kind, &e.EventType, &e.Title, &e.Format, &metaJSON, &e.Content); err != nil {
			return nil, fmt.Errorf("docstore: scan entry: %w", err)
		}
		_ = json.Unmarshal([]byte(metaJSON), &e.Meta)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ShowTail returns a bounded, deterministic page of the effective view,
// starting after cursor (an entry seq), trimmed to max_chars of content.
func ShowTail(q querier, workspace string, ref domain.BranchRef, doc string, cursor int64, limit int, maxChars int) (entries []domain.DocEntry, truncated bool, charsTruncated bool, err error) {
	all, err := EffectiveEntries(q, workspace, ref, doc)
	if err != nil {
		return nil, false, false, err
	}

	var page []domain.DocEntry
	for _, e := range all {
		if e.Seq > cursor {
			page = append(page, e)
		}
	}
	if limit <= 0 {
		limit = 50
	}
	if len(page) > limit {
		page = page[:limit]
		truncated = true
	}

	budget := maxChars
	if budget <= 0 {
		budget = 1 << 30
	}
	used := 0
	for i, e := range page {
		used += len(e.Content)
		if used > budget {
			page = page[:i]
			charsTruncated = true
			break
		}
	}
	return page, truncated, charsTruncated, nil
}

// Diff returns the entries present in doc's effective view on refA but not
// refB, and vice versa, compared deterministically entry-by-entry
// (spec.md §4.2 "Diffs are deterministic entry-by-entry").
func Diff(q querier, workspace string, refA, refB domain.BranchRef, doc string) (onlyA, onlyB []domain.DocEntry, err error) {
	entriesA, err := EffectiveEntries(q, workspace, refA, doc)
	if err != nil {
		return nil, nil, err
	}
	entriesB, err := EffectiveEntries(q, workspace, refB, doc)
	if err != nil {
		return nil, nil, err
	}

	seqInB := make(map[int64]bool, len(entriesB))
	for _, e := range entriesB {
		seqInB[e.Seq] = true
	}
	seqInA := make(map[int64]bool, len(entriesA))
	for _, e := range entriesA {
		seqInA[e.Seq] = true
	}
	for _, e := range entriesA {
		if !seqInB[e.Seq] {
			onlyA = append(onlyA, e)
		}
	}
	for _, e := range entriesB {
		if !seqInA[e.Seq] {
			onlyB = append(onlyB, e)
		}
	}
	return onlyA, onlyB, nil
}

// Merge strategy names (spec.md §4.2).
const (
	StrategySquash = "squash"
	StrategyConcat = "concat"
)

// Merge appends the result of merging doc from branchFrom into branchInto
// using strategy, without ever mutating either branch's prior history.
// Merge runs no conflict-detection pass of its own (graph.Merge is the
// separate, conflict-detecting path); it synthesizes over any divergence
// between the two branches.
func Merge(tx *store.Tx, workspace string, refFrom, refInto domain.BranchRef, doc, strategy string, nowMs int64) (domain.DocEntry, error) {
	fromEntries, onlyFrom, err := diffForMerge(tx, workspace, refFrom, refInto, doc)
	if err != nil {
		return domain.DocEntry{}, err
	}

	var entry domain.DocEntry
	switch strategy {
	case StrategySquash:
		var content string
		for _, e := range onlyFrom {
			content += e.Content + "\n"
		}
		entry = domain.DocEntry{
			Branch:  refInto.Name,
			Doc:     doc,
			Kind:    "merge",
			Title:   fmt.Sprintf("merge %s -> %s (squash)", refFrom.Name, refInto.Name),
			TsMs:    nowMs,
			Content: content,
			Meta:    map[string]string{"strategy": StrategySquash, "from": refFrom.Name, "entries": fmt.Sprintf("%d", len(onlyFrom))},
		}
	case StrategyConcat:
		var content string
		for _, e := range fromEntries {
			content += e.Content + "\n"
		}
		entry = domain.DocEntry{
			Branch:  refInto.Name,
			Doc:     doc,
			Kind:    "merge",
			Title:   fmt.Sprintf("merge %s -> %s (concat)", refFrom.Name, refInto.Name),
			TsMs:    nowMs,
			Content: content,
			Meta:    map[string]string{"strategy": StrategyConcat, "from": refFrom.Name},
		}
	default:
		return domain.DocEntry{}, fmt.Errorf("docstore: unknown merge strategy %q", strategy)
	}

	return Commit(tx, workspace, entry)
}

func diffForMerge(tx *store.Tx, workspace string, refFrom, refInto domain.BranchRef, doc string) (fromEntries, onlyFrom []domain.DocEntry, err error) {
	fromEntries, err = EffectiveEntries(tx.SQL(), workspace, refFrom, doc)
	if err != nil {
		return nil, nil, err
	}
	_, onlyFrom, err = Diff(tx.SQL(), workspace, refInto, refFrom, doc)
	if err != nil {
		return nil, nil, err
	}
	return fromEntries, onlyFrom, nil
}
