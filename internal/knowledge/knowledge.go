// Package knowledge implements the anchor/knowledge-card layer described
// in spec.md §4.5: anchor.bootstrap, anchor.rename, anchor.merge,
// knowledge upsert, recall and lint.
package knowledge

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/eventlog"
	"github.com/branchmind/branchmind/internal/ids"
	"github.com/branchmind/branchmind/internal/store"
)

// ErrAnchorNotFound is returned when an anchor id has no record and no
// alias resolves to one.
var ErrAnchorNotFound = errors.New("knowledge: anchor not found")

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// AnchorSpec is one entry in an anchor.bootstrap batch.
type AnchorSpec struct {
	ID          string
	Title       string
	Kind        string
	ParentID    string
	DependsOn   []string
	Description string
}

// AnchorBootstrap upserts specs atomically in id-ascending order
// (spec.md §4.5 "anchor.bootstrap upserts many anchors atomically in
// id-ascending order").
func AnchorBootstrap(tx *store.Tx, workspace string, specs []AnchorSpec, nowMs int64) ([]domain.Anchor, error) {
	sorted := append([]AnchorSpec(nil), specs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var out []domain.Anchor
	for _, spec := range sorted {
		a := domain.Anchor{
			ID: spec.ID, Title: spec.Title, Kind: spec.Kind, ParentID: spec.ParentID,
			DependsOn: spec.DependsOn, Description: spec.Description, Status: "active", UpdatedAtMs: nowMs,
		}
		if a.Kind == "" {
			a.Kind = "component"
		}
		if err := upsertAnchorRow(tx, workspace, a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}

	payload, _ := json.Marshal(sorted)
	eventID := ids.EventID(workspace, "anchor_bootstrap", payload, fmt.Sprintf("%d", nowMs))
	if _, _, err := eventlog.Append(tx, eventlog.Event{
		Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "anchor_bootstrap", Payload: payload,
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func upsertAnchorRow(tx *store.Tx, workspace string, a domain.Anchor) error {
	aliasesJSON, _ := json.Marshal(a.Aliases)
	dependsJSON, _ := json.Marshal(a.DependsOn)
	_, err := tx.SQL().Exec(
		`INSERT INTO anchors(workspace, id, title, kind, aliases, parent_id, depends_on, description, status, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace, id) DO UPDATE SET
		   title = excluded.title, kind = excluded.kind, parent_id = excluded.parent_id,
		   depends_on = excluded.depends_on, description = excluded.description, updated_at_ms = excluded.updated_at_ms`,
		workspace, a.ID, a.Title, a.Kind, string(aliasesJSON), a.ParentID, string(dependsJSON), a.Description, a.Status, a.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("knowledge: upsert anchor: %w", err)
	}
	return nil
}

// ResolveAnchor follows an alias to its current target, or returns id
// unchanged if it is not an alias.
func ResolveAnchor(q querier, workspace, id string) (string, error) {
	var target string
	err := q.QueryRow(`SELECT target FROM anchor_aliases WHERE workspace = ? AND alias = ?`, workspace, id).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("knowledge: resolve anchor: %w", err)
	}
	return target, nil
}

// GetAnchor loads an anchor by id, resolving aliases first.
func GetAnchor(q querier, workspace, id string) (domain.Anchor, error) {
	resolved, err := ResolveAnchor(q, workspace, id)
	if err != nil {
		return domain.Anchor{}, err
	}
	var a domain.Anchor
	var aliasesJSON, dependsJSON string
	err = q.QueryRow(
		`SELECT id, title, kind, aliases, parent_id, depends_on, description, status, updated_at_ms
		 FROM anchors WHERE workspace = ? AND id = ?`, workspace, resolved,
	).Scan(&a.ID, &a.Title, &a.Kind, &aliasesJSON, &a.ParentID, &dependsJSON, &a.Description, &a.Status, &a.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Anchor{}, fmt.Errorf("%w: %s", ErrAnchorNotFound, id)
	}
	if err != nil {
		return domain.Anchor{}, fmt.Errorf("knowledge: get anchor: %w", err)
	}
	_ = json.Unmarshal([]byte(aliasesJSON), &a.Aliases)
	_ = json.Unmarshal([]byte(dependsJSON), &a.DependsOn)
	return a, nil
}

// AnchorRename atomically removes the old record, records an alias
// from→to, and rewrites parent_id/depends_on pointers across all anchors
// (spec.md §4.5 anchor.rename).
func AnchorRename(tx *store.Tx, workspace, from, to string, nowMs int64) error {
	a, err := GetAnchor(tx.SQL(), workspace, from)
	if err != nil {
		return err
	}
	a.ID = to
	a.UpdatedAtMs = nowMs
	if err := upsertAnchorRow(tx, workspace, a); err != nil {
		return err
	}

	if _, err := tx.SQL().Exec(`DELETE FROM anchors WHERE workspace = ? AND id = ?`, workspace, from); err != nil {
		return fmt.Errorf("knowledge: delete renamed anchor: %w", err)
	}
	if _, err := tx.SQL().Exec(
		`INSERT INTO anchor_aliases(workspace, alias, target) VALUES (?, ?, ?)
		 ON CONFLICT(workspace, alias) DO UPDATE SET target = excluded.target`,
		workspace, from, to,
	); err != nil {
		return fmt.Errorf("knowledge: record alias: %w", err)
	}
	// Existing aliases that pointed at `from` must now point at `to`.
	if _, err := tx.SQL().Exec(`UPDATE anchor_aliases SET target = ? WHERE workspace = ? AND target = ?`, to, workspace, from); err != nil {
		return fmt.Errorf("knowledge: rewrite aliases: %w", err)
	}

	if _, err := tx.SQL().Exec(`UPDATE anchors SET parent_id = ? WHERE workspace = ? AND parent_id = ?`, to, workspace, from); err != nil {
		return fmt.Errorf("knowledge: rewrite parent_id: %w", err)
	}
	if err := rewriteDependsOn(tx, workspace, from, to); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{"from": from, "to": to})
	eventID := ids.EventID(workspace, "anchor_renamed", payload, from+">"+to)
	_, _, err = eventlog.Append(tx, eventlog.Event{Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "anchor_renamed", Payload: payload})
	return err
}

func rewriteDependsOn(tx *store.Tx, workspace, from, to string) error {
	rows, err := tx.SQL().Query(`SELECT id, depends_on FROM anchors WHERE workspace = ?`, workspace)
	if err != nil {
		return fmt.Errorf("knowledge: scan depends_on: %w", err)
	}
	type update struct {
		id   string
		deps []string
	}
	var updates []update
	for rows.Next() {
		var id, depsJSON string
		if err := rows.Scan(&id, &depsJSON); err != nil {
			rows.Close()
			return err
		}
		var deps []string
		_ = json.Unmarshal([]byte(depsJSON), &deps)
		changed := false
		for i, d := range deps {
			if d == from {
				deps[i] = to
				changed = true
			}
		}
		if changed {
			updates = append(updates, update{id: id, deps: deps})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, u := range updates {
		depsJSON, _ := json.Marshal(u.deps)
		if _, err := tx.SQL().Exec(`UPDATE anchors SET depends_on = ? WHERE workspace = ? AND id = ?`, string(depsJSON), workspace, u.id); err != nil {
			return fmt.Errorf("knowledge: update depends_on: %w", err)
		}
	}
	return nil
}

// AnchorMergeResult reports one from-id's outcome.
type AnchorMergeResult struct {
	From    string
	Skipped bool
}

// AnchorMerge aliases each of froms onto into. Already-aliased froms are
// reported skipped rather than re-processed (spec.md §4.5 "idempotent:
// already-aliased from is reported skipped").
func AnchorMerge(tx *store.Tx, workspace, into string, froms []string, nowMs int64) ([]AnchorMergeResult, error) {
	sorted := append([]string(nil), froms...)
	sort.Strings(sorted)

	var results []AnchorMergeResult
	for _, from := range sorted {
		target, err := ResolveAnchor(tx.SQL(), workspace, from)
		if err != nil {
			return nil, err
		}
		if target == into {
			results = append(results, AnchorMergeResult{From: from, Skipped: true})
			continue
		}
		if err := AnchorRename(tx, workspace, from, into, nowMs); err != nil {
			return nil, err
		}
		results = append(results, AnchorMergeResult{From: from})
	}
	return results, nil
}
