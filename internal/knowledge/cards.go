package knowledge

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/branchmind/branchmind/internal/domain"
	"github.com/branchmind/branchmind/internal/eventlog"
	"github.com/branchmind/branchmind/internal/ids"
	"github.com/branchmind/branchmind/internal/store"
)

// UpsertCard looks up (anchorID, key); if text differs from the latest
// card, it allocates a new card_id, inserts it, updates the index head and
// emits knowledge_upsert (spec.md §4.5). Identical text returns the
// existing card untouched and without a new event (idempotent upsert —
// spec.md testable property "knowledge.upsert with identical text for
// same (anchor,key) yields same card_id").
func UpsertCard(tx *store.Tx, workspace, anchorID, key, title, text, visibility string, pinned bool, expiryDate string, stepID string, nowMs int64) (domain.KnowledgeCard, bool, error) {
	existing, found, err := latestCard(tx.SQL(), workspace, anchorID, key)
	if err != nil {
		return domain.KnowledgeCard{}, false, err
	}
	if found && existing.Text == text {
		return existing, false, nil
	}

	card := domain.KnowledgeCard{
		CardID: "CARD-" + contentHash(anchorID, key, text), AnchorID: anchorID, Key: key,
		Title: title, Text: text, Visibility: visibility, Pinned: pinned,
		ExpiryDate: expiryDate, CreatedAtMs: nowMs,
	}
	if card.Visibility == "" {
		card.Visibility = domain.VisibilityDraft
	}
	if found {
		if err := markSuperseded(tx, workspace, existing.CardID, card.CardID); err != nil {
			return domain.KnowledgeCard{}, false, err
		}
	}
	if err := insertCard(tx, workspace, card); err != nil {
		return domain.KnowledgeCard{}, false, err
	}
	if err := setIndexHead(tx, workspace, anchorID, key, card.CardID); err != nil {
		return domain.KnowledgeCard{}, false, err
	}

	payload, _ := json.Marshal(map[string]string{"anchor_id": anchorID, "key": key, "card_id": card.CardID, "step_id": stepID})
	eventID := ids.EventID(workspace, "knowledge_upsert", payload, card.CardID)
	if _, _, err := eventlog.Append(tx, eventlog.Event{
		Workspace: workspace, EventID: eventID, TsMs: nowMs, Type: "knowledge_upsert", Path: stepID, Payload: payload,
	}); err != nil {
		return domain.KnowledgeCard{}, false, err
	}
	return card, true, nil
}

func contentHash(anchorID, key, text string) string {
	h := sha256.Sum256([]byte(anchorID + "\x00" + key + "\x00" + text))
	return hex.EncodeToString(h[:8])
}

func latestCard(q querier, workspace, anchorID, key string) (domain.KnowledgeCard, bool, error) {
	var cardID string
	err := q.QueryRow(`SELECT card_id FROM knowledge_index WHERE workspace = ? AND anchor_id = ? AND key = ?`, workspace, anchorID, key).Scan(&cardID)
	if err == sql.ErrNoRows {
		return domain.KnowledgeCard{}, false, nil
	}
	if err != nil {
		return domain.KnowledgeCard{}, false, fmt.Errorf("knowledge: latest card: %w", err)
	}
	c, err := GetCard(q, workspace, cardID)
	return c, true, err
}

// GetCard loads one card by its card_id.
func GetCard(q querier, workspace, cardID string) (domain.KnowledgeCard, error) {
	var c domain.KnowledgeCard
	var pinnedInt int
	err := q.QueryRow(
		`SELECT card_id, anchor_id, key, title, text, visibility, pinned, expiry_date, created_at_ms, superseded_by
		 FROM knowledge_cards WHERE workspace = ? AND card_id = ?`, workspace, cardID,
	).Scan(&c.CardID, &c.AnchorID, &c.Key, &c.Title, &c.Text, &c.Visibility, &pinnedInt, &c.ExpiryDate, &c.CreatedAtMs, &c.SupersededBy)
	if err != nil {
		return domain.KnowledgeCard{}, fmt.Errorf("knowledge: get card: %w", err)
	}
	c.Pinned = pinnedInt != 0
	return c, nil
}

func insertCard(tx *store.Tx, workspace string, c domain.KnowledgeCard) error {
	_, err := tx.SQL().Exec(
		`INSERT INTO knowledge_cards(workspace, card_id, anchor_id, key, title, text, visibility, pinned, expiry_date, created_at_ms, superseded_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
		workspace, c.CardID, c.AnchorID, c.Key, c.Title, c.Text, c.Visibility, boolToInt(c.Pinned), c.ExpiryDate, c.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("knowledge: insert card: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func markSuperseded(tx *store.Tx, workspace, oldCardID, newCardID string) error {
	_, err := tx.SQL().Exec(`UPDATE knowledge_cards SET superseded_by = ? WHERE workspace = ? AND card_id = ?`, newCardID, workspace, oldCardID)
	if err != nil {
		return fmt.Errorf("knowledge: mark superseded: %w", err)
	}
	return nil
}

func setIndexHead(tx *store.Tx, workspace, anchorID, key, cardID string) error {
	_, err := tx.SQL().Exec(
		`INSERT INTO knowledge_index(workspace, anchor_id, key, card_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(workspace, anchor_id, key) DO UPDATE SET card_id = excluded.card_id`,
		workspace, anchorID, key, cardID,
	)
	if err != nil {
		return fmt.Errorf("knowledge: set index head: %w", err)
	}
	return nil
}

// Recall returns the latest cards for anchorID, recency-first and bounded
// (spec.md §4.5 "Recall is anchor-indexed, recency-first, bounded").
func Recall(db *sql.DB, workspace, anchorID string, limit int) ([]domain.KnowledgeCard, bool, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(
		`SELECT kc.card_id FROM knowledge_index ki
		 JOIN knowledge_cards kc ON kc.workspace = ki.workspace AND kc.card_id = ki.card_id
		 WHERE ki.workspace = ? AND ki.anchor_id = ?
		 ORDER BY kc.created_at_ms DESC, ki.key ASC LIMIT ?`,
		workspace, anchorID, limit+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("knowledge: recall: %w", err)
	}
	defer rows.Close()

	var cardIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, false, err
		}
		cardIDs = append(cardIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	truncated := len(cardIDs) > limit
	if truncated {
		cardIDs = cardIDs[:limit]
	}
	var out []domain.KnowledgeCard
	for _, id := range cardIDs {
		c, err := GetCard(db, workspace, id)
		if err != nil {
			return nil, false, err
		}
		out = append(out, c)
	}
	return out, truncated, nil
}

// LintIssue is one deterministic finding from Lint.
type LintIssue struct {
	Code      string
	AnchorID  string
	Key       string
	OtherKey  string
	Evidence  string
	Suggested string
}

// Lint codes (spec.md §4.5 "deterministic issue codes").
const (
	LintDuplicateSameAnchor = "KNOWLEDGE_DUPLICATE_SAME_ANCHOR"
	LintDuplicateCrossAnchor = "KNOWLEDGE_DUPLICATE_CROSS_ANCHOR"
	LintOverloadedKey        = "KNOWLEDGE_OVERLOADED_KEY"
)

// Lint scans current index heads for duplicate content within and across
// anchors, and keys whose card count suggests they are overloaded,
// returning deterministic (anchor, key)-ordered issues.
func Lint(db *sql.DB, workspace string) ([]LintIssue, error) {
	rows, err := db.Query(
		`SELECT ki.anchor_id, ki.key, kc.text FROM knowledge_index ki
		 JOIN knowledge_cards kc ON kc.workspace = ki.workspace AND kc.card_id = ki.card_id
		 WHERE ki.workspace = ? ORDER BY ki.anchor_id ASC, ki.key ASC`,
		workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("knowledge: lint scan: %w", err)
	}
	defer rows.Close()

	type entry struct{ anchorID, key, text string }
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.anchorID, &e.key, &e.text); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var issues []LintIssue
	textSeen := map[string][]entry{}
	keyCounts := map[string]int{}
	for _, e := range entries {
		textSeen[e.text] = append(textSeen[e.text], e)
		keyCounts[e.key]++
	}

	for text, group := range textSeen {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if group[i].anchorID != group[j].anchorID {
				return group[i].anchorID < group[j].anchorID
			}
			return group[i].key < group[j].key
		})
		_ = text
		for i := 1; i < len(group); i++ {
			code := LintDuplicateCrossAnchor
			if group[i].anchorID == group[0].anchorID {
				code = LintDuplicateSameAnchor
			}
			issues = append(issues, LintIssue{
				Code: code, AnchorID: group[i].anchorID, Key: group[i].key,
				OtherKey: group[0].anchorID + "/" + group[0].key,
				Evidence:  fmt.Sprintf("identical text to %s/%s", group[0].anchorID, group[0].key),
				Suggested: "anchor.merge or retire the duplicate key",
			})
		}
	}

	var overloadedKeys []string
	for k, n := range keyCounts {
		if n >= 5 {
			overloadedKeys = append(overloadedKeys, k)
		}
	}
	sort.Strings(overloadedKeys)
	for _, k := range overloadedKeys {
		issues = append(issues, LintIssue{
			Code: LintOverloadedKey, Key: k,
			Evidence:  fmt.Sprintf("%d anchors share key %q", keyCounts[k], k),
			Suggested: "split into anchor-specific keys",
		})
	}

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Code != issues[j].Code {
			return issues[i].Code < issues[j].Code
		}
		if issues[i].AnchorID != issues[j].AnchorID {
			return issues[i].AnchorID < issues[j].AnchorID
		}
		return issues[i].Key < issues[j].Key
	})
	return issues, nil
}
