// Package ids generates the stable identifiers used across BranchMind's
// domain model: workspace-scoped counters for plans/tasks, short random
// hex ids for steps/cards/jobs, slugs for anchors, and content-derived
// event ids so that re-applying the same mutation is a provable no-op.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Plan formats a plan id from a workspace-scoped monotonic counter.
func Plan(n int64) string { return fmt.Sprintf("PLAN-%03d", n) }

// Task formats a task id from a workspace-scoped monotonic counter.
func Task(n int64) string { return fmt.Sprintf("TASK-%03d", n) }

// Step returns a short random hex id for a step.
func Step() string { return "STEP-" + randomHex(6) }

// Card returns a short random hex id for a knowledge card version.
func Card() string { return "CARD-" + randomHex(6) }

// Job returns a short random hex id for a delegation job.
func Job() string { return "JOB-" + randomHex(6) }

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read on the standard reader only fails if the OS
		// entropy source is broken; there is nothing sensible to do but
		// fall back to a fixed, clearly-non-random marker so callers
		// still get a well-formed id instead of a panic.
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(b)
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Anchor slugifies a title into a stable "a:<slug>" anchor id.
func Anchor(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugInvalid.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "anchor"
	}
	return "a:" + s
}

// EventID derives a content-addressed event id so that re-submitting the
// identical (workspace, type, payload) mutation under the same dedup salt
// always yields the same id — the basis for idempotent event ingestion
// (spec invariant: re-applying the same event_id is a no-op).
func EventID(workspace, eventType string, payload []byte, dedupSalt string) string {
	h := sha256.New()
	h.Write([]byte(workspace))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(payload)
	h.Write([]byte{0})
	h.Write([]byte(dedupSalt))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// GraphSourceEventID combines an event id with a graph-local key so that
// multiple graph ops emitted by the same event (e.g. a task node upsert
// plus a contains edge) each get their own dedup identity.
func GraphSourceEventID(eventID, graphKey string) string {
	return eventID + "⊕" + graphKey
}
