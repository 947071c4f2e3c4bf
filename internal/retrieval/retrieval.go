// Package retrieval implements the BM-L1 budgeted retrieval engine
// (spec.md §4.7): bounded, deterministic snapshot/radar/recall reads and
// the tag-light line renderer the portal adapter uses for budget_profile
// "portal" responses.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/branchmind/branchmind/internal/config"
	"github.com/branchmind/branchmind/internal/domain"
)

// Warning codes (spec.md §6 "Warnings").
const (
	WarnBudgetTruncated  = "BUDGET_TRUNCATED"
	WarnBudgetMinimal    = "BUDGET_MINIMAL"
	WarnBudgetMinClamped = "BUDGET_MIN_CLAMPED"
)

// Clamp resolves a caller-supplied limit/max_chars pair against a named
// budget profile, applying the profile's ceiling and never returning a
// floor below config.Budget.MinFields worth of content (testable
// property 7: "every response with budget ≥ minimum includes focus+ref+
// one action").
type Clamp struct {
	Limit     int
	MaxChars  int
	MinFields int
	Profile   string
}

// Resolve computes the effective (limit, maxChars) for a request, and
// whether the floor had to be clamped up to the minimum (BUDGET_MIN_CLAMPED).
func Resolve(b config.Budget, profile string, requestedLimit, requestedMaxChars int) (c Clamp, minClamped bool) {
	c.Profile = profile
	c.Limit = b.MaxLines
	if requestedLimit > 0 && requestedLimit < b.MaxLines {
		c.Limit = requestedLimit
	}
	c.MaxChars = b.MaxChars
	if requestedMaxChars > 0 && requestedMaxChars < b.MaxChars {
		c.MaxChars = requestedMaxChars
	}
	c.MinFields = b.MinFields
	if c.Limit < 1 {
		c.Limit = 1
		minClamped = true
	}
	if c.MaxChars < 120 {
		c.MaxChars = 120
		minClamped = true
	}
	return c, minClamped
}

// FanOut runs each named scan concurrently under an errgroup, bounded so
// one slow branch/graph scan cannot block the others inside one budgeted
// read (spec.md §3 retrieval/budget engine row). A failing scan cancels
// its siblings' context and is returned to the caller.
func FanOut(ctx context.Context, scans map[string]func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	// Deterministic dispatch order; the scans themselves still race, but
	// the dispatch sequence is reproducible for logging/tracing.
	names := make([]string, 0, len(scans))
	for name := range scans {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn := scans[name]
		g.Go(func() error {
			if err := fn(gctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// State is the minimal HUD capsule BM-L1 renders as its first line: a
// stable ref plus enough context to reorient an agent without a replay
// (spec.md §4.7 "the first line always includes a stable ref=<id>").
type State struct {
	Focus  string // e.g. "TASK-002" or ""
	Where  string // anchor id, or ""
	Ref    string // stable ref for this response
	Counts map[string]int
}

// Action is one deterministic, copy/paste-able next step.
type Action struct {
	Cmd  string
	Args string
}

// Render produces the BM-L1 text block: one state line, then action
// lines (primary first), then at most two warning lines and at most one
// error line (spec.md §4.7/§6).
func Render(state State, actions []Action, warnings []string, errCode, errMsg string) string {
	var b strings.Builder
	b.WriteString(renderState(state))
	for _, a := range actions {
		b.WriteByte('\n')
		b.WriteString(renderAction(a))
	}
	for i, w := range warnings {
		if i >= 2 {
			break
		}
		b.WriteByte('\n')
		b.WriteString("WARNING: ")
		b.WriteString(w)
	}
	if errCode != "" {
		b.WriteByte('\n')
		b.WriteString(fmt.Sprintf("ERROR: %s %s", errCode, errMsg))
	}
	return b.String()
}

func renderState(s State) string {
	var parts []string
	if s.Focus != "" {
		parts = append(parts, "focus="+s.Focus)
	}
	if s.Where != "" {
		parts = append(parts, "where="+s.Where)
	}
	parts = append(parts, "ref="+s.Ref)
	keys := make([]string, 0, len(s.Counts))
	for k := range s.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, s.Counts[k]))
	}
	return strings.Join(parts, " ")
}

func renderAction(a Action) string {
	if a.Args == "" {
		return a.Cmd
	}
	return a.Cmd + " " + a.Args
}

// More renders a MORE: continuation line for a truncated result (spec.md
// §4.7 "MORE: (continuation)").
func More(cursor string) string {
	return "MORE: cursor=" + cursor
}

// Reference renders a REFERENCE: line pointing at supplementary material
// outside the happy-path budget.
func Reference(what string) string {
	return "REFERENCE: " + what
}

// TruncateChars bounds s to maxChars, reporting whether it truncated.
func TruncateChars(s string, maxChars int) (string, bool) {
	if maxChars <= 0 || len(s) <= maxChars {
		return s, false
	}
	return s[:maxChars], true
}

// ConflictSummary renders a one-line summary for a domain.Conflict,
// used by vcs.conflicts under the portal budget.
func ConflictSummary(c domain.Conflict) string {
	return fmt.Sprintf("conflict=%s doc=%s keys=%d status=%s", c.ID, c.Doc, len(c.CandidateKeys), c.Status)
}
