// Package tableselect maps a free-text question onto one of the known data
// tables when the caller's hint is imprecise or absent.
package tableselect

import (
	"context"
	"log/slog"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
)

// The two thresholds are deliberate policy values carried over from the
// production tuning of the heuristic: the whole-question gate keeps obviously
// unrelated questions on the caller's default, the word-level threshold
// decides when a single typo'd word ("sers") is close enough to a table name
// ("users") to override it.
const (
	// partialRatioGate is the minimum whole-question partial-ratio score
	// required before word-level refinement runs.
	partialRatioGate = 70
	// wordRatioThreshold is the minimum best single-word ratio score
	// required to override the caller-supplied default.
	wordRatioThreshold = 60
)

// Prober is the minimal existence check against the data store.
type Prober interface {
	ProbeExists(ctx context.Context, table string) error
}

// Selector chooses tables from a fixed, ordered candidate list.
type Selector struct {
	known  []string
	prober Prober // optional
}

// New constructs a selector. prober may be nil to skip the existence check.
func New(known []string, prober Prober) *Selector {
	return &Selector{
		known:  append([]string(nil), known...),
		prober: prober,
	}
}

// Select returns the best-matching known table name for the question, or
// defaultTable when nothing matches confidently enough. Selection always
// returns a name; whether that table actually holds data is validated by the
// downstream query step.
func (s *Selector) Select(ctx context.Context, question, defaultTable string) string {
	selected := s.match(question, defaultTable)

	// Best-effort existence probe. Its outcome is deliberately ignored:
	// selection must stay pure and total, and a dead table produces a
	// diagnostic in the query step instead.
	if s.prober != nil {
		if err := s.prober.ProbeExists(ctx, selected); err != nil {
			slog.Debug("selected table failed existence probe", "table", selected, "err", err)
		}
	}

	return selected
}

func (s *Selector) match(question, defaultTable string) string {
	q := strings.ToLower(question)

	// Exact substring fast path, first match in priority order wins.
	for _, table := range s.known {
		if strings.Contains(q, table) {
			return table
		}
	}

	// Stage one: gate on the whole question. Partial-ratio is forgiving
	// about surrounding words, so a high score only means "worth a closer
	// look".
	best := 0
	for _, table := range s.known {
		if score := fuzzy.PartialRatio(q, table); score > best {
			best = score
		}
	}
	if best <= partialRatioGate {
		return defaultTable
	}

	// Stage two: score each table against individual words with the strict
	// ratio, so "sers" pulls in "users" but "list" does not. First table
	// reaching the maximum wins.
	words := strings.Fields(q)
	highestScore := 0
	bestTable := defaultTable
	for _, table := range s.known {
		for _, word := range words {
			if score := fuzzy.Ratio(table, word); score > highestScore {
				highestScore = score
				bestTable = table
			}
		}
	}

	if highestScore > wordRatioThreshold {
		return bestTable
	}
	return defaultTable
}
