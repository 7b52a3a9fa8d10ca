// Package match implements the candidate scoring stack: the five
// matching algorithms (exact, deterministic rule-based, probabilistic,
// fuzzy, hybrid) and the ensemble combiner that merges their outputs
// into one ranked list.
//
// Matchers are stateless and pure with respect to their inputs; a
// matcher that fails returns an empty slice plus a diagnostic rather
// than an error, so one broken algorithm never aborts a resolution.
package match

import (
	"context"

	"github.com/idxr-io/idxr/internal/model"
)

// Matcher scores a normalized query against a candidate set.
type Matcher interface {
	// Name identifies the algorithm in config, weights, and diagnostics.
	Name() model.MatchType

	// Match returns zero or more scored candidates and any diagnostics
	// produced along the way. Diagnostics are advisory; an algorithm
	// that cannot run contributes nothing and says why.
	Match(ctx context.Context, q model.Identity, candidates []model.StoredIdentity) ([]model.MatchCandidate, []Diagnostic)
}

// Diagnostic records a non-fatal problem inside a matcher.
type Diagnostic struct {
	Matcher model.MatchType `json:"matcher"`
	Message string          `json:"message"`
}

// Thresholds the algorithms apply before the ensemble sees anything.
const (
	deterministicMin = 0.6  // M2: minimum rule sum to emit
	probabilisticMin = 0.75 // M3: minimum weighted similarity to emit
	fuzzyMinScore    = 80.0 // M4: accept threshold on the 0..100 scale
	fuzzyCap         = 0.85 // M4: composite confidence ceiling
	confidenceCap    = 0.99 // reserved headroom below single-algorithm 1.0
)

func capConf(c float64) float64 {
	if c > confidenceCap {
		return confidenceCap
	}
	if c < 0 {
		return 0
	}
	return c
}
