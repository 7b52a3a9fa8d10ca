package match

import (
	"context"

	"github.com/idxr-io/idxr/internal/model"
)

// FuzzyMatcher (M4) runs the same field set as the probabilistic
// matcher but with edit-distance-oriented comparators throughout, an
// accept threshold on the 0..100 scale, and a hard confidence ceiling:
// fuzzy evidence alone is never allowed to look certain.
type FuzzyMatcher struct{}

// NewFuzzy creates the fuzzy matcher.
func NewFuzzy() FuzzyMatcher { return FuzzyMatcher{} }

// Name implements Matcher.
func (FuzzyMatcher) Name() model.MatchType { return model.MatchFuzzy }

// Match implements Matcher.
func (FuzzyMatcher) Match(ctx context.Context, q model.Identity, candidates []model.StoredIdentity) ([]model.MatchCandidate, []Diagnostic) {
	var out []model.MatchCandidate
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return out, []Diagnostic{{Matcher: model.MatchFuzzy, Message: err.Error()}}
		}
		sim, fields, detail := fieldScores(q, c.Normalized, true)
		score := sim * 100
		if score < fuzzyMinScore {
			continue
		}
		out = append(out, model.MatchCandidate{
			IdentityKey:   c.IdentityKey,
			Confidence:    score / 100 * fuzzyCap,
			MatchType:     model.MatchFuzzy,
			MatchedFields: fields,
			Details:       detail,
		})
	}
	return out, nil
}
