package match

import (
	"context"
	"strings"

	"github.com/idxr-io/idxr/internal/model"
)

// ExactMatcher (M1) reports per-field exact equality over the three
// strongest identifiers: taxpayer ID, date of birth, and full name.
// Confidence is the matched-field count over three, so a full triple
// scores 1.0 before the ensemble clamp.
type ExactMatcher struct{}

// NewExact creates the exact matcher.
func NewExact() ExactMatcher { return ExactMatcher{} }

// Name implements Matcher.
func (ExactMatcher) Name() model.MatchType { return model.MatchExact }

// Match implements Matcher.
func (ExactMatcher) Match(ctx context.Context, q model.Identity, candidates []model.StoredIdentity) ([]model.MatchCandidate, []Diagnostic) {
	var out []model.MatchCandidate
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return out, []Diagnostic{{Matcher: model.MatchExact, Message: err.Error()}}
		}
		var fields []string
		if q.TaxID != "" && q.TaxID == c.Normalized.TaxID {
			fields = append(fields, "ssn")
		}
		if q.DOB != "" && q.DOB == c.Normalized.DOB {
			fields = append(fields, "dob")
		}
		if qn := q.FullName(); qn != "" && strings.EqualFold(qn, c.Normalized.FullName()) {
			fields = append(fields, "name")
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, model.MatchCandidate{
			IdentityKey:   c.IdentityKey,
			Confidence:    float64(len(fields)) / 3,
			MatchType:     model.MatchExact,
			MatchedFields: fields,
		})
	}
	return out, nil
}
