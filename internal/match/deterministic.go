package match

import (
	"context"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/similarity"
)

// Rule identifiers recorded in match details when a deterministic rule
// fires.
const (
	RuleTaxSuffixDOB  = "tax_suffix_and_dob"
	RuleNameAddress   = "name_and_address"
	RulePhoneEmail    = "phone_and_email"
)

// DeterministicMatcher (M2) evaluates a fixed rule catalogue with
// additive scores. A candidate is emitted when the rule sum clears the
// floor; the fired rules are preserved in the details map.
type DeterministicMatcher struct{}

// NewDeterministic creates the rule-based matcher.
func NewDeterministic() DeterministicMatcher { return DeterministicMatcher{} }

// Name implements Matcher.
func (DeterministicMatcher) Name() model.MatchType { return model.MatchDeterministic }

// Match implements Matcher.
func (DeterministicMatcher) Match(ctx context.Context, q model.Identity, candidates []model.StoredIdentity) ([]model.MatchCandidate, []Diagnostic) {
	var out []model.MatchCandidate
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return out, []Diagnostic{{Matcher: model.MatchDeterministic, Message: err.Error()}}
		}

		var sum float64
		var fired []string
		var fields []string

		// R1: taxpayer suffix and date of birth both match.
		if similarity.TaxIDSuffix(taxSuffix(q), taxSuffix(c.Normalized)) == 1 &&
			q.DOB != "" && q.DOB == c.Normalized.DOB {
			sum += 0.8
			fired = append(fired, RuleTaxSuffixDOB)
			fields = append(fields, "ssn_last4", "dob")
		}

		// R2: near-exact name with near-exact address.
		if similarity.Name(q, c.Normalized) > 0.95 &&
			similarity.Address(q.Address, c.Normalized.Address) > 0.9 {
			sum += 0.75
			fired = append(fired, RuleNameAddress)
			fields = append(fields, "name", "address")
		}

		// R3: matching contact channels.
		if similarity.Phone(q.Phone, c.Normalized.Phone) > 0.9 &&
			similarity.Email(q.Email, c.Normalized.Email) > 0.9 {
			sum += 0.7
			fired = append(fired, RulePhoneEmail)
			fields = append(fields, "phone", "email")
		}

		if sum < deterministicMin {
			continue
		}
		out = append(out, model.MatchCandidate{
			IdentityKey:   c.IdentityKey,
			Confidence:    capConf(sum),
			MatchType:     model.MatchDeterministic,
			MatchedFields: fields,
			Details:       map[string]any{"rules_fired": fired},
		})
	}
	return out, nil
}

// taxSuffix returns the best available four-digit taxpayer suffix.
func taxSuffix(id model.Identity) string {
	if len(id.TaxID) == 9 {
		return id.TaxID[5:]
	}
	return id.TaxIDLast4
}
