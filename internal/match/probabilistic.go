package match

import (
	"context"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/similarity"
)

// probabilisticWeights are the per-field weights of the weighted-mean
// combination. Only fields present on both sides contribute; the
// denominator is the weight sum of the contributing fields.
var probabilisticWeights = map[string]float64{
	"first_name": 0.15,
	"last_name":  0.20,
	"dob":        0.25,
	"ssn_last4":  0.15,
	"address":    0.10,
	"phone":      0.10,
	"email":      0.05,
}

// ProbabilisticMatcher (M3) combines kernel similarities over every
// overlapping field with configured weights.
type ProbabilisticMatcher struct{}

// NewProbabilistic creates the probabilistic matcher.
func NewProbabilistic() ProbabilisticMatcher { return ProbabilisticMatcher{} }

// Name implements Matcher.
func (ProbabilisticMatcher) Name() model.MatchType { return model.MatchProbabilistic }

// Match implements Matcher.
func (ProbabilisticMatcher) Match(ctx context.Context, q model.Identity, candidates []model.StoredIdentity) ([]model.MatchCandidate, []Diagnostic) {
	var out []model.MatchCandidate
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return out, []Diagnostic{{Matcher: model.MatchProbabilistic, Message: err.Error()}}
		}
		conf, fields, detail := fieldScores(q, c.Normalized, false)
		if conf < probabilisticMin {
			continue
		}
		out = append(out, model.MatchCandidate{
			IdentityKey:   c.IdentityKey,
			Confidence:    capConf(conf),
			MatchType:     model.MatchProbabilistic,
			MatchedFields: fields,
			Details:       detail,
		})
	}
	return out, nil
}

// fieldSim is one field's contribution to the weighted mean. ok is
// false when the field is absent on either side, in which case the
// field drops out of both numerator and denominator.
type fieldSim struct {
	name string
	sim  float64
	ok   bool
}

// fieldScores computes the weighted mean of field similarities over
// the fields present on both records. fuzzyMode swaps the exact-leaning
// comparators for edit-distance ones (shared by M3 and M4). The
// matched-field list carries fields whose similarity cleared 0.8.
func fieldScores(q, c model.Identity, fuzzyMode bool) (float64, []string, map[string]any) {
	sims := []fieldSim{
		textField("first_name", q.GivenName, c.GivenName, fuzzyMode),
		textField("last_name", q.Surname, c.Surname, fuzzyMode),
		dobField(q.DOB, c.DOB, fuzzyMode),
		{"ssn_last4", similarity.TaxIDSuffix(taxSuffix(q), taxSuffix(c)), taxSuffix(q) != "" && taxSuffix(c) != ""},
		{"address", similarity.Address(q.Address, c.Address), !q.Address.Empty() && !c.Address.Empty()},
		{"phone", similarity.Phone(q.Phone, c.Phone), q.Phone != "" && c.Phone != ""},
		{"email", similarity.Email(q.Email, c.Email), q.Email != "" && c.Email != ""},
	}

	var num, den float64
	var fields []string
	detail := make(map[string]any, len(sims))
	for _, f := range sims {
		if !f.ok {
			continue
		}
		w := probabilisticWeights[f.name]
		num += w * f.sim
		den += w
		detail[f.name] = f.sim
		if f.sim >= 0.8 {
			fields = append(fields, f.name)
		}
	}
	if den == 0 {
		return 0, nil, nil
	}
	return num / den, fields, detail
}

func textField(name, a, b string, fuzzyMode bool) fieldSim {
	f := fieldSim{name: name, ok: a != "" && b != ""}
	if !f.ok {
		return f
	}
	na, nb := model.NormalizeToken(a), model.NormalizeToken(b)
	if !fuzzyMode && na == nb {
		f.sim = 1
		return f
	}
	f.sim = similarity.Ratio(na, nb)
	return f
}

func dobField(a, b string, fuzzyMode bool) fieldSim {
	f := fieldSim{name: "dob", ok: a != "" && b != ""}
	if !f.ok {
		return f
	}
	if fuzzyMode {
		// Edit-oriented comparison tolerates digit transpositions the
		// calendar decay would punish as month-scale misses.
		f.sim = similarity.Ratio(a, b)
	} else {
		f.sim = similarity.DOB(a, b)
	}
	return f
}
