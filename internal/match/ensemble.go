package match

import (
	"fmt"
	"math"
	"sort"

	"github.com/idxr-io/idxr/internal/model"
)

// Weights are the per-algorithm ensemble weights. They must sum to
// 1.0 within weightTolerance; Validate is called at config load.
type Weights map[model.MatchType]float64

const weightTolerance = 0.01

// DefaultWeights mirror the shipped algorithm mix.
func DefaultWeights() Weights {
	return Weights{
		model.MatchExact:         0.4,
		model.MatchDeterministic: 0.3,
		model.MatchProbabilistic: 0.15,
		model.MatchFuzzy:         0.05,
		model.MatchAIHybrid:      0.1,
	}
}

// Validate checks that the weights sum to one and name only known
// algorithms.
func (w Weights) Validate() error {
	var sum float64
	for t, v := range w {
		switch t {
		case model.MatchExact, model.MatchDeterministic, model.MatchProbabilistic,
			model.MatchFuzzy, model.MatchAIHybrid:
		default:
			return fmt.Errorf("match: unknown algorithm in weights: %q", t)
		}
		if v < 0 {
			return fmt.Errorf("match: negative weight for %q", t)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("match: ensemble weights sum to %.3f, want 1.0 ± %.2f", sum, weightTolerance)
	}
	return nil
}

// EnsembleConfig tunes the combiner.
type EnsembleConfig struct {
	Weights     Weights
	MinConf     float64 // drop floor after shaping (default 0.6)
	MaxResults  int     // result cap (default 10)
	EdgePenalty float64 // multiplier when edge flags present (default 0.9)
}

// DefaultEnsembleConfig returns the shipped combiner parameters.
func DefaultEnsembleConfig() EnsembleConfig {
	return EnsembleConfig{
		Weights:     DefaultWeights(),
		MinConf:     0.6,
		MaxResults:  10,
		EdgePenalty: 0.9,
	}
}

// Ensemble merges per-algorithm matches for the same identity key into
// one ranked list.
//
// The composite per key is the stronger of two readings of the
// evidence: the weighted mean over the full weight sum (cross-algorithm
// corroboration) and the best single-algorithm confidence (one decisive
// algorithm is not diluted by weaker co-matchers). Both decrease when a
// matcher is disabled, so dropping an algorithm can only re-weight
// downward, never upward. The composite is then shaped by quality
// (0.7 + 0.3·Q/100), damped by 0.9 when edge flags are present,
// clamped to [0, 0.99], floored at MinConf, and sorted by the total
// order confidence desc, matched-field count desc, identity key asc,
// truncated to MaxResults.
func Ensemble(all []model.MatchCandidate, qualityScore float64, edgeFlags []string, cfg EnsembleConfig) []model.MatchCandidate {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.EdgePenalty == 0 {
		cfg.EdgePenalty = 0.9
	}
	if len(cfg.Weights) == 0 {
		cfg.Weights = DefaultWeights()
	}
	var weightSum float64
	for _, w := range cfg.Weights {
		weightSum += w
	}
	if weightSum == 0 {
		return nil
	}

	type group struct {
		num    float64
		best   float64
		fields map[string]bool
		detail map[string]any
	}
	byKey := make(map[string]*group)
	for _, m := range all {
		w, enabled := cfg.Weights[m.MatchType]
		if !enabled {
			continue
		}
		g, ok := byKey[m.IdentityKey]
		if !ok {
			g = &group{fields: make(map[string]bool), detail: make(map[string]any)}
			byKey[m.IdentityKey] = g
		}
		g.num += w * m.Confidence
		if m.Confidence > g.best {
			g.best = m.Confidence
		}
		for _, f := range m.MatchedFields {
			g.fields[f] = true
		}
		g.detail[string(m.MatchType)] = map[string]any{
			"confidence": m.Confidence,
			"details":    m.Details,
		}
	}

	qualityShape := 0.7 + 0.3*qualityScore/100
	out := make([]model.MatchCandidate, 0, len(byKey))
	for key, g := range byKey {
		conf := g.num / weightSum
		if g.best > conf {
			conf = g.best
		}
		conf *= qualityShape
		if len(edgeFlags) > 0 {
			conf *= cfg.EdgePenalty
		}
		conf = capConf(conf)
		if conf < cfg.MinConf {
			continue
		}
		fields := make([]string, 0, len(g.fields))
		for f := range g.fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		out = append(out, model.MatchCandidate{
			IdentityKey:   key,
			Confidence:    conf,
			MatchType:     model.MatchEnsemble,
			MatchedFields: fields,
			Details:       g.detail,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if len(a.MatchedFields) != len(b.MatchedFields) {
			return len(a.MatchedFields) > len(b.MatchedFields)
		}
		return a.IdentityKey < b.IdentityKey
	})
	if len(out) > cfg.MaxResults {
		out = out[:cfg.MaxResults]
	}
	return out
}
