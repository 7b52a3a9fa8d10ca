package match

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/idxr-io/idxr/internal/model"
)

// SemanticScorer is the hybrid matcher's view of the vector index: a
// per-identity-key semantic similarity for the query, restricted to
// the candidate keys. Implemented by the semantic package; nil or
// failing scorers degrade the semantic component to zero.
type SemanticScorer interface {
	Scores(ctx context.Context, q model.Identity, keys []string) (map[string]float64, error)
}

// Component weights of the hybrid combination.
const (
	hybridWeightExact         = 0.4
	hybridWeightDeterministic = 0.3
	hybridWeightProbML        = 0.2
	hybridWeightSemantic      = 0.1
)

// HybridMatcher (M5) fans out the four base algorithms plus an
// optional semantic component and emits one candidate per surviving
// identity key with a component-weighted score.
type HybridMatcher struct {
	exact    ExactMatcher
	determ   DeterministicMatcher
	prob     ProbabilisticMatcher
	fuzzy    FuzzyMatcher
	semantic SemanticScorer
	logger   *slog.Logger
}

// NewHybrid creates the hybrid matcher. scorer may be nil, which
// disables the semantic component.
func NewHybrid(scorer SemanticScorer, logger *slog.Logger) *HybridMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridMatcher{semantic: scorer, logger: logger}
}

// Name implements Matcher.
func (*HybridMatcher) Name() model.MatchType { return model.MatchAIHybrid }

// Match implements Matcher.
func (h *HybridMatcher) Match(ctx context.Context, q model.Identity, candidates []model.StoredIdentity) ([]model.MatchCandidate, []Diagnostic) {
	type componentResult struct {
		weight  float64
		matches []model.MatchCandidate
	}

	var mu sync.Mutex
	results := make([]componentResult, 0, 4)
	var diags []Diagnostic
	semScores := make(map[string]float64)

	g, gctx := errgroup.WithContext(ctx)
	runComponent := func(m Matcher, weight float64) {
		g.Go(func() error {
			matches, d := m.Match(gctx, q, candidates)
			mu.Lock()
			results = append(results, componentResult{weight, matches})
			diags = append(diags, d...)
			mu.Unlock()
			return nil
		})
	}
	runComponent(h.exact, hybridWeightExact)
	runComponent(h.determ, hybridWeightDeterministic)
	runComponent(h.prob, hybridWeightProbML)
	// Fuzzy shares the probabilistic/ML slot: the stronger of the two
	// fills it per identity key.
	runComponent(h.fuzzy, hybridWeightProbML)

	if h.semantic != nil {
		keys := make([]string, len(candidates))
		for i, c := range candidates {
			keys[i] = c.IdentityKey
		}
		g.Go(func() error {
			scores, err := h.semantic.Scores(gctx, q, keys)
			if err != nil {
				// Degraded mode: semantic contributes zero.
				h.logger.Warn("match: semantic scorer failed, degrading", "error", err)
				mu.Lock()
				diags = append(diags, Diagnostic{Matcher: model.MatchAIHybrid, Message: "semantic component degraded: " + err.Error()})
				mu.Unlock()
				return nil
			}
			mu.Lock()
			for k, s := range scores {
				semScores[k] = s
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	type agg struct {
		num, den float64
		fields   map[string]bool
		perAlgo  map[string]float64
	}
	byKey := make(map[string]*agg)
	get := func(key string) *agg {
		a, ok := byKey[key]
		if !ok {
			a = &agg{fields: make(map[string]bool), perAlgo: make(map[string]float64)}
			byKey[key] = a
		}
		return a
	}

	for _, r := range results {
		for _, m := range r.matches {
			a := get(m.IdentityKey)
			slot := componentSlot(m.MatchType)
			// Keep the strongest contribution per component slot, so
			// probabilistic and fuzzy compete for the ML slot instead
			// of double-counting it.
			if prev, ok := a.perAlgo[slot]; !ok || m.Confidence > prev {
				if ok {
					a.num -= r.weight * prev
					a.den -= r.weight
				}
				a.perAlgo[slot] = m.Confidence
				a.num += r.weight * m.Confidence
				a.den += r.weight
			}
			for _, f := range m.MatchedFields {
				a.fields[f] = true
			}
		}
	}
	for key, s := range semScores {
		if a, ok := byKey[key]; ok && s > 0 {
			a.perAlgo["semantic"] = s
			a.num += hybridWeightSemantic * s
			a.den += hybridWeightSemantic
		}
	}

	out := make([]model.MatchCandidate, 0, len(byKey))
	for key, a := range byKey {
		if a.den == 0 {
			continue
		}
		fields := make([]string, 0, len(a.fields))
		for f := range a.fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		out = append(out, model.MatchCandidate{
			IdentityKey:   key,
			Confidence:    capConf(a.num / a.den),
			MatchType:     model.MatchAIHybrid,
			MatchedFields: fields,
			Details:       map[string]any{"components": a.perAlgo},
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].IdentityKey < out[j].IdentityKey
	})
	return out, diags
}

// componentSlot maps an algorithm to its hybrid weight slot.
func componentSlot(t model.MatchType) string {
	switch t {
	case model.MatchProbabilistic, model.MatchFuzzy:
		return "ml"
	default:
		return string(t)
	}
}
