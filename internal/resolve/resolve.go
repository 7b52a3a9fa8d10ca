// Package resolve orchestrates one resolution request end to end:
// normalize, assess quality, fetch candidates, run the enabled
// matchers, combine with the ensemble, and assemble the result.
//
// The resolver owns no shared state beyond its injected ports; cache
// and rate limiting live above it, the candidate store below.
package resolve

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/idxr-io/idxr/internal/edgecase"
	"github.com/idxr-io/idxr/internal/match"
	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/normalize"
	"github.com/idxr-io/idxr/internal/quality"
	"github.com/idxr-io/idxr/internal/store"
	"github.com/idxr-io/idxr/internal/telemetry"
)

// Config tunes the resolver. Zero values fall back to the defaults
// noted per field.
type Config struct {
	Threshold       float64              // minimum surfaced confidence (0.85)
	AutoThreshold   float64              // exact-match short-circuit bar (0.95)
	MaxResults      int                  // result cap (10)
	CandidateLimit  int                  // candidate set bound (store default)
	ValidationDepth quality.Depth        // quality assessment depth (standard)
	Ensemble        match.EnsembleConfig // combiner parameters
}

func (c Config) withDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = 0.85
	}
	if c.AutoThreshold == 0 {
		c.AutoThreshold = 0.95
	}
	if c.MaxResults == 0 {
		c.MaxResults = 10
	}
	if c.ValidationDepth == "" {
		c.ValidationDepth = quality.DepthStandard
	}
	if len(c.Ensemble.Weights) == 0 {
		c.Ensemble = match.DefaultEnsembleConfig()
	}
	c.Ensemble.MaxResults = c.MaxResults
	return c
}

// Service is the resolver.
type Service struct {
	store    store.CandidateStore
	matchers []match.Matcher
	cfg      Config
	logger   *slog.Logger

	resolveDuration metric.Float64Histogram
	matcherDuration metric.Float64Histogram
	candidateCount  metric.Int64Histogram
}

// New wires a resolver. matchers is the enabled algorithm set in
// execution order; the exact matcher must come first for the
// short-circuit to apply.
func New(cs store.CandidateStore, matchers []match.Matcher, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("idxr/resolve")
	resolveDuration, _ := meter.Float64Histogram("idxr.resolve.duration",
		metric.WithDescription("End-to-end resolution latency"), metric.WithUnit("ms"))
	matcherDuration, _ := meter.Float64Histogram("idxr.resolve.matcher.duration",
		metric.WithDescription("Per-algorithm matching latency"), metric.WithUnit("ms"))
	candidateCount, _ := meter.Int64Histogram("idxr.resolve.candidates",
		metric.WithDescription("Candidate set size per resolution"))

	return &Service{
		store:           cs,
		matchers:        matchers,
		cfg:             cfg.withDefaults(),
		logger:          logger,
		resolveDuration: resolveDuration,
		matcherDuration: matcherDuration,
		candidateCount:  candidateCount,
	}
}

// DefaultMatchers returns the full shipped algorithm stack. scorer may
// be nil (semantic component disabled).
func DefaultMatchers(scorer match.SemanticScorer, logger *slog.Logger) []match.Matcher {
	return []match.Matcher{
		match.NewExact(),
		match.NewDeterministic(),
		match.NewProbabilistic(),
		match.NewFuzzy(),
		match.NewHybrid(scorer, logger),
	}
}

// Resolve runs the pipeline for one request. The returned result is
// always usable; the error is non-nil only for classified failures
// (invalid input, dependency unavailable) and mirrors result.Status.
func (s *Service) Resolve(ctx context.Context, req model.ResolveRequest) (model.MatchResult, error) {
	start := time.Now()
	res := model.MatchResult{RequestID: requestID(req), Status: model.StatusSuccess}

	finish := func() model.MatchResult {
		res.ProcessingTimeMS = time.Since(start).Milliseconds()
		s.resolveDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("status", string(res.Status))))
		return res
	}

	if err := req.Validate(); err != nil {
		res.Status = model.StatusError
		res.Error = err.Error()
		return finish(), err
	}

	// 1. Normalize. Issues are recorded as risk factors, never fatal.
	norm, issues := normalize.Record(req.Demographics)
	for _, is := range issues {
		res.RiskFactors = append(res.RiskFactors, is.Field+":"+is.Code)
	}

	// 2. Quality.
	rep := quality.Assess(norm, s.cfg.ValidationDepth)
	res.QualityScore = rep.Score
	res.QualityBucket = rep.Bucket

	// 3. Candidates.
	candidates, err := s.store.FindCandidates(ctx, norm, s.cfg.CandidateLimit)
	if err != nil {
		res.Status = model.StatusError
		werr := model.WrapError(model.ErrDependencyUnavailable, "candidate lookup failed", err)
		res.Error = werr.Error()
		return finish(), werr
	}
	s.candidateCount.Record(ctx, int64(len(candidates)))
	if len(candidates) == 0 {
		res.Status = model.StatusNoMatch
		return finish(), nil
	}

	// 4. Edge flags (advisory; feed the ensemble damper).
	res.EdgeFlags = edgecase.Detect(norm, candidates)

	// 5. Matchers, with the exact short-circuit.
	threshold := s.cfg.Threshold
	if req.Options.MatchThreshold > 0 {
		threshold = req.Options.MatchThreshold
	}
	maxResults := s.cfg.MaxResults
	if req.Options.MaxResults > 0 && req.Options.MaxResults < maxResults {
		maxResults = req.Options.MaxResults
	}

	var all []model.MatchCandidate
	var degraded bool
	for _, m := range s.matchers {
		mStart := time.Now()
		matches, diags := m.Match(ctx, norm, candidates)
		s.matcherDuration.Record(ctx, float64(time.Since(mStart).Milliseconds()),
			metric.WithAttributes(attribute.String("algorithm", string(m.Name()))))
		for _, d := range diags {
			degraded = true
			s.logger.Warn("resolve: matcher diagnostic", "algorithm", d.Matcher, "message", d.Message)
		}
		all = append(all, matches...)

		// A decisive exact identifier match wins outright unless the
		// request demands cross-algorithm corroboration.
		if m.Name() == model.MatchExact && !req.Options.RequireHighConfidence {
			if best := bestOf(matches); best != nil && best.Confidence >= s.cfg.AutoThreshold {
				res.Matches = []model.MatchCandidate{{
					IdentityKey:   best.IdentityKey,
					Confidence:    min(best.Confidence, 0.99),
					MatchType:     model.MatchEnsemble,
					MatchedFields: best.MatchedFields,
					Details: map[string]any{
						string(model.MatchExact): map[string]any{"confidence": best.Confidence},
						"auto_accepted":          true,
					},
				}}
				return finish(), nil
			}
		}
	}

	// 6. Ensemble.
	ecfg := s.cfg.Ensemble
	ecfg.MaxResults = maxResults
	if threshold > ecfg.MinConf {
		ecfg.MinConf = threshold
	}
	res.Matches = match.Ensemble(all, rep.Score, res.EdgeFlags, ecfg)

	switch {
	case len(res.Matches) == 0:
		res.Status = model.StatusNoMatch
	case degraded:
		res.Status = model.StatusPartial
	}
	return finish(), nil
}

func bestOf(matches []model.MatchCandidate) *model.MatchCandidate {
	var best *model.MatchCandidate
	for i := range matches {
		if best == nil || matches[i].Confidence > best.Confidence {
			best = &matches[i]
		}
	}
	return best
}

func requestID(req model.ResolveRequest) string {
	if req.TransactionID != "" {
		return req.TransactionID
	}
	return uuid.New().String()
}
