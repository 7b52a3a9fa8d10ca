package config

import (
	"strings"
	"testing"
	"time"

	"github.com/idxr-io/idxr/internal/model"
)

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.MatchThreshold != 0.85 {
		t.Fatalf("expected default threshold 0.85, got %v", cfg.MatchThreshold)
	}
	if cfg.MatchAutoThreshold != 0.95 {
		t.Fatalf("expected default auto threshold 0.95, got %v", cfg.MatchAutoThreshold)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Fatalf("expected default cache TTL 5m, got %s", cfg.CacheTTL)
	}
	if cfg.MatchAlgorithms != nil {
		t.Fatalf("expected no algorithm filter by default, got %v", cfg.MatchAlgorithms)
	}
	if cfg.MatchWeights != nil {
		t.Fatalf("expected no weight overrides by default, got %v", cfg.MatchWeights)
	}
}

func TestLoadParsesAlgorithms(t *testing.T) {
	t.Setenv("IDXR_MATCH_ALGORITHMS", "exact, fuzzy")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.MatchAlgorithms) != 2 {
		t.Fatalf("expected 2 algorithms, got %v", cfg.MatchAlgorithms)
	}
	if cfg.MatchAlgorithms[0] != model.MatchExact || cfg.MatchAlgorithms[1] != model.MatchFuzzy {
		t.Fatalf("unexpected algorithms: %v", cfg.MatchAlgorithms)
	}
}

func TestLoadRejectsUnknownAlgorithm(t *testing.T) {
	t.Setenv("IDXR_MATCH_ALGORITHMS", "exact,psychic")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
	if !strings.Contains(err.Error(), "psychic") {
		t.Fatalf("error should name the bad algorithm, got: %v", err)
	}
}

func TestLoadParsesWeights(t *testing.T) {
	t.Setenv("IDXR_MATCH_WEIGHT_EXACT", "0.5")
	t.Setenv("IDXR_MATCH_WEIGHT_DETERMINISTIC", "0.2")
	t.Setenv("IDXR_MATCH_WEIGHT_PROBABILISTIC", "0.15")
	t.Setenv("IDXR_MATCH_WEIGHT_FUZZY", "0.05")
	t.Setenv("IDXR_MATCH_WEIGHT_AI_HYBRID", "0.1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.MatchWeights[model.MatchExact]; got != 0.5 {
		t.Fatalf("expected exact weight 0.5, got %v", got)
	}
}

func TestLoadRejectsUnknownWeightKey(t *testing.T) {
	t.Setenv("IDXR_MATCH_WEIGHT_TAROT", "1.0")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for unknown weight key")
	}
	if !strings.Contains(err.Error(), "IDXR_MATCH_WEIGHT_TAROT") {
		t.Fatalf("error should name the bad key, got: %v", err)
	}
}

func TestLoadRejectsWeightsNotSummingToOne(t *testing.T) {
	t.Setenv("IDXR_MATCH_WEIGHT_EXACT", "0.5")
	t.Setenv("IDXR_MATCH_WEIGHT_FUZZY", "0.3")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for weights summing to 0.8")
	}
}

func TestValidateThresholdBounds(t *testing.T) {
	t.Setenv("IDXR_MATCH_THRESHOLD", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for threshold above 1")
	}
}

func TestValidateAutoThresholdBelowThreshold(t *testing.T) {
	t.Setenv("IDXR_MATCH_THRESHOLD", "0.9")
	t.Setenv("IDXR_MATCH_AUTO_THRESHOLD", "0.8")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for auto threshold below threshold")
	}
}

func TestEnvDurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("IDXR_CACHE_TTL", "300")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CacheTTL != 300*time.Second {
		t.Fatalf("expected 300s, got %s", cfg.CacheTTL)
	}
}

func TestEnvDurationAcceptsGoSyntax(t *testing.T) {
	t.Setenv("IDXR_REQUEST_TIMEOUT", "45s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RequestTimeout != 45*time.Second {
		t.Fatalf("expected 45s, got %s", cfg.RequestTimeout)
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a, b ,, c ")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected split: %v", got)
	}
	if splitCSV("") != nil {
		t.Fatal("expected nil for empty input")
	}
}
