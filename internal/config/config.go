// Package config loads and validates application configuration from
// environment variables. All keys carry the IDXR_ prefix; a .env file
// is honored when present (loaded by the binary via godotenv).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/idxr-io/idxr/internal/match"
	"github.com/idxr-io/idxr/internal/model"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	RequestTimeout      time.Duration // Absolute per-request deadline.
	MaxRequestBodyBytes int64
	LogLevel            string

	// Matching settings.
	MatchThreshold     float64
	MatchAutoThreshold float64
	MatchMaxResults    int
	MatchAlgorithms    []model.MatchType // Enabled matchers; empty means all.
	MatchWeights       match.Weights     // Ensemble weight overrides; nil means defaults.

	// Cache settings.
	CacheTTL  time.Duration
	CacheSize int

	// Worker pool settings.
	PoolWorkers int
	PoolQueue   int

	// Rate gate settings.
	RateEnabled        bool
	RateGlobalLimit    int
	RateGlobalWindow   time.Duration
	RateGlobalBurst    int
	RateWhitelist      []string
	RateDetectPatterns bool

	// Database settings.
	DatabaseURL string // PgBouncer or direct Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.

	// Semantic index settings.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// Embedding provider settings.
	EmbeddingsProvider   string // "auto", "openai", "ollama", or "noop"
	EmbeddingsModel      string
	EmbeddingsDimensions int // Vector dimensions; must match the chosen model's output.
	OpenAIAPIKey         string
	OllamaURL            string
	OllamaModel          string
	EmbedPollInterval    time.Duration
	EmbedBatchSize       int

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Batch settings.
	BatchDir string

	// Audit settings.
	AuditBufferSize   int
	AuditFlushTimeout time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
}

// knownAlgorithms are the matcher names accepted in IDXR_MATCH_ALGORITHMS
// and IDXR_MATCH_WEIGHT_* keys.
var knownAlgorithms = map[string]model.MatchType{
	"exact":         model.MatchExact,
	"deterministic": model.MatchDeterministic,
	"probabilistic": model.MatchProbabilistic,
	"fuzzy":         model.MatchFuzzy,
	"ai_hybrid":     model.MatchAIHybrid,
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("IDXR_PORT", 8080),
		ReadTimeout:         envDuration("IDXR_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("IDXR_WRITE_TIMEOUT", 60*time.Second),
		RequestTimeout:      envDuration("IDXR_REQUEST_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(envInt("IDXR_MAX_REQUEST_BODY_BYTES", 4*1024*1024)),
		LogLevel:            envStr("IDXR_LOG_LEVEL", "info"),

		MatchThreshold:     envFloat("IDXR_MATCH_THRESHOLD", 0.85),
		MatchAutoThreshold: envFloat("IDXR_MATCH_AUTO_THRESHOLD", 0.95),
		MatchMaxResults:    envInt("IDXR_MATCH_MAX_RESULTS", 10),

		CacheTTL:  envDuration("IDXR_CACHE_TTL", 5*time.Minute),
		CacheSize: envInt("IDXR_CACHE_SIZE", 10000),

		PoolWorkers: envInt("IDXR_POOL_WORKERS", 4),
		PoolQueue:   envInt("IDXR_POOL_QUEUE", 1000),

		RateEnabled:        envBool("IDXR_RATE_ENABLED", true),
		RateGlobalLimit:    envInt("IDXR_RATE_GLOBAL_LIMIT", 0), // 0 disables the global scope
		RateGlobalWindow:   envDuration("IDXR_RATE_GLOBAL_WINDOW", time.Second),
		RateGlobalBurst:    envInt("IDXR_RATE_GLOBAL_BURST", 0),
		RateWhitelist:      splitCSV(envStr("IDXR_RATE_WHITELIST", "")),
		RateDetectPatterns: envBool("IDXR_RATE_DETECT_PATTERNS", true),

		DatabaseURL: envStr("IDXR_DATABASE_URL", ""),
		NotifyURL:   envStr("IDXR_NOTIFY_URL", ""),

		QdrantURL:        envStr("IDXR_QDRANT_URL", ""),
		QdrantAPIKey:     envStr("IDXR_QDRANT_API_KEY", ""),
		QdrantCollection: envStr("IDXR_QDRANT_COLLECTION", "idxr_identities"),

		EmbeddingsProvider:   envStr("IDXR_EMBEDDINGS_PROVIDER", "auto"),
		EmbeddingsModel:      envStr("IDXR_EMBEDDINGS_MODEL", "text-embedding-3-small"),
		EmbeddingsDimensions: envInt("IDXR_EMBEDDINGS_DIMENSIONS", 1536),
		OpenAIAPIKey:         envStr("OPENAI_API_KEY", ""),
		OllamaURL:            envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:          envStr("OLLAMA_MODEL", "mxbai-embed-large"),
		EmbedPollInterval:    envDuration("IDXR_EMBED_POLL_INTERVAL", 15*time.Second),
		EmbedBatchSize:       envInt("IDXR_EMBED_BATCH_SIZE", 100),

		JWTPrivateKeyPath: envStr("IDXR_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:  envStr("IDXR_JWT_PUBLIC_KEY", ""),
		JWTExpiration:     envDuration("IDXR_JWT_EXPIRATION", 24*time.Hour),

		BatchDir: envStr("IDXR_BATCH_DIR", "data/batch"),

		AuditBufferSize:   envInt("IDXR_AUDIT_BUFFER_SIZE", 500),
		AuditFlushTimeout: envDuration("IDXR_AUDIT_FLUSH_TIMEOUT", 5*time.Second),

		OTELEndpoint: envStr("IDXR_OTEL_ENDPOINT", envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")),
		OTELInsecure: envBool("IDXR_OTEL_INSECURE", true),
		ServiceName:  envStr("IDXR_OTEL_SERVICE_NAME", "idxr"),
	}

	algorithms, err := parseAlgorithms(envStr("IDXR_MATCH_ALGORITHMS", ""))
	if err != nil {
		return Config{}, err
	}
	cfg.MatchAlgorithms = algorithms

	weights, err := parseWeights(os.Environ())
	if err != nil {
		return Config{}, err
	}
	cfg.MatchWeights = weights

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c Config) Validate() error {
	if c.MatchThreshold < 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("config: IDXR_MATCH_THRESHOLD must be in [0,1], got %v", c.MatchThreshold)
	}
	if c.MatchAutoThreshold < c.MatchThreshold || c.MatchAutoThreshold > 1 {
		return fmt.Errorf("config: IDXR_MATCH_AUTO_THRESHOLD must be in [threshold,1], got %v", c.MatchAutoThreshold)
	}
	if c.MatchMaxResults <= 0 {
		return fmt.Errorf("config: IDXR_MATCH_MAX_RESULTS must be positive")
	}
	if c.PoolWorkers <= 0 {
		return fmt.Errorf("config: IDXR_POOL_WORKERS must be positive")
	}
	if c.PoolQueue <= 0 {
		return fmt.Errorf("config: IDXR_POOL_QUEUE must be positive")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("config: IDXR_CACHE_SIZE must be positive")
	}
	if c.EmbeddingsDimensions <= 0 {
		return fmt.Errorf("config: IDXR_EMBEDDINGS_DIMENSIONS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: IDXR_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.MatchWeights != nil {
		if err := c.MatchWeights.Validate(); err != nil {
			return fmt.Errorf("config: IDXR_MATCH_WEIGHT_*: %w", err)
		}
	}
	return nil
}

// parseAlgorithms parses the comma-separated matcher list. Unknown
// names are errors, not silently dropped.
func parseAlgorithms(csv string) ([]model.MatchType, error) {
	names := splitCSV(csv)
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]model.MatchType, 0, len(names))
	for _, name := range names {
		mt, ok := knownAlgorithms[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("config: IDXR_MATCH_ALGORITHMS: unknown algorithm %q", name)
		}
		out = append(out, mt)
	}
	return out, nil
}

// parseWeights scans the environment for IDXR_MATCH_WEIGHT_<ALGO> keys.
// Returns nil when none are set so callers fall back to defaults.
func parseWeights(environ []string) (match.Weights, error) {
	const prefix = "IDXR_MATCH_WEIGHT_"
	var weights match.Weights
	for _, kv := range environ {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		key, value, _ := strings.Cut(kv, "=")
		name := strings.ToLower(strings.TrimPrefix(key, prefix))
		mt, ok := knownAlgorithms[name]
		if !ok {
			return nil, fmt.Errorf("config: unknown weight key %s", key)
		}
		w, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("config: %s: invalid weight %q", key, value)
		}
		if weights == nil {
			weights = match.Weights{}
		}
		weights[mt] = w
	}
	return weights, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envDuration accepts Go duration strings; bare integers are read as
// seconds so IDXR_CACHE_TTL=300 works.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
