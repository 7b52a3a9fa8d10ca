// Package idxr is the public API for embedding the identity
// cross-resolution engine.
//
// Consumers import this package to construct and run the server
// without forking it:
//
//	app, err := idxr.New(
//	    idxr.WithVersion(version),
//	    idxr.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: idxr (root)
// imports internal/*, but internal/* never imports idxr (root).
package idxr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/idxr-io/idxr/internal/audit"
	"github.com/idxr-io/idxr/internal/auth"
	"github.com/idxr-io/idxr/internal/batch"
	"github.com/idxr-io/idxr/internal/cache"
	"github.com/idxr-io/idxr/internal/config"
	"github.com/idxr-io/idxr/internal/household"
	"github.com/idxr-io/idxr/internal/match"
	"github.com/idxr-io/idxr/internal/mcp"
	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/pool"
	"github.com/idxr-io/idxr/internal/ratelimit"
	"github.com/idxr-io/idxr/internal/resolve"
	"github.com/idxr-io/idxr/internal/semantic"
	"github.com/idxr-io/idxr/internal/server"
	"github.com/idxr-io/idxr/internal/store"
	"github.com/idxr-io/idxr/internal/telemetry"
	"github.com/idxr-io/idxr/migrations"
)

// App is the engine lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *store.DB // nil in memory-store mode
	srv          *server.Server
	resolver     *resolve.Service
	cache        *cache.Cache
	workers      *pool.Pool
	batch        *batch.Manager
	results      *batch.Results
	auditBuf     *audit.Buffer
	limiter      ratelimit.Limiter
	index        *semantic.Index   // nil when Qdrant is not configured
	indexer      *semantic.Indexer // nil without both Qdrant and Postgres
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the engine. It connects to the backing stores, runs
// migrations, and wires all subsystems. It does NOT start any
// goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("idxr starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	app := &App{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}
	fail := func(err error) (*App, error) {
		app.closePartial()
		return nil, err
	}

	// Candidate store: Postgres when configured, in-memory otherwise.
	// Memory mode keeps local development and tests dependency-free;
	// identities do not survive a restart.
	var cs store.CandidateStore
	var pinger server.Pinger
	if cfg.DatabaseURL != "" {
		db, err := store.NewDB(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return fail(fmt.Errorf("store: %w", err))
		}
		app.db = db

		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			return fail(fmt.Errorf("migrations: %w", err))
		}
		for i, extraFS := range o.extraMigrations {
			if err := db.RunMigrations(context.Background(), extraFS); err != nil {
				return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
			}
		}
		cs, pinger = db, db
	} else {
		logger.Warn("store: in-memory (no IDXR_DATABASE_URL); identities will not survive restart")
		mem := store.NewMemory()
		cs, pinger = mem, mem
	}

	// JWT manager and client registry.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	registry := auth.NewRegistry()
	for _, c := range o.clients {
		if _, err := registry.Register(c.ClientID, c.Name, c.APIKey, ratelimit.Tier(c.Tier)); err != nil {
			return fail(fmt.Errorf("auth: register client %s: %w", c.ClientID, err))
		}
	}

	// Embedding provider: external override takes priority over
	// auto-detect.
	var embedder semantic.Embedder
	if o.embedder != nil {
		embedder = &embedderAdapter{p: o.embedder}
	} else {
		embedder = newEmbedder(cfg, logger)
	}

	// Qdrant semantic index and outbox indexer.
	var scorer match.SemanticScorer
	if cfg.QdrantURL != "" {
		index, err := semantic.NewIndex(semantic.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingsDimensions), //nolint:gosec // validated positive in config.Validate
		}, embedder, logger)
		if err != nil {
			return fail(fmt.Errorf("qdrant: %w", err))
		}
		app.index = index
		if err := index.EnsureCollection(context.Background()); err != nil {
			return fail(fmt.Errorf("qdrant ensure collection: %w", err))
		}
		scorer = index
		if app.db != nil {
			app.indexer = semantic.NewIndexer(app.db, index, embedder, logger, cfg.EmbedPollInterval, cfg.EmbedBatchSize)
		} else {
			logger.Info("semantic indexer: disabled (requires Postgres outbox)")
		}
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no IDXR_QDRANT_URL)")
	}

	// Matching stack, filtered to the enabled algorithms.
	matchers := resolve.DefaultMatchers(scorer, logger)
	if len(cfg.MatchAlgorithms) > 0 {
		matchers = filterMatchers(matchers, cfg.MatchAlgorithms)
	}
	ensemble := match.DefaultEnsembleConfig()
	if cfg.MatchWeights != nil {
		ensemble.Weights = cfg.MatchWeights
	}
	app.resolver = resolve.New(cs, matchers, resolve.Config{
		Threshold:     cfg.MatchThreshold,
		AutoThreshold: cfg.MatchAutoThreshold,
		MaxResults:    cfg.MatchMaxResults,
		Ensemble:      ensemble,
	}, logger)

	app.cache = cache.New(cfg.CacheTTL, cfg.CacheSize)
	app.workers = pool.New(cfg.PoolWorkers, cfg.PoolQueue, logger)

	// Batch job manager with its embedded results store.
	if err := os.MkdirAll(cfg.BatchDir, 0o750); err != nil {
		return fail(fmt.Errorf("batch: create directory %s: %w", cfg.BatchDir, err))
	}
	results, err := batch.OpenResults(cfg.BatchDir)
	if err != nil {
		return fail(fmt.Errorf("batch: %w", err))
	}
	app.results = results
	app.batch = batch.NewManager(app.resolver, results, logger)

	// Audit buffer. Events go to Postgres when available, otherwise to
	// the structured log.
	var flusher audit.Flusher
	if app.db != nil {
		flusher = audit.NewPostgresFlusher(app.db.Pool())
	} else {
		flusher = audit.NewSlogFlusher(logger)
	}
	app.auditBuf = audit.NewBuffer(flusher, logger, cfg.AuditBufferSize, cfg.AuditFlushTimeout)

	// Rate gate.
	if cfg.RateEnabled {
		rlCfg := ratelimit.Config{
			Whitelist:      cfg.RateWhitelist,
			DetectPatterns: cfg.RateDetectPatterns,
		}
		if cfg.RateGlobalLimit > 0 {
			rlCfg.Global = []ratelimit.Limit{{
				Name:   "global",
				Limit:  cfg.RateGlobalLimit,
				Window: cfg.RateGlobalWindow,
				Burst:  cfg.RateGlobalBurst,
			}}
		}
		app.limiter = ratelimit.NewMemoryLimiter(rlCfg)
		logger.Info("rate limiting: memory (exact sliding windows)",
			"patterns", cfg.RateDetectPatterns, "whitelist", len(cfg.RateWhitelist))
	} else {
		app.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server, mounted under /mcp on the API server.
	mcpSrv := mcp.New(app.resolver, app.batch, version, logger)

	app.srv = server.New(server.Config{
		Resolver:            app.resolver,
		Pool:                app.workers,
		Cache:               app.cache,
		Batch:               app.batch,
		Households:          household.New(logger),
		Store:               pinger,
		Semantic:            app.index,
		Limiter:             app.limiter,
		JWTMgr:              jwtMgr,
		Registry:            registry,
		Audit:               app.auditBuf,
		MCPHandler:          mcpSrv.Handler(),
		Version:             version,
		Addr:                fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		RequestTimeout:      cfg.RequestTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Logger:              logger,
	})

	return app, nil
}

// Run starts all background goroutines and the HTTP server, then
// blocks until ctx is cancelled or a fatal server error occurs. On
// return, Shutdown is called automatically; callers should not call
// Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.auditBuf.Start(ctx)
	if a.indexer != nil {
		a.indexer.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a phased graceful shutdown: stop accepting HTTP
// requests and drain in-flight, stop the worker pool, let running
// batch jobs reach a record boundary, flush the audit buffer, then
// drain remaining outbox entries to the semantic index. It then closes
// the stores and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("idxr shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	poolCtx, poolCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.workers.Shutdown(poolCtx); err != nil {
		a.logger.Error("worker pool shutdown error", "error", err)
	}
	poolCancel()

	batchCtx, batchCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.batch.Close(batchCtx); err != nil {
		a.logger.Error("batch manager shutdown error", "error", err)
	}
	batchCancel()

	auditCtx, auditCancel := context.WithTimeout(ctx, 10*time.Second)
	a.auditBuf.Drain(auditCtx)
	auditCancel()

	if a.indexer != nil {
		outboxCtx, outboxCancel := context.WithTimeout(ctx, 30*time.Second)
		a.indexer.Drain(outboxCtx)
		outboxCancel()
	}

	a.cache.Close()
	_ = a.limiter.Close()
	if a.results != nil {
		_ = a.results.Close()
	}
	if a.index != nil {
		_ = a.index.Close()
	}
	_ = a.otelShutdown(context.Background())
	if a.db != nil {
		a.db.Close(context.Background())
	}

	a.logger.Info("idxr stopped")
	return nil
}

// closePartial releases whatever New managed to construct before
// failing.
func (a *App) closePartial() {
	if a.cache != nil {
		a.cache.Close()
	}
	if a.results != nil {
		_ = a.results.Close()
	}
	if a.index != nil {
		_ = a.index.Close()
	}
	if a.db != nil {
		a.db.Close(context.Background())
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// filterMatchers keeps only the algorithms named in enabled,
// preserving execution order.
func filterMatchers(matchers []match.Matcher, enabled []model.MatchType) []match.Matcher {
	want := make(map[model.MatchType]bool, len(enabled))
	for _, mt := range enabled {
		want[mt] = true
	}
	out := make([]match.Matcher, 0, len(matchers))
	for _, m := range matchers {
		if want[m.Name()] {
			out = append(out, m)
		}
	}
	return out
}

// newEmbedder builds the embedding provider from config. "auto"
// prefers a reachable Ollama, then OpenAI, then noop.
func newEmbedder(cfg config.Config, logger *slog.Logger) semantic.Embedder {
	dims := cfg.EmbeddingsDimensions

	switch cfg.EmbeddingsProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when IDXR_EMBEDDINGS_PROVIDER=openai")
			return semantic.NewNoopEmbedder(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingsModel, "dimensions", dims)
		return semantic.NewOpenAIProvider("", cfg.OpenAIAPIKey, cfg.EmbeddingsModel, dims)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return semantic.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (semantic matching disabled)")
		return semantic.NewNoopEmbedder(dims)
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return semantic.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingsModel, "dimensions", dims)
			return semantic.NewOpenAIProvider("", cfg.OpenAIAPIKey, cfg.EmbeddingsModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic matching disabled)")
		return semantic.NewNoopEmbedder(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// embedderAdapter wraps a public Embedder ([]float32) as the internal
// semantic.Embedder (pgvector.Vector).
type embedderAdapter struct {
	p Embedder
}

func (a *embedderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *embedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embedderAdapter) Dimensions() int { return a.p.Dimensions() }
