package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/idxr-io/idxr/internal/audit"
	"github.com/idxr-io/idxr/internal/auth"
	"github.com/idxr-io/idxr/internal/batch"
	"github.com/idxr-io/idxr/internal/cache"
	"github.com/idxr-io/idxr/internal/ctxutil"
	"github.com/idxr-io/idxr/internal/household"
	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/pool"
	"github.com/idxr-io/idxr/internal/ratelimit"
	"github.com/idxr-io/idxr/internal/semantic"
)

// Resolver is the matching port the resolve endpoint drives.
type Resolver interface {
	Resolve(ctx context.Context, req model.ResolveRequest) (model.MatchResult, error)
}

// Pinger is the liveness check the health endpoints use.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires the server's collaborators. Resolver, Pool, Cache,
// Batch, and Store are required; the rest degrade to safe defaults
// when absent.
type Config struct {
	Resolver   Resolver
	Pool       *pool.Pool
	Cache      *cache.Cache
	Batch      *batch.Manager
	Households *household.Analyzer
	Store      Pinger
	Semantic   *semantic.Index

	Limiter  ratelimit.Limiter
	JWTMgr   *auth.JWTManager
	Registry *auth.Registry
	Audit    audit.Sink

	MCPHandler http.Handler

	Version             string
	Addr                string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	RequestTimeout      time.Duration
	MaxRequestBodyBytes int64
	Logger              *slog.Logger
}

// Server is the HTTP front of the resolution engine.
type Server struct {
	resolver   Resolver
	pool       *pool.Pool
	cache      *cache.Cache
	batch      *batch.Manager
	households *household.Analyzer
	store      Pinger
	semantic   *semantic.Index

	limiter  ratelimit.Limiter
	jwtMgr   *auth.JWTManager
	registry *auth.Registry
	audit    audit.Sink

	version        string
	requestTimeout time.Duration
	maxBodyBytes   int64
	logger         *slog.Logger
	stats          *statsRecorder

	httpServer *http.Server
	handler    http.Handler
}

// New assembles the server and its middleware chain.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auditSink := cfg.Audit
	if auditSink == nil {
		auditSink = audit.NopSink{}
	}
	households := cfg.Households
	if households == nil {
		households = household.New(logger)
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	maxBodyBytes := cfg.MaxRequestBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = 4 * 1024 * 1024
	}

	s := &Server{
		resolver:       cfg.Resolver,
		pool:           cfg.Pool,
		cache:          cfg.Cache,
		batch:          cfg.Batch,
		households:     households,
		store:          cfg.Store,
		semantic:       cfg.Semantic,
		limiter:        cfg.Limiter,
		jwtMgr:         cfg.JWTMgr,
		registry:       cfg.Registry,
		audit:          auditSink,
		version:        cfg.Version,
		requestTimeout: requestTimeout,
		maxBodyBytes:   maxBodyBytes,
		logger:         logger,
		stats:          newStatsRecorder(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /openapi.yaml", handleOpenAPI)
	if s.registry != nil && s.jwtMgr != nil {
		mux.HandleFunc("POST /auth/token", s.handleAuthToken)
	}

	mux.HandleFunc("POST /api/v1/resolve", s.handleResolve)
	mux.HandleFunc("POST /api/v1/batch", s.handleBatchSubmit)
	mux.HandleFunc("GET /api/v1/batch", s.handleBatchList)
	mux.HandleFunc("GET /api/v1/batch/{job_id}", s.handleBatchGet)
	mux.HandleFunc("POST /api/v1/batch/{job_id}/cancel", s.handleBatchCancel)
	mux.HandleFunc("POST /api/v1/batch/{job_id}/pause", s.handleBatchPause)
	mux.HandleFunc("POST /api/v1/batch/{job_id}/resume", s.handleBatchResume)
	mux.HandleFunc("GET /api/v1/batch/{job_id}/results", s.handleBatchResults)
	mux.HandleFunc("GET /api/v1/batch/{job_id}/export", s.handleBatchExport)
	mux.HandleFunc("POST /api/v1/households/detect", s.handleDetectHouseholds)
	mux.HandleFunc("GET /api/v1/statistics", s.handleStatistics)

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", cfg.MCPHandler)
		mux.Handle("/mcp/", cfg.MCPHandler)
	}

	// Middleware chain, innermost first. Recovery sits closest to the
	// handlers so a panic never unwinds past the rate gate's counters;
	// request ID runs first so every layer logs with it.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = ratelimit.Middleware(s.limiter, s.rateRequest, requestIDOf)(handler)
	handler = authMiddleware(s.jwtMgr, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = maxBytesMiddleware(maxBodyBytes, handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the full middleware-wrapped handler, mainly for
// tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// rateRequest builds the admission request the gate evaluates: client
// identity and tier from auth context, endpoint class, peer address.
func (s *Server) rateRequest(r *http.Request) ratelimit.Request {
	req := ratelimit.Request{
		Tier:      ratelimit.TierAnonymous,
		Endpoint:  endpointClass(r),
		Peer:      ratelimit.PeerIP(r),
		UserAgent: r.UserAgent(),
	}
	if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil {
		req.ClientID = claims.ClientID
		req.Tier = claims.RateTier()
	}
	if req.ClientID == "" {
		// Anonymous clients are tracked by peer address.
		req.ClientID = req.Peer
	}
	return req
}

// endpointClass maps request paths to the per-endpoint limit names.
func endpointClass(r *http.Request) string {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/resolve":
		return "resolve"
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/batch":
		return "batch"
	default:
		return strings.TrimPrefix(r.URL.Path, "/api/v1/")
	}
}

func requestIDOf(r *http.Request) string {
	return ctxutil.RequestIDFromContext(r.Context())
}

// maxBytesMiddleware caps request body size before any handler reads
// it.
func maxBytesMiddleware(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}
