package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/idxr-io/idxr/api"
	"github.com/idxr-io/idxr/internal/audit"
	"github.com/idxr-io/idxr/internal/batch"
	"github.com/idxr-io/idxr/internal/cache"
	"github.com/idxr-io/idxr/internal/ctxutil"
	"github.com/idxr-io/idxr/internal/household"
	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/normalize"
	"github.com/idxr-io/idxr/internal/pool"
)

// maxHouseholdRecords bounds synchronous household detection; larger
// sets belong in a batch job.
const maxHouseholdRecords = 10000

type authTokenRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

type authTokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// handleAuthToken exchanges client credentials for a bearer token.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req authTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.ClientID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id and api_key are required")
		return
	}

	client, err := s.registry.Authenticate(req.ClientID, req.APIKey)
	if err != nil {
		s.audit.Record(audit.Event{
			Kind:      audit.KindAuthFailure,
			ClientID:  req.ClientID,
			RequestID: ctxutil.RequestIDFromContext(r.Context()),
			Outcome:   "rejected",
		})
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid client credentials")
		return
	}

	token, expiresAt, err := s.jwtMgr.IssueToken(client)
	if err != nil {
		s.logger.Error("token issuance failed", "client_id", client.ClientID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, authTokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
	})
}

// handleResolve runs one resolution request through the worker pool
// with the result cache in front of the resolver.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req model.ResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.stats.observe(time.Since(start), true)
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		s.stats.observe(time.Since(start), true)
		writeKindError(w, r, err)
		return
	}

	// Per-request timeout, capped by the server-wide budget.
	timeout := s.requestTimeout
	if req.Options.TimeoutSeconds > 0 {
		if t := time.Duration(req.Options.TimeoutSeconds) * time.Second; t < timeout {
			timeout = t
		}
	}
	req.Options.Timeout = timeout
	deadline := start.Add(timeout)

	norm, _ := normalize.Record(req.Demographics)
	key := cache.Fingerprint(norm)

	// Cache hits answer before the pool; only misses spend queue
	// capacity.
	if res, ok := s.cache.Get(key); ok {
		res.CacheHit = true
		s.stats.observe(time.Since(start), false)
		s.auditResolve(r, req, res, nil)
		writeJSON(w, r, http.StatusOK, res)
		return
	}

	fn := func(ctx context.Context) (model.MatchResult, error) {
		res, cached, err := s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (model.MatchResult, error) {
			return s.resolver.Resolve(ctx, req)
		})
		if err != nil {
			return model.MatchResult{}, err
		}
		res.CacheHit = cached
		return res, nil
	}

	type outcome struct {
		res model.MatchResult
		err error
	}
	resCh := make(chan outcome, 1)
	err := s.pool.Submit(fn, func(res model.MatchResult, err error) {
		resCh <- outcome{res: res, err: err}
	}, pool.ParsePriority(req.Options.Priority), deadline)
	if err != nil {
		s.stats.observe(time.Since(start), true)
		writeKindError(w, r, err)
		return
	}

	select {
	case out := <-resCh:
		latency := time.Since(start)
		if out.err != nil {
			s.stats.observe(latency, true)
			s.auditResolve(r, req, model.MatchResult{Status: model.StatusError}, out.err)
			writeKindError(w, r, out.err)
			return
		}
		s.stats.observe(latency, false)
		s.auditResolve(r, req, out.res, nil)
		writeJSON(w, r, http.StatusOK, out.res)
	case <-r.Context().Done():
		// Client went away; the callback still drains into the
		// buffered channel.
		s.stats.observe(time.Since(start), true)
	}
}

func (s *Server) auditResolve(r *http.Request, req model.ResolveRequest, res model.MatchResult, err error) {
	ev := audit.Event{
		Kind:      audit.KindResolve,
		ClientID:  ctxutil.ClientIDFromContext(r.Context()),
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
		Outcome:   string(res.Status),
		Details: map[string]any{
			"source_system":  req.SourceSystem,
			"transaction_id": req.TransactionID,
			"matches":        len(res.Matches),
			"cache_hit":      res.CacheHit,
		},
	}
	if err != nil {
		ev.Outcome = "error"
		ev.Details["error"] = err.Error()
	}
	s.audit.Record(ev)
}

// handleBatchSubmit accepts a batch job for asynchronous execution.
func (s *Server) handleBatchSubmit(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	resp, err := s.batch.Submit(r.Context(), req)
	if err != nil {
		writeKindError(w, r, err)
		return
	}

	s.audit.Record(audit.Event{
		Kind:      audit.KindBatchSubmit,
		ClientID:  ctxutil.ClientIDFromContext(r.Context()),
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
		Outcome:   string(resp.Status),
		Details: map[string]any{
			"job_id":   resp.JobID.String(),
			"job_type": string(req.Type),
			"records":  resp.TotalRecords,
		},
	})
	writeJSON(w, r, http.StatusAccepted, resp)
}

// handleBatchList lists jobs, optionally filtered by status.
func (s *Server) handleBatchList(w http.ResponseWriter, r *http.Request) {
	status := model.JobStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.JobQueued, model.JobRunning, model.JobPaused,
		model.JobCompleted, model.JobFailed, model.JobCancelled:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("unknown job status %q", status))
		return
	}
	writeJSON(w, r, http.StatusOK, s.batch.List(status))
}

// handleBatchGet returns one job snapshot.
func (s *Server) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := s.batch.Get(id)
	if err != nil {
		writeKindError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// handleBatchCancel cancels a non-terminal job.
func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	s.batchTransition(w, r, "cancelled", s.batch.Cancel)
}

// handleBatchPause pauses a running job.
func (s *Server) handleBatchPause(w http.ResponseWriter, r *http.Request) {
	s.batchTransition(w, r, "paused", s.batch.Pause)
}

// handleBatchResume requeues a paused job.
func (s *Server) handleBatchResume(w http.ResponseWriter, r *http.Request) {
	s.batchTransition(w, r, "resumed", s.batch.Resume)
}

func (s *Server) batchTransition(w http.ResponseWriter, r *http.Request, action string, fn func(uuid.UUID) error) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := fn(id); err != nil {
		writeKindError(w, r, err)
		return
	}
	job, err := s.batch.Get(id)
	if err != nil {
		writeKindError(w, r, err)
		return
	}
	s.audit.Record(audit.Event{
		Kind:      audit.KindBatchState,
		ClientID:  ctxutil.ClientIDFromContext(r.Context()),
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
		Outcome:   action,
		Details:   map[string]any{"job_id": id.String(), "status": string(job.Status)},
	})
	writeJSON(w, r, http.StatusOK, job)
}

// handleBatchResults returns one page of a job's per-record outcomes.
func (s *Server) handleBatchResults(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	limit := queryInt(q.Get("limit"), 100)
	if limit > 1000 {
		limit = 1000
	}
	status := model.RecordStatus(q.Get("status"))
	switch status {
	case "", model.RecordSuccess, model.RecordNoMatch, model.RecordError:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("unknown record status %q", status))
		return
	}

	results, err := s.batch.Results(r.Context(), id, page, limit, status)
	if err != nil {
		writeKindError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, results)
}

// handleBatchExport streams a job's outcomes in the requested format.
func (s *Server) handleBatchExport(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	format, err := batch.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeKindError(w, r, err)
		return
	}

	switch format {
	case batch.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	case batch.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	default:
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("job-%s.%s", id, format)))

	if err := s.batch.Export(r.Context(), id, format, w); err != nil {
		// Headers may already be out; nothing to do but log.
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("batch export failed", "job_id", id, "error", err)
		}
	}
}

// handleDetectHouseholds groups the submitted records into households.
func (s *Server) handleDetectHouseholds(w http.ResponseWriter, r *http.Request) {
	var req model.DetectHouseholdsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if len(req.Records) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "records are required")
		return
	}
	if len(req.Records) > maxHouseholdRecords {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("too many records; submit a batch job for sets over %d", maxHouseholdRecords))
		return
	}

	households, unassigned := s.households.Detect(req.Records)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"households": households,
		"unassigned": unassigned,
		"statistics": household.Stats(households),
	})
}

// handleStatistics returns engine-wide operational counters.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.snapshot()
	running, queued := s.batch.Counts()

	writeJSON(w, r, http.StatusOK, model.EngineStats{
		TotalRequests:     snap.Total,
		CacheHitRate:      s.cache.HitRate(),
		AvgResponseTimeMS: snap.AvgMS,
		P95ResponseTimeMS: snap.P95MS,
		P99ResponseTimeMS: snap.P99MS,
		ErrorRate:         snap.ErrorRate,
		ThroughputRPS:     snap.RPS,
		QueueDepth:        s.pool.QueueDepth(),
		ActiveJobs:        running,
		QueuedJobs:        queued,
		UptimeHours:       snap.Uptime.Hours(),
	})
}

// handleHealth reports dependency health without failing the request.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := model.HealthResponse{
		Status:  "healthy",
		Version: s.version,
		Store:   "ok",
	}
	if err := s.store.Ping(ctx); err != nil {
		resp.Store = "unreachable"
		resp.Status = "degraded"
	}
	if s.semantic != nil {
		resp.Semantic = "ok"
		if err := s.semantic.Healthy(ctx); err != nil {
			resp.Semantic = "unreachable"
			resp.Status = "degraded"
		}
	}
	resp.QueueDepth = s.pool.QueueDepth()
	resp.RunningJobs, _ = s.batch.Counts()
	resp.Uptime = int64(s.stats.snapshot().Uptime.Seconds())

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// handleReady reports whether the server can serve traffic at all.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeDependencyError, "store unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// handleOpenAPI serves the embedded OpenAPI specification.
func handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(api.OpenAPISpec)
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("job_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid job ID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return def
}
