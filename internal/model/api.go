package model

import (
	"time"

	"github.com/google/uuid"
)

// Field length limits on resolve input. These keep a single oversized
// field from flooding the similarity kernel or the audit stream.
const (
	MaxNameLen     = 200
	MaxEmailLen    = 320
	MaxMetadataLen = 64
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds; rate_limited only
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeQueueFull       = "QUEUE_FULL"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeDependencyError = "DEPENDENCY_UNAVAILABLE"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// ResolveOptions tunes a single resolution request. Zero values fall
// back to configured defaults.
type ResolveOptions struct {
	MatchThreshold        float64       `json:"match_threshold,omitempty"`
	MaxResults            int           `json:"max_results,omitempty"`
	RequireHighConfidence bool          `json:"require_high_confidence,omitempty"`
	Timeout               time.Duration `json:"-"`
	TimeoutSeconds        int           `json:"timeout_seconds,omitempty"`
	Priority              string        `json:"priority,omitempty"`
}

// ResolveRequest is the request body for POST /api/v1/resolve.
type ResolveRequest struct {
	Demographics  Identity       `json:"demographic_data"`
	SourceSystem  string         `json:"source_system"`
	TransactionID string         `json:"transaction_id"`
	Options       ResolveOptions `json:"options,omitempty"`
}

// Validate checks structural limits on a resolve request.
func (r ResolveRequest) Validate() error {
	if r.Demographics.Empty() {
		return NewError(ErrInvalidInput, "demographic_data has no discriminating field")
	}
	if len(r.Demographics.GivenName) > MaxNameLen || len(r.Demographics.Surname) > MaxNameLen {
		return NewError(ErrInvalidInput, "name exceeds maximum length")
	}
	if len(r.Demographics.Email) > MaxEmailLen {
		return NewError(ErrInvalidInput, "email exceeds maximum length")
	}
	if len(r.Demographics.Metadata) > MaxMetadataLen {
		return NewError(ErrInvalidInput, "metadata has too many keys")
	}
	return nil
}

// SubmitJobRequest is the request body for POST /api/v1/batch.
type SubmitJobRequest struct {
	Name     string     `json:"name"`
	Type     JobType    `json:"job_type"`
	Priority string     `json:"priority,omitempty"`
	Records  []Identity `json:"records"`
	Config   JobConfig  `json:"config,omitempty"`
}

// SubmitJobResponse acknowledges an accepted batch job.
type SubmitJobResponse struct {
	JobID               uuid.UUID  `json:"job_id"`
	Status              JobStatus  `json:"status"`
	TotalRecords        int        `json:"total_records"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// JobResultsPage is one page of a job's per-record outcomes.
type JobResultsPage struct {
	JobID   uuid.UUID       `json:"job_id"`
	Page    int             `json:"page"`
	Limit   int             `json:"limit"`
	Total   int             `json:"total_records"`
	Results []RecordOutcome `json:"results"`
}

// DetectHouseholdsRequest is the request body for POST /api/v1/households/detect.
type DetectHouseholdsRequest struct {
	Records []Identity `json:"records"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Store       string `json:"store"`
	Semantic    string `json:"semantic,omitempty"`
	QueueDepth  int    `json:"queue_depth"`
	RunningJobs int    `json:"running_jobs"`
	Uptime      int64  `json:"uptime_seconds"`
}

// EngineStats is the response for GET /api/v1/statistics.
type EngineStats struct {
	TotalRequests     int64   `json:"total_requests"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
	P95ResponseTimeMS float64 `json:"p95_response_time_ms"`
	P99ResponseTimeMS float64 `json:"p99_response_time_ms"`
	ErrorRate         float64 `json:"error_rate"`
	ThroughputRPS     float64 `json:"throughput_rps"`
	QueueDepth        int     `json:"queue_depth"`
	ActiveJobs        int     `json:"active_jobs"`
	QueuedJobs        int     `json:"queued_jobs"`
	UptimeHours       float64 `json:"uptime_hours"`
}
