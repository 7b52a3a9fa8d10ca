package idxr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the idxr server (e.g. "http://localhost:8080").
	BaseURL string

	// ClientID identifies this client for authentication. Leave empty
	// together with APIKey to call the API anonymously.
	ClientID string

	// APIKey is the secret exchanged for a bearer token at /auth/token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the idxr identity resolution API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager // nil when running anonymously
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty or only one of ClientID and
// APIKey is set.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("idxr: BaseURL is required")
	}
	if (cfg.ClientID == "") != (cfg.APIKey == "") {
		return nil, fmt.Errorf("idxr: ClientID and APIKey must be set together")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		baseURL: baseURL,
		client:  httpClient,
	}
	if cfg.ClientID != "" {
		c.tokenMgr = newTokenManager(baseURL, cfg.ClientID, cfg.APIKey, httpClient)
	}
	return c, nil
}

// Resolve submits a demographic record and returns ranked candidate
// matches with calibrated confidence scores.
func (c *Client) Resolve(ctx context.Context, req ResolveRequest) (*MatchResult, error) {
	var resp MatchResult
	if err := c.post(ctx, "/api/v1/resolve", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Batch jobs
// ---------------------------------------------------------------------------

// SubmitJob queues a batch job for asynchronous execution.
func (c *Client) SubmitJob(ctx context.Context, req SubmitJobRequest) (*SubmitJobResponse, error) {
	var resp SubmitJobResponse
	if err := c.post(ctx, "/api/v1/batch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Job retrieves a snapshot of one batch job.
func (c *Client) Job(ctx context.Context, jobID uuid.UUID) (*BatchJob, error) {
	var resp BatchJob
	if err := c.get(ctx, "/api/v1/batch/"+jobID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobs lists batch jobs, optionally filtered by status
// ("queued", "running", "paused", "completed", "failed", "cancelled").
func (c *Client) ListJobs(ctx context.Context, status string) ([]BatchJob, error) {
	path := "/api/v1/batch"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var resp []BatchJob
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CancelJob cancels a non-terminal job and returns the updated snapshot.
func (c *Client) CancelJob(ctx context.Context, jobID uuid.UUID) (*BatchJob, error) {
	return c.transitionJob(ctx, jobID, "cancel")
}

// PauseJob pauses a running job.
func (c *Client) PauseJob(ctx context.Context, jobID uuid.UUID) (*BatchJob, error) {
	return c.transitionJob(ctx, jobID, "pause")
}

// ResumeJob resumes a paused job.
func (c *Client) ResumeJob(ctx context.Context, jobID uuid.UUID) (*BatchJob, error) {
	return c.transitionJob(ctx, jobID, "resume")
}

func (c *Client) transitionJob(ctx context.Context, jobID uuid.UUID, action string) (*BatchJob, error) {
	var resp BatchJob
	if err := c.post(ctx, "/api/v1/batch/"+jobID.String()+"/"+action, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobResultsOptions control pagination and filtering for JobResults.
type JobResultsOptions struct {
	Page   int
	Limit  int
	Status string // "success", "no_match", or "error"
}

// JobResults retrieves one page of per-record results for a job.
func (c *Client) JobResults(ctx context.Context, jobID uuid.UUID, opts *JobResultsOptions) (*JobResultsPage, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Page > 0 {
			params.Set("page", strconv.Itoa(opts.Page))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
	}

	path := "/api/v1/batch/" + jobID.String() + "/results"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp JobResultsPage
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExportJob streams the full result set of a completed job to w.
// Format is "jsonl", "csv", or "json"; empty defaults to JSONL.
// The export bypasses the JSON envelope and is written verbatim.
func (c *Client) ExportJob(ctx context.Context, jobID uuid.UUID, format string, w io.Writer) error {
	path := "/api/v1/batch/" + jobID.String() + "/export"
	if format != "" {
		path += "?format=" + url.QueryEscape(format)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("idxr: create request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("idxr: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp.StatusCode, resp.Header, body)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("idxr: stream export: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Households, statistics, and health
// ---------------------------------------------------------------------------

// DetectHouseholds groups the given records into households by shared
// address and inferred relationships. Limited to 10000 records per call.
func (c *Client) DetectHouseholds(ctx context.Context, records []Identity) (*HouseholdsResult, error) {
	body := map[string]any{"records": records}
	var resp HouseholdsResult
	if err := c.post(ctx, "/api/v1/households/detect", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Statistics returns aggregate engine throughput and latency figures.
func (c *Client) Statistics(ctx context.Context) (*EngineStats, error) {
	var resp EngineStats
	if err := c.get(ctx, "/api/v1/statistics", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retry_after"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("idxr: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("idxr: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("idxr: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("idxr: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("idxr: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

// authorize attaches a bearer token when credentials are configured.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokenMgr == nil {
		return nil
	}
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("idxr: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("idxr: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, resp.Header, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("idxr: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, header http.Header, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.RetryAfter = envelope.Error.RetryAfter
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	if apiErr.RetryAfter == 0 {
		if s := header.Get("Retry-After"); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				apiErr.RetryAfter = n
			}
		}
	}

	return apiErr
}
