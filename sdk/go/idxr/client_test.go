package idxr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the idxr API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	// Always register auth endpoint.
	if _, ok := handlers["POST /auth/token"]; !ok {
		mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"access_token": "test-token-xyz",
					"token_type":   "Bearer",
					"expires_at":   time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		})
	}

	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:  serverURL,
		ClientID: "test-client",
		APIKey:   "test-key",
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Error("expected error for missing BaseURL")
	}
	if _, err := NewClient(Config{BaseURL: "http://x", ClientID: "c"}); err == nil {
		t.Error("expected error when only ClientID is set")
	}
	if _, err := NewClient(Config{BaseURL: "http://x"}); err != nil {
		t.Errorf("anonymous client should construct: %v", err)
	}
}

func TestResolveReturnsMatches(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/v1/resolve": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-token-xyz" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad token"},
				})
				return
			}
			var req ResolveRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if req.Demographics.LastName != "Nguyen" {
				t.Errorf("expected last name Nguyen, got %q", req.Demographics.LastName)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": MatchResult{
					RequestID: req.TransactionID,
					Status:    "matched",
					Matches: []MatchCandidate{
						{IdentityID: "idx-001", Confidence: 0.97, MatchType: "deterministic"},
					},
					QualityScore: 0.9,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	res, err := client.Resolve(context.Background(), ResolveRequest{
		Demographics:  Identity{FirstName: "Linh", LastName: "Nguyen", DOB: "1984-03-12"},
		SourceSystem:  "crm",
		TransactionID: "txn-42",
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.RequestID != "txn-42" {
		t.Errorf("expected request_id txn-42, got %q", res.RequestID)
	}
	if len(res.Matches) != 1 || res.Matches[0].IdentityID != "idx-001" {
		t.Fatalf("unexpected matches: %+v", res.Matches)
	}
	if res.Matches[0].Confidence != 0.97 {
		t.Errorf("expected confidence 0.97, got %v", res.Matches[0].Confidence)
	}
}

func TestTokenIsCachedAcrossRequests(t *testing.T) {
	var authCalls atomic.Int64

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCalls.Add(1)
			var req authRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode auth request: %v", err)
			}
			if req.ClientID != "test-client" || req.APIKey != "test-key" {
				t.Errorf("unexpected credentials: %+v", req)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"access_token": "test-token-xyz",
					"token_type":   "Bearer",
					"expires_at":   time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		},
		"GET /api/v1/statistics": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": EngineStats{TotalRequests: 7},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	for i := 0; i < 3; i++ {
		if _, err := client.Statistics(context.Background()); err != nil {
			t.Fatalf("Statistics failed: %v", err)
		}
	}
	if got := authCalls.Load(); got != 1 {
		t.Errorf("expected 1 auth call, got %d", got)
	}
}

func TestJobLifecycle(t *testing.T) {
	jobID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/v1/batch": func(w http.ResponseWriter, r *http.Request) {
			var req SubmitJobRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if req.Type != "identity_matching" {
				t.Errorf("expected job_type identity_matching, got %q", req.Type)
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": SubmitJobResponse{JobID: jobID, Status: "queued", TotalRecords: len(req.Records)},
			})
		},
		"GET /api/v1/batch/{job_id}": func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("job_id") != jobID.String() {
				writeJSON(w, http.StatusNotFound, map[string]any{
					"error": map[string]any{"code": "NOT_FOUND", "message": "no such job"},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": BatchJob{ID: jobID, Status: "running", TotalRecords: 2},
			})
		},
		"POST /api/v1/batch/{job_id}/cancel": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": BatchJob{ID: jobID, Status: "cancelled"},
			})
		},
		"GET /api/v1/batch": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("status"); got != "running" {
				t.Errorf("expected status filter running, got %q", got)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []BatchJob{{ID: jobID, Status: "running"}},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	sub, err := client.SubmitJob(ctx, SubmitJobRequest{
		Name:    "nightly dedupe",
		Type:    "identity_matching",
		Records: []Identity{{LastName: "Ochoa"}, {LastName: "Reyes"}},
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	if sub.JobID != jobID || sub.TotalRecords != 2 {
		t.Errorf("unexpected submit response: %+v", sub)
	}

	job, err := client.Job(ctx, jobID)
	if err != nil {
		t.Fatalf("Job failed: %v", err)
	}
	if job.Status != "running" {
		t.Errorf("expected status running, got %q", job.Status)
	}

	jobs, err := client.ListJobs(ctx, "running")
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}

	cancelled, err := client.CancelJob(ctx, jobID)
	if err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if cancelled.Status != "cancelled" {
		t.Errorf("expected status cancelled, got %q", cancelled.Status)
	}
}

func TestJobResultsPagination(t *testing.T) {
	jobID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/batch/{job_id}/results": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("page") != "2" || q.Get("limit") != "50" || q.Get("status") != "success" {
				t.Errorf("unexpected query: %v", q)
			}
			conf := 0.91
			writeJSON(w, http.StatusOK, map[string]any{
				"data": JobResultsPage{
					JobID: jobID,
					Page:  2,
					Limit: 50,
					Total: 120,
					Results: []RecordOutcome{
						{RecordID: "rec-51", IdentityID: "idx-009", Confidence: &conf, Status: "success"},
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	page, err := client.JobResults(context.Background(), jobID, &JobResultsOptions{
		Page:   2,
		Limit:  50,
		Status: "success",
	})
	if err != nil {
		t.Fatalf("JobResults failed: %v", err)
	}
	if page.Total != 120 || len(page.Results) != 1 {
		t.Errorf("unexpected page: %+v", page)
	}
	if page.Results[0].Confidence == nil || *page.Results[0].Confidence != 0.91 {
		t.Errorf("unexpected confidence: %+v", page.Results[0].Confidence)
	}
}

func TestExportJobStreamsRawBody(t *testing.T) {
	jobID := uuid.New()
	const payload = `{"record_id":"rec-1","status":"success"}` + "\n" +
		`{"record_id":"rec-2","status":"no_match"}` + "\n"

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/batch/{job_id}/export": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("format"); got != "jsonl" {
				t.Errorf("expected format jsonl, got %q", got)
			}
			w.Header().Set("Content-Type", "application/x-ndjson")
			_, _ = w.Write([]byte(payload))
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	var buf bytes.Buffer
	if err := client.ExportJob(context.Background(), jobID, "jsonl", &buf); err != nil {
		t.Fatalf("ExportJob failed: %v", err)
	}
	if buf.String() != payload {
		t.Errorf("export body mismatch:\n%s", buf.String())
	}
}

func TestDetectHouseholds(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/v1/households/detect": func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Records []Identity `json:"records"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if len(req.Records) != 2 {
				t.Errorf("expected 2 records, got %d", len(req.Records))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": HouseholdsResult{
					Households: []Household{{ID: "hh-1", Size: 2, Type: "family"}},
					Unassigned: 0,
					Statistics: HouseholdStats{TotalHouseholds: 1, TotalIndividuals: 2},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	res, err := client.DetectHouseholds(context.Background(), []Identity{
		{LastName: "Garcia", Address: Address{Street: "12 Oak St", City: "Mesa", State: "AZ", PostalCode: "85201"}},
		{LastName: "Garcia", Address: Address{Street: "12 Oak St", City: "Mesa", State: "AZ", PostalCode: "85201"}},
	})
	if err != nil {
		t.Fatalf("DetectHouseholds failed: %v", err)
	}
	if len(res.Households) != 1 || res.Households[0].Size != 2 {
		t.Errorf("unexpected households: %+v", res.Households)
	}
	if res.Statistics.TotalIndividuals != 2 {
		t.Errorf("unexpected statistics: %+v", res.Statistics)
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			t.Error("health check should not trigger auth")
			w.WriteHeader(http.StatusInternalServerError)
		},
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				t.Error("health request should be unauthenticated")
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": HealthResponse{Status: "healthy", Version: "1.2.3", Store: "ok"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	h, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if h.Status != "healthy" || h.Version != "1.2.3" {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestErrorTypes(t *testing.T) {
	jobID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/batch/{job_id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "job not found"},
			})
		},
		"POST /api/v1/resolve": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "30")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{"code": "RATE_LIMITED", "message": "slow down", "retry_after": 30},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := client.Job(ctx, jobID)
	if !IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Errorf("expected code in message, got %q", err.Error())
	}

	_, err = client.Resolve(ctx, ResolveRequest{Demographics: Identity{LastName: "X"}})
	if !IsRateLimited(err) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.RetryAfter != 30 {
		t.Errorf("expected RetryAfter 30, got %+v", apiErr)
	}
}

func TestAnonymousClientSendsNoAuthHeader(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/statistics": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				t.Error("anonymous client should not send Authorization")
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": EngineStats{}})
		},
	})
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := client.Statistics(context.Background()); err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
}
