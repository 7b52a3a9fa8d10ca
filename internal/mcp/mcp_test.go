package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idxr-io/idxr/internal/batch"
	"github.com/idxr-io/idxr/internal/model"
)

type stubResolver struct {
	result model.MatchResult
	err    error
}

func (s *stubResolver) Resolve(context.Context, model.ResolveRequest) (model.MatchResult, error) {
	return s.result, s.err
}

func newTestServer(t *testing.T) (*Server, *stubResolver, *batch.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	resolver := &stubResolver{
		result: model.MatchResult{
			Status: model.StatusSuccess,
			Matches: []model.MatchCandidate{
				{IdentityKey: "id-1", Confidence: 0.96, MatchType: model.MatchDeterministic},
			},
		},
	}

	results, err := batch.OpenResults(t.TempDir())
	require.NoError(t, err)
	mgr := batch.NewManager(resolver, results, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
		_ = results.Close()
	})

	return New(resolver, mgr, "test", logger), resolver, mgr
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func textOf(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestResolveIdentityTool(t *testing.T) {
	server, _, _ := newTestServer(t)

	result, err := server.handleResolve(context.Background(), toolRequest("resolve_identity", map[string]any{
		"first_name": "Maria",
		"last_name":  "Garcia",
		"dob":        "1985-03-22",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var res model.MatchResult
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &res))
	assert.Equal(t, model.StatusSuccess, res.Status)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "id-1", res.Matches[0].IdentityKey)
}

func TestResolveIdentityToolRequiresInput(t *testing.T) {
	server, _, _ := newTestServer(t)

	result, err := server.handleResolve(context.Background(), toolRequest("resolve_identity", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestAssessQualityTool(t *testing.T) {
	server, _, _ := newTestServer(t)

	result, err := server.handleAssessQuality(context.Background(), toolRequest("assess_quality", map[string]any{
		"first_name": "Maria",
		"last_name":  "Garcia",
		"dob":        "1985-03-22",
		"ssn":        "123456789",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var report struct {
		Score  float64 `json:"score"`
		Bucket string  `json:"bucket"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &report))
	assert.Greater(t, report.Score, 0.0)
	assert.NotEmpty(t, report.Bucket)
}

func TestAssessQualityToolRejectsBadDepth(t *testing.T) {
	server, _, _ := newTestServer(t)

	result, err := server.handleAssessQuality(context.Background(), toolRequest("assess_quality", map[string]any{
		"first_name":       "Maria",
		"validation_depth": "telepathic",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestBatchJobStatusTool(t *testing.T) {
	server, _, mgr := newTestServer(t)

	resp, err := mgr.Submit(context.Background(), model.SubmitJobRequest{
		Name:    "quality sweep",
		Type:    model.JobDataQuality,
		Records: []model.Identity{{GivenName: "Maria", Surname: "Garcia"}},
	})
	require.NoError(t, err)

	result, toolErr := server.handleJobStatus(context.Background(), toolRequest("batch_job_status", map[string]any{
		"job_id": resp.JobID.String(),
	}))
	require.NoError(t, toolErr)
	require.False(t, result.IsError)
	assert.Contains(t, textOf(t, result), resp.JobID.String())
}

func TestBatchJobStatusToolUnknownJob(t *testing.T) {
	server, _, _ := newTestServer(t)

	result, err := server.handleJobStatus(context.Background(), toolRequest("batch_job_status", map[string]any{
		"job_id": uuid.New().String(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = server.handleJobStatus(context.Background(), toolRequest("batch_job_status", map[string]any{
		"job_id": "not-a-uuid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestJobsRecentResource(t *testing.T) {
	server, _, mgr := newTestServer(t)

	_, err := mgr.Submit(context.Background(), model.SubmitJobRequest{
		Name:    "sweep",
		Type:    model.JobDataQuality,
		Records: []model.Identity{{GivenName: "Maria"}},
	})
	require.NoError(t, err)

	contents, err := server.handleJobsRecent(context.Background(), mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, "sweep")
}
