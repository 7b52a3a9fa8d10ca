// Package mcp implements the Model Context Protocol server for the
// resolution engine.
//
// The MCP server exposes a subset of the HTTP API as MCP tools and
// resources so MCP-compatible AI agents can resolve identities,
// assess record quality, and watch batch jobs without speaking the
// REST surface.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/idxr-io/idxr/internal/batch"
	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/normalize"
	"github.com/idxr-io/idxr/internal/quality"
)

// Resolver is the matching port the resolve_identity tool drives.
type Resolver interface {
	Resolve(ctx context.Context, req model.ResolveRequest) (model.MatchResult, error)
}

// Server wraps the MCP server with the engine's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	resolver  Resolver
	batch     *batch.Manager
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(resolver Resolver, batchMgr *batch.Manager, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		resolver: resolver,
		batch:    batchMgr,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"idxr",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler returns an HTTP handler speaking the streamable MCP
// transport, for mounting under the API server.
func (s *Server) Handler() *mcpserver.StreamableHTTPServer {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

func (s *Server) registerResources() {
	// idxr://jobs/recent: recent batch jobs, newest first.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"idxr://jobs/recent",
			"Recent Batch Jobs",
			mcplib.WithResourceDescription("Recent batch jobs across all job types, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleJobsRecent,
	)
}

func (s *Server) registerTools() {
	// resolve_identity: run one record through the matching stack.
	s.mcpServer.AddTool(
		mcplib.NewTool("resolve_identity",
			mcplib.WithDescription("Resolve a demographic record against the identity store and return ranked candidate matches with confidence scores"),
			mcplib.WithString("first_name", mcplib.Description("Given name")),
			mcplib.WithString("last_name", mcplib.Description("Surname")),
			mcplib.WithString("dob", mcplib.Description("Date of birth, YYYY-MM-DD")),
			mcplib.WithString("ssn", mcplib.Description("Taxpayer ID, 9 digits or last 4")),
			mcplib.WithString("phone", mcplib.Description("Phone number")),
			mcplib.WithString("email", mcplib.Description("Email address")),
			mcplib.WithNumber("match_threshold", mcplib.Description("Minimum confidence for returned matches, 0.0-1.0")),
		),
		s.handleResolve,
	)

	// assess_quality: score a record without matching it.
	s.mcpServer.AddTool(
		mcplib.NewTool("assess_quality",
			mcplib.WithDescription("Assess the completeness and validity of a demographic record and return a quality score with per-field findings"),
			mcplib.WithString("first_name", mcplib.Description("Given name")),
			mcplib.WithString("last_name", mcplib.Description("Surname")),
			mcplib.WithString("dob", mcplib.Description("Date of birth, YYYY-MM-DD")),
			mcplib.WithString("ssn", mcplib.Description("Taxpayer ID, 9 digits or last 4")),
			mcplib.WithString("phone", mcplib.Description("Phone number")),
			mcplib.WithString("email", mcplib.Description("Email address")),
			mcplib.WithString("validation_depth", mcplib.Description("basic, standard, enhanced, or comprehensive")),
		),
		s.handleAssessQuality,
	)

	// batch_job_status: inspect one batch job.
	s.mcpServer.AddTool(
		mcplib.NewTool("batch_job_status",
			mcplib.WithDescription("Get the status and progress of a batch job"),
			mcplib.WithString("job_id", mcplib.Description("Batch job UUID"), mcplib.Required()),
		),
		s.handleJobStatus,
	)
}

func (s *Server) handleJobsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	jobs := s.batch.List("")
	if len(jobs) > 20 {
		jobs = jobs[:20]
	}

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal jobs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "idxr://jobs/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// identityFromRequest pulls the shared demographic arguments out of a
// tool call.
func identityFromRequest(request mcplib.CallToolRequest) model.Identity {
	return model.Identity{
		GivenName: request.GetString("first_name", ""),
		Surname:   request.GetString("last_name", ""),
		DOB:       request.GetString("dob", ""),
		TaxID:     request.GetString("ssn", ""),
		Phone:     request.GetString("phone", ""),
		Email:     request.GetString("email", ""),
	}
}

func (s *Server) handleResolve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := identityFromRequest(request)
	if id.Empty() {
		return errorResult("at least one demographic field is required"), nil
	}

	req := model.ResolveRequest{
		Demographics: id,
		SourceSystem: "mcp",
	}
	if threshold := request.GetFloat("match_threshold", 0); threshold > 0 {
		req.Options.MatchThreshold = threshold
	}

	res, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("resolve failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(res, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleAssessQuality(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := identityFromRequest(request)
	if id.Empty() {
		return errorResult("at least one demographic field is required"), nil
	}

	depth, err := quality.ParseDepth(request.GetString("validation_depth", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}

	norm, _ := normalize.Record(id)
	report := quality.Assess(norm, depth)

	resultData, _ := json.MarshalIndent(report, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleJobStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("job_id", "")
	id, err := uuid.Parse(raw)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid job_id %q", raw)), nil
	}

	job, err := s.batch.Get(id)
	if err != nil {
		return errorResult(fmt.Sprintf("job lookup failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"job":      job,
		"progress": job.Progress(),
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
