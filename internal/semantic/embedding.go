// Package semantic holds the optional vector side of matching: text
// embeddings for identity records, a Qdrant index over them, and the
// outbox worker that keeps the index in sync with the corpus. The
// hybrid matcher consumes it through a narrow scoring port and
// degrades cleanly when any piece is absent or failing.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/idxr-io/idxr/internal/model"
)

// Embedder turns text into vectors. Implementations must be safe for
// concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)
	Dimensions() int
}

// Text renders an identity record as the sentence the embedding model
// sees. Only soft fields participate; identifiers carry no semantic
// signal and would poison nearest-neighbor space.
func Text(id model.Identity) string {
	parts := make([]string, 0, 6)
	if name := id.FullName(); name != "" {
		parts = append(parts, name)
	}
	if id.DOB != "" {
		parts = append(parts, "born "+id.DOB)
	}
	if id.Address.Street != "" {
		parts = append(parts, id.Address.Street)
	}
	if id.Address.City != "" {
		city := id.Address.City
		if id.Address.State != "" {
			city += ", " + id.Address.State
		}
		parts = append(parts, city)
	}
	if id.Email != "" {
		parts = append(parts, id.Email)
	}
	return strings.Join(parts, "; ")
}

// OpenAIProvider calls an OpenAI-compatible embeddings endpoint.
type OpenAIProvider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIProvider creates a provider for api.openai.com or any
// compatible endpoint (baseURL overridable for proxies).
func NewOpenAIProvider(baseURL, apiKey, embedModel string, dimensions int) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &OpenAIProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      embedModel,
		httpClient: &http.Client{},
		dimensions: dimensions,
	}
}

func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

type openAIRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(openAIRequest{Input: texts, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("semantic: marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("semantic: create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("semantic: send embed request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("semantic: read embed response: %w", err)
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("semantic: unmarshal embed response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("semantic: embeddings API error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("semantic: embeddings API status %d: %s", resp.StatusCode, string(body))
	}

	// Responses may arrive out of order; place by index.
	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("semantic: invalid index %d in embed response", d.Index)
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
	}
	return vecs, nil
}

// NoopEmbedder returns zero vectors. Used when embeddings are not
// configured; the hybrid matcher's semantic component then scores
// nothing.
type NoopEmbedder struct {
	dims int
}

// NewNoopEmbedder creates a zero-vector embedder.
func NewNoopEmbedder(dims int) *NoopEmbedder {
	if dims <= 0 {
		dims = 1536
	}
	return &NoopEmbedder{dims: dims}
}

func (p *NoopEmbedder) Dimensions() int { return p.dims }

// Embed returns a zero vector.
func (p *NoopEmbedder) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopEmbedder) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}
