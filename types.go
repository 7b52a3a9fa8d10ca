package idxr

import "context"

// Embedder generates vector embeddings from text.
// When provided via WithEmbedder, replaces the auto-detected
// Ollama/OpenAI/noop provider. Uses []float32 (not pgvector.Vector) so
// external consumers do not inherit the pgvector dependency; New()
// wraps it in an adapter for internal use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Client is an API client seeded via WithClient. Tier controls the
// rate-limit class: "anonymous", "authenticated", "premium", or
// "admin"; unknown values fall back to "authenticated".
type Client struct {
	ClientID string
	Name     string
	APIKey   string
	Tier     string
}
