// Package embedder provides the embedding collaborator client and a
// tenant-scoped cache in front of it.
package embedder

import (
	"context"
	"fmt"
)

// Embedder is the raw embedding collaborator: text in, vector out.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// TenantEmbedder embeds on behalf of a tenant. Implementations may cache per
// tenant; the tenant id never changes the vector, only the cache key.
type TenantEmbedder interface {
	Embed(ctx context.Context, tenantID, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, tenantID string, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
}

// VerifyDimension rejects a vector that does not match the configured
// dimension. Every vector crossing into the stores passes through this.
func VerifyDimension(vec []float32, want int) error {
	if len(vec) != want {
		return fmt.Errorf("embedding dimension %d, want %d", len(vec), want)
	}
	return nil
}
