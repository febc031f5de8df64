// Package vectorstore provides the tenant-filtered vector search adapter.
// Every operation carries a tenant predicate; a result that leaks another
// tenant is treated as a programming error, never a user error.
package vectorstore

import (
	"context"
)

// Chunk represents a document chunk with its embedding, ready for upsert.
type Chunk struct {
	ID             string
	TenantID       string
	DocumentID     string
	ChunkIndex     int
	Content        string
	Embedding      []float32
	DocumentTitle  string
	DocumentSource string
	Metadata       map[string]string
}

// Hit represents a search result from the vector store.
type Hit struct {
	ChunkID        string
	DocumentID     string
	TenantID       string
	Content        string
	Score          float32
	VectorScore    float32
	DocumentTitle  string
	DocumentSource string
	Metadata       map[string]string
}

// Store defines the tenant-scoped vector storage operations.
type Store interface {
	// EnsureCollection creates the shared chunk collection (idempotent). The
	// dimension is a process-wide constant; mismatched embeddings are
	// rejected at insert.
	EnsureCollection(ctx context.Context, dimension int) error

	// InsertChunks upserts a batch of chunks. The batch must belong to a
	// single tenant; mixed batches are rejected.
	InsertChunks(ctx context.Context, tenantID string, chunks []Chunk) error

	// VectorSearch returns at most topK hits with cosine similarity >=
	// threshold, all owned by the tenant.
	VectorSearch(ctx context.Context, tenantID string, queryVec []float32, topK int, threshold float32) ([]Hit, error)

	// HybridSearch combines vector and lexical similarity:
	// score = vectorWeight*vec + (1-vectorWeight)*lex, sorted descending,
	// filtered by vec >= threshold.
	HybridSearch(ctx context.Context, tenantID string, queryVec []float32, queryText string, topK int, threshold, vectorWeight float32) ([]Hit, error)

	// DeleteByDocument removes a document's chunks.
	DeleteByDocument(ctx context.Context, tenantID, documentID string) error

	// DeleteByTenant removes every chunk owned by a tenant.
	DeleteByTenant(ctx context.Context, tenantID string) error

	// Ping verifies connectivity, used by the readiness probe.
	Ping(ctx context.Context) error

	Close() error
}
