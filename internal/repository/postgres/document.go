package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kmorita/conflux/internal/repository"
)

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// Create creates a new document row
func (r *DocumentRepo) Create(ctx context.Context, doc *repository.Document) error {
	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO documents (id, tenant_id, title, source, content, chunk_count, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		doc.ID, doc.TenantID, doc.Title, doc.Source, doc.Content,
		doc.ChunkCount, metaJSON, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetByID retrieves a document scoped to its owning tenant
func (r *DocumentRepo) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*repository.Document, error) {
	query := `
		SELECT id, tenant_id, title, source, content, chunk_count, metadata, created_at, updated_at
		FROM documents
		WHERE tenant_id = $1 AND id = $2
	`
	var doc repository.Document
	var metaJSON []byte
	err := r.db.Pool.QueryRow(ctx, query, tenantID, id).Scan(
		&doc.ID, &doc.TenantID, &doc.Title, &doc.Source, &doc.Content,
		&doc.ChunkCount, &metaJSON, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &doc, nil
}

// GetBySource finds a tenant's document by its source identifier
func (r *DocumentRepo) GetBySource(ctx context.Context, tenantID, source string) (*repository.Document, error) {
	query := `
		SELECT id, tenant_id, title, source, content, chunk_count, metadata, created_at, updated_at
		FROM documents
		WHERE tenant_id = $1 AND source = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	var doc repository.Document
	var metaJSON []byte
	err := r.db.Pool.QueryRow(ctx, query, tenantID, source).Scan(
		&doc.ID, &doc.TenantID, &doc.Title, &doc.Source, &doc.Content,
		&doc.ChunkCount, &metaJSON, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document by source: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &doc, nil
}

// List retrieves a tenant's documents with pagination
func (r *DocumentRepo) List(ctx context.Context, tenantID string, limit, offset int) ([]*repository.Document, int, error) {
	var total int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE tenant_id = $1`, tenantID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	query := `
		SELECT id, tenant_id, title, source, content, chunk_count, metadata, created_at, updated_at
		FROM documents
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		var doc repository.Document
		var metaJSON []byte
		if err := rows.Scan(&doc.ID, &doc.TenantID, &doc.Title, &doc.Source, &doc.Content,
			&doc.ChunkCount, &metaJSON, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan document: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &doc.Metadata); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		docs = append(docs, &doc)
	}
	return docs, total, rows.Err()
}

// Update updates a document's mutable fields
func (r *DocumentRepo) Update(ctx context.Context, doc *repository.Document) error {
	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE documents
		SET title = $3, source = $4, content = $5, chunk_count = $6, metadata = $7, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, doc.TenantID, doc.ID, doc.Title, doc.Source, doc.Content, doc.ChunkCount, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete removes a document and its chunks in one transaction
func (r *DocumentRepo) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM chunks WHERE tenant_id = $1 AND document_id = $2`, tenantID, id); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	result, err := tx.Exec(ctx,
		`DELETE FROM documents WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return tx.Commit(ctx)
}

// DeleteByTenant removes all documents and chunks for a tenant (force cascade)
func (r *DocumentRepo) DeleteByTenant(ctx context.Context, tenantID string) (int, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE tenant_id = $1`, tenantID); err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	result, err := tx.Exec(ctx, `DELETE FROM documents WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(result.RowsAffected()), nil
}

// CreateChunks inserts chunks transactionally. The batch must belong to a
// single tenant and document, and indices must be dense and 0-based.
func (r *DocumentRepo) CreateChunks(ctx context.Context, chunks []*repository.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tenantID := chunks[0].TenantID
	documentID := chunks[0].DocumentID
	for i, c := range chunks {
		if c.TenantID != tenantID {
			return fmt.Errorf("mixed-tenant chunk batch: %s vs %s", c.TenantID, tenantID)
		}
		if c.DocumentID != documentID {
			return fmt.Errorf("mixed-document chunk batch")
		}
		if c.ChunkIndex != i {
			return fmt.Errorf("chunk index not dense: got %d at position %d", c.ChunkIndex, i)
		}
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range chunks {
		metaJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO chunks (id, tenant_id, document_id, chunk_index, content, token_count, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, c.ID, c.TenantID, c.DocumentID, c.ChunkIndex, c.Content, c.TokenCount, metaJSON, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
		}
	}

	return tx.Commit(ctx)
}

// GetChunks retrieves a document's chunks in index order
func (r *DocumentRepo) GetChunks(ctx context.Context, tenantID string, documentID uuid.UUID) ([]*repository.Chunk, error) {
	query := `
		SELECT id, tenant_id, document_id, chunk_index, content, token_count, metadata, created_at
		FROM chunks
		WHERE tenant_id = $1 AND document_id = $2
		ORDER BY chunk_index
	`
	rows, err := r.db.Pool.Query(ctx, query, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*repository.Chunk
	for rows.Next() {
		var c repository.Chunk
		var metaJSON []byte
		if err := rows.Scan(&c.ID, &c.TenantID, &c.DocumentID, &c.ChunkIndex,
			&c.Content, &c.TokenCount, &metaJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &c.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
			}
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// DeleteChunks removes all chunks for a document, returning the count removed
func (r *DocumentRepo) DeleteChunks(ctx context.Context, tenantID string, documentID uuid.UUID) (int, error) {
	result, err := r.db.Pool.Exec(ctx,
		`DELETE FROM chunks WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// Ensure DocumentRepo implements the interface
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
