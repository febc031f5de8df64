// Package repository defines domain models and data access interfaces for
// tenants, documents, chunks, sessions, and ESS bindings.
package repository

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a unique attribute collides on create
var ErrAlreadyExists = errors.New("already exists")

// TenantStatus enumerates the lifecycle states of a tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantDeleted   TenantStatus = "deleted"
)

// tenantIDPattern constrains tenant identifiers: lowercase alphanumeric plus
// underscore and hyphen, 3-50 characters.
var tenantIDPattern = regexp.MustCompile(`^[a-z0-9_-]{3,50}$`)

// ValidTenantID reports whether id is an acceptable tenant identifier.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// Tenant represents a tenant in the system. The ID is caller-chosen and
// immutable; every row, vector point, and graph node the tenant owns carries
// it.
type Tenant struct {
	ID           string
	Name         string
	Status       TenantStatus
	MaxDocuments int
	MaxStorageMB int
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Document represents an ingested document owned by exactly one tenant.
type Document struct {
	ID         uuid.UUID
	TenantID   string
	Title      string
	Source     string
	Content    string
	ChunkCount int
	Metadata   map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Chunk is an immutable slice of a document with its embedding. ChunkIndex is
// dense and 0-based within the document.
type Chunk struct {
	ID         uuid.UUID
	TenantID   string
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	TokenCount int
	Embedding  []float32
	Metadata   map[string]string
	CreatedAt  time.Time
}

// Session binds an auth token to server-side state for rate limiting and
// revocation. RotationID changes on every refresh-token rotation; a refresh
// token presenting a stale rotation id is rejected.
type Session struct {
	ID         uuid.UUID
	TenantID   string
	UserID     string
	RotationID uuid.UUID
	ExpiresAt  time.Time
	Metadata   map[string]string
	CreatedAt  time.Time
}

// Expired reports whether the session has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ESSBinding caches the per-tenant connector-credential pair and document set
// so repeat queries reuse the same ESS document set.
type ESSBinding struct {
	TenantID      string
	CCPairID      int
	DocumentSetID int
	CreatedAt     time.Time
}

// TenantRepository defines operations for tenant persistence
type TenantRepository interface {
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id string) (*Tenant, error)
	List(ctx context.Context, status TenantStatus) ([]*Tenant, error)
	UpdateStatus(ctx context.Context, id string, status TenantStatus) error
	// Delete removes the tenant row. Cascading across owned rows is the
	// service layer's responsibility so the vector and graph stores are
	// covered too.
	Delete(ctx context.Context, id string) error
	CountDocuments(ctx context.Context, id string) (int, error)
}

// DocumentRepository defines operations for document and chunk persistence
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Document, error)
	// GetBySource finds the tenant's document with the given source, used to
	// make re-ingestion idempotent.
	GetBySource(ctx context.Context, tenantID, source string) (*Document, error)
	List(ctx context.Context, tenantID string, limit, offset int) ([]*Document, int, error)
	Update(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, tenantID string, id uuid.UUID) error
	DeleteByTenant(ctx context.Context, tenantID string) (int, error)

	// Chunk operations. CreateChunks is transactional per document and
	// rejects batches that mix tenants or documents.
	CreateChunks(ctx context.Context, chunks []*Chunk) error
	GetChunks(ctx context.Context, tenantID string, documentID uuid.UUID) ([]*Chunk, error)
	DeleteChunks(ctx context.Context, tenantID string, documentID uuid.UUID) (int, error)
}

// SessionRepository defines operations for auth session persistence
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	Rotate(ctx context.Context, id uuid.UUID, oldRotation, newRotation uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByTenant(ctx context.Context, tenantID string) (int, error)
}

// ESSBindingRepository persists the per-tenant ESS document-set binding.
// At most one active binding exists per tenant; Put replaces.
type ESSBindingRepository interface {
	Get(ctx context.Context, tenantID string) (*ESSBinding, error)
	Put(ctx context.Context, b *ESSBinding) error
	Delete(ctx context.Context, tenantID string) error
}
