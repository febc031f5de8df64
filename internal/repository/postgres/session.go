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

// SessionRepo implements repository.SessionRepository
type SessionRepo struct {
	db *DB
}

// NewSessionRepo creates a new session repository
func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Create persists a new session
func (r *SessionRepo) Create(ctx context.Context, s *repository.Session) error {
	metaJSON, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO sessions (id, tenant_id, user_id, rotation_id, expires_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.TenantID, s.UserID, s.RotationID, s.ExpiresAt, metaJSON, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by ID
func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Session, error) {
	var s repository.Session
	var metaJSON []byte
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, user_id, rotation_id, expires_at, metadata, created_at
		FROM sessions WHERE id = $1
	`, id).Scan(&s.ID, &s.TenantID, &s.UserID, &s.RotationID, &s.ExpiresAt, &metaJSON, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &s.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &s, nil
}

// Rotate swaps the rotation id if and only if the old one still matches.
// A zero-row update means the presented refresh token was already rotated.
func (r *SessionRepo) Rotate(ctx context.Context, id uuid.UUID, oldRotation, newRotation uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE sessions SET rotation_id = $3
		WHERE id = $1 AND rotation_id = $2
	`, id, oldRotation, newRotation)
	if err != nil {
		return fmt.Errorf("failed to rotate session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete revokes a session
func (r *SessionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteByTenant revokes all sessions owned by a tenant
func (r *SessionRepo) DeleteByTenant(ctx context.Context, tenantID string) (int, error) {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM sessions WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// Ensure SessionRepo implements the interface
var _ repository.SessionRepository = (*SessionRepo)(nil)
