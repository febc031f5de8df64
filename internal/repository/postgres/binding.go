package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/kmorita/conflux/internal/repository"
)

// ESSBindingRepo implements repository.ESSBindingRepository
type ESSBindingRepo struct {
	db *DB
}

// NewESSBindingRepo creates a new ESS binding repository
func NewESSBindingRepo(db *DB) *ESSBindingRepo {
	return &ESSBindingRepo{db: db}
}

// Get retrieves the binding for a tenant
func (r *ESSBindingRepo) Get(ctx context.Context, tenantID string) (*repository.ESSBinding, error) {
	var b repository.ESSBinding
	err := r.db.Pool.QueryRow(ctx, `
		SELECT tenant_id, cc_pair_id, document_set_id, created_at
		FROM ess_bindings WHERE tenant_id = $1
	`, tenantID).Scan(&b.TenantID, &b.CCPairID, &b.DocumentSetID, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ess binding: %w", err)
	}
	return &b, nil
}

// Put inserts or replaces the binding for a tenant. The primary key on
// tenant_id enforces at most one active document set per tenant.
func (r *ESSBindingRepo) Put(ctx context.Context, b *repository.ESSBinding) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO ess_bindings (tenant_id, cc_pair_id, document_set_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE
		SET cc_pair_id = EXCLUDED.cc_pair_id,
		    document_set_id = EXCLUDED.document_set_id,
		    created_at = EXCLUDED.created_at
	`, b.TenantID, b.CCPairID, b.DocumentSetID, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to put ess binding: %w", err)
	}
	return nil
}

// Delete removes a tenant's binding
func (r *ESSBindingRepo) Delete(ctx context.Context, tenantID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM ess_bindings WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete ess binding: %w", err)
	}
	return nil
}

// Ensure ESSBindingRepo implements the interface
var _ repository.ESSBindingRepository = (*ESSBindingRepo)(nil)
