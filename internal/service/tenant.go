// Package service implements the tenant registry operations on top of the
// repositories and the per-tenant state held in the vector, graph, and ESS
// backends.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kmorita/conflux/internal/apperr"
	"github.com/kmorita/conflux/internal/ess"
	"github.com/kmorita/conflux/internal/graphstore"
	"github.com/kmorita/conflux/internal/repository"
	"github.com/kmorita/conflux/internal/vectorstore"
)

// TenantService manages tenant lifecycle. Deletion cascades across every
// store a tenant touches.
type TenantService struct {
	tenants   repository.TenantRepository
	documents repository.DocumentRepository
	sessions  repository.SessionRepository
	vectors   vectorstore.Store
	graph     graphstore.GraphStore
	bindings  *ess.BindingManager
	logger    *slog.Logger
}

// TenantServiceConfig wires the service.
type TenantServiceConfig struct {
	Tenants   repository.TenantRepository
	Documents repository.DocumentRepository
	Sessions  repository.SessionRepository
	Vectors   vectorstore.Store
	Graph     graphstore.GraphStore
	Bindings  *ess.BindingManager
	Logger    *slog.Logger
}

// NewTenantService creates a tenant service.
func NewTenantService(cfg TenantServiceConfig) *TenantService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantService{
		tenants:   cfg.Tenants,
		documents: cfg.Documents,
		sessions:  cfg.Sessions,
		vectors:   cfg.Vectors,
		graph:     cfg.Graph,
		bindings:  cfg.Bindings,
		logger:    logger,
	}
}

// CreateTenantInput carries the caller-chosen id and limits.
type CreateTenantInput struct {
	ID           string
	Name         string
	MaxDocuments int
	MaxStorageMB int
	Metadata     map[string]string
}

// Create registers a new tenant. The id is validated and must be unused.
func (s *TenantService) Create(ctx context.Context, in CreateTenantInput) (*repository.Tenant, error) {
	if !repository.ValidTenantID(in.ID) {
		return nil, apperr.Newf(apperr.ValidationFailed,
			"tenant id %q must be 3-50 lowercase alphanumeric, underscore, or hyphen characters", in.ID)
	}
	if in.Name == "" {
		return nil, apperr.New(apperr.ValidationFailed, "tenant name is required")
	}

	now := time.Now()
	tenant := &repository.Tenant{
		ID:           in.ID,
		Name:         in.Name,
		Status:       repository.TenantActive,
		MaxDocuments: in.MaxDocuments,
		MaxStorageMB: in.MaxStorageMB,
		Metadata:     in.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.tenants.Create(ctx, tenant); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, apperr.Newf(apperr.AlreadyExists, "tenant %q already exists", in.ID)
		}
		return nil, apperr.Wrap(apperr.Internal, "tenant create failed", err)
	}

	s.logger.Info("tenant created", "tenant_id", tenant.ID, "name", tenant.Name)
	return tenant, nil
}

// Get returns a tenant by id.
func (s *TenantService) Get(ctx context.Context, id string) (*repository.Tenant, error) {
	tenant, err := s.tenants.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Newf(apperr.NotFound, "tenant %q not found", id)
		}
		return nil, apperr.Wrap(apperr.Internal, "tenant lookup failed", err)
	}
	return tenant, nil
}

// List returns tenants, optionally filtered by status.
func (s *TenantService) List(ctx context.Context, status repository.TenantStatus) ([]*repository.Tenant, error) {
	tenants, err := s.tenants.List(ctx, status)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "tenant list failed", err)
	}
	return tenants, nil
}

// Suspend marks a tenant suspended. Suspended tenants fail auth-scoped
// operations with TenantUnavailable but keep their data.
func (s *TenantService) Suspend(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, repository.TenantSuspended)
}

// Activate returns a suspended tenant to service.
func (s *TenantService) Activate(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, repository.TenantActive)
}

func (s *TenantService) setStatus(ctx context.Context, id string, status repository.TenantStatus) error {
	if err := s.tenants.UpdateStatus(ctx, id, status); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.Newf(apperr.NotFound, "tenant %q not found", id)
		}
		return apperr.Wrap(apperr.Internal, "tenant status update failed", err)
	}
	s.logger.Info("tenant status changed", "tenant_id", id, "status", status)
	return nil
}

// Delete removes a tenant. Without force, a tenant that still owns documents
// is rejected. With force, every store the tenant touches is cascaded:
// documents and chunks, vector points, sessions, the ESS binding, and the
// graph namespace. Cascade steps are best-effort after the registry row is
// gone; failures are logged and reported but do not resurrect the tenant.
func (s *TenantService) Delete(ctx context.Context, id string, force bool) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	count, err := s.tenants.CountDocuments(ctx, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "document count failed", err)
	}
	if count > 0 && !force {
		return apperr.Newf(apperr.ValidationFailed,
			"tenant %q still owns %d documents; pass force to cascade", id, count)
	}

	if force {
		if _, err := s.documents.DeleteByTenant(ctx, id); err != nil {
			return apperr.Wrap(apperr.Internal, "document cascade failed", err)
		}
		if err := s.vectors.DeleteByTenant(ctx, id); err != nil {
			s.logger.Error("vector cascade failed", "tenant_id", id, "error", err)
		}
		if err := s.graph.DeleteNamespace(ctx, id); err != nil {
			s.logger.Error("graph cascade failed", "tenant_id", id, "error", err)
		}
		if s.bindings != nil {
			if err := s.bindings.Forget(ctx, id); err != nil {
				s.logger.Error("ess binding cascade failed", "tenant_id", id, "error", err)
			}
		}
	}

	if _, err := s.sessions.DeleteByTenant(ctx, id); err != nil {
		s.logger.Error("session cascade failed", "tenant_id", id, "error", err)
	}

	if err := s.tenants.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.Newf(apperr.NotFound, "tenant %q not found", id)
		}
		return apperr.Wrap(apperr.Internal, "tenant delete failed", err)
	}

	s.logger.Info("tenant deleted", "tenant_id", id, "force", force, "documents_cascaded", count)
	return nil
}
