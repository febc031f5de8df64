package ess

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kmorita/conflux/internal/apperr"
	"github.com/kmorita/conflux/internal/repository"
)

// BindingManager provisions and caches the per-tenant connector binding
// (CC-pair plus document set). Bindings are created lazily on first use and
// persisted so restarts do not re-provision.
type BindingManager struct {
	client   *Client
	bindings repository.ESSBindingRepository
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]*repository.ESSBinding
	locks map[string]*sync.Mutex
}

// NewBindingManager creates a binding manager.
func NewBindingManager(client *Client, bindings repository.ESSBindingRepository, logger *slog.Logger) *BindingManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &BindingManager{
		client:   client,
		bindings: bindings,
		logger:   logger,
		cache:    make(map[string]*repository.ESSBinding),
		locks:    make(map[string]*sync.Mutex),
	}
}

// tenantLock returns the per-tenant provisioning mutex, creating it on first
// use. Serializing per tenant keeps concurrent first requests from racing to
// create duplicate document sets.
func (m *BindingManager) tenantLock(tenantID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[tenantID] = lock
	}
	return lock
}

// EnsureDocumentSet returns the tenant's document set id, provisioning it if
// needed. A CC-pair that does not report ready produces a warning, not a
// failure: some corpora are indexed out-of-band.
func (m *BindingManager) EnsureDocumentSet(ctx context.Context, tenantID string, ccPairID int) (int, error) {
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	cached, ok := m.cache[tenantID]
	m.mu.Unlock()
	if ok && cached.CCPairID == ccPairID {
		return cached.DocumentSetID, nil
	}

	binding, err := m.bindings.Get(ctx, tenantID)
	switch {
	case err == nil && binding.CCPairID == ccPairID:
		m.remember(binding)
		return binding.DocumentSetID, nil
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return 0, apperr.Wrap(apperr.Internal, "binding lookup failed", err)
	}

	status, err := m.client.CCPairStatus(ctx, ccPairID)
	if err != nil {
		return 0, err
	}
	if !status.Ready() {
		m.logger.Warn("cc-pair not ready, provisioning anyway",
			"tenant_id", tenantID,
			"cc_pair_id", ccPairID,
			"status", status.Status,
			"access_type", status.AccessType,
			"num_docs_indexed", status.NumDocsIndexed,
			"indexing", status.Indexing,
		)
	}

	docSetID, err := m.client.CreateDocumentSet(ctx, "tenant-"+tenantID, ccPairID)
	if err != nil {
		return 0, err
	}

	binding = &repository.ESSBinding{
		TenantID:      tenantID,
		CCPairID:      ccPairID,
		DocumentSetID: docSetID,
		CreatedAt:     time.Now(),
	}
	if err := m.bindings.Put(ctx, binding); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "binding persist failed", err)
	}
	m.remember(binding)

	m.logger.Info("provisioned ess document set",
		"tenant_id", tenantID,
		"cc_pair_id", ccPairID,
		"document_set_id", docSetID,
	)
	return docSetID, nil
}

// Forget drops a tenant's binding from cache and store, used when the tenant
// is deleted.
func (m *BindingManager) Forget(ctx context.Context, tenantID string) error {
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	delete(m.cache, tenantID)
	m.mu.Unlock()

	if err := m.bindings.Delete(ctx, tenantID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return apperr.Wrap(apperr.Internal, "binding delete failed", err)
	}
	return nil
}

func (m *BindingManager) remember(b *repository.ESSBinding) {
	m.mu.Lock()
	m.cache[b.TenantID] = b
	m.mu.Unlock()
}
