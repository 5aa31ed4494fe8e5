package persistence

import (
	"context"
	"sync"

	"github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/google/uuid"
)

// MemoryReconciliationRepository keeps reconciliations in process memory.
// Stored and returned aggregates are deep copies.
type MemoryReconciliationRepository struct {
	mu        sync.RWMutex
	byID      map[uuid.UUID]*reconciliation.Reconciliation
	itemIndex map[uuid.UUID]uuid.UUID
}

// NewMemoryReconciliationRepository creates an empty in-memory repository
func NewMemoryReconciliationRepository() *MemoryReconciliationRepository {
	return &MemoryReconciliationRepository{
		byID:      make(map[uuid.UUID]*reconciliation.Reconciliation),
		itemIndex: make(map[uuid.UUID]uuid.UUID),
	}
}

// Create stores a new reconciliation
func (r *MemoryReconciliationRepository) Create(ctx context.Context, recon *reconciliation.Reconciliation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[recon.ID]; exists {
		return shared.NewDomainError(shared.CodeAlreadyExists, "reconciliation already exists")
	}
	r.store(recon.Clone())
	return nil
}

// Update stores recon when its version matches, then bumps the version
func (r *MemoryReconciliationRepository) Update(ctx context.Context, recon *reconciliation.Reconciliation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[recon.ID]
	if !ok {
		return shared.NewNotFoundError("reconciliation not found")
	}
	if current.Version != recon.Version {
		return shared.ErrConcurrencyConflict
	}

	for i := range current.Items {
		delete(r.itemIndex, current.Items[i].ID)
	}
	recon.IncrementVersion()
	r.store(recon.Clone())
	return nil
}

func (r *MemoryReconciliationRepository) store(recon *reconciliation.Reconciliation) {
	r.byID[recon.ID] = recon
	for i := range recon.Items {
		r.itemIndex[recon.Items[i].ID] = recon.ID
	}
}

// FindByIDForTenant returns a copy of the reconciliation when tenantID owns it
func (r *MemoryReconciliationRepository) FindByIDForTenant(ctx context.Context, tenantID, id uuid.UUID) (*reconciliation.Reconciliation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recon, ok := r.byID[id]
	if !ok || recon.TenantID != tenantID {
		return nil, reconNotFound(id)
	}
	return recon.Clone(), nil
}

// FindByItemIDForTenant returns a copy of the reconciliation owning the item
// when tenantID owns it
func (r *MemoryReconciliationRepository) FindByItemIDForTenant(ctx context.Context, tenantID, itemID uuid.UUID) (*reconciliation.Reconciliation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reconID, ok := r.itemIndex[itemID]
	if !ok || r.byID[reconID].TenantID != tenantID {
		return nil, itemNotFound(itemID)
	}
	return r.byID[reconID].Clone(), nil
}

func reconNotFound(id uuid.UUID) error {
	return shared.NewNotFoundError("reconciliation " + id.String() + " not found")
}

// ListSummaries returns matching summaries, most recently updated first
func (r *MemoryReconciliationRepository) ListSummaries(ctx context.Context, filter reconciliation.SummaryFilter) ([]reconciliation.Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]reconciliation.Summary, 0, len(r.byID))
	for _, recon := range r.byID {
		if !matchesFilter(recon, filter) {
			continue
		}
		summaries = append(summaries, recon.Summarize())
	}
	reconciliation.SortSummaries(summaries)
	return summaries, nil
}

// OutstandingItemCounts returns OUTSTANDING item counts per tenant for open
// and in-progress reconciliations.
func (r *MemoryReconciliationRepository) OutstandingItemCounts(ctx context.Context) (map[uuid.UUID]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[uuid.UUID]int64)
	for _, recon := range r.byID {
		if recon.IsClosed() {
			continue
		}
		for i := range recon.Items {
			if recon.Items[i].IsOutstanding() {
				counts[recon.TenantID]++
			}
		}
	}
	return counts, nil
}

func matchesFilter(recon *reconciliation.Reconciliation, filter reconciliation.SummaryFilter) bool {
	if filter.TenantID != nil && recon.TenantID != *filter.TenantID {
		return false
	}
	if filter.Status != "" && recon.Status != filter.Status {
		return false
	}
	if filter.Type != "" && recon.Type != filter.Type {
		return false
	}
	return true
}

var _ reconciliation.Repository = (*MemoryReconciliationRepository)(nil)
