package reconciliation

import (
	"context"

	"github.com/google/uuid"
)

// SummaryFilter narrows ListSummaries. Zero values match everything.
type SummaryFilter struct {
	TenantID *uuid.UUID
	Status   Status
	Type     ReconciliationType
}

// Repository persists reconciliation aggregates. Implementations return
// copies; mutating a returned aggregate has no effect until Update.
type Repository interface {
	// Create stores a new reconciliation
	Create(ctx context.Context, r *Reconciliation) error

	// Update stores r if the stored version equals r.Version, then increments
	// r.Version. A mismatch returns shared.ErrConcurrencyConflict.
	Update(ctx context.Context, r *Reconciliation) error

	// FindByIDForTenant returns shared.ErrNotFound when tenantID owns no
	// reconciliation with the id
	FindByIDForTenant(ctx context.Context, tenantID, id uuid.UUID) (*Reconciliation, error)

	// FindByItemIDForTenant finds the reconciliation owning an item of tenantID
	FindByItemIDForTenant(ctx context.Context, tenantID, itemID uuid.UUID) (*Reconciliation, error)

	// ListSummaries returns summaries ordered by most recently updated first
	ListSummaries(ctx context.Context, filter SummaryFilter) ([]Summary, error)
}
