package persistence

import (
	"context"
	"errors"

	"github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/erp/reconciliation/internal/infrastructure/persistence/models"
	"github.com/erp/reconciliation/internal/infrastructure/persistence/tenant"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormReconciliationRepository implements reconciliation.Repository using
// GORM. The aggregate spans six tables and is always written in one
// transaction.
type GormReconciliationRepository struct {
	db *gorm.DB
}

// NewGormReconciliationRepository creates a new GormReconciliationRepository
func NewGormReconciliationRepository(db *gorm.DB) *GormReconciliationRepository {
	return &GormReconciliationRepository{db: db}
}

// Create inserts the root and all child rows
func (r *GormReconciliationRepository) Create(ctx context.Context, recon *reconciliation.Reconciliation) error {
	rows := models.RowsFromDomain(recon)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.ReconciliationModel{}).Where("id = ?", recon.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return shared.NewDomainError(shared.CodeAlreadyExists, "reconciliation already exists")
		}
		if err := tx.Create(&rows.Root).Error; err != nil {
			return err
		}
		return insertChildren(tx, rows, false)
	})
}

// Update writes the aggregate when the stored version equals recon.Version.
// Child rows are replaced except evidence, which is only ever appended.
func (r *GormReconciliationRepository) Update(ctx context.Context, recon *reconciliation.Reconciliation) error {
	rows := models.RowsFromDomain(recon)
	expected := recon.Version

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.ReconciliationModel{}).
			Where("id = ? AND version = ?", recon.ID, expected).
			Updates(map[string]any{
				"engagement_id":     rows.Root.EngagementID,
				"control_reference": rows.Root.ControlReference,
				"name":              rows.Root.Name,
				"status":            rows.Root.Status,
				"last_matched_at":   rows.Root.LastMatchedAt,
				"closed_at":         rows.Root.ClosedAt,
				"closed_by":         rows.Root.ClosedBy,
				"closure_summary":   rows.Root.ClosureSummary,
				"updated_at":        rows.Root.UpdatedAt,
				"version":           expected + 1,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.ReconciliationModel{}).Where("id = ?", recon.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return shared.NewNotFoundError("reconciliation not found")
			}
			return shared.ErrConcurrencyConflict
		}

		for _, model := range []any{
			&models.StatementLineModel{},
			&models.StatementModel{},
			&models.MatchGroupModel{},
			&models.ReconItemModel{},
		} {
			if err := tx.Where("reconciliation_id = ?", recon.ID).Delete(model).Error; err != nil {
				return err
			}
		}
		return insertChildren(tx, rows, true)
	})
	if err != nil {
		return err
	}
	recon.IncrementVersion()
	return nil
}

func insertChildren(tx *gorm.DB, rows *models.ReconciliationRows, appendEvidence bool) error {
	if len(rows.Statements) > 0 {
		if err := tx.Create(&rows.Statements).Error; err != nil {
			return err
		}
	}
	if len(rows.Lines) > 0 {
		if err := tx.CreateInBatches(&rows.Lines, 500).Error; err != nil {
			return err
		}
	}
	if len(rows.MatchGroups) > 0 {
		if err := tx.CreateInBatches(&rows.MatchGroups, 500).Error; err != nil {
			return err
		}
	}
	if len(rows.Items) > 0 {
		if err := tx.CreateInBatches(&rows.Items, 500).Error; err != nil {
			return err
		}
	}
	if len(rows.Evidence) == 0 {
		return nil
	}
	if appendEvidence {
		tx = tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true})
	}
	return tx.Create(&rows.Evidence).Error
}

// FindByIDForTenant loads the aggregate only when tenantID owns it
func (r *GormReconciliationRepository) FindByIDForTenant(ctx context.Context, tenantID, id uuid.UUID) (*reconciliation.Reconciliation, error) {
	return r.load(ctx, tenantID, id)
}

func (r *GormReconciliationRepository) load(ctx context.Context, tenantID, id uuid.UUID) (*reconciliation.Reconciliation, error) {
	db := r.db.WithContext(ctx)

	var rows models.ReconciliationRows
	if err := db.Scopes(tenant.Scope(tenantID)).First(&rows.Root, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, reconNotFound(id)
		}
		return nil, err
	}

	for _, dest := range []any{&rows.Statements, &rows.Lines, &rows.MatchGroups, &rows.Items, &rows.Evidence} {
		if err := db.Where("reconciliation_id = ?", id).Order("position").Find(dest).Error; err != nil {
			return nil, err
		}
	}
	return rows.ToDomain(), nil
}

// FindByItemIDForTenant loads the aggregate owning the item when tenantID
// owns it. An item of another tenant is reported as not found.
func (r *GormReconciliationRepository) FindByItemIDForTenant(ctx context.Context, tenantID, itemID uuid.UUID) (*reconciliation.Reconciliation, error) {
	reconID, err := r.ownerOf(ctx, itemID)
	if err != nil {
		return nil, err
	}
	recon, err := r.load(ctx, tenantID, reconID)
	if errors.Is(err, shared.ErrNotFound) {
		return nil, itemNotFound(itemID)
	}
	return recon, err
}

func (r *GormReconciliationRepository) ownerOf(ctx context.Context, itemID uuid.UUID) (uuid.UUID, error) {
	var item models.ReconItemModel
	if err := r.db.WithContext(ctx).Select("reconciliation_id").First(&item, "id = ?", itemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, itemNotFound(itemID)
		}
		return uuid.Nil, err
	}
	return item.ReconciliationID, nil
}

func itemNotFound(itemID uuid.UUID) error {
	return shared.NewNotFoundError("reconciliation item " + itemID.String() + " not found")
}

// ListSummaries loads matching roots with their outstanding items only
func (r *GormReconciliationRepository) ListSummaries(ctx context.Context, filter reconciliation.SummaryFilter) ([]reconciliation.Summary, error) {
	db := r.db.WithContext(ctx)

	query := db.Model(&models.ReconciliationModel{})
	if filter.TenantID != nil {
		query = query.Scopes(tenant.Scope(*filter.TenantID))
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}

	var roots []models.ReconciliationModel
	if err := query.Find(&roots).Error; err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return []reconciliation.Summary{}, nil
	}

	ids := make([]uuid.UUID, len(roots))
	for i := range roots {
		ids[i] = roots[i].ID
	}
	var items []models.ReconItemModel
	if err := db.Where("reconciliation_id IN ? AND status = ?", ids, reconciliation.ItemStatusOutstanding).
		Order("position").
		Find(&items).Error; err != nil {
		return nil, err
	}
	itemsByRecon := make(map[uuid.UUID][]models.ReconItemModel, len(roots))
	for _, it := range items {
		itemsByRecon[it.ReconciliationID] = append(itemsByRecon[it.ReconciliationID], it)
	}

	summaries := make([]reconciliation.Summary, 0, len(roots))
	for i := range roots {
		rows := models.ReconciliationRows{Root: roots[i], Items: itemsByRecon[roots[i].ID]}
		summaries = append(summaries, rows.ToDomain().Summarize())
	}
	reconciliation.SortSummaries(summaries)
	return summaries, nil
}

// OutstandingItemCounts returns OUTSTANDING item counts per tenant for open
// and in-progress reconciliations.
func (r *GormReconciliationRepository) OutstandingItemCounts(ctx context.Context) (map[uuid.UUID]int64, error) {
	var results []struct {
		TenantID uuid.UUID
		Count    int64
	}
	err := r.db.WithContext(ctx).
		Table(models.ReconItemModel{}.TableName()+" AS i").
		Select("r.tenant_id AS tenant_id, COUNT(*) AS count").
		Joins("JOIN "+models.ReconciliationModel{}.TableName()+" AS r ON r.id = i.reconciliation_id").
		Where("i.status = ? AND r.status <> ?", reconciliation.ItemStatusOutstanding, reconciliation.StatusClosed).
		Group("r.tenant_id").
		Scan(&results).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[uuid.UUID]int64, len(results))
	for _, res := range results {
		counts[res.TenantID] = res.Count
	}
	return counts, nil
}

var _ reconciliation.Repository = (*GormReconciliationRepository)(nil)
