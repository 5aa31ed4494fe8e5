package models

import (
	"time"

	"github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/erp/reconciliation/internal/domain/shared/valueobject"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReconciliationModel is the aggregate root row
type ReconciliationModel struct {
	TenantAggregateModel
	EngagementID     string                            `gorm:"type:varchar(100);index"`
	ControlReference string                            `gorm:"type:varchar(100)"`
	Name             string                            `gorm:"type:varchar(255);not null"`
	Type             reconciliation.ReconciliationType `gorm:"type:varchar(30);not null;index"`
	Currency         string                            `gorm:"type:varchar(3);not null"`
	Status           reconciliation.Status             `gorm:"type:varchar(20);not null;index"`
	PeriodStart      time.Time                         `gorm:"not null"`
	PeriodEnd        time.Time                         `gorm:"not null"`
	LastMatchedAt    *time.Time
	ClosedAt         *time.Time
	ClosedBy         string `gorm:"type:varchar(255)"`
	ClosureSummary   string `gorm:"type:text"`
}

// TableName returns the table name for GORM
func (ReconciliationModel) TableName() string {
	return "reconciliations"
}

// FromDomain populates the root row from the aggregate
func (m *ReconciliationModel) FromDomain(r *reconciliation.Reconciliation) {
	m.FromDomainTenantAggregateRoot(r.TenantAggregateRoot)
	m.EngagementID = r.EngagementID
	m.ControlReference = r.ControlReference
	m.Name = r.Name
	m.Type = r.Type
	m.Currency = r.Currency.String()
	m.Status = r.Status
	m.PeriodStart = r.PeriodStart
	m.PeriodEnd = r.PeriodEnd
	m.LastMatchedAt = r.LastMatchedAt
	m.ClosedAt = r.ClosedAt
	m.ClosedBy = r.ClosedBy
	m.ClosureSummary = r.ClosureSummary
}

// ToDomain rebuilds the aggregate root without children
func (m *ReconciliationModel) ToDomain() *reconciliation.Reconciliation {
	r := &reconciliation.Reconciliation{
		EngagementID:     m.EngagementID,
		ControlReference: m.ControlReference,
		Name:             m.Name,
		Type:             m.Type,
		Currency:         valueobject.Currency(m.Currency),
		Status:           m.Status,
		PeriodStart:      m.PeriodStart.UTC(),
		PeriodEnd:        m.PeriodEnd.UTC(),
		LastMatchedAt:    utcPtr(m.LastMatchedAt),
		ClosedAt:         utcPtr(m.ClosedAt),
		ClosedBy:         m.ClosedBy,
		ClosureSummary:   m.ClosureSummary,
	}
	m.PopulateTenantAggregateRoot(&r.TenantAggregateRoot)
	return r
}

// StatementModel is one imported statement
type StatementModel struct {
	ID               uuid.UUID                    `gorm:"type:uuid;primaryKey"`
	ReconciliationID uuid.UUID                    `gorm:"type:uuid;not null;index"`
	Position         int                          `gorm:"not null"`
	Side             reconciliation.StatementSide `gorm:"type:varchar(10);not null"`
	SourceName       string                       `gorm:"type:varchar(255)"`
	StatementDate    *time.Time
	ImportedAt       time.Time `gorm:"not null"`
	ImportedBy       string    `gorm:"type:varchar(255)"`
}

// TableName returns the table name for GORM
func (StatementModel) TableName() string {
	return "reconciliation_statements"
}

// StatementLineModel is one statement line
type StatementLineModel struct {
	ID               uuid.UUID                    `gorm:"type:uuid;primaryKey"`
	ReconciliationID uuid.UUID                    `gorm:"type:uuid;not null;index"`
	StatementID      uuid.UUID                    `gorm:"type:uuid;not null;index"`
	Position         int                          `gorm:"not null"`
	Side             reconciliation.StatementSide `gorm:"type:varchar(10);not null"`
	Date             time.Time                    `gorm:"not null"`
	Description      string                       `gorm:"type:text;not null"`
	Reference        string                       `gorm:"type:varchar(255)"`
	Amount           decimal.Decimal              `gorm:"type:decimal(18,2);not null"`
	MatchGroupID     *uuid.UUID                   `gorm:"type:uuid"`
}

// TableName returns the table name for GORM
func (StatementLineModel) TableName() string {
	return "reconciliation_statement_lines"
}

// MatchGroupModel is one pairing produced by the matcher
type MatchGroupModel struct {
	ID               uuid.UUID                        `gorm:"type:uuid;primaryKey"`
	ReconciliationID uuid.UUID                        `gorm:"type:uuid;not null;index"`
	Position         int                              `gorm:"not null"`
	Strategy         reconciliation.MatchStrategyType `gorm:"type:varchar(30);not null"`
	LedgerLineIDs    []uuid.UUID                      `gorm:"serializer:json;type:text;not null"`
	ExternalLineIDs  []uuid.UUID                      `gorm:"serializer:json;type:text;not null"`
	CreatedAt        time.Time                        `gorm:"not null"`
}

// TableName returns the table name for GORM
func (MatchGroupModel) TableName() string {
	return "reconciliation_match_groups"
}

// ReconItemModel is one reconciling item
type ReconItemModel struct {
	ID               uuid.UUID                    `gorm:"type:uuid;primaryKey"`
	ReconciliationID uuid.UUID                    `gorm:"type:uuid;not null;index"`
	Position         int                          `gorm:"not null"`
	Origin           reconciliation.ItemOrigin    `gorm:"type:varchar(20);not null"`
	Side             reconciliation.StatementSide `gorm:"type:varchar(10)"`
	Amount           decimal.Decimal              `gorm:"type:decimal(18,2);not null"`
	Reason           reconciliation.ItemReason    `gorm:"type:varchar(100)"`
	Status           reconciliation.ItemStatus    `gorm:"type:varchar(20);not null;index"`
	IsMisstatement   bool                         `gorm:"not null;default:false"`
	ResolutionNote   string                       `gorm:"type:text"`
	FollowUpDate     *time.Time
	EvidenceID       *uuid.UUID `gorm:"type:uuid"`
	ResolvedAt       *time.Time
	ResolvedBy       string      `gorm:"type:varchar(255)"`
	SourceLineIDs    []uuid.UUID `gorm:"serializer:json;type:text"`
	CreatedAt        time.Time   `gorm:"not null"`
	UpdatedAt        time.Time   `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ReconItemModel) TableName() string {
	return "reconciliation_items"
}

// EvidenceModel is one append-only evidence record
type EvidenceModel struct {
	ID               uuid.UUID                   `gorm:"type:uuid;primaryKey"`
	ReconciliationID uuid.UUID                   `gorm:"type:uuid;not null;index"`
	Position         int                         `gorm:"not null"`
	Type             reconciliation.EvidenceType `gorm:"type:varchar(20);not null"`
	Description      string                      `gorm:"type:text;not null"`
	ItemID           *uuid.UUID                  `gorm:"type:uuid"`
	Link             string                      `gorm:"type:text"`
	CreatedBy        string                      `gorm:"type:varchar(255)"`
	CreatedAt        time.Time                   `gorm:"not null"`
}

// TableName returns the table name for GORM
func (EvidenceModel) TableName() string {
	return "reconciliation_evidence"
}

// AllModels lists every table owned by the reconciliation aggregate, parents
// first.
func AllModels() []any {
	return []any{
		&ReconciliationModel{},
		&StatementModel{},
		&StatementLineModel{},
		&MatchGroupModel{},
		&ReconItemModel{},
		&EvidenceModel{},
	}
}

// ReconciliationRows is the full row set of one aggregate
type ReconciliationRows struct {
	Root        ReconciliationModel
	Statements  []StatementModel
	Lines       []StatementLineModel
	MatchGroups []MatchGroupModel
	Items       []ReconItemModel
	Evidence    []EvidenceModel
}

// RowsFromDomain flattens an aggregate into rows. Position columns keep the
// aggregate's slice order.
func RowsFromDomain(r *reconciliation.Reconciliation) *ReconciliationRows {
	rows := &ReconciliationRows{}
	rows.Root.FromDomain(r)

	linePos := 0
	for si, s := range r.Statements {
		rows.Statements = append(rows.Statements, StatementModel{
			ID:               s.ID,
			ReconciliationID: r.ID,
			Position:         si,
			Side:             s.Side,
			SourceName:       s.SourceName,
			StatementDate:    s.StatementDate,
			ImportedAt:       s.ImportedAt,
			ImportedBy:       s.ImportedBy,
		})
		for _, l := range s.Lines {
			rows.Lines = append(rows.Lines, StatementLineModel{
				ID:               l.ID,
				ReconciliationID: r.ID,
				StatementID:      s.ID,
				Position:         linePos,
				Side:             l.Side,
				Date:             l.Date,
				Description:      l.Description,
				Reference:        l.Reference,
				Amount:           l.Amount,
				MatchGroupID:     l.MatchGroupID,
			})
			linePos++
		}
	}
	for gi, g := range r.MatchGroups {
		rows.MatchGroups = append(rows.MatchGroups, MatchGroupModel{
			ID:               g.ID,
			ReconciliationID: r.ID,
			Position:         gi,
			Strategy:         g.Strategy,
			LedgerLineIDs:    g.LedgerLineIDs,
			ExternalLineIDs:  g.ExternalLineIDs,
			CreatedAt:        g.CreatedAt,
		})
	}
	for ii, it := range r.Items {
		rows.Items = append(rows.Items, ReconItemModel{
			ID:               it.ID,
			ReconciliationID: r.ID,
			Position:         ii,
			Origin:           it.Origin,
			Side:             it.Side,
			Amount:           it.Amount,
			Reason:           it.Reason,
			Status:           it.Status,
			IsMisstatement:   it.IsMisstatement,
			ResolutionNote:   it.ResolutionNote,
			FollowUpDate:     it.FollowUpDate,
			EvidenceID:       it.EvidenceID,
			ResolvedAt:       it.ResolvedAt,
			ResolvedBy:       it.ResolvedBy,
			SourceLineIDs:    it.SourceLineIDs,
			CreatedAt:        it.CreatedAt,
			UpdatedAt:        it.UpdatedAt,
		})
	}
	for ei, e := range r.Evidence {
		rows.Evidence = append(rows.Evidence, EvidenceModel{
			ID:               e.ID,
			ReconciliationID: r.ID,
			Position:         ei,
			Type:             e.Type,
			Description:      e.Description,
			ItemID:           e.ItemID,
			Link:             e.Link,
			CreatedBy:        e.CreatedBy,
			CreatedAt:        e.CreatedAt,
		})
	}
	return rows
}

// ToDomain assembles the aggregate. Child slices must already be ordered by
// Position.
func (rows *ReconciliationRows) ToDomain() *reconciliation.Reconciliation {
	r := rows.Root.ToDomain()

	linesByStatement := make(map[uuid.UUID][]reconciliation.StatementLine, len(rows.Statements))
	for _, l := range rows.Lines {
		linesByStatement[l.StatementID] = append(linesByStatement[l.StatementID], reconciliation.StatementLine{
			ID:           l.ID,
			StatementID:  l.StatementID,
			Side:         l.Side,
			Date:         l.Date.UTC(),
			Description:  l.Description,
			Reference:    l.Reference,
			Amount:       l.Amount,
			MatchGroupID: l.MatchGroupID,
		})
	}
	for _, s := range rows.Statements {
		r.Statements = append(r.Statements, reconciliation.Statement{
			ID:            s.ID,
			Side:          s.Side,
			SourceName:    s.SourceName,
			StatementDate: utcPtr(s.StatementDate),
			ImportedAt:    s.ImportedAt.UTC(),
			ImportedBy:    s.ImportedBy,
			Lines:         linesByStatement[s.ID],
		})
	}
	for _, g := range rows.MatchGroups {
		r.MatchGroups = append(r.MatchGroups, reconciliation.MatchGroup{
			ID:              g.ID,
			Strategy:        g.Strategy,
			LedgerLineIDs:   g.LedgerLineIDs,
			ExternalLineIDs: g.ExternalLineIDs,
			CreatedAt:       g.CreatedAt.UTC(),
		})
	}
	for _, it := range rows.Items {
		r.Items = append(r.Items, reconciliation.ReconItem{
			ID:             it.ID,
			Origin:         it.Origin,
			Side:           it.Side,
			Amount:         it.Amount,
			Reason:         it.Reason,
			Status:         it.Status,
			IsMisstatement: it.IsMisstatement,
			ResolutionNote: it.ResolutionNote,
			FollowUpDate:   utcPtr(it.FollowUpDate),
			EvidenceID:     it.EvidenceID,
			ResolvedAt:     utcPtr(it.ResolvedAt),
			ResolvedBy:     it.ResolvedBy,
			SourceLineIDs:  it.SourceLineIDs,
			CreatedAt:      it.CreatedAt.UTC(),
			UpdatedAt:      it.UpdatedAt.UTC(),
		})
	}
	for _, e := range rows.Evidence {
		r.Evidence = append(r.Evidence, reconciliation.Evidence{
			ID:          e.ID,
			Type:        e.Type,
			Description: e.Description,
			ItemID:      e.ItemID,
			Link:        e.Link,
			CreatedBy:   e.CreatedBy,
			CreatedAt:   e.CreatedAt.UTC(),
		})
	}
	return r
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
