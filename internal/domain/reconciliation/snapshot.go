package reconciliation

import (
	"sort"
	"time"

	"github.com/erp/reconciliation/internal/domain/shared/valueobject"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Snapshot is an independent, deep copy of a reconciliation. Nothing in it
// aliases the aggregate it was taken from.
type Snapshot struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	EngagementID     string
	ControlReference string
	Name             string
	Type             ReconciliationType
	Currency         valueobject.Currency
	Status           Status
	PeriodStart      time.Time
	PeriodEnd        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastMatchedAt    *time.Time
	ClosedAt         *time.Time
	ClosedBy         string
	Summary          string
	Version          int
	Statements       []Statement
	MatchGroups      []MatchGroup
	Items            []ReconItem
	Evidence         []Evidence
	EvidenceIDs      []uuid.UUID
}

// Snapshot projects the aggregate into an immutable value
func (r *Reconciliation) Snapshot() Snapshot {
	return Snapshot{
		ID:               r.ID,
		TenantID:         r.TenantID,
		EngagementID:     r.EngagementID,
		ControlReference: r.ControlReference,
		Name:             r.Name,
		Type:             r.Type,
		Currency:         r.Currency,
		Status:           r.Status,
		PeriodStart:      r.PeriodStart,
		PeriodEnd:        r.PeriodEnd,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		LastMatchedAt:    cloneTime(r.LastMatchedAt),
		ClosedAt:         cloneTime(r.ClosedAt),
		ClosedBy:         r.ClosedBy,
		Summary:          r.ClosureSummary,
		Version:          r.Version,
		Statements:       cloneSlice(r.Statements, Statement.clone),
		MatchGroups:      cloneSlice(r.MatchGroups, MatchGroup.clone),
		Items:            cloneSlice(r.Items, ReconItem.clone),
		Evidence:         cloneSlice(r.Evidence, Evidence.clone),
		EvidenceIDs:      r.EvidenceIDs(),
	}
}

// Lines returns every line on a side in processing order
func (s Snapshot) Lines(side StatementSide) []StatementLine {
	var lines []StatementLine
	for _, stmt := range s.Statements {
		if stmt.Side == side {
			lines = append(lines, stmt.Lines...)
		}
	}
	return lines
}

// OutstandingItems returns the items still OUTSTANDING
func (s Snapshot) OutstandingItems() []ReconItem {
	var items []ReconItem
	for _, item := range s.Items {
		if item.IsOutstanding() {
			items = append(items, item)
		}
	}
	return items
}

// Summary is the list view of a reconciliation
type Summary struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	EngagementID     string
	ControlReference string
	Name             string
	Type             ReconciliationType
	Currency         valueobject.Currency
	Status           Status
	PeriodStart      time.Time
	PeriodEnd        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastMatchedAt    *time.Time
	ClosedAt         *time.Time
	OutstandingCount int
	OutstandingTotal valueobject.Money
}

// Summarize computes the list view including outstanding count and total
func (r *Reconciliation) Summarize() Summary {
	var amounts []decimal.Decimal
	for i := range r.Items {
		if r.Items[i].Status == ItemStatusOutstanding {
			amounts = append(amounts, r.Items[i].Amount)
		}
	}
	return Summary{
		ID:               r.ID,
		TenantID:         r.TenantID,
		EngagementID:     r.EngagementID,
		ControlReference: r.ControlReference,
		Name:             r.Name,
		Type:             r.Type,
		Currency:         r.Currency,
		Status:           r.Status,
		PeriodStart:      r.PeriodStart,
		PeriodEnd:        r.PeriodEnd,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		LastMatchedAt:    cloneTime(r.LastMatchedAt),
		ClosedAt:         cloneTime(r.ClosedAt),
		OutstandingCount: len(amounts),
		OutstandingTotal: valueobject.Sum(r.Currency, amounts...),
	}
}

// SortSummaries orders summaries by most recently updated first, breaking
// ties by id so the order is stable.
func SortSummaries(summaries []Summary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		if !summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
		}
		return summaries[i].ID.String() < summaries[j].ID.String()
	})
}
