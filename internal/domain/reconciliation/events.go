package reconciliation

import (
	"time"

	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AggregateTypeReconciliation is the aggregate type for reconciliations
const AggregateTypeReconciliation = "Reconciliation"

// Event type constants
const (
	EventTypeReconciliationCreated = "ReconciliationCreated"
	EventTypeStatementImported     = "StatementImported"
	EventTypeMatchRunCompleted     = "MatchRunCompleted"
	EventTypeItemResolved          = "ItemResolved"
	EventTypeReconciliationClosed  = "ReconciliationClosed"
)

// ReconciliationCreatedEvent is raised when a reconciliation is created
type ReconciliationCreatedEvent struct {
	shared.BaseDomainEvent
	ReconciliationID uuid.UUID          `json:"reconciliation_id"`
	Name             string             `json:"name"`
	Type             ReconciliationType `json:"type"`
	Currency         string             `json:"currency"`
	PeriodStart      time.Time          `json:"period_start"`
	PeriodEnd        time.Time          `json:"period_end"`
}

// NewReconciliationCreatedEvent creates a ReconciliationCreatedEvent
func NewReconciliationCreatedEvent(r *Reconciliation, now time.Time) *ReconciliationCreatedEvent {
	return &ReconciliationCreatedEvent{
		BaseDomainEvent:  shared.NewBaseDomainEvent(EventTypeReconciliationCreated, AggregateTypeReconciliation, r.ID, r.TenantID, now),
		ReconciliationID: r.ID,
		Name:             r.Name,
		Type:             r.Type,
		Currency:         r.Currency.String(),
		PeriodStart:      r.PeriodStart,
		PeriodEnd:        r.PeriodEnd,
	}
}

// StatementImportedEvent is raised when a statement batch is imported
type StatementImportedEvent struct {
	shared.BaseDomainEvent
	ReconciliationID uuid.UUID     `json:"reconciliation_id"`
	StatementID      uuid.UUID     `json:"statement_id"`
	Side             StatementSide `json:"side"`
	SourceName       string        `json:"source_name"`
	LineCount        int           `json:"line_count"`
	ImportedBy       string        `json:"imported_by,omitempty"`
}

// NewStatementImportedEvent creates a StatementImportedEvent
func NewStatementImportedEvent(r *Reconciliation, stmt *Statement, now time.Time) *StatementImportedEvent {
	return &StatementImportedEvent{
		BaseDomainEvent:  shared.NewBaseDomainEvent(EventTypeStatementImported, AggregateTypeReconciliation, r.ID, r.TenantID, now),
		ReconciliationID: r.ID,
		StatementID:      stmt.ID,
		Side:             stmt.Side,
		SourceName:       stmt.SourceName,
		LineCount:        len(stmt.Lines),
		ImportedBy:       stmt.ImportedBy,
	}
}

// MatchRunCompletedEvent is raised after a deterministic match run
type MatchRunCompletedEvent struct {
	shared.BaseDomainEvent
	ReconciliationID  uuid.UUID                 `json:"reconciliation_id"`
	Strategies        []MatchStrategyType       `json:"strategies"`
	MatchGroups       int                       `json:"match_groups"`
	MatchesByStrategy map[MatchStrategyType]int `json:"matches_by_strategy"`
	ItemsCreated      int                       `json:"items_created"`
	ItemsReplaced     int                       `json:"items_replaced"`
}

// NewMatchRunCompletedEvent creates a MatchRunCompletedEvent
func NewMatchRunCompletedEvent(r *Reconciliation, result *MatchRunResult, now time.Time) *MatchRunCompletedEvent {
	byStrategy := make(map[MatchStrategyType]int, len(result.MatchesByStrategy))
	for k, v := range result.MatchesByStrategy {
		byStrategy[k] = v
	}
	return &MatchRunCompletedEvent{
		BaseDomainEvent:   shared.NewBaseDomainEvent(EventTypeMatchRunCompleted, AggregateTypeReconciliation, r.ID, r.TenantID, now),
		ReconciliationID:  r.ID,
		Strategies:        append([]MatchStrategyType(nil), result.Strategies...),
		MatchGroups:       result.MatchGroups,
		MatchesByStrategy: byStrategy,
		ItemsCreated:      result.ItemsCreated,
		ItemsReplaced:     result.ItemsReplaced,
	}
}

// ItemResolvedEvent is raised each time a resolution is recorded on an item
type ItemResolvedEvent struct {
	shared.BaseDomainEvent
	ReconciliationID uuid.UUID       `json:"reconciliation_id"`
	ItemID           uuid.UUID       `json:"item_id"`
	Status           ItemStatus      `json:"status"`
	IsMisstatement   bool            `json:"is_misstatement"`
	Amount           decimal.Decimal `json:"amount"`
	EvidenceID       uuid.UUID       `json:"evidence_id"`
	EvidenceType     EvidenceType    `json:"evidence_type"`
}

// NewItemResolvedEvent creates an ItemResolvedEvent
func NewItemResolvedEvent(r *Reconciliation, item *ReconItem, evidence *Evidence, now time.Time) *ItemResolvedEvent {
	return &ItemResolvedEvent{
		BaseDomainEvent:  shared.NewBaseDomainEvent(EventTypeItemResolved, AggregateTypeReconciliation, r.ID, r.TenantID, now),
		ReconciliationID: r.ID,
		ItemID:           item.ID,
		Status:           item.Status,
		IsMisstatement:   item.IsMisstatement,
		Amount:           item.Amount,
		EvidenceID:       evidence.ID,
		EvidenceType:     evidence.Type,
	}
}

// ReconciliationClosedEvent is raised when a reconciliation is sealed
type ReconciliationClosedEvent struct {
	shared.BaseDomainEvent
	ReconciliationID    uuid.UUID       `json:"reconciliation_id"`
	ClosedBy            string          `json:"closed_by"`
	CarriedForwardCount int             `json:"carried_forward_count"`
	CarriedForwardTotal decimal.Decimal `json:"carried_forward_total"`
	Currency            string          `json:"currency"`
	EvidenceIDs         []uuid.UUID     `json:"evidence_ids"`
}

// NewReconciliationClosedEvent creates a ReconciliationClosedEvent
func NewReconciliationClosedEvent(r *Reconciliation, result *CloseResult, now time.Time) *ReconciliationClosedEvent {
	ids := make([]uuid.UUID, len(result.Evidence))
	for i, e := range result.Evidence {
		ids[i] = e.ID
	}
	return &ReconciliationClosedEvent{
		BaseDomainEvent:     shared.NewBaseDomainEvent(EventTypeReconciliationClosed, AggregateTypeReconciliation, r.ID, r.TenantID, now),
		ReconciliationID:    r.ID,
		ClosedBy:            r.ClosedBy,
		CarriedForwardCount: result.CarriedForwardCount,
		CarriedForwardTotal: result.CarriedForwardTotal.Amount(),
		Currency:            r.Currency.String(),
		EvidenceIDs:         ids,
	}
}
