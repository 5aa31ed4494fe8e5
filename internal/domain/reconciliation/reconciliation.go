// Package reconciliation holds the reconciliation aggregate: statements imported
// from a ledger and an external source, the deterministic matcher that pairs
// their lines, reconciling items left over, and the append-only evidence trail.
package reconciliation

import (
	"fmt"
	"strings"
	"time"

	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/erp/reconciliation/internal/domain/shared/valueobject"
	"github.com/google/uuid"
)

// ReconciliationType is the kind of balance being reconciled
type ReconciliationType string

const (
	TypeBank               ReconciliationType = "BANK"
	TypeAccountsReceivable ReconciliationType = "ACCOUNTS_RECEIVABLE"
	TypeAccountsPayable    ReconciliationType = "ACCOUNTS_PAYABLE"
)

// IsValid checks if the type is a valid value
func (t ReconciliationType) IsValid() bool {
	switch t {
	case TypeBank, TypeAccountsReceivable, TypeAccountsPayable:
		return true
	}
	return false
}

// String returns the string representation
func (t ReconciliationType) String() string {
	return string(t)
}

// Status is the lifecycle state of a reconciliation
type Status string

const (
	StatusOpen       Status = "OPEN"        // Created, nothing imported yet
	StatusInProgress Status = "IN_PROGRESS" // Statements imported or matched
	StatusClosed     Status = "CLOSED"      // Sealed, terminal
)

// IsValid checks if the status is a valid value
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusClosed:
		return true
	}
	return false
}

// String returns the string representation
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if no transition leaves this status
func (s Status) IsTerminal() bool {
	return s == StatusClosed
}

// Reconciliation is the aggregate root. Statements, match groups, items and
// evidence are owned by it and only reachable through it.
type Reconciliation struct {
	shared.TenantAggregateRoot
	EngagementID     string
	ControlReference string
	Name             string
	Type             ReconciliationType
	Currency         valueobject.Currency
	Status           Status
	PeriodStart      time.Time
	PeriodEnd        time.Time
	LastMatchedAt    *time.Time
	ClosedAt         *time.Time
	ClosedBy         string
	ClosureSummary   string
	Statements       []Statement
	MatchGroups      []MatchGroup
	Items            []ReconItem
	Evidence         []Evidence
}

// NewReconciliationParams carries the caller-supplied fields for creation.
// Period bounds are calendar dates in any format ParseCalendarDate accepts.
type NewReconciliationParams struct {
	EngagementID     string
	ControlReference string
	Name             string
	Type             ReconciliationType
	Currency         string
	PeriodStart      string
	PeriodEnd        string
}

// NewReconciliation creates an OPEN reconciliation
func NewReconciliation(tenantID uuid.UUID, params NewReconciliationParams, now time.Time) (*Reconciliation, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewValidationError("tenant ID cannot be empty")
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, shared.NewValidationError("name is required")
	}
	if !params.Type.IsValid() {
		return nil, shared.NewValidationError(fmt.Sprintf("invalid reconciliation type %q", params.Type))
	}
	currency, err := valueobject.ParseCurrency(params.Currency)
	if err != nil {
		return nil, shared.NewValidationError(err.Error())
	}
	periodStart, err := ParseCalendarDate(params.PeriodStart)
	if err != nil {
		return nil, shared.NewValidationError(fmt.Sprintf("periodStart: %s", err.Error()))
	}
	periodEnd, err := ParseCalendarDate(params.PeriodEnd)
	if err != nil {
		return nil, shared.NewValidationError(fmt.Sprintf("periodEnd: %s", err.Error()))
	}
	if periodEnd.Before(periodStart) {
		return nil, shared.NewValidationError("periodEnd must not be before periodStart")
	}

	r := &Reconciliation{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(tenantID, now),
		EngagementID:        strings.TrimSpace(params.EngagementID),
		ControlReference:    strings.TrimSpace(params.ControlReference),
		Name:                name,
		Type:                params.Type,
		Currency:            currency,
		Status:              StatusOpen,
		PeriodStart:         periodStart,
		PeriodEnd:           periodEnd,
	}

	r.AddDomainEvent(NewReconciliationCreatedEvent(r, now))
	return r, nil
}

// IsClosed returns true once the reconciliation has been sealed
func (r *Reconciliation) IsClosed() bool {
	return r.Status == StatusClosed
}

// EvidenceIDs returns the ids of all evidence records in creation order
func (r *Reconciliation) EvidenceIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(r.Evidence))
	for i := range r.Evidence {
		ids[i] = r.Evidence[i].ID
	}
	return ids
}

// FindItem returns the item with the given id, or nil
func (r *Reconciliation) FindItem(itemID uuid.UUID) *ReconItem {
	for i := range r.Items {
		if r.Items[i].ID == itemID {
			return &r.Items[i]
		}
	}
	return nil
}

// OutstandingItems returns copies of every OUTSTANDING item
func (r *Reconciliation) OutstandingItems() []ReconItem {
	var items []ReconItem
	for i := range r.Items {
		if r.Items[i].Status == ItemStatusOutstanding {
			items = append(items, r.Items[i].clone())
		}
	}
	return items
}

func (r *Reconciliation) ensureNotClosed(operation string) error {
	if r.IsClosed() {
		return shared.NewInvalidStateError(fmt.Sprintf("cannot %s: reconciliation %s is closed", operation, r.ID))
	}
	return nil
}

// markInProgress advances OPEN to IN_PROGRESS; other statuses are unchanged
func (r *Reconciliation) markInProgress() {
	if r.Status == StatusOpen {
		r.Status = StatusInProgress
	}
}

func (r *Reconciliation) appendEvidence(e Evidence) Evidence {
	r.Evidence = append(r.Evidence, e)
	return e
}

// Clone returns a deep copy without pending domain events
func (r *Reconciliation) Clone() *Reconciliation {
	c := *r
	c.ClearDomainEvents()
	c.LastMatchedAt = cloneTime(r.LastMatchedAt)
	c.ClosedAt = cloneTime(r.ClosedAt)
	c.Statements = cloneSlice(r.Statements, Statement.clone)
	c.MatchGroups = cloneSlice(r.MatchGroups, MatchGroup.clone)
	c.Items = cloneSlice(r.Items, ReconItem.clone)
	c.Evidence = cloneSlice(r.Evidence, Evidence.clone)
	return &c
}

func cloneSlice[T any](in []T, cloneFn func(T) T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	for i := range in {
		out[i] = cloneFn(in[i])
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneUUIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return nil
	}
	out := make([]uuid.UUID, len(ids))
	copy(out, ids)
	return out
}
