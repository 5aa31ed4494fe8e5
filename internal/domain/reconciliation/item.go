package reconciliation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ItemOrigin records how a reconciling item came to exist
type ItemOrigin string

const (
	ItemOriginAutomatch ItemOrigin = "AUTOMATCH" // Produced by the matcher from an unmatched line
	ItemOriginManual    ItemOrigin = "MANUAL"    // Raised by a reviewer
)

// ItemStatus is the resolution state of a reconciling item
type ItemStatus string

const (
	ItemStatusOutstanding ItemStatus = "OUTSTANDING"
	ItemStatusResolved    ItemStatus = "RESOLVED"
)

// String returns the string representation
func (s ItemStatus) String() string {
	return string(s)
}

// ItemReason explains why an item exists
type ItemReason string

const (
	ReasonLedgerUnmatched   ItemReason = "LEDGER_UNMATCHED"
	ReasonExternalUnmatched ItemReason = "EXTERNAL_UNMATCHED"
)

// unmatchedReason maps a side to the reason used for its residual lines
func unmatchedReason(side StatementSide) ItemReason {
	if side == SideLedger {
		return ReasonLedgerUnmatched
	}
	return ReasonExternalUnmatched
}

// ReconItem is a reconciling item that must be explained before closure.
// RESOLVED items are never deleted.
type ReconItem struct {
	ID             uuid.UUID
	Origin         ItemOrigin
	Side           StatementSide
	Amount         decimal.Decimal
	Reason         ItemReason
	Status         ItemStatus
	IsMisstatement bool
	ResolutionNote string
	FollowUpDate   *time.Time
	EvidenceID     *uuid.UUID
	ResolvedAt     *time.Time
	ResolvedBy     string
	SourceLineIDs  []uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsOutstanding returns true if the item still needs resolution
func (i ReconItem) IsOutstanding() bool {
	return i.Status == ItemStatusOutstanding
}

func (i ReconItem) clone() ReconItem {
	c := i
	c.FollowUpDate = cloneTime(i.FollowUpDate)
	c.EvidenceID = cloneUUID(i.EvidenceID)
	c.ResolvedAt = cloneTime(i.ResolvedAt)
	c.SourceLineIDs = cloneUUIDs(i.SourceLineIDs)
	return c
}

func newUnmatchedItem(line *StatementLine, now time.Time) ReconItem {
	return ReconItem{
		ID:            uuid.New(),
		Origin:        ItemOriginAutomatch,
		Side:          line.Side,
		Amount:        line.Amount,
		Reason:        unmatchedReason(line.Side),
		Status:        ItemStatusOutstanding,
		SourceLineIDs: []uuid.UUID{line.ID},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
