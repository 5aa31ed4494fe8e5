package reconciliation

import (
	"fmt"
	"strings"
	"time"

	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/erp/reconciliation/internal/domain/shared/valueobject"
	"github.com/shopspring/decimal"
)

// DefaultCarryForwardNote is applied to items forced closed without a note
const DefaultCarryForwardNote = "Carried forward as misstatement at closure"

// CloseInput seals a reconciliation
type CloseInput struct {
	ClosedBy         string
	Summary          string
	ControlReference string
	ReviewNotes      string
}

// CloseResult reports what closure changed
type CloseResult struct {
	Evidence            []Evidence
	CarriedForwardCount int
	CarriedForwardTotal valueobject.Money
}

// Close transitions to CLOSED. Any item still outstanding is forced to
// RESOLVED as a misstatement and linked to one shared MISSTATEMENT record.
// Closing twice is an error.
func (r *Reconciliation) Close(input CloseInput, now time.Time) (*CloseResult, error) {
	if r.IsClosed() {
		return nil, shared.NewInvalidStateError(fmt.Sprintf("reconciliation %s is already closed", r.ID))
	}
	closedBy := strings.TrimSpace(input.ClosedBy)
	if closedBy == "" {
		return nil, shared.NewValidationError("closedBy is required")
	}
	summary := strings.TrimSpace(input.Summary)
	if summary == "" {
		return nil, shared.NewValidationError("summary is required")
	}

	result := &CloseResult{CarriedForwardTotal: valueobject.Zero(r.Currency)}

	closedAt := now
	r.Status = StatusClosed
	r.ClosedAt = &closedAt
	r.ClosedBy = closedBy
	r.ClosureSummary = summary
	if ref := strings.TrimSpace(input.ControlReference); ref != "" {
		r.ControlReference = ref
	}

	result.Evidence = append(result.Evidence,
		r.appendEvidence(newEvidence(EvidenceSupport, summary, nil, "", closedBy, now)))

	var outstanding []*ReconItem
	var amounts []decimal.Decimal
	for i := range r.Items {
		if r.Items[i].Status == ItemStatusOutstanding {
			outstanding = append(outstanding, &r.Items[i])
			amounts = append(amounts, r.Items[i].Amount)
		}
	}

	if len(outstanding) > 0 {
		result.CarriedForwardCount = len(outstanding)
		result.CarriedForwardTotal = valueobject.Sum(r.Currency, amounts...)
		description := fmt.Sprintf("%d outstanding item(s) carried forward as misstatement at closure, total %s",
			result.CarriedForwardCount, result.CarriedForwardTotal.String())
		carried := r.appendEvidence(newEvidence(EvidenceMisstatement, description, nil, "", closedBy, now))
		result.Evidence = append(result.Evidence, carried)

		for _, item := range outstanding {
			resolvedAt := now
			item.Status = ItemStatusResolved
			item.IsMisstatement = true
			item.ResolvedAt = &resolvedAt
			item.UpdatedAt = now
			if strings.TrimSpace(item.ResolutionNote) == "" {
				item.ResolutionNote = DefaultCarryForwardNote
			}
			if item.ResolvedBy == "" {
				item.ResolvedBy = closedBy
			}
			if item.EvidenceID == nil {
				item.EvidenceID = cloneUUID(&carried.ID)
			}
		}
	}

	if notes := strings.TrimSpace(input.ReviewNotes); notes != "" {
		result.Evidence = append(result.Evidence,
			r.appendEvidence(newEvidence(EvidenceFollowUp, notes, nil, "", closedBy, now)))
	}

	r.Touch(now)
	r.AddDomainEvent(NewReconciliationClosedEvent(r, result, now))
	return result, nil
}
