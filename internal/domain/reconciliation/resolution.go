package reconciliation

import (
	"fmt"
	"strings"
	"time"

	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/google/uuid"
)

// ResolutionInput documents how an item was explained. Cleared and
// FlaggedAsMisstatement are pointers so an omitted flag is distinguishable
// from an explicit false.
type ResolutionInput struct {
	ResolutionNote        string
	FollowUpDate          string
	Cleared               *bool
	EvidenceLink          string
	FlaggedAsMisstatement *bool
	ResolvedBy            string
}

func (in ResolutionInput) cleared() bool {
	return in.Cleared != nil && *in.Cleared
}

func (in ResolutionInput) flagged() bool {
	return in.FlaggedAsMisstatement != nil && *in.FlaggedAsMisstatement
}

// ResolveItem records a resolution on an item. Every call appends a new
// evidence record, even when the item stays OUTSTANDING. A RESOLVED item never
// returns to OUTSTANDING.
func (r *Reconciliation) ResolveItem(itemID uuid.UUID, input ResolutionInput, now time.Time) (*ReconItem, *Evidence, error) {
	item := r.FindItem(itemID)
	if item == nil {
		return nil, nil, shared.NewNotFoundError(fmt.Sprintf("item %s not found", itemID))
	}
	if err := r.ensureNotClosed("resolve item"); err != nil {
		return nil, nil, err
	}

	note := strings.TrimSpace(input.ResolutionNote)
	if note == "" {
		return nil, nil, shared.NewValidationError("resolutionNote is required")
	}
	if input.Cleared == nil && input.FlaggedAsMisstatement == nil {
		return nil, nil, shared.NewValidationError("either cleared or flaggedAsMisstatement must be provided")
	}
	var followUp *time.Time
	if strings.TrimSpace(input.FollowUpDate) != "" {
		d, err := ParseCalendarDate(input.FollowUpDate)
		if err != nil {
			return nil, nil, shared.NewValidationError(fmt.Sprintf("followUpDate: %s", err.Error()))
		}
		followUp = &d
	}

	flagged := input.flagged()
	resolvedBy := strings.TrimSpace(input.ResolvedBy)

	item.ResolutionNote = note
	item.FollowUpDate = followUp
	item.IsMisstatement = flagged
	if resolvedBy != "" {
		item.ResolvedBy = resolvedBy
	}
	if (input.cleared() || flagged) && item.Status != ItemStatusResolved {
		item.Status = ItemStatusResolved
		resolvedAt := now
		item.ResolvedAt = &resolvedAt
	}

	evidenceType := EvidenceSupport
	if flagged {
		evidenceType = EvidenceMisstatement
	}
	evidence := r.appendEvidence(newEvidence(
		evidenceType,
		note,
		&item.ID,
		strings.TrimSpace(input.EvidenceLink),
		resolvedBy,
		now,
	))
	item.EvidenceID = cloneUUID(&evidence.ID)
	item.UpdatedAt = now
	r.Touch(now)

	resolved := item.clone()
	r.AddDomainEvent(NewItemResolvedEvent(r, &resolved, &evidence, now))
	return &resolved, &evidence, nil
}
