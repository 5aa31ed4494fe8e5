package reconciliation

import (
	"time"

	"github.com/google/uuid"
)

// EvidenceType classifies an audit record
type EvidenceType string

const (
	EvidenceSupport      EvidenceType = "SUPPORT"
	EvidenceMisstatement EvidenceType = "MISSTATEMENT"
	EvidenceFollowUp     EvidenceType = "FOLLOW_UP"
)

// String returns the string representation
func (t EvidenceType) String() string {
	return string(t)
}

// Evidence is an append-only audit record. It is never mutated after creation.
type Evidence struct {
	ID          uuid.UUID
	Type        EvidenceType
	Description string
	ItemID      *uuid.UUID
	Link        string
	CreatedBy   string
	CreatedAt   time.Time
}

func (e Evidence) clone() Evidence {
	c := e
	c.ItemID = cloneUUID(e.ItemID)
	return c
}

func newEvidence(evidenceType EvidenceType, description string, itemID *uuid.UUID, link, createdBy string, now time.Time) Evidence {
	return Evidence{
		ID:          uuid.New(),
		Type:        evidenceType,
		Description: description,
		ItemID:      cloneUUID(itemID),
		Link:        link,
		CreatedBy:   createdBy,
		CreatedAt:   now,
	}
}
