package reconciliation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	testTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	testNow      = time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)
)

func boolPtr(b bool) *bool {
	return &b
}

func newTestReconciliation(t *testing.T) *Reconciliation {
	t.Helper()
	r, err := NewReconciliation(testTenantID, NewReconciliationParams{
		Name:        "Operating account March",
		Type:        TypeBank,
		PeriodStart: "2024-03-01",
		PeriodEnd:   "2024-03-31",
	}, testNow)
	require.NoError(t, err)
	r.ClearDomainEvents()
	return r
}

func importLines(t *testing.T, r *Reconciliation, side StatementSide, lines ...StatementLineInput) *Statement {
	t.Helper()
	stmt, err := r.ImportStatement(StatementInput{
		Side:       side,
		SourceName: string(side) + " export",
		Lines:      lines,
	}, testNow)
	require.NoError(t, err)
	return stmt
}

func line(date, description string, amount float64) StatementLineInput {
	return StatementLineInput{Date: date, Description: description, Amount: amount}
}

type pairing struct {
	ledger   uuid.UUID
	external uuid.UUID
	strategy MatchStrategyType
}

func pairings(r *Reconciliation) map[pairing]bool {
	out := make(map[pairing]bool, len(r.MatchGroups))
	for _, g := range r.MatchGroups {
		out[pairing{ledger: g.LedgerLineIDs[0], external: g.ExternalLineIDs[0], strategy: g.Strategy}] = true
	}
	return out
}

func outstandingLineIDs(r *Reconciliation) map[uuid.UUID]ItemReason {
	out := make(map[uuid.UUID]ItemReason)
	for _, item := range r.Items {
		if item.Status == ItemStatusOutstanding {
			for _, id := range item.SourceLineIDs {
				out[id] = item.Reason
			}
		}
	}
	return out
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseCalendarDate(s)
	require.NoError(t, err)
	return d
}
