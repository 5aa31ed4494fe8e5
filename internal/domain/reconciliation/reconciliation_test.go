package reconciliation

import (
	"errors"
	"testing"

	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/erp/reconciliation/internal/domain/shared/valueobject"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReconciliation(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		r, err := NewReconciliation(testTenantID, NewReconciliationParams{
			EngagementID:     "ENG-2024-01",
			ControlReference: "CTRL-7",
			Name:             "  Operating account March ",
			Type:             TypeBank,
			Currency:         "eur",
			PeriodStart:      "2024-03-01",
			PeriodEnd:        "2024-03-31",
		}, testNow)

		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, r.ID)
		assert.Equal(t, testTenantID, r.TenantID)
		assert.Equal(t, "Operating account March", r.Name)
		assert.Equal(t, valueobject.EUR, r.Currency)
		assert.Equal(t, StatusOpen, r.Status)
		assert.Equal(t, "2024-03-01", r.PeriodStart.Format(DateLayout))
		assert.Equal(t, "2024-03-31", r.PeriodEnd.Format(DateLayout))
		assert.Equal(t, testNow, r.CreatedAt)
		assert.Equal(t, 1, r.Version)
		assert.Nil(t, r.LastMatchedAt)

		events := r.GetDomainEvents()
		require.Len(t, events, 1)
		assert.Equal(t, EventTypeReconciliationCreated, events[0].EventType())
	})

	t.Run("currency defaults when omitted", func(t *testing.T) {
		r := newTestReconciliation(t)
		assert.Equal(t, valueobject.DefaultCurrency, r.Currency)
	})

	t.Run("single day period is allowed", func(t *testing.T) {
		_, err := NewReconciliation(testTenantID, NewReconciliationParams{
			Name: "Day", Type: TypeAccountsPayable, PeriodStart: "2024-03-05", PeriodEnd: "2024-03-05",
		}, testNow)
		assert.NoError(t, err)
	})

	tests := []struct {
		name    string
		params  NewReconciliationParams
		message string
	}{
		{"missing name", NewReconciliationParams{Type: TypeBank, PeriodStart: "2024-03-01", PeriodEnd: "2024-03-31"}, "name is required"},
		{"invalid type", NewReconciliationParams{Name: "x", Type: "CASH", PeriodStart: "2024-03-01", PeriodEnd: "2024-03-31"}, "invalid reconciliation type"},
		{"invalid currency", NewReconciliationParams{Name: "x", Type: TypeBank, Currency: "DOLLARS", PeriodStart: "2024-03-01", PeriodEnd: "2024-03-31"}, "invalid currency"},
		{"unparseable start", NewReconciliationParams{Name: "x", Type: TypeBank, PeriodStart: "March", PeriodEnd: "2024-03-31"}, "periodStart"},
		{"missing end", NewReconciliationParams{Name: "x", Type: TypeBank, PeriodStart: "2024-03-01"}, "periodEnd"},
		{"end before start", NewReconciliationParams{Name: "x", Type: TypeBank, PeriodStart: "2024-03-31", PeriodEnd: "2024-03-01"}, "periodEnd must not be before periodStart"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReconciliation(testTenantID, tt.params, testNow)
			require.Error(t, err)
			assert.Nil(t, r)
			assert.True(t, errors.Is(err, shared.ErrValidation))
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	t.Run("nil tenant rejected", func(t *testing.T) {
		_, err := NewReconciliation(uuid.Nil, NewReconciliationParams{
			Name: "x", Type: TypeBank, PeriodStart: "2024-03-01", PeriodEnd: "2024-03-31",
		}, testNow)
		assert.Error(t, err)
	})
}

func TestReconciliationTypeAndStatus(t *testing.T) {
	for _, typ := range []ReconciliationType{TypeBank, TypeAccountsReceivable, TypeAccountsPayable} {
		assert.True(t, typ.IsValid(), typ)
	}
	assert.False(t, ReconciliationType("LOAN").IsValid())

	assert.True(t, StatusClosed.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
	assert.False(t, Status("DRAFT").IsValid())
}

func TestReconciliation_Clone(t *testing.T) {
	r := newTestReconciliation(t)
	importLines(t, r, SideLedger, line("2024-03-01", "Deposit", 100))
	_, err := r.RunDeterministicMatch(nil, testNow)
	require.NoError(t, err)

	c := r.Clone()
	assert.Empty(t, c.GetDomainEvents())

	c.Statements[0].Lines[0].Description = "changed"
	c.Items[0].SourceLineIDs[0] = uuid.New()
	c.Name = "changed"

	assert.Equal(t, "Deposit", r.Statements[0].Lines[0].Description)
	assert.Equal(t, r.Statements[0].Lines[0].ID, r.Items[0].SourceLineIDs[0])
	assert.Equal(t, "Operating account March", r.Name)
}
