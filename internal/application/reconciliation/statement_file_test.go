package reconciliation

import (
	"context"
	"errors"
	"testing"

	"github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/erp/reconciliation/internal/infrastructure/statementfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestService_ImportStatementFile(t *testing.T) {
	ctx := context.Background()
	csv := []byte("date,description,amount\n2024-03-01,Deposit,100\n")

	t.Run("parses and imports a CSV upload", func(t *testing.T) {
		f := newServiceFixture(t, WithStatementFileParser(statementfile.NewParser()))
		created := f.create(t)

		snap, err := f.svc.ImportStatementFile(ctx, testTenantID, created.ID, ImportStatementFileInput{
			Side:       reconciliation.SideExternal,
			ImportedBy: "clerk",
			FileName:   "bank-march.csv",
			Data:       csv,
		})
		require.NoError(t, err)
		require.Len(t, snap.Statements, 1)
		assert.Equal(t, "bank-march.csv", snap.Statements[0].SourceName)
		assert.Equal(t, reconciliation.SideExternal, snap.Statements[0].Side)
		require.Len(t, snap.Statements[0].Lines, 1)
		assert.Equal(t, "100.00", snap.Statements[0].Lines[0].Amount.StringFixed(2))
		assert.Equal(t, ActionStatementImported, f.activity.Actions()[1])
	})

	t.Run("rejected files are validation errors carrying row detail", func(t *testing.T) {
		f := newServiceFixture(t, WithStatementFileParser(statementfile.NewParser()))
		created := f.create(t)

		_, err := f.svc.ImportStatementFile(ctx, testTenantID, created.ID, ImportStatementFileInput{
			Side:     reconciliation.SideLedger,
			FileName: "gl.csv",
			Data:     []byte("date,description,amount\nsoon,Deposit,100\n"),
		})
		assert.ErrorIs(t, err, shared.ErrValidation)

		var verr *statementfile.ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, 2, verr.Errors[0].Row)

		snap, _ := f.svc.GetSnapshot(ctx, testTenantID, created.ID)
		assert.Empty(t, snap.Statements)
	})

	t.Run("unsupported formats are validation errors", func(t *testing.T) {
		parser := new(MockFileParser)
		f := newServiceFixture(t, WithStatementFileParser(parser))
		created := f.create(t)

		_, err := f.svc.ImportStatementFile(ctx, testTenantID, created.ID, ImportStatementFileInput{
			Side: reconciliation.SideLedger, FileName: "scan.pdf", Data: []byte("%PDF"),
		})
		assert.ErrorIs(t, err, shared.ErrValidation)
		assert.ErrorIs(t, err, statementfile.ErrUnsupportedFormat)
		parser.AssertNotCalled(t, "Parse", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("fails when no parser is configured", func(t *testing.T) {
		f := newServiceFixture(t)
		created := f.create(t)
		_, err := f.svc.ImportStatementFile(ctx, testTenantID, created.ID, ImportStatementFileInput{FileName: "a.csv", Data: csv})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not configured")
	})

	t.Run("idempotency key rejects a repeated upload", func(t *testing.T) {
		store := new(MockIdempotencyStore)
		cfg := shared.DefaultIdempotencyConfig()
		f := newServiceFixture(t,
			WithStatementFileParser(statementfile.NewParser()),
			WithIdempotencyStore(store, cfg),
		)
		created := f.create(t)
		key := "statement-upload:" + created.ID.String() + ":upload-1"

		store.On("IsProcessed", mock.Anything, key).Return(false, nil).Once()
		store.On("MarkProcessed", mock.Anything, key, cfg.TTL).Return(true, nil).Once()
		store.On("IsProcessed", mock.Anything, key).Return(true, nil).Once()

		input := ImportStatementFileInput{
			Side: reconciliation.SideLedger, FileName: "gl.csv", Data: csv, IdempotencyKey: " upload-1 ",
		}
		_, err := f.svc.ImportStatementFile(ctx, testTenantID, created.ID, input)
		require.NoError(t, err)

		_, err = f.svc.ImportStatementFile(ctx, testTenantID, created.ID, input)
		assert.ErrorIs(t, err, shared.ErrAlreadyExists)

		snap, _ := f.svc.GetSnapshot(ctx, testTenantID, created.ID)
		assert.Len(t, snap.Statements, 1)
		store.AssertExpectations(t)
	})

	t.Run("failed imports do not consume the key", func(t *testing.T) {
		store := new(MockIdempotencyStore)
		f := newServiceFixture(t,
			WithStatementFileParser(statementfile.NewParser()),
			WithIdempotencyStore(store, shared.DefaultIdempotencyConfig()),
		)
		created := f.create(t)
		store.On("IsProcessed", mock.Anything, mock.Anything).Return(false, nil)

		_, err := f.svc.ImportStatementFile(ctx, testTenantID, created.ID, ImportStatementFileInput{
			Side: "SIDEWAYS", FileName: "gl.csv", Data: csv, IdempotencyKey: "k",
		})
		assert.ErrorIs(t, err, shared.ErrValidation)
		store.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("disabled idempotency ignores keys", func(t *testing.T) {
		store := new(MockIdempotencyStore)
		f := newServiceFixture(t,
			WithStatementFileParser(statementfile.NewParser()),
			WithIdempotencyStore(store, shared.IdempotencyConfig{Enabled: false}),
		)
		created := f.create(t)
		_, err := f.svc.ImportStatementFile(ctx, testTenantID, created.ID, ImportStatementFileInput{
			Side: reconciliation.SideLedger, FileName: "gl.csv", Data: csv, IdempotencyKey: "k",
		})
		require.NoError(t, err)
		store.AssertExpectations(t)
	})
}
