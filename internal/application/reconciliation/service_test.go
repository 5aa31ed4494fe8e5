package reconciliation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/erp/reconciliation/internal/infrastructure/persistence"
	"github.com/erp/reconciliation/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var (
	testTenantID = uuid.MustParse("7d9f2c1e-8a40-4f4f-9a51-3c2a0f6b1e01")
	testNow      = time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)
)

type serviceFixture struct {
	svc      *Service
	repo     *persistence.MemoryReconciliationRepository
	clock    *shared.FixedClock
	activity *recordingActivity
}

func newServiceFixture(t *testing.T, opts ...Option) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo:     persistence.NewMemoryReconciliationRepository(),
		clock:    shared.NewFixedClock(testNow),
		activity: &recordingActivity{},
	}
	base := []Option{WithClock(f.clock), WithActivityLogger(f.activity)}
	f.svc = NewService(f.repo, append(base, opts...)...)
	return f
}

func (f *serviceFixture) create(t *testing.T) *reconciliation.Snapshot {
	t.Helper()
	snap, err := f.svc.CreateReconciliation(context.Background(), testTenantID, reconciliation.NewReconciliationParams{
		Name:        "March bank reconciliation",
		Type:        reconciliation.TypeBank,
		PeriodStart: "2024-03-01",
		PeriodEnd:   "2024-03-31",
	})
	require.NoError(t, err)
	return snap
}

func (f *serviceFixture) importSide(t *testing.T, id uuid.UUID, side reconciliation.StatementSide, lines ...reconciliation.StatementLineInput) *reconciliation.Snapshot {
	t.Helper()
	snap, err := f.svc.ImportStatement(context.Background(), testTenantID, id, reconciliation.StatementInput{
		Side:       side,
		SourceName: string(side) + ".csv",
		Lines:      lines,
	})
	require.NoError(t, err)
	return snap
}

func boolPtr(b bool) *bool { return &b }

func TestService_CreateReconciliation(t *testing.T) {
	ctx := context.Background()

	t.Run("creates an OPEN reconciliation and logs activity", func(t *testing.T) {
		f := newServiceFixture(t)
		snap := f.create(t)

		assert.Equal(t, reconciliation.StatusOpen, snap.Status)
		assert.Equal(t, testNow, snap.CreatedAt)
		assert.Equal(t, []string{ActionCreated}, f.activity.Actions())
		assert.Equal(t, snap.ID.String(), f.activity.meta[0]["reconciliation_id"])
	})

	t.Run("validation errors store nothing and log nothing", func(t *testing.T) {
		f := newServiceFixture(t)
		_, err := f.svc.CreateReconciliation(ctx, testTenantID, reconciliation.NewReconciliationParams{
			Name:        "Backwards",
			Type:        reconciliation.TypeBank,
			PeriodStart: "2024-03-31",
			PeriodEnd:   "2024-03-01",
		})
		assert.ErrorIs(t, err, shared.ErrValidation)
		assert.Empty(t, f.activity.Actions())

		summaries, err := f.svc.ListSummaries(ctx, reconciliation.SummaryFilter{})
		require.NoError(t, err)
		assert.Empty(t, summaries)
	})

	t.Run("repository failure is wrapped", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("Create", mock.Anything, mock.Anything).Return(errors.New("disk full"))
		svc := NewService(repo)

		_, err := svc.CreateReconciliation(ctx, testTenantID, reconciliation.NewReconciliationParams{
			Name: "x", Type: reconciliation.TypeBank, PeriodStart: "2024-03-01", PeriodEnd: "2024-03-31",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create reconciliation: disk full")
		repo.AssertExpectations(t)
	})
}

func TestService_ScenarioA_ExactPair(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	created := f.create(t)

	f.importSide(t, created.ID, reconciliation.SideLedger,
		reconciliation.StatementLineInput{Date: "2024-03-01", Description: "Deposit", Amount: 100.00})
	f.importSide(t, created.ID, reconciliation.SideExternal,
		reconciliation.StatementLineInput{Date: "2024-03-01", Description: "Deposit", Amount: 100.00})

	result, err := f.svc.RunDeterministicMatch(ctx, testTenantID, created.ID, []reconciliation.MatchStrategyType{reconciliation.MatchAmountAndDate})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Run.MatchGroups)
	assert.Len(t, result.Reconciliation.MatchGroups, 1)
	assert.Empty(t, result.Reconciliation.OutstandingItems())
	assert.Equal(t, reconciliation.StatusInProgress, result.Reconciliation.Status)
	assert.Equal(t, []string{ActionCreated, ActionStatementImported, ActionStatementImported, ActionMatched}, f.activity.Actions())
}

func TestService_ScenariosBThroughE(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	created := f.create(t)

	// B: unmatched ledger line becomes one outstanding item
	f.importSide(t, created.ID, reconciliation.SideLedger,
		reconciliation.StatementLineInput{Date: "2024-03-10", Description: "Customer deposit", Amount: 50.00})
	matched, err := f.svc.RunDeterministicMatch(ctx, testTenantID, created.ID, nil)
	require.NoError(t, err)
	outstanding := matched.Reconciliation.OutstandingItems()
	require.Len(t, outstanding, 1)
	assert.Equal(t, reconciliation.ReasonLedgerUnmatched, outstanding[0].Reason)
	itemID := outstanding[0].ID

	// C: clearing resolves with SUPPORT evidence
	f.clock.Advance(time.Hour)
	resolved, err := f.svc.ResolveItem(ctx, testTenantID, itemID, reconciliation.ResolutionInput{
		ResolutionNote: "cleared in April",
		Cleared:        boolPtr(true),
		ResolvedBy:     "auditor@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, reconciliation.ItemStatusResolved, resolved.Item.Status)
	assert.Equal(t, reconciliation.EvidenceSupport, resolved.Evidence.Type)
	require.NotNil(t, resolved.Item.EvidenceID)
	assert.Equal(t, resolved.Evidence.ID, *resolved.Item.EvidenceID)
	assert.Contains(t, resolved.Reconciliation.EvidenceIDs, resolved.Evidence.ID)

	// D: re-matching does not resurrect the resolved line
	rematched, err := f.svc.RunDeterministicMatch(ctx, testTenantID, created.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, rematched.Reconciliation.OutstandingItems())
	assert.Equal(t, 0, rematched.Run.ItemsCreated)
	assert.Len(t, rematched.Reconciliation.Items, 1)

	// E: close with one outstanding item forces it through as a misstatement
	f.importSide(t, created.ID, reconciliation.SideExternal,
		reconciliation.StatementLineInput{Date: "2024-03-20", Description: "Bank charge", Amount: -12.5})
	_, err = f.svc.RunDeterministicMatch(ctx, testTenantID, created.ID, nil)
	require.NoError(t, err)

	closed, err := f.svc.CloseReconciliation(ctx, testTenantID, created.ID, reconciliation.CloseInput{
		ClosedBy: "manager@example.com",
		Summary:  "March reconciled",
	})
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusClosed, closed.Reconciliation.Status)
	assert.Empty(t, closed.Reconciliation.OutstandingItems())
	require.Len(t, closed.Evidence, 2)
	assert.Equal(t, reconciliation.EvidenceSupport, closed.Evidence[0].Type)
	assert.Equal(t, reconciliation.EvidenceMisstatement, closed.Evidence[1].Type)
	assert.Contains(t, closed.Evidence[1].Description, "-12.50")
	for _, item := range closed.Reconciliation.Items {
		if item.Side == reconciliation.SideExternal {
			assert.True(t, item.IsMisstatement)
			assert.Equal(t, reconciliation.ItemStatusResolved, item.Status)
		}
	}

	_, err = f.svc.CloseReconciliation(ctx, testTenantID, created.ID, reconciliation.CloseInput{ClosedBy: "x", Summary: "again"})
	assert.ErrorIs(t, err, shared.ErrInvalidState)

	assert.Equal(t, ActionClosed, f.activity.Actions()[len(f.activity.Actions())-1])
}

func TestService_NotFound(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	missing := uuid.New()

	_, err := f.svc.GetSnapshot(ctx, testTenantID, missing)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.ImportStatement(ctx, testTenantID, missing, reconciliation.StatementInput{Side: reconciliation.SideLedger})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.RunDeterministicMatch(ctx, testTenantID, missing, nil)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.ResolveItem(ctx, testTenantID, missing, reconciliation.ResolutionInput{ResolutionNote: "n", Cleared: boolPtr(true)})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.CloseReconciliation(ctx, testTenantID, missing, reconciliation.CloseInput{ClosedBy: "a", Summary: "b"})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	assert.Empty(t, f.activity.Actions())
}

func TestService_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	created := f.create(t)
	f.importSide(t, created.ID, reconciliation.SideLedger,
		reconciliation.StatementLineInput{Date: "2024-03-05", Description: "Fee", Amount: -4.50})
	run, err := f.svc.RunDeterministicMatch(ctx, testTenantID, created.ID, nil)
	require.NoError(t, err)
	require.Len(t, run.Reconciliation.Items, 1)
	itemID := run.Reconciliation.Items[0].ID
	actionsBefore := len(f.activity.Actions())

	other := uuid.MustParse("11111111-2222-4333-8444-555555555555")

	_, err = f.svc.GetSnapshot(ctx, other, created.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.ImportStatement(ctx, other, created.ID, reconciliation.StatementInput{
		Side:  reconciliation.SideExternal,
		Lines: []reconciliation.StatementLineInput{{Date: "2024-03-05", Description: "Fee", Amount: -4.50}},
	})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.RunDeterministicMatch(ctx, other, created.ID, nil)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.ResolveItem(ctx, other, itemID, reconciliation.ResolutionInput{ResolutionNote: "n", Cleared: boolPtr(true)})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.CloseReconciliation(ctx, other, created.ID, reconciliation.CloseInput{ClosedBy: "a", Summary: "b"})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	assert.Len(t, f.activity.Actions(), actionsBefore)
	snap, err := f.svc.GetSnapshot(ctx, testTenantID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusInProgress, snap.Status)
	assert.Len(t, snap.Statements, 1)
	assert.Equal(t, reconciliation.ItemStatusOutstanding, snap.Items[0].Status)
}

func TestService_RejectedImportLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	created := f.create(t)

	_, err := f.svc.ImportStatement(ctx, testTenantID, created.ID, reconciliation.StatementInput{
		Side:       reconciliation.SideLedger,
		SourceName: "gl.csv",
		Lines: []reconciliation.StatementLineInput{
			{Date: "2024-03-01", Description: "Good", Amount: 1},
			{Date: "not a date", Description: "Bad", Amount: 2},
		},
	})
	assert.ErrorIs(t, err, shared.ErrValidation)

	snap, err := f.svc.GetSnapshot(ctx, testTenantID, created.ID)
	require.NoError(t, err)
	assert.Empty(t, snap.Statements)
	assert.Equal(t, reconciliation.StatusOpen, snap.Status)
	assert.Equal(t, 1, snap.Version)
}

func TestService_SnapshotsAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	created := f.create(t)
	imported := f.importSide(t, created.ID, reconciliation.SideLedger,
		reconciliation.StatementLineInput{Date: "2024-03-01", Description: "Deposit", Amount: 10})

	imported.Statements[0].Lines[0].Description = "tampered"
	imported.Name = "tampered"

	fresh, err := f.svc.GetSnapshot(ctx, testTenantID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Deposit", fresh.Statements[0].Lines[0].Description)
	assert.Equal(t, "March bank reconciliation", fresh.Name)
}

func TestService_ListSummaries(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	first := f.create(t)
	f.clock.Advance(time.Minute)
	second := f.create(t)
	f.importSide(t, second.ID, reconciliation.SideLedger,
		reconciliation.StatementLineInput{Date: "2024-03-01", Description: "A", Amount: 10},
		reconciliation.StatementLineInput{Date: "2024-03-02", Description: "B", Amount: 15.25})
	_, err := f.svc.RunDeterministicMatch(ctx, testTenantID, second.ID, nil)
	require.NoError(t, err)

	summaries, err := f.svc.ListSummaries(ctx, reconciliation.SummaryFilter{TenantID: &testTenantID})
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, second.ID, summaries[0].ID)
	assert.Equal(t, 2, summaries[0].OutstandingCount)
	assert.Equal(t, "25.25", summaries[0].OutstandingTotal.StringFixed(2))
	assert.Equal(t, first.ID, summaries[1].ID)

	counts, err := f.repo.OutstandingItemCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[testTenantID])
}

func TestService_EventsAndSideEffects(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes domain events once per save", func(t *testing.T) {
		publisher := new(MockEventPublisher)
		publisher.On("Publish", mock.Anything, mock.MatchedBy(func(events []shared.DomainEvent) bool {
			return len(events) == 1 && events[0].EventType() == reconciliation.EventTypeReconciliationCreated
		})).Return(nil).Once()
		publisher.On("Publish", mock.Anything, mock.MatchedBy(func(events []shared.DomainEvent) bool {
			return len(events) == 1 && events[0].EventType() == reconciliation.EventTypeStatementImported
		})).Return(nil).Once()

		f := newServiceFixture(t, WithEventPublisher(publisher))
		created := f.create(t)
		f.importSide(t, created.ID, reconciliation.SideLedger,
			reconciliation.StatementLineInput{Date: "2024-03-01", Description: "A", Amount: 1})

		publisher.AssertExpectations(t)
	})

	t.Run("publish failures do not fail the operation", func(t *testing.T) {
		publisher := new(MockEventPublisher)
		publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("bus down"))

		f := newServiceFixture(t, WithEventPublisher(publisher))
		snap := f.create(t)

		stored, err := f.svc.GetSnapshot(ctx, testTenantID, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, snap.ID, stored.ID)
	})

	t.Run("activity logger panics are absorbed", func(t *testing.T) {
		f := newServiceFixture(t)
		f.activity.panicOn = ActionCreated

		snap := f.create(t)
		assert.NotEqual(t, uuid.Nil, snap.ID)
		assert.Equal(t, []string{ActionCreated}, f.activity.Actions())
	})

	t.Run("records business metrics", func(t *testing.T) {
		metrics := new(MockMetrics)
		metrics.On("RecordReconciliationCreated", mock.Anything, testTenantID, "BANK").Once()
		metrics.On("RecordStatementImported", mock.Anything, testTenantID, "LEDGER", 1).Once()
		metrics.On("RecordMatchRun", mock.Anything, testTenantID, map[string]int{}, mock.AnythingOfType("time.Duration")).Once()
		metrics.On("RecordItemResolved", mock.Anything, testTenantID, telemetry.ResolutionFlagged).Once()
		metrics.On("RecordReconciliationClosed", mock.Anything, testTenantID, mock.Anything).Once()

		f := newServiceFixture(t, WithMetrics(metrics))
		created := f.create(t)
		f.importSide(t, created.ID, reconciliation.SideLedger,
			reconciliation.StatementLineInput{Date: "2024-03-01", Description: "A", Amount: 1})
		run, err := f.svc.RunDeterministicMatch(ctx, testTenantID, created.ID, nil)
		require.NoError(t, err)
		_, err = f.svc.ResolveItem(ctx, testTenantID, run.Reconciliation.Items[0].ID, reconciliation.ResolutionInput{
			ResolutionNote:        "real difference",
			FlaggedAsMisstatement: boolPtr(true),
		})
		require.NoError(t, err)
		_, err = f.svc.CloseReconciliation(ctx, testTenantID, created.ID, reconciliation.CloseInput{ClosedBy: "a", Summary: "b"})
		require.NoError(t, err)

		metrics.AssertExpectations(t)
	})

	t.Run("opens one service span per operation", func(t *testing.T) {
		sr := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
		original := otel.GetTracerProvider()
		otel.SetTracerProvider(tp)
		defer func() {
			otel.SetTracerProvider(original)
			_ = tp.Shutdown(context.Background())
		}()

		f := newServiceFixture(t)
		created := f.create(t)
		_, _ = f.svc.GetSnapshot(ctx, testTenantID, created.ID)

		var names []string
		for _, s := range sr.Ended() {
			names = append(names, s.Name())
		}
		assert.Equal(t, []string{"reconciliation.create", "reconciliation.get_snapshot"}, names)
	})
}

func TestService_DefaultStrategies(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, WithDefaultStrategies([]reconciliation.MatchStrategyType{reconciliation.MatchAmountAndDate}))
	created := f.create(t)
	f.importSide(t, created.ID, reconciliation.SideLedger,
		reconciliation.StatementLineInput{Date: "2024-03-01", Description: "Deposit", Amount: 75})
	f.importSide(t, created.ID, reconciliation.SideExternal,
		reconciliation.StatementLineInput{Date: "2024-03-04", Description: "Deposit", Amount: 75})

	t.Run("nil request uses the configured default", func(t *testing.T) {
		result, err := f.svc.RunDeterministicMatch(ctx, testTenantID, created.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Run.MatchGroups)
		assert.Len(t, result.Reconciliation.OutstandingItems(), 2)
	})

	t.Run("explicit list overrides the default", func(t *testing.T) {
		result, err := f.svc.RunDeterministicMatch(ctx, testTenantID, created.ID, []reconciliation.MatchStrategyType{reconciliation.MatchAmountOnly})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Run.MatchGroups)
		assert.Empty(t, result.Reconciliation.OutstandingItems())
	})

	t.Run("unknown strategies are validation errors", func(t *testing.T) {
		_, err := f.svc.RunDeterministicMatch(ctx, testTenantID, created.ID, []reconciliation.MatchStrategyType{"FUZZY"})
		assert.ErrorIs(t, err, shared.ErrValidation)
	})

	t.Run("strategy listing follows the configured default", func(t *testing.T) {
		infos := f.svc.MatchStrategies()
		require.Len(t, infos, 2)
		assert.Equal(t, "AMOUNT_AND_DATE", infos[0].Name)
		assert.Equal(t, 1, infos[0].Priority)
		assert.Equal(t, "AMOUNT_ONLY", infos[1].Name)
		assert.Zero(t, infos[1].Priority)
	})
}

func TestService_MatchStrategies(t *testing.T) {
	t.Run("lists every strategy in default run order", func(t *testing.T) {
		f := newServiceFixture(t)
		infos := f.svc.MatchStrategies()
		require.Len(t, infos, 2)
		for i, want := range []string{"AMOUNT_AND_DATE", "AMOUNT_ONLY"} {
			assert.Equal(t, want, infos[i].Name)
			assert.Equal(t, "matching", infos[i].Type)
			assert.NotEmpty(t, infos[i].Description)
			assert.Equal(t, i+1, infos[i].Priority)
		}
	})

	t.Run("a reversed default reorders the listing", func(t *testing.T) {
		f := newServiceFixture(t, WithDefaultStrategies([]reconciliation.MatchStrategyType{
			reconciliation.MatchAmountOnly, reconciliation.MatchAmountAndDate,
		}))
		infos := f.svc.MatchStrategies()
		require.Len(t, infos, 2)
		assert.Equal(t, "AMOUNT_ONLY", infos[0].Name)
		assert.Equal(t, "AMOUNT_AND_DATE", infos[1].Name)
		assert.Equal(t, 2, infos[1].Priority)
	})
}

func TestService_ConcurrencyConflictSurfaces(t *testing.T) {
	ctx := context.Background()
	r, err := reconciliation.NewReconciliation(testTenantID, reconciliation.NewReconciliationParams{
		Name: "x", Type: reconciliation.TypeBank, PeriodStart: "2024-03-01", PeriodEnd: "2024-03-31",
	}, testNow)
	require.NoError(t, err)

	repo := new(MockRepository)
	repo.On("FindByIDForTenant", mock.Anything, testTenantID, r.ID).Return(r, nil)
	repo.On("Update", mock.Anything, r).Return(shared.ErrConcurrencyConflict)
	activity := &recordingActivity{}
	svc := NewService(repo, WithActivityLogger(activity))

	_, err = svc.RunDeterministicMatch(ctx, testTenantID, r.ID, nil)
	assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	assert.Empty(t, activity.Actions())
	repo.AssertExpectations(t)
}

func TestService_SerializesConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	created := f.create(t)

	const importers = 8
	var wg sync.WaitGroup
	errs := make(chan error, importers)
	for i := 0; i < importers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ImportStatement(ctx, testTenantID, created.ID, reconciliation.StatementInput{
				Side:       reconciliation.SideLedger,
				SourceName: "gl.csv",
				Lines:      []reconciliation.StatementLineInput{{Date: "2024-03-01", Description: "Deposit", Amount: 1}},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	snap, err := f.svc.GetSnapshot(ctx, testTenantID, created.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Statements, importers)
	assert.Equal(t, importers+1, snap.Version)
}
