package reconciliation

import (
	"context"
	"sync"
	"time"

	"github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/erp/reconciliation/internal/infrastructure/statementfile"
	"github.com/erp/reconciliation/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

// MockRepository is a mock implementation of reconciliation.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, r *reconciliation.Reconciliation) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockRepository) Update(ctx context.Context, r *reconciliation.Reconciliation) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockRepository) FindByIDForTenant(ctx context.Context, tenantID, id uuid.UUID) (*reconciliation.Reconciliation, error) {
	args := m.Called(ctx, tenantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reconciliation.Reconciliation), args.Error(1)
}

func (m *MockRepository) FindByItemIDForTenant(ctx context.Context, tenantID, itemID uuid.UUID) (*reconciliation.Reconciliation, error) {
	args := m.Called(ctx, tenantID, itemID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reconciliation.Reconciliation), args.Error(1)
}

func (m *MockRepository) ListSummaries(ctx context.Context, filter reconciliation.SummaryFilter) ([]reconciliation.Summary, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]reconciliation.Summary), args.Error(1)
}

// MockEventPublisher is a mock implementation of shared.EventPublisher
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}

// recordingActivity captures activity calls
type recordingActivity struct {
	mu      sync.Mutex
	actions []string
	meta    []map[string]any
	panicOn string
}

func (a *recordingActivity) Log(ctx context.Context, action string, metadata map[string]any) {
	a.mu.Lock()
	a.actions = append(a.actions, action)
	a.meta = append(a.meta, metadata)
	a.mu.Unlock()
	if action == a.panicOn {
		panic("activity sink exploded")
	}
}

func (a *recordingActivity) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.actions...)
}

// MockMetrics is a mock implementation of MetricsRecorder
type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) RecordReconciliationCreated(ctx context.Context, tenantID uuid.UUID, reconType string) {
	m.Called(ctx, tenantID, reconType)
}

func (m *MockMetrics) RecordStatementImported(ctx context.Context, tenantID uuid.UUID, side string, lines int) {
	m.Called(ctx, tenantID, side, lines)
}

func (m *MockMetrics) RecordMatchRun(ctx context.Context, tenantID uuid.UUID, groupsByStrategy map[string]int, d time.Duration) {
	m.Called(ctx, tenantID, groupsByStrategy, d)
}

func (m *MockMetrics) RecordItemResolved(ctx context.Context, tenantID uuid.UUID, outcome telemetry.ResolutionOutcome) {
	m.Called(ctx, tenantID, outcome)
}

func (m *MockMetrics) RecordReconciliationClosed(ctx context.Context, tenantID uuid.UUID, carriedForward decimal.Decimal) {
	m.Called(ctx, tenantID, carriedForward)
}

// MockFileParser is a mock implementation of StatementFileParser
type MockFileParser struct {
	mock.Mock
}

func (m *MockFileParser) Parse(ctx context.Context, format statementfile.Format, data []byte) ([]reconciliation.StatementLineInput, error) {
	args := m.Called(ctx, format, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]reconciliation.StatementLineInput), args.Error(1)
}

// MockIdempotencyStore is a mock implementation of shared.IdempotencyStore
type MockIdempotencyStore struct {
	mock.Mock
}

func (m *MockIdempotencyStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockIdempotencyStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockIdempotencyStore) Close() error {
	return m.Called().Error(0)
}

// MockWorkpaperRenderer is a mock implementation of WorkpaperRenderer
type MockWorkpaperRenderer struct {
	mock.Mock
}

func (m *MockWorkpaperRenderer) Render(snapshot reconciliation.Snapshot) ([]byte, error) {
	args := m.Called(snapshot)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// MockWorkpaperStorage is a mock implementation of WorkpaperStorage
type MockWorkpaperStorage struct {
	mock.Mock
}

func (m *MockWorkpaperStorage) Upload(ctx context.Context, storageKey string, data []byte, contentType string) error {
	args := m.Called(ctx, storageKey, data, contentType)
	return args.Error(0)
}

func (m *MockWorkpaperStorage) ObjectExists(ctx context.Context, storageKey string) (bool, error) {
	args := m.Called(ctx, storageKey)
	return args.Bool(0), args.Error(1)
}

func (m *MockWorkpaperStorage) GenerateDownloadURL(ctx context.Context, storageKey string, expiresIn time.Duration) (string, time.Time, error) {
	args := m.Called(ctx, storageKey, expiresIn)
	return args.String(0), args.Get(1).(time.Time), args.Error(2)
}
