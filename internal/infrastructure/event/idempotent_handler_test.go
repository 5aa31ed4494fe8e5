package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/erp/reconciliation/internal/infrastructure/cache"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockEventHandler struct {
	mock.Mock
}

func (m *MockEventHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventHandler) EventTypes() []string {
	args := m.Called()
	return args.Get(0).([]string)
}

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

func closedEvent() *testEvent {
	return newTestEvent("ReconciliationClosed", uuid.New())
}

func TestIdempotentHandler_Handle(t *testing.T) {
	ctx := context.Background()

	t.Run("processes a new event and marks it with the prefixed key", func(t *testing.T) {
		handler := new(MockEventHandler)
		store := new(MockIdempotencyStore)
		event := closedEvent()

		store.On("MarkProcessed", ctx, "archive:"+event.EventID().String(), 24*time.Hour).Return(true, nil)
		handler.On("Handle", ctx, event).Return(nil)

		h := NewIdempotentHandler(handler, store, zap.NewNop(), WithKeyPrefix("archive:"))
		require.NoError(t, h.Handle(ctx, event))

		handler.AssertExpectations(t)
		store.AssertExpectations(t)
		assert.Equal(t, int64(1), h.Stats().EventsProcessed)
	})

	t.Run("skips a duplicate event", func(t *testing.T) {
		handler := new(MockEventHandler)
		store := new(MockIdempotencyStore)
		event := closedEvent()

		store.On("MarkProcessed", ctx, mock.Anything, mock.Anything).Return(false, nil)

		h := NewIdempotentHandler(handler, store, zap.NewNop())
		require.NoError(t, h.Handle(ctx, event))

		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
		assert.Equal(t, int64(1), h.Stats().EventsDuplicate)
	})

	t.Run("returns and counts handler errors", func(t *testing.T) {
		handler := new(MockEventHandler)
		store := new(MockIdempotencyStore)
		event := closedEvent()

		store.On("MarkProcessed", ctx, mock.Anything, mock.Anything).Return(true, nil)
		handler.On("Handle", ctx, event).Return(errors.New("render failed"))

		h := NewIdempotentHandler(handler, store, zap.NewNop())
		err := h.Handle(ctx, event)

		require.EqualError(t, err, "render failed")
		assert.Equal(t, int64(1), h.Stats().EventsFailed)
		assert.Equal(t, int64(0), h.Stats().EventsProcessed)
	})

	t.Run("processes anyway when the store fails", func(t *testing.T) {
		handler := new(MockEventHandler)
		store := new(MockIdempotencyStore)
		event := closedEvent()

		store.On("MarkProcessed", ctx, mock.Anything, mock.Anything).Return(false, errors.New("redis down"))
		handler.On("Handle", ctx, event).Return(nil)

		h := NewIdempotentHandler(handler, store, zap.NewNop())
		require.NoError(t, h.Handle(ctx, event))

		handler.AssertExpectations(t)
	})

	t.Run("bypasses the store when disabled", func(t *testing.T) {
		handler := new(MockEventHandler)
		store := new(MockIdempotencyStore)
		event := closedEvent()

		handler.On("Handle", ctx, event).Return(nil).Twice()

		h := NewIdempotentHandler(handler, store, zap.NewNop(),
			WithIdempotencyConfig(shared.IdempotencyConfig{Enabled: false}))
		require.NoError(t, h.Handle(ctx, event))
		require.NoError(t, h.Handle(ctx, event))

		store.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything, mock.Anything)
		handler.AssertExpectations(t)
	})

	t.Run("uses the configured TTL", func(t *testing.T) {
		handler := new(MockEventHandler)
		store := new(MockIdempotencyStore)
		event := closedEvent()

		store.On("MarkProcessed", ctx, mock.Anything, time.Hour).Return(true, nil)
		handler.On("Handle", ctx, event).Return(nil)

		h := NewIdempotentHandler(handler, store, nil,
			WithIdempotencyConfig(shared.IdempotencyConfig{Enabled: true, TTL: time.Hour}))
		require.NoError(t, h.Handle(ctx, event))

		store.AssertExpectations(t)
	})
}

func TestIdempotentHandler_EventTypes(t *testing.T) {
	handler := new(MockEventHandler)
	handler.On("EventTypes").Return([]string{"ReconciliationClosed"})

	h := NewIdempotentHandler(handler, new(MockIdempotencyStore), zap.NewNop())
	assert.Equal(t, []string{"ReconciliationClosed"}, h.EventTypes())
}

func TestIdempotentHandler_ConcurrentRedelivery(t *testing.T) {
	store := cache.NewInMemoryIdempotencyStore()
	t.Cleanup(func() { _ = store.Close() })

	inner := newTestHandler("ReconciliationClosed")
	h := NewIdempotentHandler(inner, store, zap.NewNop())
	bus := NewInMemoryEventBus(zap.NewNop())
	bus.Subscribe(h)

	event := closedEvent()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Publish(context.Background(), event)
		}()
	}
	wg.Wait()

	assert.Len(t, inner.getHandled(), 1)
	assert.Equal(t, int64(9), h.Stats().EventsDuplicate)
}
