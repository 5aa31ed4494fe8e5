// Package activity delivers best-effort activity records after successful
// reconciliation mutations. Log never blocks the caller and sink failures
// never reach it.
package activity

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/erp/reconciliation/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// DefaultBufferSize is the queue length used when none is configured
const DefaultBufferSize = 1024

// Entry is one activity record
type Entry struct {
	Action     string
	Metadata   map[string]any
	RequestID  string
	TenantID   string
	OccurredAt time.Time
}

// Sink persists or forwards entries
type Sink interface {
	Name() string
	Write(ctx context.Context, entry Entry) error
}

// Dispatcher queues entries and writes them to every sink from a single
// background goroutine
type Dispatcher struct {
	queue  chan Entry
	sinks  []Sink
	logger *zap.Logger
	clock  shared.Clock

	mu      sync.RWMutex
	closed  bool
	started atomic.Bool
	done    chan struct{}

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithClock overrides the clock stamping entries
func WithClock(c shared.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// NewDispatcher creates a dispatcher. Call Start to begin delivery.
func NewDispatcher(log *zap.Logger, bufferSize int, sinks []Sink, opts ...Option) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	d := &Dispatcher{
		queue:  make(chan Entry, bufferSize),
		sinks:  sinks,
		logger: log,
		clock:  shared.RealClock{},
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the delivery goroutine. Further calls are no-ops.
func (d *Dispatcher) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	go d.run()
}

// Log enqueues an entry. When the queue is full or the dispatcher is
// stopped the entry is dropped with a warning.
func (d *Dispatcher) Log(ctx context.Context, action string, metadata map[string]any) {
	entry := Entry{
		Action:     action,
		Metadata:   maps.Clone(metadata),
		RequestID:  logger.GetRequestID(ctx),
		TenantID:   logger.GetTenantID(ctx),
		OccurredAt: d.clock.Now(),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(entry, "dispatcher stopped")
		return
	}
	select {
	case d.queue <- entry:
	default:
		d.drop(entry, "buffer full")
	}
}

// Stop closes the queue and waits for queued entries to be written or for
// ctx to end
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	if !d.started.Load() {
		return nil
	}
	select {
	case <-d.done:
		d.logger.Info("activity dispatcher stopped",
			zap.Int64("written", d.written.Load()),
			zap.Int64("dropped", d.dropped.Load()),
			zap.Int64("failed", d.failed.Load()),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports delivered, dropped and failed sink writes
func (d *Dispatcher) Stats() (written, dropped, failed int64) {
	return d.written.Load(), d.dropped.Load(), d.failed.Load()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for entry := range d.queue {
		d.deliver(entry)
	}
}

func (d *Dispatcher) deliver(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, sink := range d.sinks {
		if err := d.write(ctx, sink, entry); err != nil {
			d.failed.Add(1)
			d.logger.Warn("activity sink write failed",
				zap.String("sink", sink.Name()),
				zap.String("action", entry.Action),
				zap.Error(err),
			)
			continue
		}
		d.written.Add(1)
	}
}

func (d *Dispatcher) write(ctx context.Context, sink Sink, entry Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &sinkPanicError{value: r}
		}
	}()
	return sink.Write(ctx, entry)
}

func (d *Dispatcher) drop(entry Entry, reason string) {
	d.dropped.Add(1)
	d.logger.Warn("activity entry dropped",
		zap.String("action", entry.Action),
		zap.String("reason", reason),
		zap.String("request_id", entry.RequestID),
	)
}

type sinkPanicError struct {
	value any
}

func (e *sinkPanicError) Error() string {
	return fmt.Sprintf("sink panicked: %v", e.value)
}
