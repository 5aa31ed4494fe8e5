// Package telemetry provides OpenTelemetry integration for metrics collection.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// BusinessMetrics tracks reconciliation activity: creations, imports, match
// runs, resolutions, closures and the outstanding backlog.
type BusinessMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	reconciliationCreatedTotal *Counter
	statementLinesTotal        *Counter
	matchRunsTotal             *Counter
	matchGroupsTotal           *Counter
	itemsResolvedTotal         *Counter
	reconciliationClosedTotal  *Counter
	carriedForwardAmountTotal  *Counter
	matchDuration              *Histogram

	outstandingItems *Gauge

	stopChan    chan struct{}
	stopOnce    sync.Once
	collectOnce sync.Once

	outstandingProvider OutstandingMetricsProvider
}

// OutstandingMetricsProvider reports open backlog per tenant without the
// telemetry layer depending on the reconciliation domain.
type OutstandingMetricsProvider interface {
	// OutstandingItemCounts returns the number of OUTSTANDING items on
	// non-closed reconciliations, keyed by tenant
	OutstandingItemCounts(ctx context.Context) (map[uuid.UUID]int64, error)
}

// BusinessMetricsConfig holds configuration for business metrics.
type BusinessMetricsConfig struct {
	Meter               metric.Meter
	Logger              *zap.Logger
	CollectInterval     time.Duration // Default: 5 minutes
	OutstandingProvider OutstandingMetricsProvider
}

// NewBusinessMetrics creates a new BusinessMetrics instance.
func NewBusinessMetrics(cfg BusinessMetricsConfig) (*BusinessMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bm := &BusinessMetrics{
		meter:               cfg.Meter,
		logger:              logger,
		stopChan:            make(chan struct{}),
		outstandingProvider: cfg.OutstandingProvider,
	}

	counters := []struct {
		target            **Counter
		name, desc, unit string
	}{
		{&bm.reconciliationCreatedTotal, "recon_reconciliation_created_total", "Total number of reconciliations created", "{reconciliations}"},
		{&bm.statementLinesTotal, "recon_statement_lines_imported_total", "Total number of statement lines imported", "{lines}"},
		{&bm.matchRunsTotal, "recon_match_runs_total", "Total number of deterministic match runs", "{runs}"},
		{&bm.matchGroupsTotal, "recon_match_groups_total", "Total number of match groups produced", "{groups}"},
		{&bm.itemsResolvedTotal, "recon_items_resolved_total", "Total number of item resolution updates", "{items}"},
		{&bm.reconciliationClosedTotal, "recon_reconciliation_closed_total", "Total number of reconciliations closed", "{reconciliations}"},
		{&bm.carriedForwardAmountTotal, "recon_carried_forward_amount_total", "Absolute amount carried forward at closure in cents", "{cents}"},
	}
	for _, c := range counters {
		counter, err := NewCounter(cfg.Meter, c.name, c.desc, c.unit)
		if err != nil {
			return nil, err
		}
		*c.target = counter
	}

	var err error
	bm.matchDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "recon_match_duration_seconds",
		Description: "Duration of deterministic match runs",
		Unit:        "s",
		Boundaries:  SmallDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	bm.outstandingItems, err = NewGauge(
		cfg.Meter,
		"recon_outstanding_items",
		"Outstanding reconciliation items on open reconciliations",
		"{items}",
	)
	if err != nil {
		return nil, err
	}

	return bm, nil
}

// RecordReconciliationCreated records a new reconciliation.
func (bm *BusinessMetrics) RecordReconciliationCreated(ctx context.Context, tenantID uuid.UUID, reconType string) {
	bm.reconciliationCreatedTotal.Inc(ctx,
		AttrTenantID.String(tenantID.String()),
		AttrReconciliationType.String(reconType),
	)
}

// RecordStatementImported records the lines of one imported statement.
func (bm *BusinessMetrics) RecordStatementImported(ctx context.Context, tenantID uuid.UUID, side string, lines int) {
	bm.statementLinesTotal.Add(ctx, int64(lines),
		AttrTenantID.String(tenantID.String()),
		AttrStatementSide.String(side),
	)
}

// RecordMatchRun records one match run with its per-strategy group counts.
func (bm *BusinessMetrics) RecordMatchRun(ctx context.Context, tenantID uuid.UUID, groupsByStrategy map[string]int, d time.Duration) {
	tenant := AttrTenantID.String(tenantID.String())
	bm.matchRunsTotal.Inc(ctx, tenant)
	bm.matchDuration.RecordDuration(ctx, d, tenant)
	for strategy, n := range groupsByStrategy {
		bm.matchGroupsTotal.Add(ctx, int64(n), tenant, AttrMatchStrategy.String(strategy))
	}
}

// ResolutionOutcome labels item resolution updates.
type ResolutionOutcome string

const (
	ResolutionCleared ResolutionOutcome = "cleared"
	ResolutionFlagged ResolutionOutcome = "flagged"
	ResolutionUpdated ResolutionOutcome = "updated"
)

// RecordItemResolved records one resolution update.
func (bm *BusinessMetrics) RecordItemResolved(ctx context.Context, tenantID uuid.UUID, outcome ResolutionOutcome) {
	bm.itemsResolvedTotal.Inc(ctx,
		AttrTenantID.String(tenantID.String()),
		AttrResolutionOutcome.String(string(outcome)),
	)
}

// RecordReconciliationClosed records a closure and the amount carried forward.
// The amount is recorded in cents and by absolute value.
func (bm *BusinessMetrics) RecordReconciliationClosed(ctx context.Context, tenantID uuid.UUID, carriedForward decimal.Decimal) {
	tenant := AttrTenantID.String(tenantID.String())
	bm.reconciliationClosedTotal.Inc(ctx, tenant)
	cents := carriedForward.Abs().Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	if cents > 0 {
		bm.carriedForwardAmountTotal.Add(ctx, cents, tenant)
	}
}

// RecordOutstandingItems records the outstanding backlog of a tenant.
func (bm *BusinessMetrics) RecordOutstandingItems(ctx context.Context, tenantID uuid.UUID, count int64) {
	bm.outstandingItems.Record(ctx, count, AttrTenantID.String(tenantID.String()))
}

// StartPeriodicCollection starts collecting the outstanding gauge.
// This is non-blocking - use Stop() to stop collection.
func (bm *BusinessMetrics) StartPeriodicCollection(ctx context.Context, interval time.Duration) {
	bm.collectOnce.Do(func() {
		if interval <= 0 {
			interval = 5 * time.Minute
		}

		go bm.runPeriodicCollection(ctx, interval)
	})
}

func (bm *BusinessMetrics) runPeriodicCollection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	bm.collectOutstanding(ctx)

	for {
		select {
		case <-bm.stopChan:
			bm.logger.Info("Stopping periodic business metrics collection")
			return
		case <-ctx.Done():
			bm.logger.Info("Context cancelled, stopping periodic business metrics collection")
			return
		case <-ticker.C:
			bm.collectOutstanding(ctx)
		}
	}
}

func (bm *BusinessMetrics) collectOutstanding(ctx context.Context) {
	if bm.outstandingProvider == nil {
		bm.logger.Debug("No outstanding provider configured, skipping backlog metrics collection")
		return
	}

	counts, err := bm.outstandingProvider.OutstandingItemCounts(ctx)
	if err != nil {
		bm.logger.Error("Failed to collect outstanding item counts", zap.Error(err))
		return
	}
	for tenantID, count := range counts {
		bm.RecordOutstandingItems(ctx, tenantID, count)
	}
}

// Stop stops the periodic collection.
func (bm *BusinessMetrics) Stop() {
	bm.stopOnce.Do(func() {
		close(bm.stopChan)
	})
}

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewBusinessMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}

// Reconciliation attribute keys
var (
	AttrReconciliationType = attribute.Key("reconciliation_type")
	AttrStatementSide      = attribute.Key("statement_side")
	AttrMatchStrategy      = attribute.Key("match_strategy")
	AttrResolutionOutcome  = attribute.Key("resolution_outcome")
)
