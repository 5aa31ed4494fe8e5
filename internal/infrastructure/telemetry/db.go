package telemetry

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBConfig controls database instrumentation.
type DBConfig struct {
	TraceEnabled       bool
	LogFullSQL         bool   // include bound variables in spans; dev only
	DBSystem           string // e.g. "postgresql", "sqlite"
	SlowQueryThreshold time.Duration
	PoolStatsInterval  time.Duration
}

// DBInstrumentation is a GORM plugin recording query spans, query counts,
// latency, slow queries and connection pool usage.
type DBInstrumentation struct {
	config DBConfig
	logger *zap.Logger

	queryTotal     *Counter
	queryDuration  *Histogram
	slowQueryTotal *Counter
	poolConns      *Gauge

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDBInstrumentation creates the instruments on meter
func NewDBInstrumentation(meter metric.Meter, cfg DBConfig, logger *zap.Logger) (*DBInstrumentation, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SlowQueryThreshold == 0 {
		cfg.SlowQueryThreshold = 200 * time.Millisecond
	}
	if cfg.PoolStatsInterval == 0 {
		cfg.PoolStatsInterval = 15 * time.Second
	}

	d := &DBInstrumentation{config: cfg, logger: logger, stopCh: make(chan struct{})}
	var err error
	if d.queryTotal, err = NewCounter(meter, "recon_db_query_total", "Database queries by operation", "{query}"); err != nil {
		return nil, err
	}
	if d.queryDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "recon_db_query_duration_seconds",
		Description: "Database query latency",
		Unit:        "s",
		Boundaries:  DBDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if d.slowQueryTotal, err = NewCounter(meter, "recon_db_slow_query_total", "Queries slower than the threshold", "{query}"); err != nil {
		return nil, err
	}
	if d.poolConns, err = NewGauge(meter, "recon_db_pool_connections", "Pool connections by state", "{connection}"); err != nil {
		return nil, err
	}
	return d, nil
}

// Name implements gorm.Plugin
func (d *DBInstrumentation) Name() string {
	return "recon:db_instrumentation"
}

type dbStartKey struct{}

// Initialize implements gorm.Plugin
func (d *DBInstrumentation) Initialize(db *gorm.DB) error {
	if d.config.TraceEnabled {
		opts := []otelgorm.Option{otelgorm.WithDBName(d.config.DBSystem)}
		if !d.config.LogFullSQL {
			opts = append(opts, otelgorm.WithoutQueryVariables())
		}
		if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
			return err
		}
	}

	before := func(tx *gorm.DB) {
		ctx := tx.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		tx.Statement.Context = context.WithValue(ctx, dbStartKey{}, time.Now())
	}

	cb := db.Callback()
	processors := []struct {
		name      string
		operation string
		before    func(string) error
		after     func(string) error
	}{
		{"create", "INSERT", func(n string) error { return cb.Create().Before("gorm:create").Register(n, before) }, nil},
		{"query", "SELECT", func(n string) error { return cb.Query().Before("gorm:query").Register(n, before) }, nil},
		{"update", "UPDATE", func(n string) error { return cb.Update().Before("gorm:update").Register(n, before) }, nil},
		{"delete", "DELETE", func(n string) error { return cb.Delete().Before("gorm:delete").Register(n, before) }, nil},
		{"row", "", func(n string) error { return cb.Row().Before("gorm:row").Register(n, before) }, nil},
		{"raw", "", func(n string) error { return cb.Raw().Before("gorm:raw").Register(n, before) }, nil},
	}
	afterRegistrars := map[string]func(string, func(*gorm.DB)) error{
		"create": func(n string, f func(*gorm.DB)) error { return cb.Create().After("gorm:create").Register(n, f) },
		"query":  func(n string, f func(*gorm.DB)) error { return cb.Query().After("gorm:query").Register(n, f) },
		"update": func(n string, f func(*gorm.DB)) error { return cb.Update().After("gorm:update").Register(n, f) },
		"delete": func(n string, f func(*gorm.DB)) error { return cb.Delete().After("gorm:delete").Register(n, f) },
		"row":    func(n string, f func(*gorm.DB)) error { return cb.Row().After("gorm:row").Register(n, f) },
		"raw":    func(n string, f func(*gorm.DB)) error { return cb.Raw().After("gorm:raw").Register(n, f) },
	}

	for _, p := range processors {
		if err := p.before("recon_db:before_" + p.name); err != nil {
			return err
		}
		operation := p.operation
		after := func(tx *gorm.DB) {
			op := operation
			if op == "" {
				op = detectOperation(tx.Statement.SQL.String())
			}
			d.observe(tx, op)
		}
		if err := afterRegistrars[p.name]("recon_db:after_"+p.name, after); err != nil {
			return err
		}
	}

	d.logger.Info("Database instrumentation registered",
		zap.Bool("tracing", d.config.TraceEnabled),
		zap.Duration("slow_query_threshold", d.config.SlowQueryThreshold),
	)
	return nil
}

func (d *DBInstrumentation) observe(tx *gorm.DB, operation string) {
	ctx := tx.Statement.Context
	if ctx == nil {
		return
	}
	start, ok := ctx.Value(dbStartKey{}).(time.Time)
	if !ok {
		return
	}
	d.RecordQuery(ctx, operation, tx.Statement.Table, time.Since(start))
}

// RecordQuery records one executed statement. A slow query also marks the
// active span.
func (d *DBInstrumentation) RecordQuery(ctx context.Context, operation, table string, elapsed time.Duration) {
	if operation == "" {
		operation = "OTHER"
	}
	op := AttrDBOperation.String(operation)
	d.queryTotal.Inc(ctx, op)
	d.queryDuration.RecordDuration(ctx, elapsed, op)

	if elapsed <= d.config.SlowQueryThreshold {
		return
	}
	if table == "" {
		table = "unknown"
	}
	d.slowQueryTotal.Inc(ctx, AttrDBTable.String(table))
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.Bool("db.slow_query", true),
			attribute.Int64("db.duration_ms", elapsed.Milliseconds()),
		)
	}
}

// StartPoolStats samples sqlDB's pool every PoolStatsInterval until Stop
// or ctx is done.
func (d *DBInstrumentation) StartPoolStats(ctx context.Context, sqlDB *sql.DB) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.config.PoolStatsInterval)
		defer ticker.Stop()

		for {
			d.RecordPoolStats(ctx, sqlDB.Stats())
			select {
			case <-ticker.C:
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RecordPoolStats records idle, in-use and open connection counts
func (d *DBInstrumentation) RecordPoolStats(ctx context.Context, stats sql.DBStats) {
	d.poolConns.Record(ctx, int64(stats.Idle), AttrDBState.String("idle"))
	d.poolConns.Record(ctx, int64(stats.InUse), AttrDBState.String("in_use"))
	d.poolConns.Record(ctx, int64(stats.OpenConnections), AttrDBState.String("open"))
}

// Stop ends pool sampling. Safe to call more than once.
func (d *DBInstrumentation) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
	})
}

func detectOperation(sql string) string {
	sql = strings.ToUpper(strings.TrimSpace(sql))
	for _, op := range []string{"SELECT", "INSERT", "UPDATE", "DELETE"} {
		if strings.HasPrefix(sql, op) {
			return op
		}
	}
	return "OTHER"
}
