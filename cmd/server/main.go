package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	reconapp "github.com/erp/reconciliation/internal/application/reconciliation"
	domain "github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/erp/reconciliation/internal/infrastructure/activity"
	"github.com/erp/reconciliation/internal/infrastructure/cache"
	"github.com/erp/reconciliation/internal/infrastructure/config"
	"github.com/erp/reconciliation/internal/infrastructure/event"
	"github.com/erp/reconciliation/internal/infrastructure/export"
	"github.com/erp/reconciliation/internal/infrastructure/logger"
	"github.com/erp/reconciliation/internal/infrastructure/persistence"
	"github.com/erp/reconciliation/internal/infrastructure/statementfile"
	"github.com/erp/reconciliation/internal/infrastructure/storage"
	"github.com/erp/reconciliation/internal/infrastructure/telemetry"
	"github.com/erp/reconciliation/internal/interfaces/http/handler"
	"github.com/erp/reconciliation/internal/interfaces/http/middleware"
	"github.com/erp/reconciliation/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logCfg := &logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	log, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	ctx := context.Background()
	tel, log := setupTelemetry(ctx, cfg, logCfg, log)
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting reconciliation service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("version", version),
	)

	tenantID := middleware.DefaultTenantID
	if cfg.App.DefaultTenantID != "" {
		if tenantID, err = uuid.Parse(cfg.App.DefaultTenantID); err != nil {
			log.Fatal("Invalid default tenant id", zap.String("value", cfg.App.DefaultTenantID), zap.Error(err))
		}
	}

	// Repository
	var (
		repo        domain.Repository
		outstanding telemetry.OutstandingMetricsProvider
		db          *persistence.Database
	)
	if cfg.Database.Driver == config.DriverMemory {
		memRepo := persistence.NewMemoryReconciliationRepository()
		repo, outstanding = memRepo, memRepo
		log.Warn("Using the in-memory store; reconciliations are lost on restart")
	} else {
		db, err = openDatabase(ctx, cfg, tel, log)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Error("Error closing database", zap.Error(err))
			}
		}()
		gormRepo := persistence.NewGormReconciliationRepository(db.DB)
		repo, outstanding = gormRepo, gormRepo
	}

	// Idempotency store, shared with the activity stream when Redis is up
	idemStore, redisClient, err := cache.NewIdempotencyStoreFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(!cfg.App.IsProduction()),
	).CreateStore(ctx)
	if err != nil {
		log.Fatal("Failed to create idempotency store", zap.Error(err))
	}
	if redisClient != nil {
		defer func() {
			_ = redisClient.Close()
		}()
	}

	// Activity log
	sinks := []activity.Sink{activity.NewZapSink(log)}
	if redisClient != nil && cfg.Activity.RedisStream != "" {
		sinks = append(sinks, activity.NewRedisStreamSink(redisClient, cfg.Activity.RedisStream, cfg.Activity.RedisStreamMaxLen))
	}
	dispatcher := activity.NewDispatcher(log, cfg.Activity.BufferSize, sinks)
	dispatcher.Start()

	// Event bus
	eventBus := event.NewInMemoryEventBus(log)
	if err := eventBus.Start(ctx); err != nil {
		log.Fatal("Failed to start event bus", zap.Error(err))
	}

	// Workpapers
	workpaperStorage, memoryWorkpapers, err := openWorkpaperStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize workpaper storage", zap.Error(err))
	}
	archive := reconapp.NewWorkpaperArchiveHandler(repo, export.NewWorkpaperRenderer(), workpaperStorage, log)
	if cfg.Reconciliation.WorkpaperArchive {
		eventBus.Subscribe(event.NewIdempotentHandler(archive, idemStore, log,
			event.WithIdempotencyConfig(shared.IdempotencyConfig{TTL: cfg.Reconciliation.IdempotencyTTL, Enabled: true}),
			event.WithKeyPrefix("event:workpaper-archive:"),
		))
		log.Info("Workpaper archive enabled")
	}

	// Service
	strategies := make([]domain.MatchStrategyType, 0, len(cfg.Reconciliation.DefaultStrategies))
	for _, s := range cfg.Reconciliation.DefaultStrategies {
		strategies = append(strategies, domain.MatchStrategyType(strings.ToUpper(s)))
	}

	serviceOpts := []reconapp.Option{
		reconapp.WithEventPublisher(eventBus),
		reconapp.WithActivityLogger(dispatcher),
		reconapp.WithLogger(log),
		reconapp.WithStatementFileParser(statementfile.NewParser(
			statementfile.WithMaxRows(cfg.Reconciliation.MaxStatementRows),
			statementfile.WithLogger(log),
		)),
		reconapp.WithIdempotencyStore(idemStore, shared.IdempotencyConfig{
			TTL:     cfg.Reconciliation.IdempotencyTTL,
			Enabled: true,
		}),
		reconapp.WithDefaultStrategies(strategies),
	}

	businessMetrics, err := telemetry.NewBusinessMetrics(telemetry.BusinessMetricsConfig{
		Meter:               tel.meter.Meter(),
		Logger:              log,
		CollectInterval:     cfg.Reconciliation.OutstandingScrape,
		OutstandingProvider: outstanding,
	})
	if err != nil {
		log.Warn("Business metrics disabled", zap.Error(err))
	} else {
		serviceOpts = append(serviceOpts, reconapp.WithMetrics(businessMetrics))
	}

	service := reconapp.NewService(repo, serviceOpts...)

	if businessMetrics != nil {
		businessMetrics.StartPeriodicCollection(ctx, cfg.Reconciliation.OutstandingScrape)
	}

	// HTTP
	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var httpMetrics *middleware.HTTPMetrics
	if cfg.Telemetry.PrometheusEnabled {
		httpMetrics = middleware.NewHTTPMetrics("recon")
	}

	engine := router.NewEngine(router.EngineConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		HTTP:        cfg.HTTP,
		Tenant: middleware.TenantConfig{
			DefaultTenantID: tenantID,
			SkipPaths:       middleware.DefaultTenantConfig().SkipPaths,
		},
		Tracing:   cfg.Telemetry.Enabled,
		Profiling: cfg.Telemetry.ProfilingEnabled,
		Metrics:   httpMetrics,
		Logger:    log,
	})

	health := handler.NewHealthHandler(cfg.App.Name, version)
	if db != nil {
		health.AddCheck("database", db.Ping)
	}
	if redisClient != nil {
		health.AddCheck("redis", redisPing(redisClient))
	}
	health.RegisterHealthRoutes(engine)

	if memoryWorkpapers != nil {
		engine.GET("/workpapers/*key", serveMemoryWorkpaper(memoryWorkpapers))
	}

	reconHandler := handler.NewReconciliationHandler(service, archive, handler.ReconciliationHandlerConfig{
		DefaultCurrency: cfg.Reconciliation.DefaultCurrency,
		MaxBodySize:     cfg.HTTP.MaxBodySize,
		MaxUploadSize:   cfg.HTTP.MaxUploadSize,
		WorkpaperExpiry: cfg.Storage.PresignExpiration,
	})
	router.NewRouter(engine).Register(reconHandler).Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if businessMetrics != nil {
		businessMetrics.Stop()
	}
	if err := eventBus.Stop(shutdownCtx); err != nil {
		log.Error("Event bus did not drain", zap.Error(err))
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error("Activity log did not drain", zap.Error(err))
	}
	tel.shutdown(shutdownCtx)

	log.Info("Server exited gracefully")
}

// telemetryProviders groups the OpenTelemetry providers so they can be
// flushed together on shutdown
type telemetryProviders struct {
	tracer   *telemetry.TracerProvider
	meter    *telemetry.MeterProvider
	logs     *telemetry.LoggerProvider
	profiler *telemetry.Profiler
	log      *zap.Logger
}

// setupTelemetry starts tracing, metrics, log export and profiling. When log
// export is enabled the returned logger also feeds the collector. Telemetry
// failures never stop the service.
func setupTelemetry(ctx context.Context, cfg *config.Config, logCfg *logger.Config, log *zap.Logger) (*telemetryProviders, *zap.Logger) {
	t := cfg.Telemetry
	tel := &telemetryProviders{log: log}

	logs, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           t.LogsEnabled,
		CollectorEndpoint: t.CollectorEndpoint,
		ServiceName:       t.ServiceName,
		Insecure:          t.Insecure,
	}, log)
	if err != nil {
		log.Warn("OTLP log export disabled", zap.Error(err))
	} else {
		tel.logs = logs
		if logs.IsEnabled() {
			logCfg.Tee = logs.ZapCore(logger.ParseLevel(cfg.Log.Level))
			if teed, err := logger.New(logCfg); err == nil {
				log = teed
				tel.log = teed
			}
		}
	}

	tel.tracer, err = telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           t.Enabled,
		CollectorEndpoint: t.CollectorEndpoint,
		SamplingRatio:     t.SamplingRatio,
		ServiceName:       t.ServiceName,
		Insecure:          t.Insecure,
	}, log)
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	}

	tel.meter, err = telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           t.MetricsEnabled,
		CollectorEndpoint: t.CollectorEndpoint,
		ExportInterval:    t.MetricsExportInterval,
		ServiceName:       t.ServiceName,
		Insecure:          t.Insecure,
	}, log)
	if err != nil {
		log.Warn("Metrics export disabled", zap.Error(err))
		tel.meter, _ = telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{}, log)
	}

	tel.profiler, err = telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:           t.ProfilingEnabled,
		ServerAddress:     t.PyroscopeAddress,
		ApplicationName:   t.ServiceName,
		BasicAuthUser:     t.PyroscopeUser,
		BasicAuthPassword: t.PyroscopePassword,
	}, log)
	if err != nil {
		log.Warn("Continuous profiling disabled", zap.Error(err))
	} else if tel.profiler.IsEnabled() && tel.tracer != nil {
		tel.tracer.EnableSpanProfiles()
	}

	return tel, log
}

func (t *telemetryProviders) shutdown(ctx context.Context) {
	if t.profiler != nil {
		if err := t.profiler.Stop(); err != nil {
			t.log.Warn("Profiler stop failed", zap.Error(err))
		}
	}
	if t.tracer != nil {
		if err := t.tracer.Shutdown(ctx); err != nil {
			t.log.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}
	if t.meter != nil {
		if err := t.meter.Shutdown(ctx); err != nil {
			t.log.Warn("Meter shutdown failed", zap.Error(err))
		}
	}
	if t.logs != nil {
		if err := t.logs.Shutdown(ctx); err != nil {
			t.log.Warn("Log provider shutdown failed", zap.Error(err))
		}
	}
}

// openDatabase connects to postgres or sqlite with zap SQL logging and the
// query instrumentation plugin
func openDatabase(ctx context.Context, cfg *config.Config, tel *telemetryProviders, log *zap.Logger) (*persistence.Database, error) {
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh),
	)

	dbSystem := "postgresql"
	if cfg.Database.Driver == config.DriverSQLite {
		dbSystem = "sqlite"
	}
	instrumentation, err := telemetry.NewDBInstrumentation(tel.meter.Meter(), telemetry.DBConfig{
		TraceEnabled:       cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:         cfg.Telemetry.DBLogFullSQL,
		DBSystem:           dbSystem,
		SlowQueryThreshold: cfg.Telemetry.DBSlowQueryThresh,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("database instrumentation: %w", err)
	}

	db, err := persistence.NewDatabase(cfg.Database, persistence.Options{
		Logger:  gormLog,
		Plugins: []gorm.Plugin{instrumentation},
	})
	if err != nil {
		return nil, err
	}
	log.Info("Database connected", zap.String("driver", db.Driver()))

	if cfg.Database.AutoMigrate || cfg.Database.Driver == config.DriverSQLite {
		if err := db.AutoMigrate(ctx, log); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	if sqlDB, err := db.DB.DB(); err == nil {
		instrumentation.StartPoolStats(ctx, sqlDB)
	}
	return db, nil
}

// openWorkpaperStorage returns S3 storage when configured. Otherwise an
// in-process store is returned as both values so the server can serve its
// links itself.
func openWorkpaperStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (reconapp.WorkpaperStorage, *storage.MemoryObjectStorage, error) {
	if cfg.Storage.Enabled {
		s3, err := storage.NewS3ObjectStorage(ctx, cfg.Storage, storage.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, nil, err
		}
		return s3, nil, nil
	}

	log.Warn("Object storage disabled, workpapers are kept in memory")
	mem := storage.NewMemoryObjectStorage("http://localhost:"+cfg.App.Port+"/workpapers", nil)
	return mem, mem, nil
}

func serveMemoryWorkpaper(store *storage.MemoryObjectStorage) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimPrefix(c.Param("key"), "/")
		data, err := store.Download(c.Request.Context(), key)
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}
		c.Data(http.StatusOK, reconapp.WorkpaperContentType, data)
	}
}

func redisPing(client *redis.Client) handler.HealthCheck {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
