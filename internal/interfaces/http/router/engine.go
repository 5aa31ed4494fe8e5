package router

import (
	"net/http"

	"github.com/erp/reconciliation/internal/infrastructure/config"
	"github.com/erp/reconciliation/internal/infrastructure/logger"
	"github.com/erp/reconciliation/internal/interfaces/http/dto"
	"github.com/erp/reconciliation/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EngineConfig selects the middleware stack of the HTTP engine
type EngineConfig struct {
	ServiceName string
	HTTP        config.HTTPConfig
	Tenant      middleware.TenantConfig
	Tracing     bool
	Profiling   bool
	// Metrics enables the Prometheus middleware and /metrics when set
	Metrics *middleware.HTTPMetrics
	Logger  *zap.Logger
}

// NewEngine builds a gin engine with the middleware stack applied in order:
//  1. RequestID - generate/propagate request ID
//  2. Recovery - catch panics
//  3. Logger - log requests
//  4. Secure - security headers
//  5. CORS
//  6. Tracing - server span per request
//  7. Metrics
//  8. Tenant - resolve X-Tenant-ID, then tag the span with it
//  9. Profiling - pprof labels per route and tenant
//
// Body limits are applied per route group because uploads get a larger one.
func NewEngine(cfg EngineConfig) *gin.Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	middleware.SetupValidator()
	engine := gin.New()

	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.Secure())
	engine.Use(middleware.CORS(middleware.CORSConfigFromHTTP(cfg.HTTP)))
	engine.Use(middleware.Tracing(middleware.TracingConfig{
		ServiceName: cfg.ServiceName,
		Enabled:     cfg.Tracing,
	}))
	if cfg.Metrics != nil {
		engine.Use(cfg.Metrics.Middleware())
		engine.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}
	engine.Use(middleware.Tenant(cfg.Tenant))
	engine.Use(middleware.SpanEnricher())
	engine.Use(middleware.Profiling(middleware.ProfilingConfig{
		Enabled:   cfg.Profiling,
		SkipPaths: middleware.DefaultProfilingConfig().SkipPaths,
	}))

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, dto.NewErrorResponseWithRequestID(
			dto.ErrCodeNotFound, "Route not found", middleware.GetRequestID(c),
		))
	})

	return engine
}
