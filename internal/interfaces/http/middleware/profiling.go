package middleware

import (
	"context"
	"slices"

	"github.com/erp/reconciliation/internal/infrastructure/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ProfilingConfig holds configuration for the profiling middleware.
type ProfilingConfig struct {
	Enabled bool
	// SkipPaths are served without profiling labels
	SkipPaths []string
}

// DefaultProfilingConfig skips probe and scrape endpoints
func DefaultProfilingConfig() ProfilingConfig {
	return ProfilingConfig{
		Enabled:   true,
		SkipPaths: []string{"/health", "/metrics"},
	}
}

// Profiling runs the rest of the chain under pprof labels for the route,
// method and tenant, so Pyroscope can slice CPU profiles per endpoint.
// Place it after Tenant.
func Profiling(cfg ProfilingConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		if slices.Contains(cfg.SkipPaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		tenant := ""
		if id := GetTenantID(c); id != uuid.Nil {
			tenant = id.String()
		}
		labels := telemetry.HTTPRequestLabels(c.FullPath(), c.Request.Method, tenant)

		telemetry.WithProfilingLabels(c.Request.Context(), labels, func(ctx context.Context) {
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		})
	}
}
