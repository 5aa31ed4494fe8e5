package middleware

import (
	"net/http"
	"strings"

	"github.com/erp/reconciliation/internal/infrastructure/logger"
	"github.com/erp/reconciliation/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Tenant plumbing
const (
	TenantIDKey     = "tenant_id"
	TenantHeaderKey = "X-Tenant-ID"
)

// DefaultTenantID is used when a request names no tenant
var DefaultTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// TenantConfig holds configuration for the tenant middleware
type TenantConfig struct {
	// DefaultTenantID applies when X-Tenant-ID is absent. uuid.Nil makes
	// the header mandatory.
	DefaultTenantID uuid.UUID
	// SkipPaths are served without tenant context
	SkipPaths []string
}

// DefaultTenantConfig returns default tenant middleware configuration
func DefaultTenantConfig() TenantConfig {
	return TenantConfig{
		DefaultTenantID: DefaultTenantID,
		SkipPaths:       []string{"/health", "/metrics"},
	}
}

// Tenant resolves the tenant from X-Tenant-ID. A malformed id is rejected
// with 400.
func Tenant(cfg TenantConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, skip := range cfg.SkipPaths {
			if path == skip || strings.HasPrefix(path, skip+"/") {
				c.Next()
				return
			}
		}

		tenantID := cfg.DefaultTenantID
		if header := strings.TrimSpace(c.GetHeader(TenantHeaderKey)); header != "" {
			parsed, err := uuid.Parse(header)
			if err != nil {
				abortTenant(c, "Invalid tenant ID format")
				return
			}
			tenantID = parsed
		}
		if tenantID == uuid.Nil {
			abortTenant(c, "Tenant identification required")
			return
		}

		c.Set(TenantIDKey, tenantID)
		c.Request = c.Request.WithContext(logger.WithTenantID(c.Request.Context(), tenantID.String()))
		c.Next()
	}
}

func abortTenant(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, dto.NewErrorResponseWithRequestID(
		dto.ErrCodeBadRequest, message, GetRequestID(c),
	))
}

// GetTenantID returns the tenant resolved by Tenant, or uuid.Nil
func GetTenantID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(TenantIDKey); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}
