// Package tenant scopes GORM queries to one tenant.
//
// Usage:
//
//	db.Scopes(tenant.Scope(tenantID)).Find(&rows)
//	db.Scopes(tenant.ScopeFromContext(ctx)).Find(&rows)
package tenant

import (
	"context"
	"errors"

	"github.com/erp/reconciliation/internal/infrastructure/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Column is the tenant column shared by tenant-scoped tables
const Column = "tenant_id"

// ErrTenantIDRequired is returned when tenant_id is required but not found
var ErrTenantIDRequired = errors.New("tenant_id is required but not found in context")

// ErrInvalidTenantID is returned when tenant_id format is invalid
var ErrInvalidTenantID = errors.New("invalid tenant_id format")

// Scope filters a query to tenantID
func Scope(tenantID uuid.UUID) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(db.Statement.Quote(Column)+" = ?", tenantID)
	}
}

// ScopeFromContext filters a query to the tenant carried by ctx. A missing
// or malformed tenant aborts the query with an error instead of widening it.
func ScopeFromContext(ctx context.Context) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		raw := logger.GetTenantID(ctx)
		if raw == "" {
			_ = db.AddError(ErrTenantIDRequired)
			return db
		}
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			_ = db.AddError(ErrInvalidTenantID)
			return db
		}
		return Scope(tenantID)(db)
	}
}
