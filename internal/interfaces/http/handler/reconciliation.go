package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/erp/reconciliation/internal/application/reconciliation"
	domain "github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/erp/reconciliation/internal/interfaces/http/dto"
	"github.com/erp/reconciliation/internal/interfaces/http/middleware"
	"github.com/erp/reconciliation/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// IdempotencyKeyHeader lets clients retry a statement upload safely
const IdempotencyKeyHeader = "Idempotency-Key"

// WorkpaperLinker issues download links for archived workpapers
type WorkpaperLinker interface {
	WorkpaperDownloadURL(ctx context.Context, tenantID, id uuid.UUID, expiresIn time.Duration) (*reconciliation.WorkpaperLink, error)
}

// ReconciliationHandlerConfig tunes request handling
type ReconciliationHandlerConfig struct {
	// DefaultCurrency applies when a create request names none
	DefaultCurrency string
	MaxBodySize     int64
	MaxUploadSize   int64
	WorkpaperExpiry time.Duration
}

// ReconciliationHandler serves the reconciliation API
type ReconciliationHandler struct {
	BaseHandler
	service    *reconciliation.Service
	workpapers WorkpaperLinker
	cfg        ReconciliationHandlerConfig
}

// NewReconciliationHandler creates a handler. workpapers may be nil when
// archiving is disabled; the workpaper endpoint then answers 503.
func NewReconciliationHandler(service *reconciliation.Service, workpapers WorkpaperLinker, cfg ReconciliationHandlerConfig) *ReconciliationHandler {
	if cfg.WorkpaperExpiry <= 0 {
		cfg.WorkpaperExpiry = 15 * time.Minute
	}
	return &ReconciliationHandler{
		service:    service,
		workpapers: workpapers,
		cfg:        cfg,
	}
}

// RegisterRoutes implements router.RouteRegistrar
func (h *ReconciliationHandler) RegisterRoutes(rg *gin.RouterGroup) {
	recons := router.NewDomainGroup("reconciliations", "/reconciliations")
	recons.GET("", h.List)
	recons.GET("/:id", h.Get)
	recons.GET("/:id/workpaper", h.GetWorkpaper)

	writes := recons.Group("reconciliation-writes", "").Use(middleware.BodyLimit(h.cfg.MaxBodySize))
	writes.POST("", h.Create)
	writes.POST("/:id/statements", h.ImportStatement)
	writes.POST("/:id/match", h.RunMatch)
	writes.POST("/:id/close", h.Close)

	uploads := recons.Group("statement-uploads", "").Use(middleware.BodyLimit(h.cfg.MaxUploadSize))
	uploads.POST("/:id/statements/upload", h.UploadStatement)

	items := router.NewDomainGroup("reconciliation-items", "/reconciliation-items").
		Use(middleware.BodyLimit(h.cfg.MaxBodySize))
	items.POST("/:itemId/resolve", h.ResolveItem)

	strategies := router.NewDomainGroup("match-strategies", "/match-strategies")
	strategies.GET("", h.ListMatchStrategies)

	recons.RegisterRoutes(rg)
	items.RegisterRoutes(rg)
	strategies.RegisterRoutes(rg)
}

// Create opens a reconciliation for the request tenant
// POST /reconciliations
func (h *ReconciliationHandler) Create(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}

	var req CreateReconciliationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = h.cfg.DefaultCurrency
	}

	snap, err := h.service.CreateReconciliation(c.Request.Context(), tenantID, domain.NewReconciliationParams{
		EngagementID:     req.EngagementID,
		ControlReference: req.ControlReference,
		Name:             req.Name,
		Type:             domain.ReconciliationType(req.Type),
		Currency:         currency,
		PeriodStart:      req.PeriodStart,
		PeriodEnd:        req.PeriodEnd,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Created(c, toReconciliationResponse(*snap))
}

// List returns the tenant's reconciliation summaries, most recently updated
// first
// GET /reconciliations
func (h *ReconciliationHandler) List(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}

	var query ListReconciliationsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		h.BindError(c, err)
		return
	}

	summaries, err := h.service.ListSummaries(c.Request.Context(), domain.SummaryFilter{
		TenantID: &tenantID,
		Status:   domain.Status(query.Status),
		Type:     domain.ReconciliationType(query.Type),
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.SuccessList(c, toSummaryResponses(summaries), len(summaries))
}

// Get returns the full snapshot
// GET /reconciliations/:id
func (h *ReconciliationHandler) Get(c *gin.Context) {
	tenantID, id, ok := h.bindTenantAndID(c)
	if !ok {
		return
	}

	snap, err := h.service.GetSnapshot(c.Request.Context(), tenantID, id)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toReconciliationResponse(*snap))
}

// ImportStatement appends a JSON statement batch
// POST /reconciliations/:id/statements
func (h *ReconciliationHandler) ImportStatement(c *gin.Context) {
	tenantID, id, ok := h.bindTenantAndID(c)
	if !ok {
		return
	}

	var req ImportStatementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	snap, err := h.service.ImportStatement(c.Request.Context(), tenantID, id, req.toInput())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Created(c, toReconciliationResponse(*snap))
}

// UploadStatement imports a CSV or XLSX statement file sent as multipart
// form field "file"
// POST /reconciliations/:id/statements/upload
func (h *ReconciliationHandler) UploadStatement(c *gin.Context) {
	tenantID, id, ok := h.bindTenantAndID(c)
	if !ok {
		return
	}

	var form dto.StatementUploadForm
	if err := c.ShouldBind(&form); err != nil {
		h.BindError(c, err)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.HandleError(c, err)
			return
		}
		h.BadRequest(c, "A statement file is required in form field 'file'")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.HandleError(c, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	snap, err := h.service.ImportStatementFile(c.Request.Context(), tenantID, id, reconciliation.ImportStatementFileInput{
		Side:           domain.StatementSide(form.Side),
		SourceName:     form.SourceName,
		StatementDate:  form.StatementDate,
		ImportedBy:     form.ImportedBy,
		FileName:       fileHeader.Filename,
		ContentType:    fileHeader.Header.Get("Content-Type"),
		Data:           data,
		IdempotencyKey: c.GetHeader(IdempotencyKeyHeader),
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Created(c, toReconciliationResponse(*snap))
}

// RunMatch re-runs deterministic matching. The body is optional.
// POST /reconciliations/:id/match
func (h *ReconciliationHandler) RunMatch(c *gin.Context) {
	tenantID, id, ok := h.bindTenantAndID(c)
	if !ok {
		return
	}

	var req RunMatchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			h.BindError(c, err)
			return
		}
	}

	result, err := h.service.RunDeterministicMatch(c.Request.Context(), tenantID, id, req.toStrategies())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toMatchRunResponse(result))
}

// ResolveItem records how a reconciling item was explained
// POST /reconciliation-items/:itemId/resolve
func (h *ReconciliationHandler) ResolveItem(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}

	var uri dto.ItemIDRequest
	if err := c.ShouldBindUri(&uri); err != nil {
		h.BadRequest(c, "Invalid item ID format")
		return
	}
	itemID := uuid.MustParse(uri.ItemID)

	var req ResolveItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	result, err := h.service.ResolveItem(c.Request.Context(), tenantID, itemID, domain.ResolutionInput{
		ResolutionNote:        req.ResolutionNote,
		FollowUpDate:          req.FollowUpDate,
		Cleared:               req.Cleared,
		EvidenceLink:          req.EvidenceLink,
		FlaggedAsMisstatement: req.FlaggedAsMisstatement,
		ResolvedBy:            req.ResolvedBy,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, ResolveItemResponse{
		Item:           toItemResponse(result.Item),
		Evidence:       toEvidenceResponse(result.Evidence),
		Reconciliation: toReconciliationResponse(result.Reconciliation),
	})
}

// Close seals a reconciliation
// POST /reconciliations/:id/close
func (h *ReconciliationHandler) Close(c *gin.Context) {
	tenantID, id, ok := h.bindTenantAndID(c)
	if !ok {
		return
	}

	var req CloseReconciliationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			h.BindError(c, err)
			return
		}
	}

	result, err := h.service.CloseReconciliation(c.Request.Context(), tenantID, id, domain.CloseInput{
		ClosedBy:         req.ClosedBy,
		Summary:          req.Summary,
		ControlReference: req.ControlReference,
		ReviewNotes:      req.ReviewNotes,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, CloseReconciliationResponse{
		Reconciliation: toReconciliationResponse(result.Reconciliation),
		Evidence:       toEvidenceResponses(result.Evidence),
	})
}

// GetWorkpaper returns a presigned link to the archived workpaper of a
// closed reconciliation
// GET /reconciliations/:id/workpaper
func (h *ReconciliationHandler) GetWorkpaper(c *gin.Context) {
	tenantID, id, ok := h.bindTenantAndID(c)
	if !ok {
		return
	}
	if h.workpapers == nil {
		h.ErrorWithCode(c, dto.ErrCodeUnavailable, "Workpaper archiving is not enabled")
		return
	}

	link, err := h.workpapers.WorkpaperDownloadURL(c.Request.Context(), tenantID, id, h.cfg.WorkpaperExpiry)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, WorkpaperResponse{
		URL:        link.URL,
		StorageKey: link.StorageKey,
		ExpiresAt:  formatTimestamp(link.ExpiresAt),
	})
}

// ListMatchStrategies lists the strategies a match run accepts
// GET /match-strategies
func (h *ReconciliationHandler) ListMatchStrategies(c *gin.Context) {
	infos := h.service.MatchStrategies()
	resp := make([]MatchStrategyResponse, len(infos))
	for i, info := range infos {
		resp[i] = MatchStrategyResponse{
			Name:        info.Name,
			Type:        info.Type,
			Description: info.Description,
			Priority:    info.Priority,
			IsDefault:   info.Priority > 0,
		}
	}
	h.Success(c, resp)
}

// bindTenantAndID reads the request tenant and the :id path parameter. Lookups
// are always scoped to the tenant, so another tenant's id reads as not found.
func (h *ReconciliationHandler) bindTenantAndID(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return uuid.Nil, uuid.Nil, false
	}

	var uri dto.IDRequest
	if err := c.ShouldBindUri(&uri); err != nil {
		h.BadRequest(c, "Invalid reconciliation ID format")
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, uuid.MustParse(uri.ID), true
}

// Compile-time check
var _ router.RouteRegistrar = (*ReconciliationHandler)(nil)
