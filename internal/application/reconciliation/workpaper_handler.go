package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkpaperContentType is the MIME type of rendered workpapers
const WorkpaperContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// WorkpaperRenderer renders a reconciliation snapshot as a workpaper file
type WorkpaperRenderer interface {
	Render(snapshot reconciliation.Snapshot) ([]byte, error)
}

// WorkpaperStorage is the object store workpapers are archived to
type WorkpaperStorage interface {
	Upload(ctx context.Context, storageKey string, data []byte, contentType string) error
	ObjectExists(ctx context.Context, storageKey string) (bool, error)
	GenerateDownloadURL(ctx context.Context, storageKey string, expiresIn time.Duration) (string, time.Time, error)
}

// WorkpaperKey returns the storage key of a reconciliation's workpaper
func WorkpaperKey(tenantID, reconciliationID uuid.UUID) string {
	return fmt.Sprintf("workpapers/%s/%s.xlsx", tenantID, reconciliationID)
}

// WorkpaperArchiveHandler handles ReconciliationClosedEvent by archiving an
// XLSX workpaper of the closed reconciliation
type WorkpaperArchiveHandler struct {
	repo     reconciliation.Repository
	renderer WorkpaperRenderer
	storage  WorkpaperStorage
	logger   *zap.Logger
}

// NewWorkpaperArchiveHandler creates a new workpaper archive handler
func NewWorkpaperArchiveHandler(
	repo reconciliation.Repository,
	renderer WorkpaperRenderer,
	storage WorkpaperStorage,
	logger *zap.Logger,
) *WorkpaperArchiveHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkpaperArchiveHandler{
		repo:     repo,
		renderer: renderer,
		storage:  storage,
		logger:   logger,
	}
}

// EventTypes returns the event types this handler is interested in
func (h *WorkpaperArchiveHandler) EventTypes() []string {
	return []string{reconciliation.EventTypeReconciliationClosed}
}

// Handle archives the workpaper. Failures are logged and swallowed so that
// closure never depends on object storage.
func (h *WorkpaperArchiveHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	closed, ok := event.(*reconciliation.ReconciliationClosedEvent)
	if !ok {
		h.logger.Error("unexpected event type",
			zap.String("expected", reconciliation.EventTypeReconciliationClosed),
			zap.String("actual", event.EventType()),
		)
		return fmt.Errorf("unexpected event type: expected %s, got %s",
			reconciliation.EventTypeReconciliationClosed, event.EventType())
	}

	key, err := h.Archive(ctx, closed.TenantID(), closed.ReconciliationID)
	if err != nil {
		h.logger.Error("failed to archive reconciliation workpaper",
			zap.String("reconciliation_id", closed.ReconciliationID.String()),
			zap.Error(err),
		)
		return nil
	}

	h.logger.Info("reconciliation workpaper archived",
		zap.String("reconciliation_id", closed.ReconciliationID.String()),
		zap.String("storage_key", key),
		zap.Int("carried_forward_count", closed.CarriedForwardCount),
	)
	return nil
}

// Archive renders and uploads the workpaper of a closed reconciliation
func (h *WorkpaperArchiveHandler) Archive(ctx context.Context, tenantID, id uuid.UUID) (string, error) {
	r, err := h.repo.FindByIDForTenant(ctx, tenantID, id)
	if err != nil {
		return "", err
	}
	if !r.IsClosed() {
		return "", shared.NewInvalidStateError("workpapers are only archived for closed reconciliations")
	}

	data, err := h.renderer.Render(r.Snapshot())
	if err != nil {
		return "", fmt.Errorf("failed to render workpaper: %w", err)
	}

	key := WorkpaperKey(r.TenantID, r.ID)
	if err := h.storage.Upload(ctx, key, data, WorkpaperContentType); err != nil {
		return "", fmt.Errorf("failed to upload workpaper: %w", err)
	}
	return key, nil
}

// WorkpaperLink is a presigned workpaper download link
type WorkpaperLink struct {
	URL        string
	StorageKey string
	ExpiresAt  time.Time
}

// WorkpaperDownloadURL returns a presigned link to a closed reconciliation's
// workpaper, archiving it first if the close-time archive did not happen.
func (h *WorkpaperArchiveHandler) WorkpaperDownloadURL(ctx context.Context, tenantID, id uuid.UUID, expiresIn time.Duration) (*WorkpaperLink, error) {
	r, err := h.repo.FindByIDForTenant(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !r.IsClosed() {
		return nil, shared.NewInvalidStateError("workpaper is available once the reconciliation is closed")
	}

	key := WorkpaperKey(r.TenantID, r.ID)
	exists, err := h.storage.ObjectExists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check workpaper: %w", err)
	}
	if !exists {
		if _, err := h.Archive(ctx, tenantID, id); err != nil {
			return nil, err
		}
	}

	url, expiresAt, err := h.storage.GenerateDownloadURL(ctx, key, expiresIn)
	if err != nil {
		return nil, fmt.Errorf("failed to generate workpaper URL: %w", err)
	}
	return &WorkpaperLink{URL: url, StorageKey: key, ExpiresAt: expiresAt}, nil
}
