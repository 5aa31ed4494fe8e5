package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/erp/reconciliation/internal/infrastructure/statementfile"
	"github.com/erp/reconciliation/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StatementFileParser turns an uploaded statement export into line inputs
type StatementFileParser interface {
	Parse(ctx context.Context, format statementfile.Format, data []byte) ([]reconciliation.StatementLineInput, error)
}

// ImportStatementFileInput describes an uploaded statement file
type ImportStatementFileInput struct {
	Side           reconciliation.StatementSide
	SourceName     string
	StatementDate  string
	ImportedBy     string
	FileName       string
	ContentType    string
	Data           []byte
	IdempotencyKey string
}

// FileRejectedError reports a statement file that could not be turned into
// lines. It matches shared.ErrValidation and unwraps to the parser error.
type FileRejectedError struct {
	Err error
}

func (e *FileRejectedError) Error() string {
	return "statement file rejected: " + e.Err.Error()
}

// Unwrap returns the parser error
func (e *FileRejectedError) Unwrap() error {
	return e.Err
}

// Is matches shared.ErrValidation
func (e *FileRejectedError) Is(target error) bool {
	return target == shared.ErrValidation
}

// ImportStatementFile parses an uploaded CSV or XLSX statement and imports
// it. A repeated idempotency key for the same reconciliation is rejected.
func (s *Service) ImportStatementFile(ctx context.Context, tenantID, id uuid.UUID, input ImportStatementFileInput) (*reconciliation.Snapshot, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "reconciliation", "import_statement_file")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrReconciliationID, id.String(),
		"file.name", input.FileName,
		"file.size", len(input.Data),
	)

	if s.fileParser == nil {
		err := errors.New("statement file import is not configured")
		telemetry.RecordError(span, err)
		return nil, err
	}

	format, err := statementfile.DetectFormat(input.FileName, input.ContentType)
	if err != nil {
		err = &FileRejectedError{Err: err}
		telemetry.RecordError(span, err)
		return nil, err
	}

	lines, err := s.fileParser.Parse(ctx, format, input.Data)
	if err != nil {
		err = &FileRejectedError{Err: err}
		telemetry.RecordError(span, err)
		return nil, err
	}

	sourceName := strings.TrimSpace(input.SourceName)
	if sourceName == "" {
		sourceName = input.FileName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.idempotencyKey(id, input.IdempotencyKey)
	if key != "" {
		processed, err := s.idempotency.IsProcessed(ctx, key)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if processed {
			err := shared.NewDomainError(shared.CodeAlreadyExists,
				fmt.Sprintf("statement upload with idempotency key %q was already processed", input.IdempotencyKey))
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	snap, err := s.importLocked(ctx, tenantID, id, reconciliation.StatementInput{
		Side:          input.Side,
		SourceName:    sourceName,
		StatementDate: input.StatementDate,
		ImportedBy:    input.ImportedBy,
		Lines:         lines,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if key != "" {
		if _, err := s.idempotency.MarkProcessed(ctx, key, s.idemConfig.TTL); err != nil {
			s.logger.Warn("Failed to record statement upload idempotency key",
				zap.String("reconciliation_id", id.String()),
				zap.Error(err),
			)
		}
	}
	return snap, nil
}

// idempotencyKey scopes a caller key to one reconciliation. It is empty when
// idempotency is disabled or no key was given.
func (s *Service) idempotencyKey(id uuid.UUID, key string) string {
	key = strings.TrimSpace(key)
	if key == "" || s.idempotency == nil || !s.idemConfig.Enabled {
		return ""
	}
	return "statement-upload:" + id.String() + ":" + key
}
