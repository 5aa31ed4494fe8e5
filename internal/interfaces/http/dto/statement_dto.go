package dto

import (
	"errors"

	"github.com/erp/reconciliation/internal/infrastructure/statementfile"
)

// StatementUploadForm binds the non-file fields of a statement upload
type StatementUploadForm struct {
	Side          string `form:"side" binding:"required,oneof=LEDGER EXTERNAL"`
	SourceName    string `form:"source_name" binding:"max=200"`
	StatementDate string `form:"statement_date" binding:"max=40"`
	ImportedBy    string `form:"imported_by" binding:"max=100"`
}

// StatementFileRejection lists the rows that made an upload fail
type StatementFileRejection struct {
	Errors      []statementfile.RowError `json:"errors"`
	TotalErrors int                      `json:"total_errors"`
	IsTruncated bool                     `json:"is_truncated,omitempty"`
}

// NewStatementFileRejection extracts row errors from a parser failure. It
// returns nil when err carries no row detail.
func NewStatementFileRejection(err error) *StatementFileRejection {
	var verr *statementfile.ValidationError
	if !errors.As(err, &verr) {
		return nil
	}
	return &StatementFileRejection{
		Errors:      verr.Errors,
		TotalErrors: verr.TotalErrors,
		IsTruncated: verr.IsTruncated,
	}
}
