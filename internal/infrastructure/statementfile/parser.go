// Package statementfile turns CSV and XLSX statement exports into statement
// lines ready for import.
package statementfile

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/erp/reconciliation/internal/domain/reconciliation"
	"go.uber.org/zap"
)

// Format is a supported statement file format
type Format string

const (
	FormatCSV  Format = "CSV"
	FormatXLSX Format = "XLSX"
)

const (
	// DefaultMaxErrors caps the row errors reported for one file
	DefaultMaxErrors = 100
	// DefaultMaxRows caps the data rows accepted from one file
	DefaultMaxRows = 50000

	maxDescriptionLength = 500
	maxReferenceLength   = 100
)

// DetectFormat picks the format from the file name, falling back to the
// declared content type.
func DetectFormat(filename, contentType string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "csv"), strings.HasPrefix(ct, "text/plain"):
		return FormatCSV, nil
	case strings.Contains(ct, "spreadsheetml"):
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
}

// Parser converts statement files into line inputs
type Parser struct {
	maxErrors int
	maxRows   int
	logger    *zap.Logger
}

// Option configures a Parser
type Option func(*Parser)

// WithMaxErrors sets the number of row errors kept in a ValidationError
func WithMaxErrors(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxErrors = n
		}
	}
}

// WithMaxRows sets the number of data rows accepted
func WithMaxRows(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxRows = n
		}
	}
}

// WithLogger sets the parser logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewParser creates a statement file parser
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		maxErrors: DefaultMaxErrors,
		maxRows:   DefaultMaxRows,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse reads data in the given format. Either every row is valid and
// all lines are returned, or a *ValidationError lists the failing rows.
func (p *Parser) Parse(ctx context.Context, format Format, data []byte) ([]reconciliation.StatementLineInput, error) {
	var (
		header *Header
		rows   []*Row
		err    error
	)

	switch format {
	case FormatCSV:
		header, rows, err = readCSVRows(data)
	case FormatXLSX:
		header, rows, err = readXLSXRows(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := validateHeader(header); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoDataRows
	}
	if len(rows) > p.maxRows {
		return nil, fmt.Errorf("statement file has %d rows, limit is %d", len(rows), p.maxRows)
	}

	validator := NewFieldValidator(rowRules(header), p.maxErrors)
	lines := make([]reconciliation.StatementLineInput, 0, len(rows))
	for _, row := range rows {
		if !validator.ValidateRow(row) {
			continue
		}
		line, err := toLineInput(header, row)
		if err != nil {
			validator.Errors().Add(NewRowError(row.LineNumber, ColumnAmount, ErrCodeImportValidation, err.Error()))
			continue
		}
		lines = append(lines, line)
	}

	if validator.Errors().HasErrors() {
		p.logger.Info("Statement file rejected",
			zap.String("format", string(format)),
			zap.Int("rows", len(rows)),
			zap.Int("errors", validator.Errors().TotalCount()),
		)
		return nil, newValidationError(validator.Errors())
	}

	p.logger.Debug("Statement file parsed",
		zap.String("format", string(format)),
		zap.Int("lines", len(lines)),
	)
	return lines, nil
}

func readCSVRows(data []byte) (*Header, []*Row, error) {
	parser, err := ParseFromBytes(data, WithDelimiter(DetectDelimiter(data)))
	if err != nil {
		return nil, nil, err
	}
	if err := parser.ParseHeader(); err != nil {
		return nil, nil, err
	}
	rows, err := parser.ReadAllRows()
	if err != nil {
		return nil, nil, err
	}
	return parser.Header(), rows, nil
}

func validateHeader(h *Header) error {
	var missing []string
	if !h.Has(ColumnDate) {
		missing = append(missing, ColumnDate)
	}
	if !h.Has(ColumnDescription) {
		missing = append(missing, ColumnDescription)
	}
	if !h.Has(ColumnAmount) && !h.Has(ColumnDebit) && !h.Has(ColumnCredit) {
		missing = append(missing, ColumnAmount)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing column(s) %s", ErrMissingHeader, strings.Join(missing, ", "))
	}
	return nil
}

func rowRules(h *Header) []FieldRule {
	rules := []FieldRule{
		Field(ColumnDate).Required().Date().Build(),
		Field(ColumnDescription).Required().MaxLength(maxDescriptionLength).Build(),
		Field(ColumnReference).MaxLength(maxReferenceLength).Build(),
	}
	if h.Has(ColumnAmount) {
		return append(rules, Field(ColumnAmount).Required().Amount().Build())
	}
	return append(rules,
		Field(ColumnDebit).Amount().Build(),
		Field(ColumnCredit).Amount().Build(),
	)
}

// toLineInput builds the line for a validated row. With split columns the
// amount is credit minus debit.
func toLineInput(h *Header, row *Row) (reconciliation.StatementLineInput, error) {
	date, err := ParseDate(row.Get(ColumnDate))
	if err != nil {
		return reconciliation.StatementLineInput{}, err
	}

	line := reconciliation.StatementLineInput{
		Date:        date,
		Description: row.Get(ColumnDescription),
		Reference:   row.Get(ColumnReference),
	}

	if h.Has(ColumnAmount) {
		amount, err := ParseAmount(row.Get(ColumnAmount))
		if err != nil {
			return line, err
		}
		line.Amount = amount.InexactFloat64()
		return line, nil
	}

	debitRaw, creditRaw := row.Get(ColumnDebit), row.Get(ColumnCredit)
	if debitRaw == "" && creditRaw == "" {
		return line, fmt.Errorf("either debit or credit is required")
	}
	amount, err := parseOptionalAmount(creditRaw)
	if err != nil {
		return line, err
	}
	debit, err := parseOptionalAmount(debitRaw)
	if err != nil {
		return line, err
	}
	line.Amount = amount.Sub(debit).InexactFloat64()
	return line, nil
}
