package statementfile

import (
	"strings"
	"unicode"
)

// Canonical column names
const (
	ColumnDate        = "date"
	ColumnDescription = "description"
	ColumnReference   = "reference"
	ColumnAmount      = "amount"
	ColumnDebit       = "debit"
	ColumnCredit      = "credit"
)

// headerAliases maps normalized export headings to canonical column names
var headerAliases = map[string]string{
	"date":             ColumnDate,
	"transaction_date": ColumnDate,
	"posting_date":     ColumnDate,
	"value_date":       ColumnDate,
	"description":      ColumnDescription,
	"memo":             ColumnDescription,
	"narrative":        ColumnDescription,
	"details":          ColumnDescription,
	"reference":        ColumnReference,
	"ref":              ColumnReference,
	"document_number":  ColumnReference,
	"amount":           ColumnAmount,
	"net_amount":       ColumnAmount,
	"debit":            ColumnDebit,
	"withdrawal":       ColumnDebit,
	"credit":           ColumnCredit,
	"deposit":          ColumnCredit,
}

// Header maps canonical column names to positions
type Header struct {
	raw     []string
	columns map[string]int
}

// NewHeader normalizes a header record. Unknown headings are kept under
// their normalized name.
func NewHeader(record []string) (*Header, error) {
	h := &Header{raw: make([]string, len(record)), columns: make(map[string]int, len(record))}
	for i, name := range record {
		h.raw[i] = strings.TrimSpace(name)
		key := normalizeHeading(name)
		if key == "" {
			continue
		}
		if canonical, ok := headerAliases[key]; ok {
			key = canonical
		}
		if _, exists := h.columns[key]; !exists {
			h.columns[key] = i
		}
	}
	if len(h.columns) == 0 {
		return nil, ErrMissingHeader
	}
	return h, nil
}

// Has reports whether a canonical column is present
func (h *Header) Has(column string) bool {
	_, ok := h.columns[column]
	return ok
}

// Raw returns the headings as they appeared in the file
func (h *Header) Raw() []string {
	return h.raw
}

// Row maps a record onto canonical columns
func (h *Header) Row(lineNumber int, record []string) *Row {
	row := &Row{LineNumber: lineNumber, Data: make(map[string]string, len(h.columns)), RawFields: record}
	for column, idx := range h.columns {
		if idx < len(record) {
			row.Data[column] = strings.TrimSpace(record[idx])
		} else {
			row.Data[column] = ""
		}
	}
	return row
}

func normalizeHeading(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var sb strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && sb.Len() > 0 {
			sb.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(sb.String(), "_")
}

// Row represents a parsed row with its data and line number
type Row struct {
	LineNumber int
	Data       map[string]string
	RawFields  []string
}

// Get returns the value for a canonical column
func (r *Row) Get(column string) string {
	return r.Data[column]
}

// IsEmpty returns true if the row has no non-empty values
func (r *Row) IsEmpty() bool {
	for _, v := range r.Data {
		if v != "" {
			return false
		}
	}
	return true
}
