package reconciliation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/erp/reconciliation/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StatementSide identifies where a statement came from
type StatementSide string

const (
	SideLedger   StatementSide = "LEDGER"   // Internal books
	SideExternal StatementSide = "EXTERNAL" // Bank, customer or supplier statement
)

// IsValid checks if the side is a valid value
func (s StatementSide) IsValid() bool {
	return s == SideLedger || s == SideExternal
}

// String returns the string representation
func (s StatementSide) String() string {
	return string(s)
}

// DateLayout is the canonical calendar date format
const DateLayout = "2006-01-02"

// calendarLayouts are tried in order when parsing caller-supplied dates
var calendarLayouts = []string{
	DateLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
}

// ParseCalendarDate parses s and truncates it to a UTC calendar date.
// Timestamps carrying an offset are converted to UTC before truncation.
func ParseCalendarDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date is required")
	}
	for _, layout := range calendarLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		return CalendarDate(t), nil
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// CalendarDate drops the time-of-day component of t, in UTC
func CalendarDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// NormalizeAmount rounds to the nearest cent as round(amount*100)/100, with
// ties rounding toward positive infinity. The float product is used as-is, so
// 10.005 (stored as 10.00499...) becomes 10.00.
func NormalizeAmount(amount float64) decimal.Decimal {
	x := amount * 100
	cents := math.Floor(x)
	if x-cents >= 0.5 {
		cents++
	}
	return decimal.NewFromFloat(cents / 100)
}

// Statement is one import batch from one side
type Statement struct {
	ID            uuid.UUID
	Side          StatementSide
	SourceName    string
	StatementDate *time.Time
	ImportedAt    time.Time
	ImportedBy    string
	Lines         []StatementLine
}

// StatementLine is a single financial line. Only MatchGroupID changes after import.
type StatementLine struct {
	ID           uuid.UUID
	StatementID  uuid.UUID
	Side         StatementSide
	Date         time.Time
	Description  string
	Reference    string
	Amount       decimal.Decimal
	MatchGroupID *uuid.UUID
}

// IsMatched returns true if the line belongs to a match group
func (l StatementLine) IsMatched() bool {
	return l.MatchGroupID != nil
}

func (s Statement) clone() Statement {
	c := s
	c.StatementDate = cloneTime(s.StatementDate)
	c.Lines = cloneSlice(s.Lines, StatementLine.clone)
	return c
}

func (l StatementLine) clone() StatementLine {
	c := l
	c.MatchGroupID = cloneUUID(l.MatchGroupID)
	return c
}

// StatementLineInput is a raw line before validation
type StatementLineInput struct {
	Date        string
	Description string
	Reference   string
	Amount      float64
}

// StatementInput is a raw import batch before validation
type StatementInput struct {
	Side          StatementSide
	SourceName    string
	StatementDate string
	ImportedBy    string
	Lines         []StatementLineInput
}

// NewStatement validates and normalizes an import batch. Any invalid line
// rejects the whole batch.
func NewStatement(input StatementInput, now time.Time) (*Statement, error) {
	if !input.Side.IsValid() {
		return nil, shared.NewValidationError(fmt.Sprintf("invalid statement side %q", input.Side))
	}
	if len(input.Lines) == 0 {
		return nil, shared.NewValidationError("lines must be a non-empty array")
	}

	var statementDate *time.Time
	if strings.TrimSpace(input.StatementDate) != "" {
		d, err := ParseCalendarDate(input.StatementDate)
		if err != nil {
			return nil, shared.NewValidationError(fmt.Sprintf("statementDate: %s", err.Error()))
		}
		statementDate = &d
	}

	stmt := &Statement{
		ID:            uuid.New(),
		Side:          input.Side,
		SourceName:    strings.TrimSpace(input.SourceName),
		StatementDate: statementDate,
		ImportedAt:    now,
		ImportedBy:    strings.TrimSpace(input.ImportedBy),
		Lines:         make([]StatementLine, 0, len(input.Lines)),
	}

	for i, in := range input.Lines {
		description := strings.TrimSpace(in.Description)
		if description == "" {
			return nil, shared.NewValidationError(fmt.Sprintf("line %d: description is required", i+1))
		}
		date, err := ParseCalendarDate(in.Date)
		if err != nil {
			return nil, shared.NewValidationError(fmt.Sprintf("line %d: %s", i+1, err.Error()))
		}
		if math.IsNaN(in.Amount) || math.IsInf(in.Amount, 0) {
			return nil, shared.NewValidationError(fmt.Sprintf("line %d: amount must be a finite number", i+1))
		}
		stmt.Lines = append(stmt.Lines, StatementLine{
			ID:          uuid.New(),
			StatementID: stmt.ID,
			Side:        input.Side,
			Date:        date,
			Description: description,
			Reference:   strings.TrimSpace(in.Reference),
			Amount:      NormalizeAmount(in.Amount),
		})
	}

	sort.SliceStable(stmt.Lines, func(i, j int) bool {
		a, b := stmt.Lines[i], stmt.Lines[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.Description < b.Description
	})

	return stmt, nil
}

// ImportStatement appends a validated statement and advances OPEN to IN_PROGRESS
func (r *Reconciliation) ImportStatement(input StatementInput, now time.Time) (*Statement, error) {
	if err := r.ensureNotClosed("import statement"); err != nil {
		return nil, err
	}
	stmt, err := NewStatement(input, now)
	if err != nil {
		return nil, err
	}

	r.Statements = append(r.Statements, *stmt)
	r.markInProgress()
	r.Touch(now)

	r.AddDomainEvent(NewStatementImportedEvent(r, stmt, now))
	imported := stmt.clone()
	return &imported, nil
}

// linesBySide returns pointers to every line on the given side, in import order then
// line order. The pointers alias the aggregate and must not escape it.
func (r *Reconciliation) linesBySide(side StatementSide) []*StatementLine {
	var lines []*StatementLine
	for si := range r.Statements {
		if r.Statements[si].Side != side {
			continue
		}
		for li := range r.Statements[si].Lines {
			lines = append(lines, &r.Statements[si].Lines[li])
		}
	}
	return lines
}

// LineCount returns the number of imported lines on a side
func (r *Reconciliation) LineCount(side StatementSide) int {
	n := 0
	for i := range r.Statements {
		if r.Statements[i].Side == side {
			n += len(r.Statements[i].Lines)
		}
	}
	return n
}
