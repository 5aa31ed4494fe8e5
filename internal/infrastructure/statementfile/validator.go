package statementfile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// FieldType represents the expected type of a field
type FieldType string

const (
	TypeString FieldType = "string"
	TypeAmount FieldType = "amount"
	TypeDate   FieldType = "date"
)

// FieldRule defines validation rules for a field
type FieldRule struct {
	Column     string
	Type       FieldType
	Required   bool
	MaxLength  int
	CustomFunc func(value string) error
}

// FieldRuleBuilder helps build field rules fluently
type FieldRuleBuilder struct {
	rule FieldRule
}

// Field creates a new field rule builder
func Field(column string) *FieldRuleBuilder {
	return &FieldRuleBuilder{rule: FieldRule{Column: column, Type: TypeString}}
}

// Required marks the field as required
func (b *FieldRuleBuilder) Required() *FieldRuleBuilder {
	b.rule.Required = true
	return b
}

// Amount sets the field type to a monetary amount
func (b *FieldRuleBuilder) Amount() *FieldRuleBuilder {
	b.rule.Type = TypeAmount
	return b
}

// Date sets the field type to calendar date
func (b *FieldRuleBuilder) Date() *FieldRuleBuilder {
	b.rule.Type = TypeDate
	return b
}

// MaxLength sets the maximum length
func (b *FieldRuleBuilder) MaxLength(n int) *FieldRuleBuilder {
	b.rule.MaxLength = n
	return b
}

// Custom sets a custom validation function
func (b *FieldRuleBuilder) Custom(fn func(value string) error) *FieldRuleBuilder {
	b.rule.CustomFunc = fn
	return b
}

// Build returns the built field rule
func (b *FieldRuleBuilder) Build() FieldRule {
	return b.rule
}

// FieldValidator validates fields according to rules
type FieldValidator struct {
	rules  []FieldRule
	errors *ErrorCollection
}

// NewFieldValidator creates a new field validator
func NewFieldValidator(rules []FieldRule, maxErrors int) *FieldValidator {
	return &FieldValidator{
		rules:  rules,
		errors: NewErrorCollection(maxErrors),
	}
}

// ValidateRow validates all fields in a row
func (v *FieldValidator) ValidateRow(row *Row) bool {
	hasError := false

	for _, rule := range v.rules {
		value := row.Get(rule.Column)

		if rule.Required && value == "" {
			v.errors.AddRequiredError(row.LineNumber, rule.Column)
			hasError = true
			continue
		}
		if value == "" {
			continue
		}

		switch rule.Type {
		case TypeAmount:
			if _, err := ParseAmount(value); err != nil {
				v.errors.AddTypeError(row.LineNumber, rule.Column, "amount", value)
				hasError = true
				continue
			}
		case TypeDate:
			if _, err := ParseDate(value); err != nil {
				v.errors.AddTypeError(row.LineNumber, rule.Column, "date", value)
				hasError = true
				continue
			}
		}

		if rule.MaxLength > 0 && len(value) > rule.MaxLength {
			v.errors.Add(NewRowError(row.LineNumber, rule.Column, ErrCodeImportInvalidLength,
				fmt.Sprintf("length must be at most %d", rule.MaxLength)))
			hasError = true
		}

		if rule.CustomFunc != nil {
			if err := rule.CustomFunc(value); err != nil {
				v.errors.Add(NewRowErrorWithValue(row.LineNumber, rule.Column, ErrCodeImportValidation, err.Error(), value))
				hasError = true
			}
		}
	}

	return !hasError
}

// Errors returns the error collection
func (v *FieldValidator) Errors() *ErrorCollection {
	return v.errors
}

// ParseAmount parses an exported amount. Thousands separators, a leading
// currency symbol and accounting parentheses for negatives are accepted.
func ParseAmount(s string) (decimal.Decimal, error) {
	v := strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(v, "(") && strings.HasSuffix(v, ")") {
		negative = true
		v = strings.TrimSpace(v[1 : len(v)-1])
	}
	v = strings.NewReplacer(",", "", " ", "").Replace(v)
	if strings.HasPrefix(v, "-") {
		negative = !negative
		v = v[1:]
	}
	v = strings.TrimLeft(v, "$€£¥")
	if v == "" {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// ParseDate accepts calendar dates and spreadsheet serial day numbers and
// returns the canonical YYYY-MM-DD form.
func ParseDate(s string) (string, error) {
	if t, err := reconciliation.ParseCalendarDate(s); err == nil {
		return t.Format(reconciliation.DateLayout), nil
	}
	serial, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || serial < 1 || serial > 2958465 {
		return "", fmt.Errorf("unparseable date %q", s)
	}
	t, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return "", fmt.Errorf("unparseable date %q: %w", s, err)
	}
	return reconciliation.CalendarDate(t).Format(reconciliation.DateLayout), nil
}

func parseOptionalAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return ParseAmount(s)
}
