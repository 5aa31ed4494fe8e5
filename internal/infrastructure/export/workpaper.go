// Package export renders reconciliation snapshots as XLSX workpapers
package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Sheet names in workbook order
const (
	SheetSummary     = "Summary"
	SheetLedger      = "Ledger"
	SheetExternal    = "External"
	SheetMatchGroups = "Match Groups"
	SheetItems       = "Reconciling Items"
	SheetEvidence    = "Evidence"
)

const timestampLayout = "2006-01-02 15:04:05 MST"

// WorkpaperRenderer writes a reconciliation to a workbook with one sheet
// per section
type WorkpaperRenderer struct {
	lang language.Tag
}

// NewWorkpaperRenderer creates a renderer with English labels
func NewWorkpaperRenderer() *WorkpaperRenderer {
	return &WorkpaperRenderer{lang: language.English}
}

// Label turns an enum value such as ACCOUNTS_RECEIVABLE into
// "Accounts Receivable". Casers are stateful, so each call gets its own.
func (w *WorkpaperRenderer) Label(value string) string {
	return cases.Title(w.lang).String(strings.ReplaceAll(strings.ToLower(value), "_", " "))
}

type sheetWriter struct {
	f      *excelize.File
	sheet  string
	row    int
	header int
	money  int
}

func (s *sheetWriter) headerRow(cells ...any) error {
	if err := s.write(cells...); err != nil {
		return err
	}
	first, _ := excelize.CoordinatesToCellName(1, s.row-1)
	last, _ := excelize.CoordinatesToCellName(len(cells), s.row-1)
	return s.f.SetCellStyle(s.sheet, first, last, s.header)
}

func (s *sheetWriter) write(cells ...any) error {
	cell, err := excelize.CoordinatesToCellName(1, s.row)
	if err != nil {
		return err
	}
	if err := s.f.SetSheetRow(s.sheet, cell, &cells); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", s.sheet, s.row, err)
	}
	s.row++
	return nil
}

// moneyColumn applies the amount format to a column over the written rows
func (s *sheetWriter) moneyColumn(col int) error {
	if s.row <= 2 {
		return nil
	}
	first, _ := excelize.CoordinatesToCellName(col, 2)
	last, _ := excelize.CoordinatesToCellName(col, s.row-1)
	return s.f.SetCellStyle(s.sheet, first, last, s.money)
}

// Render builds the workbook
func (w *WorkpaperRenderer) Render(snap reconciliation.Snapshot) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	money, err := f.NewStyle(&excelize.Style{NumFmt: 4})
	if err != nil {
		return nil, fmt.Errorf("failed to create amount style: %w", err)
	}

	newSheet := func(name string) (*sheetWriter, error) {
		if name == SheetSummary {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return nil, err
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
		return &sheetWriter{f: f, sheet: name, row: 1, header: header, money: money}, nil
	}

	steps := []struct {
		name  string
		write func(*sheetWriter, reconciliation.Snapshot) error
	}{
		{SheetSummary, w.writeSummary},
		{SheetLedger, w.lineWriter(reconciliation.SideLedger)},
		{SheetExternal, w.lineWriter(reconciliation.SideExternal)},
		{SheetMatchGroups, w.writeMatchGroups},
		{SheetItems, w.writeItems},
		{SheetEvidence, w.writeEvidence},
	}
	for _, step := range steps {
		sw, err := newSheet(step.name)
		if err != nil {
			return nil, fmt.Errorf("failed to create sheet %s: %w", step.name, err)
		}
		if err := step.write(sw, snap); err != nil {
			return nil, err
		}
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func (w *WorkpaperRenderer) writeSummary(sw *sheetWriter, snap reconciliation.Snapshot) error {
	outstanding := snap.OutstandingItems()
	var total decimal.Decimal
	for _, item := range outstanding {
		total = total.Add(item.Amount)
	}
	var misstatements int
	for _, item := range snap.Items {
		if item.IsMisstatement {
			misstatements++
		}
	}

	rows := [][]any{
		{"Reconciliation", snap.Name},
		{"Reconciliation ID", snap.ID.String()},
		{"Engagement", snap.EngagementID},
		{"Control Reference", snap.ControlReference},
		{"Type", w.Label(snap.Type.String())},
		{"Currency", string(snap.Currency)},
		{"Status", w.Label(snap.Status.String())},
		{"Period", snap.PeriodStart.Format(reconciliation.DateLayout) + " to " + snap.PeriodEnd.Format(reconciliation.DateLayout)},
		{"Last Matched", formatTime(snap.LastMatchedAt)},
		{"Closed At", formatTime(snap.ClosedAt)},
		{"Closed By", snap.ClosedBy},
		{"Closure Summary", snap.Summary},
		{"Ledger Lines", len(snap.Lines(reconciliation.SideLedger))},
		{"External Lines", len(snap.Lines(reconciliation.SideExternal))},
		{"Match Groups", len(snap.MatchGroups)},
		{"Reconciling Items", len(snap.Items)},
		{"Misstatements", misstatements},
		{"Outstanding Items", len(outstanding)},
		{"Outstanding Total", total.Round(2).InexactFloat64()},
	}
	if err := sw.headerRow("Field", "Value"); err != nil {
		return err
	}
	for _, r := range rows {
		if err := sw.write(r...); err != nil {
			return err
		}
	}
	last, _ := excelize.CoordinatesToCellName(2, sw.row-1)
	if err := sw.f.SetCellStyle(sw.sheet, last, last, sw.money); err != nil {
		return err
	}
	return sw.f.SetColWidth(sw.sheet, "A", "B", 28)
}

func (w *WorkpaperRenderer) lineWriter(side reconciliation.StatementSide) func(*sheetWriter, reconciliation.Snapshot) error {
	return func(sw *sheetWriter, snap reconciliation.Snapshot) error {
		if err := sw.headerRow("Line ID", "Date", "Description", "Reference", "Amount", "Match Group"); err != nil {
			return err
		}
		for _, line := range snap.Lines(side) {
			date := ""
			if !line.Date.IsZero() {
				date = line.Date.Format(reconciliation.DateLayout)
			}
			if err := sw.write(
				line.ID.String(),
				date,
				line.Description,
				line.Reference,
				line.Amount.InexactFloat64(),
				formatUUID(line.MatchGroupID),
			); err != nil {
				return err
			}
		}
		return sw.moneyColumn(5)
	}
}

func (w *WorkpaperRenderer) writeMatchGroups(sw *sheetWriter, snap reconciliation.Snapshot) error {
	if err := sw.headerRow("Match Group", "Strategy", "Ledger Lines", "External Lines", "Created At"); err != nil {
		return err
	}
	for _, g := range snap.MatchGroups {
		if err := sw.write(
			g.ID.String(),
			w.Label(g.Strategy.String()),
			joinUUIDs(g.LedgerLineIDs),
			joinUUIDs(g.ExternalLineIDs),
			g.CreatedAt.UTC().Format(timestampLayout),
		); err != nil {
			return err
		}
	}
	return nil
}

func (w *WorkpaperRenderer) writeItems(sw *sheetWriter, snap reconciliation.Snapshot) error {
	if err := sw.headerRow("Item ID", "Origin", "Side", "Reason", "Amount", "Status", "Misstatement",
		"Resolution Note", "Follow Up", "Resolved At", "Resolved By", "Evidence"); err != nil {
		return err
	}
	for _, item := range snap.Items {
		followUp := ""
		if item.FollowUpDate != nil {
			followUp = item.FollowUpDate.Format(reconciliation.DateLayout)
		}
		misstatement := "No"
		if item.IsMisstatement {
			misstatement = "Yes"
		}
		if err := sw.write(
			item.ID.String(),
			w.Label(string(item.Origin)),
			w.Label(item.Side.String()),
			w.Label(string(item.Reason)),
			item.Amount.InexactFloat64(),
			w.Label(item.Status.String()),
			misstatement,
			item.ResolutionNote,
			followUp,
			formatTime(item.ResolvedAt),
			item.ResolvedBy,
			formatUUID(item.EvidenceID),
		); err != nil {
			return err
		}
	}
	return sw.moneyColumn(5)
}

func (w *WorkpaperRenderer) writeEvidence(sw *sheetWriter, snap reconciliation.Snapshot) error {
	if err := sw.headerRow("Evidence ID", "Type", "Description", "Item", "Link", "Created By", "Created At"); err != nil {
		return err
	}
	for _, e := range snap.Evidence {
		if err := sw.write(
			e.ID.String(),
			w.Label(e.Type.String()),
			e.Description,
			formatUUID(e.ItemID),
			e.Link,
			e.CreatedBy,
			e.CreatedAt.UTC().Format(timestampLayout),
		); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(timestampLayout)
}

func formatUUID(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func joinUUIDs(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}
