package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	reconapp "github.com/erp/reconciliation/internal/application/reconciliation"
	domain "github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/erp/reconciliation/internal/infrastructure/export"
	"github.com/erp/reconciliation/internal/infrastructure/persistence"
	"github.com/erp/reconciliation/internal/infrastructure/statementfile"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type matchOptions struct {
	ledgerPath   string
	externalPath string
	strategies   []string
	currency     string
	reconType    string
	name         string
	out          string
}

func newMatchCmd() *cobra.Command {
	opts := &matchOptions{}
	cmd := &cobra.Command{
		Use:   "match LEDGER_FILE EXTERNAL_FILE",
		Short: "Pair a ledger export with an external statement",
		Long: `Import a ledger export and an external statement (CSV or XLSX with
date, description, reference and amount columns), run deterministic
matching and print the match groups and outstanding items.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ledgerPath, opts.externalPath = args[0], args[1]
			if !cmd.Flags().Changed("strategy") {
				opts.strategies = nil
			}
			return runMatch(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringSliceVarP(&opts.strategies, "strategy", "s", nil,
		"Match strategies in order (AMOUNT_AND_DATE, AMOUNT_ONLY); default both")
	cmd.Flags().StringVarP(&opts.currency, "currency", "c", "USD", "ISO 4217 currency code")
	cmd.Flags().StringVarP(&opts.reconType, "type", "t", string(domain.TypeBank),
		"Reconciliation type (BANK, ACCOUNTS_RECEIVABLE, ACCOUNTS_PAYABLE)")
	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "Reconciliation name (default: the ledger file name)")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Write an XLSX workpaper to this path")
	return cmd
}

func runMatch(ctx context.Context, opts *matchOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	parser := statementfile.NewParser()
	ledger, err := readStatementFile(ctx, parser, opts.ledgerPath)
	if err != nil {
		return fmt.Errorf("ledger file: %w", err)
	}
	external, err := readStatementFile(ctx, parser, opts.externalPath)
	if err != nil {
		return fmt.Errorf("external file: %w", err)
	}

	strategies, err := parseStrategies(opts.strategies)
	if err != nil {
		return err
	}

	start, end, err := periodOf(append(append([]domain.StatementLineInput(nil), ledger...), external...))
	if err != nil {
		return err
	}

	name := opts.name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(opts.ledgerPath), filepath.Ext(opts.ledgerPath))
	}

	svc := reconapp.NewService(persistence.NewMemoryReconciliationRepository())
	created, err := svc.CreateReconciliation(ctx, uuid.New(), domain.NewReconciliationParams{
		Name:        name,
		Type:        domain.ReconciliationType(strings.ToUpper(opts.reconType)),
		Currency:    opts.currency,
		PeriodStart: start,
		PeriodEnd:   end,
	})
	if err != nil {
		return err
	}

	imports := []struct {
		side  domain.StatementSide
		path  string
		lines []domain.StatementLineInput
	}{
		{domain.SideLedger, opts.ledgerPath, ledger},
		{domain.SideExternal, opts.externalPath, external},
	}
	for _, imp := range imports {
		if _, err := svc.ImportStatement(ctx, created.TenantID, created.ID, domain.StatementInput{
			Side:       imp.side,
			SourceName: filepath.Base(imp.path),
			ImportedBy: "reconctl",
			Lines:      imp.lines,
		}); err != nil {
			return fmt.Errorf("import %s: %w", imp.path, err)
		}
	}

	result, err := svc.RunDeterministicMatch(ctx, created.TenantID, created.ID, strategies)
	if err != nil {
		return err
	}

	if err := printMatchReport(out, result); err != nil {
		return err
	}

	if opts.out != "" {
		data, err := export.NewWorkpaperRenderer().Render(result.Reconciliation)
		if err != nil {
			return fmt.Errorf("render workpaper: %w", err)
		}
		if err := os.WriteFile(opts.out, data, 0o644); err != nil {
			return fmt.Errorf("write workpaper: %w", err)
		}
		fmt.Fprintf(out, "\nWorkpaper written to %s\n", opts.out)
	}
	return nil
}

func readStatementFile(ctx context.Context, parser *statementfile.Parser, path string) ([]domain.StatementLineInput, error) {
	format, err := statementfile.DetectFormat(path, "")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parser.Parse(ctx, format, data)
}

// parseStrategies keeps nil distinct from an explicitly empty list
func parseStrategies(names []string) ([]domain.MatchStrategyType, error) {
	if names == nil {
		return nil, nil
	}
	out := make([]domain.MatchStrategyType, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		t := domain.MatchStrategyType(strings.ToUpper(n))
		if !t.IsValid() {
			return nil, fmt.Errorf("unknown match strategy %q", n)
		}
		out = append(out, t)
	}
	return out, nil
}

// periodOf spans the earliest and latest line dates
func periodOf(lines []domain.StatementLineInput) (string, string, error) {
	var first, last time.Time
	for _, l := range lines {
		d, err := domain.ParseCalendarDate(l.Date)
		if err != nil {
			return "", "", err
		}
		if first.IsZero() || d.Before(first) {
			first = d
		}
		if last.IsZero() || d.After(last) {
			last = d
		}
	}
	if first.IsZero() {
		return "", "", fmt.Errorf("statement files contain no lines")
	}
	return first.Format(domain.DateLayout), last.Format(domain.DateLayout), nil
}

func printMatchReport(out io.Writer, result *reconapp.MatchResult) error {
	snap := result.Reconciliation
	lines := make(map[uuid.UUID]domain.StatementLine)
	for _, st := range snap.Statements {
		for _, l := range st.Lines {
			lines[l.ID] = l
		}
	}

	fmt.Fprintf(out, "%s (%s, %s) %s to %s\n", snap.Name, snap.Type, snap.Currency,
		snap.PeriodStart.Format(domain.DateLayout), snap.PeriodEnd.Format(domain.DateLayout))

	strategies := make([]string, 0, len(result.Run.MatchesByStrategy))
	for s := range result.Run.MatchesByStrategy {
		strategies = append(strategies, string(s))
	}
	sort.Strings(strategies)
	fmt.Fprintf(out, "Match groups: %d", result.Run.MatchGroups)
	for _, s := range strategies {
		fmt.Fprintf(out, "  %s=%d", s, result.Run.MatchesByStrategy[domain.MatchStrategyType(s)])
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if len(snap.MatchGroups) > 0 {
		fmt.Fprintln(tw, "\nSTRATEGY\tLEDGER\tEXTERNAL\tAMOUNT")
		for _, g := range snap.MatchGroups {
			ledger, external := lines[first(g.LedgerLineIDs)], lines[first(g.ExternalLineIDs)]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.Strategy,
				describeLine(ledger), describeLine(external), ledger.Amount.StringFixed(2))
		}
	}

	outstanding := 0
	for _, item := range snap.Items {
		if item.Status == domain.ItemStatusOutstanding {
			outstanding++
		}
	}
	fmt.Fprintf(tw, "\nOutstanding items: %d\n", outstanding)
	if outstanding > 0 {
		fmt.Fprintln(tw, "SIDE\tREASON\tAMOUNT\tLINE")
		for _, item := range snap.Items {
			if item.Status != domain.ItemStatusOutstanding {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", item.Side, item.Reason,
				item.Amount.StringFixed(2), describeLine(lines[first(item.SourceLineIDs)]))
		}
	}
	return tw.Flush()
}

func first(ids []uuid.UUID) uuid.UUID {
	if len(ids) == 0 {
		return uuid.Nil
	}
	return ids[0]
}

func describeLine(l domain.StatementLine) string {
	if l.ID == uuid.Nil {
		return "-"
	}
	desc := l.Description
	if l.Reference != "" {
		desc += " [" + l.Reference + "]"
	}
	return l.Date.Format(domain.DateLayout) + " " + desc
}
