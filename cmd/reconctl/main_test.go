package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	domain "github.com/erp/reconciliation/internal/domain/reconciliation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func statementFixtures(t *testing.T) (string, string, string) {
	dir := t.TempDir()
	ledger := writeFile(t, dir, "ledger.csv", "date,description,reference,amount\n"+
		"2024-03-04,Customer receipt,INV-1,100.00\n"+
		"2024-03-05,Bank fee,,-12.50\n"+
		"2024-03-09,Supplier payment,PO-7,-40.00\n")
	external := writeFile(t, dir, "bank.csv", "date,description,reference,amount\n"+
		"2024-03-04,Deposit,,100.00\n"+
		"2024-03-11,Supplier payment,,-40.00\n")
	return dir, ledger, external
}

func TestRunMatch(t *testing.T) {
	t.Run("prints groups and outstanding items", func(t *testing.T) {
		_, ledger, external := statementFixtures(t)
		var out bytes.Buffer

		err := runMatch(context.Background(), &matchOptions{
			ledgerPath:   ledger,
			externalPath: external,
			currency:     "eur",
			reconType:    "bank",
		}, &out)
		require.NoError(t, err)

		report := out.String()
		assert.Contains(t, report, "ledger (BANK, EUR) 2024-03-04 to 2024-03-11")
		assert.Contains(t, report, "Match groups: 2")
		assert.Contains(t, report, "AMOUNT_AND_DATE=1")
		assert.Contains(t, report, "AMOUNT_ONLY=1")
		assert.Contains(t, report, "Outstanding items: 1")
		assert.Contains(t, report, "LEDGER_UNMATCHED")
		assert.Contains(t, report, "-12.50")
	})

	t.Run("an explicit empty strategy list leaves everything outstanding", func(t *testing.T) {
		_, ledger, external := statementFixtures(t)
		var out bytes.Buffer

		err := runMatch(context.Background(), &matchOptions{
			ledgerPath:   ledger,
			externalPath: external,
			strategies:   []string{},
			currency:     "USD",
			reconType:    "BANK",
		}, &out)
		require.NoError(t, err)

		assert.Contains(t, out.String(), "Match groups: 0")
		assert.Contains(t, out.String(), "Outstanding items: 5")
	})

	t.Run("writes a workpaper", func(t *testing.T) {
		dir, ledger, external := statementFixtures(t)
		target := filepath.Join(dir, "workpaper.xlsx")
		var out bytes.Buffer

		err := runMatch(context.Background(), &matchOptions{
			ledgerPath:   ledger,
			externalPath: external,
			currency:     "USD",
			reconType:    "BANK",
			out:          target,
		}, &out)
		require.NoError(t, err)

		info, err := os.Stat(target)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
		assert.Contains(t, out.String(), "Workpaper written to")
	})

	t.Run("rejects an unknown strategy", func(t *testing.T) {
		_, ledger, external := statementFixtures(t)

		err := runMatch(context.Background(), &matchOptions{
			ledgerPath:   ledger,
			externalPath: external,
			strategies:   []string{"FUZZY"},
			currency:     "USD",
			reconType:    "BANK",
		}, &bytes.Buffer{})
		assert.ErrorContains(t, err, `unknown match strategy "FUZZY"`)
	})

	t.Run("rejects unsupported files", func(t *testing.T) {
		dir, _, external := statementFixtures(t)
		pdf := writeFile(t, dir, "ledger.pdf", "%PDF")

		err := runMatch(context.Background(), &matchOptions{
			ledgerPath:   pdf,
			externalPath: external,
			currency:     "USD",
			reconType:    "BANK",
		}, &bytes.Buffer{})
		assert.ErrorContains(t, err, "ledger file")
	})
}

func TestParseStrategies(t *testing.T) {
	t.Run("nil keeps the default", func(t *testing.T) {
		got, err := parseStrategies(nil)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("names are case-insensitive", func(t *testing.T) {
		got, err := parseStrategies([]string{"amount_only"})
		require.NoError(t, err)
		assert.Equal(t, []domain.MatchStrategyType{domain.MatchAmountOnly}, got)
	})
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "reconctl dev\n", out.String())
}
