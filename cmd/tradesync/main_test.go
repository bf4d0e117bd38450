package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradesync/internal/app/reconcile"
)

func TestParseBound(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	got, err := parseBound("", now)
	require.NoError(t, err)
	require.True(t, got.IsZero())

	got, err = parseBound("72h", now)
	require.NoError(t, err)
	require.True(t, got.Equal(now.Add(-72*time.Hour)))

	got, err = parseBound("2026-03-01", now)
	require.NoError(t, err)
	require.True(t, got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	got, err = parseBound("2026-03-01T08:30:00+02:00", now)
	require.NoError(t, err)
	require.True(t, got.Equal(time.Date(2026, 3, 1, 6, 30, 0, 0, time.UTC)))

	_, err = parseBound("-5m", now)
	require.Error(t, err)
	_, err = parseBound("last tuesday", now)
	require.Error(t, err)
}

func TestParseSteps(t *testing.T) {
	n, err := parseSteps(nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = parseSteps([]string{"3"})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	_, err = parseSteps([]string{"0"})
	require.Error(t, err)
	_, err = parseSteps([]string{"x"})
	require.Error(t, err)
}

func TestPrintReport(t *testing.T) {
	started := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	report := reconcile.Report{
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Candidates: 2,
		Updated:    1,
		Failed:     1,
		Results: []reconcile.TradeResult{
			{TradeID: "t-1", Symbol: "BTCUSDT", Outcome: reconcile.OutcomeUpdated, IncomeRecords: 3, Issues: []string{"PNL_OUT_OF_RANGE"}},
			{TradeID: "t-2", Symbol: "ETHUSDT", Outcome: reconcile.OutcomeFailed, Err: errors.New("history unavailable")},
		},
	}

	var quiet bytes.Buffer
	printReport(&quiet, report, false)
	require.Equal(t, "reconciled 2 trades in 1.5s: updated=1 unchanged=0 skipped=0 failed=1 flagged=1\n", quiet.String())

	var verbose bytes.Buffer
	printReport(&verbose, report, true)
	require.Contains(t, verbose.String(), "issues=PNL_OUT_OF_RANGE")
	require.Contains(t, verbose.String(), "error=history unavailable")
}

func TestRootRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["serve"])
	require.True(t, names["reconcile"])
	require.True(t, names["migrate"])
}

func TestReconcileCommandOnEmptySQLiteStore(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "app.yaml")
	body := "database:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "trades.db") + "\nlogging:\n  level: error\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", cfgPath, "--env-file", filepath.Join(dir, "none.env"), "reconcile", "--since", "24h"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "reconciled 0 trades")
}

func TestMigrateRejectsSQLite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("database:\n  driver: sqlite\n"), 0o600))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", cfgPath, "--env-file", filepath.Join(dir, "none.env"), "migrate", "status"})
	err := root.Execute()
	require.ErrorContains(t, err, "requires a postgres database")
}
