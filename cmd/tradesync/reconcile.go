package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/tradesync/internal/app/reconcile"
	"github.com/coachpo/tradesync/lib/async"
)

type reconcileFlags struct {
	since    string
	until    string
	tradeIDs []string
	limit    int
	verbose  bool
}

func newReconcileCmd(root *rootOptions) *cobra.Command {
	flags := &reconcileFlags{}
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation batch and print a summary",
		Example: `  tradesync reconcile --since 72h
  tradesync reconcile --since 2026-03-01 --until 2026-03-08
  tradesync reconcile --trade 3f2b5c12-0d6c-4e55-9f0e-1c5f3a9b7d21`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(cmd, root, flags)
		},
	}
	cmd.Flags().StringVar(&flags.since, "since", "", "lower bound on trade creation: RFC3339, YYYY-MM-DD or a duration ago (e.g. 72h)")
	cmd.Flags().StringVar(&flags.until, "until", "", "upper bound on trade creation, same formats as --since")
	cmd.Flags().StringSliceVar(&flags.tradeIDs, "trade", nil, "reconcile only these trade ids (repeatable)")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "maximum trades in the batch (default: reconcile.batchSize)")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "print one line per trade")
	return cmd
}

func runReconcile(cmd *cobra.Command, root *rootOptions, flags *reconcileFlags) error {
	now := time.Now().UTC()
	since, err := parseBound(flags.since, now)
	if err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	until, err := parseBound(flags.until, now)
	if err != nil {
		return fmt.Errorf("--until: %w", err)
	}
	if !since.IsZero() && !until.IsZero() && until.Before(since) {
		return fmt.Errorf("--until must not be before --since")
	}

	cfg, err := root.load(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	appLogger := newAppLogger(cfg)
	defer func() { _ = appLogger.Close() }()

	store, err := openStore(cmd.Context(), cfg.Database, appLogger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	client := newExchangeClient(cfg.Exchange, appLogger)
	svc, err := newReconciler(cfg, store, client, async.NewKeyedMutex(), appLogger)
	if err != nil {
		return err
	}

	limit := flags.limit
	if limit <= 0 {
		limit = cfg.Reconcile.BatchSize
	}
	report, err := svc.Run(cmd.Context(), reconcile.Request{
		Since:    since,
		Until:    until,
		TradeIDs: flags.tradeIDs,
		Limit:    limit,
	})
	printReport(cmd.OutOrStdout(), report, flags.verbose)
	return err
}

// parseBound accepts RFC3339, a date or a duration before now. Empty is the zero time.
func parseBound(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("duration must be positive")
		}
		return now.Add(-d), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", raw)
}

func printReport(w io.Writer, report reconcile.Report, verbose bool) {
	elapsed := report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(w, "reconciled %d trades in %s: updated=%d unchanged=%d skipped=%d failed=%d flagged=%d\n",
		report.Candidates, elapsed, report.Updated, report.Unchanged, report.Skipped, report.Failed, report.Flagged())
	if !verbose {
		return
	}
	for _, res := range report.Results {
		line := fmt.Sprintf("  %s %-10s %-9s income=%d", res.TradeID, res.Symbol, res.Outcome, res.IncomeRecords)
		if res.PositionID != "" {
			line += " position=" + res.PositionID
		}
		if len(res.Issues) > 0 {
			line += " issues=" + strings.Join(res.Issues, ",")
		}
		if res.Err != nil {
			line += " error=" + res.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
}
