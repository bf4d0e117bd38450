package reconcile

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradesync/internal/infra/telemetry"
)

type reconcileMetrics struct {
	environment string

	runs     metric.Int64Counter
	trades   metric.Int64Counter
	flags    metric.Int64Counter
	duration metric.Float64Histogram
}

func newReconcileMetrics() *reconcileMetrics {
	meter := otel.Meter("tradesync.reconcile")
	rm := &reconcileMetrics{environment: telemetry.Environment()}
	rm.runs, _ = meter.Int64Counter("tradesync.reconcile.runs",
		metric.WithDescription("Reconciliation batches by result"),
		metric.WithUnit("{run}"))
	rm.trades, _ = meter.Int64Counter("tradesync.reconcile.trades",
		metric.WithDescription("Trades reconciled by outcome"),
		metric.WithUnit("{trade}"))
	rm.flags, _ = meter.Int64Counter("tradesync.reconcile.flags",
		metric.WithDescription("Data-quality flags raised during reconciliation"),
		metric.WithUnit("{flag}"))
	rm.duration, _ = meter.Float64Histogram("tradesync.reconcile.trade.duration",
		metric.WithDescription("Time spent fetching history for and updating one trade"),
		metric.WithUnit("ms"))
	return rm
}

func (rm *reconcileMetrics) recordRun(ctx context.Context, result string) {
	if rm == nil || rm.runs == nil {
		return
	}
	rm.runs.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(rm.environment, "reconcile", result)...))
}

func (rm *reconcileMetrics) recordTrade(ctx context.Context, exchange string, outcome Outcome, elapsed time.Duration) {
	if rm == nil {
		return
	}
	opt := metric.WithAttributes(telemetry.SyncAttributes(rm.environment, exchange, string(outcome))...)
	if rm.trades != nil {
		rm.trades.Add(ctx, 1, opt)
	}
	if rm.duration != nil {
		rm.duration.Record(ctx, float64(elapsed.Microseconds())/1000, opt)
	}
}

func (rm *reconcileMetrics) recordFlag(ctx context.Context, exchange, issue string) {
	if rm == nil || rm.flags == nil {
		return
	}
	rm.flags.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(rm.environment),
		telemetry.AttrExchange.String(exchange),
		telemetry.AttrIssue.String(issue)))
}
