package dbsync

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradesync/internal/infra/telemetry"
)

type syncMetrics struct {
	environment string

	events     metric.Int64Counter
	duration   metric.Float64Histogram
	issues     metric.Int64Counter
	recoveries metric.Int64Counter
}

func newSyncMetrics() *syncMetrics {
	meter := otel.Meter("tradesync.dbsync")
	sm := &syncMetrics{environment: telemetry.Environment()}
	sm.events, _ = meter.Int64Counter("tradesync.dbsync.events",
		metric.WithDescription("Execution reports applied by outcome"),
		metric.WithUnit("{event}"))
	sm.duration, _ = meter.Float64Histogram("tradesync.dbsync.apply.duration",
		metric.WithDescription("Time spent resolving and persisting one execution report"),
		metric.WithUnit("ms"))
	sm.issues, _ = meter.Int64Counter("tradesync.dbsync.issues",
		metric.WithDescription("Sync issue tags recorded on trades"),
		metric.WithUnit("{issue}"))
	sm.recoveries, _ = meter.Int64Counter("tradesync.dbsync.stop_recoveries",
		metric.WithDescription("Protective stop recreation attempts by result"),
		metric.WithUnit("{attempt}"))
	return sm
}

func (sm *syncMetrics) recordEvent(ctx context.Context, exchange string, outcome Outcome, elapsed time.Duration) {
	if sm == nil {
		return
	}
	opt := metric.WithAttributes(telemetry.SyncAttributes(sm.environment, exchange, string(outcome))...)
	if sm.events != nil {
		sm.events.Add(ctx, 1, opt)
	}
	if sm.duration != nil {
		sm.duration.Record(ctx, float64(elapsed.Microseconds())/1000, opt)
	}
}

func (sm *syncMetrics) recordIssue(ctx context.Context, exchange, issue string) {
	if sm == nil || sm.issues == nil {
		return
	}
	sm.issues.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(sm.environment),
		telemetry.AttrExchange.String(exchange),
		telemetry.AttrIssue.String(issue)))
}

func (sm *syncMetrics) recordRecovery(ctx context.Context, result string) {
	if sm == nil || sm.recoveries == nil {
		return
	}
	sm.recoveries.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(sm.environment, "stop_recreate", result)...))
}
