package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradesync/internal/infra/telemetry"
)

type dispatchMetrics struct {
	environment string

	events          metric.Int64Counter
	handlerFailures metric.Int64Counter
	handlerDuration metric.Float64Histogram
}

func newDispatchMetrics() *dispatchMetrics {
	meter := otel.Meter("tradesync.dispatcher")
	dm := &dispatchMetrics{environment: telemetry.Environment()}
	dm.events, _ = meter.Int64Counter("tradesync.dispatcher.events",
		metric.WithDescription("Stream events by type and dispatch result"),
		metric.WithUnit("{event}"))
	dm.handlerFailures, _ = meter.Int64Counter("tradesync.dispatcher.handler.failures",
		metric.WithDescription("Handler invocations that returned an error or panicked"),
		metric.WithUnit("{invocation}"))
	dm.handlerDuration, _ = meter.Float64Histogram("tradesync.dispatcher.handler.duration",
		metric.WithDescription("Handler execution latency"),
		metric.WithUnit("ms"))
	return dm
}

func (dm *dispatchMetrics) recordEvent(ctx context.Context, eventType EventType, result string) {
	if dm == nil || dm.events == nil {
		return
	}
	attrs := append(telemetry.EventAttributes(dm.environment, string(eventType)), telemetry.AttrResult.String(result))
	dm.events.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (dm *dispatchMetrics) recordHandler(ctx context.Context, eventType EventType, handlerID string, elapsed time.Duration, failed bool) {
	if dm == nil {
		return
	}
	attrs := append(telemetry.EventAttributes(dm.environment, string(eventType)), telemetry.AttrHandler.String(handlerID))
	if dm.handlerDuration != nil {
		dm.handlerDuration.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
	}
	if failed && dm.handlerFailures != nil {
		dm.handlerFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
