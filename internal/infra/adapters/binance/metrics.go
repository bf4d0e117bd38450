package binance

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/infra/telemetry"
)

type clientMetrics struct {
	environment string
	exchange    string

	requests      metric.Int64Counter
	latency       metric.Float64Histogram
	breakerStates metric.Int64Counter
}

func newClientMetrics(exchange string) *clientMetrics {
	meter := otel.Meter("adapter.binance")
	cm := &clientMetrics{
		environment: telemetry.Environment(),
		exchange:    exchange,
	}

	cm.requests, _ = meter.Int64Counter("tradesync_binance_rest_requests",
		metric.WithDescription("Binance REST calls by operation and result"),
		metric.WithUnit("{request}"))

	cm.latency, _ = meter.Float64Histogram("tradesync.binance.rest.duration",
		metric.WithDescription("Latency of Binance REST calls"),
		metric.WithUnit("ms"))

	cm.breakerStates, _ = meter.Int64Counter("tradesync_binance_breaker_transitions",
		metric.WithDescription("Circuit breaker state transitions of the Binance REST client"),
		metric.WithUnit("{transition}"))

	return cm
}

func (cm *clientMetrics) attrs(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		telemetry.AttrEnvironment.String(cm.environment),
		telemetry.AttrExchange.String(cm.exchange),
		telemetry.AttrOperation.String(operation),
		telemetry.AttrResult.String(result),
	}
}

func (cm *clientMetrics) recordCall(operation string, started time.Time, err error) {
	if cm == nil || cm.requests == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(cm.attrs(operation, callResult(err))...)
	cm.requests.Add(ctx, 1, attrs)
	if cm.latency != nil {
		cm.latency.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	}
}

func (cm *clientMetrics) recordBreaker(to string) {
	if cm == nil || cm.breakerStates == nil {
		return
	}
	cm.breakerStates.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(cm.environment),
		telemetry.AttrExchange.String(cm.exchange),
		telemetry.AttrConnectionState.String(to)))
}

func callResult(err error) string {
	if err == nil {
		return "ok"
	}
	if code := errs.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}
