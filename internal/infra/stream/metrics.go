package stream

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradesync/internal/infra/telemetry"
)

type streamMetrics struct {
	environment string

	reconnects   metric.Int64Counter
	messages     metric.Int64Counter
	messageBytes metric.Int64Histogram
	pings        metric.Float64Histogram
	backpressure metric.Int64Counter
	tokenOps     metric.Int64Counter
}

func newStreamMetrics() *streamMetrics {
	meter := otel.Meter("tradesync.stream")
	sm := &streamMetrics{environment: telemetry.Environment()}

	sm.reconnects, _ = meter.Int64Counter("tradesync.stream.reconnects",
		metric.WithDescription("Websocket dial attempts by result"),
		metric.WithUnit("{attempt}"))
	sm.messages, _ = meter.Int64Counter("tradesync.stream.messages",
		metric.WithDescription("Frames received and sent on stream connections"),
		metric.WithUnit("{message}"))
	sm.messageBytes, _ = meter.Int64Histogram("tradesync.stream.message.bytes",
		metric.WithDescription("Size of received stream frames"),
		metric.WithUnit("By"))
	sm.pings, _ = meter.Float64Histogram("tradesync.stream.ping.latency",
		metric.WithDescription("Round-trip latency of websocket pings"),
		metric.WithUnit("ms"))
	sm.backpressure, _ = meter.Int64Counter("tradesync.stream.backpressure",
		metric.WithDescription("Sends refused because the connection rate budget was exhausted"),
		metric.WithUnit("{message}"))
	sm.tokenOps, _ = meter.Int64Counter("tradesync.stream.session_token.operations",
		metric.WithDescription("Session token acquire, refresh and delete calls by result"),
		metric.WithUnit("{call}"))
	return sm
}

func (sm *streamMetrics) attrs(c *connection, extra ...attribute.KeyValue) metric.MeasurementOption {
	base := telemetry.ConnectionAttributes(sm.environment, c.id, string(c.kind))
	return metric.WithAttributes(append(base, extra...)...)
}

func (sm *streamMetrics) recordReconnect(c *connection, result string) {
	if sm == nil || sm.reconnects == nil {
		return
	}
	sm.reconnects.Add(context.Background(), 1, sm.attrs(c, telemetry.AttrResult.String(result)))
}

func (sm *streamMetrics) recordMessage(c *connection, direction string, size int) {
	if sm == nil || sm.messages == nil {
		return
	}
	opt := sm.attrs(c, telemetry.AttrDirection.String(direction))
	sm.messages.Add(context.Background(), 1, opt)
	if direction == "in" && sm.messageBytes != nil {
		sm.messageBytes.Record(context.Background(), int64(size), sm.attrs(c))
	}
}

func (sm *streamMetrics) recordPing(c *connection, latency time.Duration, result string) {
	if sm == nil || sm.pings == nil {
		return
	}
	sm.pings.Record(context.Background(), float64(latency.Milliseconds()), sm.attrs(c, telemetry.AttrResult.String(result)))
}

func (sm *streamMetrics) recordBackpressure(c *connection) {
	if sm == nil || sm.backpressure == nil {
		return
	}
	sm.backpressure.Add(context.Background(), 1, sm.attrs(c))
}

func (sm *streamMetrics) recordToken(c *connection, operation, result string) {
	if sm == nil || sm.tokenOps == nil {
		return
	}
	sm.tokenOps.Add(context.Background(), 1, sm.attrs(c,
		telemetry.AttrOperation.String(operation),
		telemetry.AttrResult.String(result)))
}
