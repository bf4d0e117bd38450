package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used across tradesync metrics.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrExchange    = attribute.Key("exchange")
	AttrSymbol      = attribute.Key("symbol")

	AttrConnectionID    = attribute.Key("connection.id")
	AttrConnectionKind  = attribute.Key("connection.kind")
	AttrConnectionState = attribute.Key("connection.state")

	AttrEventType = attribute.Key("event.type")
	AttrHandler   = attribute.Key("handler")

	AttrOutcome   = attribute.Key("outcome")
	AttrSource    = attribute.Key("source")
	AttrIssue     = attribute.Key("issue")
	AttrErrorType = attribute.Key("error.type")
	AttrReason    = attribute.Key("reason")

	AttrPoolName  = attribute.Key("pool.name")
	AttrOperation = attribute.Key("operation")
	AttrResult    = attribute.Key("result")
	AttrDirection = attribute.Key("direction")
)

// ConnectionAttributes labels stream connection metrics.
func ConnectionAttributes(environment, id, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrConnectionID.String(id),
		AttrConnectionKind.String(kind),
	}
}

// EventAttributes labels dispatcher metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// SyncAttributes labels trade sync metrics.
func SyncAttributes(environment, exchange, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
		AttrOutcome.String(outcome),
	}
}

// OperationResultAttributes labels operation/result counters.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
