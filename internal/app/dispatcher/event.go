package dispatcher

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradesync/errs"
)

// EventType names a resolved stream event.
type EventType string

const (
	EventPing    EventType = "ping"
	EventPong    EventType = "pong"
	EventUnknown EventType = "unknown"
	EventError   EventType = "error"
	// EventAny registers a handler for every event type.
	EventAny EventType = "*"

	EventOrderTradeUpdate        EventType = "ORDER_TRADE_UPDATE"
	EventExecutionReport         EventType = "executionReport"
	EventAccountUpdate           EventType = "ACCOUNT_UPDATE"
	EventBalanceUpdate           EventType = "balanceUpdate"
	EventOutboundAccountPosition EventType = "outboundAccountPosition"
	EventListenKeyExpired        EventType = "listenKeyExpired"
	EventUserData                EventType = "userData"

	EventTrade      EventType = "trade"
	EventAggTrade   EventType = "aggTrade"
	EventMarkPrice  EventType = "markPriceUpdate"
	EventBookTicker EventType = "bookTicker"
	EventTicker     EventType = "24hrTicker"
	EventKline      EventType = "kline"
	EventDepth      EventType = "depthUpdate"
)

// Event is a parsed stream frame.
type Event struct {
	Type         EventType
	ConnectionID string
	// Stream is the combined-stream name when the frame arrived wrapped in {"stream","data"}.
	Stream string
	// Payload is the event body, unwrapped from a combined-stream envelope.
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errs.New("", errs.CodeDataQuality, errs.WithMessage("empty event payload"))
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errs.New("", errs.CodeDataQuality,
			errs.WithMessage(fmt.Sprintf("decode %s payload", e.Type)),
			errs.WithCause(err))
	}
	return nil
}

// Parse resolves a raw frame into an Event. Bare ping/pong tokens are control events rather than
// parse failures.
func Parse(message []byte, connectionID string, receivedAt time.Time) (Event, error) {
	ev := Event{Type: EventUnknown, ConnectionID: connectionID, ReceivedAt: receivedAt}
	trimmed := bytes.TrimSpace(message)
	if control, ok := controlFrame(trimmed); ok {
		ev.Type = control
		return ev, nil
	}
	if len(trimmed) == 0 {
		return ev, errs.New("", errs.CodeDataQuality, errs.WithMessage("empty frame"))
	}
	if !json.Valid(trimmed) {
		return ev, errs.New("", errs.CodeDataQuality,
			errs.WithMessage("frame is not valid json"),
			errs.WithField("connection", connectionID))
	}
	ev.Payload = json.RawMessage(trimmed)
	if trimmed[0] != '{' {
		return ev, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return ev, errs.New("", errs.CodeDataQuality, errs.WithMessage("decode frame"), errs.WithCause(err))
	}
	if stream, ok := stringField(fields, "stream"); ok {
		if data, ok := fields["data"]; ok {
			ev.Stream = stream
			ev.Payload = data
			fields = nil
			inner := bytes.TrimSpace(data)
			if len(inner) > 0 && inner[0] == '{' {
				_ = json.Unmarshal(inner, &fields)
			}
		}
	}
	ev.Type = resolveType(fields, ev.Stream)
	return ev, nil
}

func controlFrame(frame []byte) (EventType, bool) {
	token := strings.ToLower(strings.Trim(string(frame), `"`))
	switch token {
	case "ping":
		return EventPing, true
	case "pong":
		return EventPong, true
	default:
		return "", false
	}
}

func resolveType(fields map[string]json.RawMessage, stream string) EventType {
	if v, ok := stringField(fields, "e"); ok {
		return EventType(v)
	}
	for _, key := range []string{"event", "type"} {
		if v, ok := stringField(fields, key); ok {
			return EventType(v)
		}
	}
	if stream != "" {
		if t := inferStream(stream); t != EventUnknown {
			return t
		}
	}
	if isErrorFrame(fields) {
		return EventError
	}
	return EventUnknown
}

// inferStream maps a combined-stream name such as "btcusdt@kline_1m" to an event type. A name
// without a channel suffix is a listen-key stream; "!name@arr" all-market streams use the name.
func inferStream(stream string) EventType {
	parts := strings.Split(stream, "@")
	var channel string
	switch {
	case strings.HasPrefix(parts[0], "!"):
		channel = strings.TrimPrefix(parts[0], "!")
	case len(parts) == 1:
		if strings.TrimSpace(parts[0]) == "" {
			return EventUnknown
		}
		return EventUserData
	default:
		channel = parts[1]
	}
	switch {
	case channel == "trade":
		return EventTrade
	case channel == "aggTrade":
		return EventAggTrade
	case channel == "markPrice":
		return EventMarkPrice
	case channel == "bookTicker":
		return EventBookTicker
	case channel == "ticker":
		return EventTicker
	case strings.HasPrefix(channel, "kline_"):
		return EventKline
	case strings.HasPrefix(channel, "depth"):
		return EventDepth
	default:
		return EventUnknown
	}
}

func isErrorFrame(fields map[string]json.RawMessage) bool {
	if _, ok := fields["error"]; ok {
		return true
	}
	_, hasCode := fields["code"]
	_, hasMsg := fields["msg"]
	return hasCode && hasMsg
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}
