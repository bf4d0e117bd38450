package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseResolvesEventTypes(t *testing.T) {
	cases := []struct {
		name   string
		frame  string
		want   EventType
		stream string
	}{
		{"explicit e field", `{"e":"ORDER_TRADE_UPDATE","E":1,"o":{}}`, EventOrderTradeUpdate, ""},
		{"generic event field", `{"event":"subscribed","channel":"x"}`, EventType("subscribed"), ""},
		{"generic type field", `{"type":"heartbeat"}`, EventType("heartbeat"), ""},
		{"combined stream uses inner e", `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","p":"1"}}`, EventAggTrade, "btcusdt@aggTrade"},
		{"bookTicker inferred from stream", `{"stream":"btcusdt@bookTicker","data":{"u":1,"s":"BTCUSDT","b":"1","a":"2"}}`, EventBookTicker, "btcusdt@bookTicker"},
		{"kline inferred from stream", `{"stream":"ethusdt@kline_1m","data":{"k":{}}}`, EventKline, "ethusdt@kline_1m"},
		{"depth inferred from stream", `{"stream":"ethusdt@depth20@100ms","data":{"bids":[]}}`, EventDepth, "ethusdt@depth20@100ms"},
		{"array ticker stream", `{"stream":"!ticker@arr","data":[{"s":"BTCUSDT"}]}`, EventTicker, "!ticker@arr"},
		{"listen key stream", `{"stream":"pqia91ma19a5s61cv6a81va65sdf19v8a65a1","data":{"x":1}}`, EventUserData, "pqia91ma19a5s61cv6a81va65sdf19v8a65a1"},
		{"error frame", `{"code":-1003,"msg":"Too many requests"}`, EventError, ""},
		{"nested error frame", `{"id":1,"error":{"code":2,"msg":"Invalid request"}}`, EventError, ""},
		{"no type information", `{"result":null,"id":1}`, EventUnknown, ""},
		{"top level array", `[1,2,3]`, EventUnknown, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Parse([]byte(tc.frame), "conn", time.Unix(0, 0))
			require.NoError(t, err)
			require.Equal(t, tc.want, ev.Type)
			require.Equal(t, tc.stream, ev.Stream)
			require.Equal(t, "conn", ev.ConnectionID)
			require.NotEmpty(t, ev.Payload)
		})
	}
}

func TestParseControlFrames(t *testing.T) {
	for frame, want := range map[string]EventType{"ping": EventPing, " PONG\n": EventPong, `"ping"`: EventPing} {
		ev, err := Parse([]byte(frame), "c", time.Now())
		require.NoError(t, err)
		require.Equal(t, want, ev.Type)
	}
	_, err := Parse([]byte("not json at all"), "c", time.Now())
	require.Error(t, err)
}

func TestDecodeUnwrapsCombinedStream(t *testing.T) {
	ev, err := Parse([]byte(`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"42.5"}}`), "m", time.Now())
	require.NoError(t, err)
	var body struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
	}
	require.NoError(t, ev.Decode(&body))
	require.Equal(t, "BTCUSDT", body.Symbol)
	require.Equal(t, "42.5", body.Price)
}

func TestRegistrationIsIdempotent(t *testing.T) {
	d := New(Options{})
	var first, second atomic.Int32
	require.True(t, d.RegisterHandler(EventTrade, "h", func(context.Context, Event) error { first.Add(1); return nil }))
	require.False(t, d.RegisterHandler(EventTrade, "h", func(context.Context, Event) error { second.Add(1); return nil }))
	require.Equal(t, 1, d.HandlerCount(EventTrade))

	require.NoError(t, d.DispatchEvent(context.Background(), Event{Type: EventTrade}))
	require.Zero(t, first.Load())
	require.Equal(t, int32(1), second.Load())

	require.True(t, d.UnregisterHandler(EventTrade, "h"))
	require.False(t, d.UnregisterHandler(EventTrade, "h"))
	require.Zero(t, d.HandlerCount(EventTrade))

	mw := func(_ context.Context, ev *Event) *Event { return ev }
	require.True(t, d.Use("m", mw))
	require.False(t, d.Use("m", mw))
	require.True(t, d.RemoveMiddleware("m"))
	require.False(t, d.RemoveMiddleware("m"))
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	d := New(Options{MaxWorkers: 4})
	var mu sync.Mutex
	var ran []string
	mark := func(id string) {
		mu.Lock()
		ran = append(ran, id)
		mu.Unlock()
	}
	boom := errors.New("boom")
	d.RegisterHandler(EventExecutionReport, "ok", func(context.Context, Event) error { mark("ok"); return nil })
	d.RegisterHandler(EventExecutionReport, "fails", func(context.Context, Event) error { mark("fails"); return boom })
	d.RegisterHandler(EventExecutionReport, "panics", func(context.Context, Event) error { mark("panics"); panic("kaboom") })
	d.RegisterHandler(EventAny, "audit", func(context.Context, Event) error { mark("audit"); return nil })

	err := d.DispatchRawMessage(context.Background(), []byte(`{"e":"executionReport","s":"BTCUSDT"}`), "user")
	require.Error(t, err)
	require.ErrorIs(t, err, boom)

	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	require.Equal(t, EventExecutionReport, herr.EventType)
	require.Equal(t, 4, herr.HandlerCount)
	require.ElementsMatch(t, []string{"fails", "panics"}, herr.FailedHandlers)
	require.ElementsMatch(t, []string{"ok", "fails", "panics", "audit"}, ran)

	stats := d.Stats().ByType[EventExecutionReport]
	require.Equal(t, int64(1), stats.Dispatched)
	require.Equal(t, int64(1), stats.Failed)
}

func TestMiddlewareTransformsAndDrops(t *testing.T) {
	d := New(Options{})
	var delivered []EventType
	d.RegisterHandler(EventAny, "collect", func(_ context.Context, ev Event) error {
		delivered = append(delivered, ev.Type)
		return nil
	})
	d.Use("drop-pongs", func(_ context.Context, ev *Event) *Event {
		if ev.Type == EventPong {
			return nil
		}
		return ev
	})
	d.Use("rename-unknown", func(_ context.Context, ev *Event) *Event {
		if ev.Type == EventUnknown {
			ev.Type = EventType("other")
		}
		return ev
	})

	require.NoError(t, d.DispatchRawMessage(context.Background(), []byte("pong"), "c"))
	require.NoError(t, d.DispatchRawMessage(context.Background(), []byte(`{"id":1}`), "c"))
	require.NoError(t, d.DispatchRawMessage(context.Background(), []byte("ping"), "c"))
	require.Equal(t, []EventType{EventType("other"), EventPing}, delivered)

	stats := d.Stats()
	require.Equal(t, int64(1), stats.ByType[EventPong].Dropped)
}

func TestParseErrorsAreCounted(t *testing.T) {
	d := New(Options{})
	require.Error(t, d.DispatchRawMessage(context.Background(), []byte("{broken"), "c"))
	require.Equal(t, int64(1), d.Stats().ParseErrors)
}

func TestUnhandledEventsAreNotErrors(t *testing.T) {
	d := New(Options{})
	require.NoError(t, d.DispatchEvent(context.Background(), Event{Type: EventDepth}))
	require.Equal(t, int64(1), d.Stats().ByType[EventDepth].Unhandled)
}
