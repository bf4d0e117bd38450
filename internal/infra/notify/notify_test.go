package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradesync/internal/observability"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestWebhookPostsPayload(t *testing.T) {
	var got Payload
	var agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "secret", r.Header.Get("X-Token"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{
		URL:     srv.URL,
		Service: "tradesync",
		Headers: map[string]string{"X-Token": "secret"},
		Clock:   func() time.Time { return fixedNow },
	}, nil)
	require.NoError(t, err)

	err = sink.SendErrorNotification(context.Background(), "ORDER_REJECTED", "order rejected", map[string]any{
		"trade_id": "t-1",
		"symbol":   "BTCUSDT",
	})
	require.NoError(t, err)
	require.Equal(t, defaultUserAgent, agent)
	require.Equal(t, "ORDER_REJECTED", got.ErrorType)
	require.Equal(t, "tradesync", got.Service)
	require.Equal(t, "t-1", got.Context["trade_id"])
	require.True(t, fixedNow.Equal(got.Timestamp))
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, Attempts: 5}, nil)
	require.NoError(t, err)
	require.NoError(t, sink.SendErrorNotification(context.Background(), "ORDER_EXPIRED", "expired", nil))
	require.Equal(t, int32(3), hits.Load())
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, Attempts: 5}, nil)
	require.NoError(t, err)
	err = sink.SendErrorNotification(context.Background(), "ORDER_REJECTED", "rejected", nil)
	require.ErrorContains(t, err, "400")
	require.Equal(t, int32(1), hits.Load())
}

func TestNewWebhookSinkRequiresURL(t *testing.T) {
	_, err := NewWebhookSink(WebhookConfig{URL: "  "}, nil)
	require.Error(t, err)
}

type failingSink struct{ err error }

func (f failingSink) SendErrorNotification(context.Context, string, string, map[string]any) error {
	return f.err
}

type countingSink struct{ n int }

func (c *countingSink) SendErrorNotification(context.Context, string, string, map[string]any) error {
	c.n++
	return nil
}

func TestMultiAttemptsEverySink(t *testing.T) {
	boom := errors.New("boom")
	counter := &countingSink{}
	err := Multi{failingSink{err: boom}, nil, counter}.SendErrorNotification(context.Background(), "X", "y", nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, counter.n)
}

func TestLogSinkWritesFields(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: observability.NewWriterLogger(&buf, observability.LogConfig{})}
	require.NoError(t, sink.SendErrorNotification(context.Background(), "ORDER_REJECTED", "rejected", map[string]any{
		"trade_id": "t-9",
	}))
	require.Contains(t, buf.String(), `"error_type":"ORDER_REJECTED"`)
	require.Contains(t, buf.String(), `"trade_id":"t-9"`)
}
