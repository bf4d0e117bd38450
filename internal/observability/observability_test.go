package observability

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestSlogLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LogConfig{Service: "tradesync", Level: "debug"})

	logger.Warn("order lookup miss", F("order_id", "42"), F("err", errors.New("boom")))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "WARN", record["level"])
	require.Equal(t, "order lookup miss", record["msg"])
	require.Equal(t, "tradesync", record["service"])
	require.Equal(t, "42", record["order_id"])
	require.Equal(t, "boom", record["err"])
	require.Contains(t, record, "timestamp")
}

func TestSlogLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LogConfig{Level: "error"})
	logger.Info("dropped")
	logger.Debug("dropped")
	require.Zero(t, buf.Len())
	logger.Error("kept")
	require.True(t, strings.Contains(buf.String(), "kept"))
}

func TestAggregateErrorsSkipsNil(t *testing.T) {
	require.NoError(t, AggregateErrors("shutdown", []error{nil, nil}))

	var buf bytes.Buffer
	SetLogger(NewWriterLogger(&buf, LogConfig{}))
	t.Cleanup(func() { SetLogger(nil) })

	first := errors.New("close connections")
	err := AggregateErrors("shutdown", []error{first, nil, errors.New("delete listen key")})
	require.Error(t, err)
	require.ErrorIs(t, err, first)
	require.Contains(t, err.Error(), "shutdown failed")
	require.Contains(t, buf.String(), "\"error_count\":2")
}

func TestOrDefaultFallsBackToGlobal(t *testing.T) {
	require.NotNil(t, OrDefault(nil))
	custom := NewWriterLogger(&bytes.Buffer{}, LogConfig{})
	require.Same(t, custom, OrDefault(custom))
}
