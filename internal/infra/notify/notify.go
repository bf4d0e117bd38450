// Package notify delivers error notifications raised by the sync engine.
package notify

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/coachpo/tradesync/internal/observability"
)

// Sink accepts one error notification. fields identify the trade and the exchange event behind
// it.
type Sink interface {
	SendErrorNotification(ctx context.Context, errorType, message string, fields map[string]any) error
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger observability.Logger
}

// SendErrorNotification logs the notification at error level.
func (s LogSink) SendErrorNotification(_ context.Context, errorType, message string, fields map[string]any) error {
	out := []observability.Field{
		observability.F("error_type", strings.TrimSpace(errorType)),
		observability.F("message", message),
	}
	for _, key := range sortedKeys(fields) {
		out = append(out, observability.F(key, fields[key]))
	}
	observability.OrDefault(s.Logger).Error("trade sync notification", out...)
	return nil
}

// Multi fans a notification out to every sink. All sinks are attempted.
type Multi []Sink

// SendErrorNotification forwards to each sink and joins their failures.
func (m Multi) SendErrorNotification(ctx context.Context, errorType, message string, fields map[string]any) error {
	var failures []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.SendErrorNotification(ctx, errorType, message, fields); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
