// Package alerts suppresses repeated failure notifications for the same trade outcome.
package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradesync/internal/infra/telemetry"
)

const (
	defaultWindow         = 5 * time.Minute
	defaultPruneThreshold = 1000
)

// Config controls deduplication.
type Config struct {
	// Window is how long a sent alert suppresses identical ones.
	Window time.Duration
	// PruneThreshold is the tracked-entry count above which stale entries are evicted.
	PruneThreshold int
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Deduplicator tracks recently sent alert keys.
type Deduplicator struct {
	window    time.Duration
	threshold int
	now       func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time

	suppressed metric.Int64Counter
}

// New constructs a Deduplicator, applying defaults to zero values.
func New(cfg Config) *Deduplicator {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.PruneThreshold <= 0 {
		cfg.PruneThreshold = defaultPruneThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	d := &Deduplicator{
		window:    cfg.Window,
		threshold: cfg.PruneThreshold,
		now:       cfg.Clock,
		sent:      make(map[string]time.Time),
	}
	d.suppressed, _ = otel.Meter("tradesync.alerts").Int64Counter("tradesync.alerts.suppressed",
		metric.WithDescription("Alerts suppressed as duplicates"),
		metric.WithUnit("{alert}"))
	return d
}

// Key returns the hour-bucketed identity of an alert.
func Key(tradeID, errorType, symbol, exchange string, at time.Time) string {
	bucket := at.UTC().Truncate(time.Hour).Format("2006010215")
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strings.TrimSpace(tradeID),
		strings.ToUpper(strings.TrimSpace(errorType)),
		strings.ToUpper(strings.TrimSpace(symbol)),
		strings.ToLower(strings.TrimSpace(exchange)),
		bucket,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// ShouldSendAlert reports whether the alert should go out, marking it sent when it does.
func (d *Deduplicator) ShouldSendAlert(tradeID, errorType, symbol, exchange string) bool {
	now := d.now()
	key := Key(tradeID, errorType, symbol, exchange, now)

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.sent[key]; ok && now.Sub(last) < d.window {
		if d.suppressed != nil {
			d.suppressed.Add(context.Background(), 1,
				metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment()),
					telemetry.AttrErrorType.String(errorType)))
		}
		return false
	}
	d.sent[key] = now
	if len(d.sent) > d.threshold {
		d.pruneLocked(now)
	}
	return true
}

func (d *Deduplicator) pruneLocked(now time.Time) {
	cutoff := now.Add(-2 * d.window)
	for key, at := range d.sent {
		if at.Before(cutoff) {
			delete(d.sent, key)
		}
	}
}

// Len reports the number of tracked keys.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

// Reset forgets every tracked key.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	d.sent = make(map[string]time.Time)
	d.mu.Unlock()
}
