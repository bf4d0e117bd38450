// Package handlers turns dispatched stream events into normalised exchange events and keeps
// short histories of what was seen.
package handlers

import (
	"context"
	"time"

	"github.com/coachpo/tradesync/internal/domain/exchange"
)

// DefaultHistorySize bounds each history buffer when no size is configured.
const DefaultHistorySize = 100

// Normalizer decodes exchange-specific payloads. One implementation exists per exchange.
type Normalizer interface {
	ExecutionReport(eventType string, payload []byte) (exchange.ExecutionReport, error)
	AccountUpdate(payload []byte) (exchange.AccountUpdate, error)
	BalanceUpdate(eventType string, payload []byte) (exchange.BalanceUpdate, error)
	ListenKeyExpired(payload []byte) (string, time.Time, error)
	PriceTick(eventType, stream string, payload []byte) (exchange.PriceTick, error)
	ErrorEvent(payload []byte) (exchange.ErrorEvent, error)
}

// Sink consumes user-data events, typically the database sync engine.
type Sink interface {
	ExecutionReport(ctx context.Context, report exchange.ExecutionReport) error
	AccountUpdate(ctx context.Context, update exchange.AccountUpdate) error
	BalanceUpdate(ctx context.Context, update exchange.BalanceUpdate) error
}

func historySize(n int) int {
	if n <= 0 {
		return DefaultHistorySize
	}
	return n
}
