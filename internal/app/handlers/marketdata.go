package handlers

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradesync/internal/app/dispatcher"
	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/lib/ring"
)

// MarketData keeps the last price per symbol from market streams.
type MarketData struct {
	normalizer Normalizer
	history    *ring.Buffer[exchange.PriceTick]

	mu   sync.RWMutex
	last map[string]exchange.PriceTick
}

// NewMarketData constructs a MarketData handler.
func NewMarketData(normalizer Normalizer, size int) *MarketData {
	return &MarketData{
		normalizer: normalizer,
		history:    ring.New[exchange.PriceTick](historySize(size)),
		last:       make(map[string]exchange.PriceTick),
	}
}

// EventTypes lists the dispatcher types this handler consumes.
func (h *MarketData) EventTypes() []dispatcher.EventType {
	return []dispatcher.EventType{
		dispatcher.EventTrade,
		dispatcher.EventAggTrade,
		dispatcher.EventMarkPrice,
		dispatcher.EventBookTicker,
		dispatcher.EventTicker,
	}
}

// Handle records a price tick.
func (h *MarketData) Handle(_ context.Context, ev dispatcher.Event) error {
	if h.normalizer == nil {
		return nil
	}
	tick, err := h.normalizer.PriceTick(string(ev.Type), ev.Stream, ev.Payload)
	if err != nil {
		return err
	}
	if tick.EventTime.IsZero() {
		tick.EventTime = ev.ReceivedAt
	}
	h.history.Push(tick)
	if tick.Price.IsZero() {
		return nil
	}
	h.mu.Lock()
	if prev, ok := h.last[tick.Symbol]; !ok || !tick.EventTime.Before(prev.EventTime) {
		h.last[tick.Symbol] = tick
	}
	h.mu.Unlock()
	return nil
}

// LastPrice returns the most recent non-zero price for symbol.
func (h *MarketData) LastPrice(symbol string) (decimal.Decimal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tick, ok := h.last[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return decimal.Zero, false
	}
	return tick.Price, true
}

// History returns recent ticks, oldest first.
func (h *MarketData) History() []exchange.PriceTick { return h.history.Snapshot() }
