package trade

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradesync/internal/domain/status"
)

// ExitFill is the cumulative state of one exit order as reported by the stream.
type ExitFill struct {
	OrderID  string          `json:"orderId"`
	Qty      decimal.Decimal `json:"qty"`
	AvgPrice decimal.Decimal `json:"avgPrice"`
	PnL      decimal.Decimal `json:"pnl"`
	// Gap marks an order whose partial fills were not all observed, so PnL undercounts.
	Gap bool `json:"gap,omitempty"`
}

// RecordExit folds one execution report of exit order orderID into the ledger.
// cumulative is the order's filled quantity so far, last the quantity of this fill and
// pnl the realized PnL the exchange attributes to this fill. Reports that do not advance
// the order's cumulative quantity are ignored, which makes redelivery a no-op. gap is
// true when the quantity since the previous report differs from last.
func (t *Trade) RecordExit(orderID string, cumulative, last, avgPrice, pnl decimal.Decimal) (recorded, gap bool) {
	cumulative = cumulative.Abs()
	idx := -1
	prev := decimal.Zero
	for i := range t.Exits {
		if t.Exits[i].OrderID == orderID {
			idx = i
			prev = t.Exits[i].Qty
			break
		}
	}
	if !cumulative.GreaterThan(prev) {
		return false, false
	}
	gap = !last.Abs().Equal(cumulative.Sub(prev))
	if idx < 0 {
		t.Exits = append(t.Exits, ExitFill{OrderID: orderID})
		idx = len(t.Exits) - 1
	}
	e := &t.Exits[idx]
	e.Qty = cumulative
	e.PnL = e.PnL.Add(pnl)
	if avgPrice.IsPositive() {
		e.AvgPrice = avgPrice
	}
	e.Gap = e.Gap || gap
	return true, gap
}

// ExitedQty is the quantity closed by all recorded exit orders.
func (t *Trade) ExitedQty() decimal.Decimal {
	total := decimal.Zero
	for _, e := range t.Exits {
		total = total.Add(e.Qty)
	}
	return total
}

// ExitPnL sums the realized PnL of all recorded exit fills.
func (t *Trade) ExitPnL() decimal.Decimal {
	total := decimal.Zero
	for _, e := range t.Exits {
		total = total.Add(e.PnL)
	}
	return total
}

// ExitPnLComplete reports whether every exit fill was observed.
func (t *Trade) ExitPnLComplete() bool {
	for _, e := range t.Exits {
		if e.Gap {
			return false
		}
	}
	return true
}

// ExitAvgPrice is the quantity-weighted exit price across recorded orders, zero when
// no order carried a price.
func (t *Trade) ExitAvgPrice() decimal.Decimal {
	notional, qty := decimal.Zero, decimal.Zero
	for _, e := range t.Exits {
		if !e.AvgPrice.IsPositive() {
			continue
		}
		notional = notional.Add(e.AvgPrice.Mul(e.Qty))
		qty = qty.Add(e.Qty)
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(qty)
}

// NeverFilled reports whether a cancelled or failed trade ended without an
// exchange-confirmed fill. Such trades have no history to reconcile.
func (t *Trade) NeverFilled() bool {
	if t.PositionStatus != status.PositionCancelled && t.PositionStatus != status.PositionFailed {
		return false
	}
	if !t.PositionSize.IsSet() || t.PositionSize.Decimal().IsZero() {
		return true
	}
	return !t.PositionSize.Source.Authoritative()
}

// NeedsBackfill reports whether a terminal trade still lacks history-derived facts.
func (t *Trade) NeedsBackfill() bool {
	if t.IsOpen() || t.NeverFilled() {
		return false
	}
	if !t.NetPnL.IsSet() {
		return true
	}
	if !t.PnLUSD.Verified || !t.EntryPrice.Verified || !t.ExitPrice.Verified {
		return true
	}
	return t.PnLUSD.Source.Rank() < SourcePositionHistory.Rank()
}
