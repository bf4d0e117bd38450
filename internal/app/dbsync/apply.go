package dbsync

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/domain/status"
	"github.com/coachpo/tradesync/internal/domain/trade"
)

var protectiveTypes = map[string]struct{}{
	"STOP":                 {},
	"STOP_MARKET":          {},
	"STOP_LOSS":            {},
	"STOP_LOSS_LIMIT":      {},
	"TAKE_PROFIT":          {},
	"TAKE_PROFIT_MARKET":   {},
	"TAKE_PROFIT_LIMIT":    {},
	"TRAILING_STOP_MARKET": {},
}

// change is the effect of one execution report on a trade.
type change struct {
	next    trade.Trade
	changed bool

	exit       bool
	protective bool
	// recover requests a protective stop recreation after commit.
	recover bool
	// alert names the terminal non-fill status to notify about, if any.
	alert string
	stale bool

	repaired bool
	flagged  bool
	issues   []string
}

func (c *change) issue(t *trade.Trade, tag string) {
	if t.AddIssue(tag) {
		c.changed = true
		c.issues = append(c.issues, tag)
	}
}

func (c *change) flag(t *trade.Trade, tag string) {
	had := len(t.SyncIssues)
	if t.Flag(tag) {
		c.changed = true
		if len(t.SyncIssues) > had {
			c.issues = append(c.issues, tag)
		}
	}
}

func (c *change) observe(policy trade.Policy, field *trade.Tracked, v decimal.Decimal) {
	next, decision := policy.Apply(*field, trade.Observe(v, trade.SourceWebsocket))
	if decision.Changed() {
		*field = next
		c.changed = true
	}
}

func orderRank(o status.OrderStatus) int {
	switch {
	case status.IsTerminalOrder(o):
		return 2
	case o == status.OrderPartiallyFilled:
		return 1
	default:
		return 0
	}
}

func isProtectiveType(r exchange.ExecutionReport) bool {
	for _, typ := range []string{r.OrigType, r.OrderType} {
		if _, ok := protectiveTypes[strings.ToUpper(strings.TrimSpace(typ))]; ok {
			return true
		}
	}
	return false
}

func isMarket(r exchange.ExecutionReport) bool {
	return strings.EqualFold(r.OrderType, "MARKET") || strings.EqualFold(r.OrigType, "MARKET")
}

// isExit decides whether r reduces the trade's position. The trade's own order is always the
// entry; otherwise explicit reduce flags win over side inference.
func isExit(t trade.Trade, r exchange.ExecutionReport) bool {
	if t.ExchangeOrderID != "" && r.OrderID == t.ExchangeOrderID {
		return false
	}
	if r.ReduceOnly || r.ClosePosition {
		return true
	}
	side := strings.ToUpper(strings.TrimSpace(r.Side))
	switch t.PositionType {
	case trade.Long:
		return side == "SELL"
	case trade.Short:
		return side == "BUY"
	}
	return false
}

// isProtectiveCancel reports whether r cancels the trade's protective stop, and whether that
// stop is the one currently referenced so a recreation is warranted.
func (s *Service) isProtectiveCancel(t trade.Trade, r exchange.ExecutionReport, order status.OrderStatus) (bool, bool) {
	if !status.IsNonFill(order) || r.OrderID == t.ExchangeOrderID {
		return false, false
	}
	if t.StopLossOrderID != "" && r.OrderID == t.StopLossOrderID {
		return true, true
	}
	if _, ok := s.protectiveReasons[strings.ToUpper(strings.TrimSpace(r.CancelReason))]; ok && r.CancelReason != "" {
		return true, t.StopLossOrderID == ""
	}
	return false, false
}

// apply derives the trade state after r. It is pure so a conflicting transaction can re-run it
// against the fresh row.
func (s *Service) apply(current trade.Trade, r exchange.ExecutionReport, now time.Time) change {
	next := current.Clone()
	c := change{}
	at := r.Timestamp()
	if at.IsZero() {
		at = now
	}

	order, known := status.NormalizeOrderStatus(r.Status)
	filled := r.CumulativeQty.Abs()

	if protective, recreate := s.isProtectiveCancel(current, r, order); protective {
		c.protective = true
		c.recover = recreate && current.IsOpen()
		c.next = *next
		return c
	}

	c.exit = isExit(current, r)
	switch {
	case !known:
		c.flag(next, trade.IssueStatusUnresolvable)
	case c.exit:
		s.applyExit(&c, next, r, order, filled, at)
	default:
		s.applyEntry(&c, next, r, order, filled, at)
	}

	if status.IsNonFill(order) && filled.IsZero() && !isProtectiveType(r) {
		c.alert = string(order)
	}

	final := status.Reconcile(next.OrderStatus, next.PositionStatus, current.OrderStatus)
	s.settle(&c, next, final, at)
	if current.PositionStatus != next.PositionStatus || current.OrderStatus != next.OrderStatus {
		c.changed = true
	}
	c.next = *next
	return c
}

func (s *Service) applyEntry(c *change, next *trade.Trade, r exchange.ExecutionReport, order status.OrderStatus, filled decimal.Decimal, at time.Time) {
	if isMarket(r) && order == status.OrderNew && filled.IsZero() {
		c.issue(next, trade.IssueMarketNewZeroFill)
	}

	if status.IsTerminalOrder(next.OrderStatus) && order != next.OrderStatus {
		c.stale = true
		return
	}
	if orderRank(order) < orderRank(next.OrderStatus) {
		c.stale = true
		return
	}

	var res status.Resolution
	if status.IsNonFill(order) && filled.IsPositive() {
		// The unfilled remainder was cancelled; the filled part is a live position.
		res = status.Reconcile(status.OrderPartiallyFilled, status.PositionActive, next.OrderStatus)
	} else {
		res = status.Resolve(string(order), filled, next.OrderStatus)
	}
	s.settle(c, next, res, at)

	if filled.IsPositive() {
		c.observe(s.policy, &next.PositionSize, filled)
		if price := r.FillPrice(); price.IsPositive() {
			c.observe(s.policy, &next.EntryPrice, price)
		}
	}
}

func (s *Service) applyExit(c *change, next *trade.Trade, r exchange.ExecutionReport, order status.OrderStatus, filled decimal.Decimal, at time.Time) {
	if status.IsTerminalPosition(next.PositionStatus) && next.PositionStatus != status.PositionClosed {
		c.stale = true
		return
	}
	if !filled.IsPositive() {
		return
	}
	recorded, gap := next.RecordExit(r.OrderID, filled, r.LastFilledQty, r.FillPrice(), r.RealizedPnL)
	if !recorded {
		return
	}
	c.changed = true
	if gap {
		c.issue(next, trade.IssueExitPnLIncomplete)
	}

	remaining := decimal.Zero
	stored := next.PositionSize.Decimal().Abs()
	switch {
	case stored.IsPositive():
		remaining = stored.Sub(next.ExitedQty())
	case !r.ClosePosition:
		remaining = r.Quantity.Abs().Sub(filled)
	}
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	covered := stored.IsPositive() && remaining.IsZero()
	if next.PositionStatus != status.PositionClosed && (order == status.OrderFilled || covered) {
		res := status.Resolve(string(status.OrderFilled), remaining, next.OrderStatus)
		s.settle(c, next, res, at)
	}

	if price := next.ExitAvgPrice(); price.IsPositive() {
		c.observe(s.policy, &next.ExitPrice, price)
	}
	if pnl := next.ExitPnL(); !pnl.IsZero() && next.ExitPnLComplete() {
		c.observe(s.policy, &next.PnLUSD, pnl)
	}
}

// settle writes a resolved status pair, recording repairs and unresolvable pairs.
func (s *Service) settle(c *change, next *trade.Trade, res status.Resolution, at time.Time) {
	switch {
	case res.Repaired:
		c.repaired = true
		c.issue(next, trade.IssueStatusRepaired)
	case res.Flagged:
		c.flagged = true
		c.flag(next, trade.IssueStatusUnresolvable)
	}
	next.OrderStatus = res.Order
	if next.PositionStatus != res.Position || (status.IsTerminalPosition(res.Position) && next.ClosedAt == nil) {
		next.SetPositionStatus(res.Position, at)
		c.changed = true
	}
}
