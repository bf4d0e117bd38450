package dbsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/app/alerts"
	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/domain/status"
	"github.com/coachpo/tradesync/internal/domain/trade"
	"github.com/coachpo/tradesync/internal/testutil/tradestoretest"
	"github.com/coachpo/tradesync/lib/async"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fakeOrders struct {
	mu       sync.Mutex
	size     decimal.Decimal
	sizeErr  error
	placeErr error
	placed   []exchange.StopOrderRequest
}

func (f *fakeOrders) PositionSize(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size, f.sizeErr
}

func (f *fakeOrders) PlaceStopOrder(_ context.Context, req exchange.StopOrderRequest) (exchange.StopOrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return exchange.StopOrderResult{}, f.placeErr
	}
	f.placed = append(f.placed, req)
	return exchange.StopOrderResult{OrderID: "sl-2", ClientOrderID: req.ClientOrderID, Status: "NEW"}, nil
}

type notification struct {
	errorType string
	message   string
	fields    map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) SendErrorNotification(_ context.Context, errorType, message string, fields map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{errorType: errorType, message: message, fields: fields})
	return nil
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

type fixture struct {
	store    *tradestoretest.Memory
	orders   *fakeOrders
	notifier *recordingNotifier
	pool     *async.Pool
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return testNow }
	store := tradestoretest.NewMemory()
	store.SetClock(clock)
	pool, err := async.NewPool("recovery", 1, 4, nil)
	require.NoError(t, err)
	f := &fixture{
		store:    store,
		orders:   &fakeOrders{size: d("1.5")},
		notifier: &recordingNotifier{},
		pool:     pool,
	}
	f.svc, err = New(Options{
		Store:            store,
		Orders:           f.orders,
		Alerts:           alerts.New(alerts.Config{Clock: clock}),
		Notifier:         f.notifier,
		Recovery:         pool,
		Exchange:         "binance",
		RecoveryAttempts: 1,
		RecoveryDelay:    time.Millisecond,
		Clock:            clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return f
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.pool.Shutdown(ctx))
}

func pendingLong(id, orderID string) trade.Trade {
	return trade.Trade{
		ID:              id,
		Exchange:        "binance",
		Symbol:          "BTCUSDT",
		ExchangeOrderID: orderID,
		PositionType:    trade.Long,
		OrderType:       "MARKET",
		PositionSize:    trade.NewTracked(decimal.Zero, trade.SourceSignal, false),
		OrderStatus:     status.OrderNew,
		PositionStatus:  status.PositionPending,
		CreatedAt:       testNow.Add(-time.Hour),
	}
}

func activeLong(id, orderID string) trade.Trade {
	t := pendingLong(id, orderID)
	t.OrderStatus = status.OrderFilled
	t.PositionStatus = status.PositionActive
	t.EntryPrice = trade.NewTracked(d("100"), trade.SourceWebsocket, true)
	t.PositionSize = trade.NewTracked(d("1.5"), trade.SourceWebsocket, true)
	return t
}

func report(orderID, st string) exchange.ExecutionReport {
	return exchange.ExecutionReport{
		Exchange:        "binance",
		Symbol:          "BTCUSDT",
		OrderID:         orderID,
		Status:          st,
		Side:            "BUY",
		OrderType:       "MARKET",
		TransactionTime: testNow,
	}
}

func TestEntryFillActivatesPosition(t *testing.T) {
	f := newFixture(t)
	f.store.Seed(t, pendingLong("t1", "1001"))

	r := report("1001", "FILLED")
	r.CumulativeQty = d("1.5")
	r.LastFilledQty = d("1.5")
	r.AvgPrice = d("100")

	outcome, err := f.svc.HandleExecutionReport(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	got := f.store.Snapshot("t1")
	require.Equal(t, status.OrderFilled, got.OrderStatus)
	require.Equal(t, status.PositionActive, got.PositionStatus)
	require.True(t, d("100").Equal(got.EntryPrice.Decimal()))
	require.True(t, d("1.5").Equal(got.PositionSize.Decimal()))
	require.Equal(t, trade.SourceWebsocket, got.EntryPrice.Source)
	require.True(t, got.EntryPrice.Verified)
	require.Nil(t, got.ClosedAt)
	require.Equal(t, 1, f.store.Updates)

	// Duplicate delivery converges without another write.
	outcome, err = f.svc.HandleExecutionReport(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoop, outcome)
	require.Equal(t, 1, f.store.Updates)
	require.Equal(t, got, f.store.Snapshot("t1"))

	events := f.svc.Audit()
	require.Len(t, events, 2)
	require.Equal(t, trade.EventApplied, events[0].Status)
	require.Equal(t, "t1", events[0].TradeID)
	require.Equal(t, trade.EventSkipped, events[1].Status)
}

func TestVerifiedEntryPriceKeptWithinTrustHierarchy(t *testing.T) {
	f := newFixture(t)
	seed := activeLong("t1", "1001")
	seed.EntryPrice = trade.NewTracked(d("100"), trade.SourceOrderResponse, true)
	f.store.Seed(t, seed)

	r := report("1001", "FILLED")
	r.CumulativeQty = d("1.5")
	r.AvgPrice = d("100.2")

	outcome, err := f.svc.HandleExecutionReport(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoop, outcome)
	got := f.store.Snapshot("t1")
	require.True(t, d("100").Equal(got.EntryPrice.Decimal()))
	require.Equal(t, trade.SourceOrderResponse, got.EntryPrice.Source)
}

func TestStaleReportDoesNotRegressStatus(t *testing.T) {
	f := newFixture(t)
	f.store.Seed(t, activeLong("t1", "1001"))

	r := report("1001", "PARTIALLY_FILLED")
	r.CumulativeQty = d("0.5")
	r.AvgPrice = d("100")

	outcome, err := f.svc.HandleExecutionReport(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoop, outcome)
	got := f.store.Snapshot("t1")
	require.Equal(t, status.OrderFilled, got.OrderStatus)
	require.True(t, d("1.5").Equal(got.PositionSize.Decimal()))
}

func TestExitFillClosesPosition(t *testing.T) {
	f := newFixture(t)
	seed := activeLong("t1", "1001")
	seed.PositionSize = trade.NewTracked(d("2"), trade.SourceWebsocket, true)
	seed.RawResponse = `{"entry":{"orderId":1001},"takeProfit":{"orderId":1002}}`
	f.store.Seed(t, seed)

	r := report("1002", "FILLED")
	r.Side = "SELL"
	r.ReduceOnly = true
	r.CumulativeQty = d("2")
	r.LastFilledQty = d("2")
	r.AvgPrice = d("110")
	r.RealizedPnL = d("20")

	outcome, err := f.svc.HandleExecutionReport(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	got := f.store.Snapshot("t1")
	require.Equal(t, status.OrderFilled, got.OrderStatus)
	require.Equal(t, status.PositionClosed, got.PositionStatus)
	require.NotNil(t, got.ClosedAt)
	require.Equal(t, testNow, *got.ClosedAt)
	require.True(t, d("110").Equal(got.ExitPrice.Decimal()))
	require.True(t, d("20").Equal(got.PnLUSD.Decimal()))
	require.Equal(t, "1001", got.ExchangeOrderID, "exit order must not replace the entry reference")
	require.True(t, d("2").Equal(got.PositionSize.Decimal()))
}

func exitReport(orderID, st, cumulative, last, price, pnl string) exchange.ExecutionReport {
	r := report(orderID, st)
	r.Side = "SELL"
	r.ReduceOnly = true
	r.CumulativeQty = d(cumulative)
	r.LastFilledQty = d(last)
	r.AvgPrice = d(price)
	r.RealizedPnL = d(pnl)
	return r
}

func TestScaleOutExitsClosePosition(t *testing.T) {
	f := newFixture(t)
	seed := activeLong("t1", "1001")
	seed.PositionSize = trade.NewTracked(d("2"), trade.SourceWebsocket, true)
	seed.RawResponse = `{"entry":{"orderId":1001},"takeProfit":[{"orderId":1002},{"orderId":1003}]}`
	f.store.Seed(t, seed)
	ctx := context.Background()

	outcome, err := f.svc.HandleExecutionReport(ctx, exitReport("1002", "FILLED", "1", "1", "110", "10"))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)
	got := f.store.Snapshot("t1")
	require.Equal(t, status.PositionActive, got.PositionStatus)
	require.Nil(t, got.ClosedAt)
	require.True(t, d("10").Equal(got.PnLUSD.Decimal()))

	outcome, err = f.svc.HandleExecutionReport(ctx, exitReport("1003", "FILLED", "1", "1", "120", "20"))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)
	got = f.store.Snapshot("t1")
	require.Equal(t, status.PositionClosed, got.PositionStatus)
	require.NotNil(t, got.ClosedAt)
	require.True(t, d("30").Equal(got.PnLUSD.Decimal()))
	require.True(t, d("115").Equal(got.ExitPrice.Decimal()))
	require.True(t, d("2").Equal(got.PositionSize.Decimal()))
	require.Empty(t, got.SyncIssues)
}

func TestRedeliveredExitIsNoop(t *testing.T) {
	f := newFixture(t)
	seed := activeLong("t1", "1001")
	seed.PositionSize = trade.NewTracked(d("2"), trade.SourceWebsocket, true)
	seed.RawResponse = `{"entry":{"orderId":1001},"takeProfit":{"orderId":1002}}`
	f.store.Seed(t, seed)
	ctx := context.Background()

	r := exitReport("1002", "PARTIALLY_FILLED", "1", "1", "110", "10")
	outcome, err := f.svc.HandleExecutionReport(ctx, r)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	outcome, err = f.svc.HandleExecutionReport(ctx, r)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoop, outcome)
	got := f.store.Snapshot("t1")
	require.Equal(t, status.PositionActive, got.PositionStatus)
	require.True(t, d("10").Equal(got.PnLUSD.Decimal()))
	require.True(t, d("1").Equal(got.ExitedQty()))
}

func TestPartialExitFillsAccumulatePnL(t *testing.T) {
	f := newFixture(t)
	seed := activeLong("t1", "1001")
	seed.PositionSize = trade.NewTracked(d("2"), trade.SourceWebsocket, true)
	seed.RawResponse = `{"entry":{"orderId":1001},"takeProfit":{"orderId":1002}}`
	f.store.Seed(t, seed)
	ctx := context.Background()

	_, err := f.svc.HandleExecutionReport(ctx, exitReport("1002", "PARTIALLY_FILLED", "0.5", "0.5", "110", "5"))
	require.NoError(t, err)
	_, err = f.svc.HandleExecutionReport(ctx, exitReport("1002", "FILLED", "2", "1.5", "110", "15"))
	require.NoError(t, err)

	got := f.store.Snapshot("t1")
	require.Equal(t, status.PositionClosed, got.PositionStatus)
	require.True(t, d("20").Equal(got.PnLUSD.Decimal()))
	require.Empty(t, got.SyncIssues)
}

func TestMissedExitFillMarksPnLIncomplete(t *testing.T) {
	f := newFixture(t)
	seed := activeLong("t1", "1001")
	seed.PositionSize = trade.NewTracked(d("2"), trade.SourceWebsocket, true)
	seed.RawResponse = `{"entry":{"orderId":1001},"takeProfit":{"orderId":1002}}`
	f.store.Seed(t, seed)

	_, err := f.svc.HandleExecutionReport(context.Background(), exitReport("1002", "FILLED", "2", "1.5", "110", "15"))
	require.NoError(t, err)

	got := f.store.Snapshot("t1")
	require.Equal(t, status.PositionClosed, got.PositionStatus)
	require.Equal(t, []string{trade.IssueExitPnLIncomplete}, got.SyncIssues)
	require.False(t, got.PnLUSD.IsSet())
	require.True(t, d("110").Equal(got.ExitPrice.Decimal()))
}

func TestMarketNewWithoutFillIsNotAFill(t *testing.T) {
	f := newFixture(t)
	f.store.Seed(t, pendingLong("t1", "1001"))

	outcome, err := f.svc.HandleExecutionReport(context.Background(), report("1001", "NEW"))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	got := f.store.Snapshot("t1")
	require.Equal(t, status.PositionPending, got.PositionStatus)
	require.Equal(t, status.OrderNew, got.OrderStatus)
	require.Equal(t, []string{trade.IssueMarketNewZeroFill}, got.SyncIssues)
	require.False(t, got.EntryPrice.IsSet())
}

func TestUnknownOrderIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.store.Seed(t, pendingLong("t1", "1001"))

	outcome, err := f.svc.HandleExecutionReport(context.Background(), report("9999", "FILLED"))
	require.NoError(t, err)
	require.Equal(t, OutcomeNotFound, outcome)
	require.Zero(t, f.store.Updates)
	require.Zero(t, f.svc.Cache().Len())
}

func TestRawResponseLookupLinksOrderID(t *testing.T) {
	f := newFixture(t)
	seed := pendingLong("t1", "")
	seed.RawResponse = `{"orderId":7770,"clientOrderId":"bot-1","status":"NEW"}`
	f.store.Seed(t, seed)

	// A different id sharing a prefix must not match.
	outcome, err := f.svc.HandleExecutionReport(context.Background(), report("777", "NEW"))
	require.NoError(t, err)
	require.Equal(t, OutcomeNotFound, outcome)

	r := report("7770", "FILLED")
	r.CumulativeQty = d("1.5")
	r.AvgPrice = d("100")
	outcome, err = f.svc.HandleExecutionReport(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	got := f.store.Snapshot("t1")
	require.Equal(t, "7770", got.ExchangeOrderID)
	require.Equal(t, status.PositionActive, got.PositionStatus)
	id, ok := f.svc.Cache().Get("7770")
	require.True(t, ok)
	require.Equal(t, "t1", id)
}

func TestStopCancellationSchedulesRecreation(t *testing.T) {
	f := newFixture(t)
	seed := activeLong("t1", "1001")
	seed.StopLossOrderID = "sl-1"
	seed.StopLossPrice = decimal.NewNullDecimal(d("95"))
	stored := f.store.Seed(t, seed)[0]

	r := report("sl-1", "CANCELED")
	r.Side = "SELL"
	r.OrderType = "STOP_MARKET"
	r.ClosePosition = true
	r.StopPrice = d("95")

	outcome, err := f.svc.HandleExecutionReport(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, OutcomeProtective, outcome)
	f.drain(t)

	got := f.store.Snapshot("t1")
	require.Equal(t, stored.OrderStatus, got.OrderStatus)
	require.Equal(t, stored.PositionStatus, got.PositionStatus)
	require.Equal(t, stored.PnLUSD, got.PnLUSD)
	require.Equal(t, "sl-2", got.StopLossOrderID)
	require.True(t, d("95").Equal(got.StopLossPrice.Decimal))
	require.False(t, got.ManualVerificationNeeded)

	require.Len(t, f.orders.placed, 1)
	req := f.orders.placed[0]
	require.Equal(t, "SELL", req.Side)
	require.True(t, req.ClosePosition)
	require.True(t, d("95").Equal(req.StopPrice))
	require.NotEmpty(t, req.ClientOrderID)
	require.Empty(t, f.notifier.all(), "protective cancellations never alert")

	id, ok := f.svc.Cache().Get("sl-2")
	require.True(t, ok)
	require.Equal(t, "t1", id)
}

func TestStopCancellationByReasonWithClosedPositionSkipsRecreation(t *testing.T) {
	f := newFixture(t)
	f.orders.size = decimal.Zero
	seed := activeLong("t1", "1001")
	seed.RawResponse = `{"orderId":1001,"stop":{"orderId":5005}}`
	f.store.Seed(t, seed)

	r := report("5005", "EXPIRED")
	r.Side = "SELL"
	r.OrderType = "STOP_MARKET"
	r.CancelReason = "GTE_MAKER_ONLY"
	r.StopPrice = d("95")
	r.Quantity = d("1.5")

	outcome, err := f.svc.HandleExecutionReport(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, OutcomeProtective, outcome)
	f.drain(t)

	require.Empty(t, f.orders.placed)
	require.Empty(t, f.store.Snapshot("t1").StopLossOrderID)
}

func TestStopRecreationFailureEscalates(t *testing.T) {
	f := newFixture(t)
	f.orders.placeErr = errs.New("binance", errs.CodeAuth, errs.WithMessage("invalid api key"))
	seed := activeLong("t1", "1001")
	seed.StopLossOrderID = "sl-1"
	seed.StopLossPrice = decimal.NewNullDecimal(d("95"))
	f.store.Seed(t, seed)

	r := report("sl-1", "CANCELED")
	r.Side = "SELL"
	r.OrderType = "STOP_MARKET"
	r.ClosePosition = true

	_, err := f.svc.HandleExecutionReport(context.Background(), r)
	require.NoError(t, err)
	f.drain(t)

	got := f.store.Snapshot("t1")
	require.True(t, got.ManualVerificationNeeded)
	require.Contains(t, got.SyncIssues, trade.IssueStopRecreateFailed)
	require.Equal(t, 1, got.SyncErrorCount)
	require.Equal(t, "sl-1", got.StopLossOrderID)
	require.Equal(t, status.PositionActive, got.PositionStatus)

	sent := f.notifier.all()
	require.Len(t, sent, 1)
	require.Equal(t, trade.IssueStopRecreateFailed, sent[0].errorType)
	require.Equal(t, true, sent[0].fields["is_protective"])
}

func TestTerminalNonFillAlertsOncePerWindow(t *testing.T) {
	f := newFixture(t)
	f.store.Seed(t, pendingLong("t1", "1001"))

	r := report("1001", "CANCELED")
	r.Quantity = d("1.5")
	r.Price = d("0")
	for i := 0; i < 3; i++ {
		_, err := f.svc.HandleExecutionReport(context.Background(), r)
		require.NoError(t, err)
	}

	got := f.store.Snapshot("t1")
	require.Equal(t, status.OrderCanceled, got.OrderStatus)
	require.Equal(t, status.PositionCancelled, got.PositionStatus)
	require.NotNil(t, got.ClosedAt)

	sent := f.notifier.all()
	require.Len(t, sent, 1)
	require.Equal(t, "CANCELED", sent[0].errorType)
	fields := sent[0].fields
	require.Equal(t, "binance", fields["exchange"])
	require.Equal(t, "BTCUSDT", fields["symbol"])
	require.Equal(t, "1001", fields["order_id"])
	require.Equal(t, "MARKET", fields["order_type"])
	require.Equal(t, "1.5", fields["requested_qty"])
	require.Equal(t, "0", fields["executed_qty"])
	require.Equal(t, false, fields["is_protective"])
}

func TestPartialEntryThenCancelKeepsPosition(t *testing.T) {
	f := newFixture(t)
	f.store.Seed(t, pendingLong("t1", "1001"))

	r := report("1001", "CANCELED")
	r.CumulativeQty = d("0.4")
	r.AvgPrice = d("101")
	outcome, err := f.svc.HandleExecutionReport(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	got := f.store.Snapshot("t1")
	require.Equal(t, status.OrderPartiallyFilled, got.OrderStatus)
	require.Equal(t, status.PositionActive, got.PositionStatus)
	require.True(t, d("0.4").Equal(got.PositionSize.Decimal()))
	require.Empty(t, f.notifier.all())
}

func TestInconsistentStoredStatusIsRepaired(t *testing.T) {
	f := newFixture(t)
	seed := activeLong("t1", "1001")
	seed.PositionStatus = status.PositionPending
	f.store.Seed(t, seed)

	r := report("1001", "FILLED")
	r.CumulativeQty = d("1.5")
	r.AvgPrice = d("100")

	outcome, err := f.svc.HandleExecutionReport(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)
	got := f.store.Snapshot("t1")
	require.True(t, status.ValidateStatusConsistency(got.OrderStatus, got.PositionStatus))
	require.Equal(t, status.PositionActive, got.PositionStatus)
}

func TestAccountUpdateRefreshesUnrealizedOnly(t *testing.T) {
	f := newFixture(t)
	seed := activeLong("t1", "1001")
	seed.PnLUSD = trade.NewTracked(d("3"), trade.SourceIncomeHistory, true)
	f.store.Seed(t, seed)
	closed := pendingLong("t2", "1002")
	closed.OrderStatus = status.OrderCanceled
	closed.PositionStatus = status.PositionCancelled
	f.store.Seed(t, closed)

	err := f.svc.HandleAccountUpdate(context.Background(), exchange.AccountUpdate{
		Exchange:  "binance",
		Balances:  []exchange.Balance{{Asset: "usdt", WalletBalance: d("1000")}},
		Positions: []exchange.PositionSnapshot{{Symbol: "BTCUSDT", Amount: d("1.5"), UnrealizedPnL: d("-4.2")}},
		EventTime: testNow,
	})
	require.NoError(t, err)

	got := f.store.Snapshot("t1")
	require.True(t, got.UnrealizedPnL.Valid)
	require.True(t, d("-4.2").Equal(got.UnrealizedPnL.Decimal))
	require.True(t, d("3").Equal(got.PnLUSD.Decimal()))
	require.False(t, f.store.Snapshot("t2").UnrealizedPnL.Valid)

	require.NoError(t, f.svc.HandleBalanceUpdate(context.Background(), exchange.BalanceUpdate{
		Balances: []exchange.Balance{{Asset: "USDT", Delta: d("-25")}},
	}))
	balances := f.svc.Balances()
	require.Len(t, balances, 1)
	require.Equal(t, "USDT", balances[0].Asset)
	require.True(t, d("975").Equal(balances[0].WalletBalance))
}

func TestOrderCacheKeepsReinsertedEntry(t *testing.T) {
	c, err := NewOrderCache(2)
	require.NoError(t, err)
	require.NoError(t, c.Put("a", "t1"))
	require.NoError(t, c.Delete("a"))
	require.NoError(t, c.Put("a", "t1"))
	require.NoError(t, c.Put("b", "t2"))

	id, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "t1", id)
	id, ok = c.Get("b")
	require.True(t, ok)
	require.Equal(t, "t2", id)
	require.Equal(t, 2, c.Len())
}

func TestOrderCacheOverwriteAndDelete(t *testing.T) {
	c, err := NewOrderCache(10)
	require.NoError(t, err)
	require.NoError(t, c.Put("a", "t1"))
	require.NoError(t, c.Put("a", "t9"))
	id, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "t9", id)
	require.Equal(t, 1, c.Len())

	require.NoError(t, c.Delete("a"))
	require.NoError(t, c.Delete("missing"))
	_, ok = c.Get("a")
	require.False(t, ok)
	require.Zero(t, c.Len())

	require.NoError(t, c.Put("", "t1"))
	require.Zero(t, c.Len())
}
