package tradestoretest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/domain/status"
	"github.com/coachpo/tradesync/internal/domain/trade"
	"github.com/coachpo/tradesync/internal/domain/tradestore"
)

var contractNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// RunContract exercises the behaviour every tradestore.Store backend shares. newStore must
// return an empty store for each subtest.
func RunContract(t *testing.T, newStore func(t *testing.T) tradestore.Store) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(*testing.T, tradestore.Store)
	}{
		{"InsertAndGet", contractInsertAndGet},
		{"OptimisticUpdate", contractOptimisticUpdate},
		{"FindByOrderID", contractFindByOrderID},
		{"SearchRawResponse", contractSearchRawResponse},
		{"LinkOrderID", contractLinkOrderID},
		{"UpdateUnrealized", contractUpdateUnrealized},
		{"BackfillCandidates", contractBackfillCandidates},
		{"BackfillSelectsUnsettledTrades", contractBackfillSelectsUnsettledTrades},
		{"ExitFillsRoundTrip", contractExitFillsRoundTrip},
		{"TransactionAtomicity", contractTransactionAtomicity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// OpenTrade builds an active long trade created at created.
func OpenTrade(id string, created time.Time) trade.Trade {
	return trade.Trade{
		ID:              id,
		Exchange:        "binance",
		Symbol:          "BTCUSDT",
		ExchangeOrderID: "o-" + id,
		PositionType:    trade.Long,
		OrderType:       "MARKET",
		EntryPrice:      trade.NewTracked(dec("100"), trade.SourceWebsocket, true),
		PositionSize:    trade.NewTracked(dec("2"), trade.SourceWebsocket, true),
		OrderStatus:     status.OrderFilled,
		PositionStatus:  status.PositionActive,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

// ClosedTrade builds a closed long trade with an estimated PnL.
func ClosedTrade(id string, created, closed time.Time) trade.Trade {
	t := OpenTrade(id, created)
	t.ExitPrice = trade.NewTracked(dec("110"), trade.SourceWebsocket, true)
	t.PnLUSD = trade.NewTracked(dec("20"), trade.SourceEstimate, false)
	t.PositionStatus = status.PositionClosed
	t.ClosedAt = &closed
	t.UpdatedAt = closed
	return t
}

func contractInsertAndGet(t *testing.T, store tradestore.Store) {
	ctx := context.Background()
	in := ClosedTrade("t1", contractNow.Add(-2*time.Hour), contractNow.Add(-time.Hour))
	in.SyncIssues = []string{trade.IssuePnLOutOfRange}
	in.ManualVerificationNeeded = true
	in.StopLossOrderID = "sl-1"
	in.StopLossPrice = decimal.NewNullDecimal(dec("95.5"))
	in.RawResponse = `{"orderId":4242}`

	stored, err := store.InsertTrade(ctx, in)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Version)

	got, ok, err := store.GetTrade(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "BTCUSDT", got.Symbol)
	require.Equal(t, trade.Long, got.PositionType)
	require.True(t, dec("100").Equal(got.EntryPrice.Decimal()))
	require.Equal(t, trade.SourceWebsocket, got.EntryPrice.Source)
	require.True(t, got.EntryPrice.Verified)
	require.True(t, dec("20").Equal(got.PnLUSD.Decimal()))
	require.False(t, got.PnLUSD.Verified)
	require.False(t, got.Commission.IsSet())
	require.Equal(t, status.PositionClosed, got.PositionStatus)
	require.NotNil(t, got.ClosedAt)
	require.True(t, contractNow.Add(-time.Hour).Equal(*got.ClosedAt))
	require.True(t, in.CreatedAt.Equal(got.CreatedAt))
	require.Equal(t, []string{trade.IssuePnLOutOfRange}, got.SyncIssues)
	require.True(t, got.ManualVerificationNeeded)
	require.Equal(t, "sl-1", got.StopLossOrderID)
	require.True(t, dec("95.5").Equal(got.StopLossPrice.Decimal))
	require.Equal(t, `{"orderId":4242}`, got.RawResponse)
	require.Equal(t, int64(1), got.Version)

	_, ok, err = store.GetTrade(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func contractOptimisticUpdate(t *testing.T, store tradestore.Store) {
	ctx := context.Background()
	stored, err := store.InsertTrade(ctx, OpenTrade("t1", contractNow))
	require.NoError(t, err)

	next := stored
	next.SetPositionStatus(status.PositionClosed, contractNow.Add(time.Hour))
	next.ExitPrice = trade.NewTracked(dec("105"), trade.SourceOrderResponse, true)
	updated, err := store.UpdateTrade(ctx, next)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)
	require.True(t, dec("105").Equal(updated.ExitPrice.Decimal()))

	_, err = store.UpdateTrade(ctx, next)
	require.Equal(t, errs.CodeConflict, errs.CodeOf(err))

	ghost := OpenTrade("ghost", contractNow)
	ghost.Version = 1
	_, err = store.UpdateTrade(ctx, ghost)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func contractFindByOrderID(t *testing.T, store tradestore.Store) {
	ctx := context.Background()
	tr := OpenTrade("t1", contractNow)
	tr.StopLossOrderID = "sl-9"
	_, err := store.InsertTrade(ctx, tr)
	require.NoError(t, err)

	got, ok, err := store.FindByOrderID(ctx, "binance", "o-t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", got.ID)

	got, ok, err = store.FindByOrderID(ctx, "BINANCE", "sl-9")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", got.ID)

	_, ok, err = store.FindByOrderID(ctx, "binance", "")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = store.FindByOrderID(ctx, "okx", "o-t1")
	require.NoError(t, err)
	require.False(t, ok)
}

func contractSearchRawResponse(t *testing.T, store tradestore.Store) {
	ctx := context.Background()
	old := OpenTrade("old", contractNow.Add(-48*time.Hour))
	old.ExchangeOrderID = ""
	old.RawResponse = `{"orderId":1001}`
	recent := OpenTrade("recent", contractNow)
	recent.ExchangeOrderID = ""
	recent.RawResponse = `{"orderId":1001,"clientOrderId":"web_1"}`
	for _, tr := range []trade.Trade{old, recent} {
		_, err := store.InsertTrade(ctx, tr)
		require.NoError(t, err)
	}

	got, ok, err := store.SearchRawResponse(ctx, "binance", "1001", contractNow.Add(-72*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "recent", got.ID)

	_, ok, err = store.SearchRawResponse(ctx, "binance", "100", contractNow.Add(-72*time.Hour))
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = store.SearchRawResponse(ctx, "binance", "1001", contractNow.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)
}

func contractLinkOrderID(t *testing.T, store tradestore.Store) {
	ctx := context.Background()
	tr := OpenTrade("t1", contractNow)
	tr.ExchangeOrderID = ""
	_, err := store.InsertTrade(ctx, tr)
	require.NoError(t, err)

	require.NoError(t, store.LinkOrderID(ctx, "t1", "555"))
	require.NoError(t, store.LinkOrderID(ctx, "t1", "666"))
	got, _, err := store.GetTrade(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "555", got.ExchangeOrderID)
	require.Equal(t, int64(2), got.Version)

	err = store.LinkOrderID(ctx, "missing", "777")
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func contractUpdateUnrealized(t *testing.T, store tradestore.Store) {
	ctx := context.Background()
	trades := []trade.Trade{
		OpenTrade("a", contractNow),
		OpenTrade("b", contractNow.Add(time.Minute)),
		ClosedTrade("c", contractNow.Add(-time.Hour), contractNow),
	}
	other := OpenTrade("d", contractNow)
	other.Symbol = "ETHUSDT"
	trades = append(trades, other)
	for _, tr := range trades {
		_, err := store.InsertTrade(ctx, tr)
		require.NoError(t, err)
	}

	n, err := store.UpdateUnrealized(ctx, "binance", "btcusdt", dec("-12.5"), contractNow)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	got, _, err := store.GetTrade(ctx, "a")
	require.NoError(t, err)
	require.True(t, dec("-12.5").Equal(got.UnrealizedPnL.Decimal))
	require.Equal(t, int64(1), got.Version)

	closed, _, err := store.GetTrade(ctx, "c")
	require.NoError(t, err)
	require.False(t, closed.UnrealizedPnL.Valid)
}

func contractBackfillCandidates(t *testing.T, store tradestore.Store) {
	ctx := context.Background()
	verified := ClosedTrade("verified", contractNow.Add(-3*time.Hour), contractNow)
	verified.PnLUSD = trade.NewTracked(dec("20"), trade.SourceIncomeHistory, true)
	verified.NetPnL = trade.NewTracked(dec("19.5"), trade.SourceIncomeHistory, true)
	trades := []trade.Trade{
		ClosedTrade("early", contractNow.Add(-5*time.Hour), contractNow),
		ClosedTrade("late", contractNow.Add(-time.Hour), contractNow),
		verified,
		OpenTrade("open", contractNow.Add(-2*time.Hour)),
	}
	for _, tr := range trades {
		_, err := store.InsertTrade(ctx, tr)
		require.NoError(t, err)
	}

	got, err := store.ListBackfillCandidates(ctx, tradestore.BackfillQuery{Exchange: "binance"})
	require.NoError(t, err)
	require.Equal(t, []string{"early", "late"}, tradeIDs(got))

	got, err = store.ListBackfillCandidates(ctx, tradestore.BackfillQuery{Since: contractNow.Add(-4 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, []string{"late"}, tradeIDs(got))

	got, err = store.ListBackfillCandidates(ctx, tradestore.BackfillQuery{Until: contractNow.Add(-time.Hour)})
	require.NoError(t, err)
	require.Equal(t, []string{"early"}, tradeIDs(got))

	got, err = store.ListBackfillCandidates(ctx, tradestore.BackfillQuery{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"early"}, tradeIDs(got))

	got, err = store.ListBackfillCandidates(ctx, tradestore.BackfillQuery{TradeIDs: []string{"open", "verified"}})
	require.NoError(t, err)
	require.Equal(t, []string{"verified", "open"}, tradeIDs(got))
}

func contractBackfillSelectsUnsettledTrades(t *testing.T, store tradestore.Store) {
	ctx := context.Background()
	streamed := ClosedTrade("streamed", contractNow.Add(-4*time.Hour), contractNow)
	streamed.PnLUSD = trade.NewTracked(dec("20"), trade.SourceWebsocket, true)

	settled := ClosedTrade("settled", contractNow.Add(-3*time.Hour), contractNow)
	settled.PnLUSD = trade.NewTracked(dec("20"), trade.SourceIncomeHistory, true)
	settled.NetPnL = trade.NewTracked(dec("19.5"), trade.SourceIncomeHistory, true)

	unfilled := OpenTrade("unfilled", contractNow.Add(-2*time.Hour))
	unfilled.EntryPrice = trade.Tracked{}
	unfilled.PositionSize = trade.NewTracked(dec("2"), trade.SourceSignal, false)
	unfilled.OrderStatus = status.OrderCanceled
	unfilled.SetPositionStatus(status.PositionCancelled, contractNow.Add(-2*time.Hour))

	zeroed := OpenTrade("zeroed", contractNow.Add(-90*time.Minute))
	zeroed.PositionSize = trade.NewTracked(decimal.Zero, trade.SourceWebsocket, true)
	zeroed.OrderStatus = status.OrderRejected
	zeroed.SetPositionStatus(status.PositionFailed, contractNow.Add(-90*time.Minute))

	partial := OpenTrade("partial", contractNow.Add(-time.Hour))
	partial.PositionSize = trade.NewTracked(dec("0.5"), trade.SourceWebsocket, true)
	partial.OrderStatus = status.OrderCanceled
	partial.SetPositionStatus(status.PositionCancelled, contractNow.Add(-time.Hour))

	for _, tr := range []trade.Trade{streamed, settled, unfilled, zeroed, partial} {
		_, err := store.InsertTrade(ctx, tr)
		require.NoError(t, err)
	}

	got, err := store.ListBackfillCandidates(ctx, tradestore.BackfillQuery{})
	require.NoError(t, err)
	require.Equal(t, []string{"streamed", "partial"}, tradeIDs(got))
}

func contractExitFillsRoundTrip(t *testing.T, store tradestore.Store) {
	ctx := context.Background()
	in := OpenTrade("t1", contractNow)
	in.RecordExit("x1", dec("1"), dec("1"), dec("110"), dec("10"))
	stored, err := store.InsertTrade(ctx, in)
	require.NoError(t, err)

	next := stored
	next.RecordExit("x2", dec("1"), dec("0.4"), dec("120"), dec("20"))
	_, err = store.UpdateTrade(ctx, next)
	require.NoError(t, err)

	got, ok, err := store.GetTrade(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.Exits, 2)
	require.Equal(t, "x1", got.Exits[0].OrderID)
	require.True(t, dec("110").Equal(got.Exits[0].AvgPrice))
	require.False(t, got.Exits[0].Gap)
	require.Equal(t, "x2", got.Exits[1].OrderID)
	require.True(t, got.Exits[1].Gap)
	require.True(t, dec("2").Equal(got.ExitedQty()))
	require.True(t, dec("30").Equal(got.ExitPnL()))

	plain, err := store.InsertTrade(ctx, OpenTrade("t2", contractNow))
	require.NoError(t, err)
	require.Empty(t, plain.Exits)
}

func contractTransactionAtomicity(t *testing.T, store tradestore.Store) {
	ctx := context.Background()
	_, err := store.InsertTrade(ctx, ClosedTrade("t1", contractNow.Add(-time.Hour), contractNow))
	require.NoError(t, err)

	audit := tradestore.IncomeAudit{
		ID:          "a1",
		TradeID:     "t1",
		Exchange:    "binance",
		Source:      trade.SourceIncomeHistory,
		WindowStart: contractNow.Add(-2 * time.Hour),
		WindowEnd:   contractNow,
		Records:     []byte(`{"income":[{"id":"i1","amount":"19"}]}`),
		CreatedAt:   contractNow,
	}
	mutate := func(ctx context.Context, tx tradestore.Tx) error {
		tr, ok, err := tx.GetTradeForUpdate(ctx, "t1")
		if err != nil || !ok {
			return errors.Join(err, errors.New("trade missing"))
		}
		tr.PnLUSD = trade.NewTracked(dec("19"), trade.SourceIncomeHistory, true)
		if _, err := tx.UpdateTrade(ctx, tr); err != nil {
			return err
		}
		return tx.AppendIncomeAudit(ctx, audit)
	}

	boom := errors.New("boom")
	err = store.WithTransaction(ctx, func(ctx context.Context, tx tradestore.Tx) error {
		if err := mutate(ctx, tx); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	got, _, err := store.GetTrade(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)
	audits, err := store.ListIncomeAudit(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, audits)

	require.NoError(t, store.WithTransaction(ctx, mutate))
	got, _, err = store.GetTrade(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.True(t, got.PnLUSD.Verified)
	audits, err = store.ListIncomeAudit(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	require.Equal(t, trade.SourceIncomeHistory, audits[0].Source)
	require.JSONEq(t, string(audit.Records), string(audits[0].Records))
	require.True(t, audit.WindowStart.Equal(audits[0].WindowStart))
}

func tradeIDs(trades []trade.Trade) []string {
	out := make([]string, 0, len(trades))
	for _, t := range trades {
		out = append(out, t.ID)
	}
	return out
}
