package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradesync/internal/domain/trade"
	"github.com/coachpo/tradesync/internal/domain/tradestore"
)

func TestNilPoolIsRejected(t *testing.T) {
	store := NewTradeStore(nil)
	ctx := context.Background()

	_, _, err := store.GetTrade(ctx, "t1")
	require.ErrorContains(t, err, "nil pool")
	err = store.WithTransaction(ctx, func(context.Context, tradestore.Tx) error { return nil })
	require.ErrorContains(t, err, "nil pool")
	require.NoError(t, store.Close())
}

func TestConnectRequiresDSN(t *testing.T) {
	_, err := Connect(context.Background(), " ", PoolOptions{})
	require.ErrorContains(t, err, "dsn required")
}

func TestDecimalFromText(t *testing.T) {
	got, err := decimalFromText(pgtype.Text{String: "101.250000000000000000", Valid: true})
	require.NoError(t, err)
	require.True(t, got.Valid)
	require.True(t, decimal.RequireFromString("101.25").Equal(got.Decimal))

	got, err = decimalFromText(pgtype.Text{})
	require.NoError(t, err)
	require.False(t, got.Valid)

	_, err = decimalFromText(pgtype.Text{String: "abc", Valid: true})
	require.Error(t, err)
}

func TestTradeArgsCoverTrackedColumns(t *testing.T) {
	tr := trade.Trade{
		ID:         "t1",
		Exchange:   " binance ",
		EntryPrice: trade.NewTracked(decimal.RequireFromString("100"), trade.SourceWebsocket, true),
	}
	tr.RecordExit("x1", decimal.RequireFromString("1"), decimal.RequireFromString("1"),
		decimal.RequireFromString("110"), decimal.RequireFromString("10"))
	args, err := tradeArgs(tr)
	require.NoError(t, err)
	require.Equal(t, "binance", args["exchange"])
	entry, ok := args["entry_price"].(pgtype.Numeric)
	require.True(t, ok)
	require.True(t, entry.Valid)
	require.Equal(t, "websocket", args["entry_price_source"])
	require.Equal(t, true, args["entry_price_verified"])
	require.False(t, args["exit_price"].(pgtype.Numeric).Valid)
	require.Nil(t, args["exchange_order_id"])
	require.Equal(t, []string{}, args["sync_issues"])
	require.Contains(t, args["exit_fills"], `"orderId":"x1"`)

	bare, err := tradeArgs(trade.Trade{ID: "t2"})
	require.NoError(t, err)
	require.Equal(t, "[]", bare["exit_fills"])
	for name := range trackedFields(&tr) {
		require.Contains(t, args, name+"_source")
	}
}

func TestClampLimit(t *testing.T) {
	require.Equal(t, 200, clampLimit(0, 200, 5000))
	require.Equal(t, 5000, clampLimit(9000, 200, 5000))
	require.Equal(t, 10, clampLimit(10, 200, 5000))
}
