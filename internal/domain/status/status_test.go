package status

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	orders    = []OrderStatus{OrderNew, OrderPartiallyFilled, OrderFilled, OrderCanceled, OrderRejected, OrderExpired}
	positions = []PositionStatus{PositionPending, PositionActive, PositionClosed, PositionCancelled, PositionFailed}
)

func TestMapExchangeToInternal(t *testing.T) {
	open := decimal.RequireFromString("1.5")
	flat := decimal.Zero
	cases := []struct {
		raw      string
		size     decimal.Decimal
		order    OrderStatus
		position PositionStatus
	}{
		{"FILLED", open, OrderFilled, PositionActive},
		{"filled", flat, OrderFilled, PositionClosed},
		{" PARTIALLY_FILLED ", open, OrderPartiallyFilled, PositionActive},
		{"PARTIALLY_FILLED", flat, OrderPartiallyFilled, PositionPending},
		{"CANCELED", open, OrderCanceled, PositionCancelled},
		{"CANCELLED", flat, OrderCanceled, PositionCancelled},
		{"EXPIRED", flat, OrderExpired, PositionCancelled},
		{"REJECTED", flat, OrderRejected, PositionFailed},
		{"NEW", open, OrderNew, PositionPending},
		{"", open, OrderNew, PositionPending},
		{"SOMETHING_ELSE", open, OrderNew, PositionPending},
		{"FILLED", decimal.RequireFromString("-2"), OrderFilled, PositionActive},
	}
	for _, tc := range cases {
		order, position := MapExchangeToInternal(tc.raw, tc.size)
		require.Equal(t, tc.order, order, tc.raw)
		require.Equal(t, tc.position, position, tc.raw)
	}
}

func TestMappedPairsAreAlwaysConsistent(t *testing.T) {
	raws := []string{"", "NEW", "PARTIALLY_FILLED", "FILLED", "CANCELED", "CANCELLED", "REJECTED", "EXPIRED", "NEW_ADL", "garbage"}
	sizes := []decimal.Decimal{decimal.Zero, decimal.RequireFromString("0.001"), decimal.RequireFromString("-3")}
	for _, raw := range raws {
		for _, size := range sizes {
			order, position := MapExchangeToInternal(raw, size)
			require.True(t, ValidateStatusConsistency(order, position), "%s/%s -> %s/%s", raw, size, order, position)
		}
	}
}

func TestValidateStatusConsistencyTable(t *testing.T) {
	require.True(t, ValidateStatusConsistency(OrderNew, PositionPending))
	require.False(t, ValidateStatusConsistency(OrderNew, PositionActive))
	require.True(t, ValidateStatusConsistency(OrderFilled, PositionClosed))
	require.False(t, ValidateStatusConsistency(OrderFilled, PositionPending))
	require.True(t, ValidateStatusConsistency("CANCELLED", PositionCancelled))
	require.True(t, ValidateStatusConsistency("FAILED", PositionFailed))
	require.True(t, ValidateStatusConsistency(OrderExpired, PositionCancelled))
	require.False(t, ValidateStatusConsistency(OrderExpired, PositionFailed))
}

func TestFixInconsistentStatusRepairs(t *testing.T) {
	cases := []struct {
		order    OrderStatus
		position PositionStatus
		want     PositionStatus
	}{
		{OrderFilled, PositionPending, PositionActive},
		{OrderCanceled, PositionActive, PositionCancelled},
		{OrderRejected, PositionActive, PositionFailed},
		{OrderNew, PositionClosed, PositionPending},
	}
	for _, tc := range cases {
		order, position, repaired := FixInconsistentStatus(tc.order, tc.position)
		require.True(t, repaired)
		require.Equal(t, tc.order, order)
		require.Equal(t, tc.want, position)
	}

	order, position, repaired := FixInconsistentStatus(OrderExpired, PositionFailed)
	require.False(t, repaired)
	require.Equal(t, OrderExpired, order)
	require.Equal(t, PositionFailed, position)
}

func TestFixInconsistentStatusIsIdempotent(t *testing.T) {
	for _, o := range orders {
		for _, p := range positions {
			o1, p1, _ := FixInconsistentStatus(o, p)
			o2, p2, _ := FixInconsistentStatus(o1, p1)
			require.Equal(t, o1, o2)
			require.Equal(t, p1, p2)
		}
	}
}

func TestReconcileFallsBackToPending(t *testing.T) {
	res := Reconcile(OrderFilled, PositionPending, OrderNew)
	require.True(t, res.Repaired)
	require.Equal(t, PositionActive, res.Position)

	res = Reconcile(OrderExpired, PositionFailed, OrderPartiallyFilled)
	require.True(t, res.Flagged)
	require.False(t, res.Repaired)
	require.Equal(t, OrderPartiallyFilled, res.Order)
	require.Equal(t, PositionPending, res.Position)

	res = Resolve("FILLED", decimal.RequireFromString("1"), OrderNew)
	require.False(t, res.Repaired)
	require.False(t, res.Flagged)
	require.Equal(t, PositionActive, res.Position)
}

func TestTerminalHelpers(t *testing.T) {
	require.True(t, IsTerminalPosition(PositionClosed))
	require.True(t, IsTerminalPosition(PositionCancelled))
	require.True(t, IsTerminalPosition(PositionFailed))
	require.False(t, IsTerminalPosition(PositionActive))
	require.True(t, IsNonFill(OrderExpired))
	require.False(t, IsNonFill(OrderFilled))
	require.True(t, IsTerminalOrder(OrderFilled))
	require.False(t, IsTerminalOrder(OrderPartiallyFilled))
}
