// Package exchange holds the normalised shapes every exchange adapter produces and the
// REST collaborators the sync engines consume.
package exchange

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradesync/errs"
)

// ExecutionReport is a normalised order update from the user-data stream.
type ExecutionReport struct {
	Exchange      string
	Symbol        string
	OrderID       string
	ClientOrderID string
	Status        string
	ExecutionType string
	Side          string
	PositionSide  string
	OrderType     string
	OrigType      string

	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	LastFilledQty decimal.Decimal
	CumulativeQty decimal.Decimal
	AvgPrice      decimal.Decimal
	LastPrice     decimal.Decimal
	RealizedPnL   decimal.Decimal
	Commission    decimal.Decimal

	CommissionAsset string
	ReduceOnly      bool
	ClosePosition   bool
	CancelReason    string
	TradeID         string

	EventTime       time.Time
	TransactionTime time.Time
}

// Timestamp returns the transaction time, falling back to the event time.
func (r ExecutionReport) Timestamp() time.Time {
	if !r.TransactionTime.IsZero() {
		return r.TransactionTime
	}
	return r.EventTime
}

// FillPrice returns the average fill price, falling back to the last fill price.
func (r ExecutionReport) FillPrice() decimal.Decimal {
	if r.AvgPrice.IsPositive() {
		return r.AvgPrice
	}
	return r.LastPrice
}

// Balance is one asset entry of an account or balance update.
type Balance struct {
	Asset         string
	WalletBalance decimal.Decimal
	Free          decimal.Decimal
	Locked        decimal.Decimal
	Delta         decimal.Decimal
}

// PositionSnapshot is one position entry of an account update.
type PositionSnapshot struct {
	Symbol        string
	PositionSide  string
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// AccountUpdate is a futures account snapshot event.
type AccountUpdate struct {
	Exchange  string
	Reason    string
	Balances  []Balance
	Positions []PositionSnapshot
	EventTime time.Time
}

// BalanceUpdate is a spot balance delta or account position event.
type BalanceUpdate struct {
	Exchange  string
	Balances  []Balance
	EventTime time.Time
}

// PriceTick is a normalised market data price update.
type PriceTick struct {
	Exchange  string
	Symbol    string
	Stream    string
	Price     decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Quantity  decimal.Decimal
	EventTime time.Time
}

// ErrorEvent is an error frame reported by the exchange on a stream.
type ErrorEvent struct {
	Exchange     string
	ConnectionID string
	Code         int
	Message      string
	Class        errs.Class
	ReceivedAt   time.Time
}
