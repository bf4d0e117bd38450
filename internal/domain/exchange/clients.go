package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IncomeType classifies income history records.
type IncomeType string

const (
	IncomeRealizedPnL IncomeType = "REALIZED_PNL"
	IncomeCommission  IncomeType = "COMMISSION"
	IncomeFundingFee  IncomeType = "FUNDING_FEE"
)

// IncomeRecord is one entry of the exchange income history.
type IncomeRecord struct {
	ID      string          `json:"id"`
	Symbol  string          `json:"symbol"`
	Type    IncomeType      `json:"incomeType"`
	Amount  decimal.Decimal `json:"income"`
	Asset   string          `json:"asset"`
	TradeID string          `json:"tradeId,omitempty"`
	Info    string          `json:"info,omitempty"`
	Time    time.Time       `json:"time"`
}

// PositionRecord is a closed position reconstructed from exchange history.
type PositionRecord struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	PositionType string          `json:"positionType"`
	OrderID      string          `json:"orderId,omitempty"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	ExitPrice    decimal.Decimal `json:"exitPrice"`
	Size         decimal.Decimal `json:"size"`
	RealizedPnL  decimal.Decimal `json:"realizedPnl"`
	Commission   decimal.Decimal `json:"commission"`
	OpenedAt     time.Time       `json:"openedAt"`
	ClosedAt     time.Time       `json:"closedAt"`
}

// HistoryClient queries time-bounded exchange history. Callers keep each window within the
// exchange maximum span; implementations paginate inside the window.
type HistoryClient interface {
	IncomeHistory(ctx context.Context, symbol string, start, end time.Time) ([]IncomeRecord, error)
	PositionHistory(ctx context.Context, symbol string, start, end time.Time) ([]PositionRecord, error)
}

// StopOrderRequest describes a protective stop to (re)create.
type StopOrderRequest struct {
	Symbol        string
	Side          string
	PositionSide  string
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	ClosePosition bool
	ReduceOnly    bool
	ClientOrderID string
}

// StopOrderResult is the exchange acknowledgement of a stop order.
type StopOrderResult struct {
	OrderID       string
	ClientOrderID string
	Status        string
	RawResponse   string
}

// OrderClient exposes the live position and protective order operations used by recovery.
type OrderClient interface {
	PositionSize(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceStopOrder(ctx context.Context, req StopOrderRequest) (StopOrderResult, error)
}
