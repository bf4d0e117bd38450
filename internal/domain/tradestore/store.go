// Package tradestore defines persistence contracts for trades and their income audit trail.
package tradestore

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradesync/internal/domain/trade"
)

// IncomeAudit is the raw exchange history matched to a trade by reconciliation.
type IncomeAudit struct {
	ID          string          `json:"id"`
	TradeID     string          `json:"tradeId"`
	Exchange    string          `json:"exchange"`
	Source      trade.Source    `json:"source"`
	WindowStart time.Time       `json:"windowStart"`
	WindowEnd   time.Time       `json:"windowEnd"`
	Records     json.RawMessage `json:"records"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// BackfillQuery scopes the trades reconciliation revisits.
type BackfillQuery struct {
	Exchange string   `json:"exchange,omitempty"`
	TradeIDs []string `json:"tradeIds,omitempty"`
	// Since and Until bound created_at. Zero values leave the side open.
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
	Limit int       `json:"limit,omitempty"`
}

// MentionsOrderID reports whether raw contains orderID as a whole token, so "100" does not
// match inside "1001".
func MentionsOrderID(raw, orderID string) bool {
	if orderID == "" {
		return false
	}
	for offset := 0; ; {
		idx := strings.Index(raw[offset:], orderID)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(orderID)
		if (start == 0 || !isIDRune(raw[start-1])) && (end == len(raw) || !isIDRune(raw[end])) {
			return true
		}
		offset = start + 1
	}
}

func isIDRune(b byte) bool {
	return b == '_' || b == '-' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// Tx encapsulates trade mutations executed within a single transaction.
type Tx interface {
	// GetTradeForUpdate loads a trade and locks it for the rest of the transaction.
	GetTradeForUpdate(ctx context.Context, id string) (trade.Trade, bool, error)
	// UpdateTrade writes every mutable column when the stored version equals t.Version and
	// returns the trade with its new version. A stale version yields errs.CodeConflict.
	UpdateTrade(ctx context.Context, t trade.Trade) (trade.Trade, error)
	// UpdateUnrealized refreshes the cached unrealized PnL of open trades on symbol.
	UpdateUnrealized(ctx context.Context, exchange, symbol string, pnl decimal.Decimal, at time.Time) (int64, error)
	AppendIncomeAudit(ctx context.Context, audit IncomeAudit) error
}

// Store defines the contract for trade persistence. Tx methods on the Store run in their own
// implicit transaction.
type Store interface {
	Tx
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error

	InsertTrade(ctx context.Context, t trade.Trade) (trade.Trade, error)
	GetTrade(ctx context.Context, id string) (trade.Trade, bool, error)
	// FindByOrderID matches the main order id or the protective stop reference.
	FindByOrderID(ctx context.Context, exchange, orderID string) (trade.Trade, bool, error)
	// SearchRawResponse finds the newest trade created since the cutoff whose raw placement
	// response contains orderID.
	SearchRawResponse(ctx context.Context, exchange, orderID string, since time.Time) (trade.Trade, bool, error)
	// LinkOrderID sets exchange_order_id on a trade that has none.
	LinkOrderID(ctx context.Context, tradeID, orderID string) error
	// ListBackfillCandidates returns trades matching trade.Trade.NeedsBackfill, or the
	// explicitly requested trades regardless of state, oldest first.
	ListBackfillCandidates(ctx context.Context, query BackfillQuery) ([]trade.Trade, error)
	ListIncomeAudit(ctx context.Context, tradeID string) ([]IncomeAudit, error)
	Close() error
}
