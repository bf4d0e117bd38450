// Package tradestoretest provides an in-memory tradestore.Store for tests.
package tradestoretest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/domain/trade"
	"github.com/coachpo/tradesync/internal/domain/tradestore"
)

// Memory is a goroutine-safe tradestore.Store. Transactions are serialised and applied
// atomically on success.
type Memory struct {
	txMu sync.Mutex

	mu     sync.Mutex
	trades map[string]trade.Trade
	audits []tradestore.IncomeAudit
	now    func() time.Time

	// Updates counts committed UpdateTrade calls.
	Updates int
}

var _ tradestore.Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{trades: make(map[string]trade.Trade), now: time.Now}
}

// SetClock overrides the time source used for created_at defaults.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Seed inserts trades as-is, failing the test on error.
func (m *Memory) Seed(t interface{ Fatalf(string, ...any) }, trades ...trade.Trade) []trade.Trade {
	out := make([]trade.Trade, 0, len(trades))
	for _, tr := range trades {
		stored, err := m.InsertTrade(context.Background(), tr)
		if err != nil {
			t.Fatalf("seed trade %s: %v", tr.ID, err)
		}
		out = append(out, stored)
	}
	return out
}

// Snapshot returns a copy of the stored trade.
func (m *Memory) Snapshot(id string) trade.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.trades[id]
	return *t.Clone()
}

func notFound(id string) error {
	return errs.New("tradestore", errs.CodeNotFound, errs.WithMessage("trade "+id+" not found"))
}

// view is the mutable state a transaction works on.
type view struct {
	trades  map[string]trade.Trade
	dirty   map[string]struct{}
	audits  []tradestore.IncomeAudit
	updates int
}

func (v *view) get(id string) (trade.Trade, bool) {
	t, ok := v.trades[id]
	if !ok {
		return trade.Trade{}, false
	}
	return *t.Clone(), true
}

func (v *view) update(t trade.Trade) (trade.Trade, error) {
	stored, ok := v.trades[t.ID]
	if !ok {
		return trade.Trade{}, notFound(t.ID)
	}
	if stored.Version != t.Version {
		return trade.Trade{}, errs.New("tradestore", errs.CodeConflict,
			errs.WithMessage("stale trade version"), errs.WithField("trade_id", t.ID))
	}
	next := *t.Clone()
	next.CreatedAt = stored.CreatedAt
	next.Version = stored.Version + 1
	v.trades[t.ID] = next
	v.dirty[t.ID] = struct{}{}
	v.updates++
	return *next.Clone(), nil
}

func (v *view) updateUnrealized(exchange, symbol string, pnl decimal.Decimal) int64 {
	var n int64
	for id, t := range v.trades {
		if !strings.EqualFold(t.Exchange, exchange) || !strings.EqualFold(t.Symbol, symbol) || !t.IsOpen() {
			continue
		}
		t.UnrealizedPnL = decimal.NewNullDecimal(pnl)
		v.trades[id] = t
		v.dirty[id] = struct{}{}
		n++
	}
	return n
}

type memTx struct {
	v *view
}

func (tx memTx) GetTradeForUpdate(_ context.Context, id string) (trade.Trade, bool, error) {
	t, ok := tx.v.get(id)
	return t, ok, nil
}

func (tx memTx) UpdateTrade(_ context.Context, t trade.Trade) (trade.Trade, error) {
	return tx.v.update(t)
}

func (tx memTx) UpdateUnrealized(_ context.Context, exchange, symbol string, pnl decimal.Decimal, _ time.Time) (int64, error) {
	return tx.v.updateUnrealized(exchange, symbol, pnl), nil
}

func (tx memTx) AppendIncomeAudit(_ context.Context, audit tradestore.IncomeAudit) error {
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	tx.v.audits = append(tx.v.audits, audit)
	return nil
}

// WithTransaction runs fn against a private copy and publishes it when fn succeeds.
func (m *Memory) WithTransaction(ctx context.Context, fn func(context.Context, tradestore.Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	v := &view{trades: make(map[string]trade.Trade, len(m.trades)), dirty: make(map[string]struct{})}
	for id, t := range m.trades {
		v.trades[id] = *t.Clone()
	}
	m.mu.Unlock()

	if err := fn(ctx, memTx{v: v}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range v.dirty {
		m.trades[id] = v.trades[id]
	}
	m.audits = append(m.audits, v.audits...)
	m.Updates += v.updates
	return nil
}

func (m *Memory) single(ctx context.Context, fn func(memTx) error) error {
	return m.WithTransaction(ctx, func(_ context.Context, tx tradestore.Tx) error {
		return fn(tx.(memTx))
	})
}

// GetTradeForUpdate implements tradestore.Tx outside a transaction.
func (m *Memory) GetTradeForUpdate(ctx context.Context, id string) (trade.Trade, bool, error) {
	return m.GetTrade(ctx, id)
}

// UpdateTrade implements tradestore.Tx outside a transaction.
func (m *Memory) UpdateTrade(ctx context.Context, t trade.Trade) (trade.Trade, error) {
	var out trade.Trade
	err := m.single(ctx, func(tx memTx) error {
		var err error
		out, err = tx.UpdateTrade(ctx, t)
		return err
	})
	return out, err
}

// UpdateUnrealized implements tradestore.Tx outside a transaction.
func (m *Memory) UpdateUnrealized(ctx context.Context, exchange, symbol string, pnl decimal.Decimal, at time.Time) (int64, error) {
	var n int64
	err := m.single(ctx, func(tx memTx) error {
		var err error
		n, err = tx.UpdateUnrealized(ctx, exchange, symbol, pnl, at)
		return err
	})
	return n, err
}

// AppendIncomeAudit implements tradestore.Tx outside a transaction.
func (m *Memory) AppendIncomeAudit(ctx context.Context, audit tradestore.IncomeAudit) error {
	return m.single(ctx, func(tx memTx) error {
		return tx.AppendIncomeAudit(ctx, audit)
	})
}

// InsertTrade stores t with version 1.
func (m *Memory) InsertTrade(_ context.Context, t trade.Trade) (trade.Trade, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := m.trades[t.ID]; exists {
		return trade.Trade{}, errs.New("tradestore", errs.CodeConflict, errs.WithMessage("trade "+t.ID+" exists"))
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	t.Version = 1
	m.trades[t.ID] = *t.Clone()
	return t, nil
}

// GetTrade returns the stored trade.
func (m *Memory) GetTrade(_ context.Context, id string) (trade.Trade, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return trade.Trade{}, false, nil
	}
	return *t.Clone(), true, nil
}

// FindByOrderID matches the main or protective order id.
func (m *Memory) FindByOrderID(_ context.Context, exchange, orderID string) (trade.Trade, bool, error) {
	if orderID == "" {
		return trade.Trade{}, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.sortedLocked() {
		if !strings.EqualFold(t.Exchange, exchange) {
			continue
		}
		if t.ExchangeOrderID == orderID || t.StopLossOrderID == orderID {
			return *t.Clone(), true, nil
		}
	}
	return trade.Trade{}, false, nil
}

// SearchRawResponse returns the newest trade since the cutoff whose raw response mentions orderID.
func (m *Memory) SearchRawResponse(_ context.Context, exchange, orderID string, since time.Time) (trade.Trade, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedLocked()
	for i := len(sorted) - 1; i >= 0; i-- {
		t := sorted[i]
		if !strings.EqualFold(t.Exchange, exchange) || t.CreatedAt.Before(since) {
			continue
		}
		if tradestore.MentionsOrderID(t.RawResponse, orderID) {
			return *t.Clone(), true, nil
		}
	}
	return trade.Trade{}, false, nil
}

// LinkOrderID sets the main order id when it is empty.
func (m *Memory) LinkOrderID(_ context.Context, tradeID, orderID string) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[tradeID]
	if !ok {
		return notFound(tradeID)
	}
	if t.ExchangeOrderID != "" {
		return nil
	}
	t.ExchangeOrderID = orderID
	t.Version++
	m.trades[tradeID] = t
	return nil
}

// ListBackfillCandidates mirrors the SQL backends.
func (m *Memory) ListBackfillCandidates(_ context.Context, q tradestore.BackfillQuery) ([]trade.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]struct{}, len(q.TradeIDs))
	for _, id := range q.TradeIDs {
		wanted[id] = struct{}{}
	}
	var out []trade.Trade
	for _, t := range m.sortedLocked() {
		if q.Exchange != "" && !strings.EqualFold(t.Exchange, q.Exchange) {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[t.ID]; !ok {
				continue
			}
		} else {
			if !t.NeedsBackfill() {
				continue
			}
			if !q.Since.IsZero() && t.CreatedAt.Before(q.Since) {
				continue
			}
			if !q.Until.IsZero() && !t.CreatedAt.Before(q.Until) {
				continue
			}
		}
		out = append(out, *t.Clone())
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// ListIncomeAudit returns audit records for tradeID in insertion order.
func (m *Memory) ListIncomeAudit(_ context.Context, tradeID string) ([]tradestore.IncomeAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tradestore.IncomeAudit
	for _, a := range m.audits {
		if a.TradeID == tradeID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Close implements tradestore.Store.
func (m *Memory) Close() error { return nil }

func (m *Memory) sortedLocked() []trade.Trade {
	out := make([]trade.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
