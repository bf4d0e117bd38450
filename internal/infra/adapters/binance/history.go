package binance

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradesync/internal/domain/exchange"
)

// maxPages bounds pagination inside one window.
const maxPages = 50

// IncomeHistory pages through /fapi/v1/income for symbol within [start, end).
func (c *Client) IncomeHistory(ctx context.Context, symbol string, start, end time.Time) ([]exchange.IncomeRecord, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	seen := make(map[string]struct{})
	var out []exchange.IncomeRecord
	cursor := toMillis(start)
	last := toMillis(end) - 1
	for page := 0; page < maxPages && cursor <= last; page++ {
		from := cursor
		rows, err := call(c, "income history", func() ([]*futures.IncomeHistory, error) {
			return c.futures.NewGetIncomeHistoryService().
				Symbol(symbol).
				StartTime(from).
				EndTime(last).
				Limit(int64(c.cfg.PageLimit)).
				Do(ctx, c.recvWindow())
		})
		if err != nil {
			return nil, err
		}
		added := 0
		for _, row := range rows {
			if row == nil {
				continue
			}
			rec, ok := incomeRecord(row)
			if !ok {
				continue
			}
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			out = append(out, rec)
			added++
			if row.Time > cursor {
				cursor = row.Time
			}
		}
		if len(rows) < c.cfg.PageLimit || added == 0 {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func incomeRecord(row *futures.IncomeHistory) (exchange.IncomeRecord, bool) {
	amount, err := decimal.NewFromString(strings.TrimSpace(row.Income))
	if err != nil {
		return exchange.IncomeRecord{}, false
	}
	kind := strings.ToUpper(strings.TrimSpace(row.IncomeType))
	return exchange.IncomeRecord{
		ID:      strconv.FormatInt(row.TranID, 10) + "-" + kind,
		Symbol:  strings.ToUpper(row.Symbol),
		Type:    exchange.IncomeType(kind),
		Amount:  amount,
		Asset:   row.Asset,
		TradeID: row.TradeID,
		Info:    row.Info,
		Time:    fromMillis(row.Time),
	}, true
}

// PositionHistory rebuilds closed positions from account fills within [start, end). Fills that
// close a position opened before start are ignored, as is a position still open at end.
func (c *Client) PositionHistory(ctx context.Context, symbol string, start, end time.Time) ([]exchange.PositionRecord, error) {
	fills, err := c.accountFills(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	return ReconstructPositions(strings.ToUpper(strings.TrimSpace(symbol)), fills), nil
}

// Fill is one account trade.
type Fill struct {
	ID          int64
	OrderID     int64
	Side        string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Commission  decimal.Decimal
	RealizedPnL decimal.Decimal
	Time        time.Time
}

func (c *Client) accountFills(ctx context.Context, symbol string, start, end time.Time) ([]Fill, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	seen := make(map[int64]struct{})
	var out []Fill
	cursor := toMillis(start)
	last := toMillis(end) - 1
	for page := 0; page < maxPages && cursor <= last; page++ {
		from := cursor
		rows, err := call(c, "account trades", func() ([]*futures.AccountTrade, error) {
			return c.futures.NewListAccountTradeService().
				Symbol(symbol).
				StartTime(from).
				EndTime(last).
				Limit(c.cfg.PageLimit).
				Do(ctx, c.recvWindow())
		})
		if err != nil {
			return nil, err
		}
		added := 0
		for _, row := range rows {
			if row == nil {
				continue
			}
			if _, dup := seen[row.ID]; dup {
				continue
			}
			seen[row.ID] = struct{}{}
			out = append(out, Fill{
				ID:          row.ID,
				OrderID:     row.OrderID,
				Side:        strings.ToUpper(string(row.Side)),
				Price:       decimalOrZero(row.Price),
				Quantity:    decimalOrZero(row.Quantity),
				Commission:  decimalOrZero(row.Commission),
				RealizedPnL: decimalOrZero(row.RealizedPnl),
				Time:        fromMillis(row.Time),
			})
			added++
			if row.Time > cursor {
				cursor = row.Time
			}
		}
		if len(rows) < c.cfg.PageLimit || added == 0 {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out, nil
}

type building struct {
	first                   Fill
	long                    bool
	entryQty, entryNotional decimal.Decimal
	exitQty, exitNotional   decimal.Decimal
	realized, commission    decimal.Decimal
}

func openPosition(f Fill, qty decimal.Decimal, commission decimal.Decimal) *building {
	return &building{
		first:         f,
		long:          f.Side == "BUY",
		entryQty:      qty,
		entryNotional: f.Price.Mul(qty),
		commission:    commission,
	}
}

func (b *building) record(symbol string, closedAt time.Time) exchange.PositionRecord {
	positionType := "SHORT"
	if b.long {
		positionType = "LONG"
	}
	rec := exchange.PositionRecord{
		ID:           symbol + "-" + strconv.FormatInt(b.first.ID, 10),
		Symbol:       symbol,
		PositionType: positionType,
		OrderID:      strconv.FormatInt(b.first.OrderID, 10),
		Size:         b.entryQty,
		RealizedPnL:  b.realized,
		Commission:   b.commission.Neg(),
		OpenedAt:     b.first.Time,
		ClosedAt:     closedAt,
	}
	if b.entryQty.IsPositive() {
		rec.EntryPrice = b.entryNotional.Div(b.entryQty)
	}
	if b.exitQty.IsPositive() {
		rec.ExitPrice = b.exitNotional.Div(b.exitQty)
	}
	return rec
}

// ReconstructPositions walks time-ordered fills of one symbol in one-way mode and emits a
// record each time the net position returns to zero or flips. Commission is reported as a
// negative amount, matching income history.
func ReconstructPositions(symbol string, fills []Fill) []exchange.PositionRecord {
	var (
		out []exchange.PositionRecord
		cur *building
		net decimal.Decimal
	)
	for _, f := range fills {
		if !f.Quantity.IsPositive() {
			continue
		}
		signed := f.Quantity
		if f.Side != "BUY" {
			signed = signed.Neg()
		}
		if cur == nil {
			if !f.RealizedPnL.IsZero() {
				continue
			}
			cur = openPosition(f, f.Quantity, f.Commission)
			net = signed
			continue
		}
		if net.Sign() == signed.Sign() {
			cur.entryQty = cur.entryQty.Add(f.Quantity)
			cur.entryNotional = cur.entryNotional.Add(f.Price.Mul(f.Quantity))
			cur.commission = cur.commission.Add(f.Commission)
			net = net.Add(signed)
			continue
		}

		closing := decimal.Min(f.Quantity, net.Abs())
		cur.exitQty = cur.exitQty.Add(closing)
		cur.exitNotional = cur.exitNotional.Add(f.Price.Mul(closing))
		cur.realized = cur.realized.Add(f.RealizedPnL)
		cur.commission = cur.commission.Add(f.Commission)
		prev := net
		net = net.Add(signed)
		switch {
		case net.IsZero():
			out = append(out, cur.record(symbol, f.Time))
			cur = nil
		case net.Sign() != prev.Sign():
			out = append(out, cur.record(symbol, f.Time))
			cur = openPosition(f, net.Abs(), decimal.Zero)
		}
	}
	return out
}
