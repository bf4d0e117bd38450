package reconcile

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/domain/trade"
)

// Matcher pairs trades with closed-position records and remembers which history record
// belongs to which trade for the life of the process.
type Matcher struct {
	mu       sync.Mutex
	consumed map[string]string
}

// NewMatcher returns a Matcher with an empty consumed set.
func NewMatcher() *Matcher {
	return &Matcher{consumed: make(map[string]string)}
}

func positionKey(id string) string { return "position:" + id }
func incomeKey(id string) string   { return "income:" + id }

// Owner returns the trade a position record was applied to.
func (m *Matcher) Owner(positionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.consumed[positionKey(positionID)]
	return owner, ok
}

func (m *Matcher) availableLocked(key, tradeID string) bool {
	owner, ok := m.consumed[key]
	return !ok || owner == tradeID
}

type scored struct {
	record   exchange.PositionRecord
	exact    bool
	overlap  time.Duration
	distance time.Duration
}

// Best returns the highest scoring position record for t within window. Records of the wrong
// direction or already consumed by another trade are never returned.
func (m *Matcher) Best(t trade.Trade, window Span, records []exchange.PositionRecord) (exchange.PositionRecord, bool) {
	start, end, _ := t.Lifecycle()
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []scored
	for _, rec := range records {
		if rec.ID == "" || !m.availableLocked(positionKey(rec.ID), t.ID) {
			continue
		}
		if rec.Symbol != "" && !strings.EqualFold(rec.Symbol, t.Symbol) {
			continue
		}
		if typ := trade.ParsePositionType(rec.PositionType); typ != "" && typ != t.PositionType {
			continue
		}
		opened, closed := rec.OpenedAt, rec.ClosedAt
		if opened.IsZero() {
			opened = closed
		}
		if closed.IsZero() {
			closed = opened
		}
		c := scored{
			record:   rec,
			exact:    rec.OrderID != "" && rec.OrderID == t.ExchangeOrderID,
			overlap:  overlap(Span{Start: opened, End: closed}, window),
			distance: absDuration(opened.Sub(start)) + absDuration(closed.Sub(end)),
		}
		intersects := !closed.Before(window.Start) && !opened.After(window.End)
		if !c.exact && !intersects {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return exchange.PositionRecord{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.exact != b.exact {
			return a.exact
		}
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		return a.record.ID < b.record.ID
	})
	return candidates[0].record, true
}

// Available drops income records already applied to another trade.
func (m *Matcher) Available(tradeID string, records []exchange.IncomeRecord) []exchange.IncomeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]exchange.IncomeRecord, 0, len(records))
	for _, rec := range records {
		if rec.ID != "" && !m.availableLocked(incomeKey(rec.ID), tradeID) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Claim records that the given history records now belong to tradeID.
func (m *Matcher) Claim(tradeID string, position *exchange.PositionRecord, income []exchange.IncomeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if position != nil && position.ID != "" {
		m.consumed[positionKey(position.ID)] = tradeID
	}
	for _, rec := range income {
		if rec.ID != "" {
			m.consumed[incomeKey(rec.ID)] = tradeID
		}
	}
}

// Len reports how many records are claimed.
func (m *Matcher) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consumed)
}

func overlap(a, b Span) time.Duration {
	start, end := a.Start, a.End
	if b.Start.After(start) {
		start = b.Start
	}
	if b.End.Before(end) {
		end = b.End
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
