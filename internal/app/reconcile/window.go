package reconcile

import (
	"time"

	"github.com/coachpo/tradesync/internal/domain/trade"
)

// Span is a history query range.
type Span struct {
	Start time.Time
	End   time.Time
}

// Duration returns the span length.
func (s Span) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Contains reports whether at lies within the span, bounds included.
func (s Span) Contains(at time.Time) bool {
	return !at.Before(s.Start) && !at.After(s.End)
}

// LifecycleWindow pads the trade lifecycle by padding on both sides and extends the end by
// trailing. The end never passes now.
func LifecycleWindow(t trade.Trade, padding, trailing time.Duration, now time.Time) (Span, bool) {
	start, end, ok := t.Lifecycle()
	if !ok {
		return Span{}, false
	}
	span := Span{Start: start.Add(-padding), End: end.Add(padding + trailing)}
	if !now.IsZero() && span.End.After(now) {
		span.End = now
	}
	if span.End.Before(span.Start) {
		span.End = span.Start
	}
	return span, true
}

// Chunk splits s into consecutive spans no longer than limit.
func Chunk(s Span, limit time.Duration) []Span {
	if limit <= 0 || s.Duration() <= limit {
		return []Span{s}
	}
	out := make([]Span, 0, int(s.Duration()/limit)+1)
	for start := s.Start; start.Before(s.End); start = start.Add(limit) {
		end := start.Add(limit)
		if end.After(s.End) {
			end = s.End
		}
		out = append(out, Span{Start: start, End: end})
	}
	return out
}
