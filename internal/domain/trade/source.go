package trade

import "strings"

// Source identifies where a tracked value came from.
type Source string

const (
	SourceSignal          Source = "signal"
	SourceEstimate        Source = "estimate"
	SourceWebsocket       Source = "websocket"
	SourceOrderResponse   Source = "order_response"
	SourcePositionHistory Source = "position_history"
	SourceIncomeHistory   Source = "income_history"
	SourceManual          Source = "manual"
)

var sourceRanks = map[Source]int{
	SourceSignal:          0,
	SourceEstimate:        1,
	SourceWebsocket:       2,
	SourceOrderResponse:   3,
	SourcePositionHistory: 4,
	SourceIncomeHistory:   5,
	SourceManual:          6,
}

// ParseSource normalises a stored source tag.
func ParseSource(raw string) Source {
	return Source(strings.ToLower(strings.TrimSpace(raw)))
}

// Rank orders sources by trust. Unknown sources rank lowest.
func (s Source) Rank() int {
	return sourceRanks[s]
}

// Authoritative reports whether values from s are exchange or operator confirmed.
func (s Source) Authoritative() bool {
	return s.Rank() >= sourceRanks[SourceWebsocket]
}
