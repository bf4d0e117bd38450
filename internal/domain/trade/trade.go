// Package trade defines the trade record kept consistent with the exchange, the trust
// hierarchy used to overwrite its execution facts, and the sync audit envelope.
package trade

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradesync/internal/domain/status"
)

// PositionType is the direction of the intended position.
type PositionType string

const (
	Long  PositionType = "LONG"
	Short PositionType = "SHORT"
)

// ParsePositionType accepts LONG/SHORT and the BUY/SELL spellings.
func ParsePositionType(raw string) PositionType {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LONG", "BUY":
		return Long
	case "SHORT", "SELL":
		return Short
	}
	return ""
}

// EntrySide is the order side that opens the position.
func (p PositionType) EntrySide() string {
	if p == Short {
		return "SELL"
	}
	return "BUY"
}

// ExitSide is the order side that closes the position.
func (p PositionType) ExitSide() string {
	if p == Short {
		return "BUY"
	}
	return "SELL"
}

// Sync issue tags appended to Trade.SyncIssues.
const (
	IssueMarketNewZeroFill   = "MARKET_NEW_ZERO_FILL"
	IssueStatusRepaired      = "STATUS_REPAIRED"
	IssueStatusUnresolvable  = "STATUS_UNRESOLVABLE"
	IssuePnLOutOfRange       = "PNL_OUT_OF_RANGE"
	IssueZeroSizeWithPnL     = "ZERO_SIZE_WITH_PNL"
	IssueFeeRatioImplausible = "FEE_RATIO_IMPLAUSIBLE"
	IssueMissingTimestamps   = "MISSING_TIMESTAMPS"
	IssueMissingSymbol       = "MISSING_SYMBOL"
	IssueStopRecreateFailed  = "STOP_RECREATE_FAILED"
	IssueNoHistoryMatch      = "NO_HISTORY_MATCH"
	IssueExitPnLIncomplete   = "EXIT_PNL_INCOMPLETE"
)

// Trade is one intended exchange position lifecycle.
type Trade struct {
	ID              string
	Exchange        string
	Symbol          string
	ExchangeOrderID string
	ClientRef       string

	PositionType PositionType
	OrderType    string

	EntryPrice   Tracked
	ExitPrice    Tracked
	PositionSize Tracked
	PnLUSD       Tracked
	NetPnL       Tracked
	Commission   Tracked
	FundingFee   Tracked

	OrderStatus    status.OrderStatus
	PositionStatus status.PositionStatus

	CreatedAt time.Time
	ClosedAt  *time.Time
	UpdatedAt time.Time

	SyncIssues               []string
	ManualVerificationNeeded bool
	SyncErrorCount           int

	StopLossOrderID string
	StopLossPrice   decimal.NullDecimal
	RawResponse     string
	UnrealizedPnL   decimal.NullDecimal

	// Exits holds one entry per reduce-only order that filled against the position.
	Exits []ExitFill

	Version int64
}

// Clone returns a deep copy.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	out := *t
	if t.ClosedAt != nil {
		closed := *t.ClosedAt
		out.ClosedAt = &closed
	}
	out.SyncIssues = slices.Clone(t.SyncIssues)
	out.Exits = slices.Clone(t.Exits)
	return &out
}

// IsOpen reports whether the position may still hold exposure.
func (t *Trade) IsOpen() bool {
	return !status.IsTerminalPosition(t.PositionStatus)
}

// SetPositionStatus updates the position status and keeps ClosedAt in step: it is set once
// when the status becomes terminal and cleared when a repair moves the status back.
func (t *Trade) SetPositionStatus(next status.PositionStatus, at time.Time) {
	t.PositionStatus = next
	if status.IsTerminalPosition(next) {
		if t.ClosedAt == nil {
			closed := at.UTC()
			t.ClosedAt = &closed
		}
		return
	}
	t.ClosedAt = nil
}

// SupplyClosedAt fills ClosedAt from history when the position is terminal and no time is
// recorded yet. It reports whether the field changed.
func (t *Trade) SupplyClosedAt(at time.Time) bool {
	if at.IsZero() || t.ClosedAt != nil || !status.IsTerminalPosition(t.PositionStatus) {
		return false
	}
	closed := at.UTC()
	t.ClosedAt = &closed
	return true
}

// AddIssue appends tag unless it is already recorded. It reports whether the list changed.
func (t *Trade) AddIssue(tag string) bool {
	tag = strings.TrimSpace(tag)
	if tag == "" || slices.Contains(t.SyncIssues, tag) {
		return false
	}
	t.SyncIssues = append(t.SyncIssues, tag)
	return true
}

// Flag records tag and requests manual review.
func (t *Trade) Flag(tag string) bool {
	changed := t.AddIssue(tag) || !t.ManualVerificationNeeded
	t.ManualVerificationNeeded = true
	return changed
}

// Lifecycle returns the time span the position was live: created_at to closed_at, falling
// back to updated_at and then a zero-length window.
func (t *Trade) Lifecycle() (time.Time, time.Time, bool) {
	start := t.CreatedAt
	if start.IsZero() {
		return time.Time{}, time.Time{}, false
	}
	end := start
	switch {
	case t.ClosedAt != nil && !t.ClosedAt.Before(start):
		end = *t.ClosedAt
	case !t.UpdatedAt.IsZero() && !t.UpdatedAt.Before(start):
		end = t.UpdatedAt
	}
	return start, end, true
}
