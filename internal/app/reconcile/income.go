package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/domain/trade"
)

// Summary sums income history by category.
type Summary struct {
	Realized   decimal.Decimal
	Commission decimal.Decimal
	Funding    decimal.Decimal

	RealizedCount   int
	CommissionCount int
	FundingCount    int

	// Records holds the classified records in input order.
	Records []exchange.IncomeRecord
	Last    time.Time
}

// Summarize classifies records. Income types other than realized PnL, commission and funding
// are ignored.
func Summarize(records []exchange.IncomeRecord) Summary {
	var s Summary
	for _, rec := range records {
		switch rec.Type {
		case exchange.IncomeRealizedPnL:
			s.Realized = s.Realized.Add(rec.Amount)
			s.RealizedCount++
		case exchange.IncomeCommission:
			s.Commission = s.Commission.Add(rec.Amount)
			s.CommissionCount++
		case exchange.IncomeFundingFee:
			s.Funding = s.Funding.Add(rec.Amount)
			s.FundingCount++
		default:
			continue
		}
		s.Records = append(s.Records, rec)
		if rec.Time.After(s.Last) {
			s.Last = rec.Time
		}
	}
	return s
}

// Net is realized PnL plus commission plus funding.
func (s Summary) Net() decimal.Decimal {
	return s.Realized.Add(s.Commission).Add(s.Funding)
}

// Empty reports whether no record was classified.
func (s Summary) Empty() bool {
	return len(s.Records) == 0
}

// Checks holds the plausibility limits applied to reconciled values.
type Checks struct {
	// PnLTolerance is the relative slack around the expected gross PnL.
	PnLTolerance decimal.Decimal
	// FeeRatioLimit is the largest plausible |fees| / |realized PnL|.
	FeeRatioLimit decimal.Decimal
}

// ExpectedPnL returns the band realized PnL should fall in given the trade's prices, size and
// direction: gross·(1±tolerance) − fees.
func ExpectedPnL(t trade.Trade, fees, tolerance decimal.Decimal) (decimal.Decimal, decimal.Decimal, bool) {
	entry, exit, size := t.EntryPrice.Decimal(), t.ExitPrice.Decimal(), t.PositionSize.Decimal().Abs()
	if !entry.IsPositive() || !exit.IsPositive() || !size.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	var gross decimal.Decimal
	switch t.PositionType {
	case trade.Long:
		gross = exit.Sub(entry).Mul(size)
	case trade.Short:
		gross = entry.Sub(exit).Mul(size)
	default:
		return decimal.Zero, decimal.Zero, false
	}
	slack := gross.Abs().Mul(tolerance)
	fees = fees.Abs()
	return gross.Sub(slack).Sub(fees), gross.Add(slack).Sub(fees), true
}

// Evaluate returns the data-quality issues for t given the realized PnL and commission that
// were reconciled onto it.
func (c Checks) Evaluate(t trade.Trade, realized, commission decimal.Decimal, hasRealized bool) []string {
	var issues []string
	if !hasRealized {
		return issues
	}
	if low, high, ok := ExpectedPnL(t, commission, c.PnLTolerance); ok {
		if realized.LessThan(low) || realized.GreaterThan(high) {
			issues = append(issues, trade.IssuePnLOutOfRange)
		}
	}
	if t.PositionSize.Decimal().IsZero() && !realized.IsZero() {
		issues = append(issues, trade.IssueZeroSizeWithPnL)
	}
	if !realized.IsZero() && c.FeeRatioLimit.IsPositive() &&
		commission.Abs().Div(realized.Abs()).GreaterThan(c.FeeRatioLimit) {
		issues = append(issues, trade.IssueFeeRatioImplausible)
	}
	return issues
}
