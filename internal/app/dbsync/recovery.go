package dbsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/domain/trade"
	"github.com/coachpo/tradesync/internal/observability"
)

const recoveryTimeout = 30 * time.Second

type recoveryJob struct {
	tradeID     string
	exchange    string
	symbol      string
	cancelledID string
	request     exchange.StopOrderRequest
	report      exchange.ExecutionReport
}

// newRecoveryJob rebuilds the cancelled stop from the report, falling back to what the trade
// recorded when the report omits a parameter.
func newRecoveryJob(t trade.Trade, r exchange.ExecutionReport) recoveryJob {
	side := strings.ToUpper(strings.TrimSpace(r.Side))
	if side == "" {
		side = t.PositionType.ExitSide()
	}
	stop := r.StopPrice
	if !stop.IsPositive() && t.StopLossPrice.Valid {
		stop = t.StopLossPrice.Decimal
	}
	qty := r.Quantity.Abs()
	if r.ClosePosition {
		qty = decimal.Zero
	} else if !qty.IsPositive() {
		qty = t.PositionSize.Decimal().Abs()
	}
	symbol := r.Symbol
	if symbol == "" {
		symbol = t.Symbol
	}
	return recoveryJob{
		tradeID:     t.ID,
		exchange:    t.Exchange,
		symbol:      symbol,
		cancelledID: r.OrderID,
		report:      r,
		request: exchange.StopOrderRequest{
			Symbol:        symbol,
			Side:          side,
			PositionSide:  r.PositionSide,
			StopPrice:     stop,
			Quantity:      qty,
			ClosePosition: r.ClosePosition,
			ReduceOnly:    r.ReduceOnly && !r.ClosePosition,
		},
	}
}

// scheduleRecovery submits the stop recreation. Only one recreation per trade runs at a time.
func (s *Service) scheduleRecovery(ctx context.Context, job recoveryJob) {
	if s.orders == nil || s.recovery == nil {
		s.recoveryFailed(ctx, job, errs.New(job.exchange, errs.CodeUnavailable,
			errs.WithMessage("protective order recovery not configured")))
		return
	}
	if _, busy := s.inflight.LoadOrStore(job.tradeID, job.cancelledID); busy {
		s.logger.Debug("stop recreation already in flight", observability.F("trade_id", job.tradeID))
		return
	}
	err := s.recovery.Submit(ctx, "stop-recreate:"+job.tradeID, func(ctx context.Context) error {
		defer s.inflight.Delete(job.tradeID)
		return s.recreateStop(ctx, job)
	})
	if err != nil {
		s.inflight.Delete(job.tradeID)
		s.recoveryFailed(ctx, job, err)
	}
}

func (s *Service) retryPolicy() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.recoveryDelay,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         10 * s.recoveryDelay,
	}
	b.Reset()
	return b
}

func retryable(err error) error {
	if errs.IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (s *Service) recreateStop(ctx context.Context, job recoveryJob) error {
	ctx, cancel := context.WithTimeout(ctx, recoveryTimeout)
	defer cancel()

	size, err := backoff.Retry(ctx, func() (decimal.Decimal, error) {
		size, err := s.orders.PositionSize(ctx, job.symbol)
		if err != nil {
			return decimal.Zero, retryable(err)
		}
		return size, nil
	}, backoff.WithBackOff(s.retryPolicy()), backoff.WithMaxTries(s.recoveryAttempts))
	if err != nil {
		return s.recoveryFailed(ctx, job, fmt.Errorf("query position: %w", err))
	}
	if size.IsZero() {
		s.metrics.recordRecovery(ctx, "position_closed")
		s.logger.Info("position closed; protective stop not recreated",
			observability.F("trade_id", job.tradeID),
			observability.F("symbol", job.symbol))
		return nil
	}

	req := job.request
	if !req.StopPrice.IsPositive() {
		return s.recoveryFailed(ctx, job, errs.New(job.exchange, errs.CodeDataQuality,
			errs.WithMessage("no stop price recorded for protective order")))
	}
	if !req.ClosePosition && !req.Quantity.IsPositive() {
		req.Quantity = size.Abs()
	}
	req.ClientOrderID = uuid.NewString()

	placed, err := backoff.Retry(ctx, func() (exchange.StopOrderResult, error) {
		res, err := s.orders.PlaceStopOrder(ctx, req)
		if err != nil {
			return exchange.StopOrderResult{}, retryable(err)
		}
		return res, nil
	}, backoff.WithBackOff(s.retryPolicy()), backoff.WithMaxTries(s.recoveryAttempts))
	if err != nil {
		return s.recoveryFailed(ctx, job, fmt.Errorf("place stop order: %w", err))
	}

	if err := s.recordStop(ctx, job, placed, req.StopPrice); err != nil {
		s.metrics.recordRecovery(ctx, "persist_failed")
		s.logger.Error("protective stop recreated but not persisted",
			observability.F("trade_id", job.tradeID),
			observability.F("order_id", placed.OrderID),
			observability.F("error", err))
		return err
	}
	s.metrics.recordRecovery(ctx, "success")
	s.logger.Info("protective stop recreated",
		observability.F("trade_id", job.tradeID),
		observability.F("cancelled_order_id", job.cancelledID),
		observability.F("order_id", placed.OrderID),
		observability.F("stop_price", req.StopPrice.String()))
	return nil
}

func (s *Service) recordStop(ctx context.Context, job recoveryJob, placed exchange.StopOrderResult, stop decimal.Decimal) error {
	unlock, err := s.locks.LockContext(ctx, job.tradeID)
	if err != nil {
		return err
	}
	defer unlock()
	_, missing, err := s.commit(ctx, job.tradeID, func(current trade.Trade) change {
		next := current.Clone()
		next.StopLossOrderID = placed.OrderID
		next.StopLossPrice = decimal.NewNullDecimal(stop)
		return change{next: *next, changed: true}
	})
	if err != nil {
		return err
	}
	if missing {
		return errs.New(job.exchange, errs.CodeNotFound, errs.WithMessage("trade "+job.tradeID+" disappeared"))
	}
	s.remember(placed.OrderID, job.tradeID)
	return nil
}

// recoveryFailed flags the trade for manual review and alerts. It returns cause.
func (s *Service) recoveryFailed(ctx context.Context, job recoveryJob, cause error) error {
	s.metrics.recordRecovery(ctx, "failed")
	s.logger.Error("protective stop recreation failed",
		observability.F("trade_id", job.tradeID),
		observability.F("symbol", job.symbol),
		observability.F("cancelled_order_id", job.cancelledID),
		observability.F("error", cause))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recoveryTimeout)
	defer cancel()
	unlock, err := s.locks.LockContext(ctx, job.tradeID)
	if err != nil {
		return cause
	}
	c, missing, err := s.commit(ctx, job.tradeID, func(current trade.Trade) change {
		next := current.Clone()
		c := change{}
		c.flag(next, trade.IssueStopRecreateFailed)
		next.SyncErrorCount++
		c.changed = true
		c.next = *next
		return c
	})
	unlock()
	if err != nil {
		s.logger.Error("flag trade after stop recreation failure",
			observability.F("trade_id", job.tradeID),
			observability.F("error", err))
		return cause
	}
	if missing {
		return cause
	}
	s.metrics.recordIssue(ctx, s.exchangeOf(job.exchange), trade.IssueStopRecreateFailed)
	s.sendAlert(ctx, c.next, job.report, trade.IssueStopRecreateFailed, true)
	return cause
}
