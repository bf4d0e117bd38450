// Package dbsync applies streamed execution and account events to stored trades.
package dbsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/app/alerts"
	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/domain/trade"
	"github.com/coachpo/tradesync/internal/domain/tradestore"
	"github.com/coachpo/tradesync/internal/observability"
	"github.com/coachpo/tradesync/lib/async"
)

// Outcome classifies the effect of one execution report.
type Outcome string

const (
	// OutcomeApplied means the trade row was updated.
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop means the report matched a trade but changed nothing.
	OutcomeNoop Outcome = "noop"
	// OutcomeNotFound means no trade references the order.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeProtective means the report cancelled a protective stop; the trade is untouched.
	OutcomeProtective Outcome = "protective"
)

const (
	defaultScanWindow       = 7 * 24 * time.Hour
	defaultCacheSize        = 10_000
	defaultAuditSize        = 500
	defaultConflictRetries  = 3
	defaultRecoveryAttempts = 3
	defaultRecoveryDelay    = 500 * time.Millisecond
)

// DefaultProtectiveReasons are cancellation reasons that mark a protective stop expiry.
var DefaultProtectiveReasons = []string{"GTE_MAKER_ONLY"}

// Notifier delivers deduplicated error notifications.
type Notifier interface {
	SendErrorNotification(ctx context.Context, errorType, message string, fields map[string]any) error
}

// Options configures a Service.
type Options struct {
	Store    tradestore.Store
	Orders   exchange.OrderClient
	Alerts   *alerts.Deduplicator
	Notifier Notifier
	// Recovery runs protective stop recreation. Without it recreation is flagged as failed.
	Recovery *async.Pool
	// Locks serialises writers per trade id; share it with reconciliation.
	Locks  *async.KeyedMutex
	Policy trade.Policy

	// ScanWindow bounds the raw-response fallback lookup.
	ScanWindow time.Duration
	CacheSize  int
	// ProtectiveReasons lists cancellation reasons treated as a protective stop expiry.
	ProtectiveReasons []string
	AuditSize         int
	ConflictRetries   uint
	RecoveryAttempts  uint
	RecoveryDelay     time.Duration

	Exchange string
	Logger   observability.Logger
	Clock    func() time.Time
}

// Service is the DatabaseSync engine.
type Service struct {
	store    tradestore.Store
	orders   exchange.OrderClient
	alerts   *alerts.Deduplicator
	notifier Notifier
	recovery *async.Pool
	locks    *async.KeyedMutex
	policy   trade.Policy

	scanWindow        time.Duration
	protectiveReasons map[string]struct{}
	conflictRetries   uint
	recoveryAttempts  uint
	recoveryDelay     time.Duration
	exchange          string

	cache   *OrderCache
	audit   *trade.AuditTrail
	logger  observability.Logger
	now     func() time.Time
	metrics *syncMetrics

	inflight sync.Map

	balanceMu sync.RWMutex
	balances  map[string]exchange.Balance
}

// New constructs a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errs.New("dbsync", errs.CodeInvalid, errs.WithMessage("store required"))
	}
	if opts.Locks == nil {
		opts.Locks = async.NewKeyedMutex()
	}
	if opts.Policy.AbsEpsilon.IsZero() && opts.Policy.RelEpsilon.IsZero() {
		opts.Policy = trade.DefaultPolicy()
	}
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = defaultScanWindow
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.AuditSize <= 0 {
		opts.AuditSize = defaultAuditSize
	}
	if opts.ConflictRetries == 0 {
		opts.ConflictRetries = defaultConflictRetries
	}
	if opts.RecoveryAttempts == 0 {
		opts.RecoveryAttempts = defaultRecoveryAttempts
	}
	if opts.RecoveryDelay <= 0 {
		opts.RecoveryDelay = defaultRecoveryDelay
	}
	if opts.ProtectiveReasons == nil {
		opts.ProtectiveReasons = DefaultProtectiveReasons
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	cache, err := NewOrderCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	reasons := make(map[string]struct{}, len(opts.ProtectiveReasons))
	for _, reason := range opts.ProtectiveReasons {
		if reason = strings.ToUpper(strings.TrimSpace(reason)); reason != "" {
			reasons[reason] = struct{}{}
		}
	}
	return &Service{
		store:             opts.Store,
		orders:            opts.Orders,
		alerts:            opts.Alerts,
		notifier:          opts.Notifier,
		recovery:          opts.Recovery,
		locks:             opts.Locks,
		policy:            opts.Policy,
		scanWindow:        opts.ScanWindow,
		protectiveReasons: reasons,
		conflictRetries:   opts.ConflictRetries,
		recoveryAttempts:  opts.RecoveryAttempts,
		recoveryDelay:     opts.RecoveryDelay,
		exchange:          strings.ToLower(strings.TrimSpace(opts.Exchange)),
		cache:             cache,
		audit:             trade.NewAuditTrail(opts.AuditSize),
		logger:            observability.OrDefault(opts.Logger),
		now:               opts.Clock,
		metrics:           newSyncMetrics(),
		balances:          make(map[string]exchange.Balance),
	}, nil
}

// Audit returns the recent sync events, oldest first.
func (s *Service) Audit() []trade.SyncEvent {
	return s.audit.Events()
}

// Cache exposes the order id lookup cache.
func (s *Service) Cache() *OrderCache {
	return s.cache
}

func (s *Service) exchangeOf(name string) string {
	if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
		return name
	}
	return s.exchange
}

// HandleExecutionReport applies r to the trade that owns its order. Trades are never created
// here; an unknown order yields OutcomeNotFound.
func (s *Service) HandleExecutionReport(ctx context.Context, r exchange.ExecutionReport) (Outcome, error) {
	started := s.now()
	exch := s.exchangeOf(r.Exchange)
	ev := trade.NewSyncEvent("execution_report", r, started)
	outcome, tradeID, err := s.handleExecution(ctx, exch, r)
	ev.TradeID = tradeID
	switch {
	case err != nil:
		ev.Status = trade.EventFailed
		ev.Detail = err.Error()
	case outcome == OutcomeApplied:
		ev.Status = trade.EventApplied
	default:
		ev.Status = trade.EventSkipped
		ev.Detail = string(outcome)
	}
	s.audit.Record(ev)
	result := outcome
	if err != nil {
		result = "error"
	}
	s.metrics.recordEvent(ctx, exch, result, s.now().Sub(started))
	return outcome, err
}

func (s *Service) handleExecution(ctx context.Context, exch string, r exchange.ExecutionReport) (Outcome, string, error) {
	orderID := strings.TrimSpace(r.OrderID)
	if orderID == "" {
		s.logger.Warn("execution report without order id",
			observability.F("exchange", exch),
			observability.F("symbol", r.Symbol),
			observability.F("status", r.Status))
		return OutcomeNotFound, "", nil
	}
	r.OrderID = orderID

	tradeID, found, err := s.resolve(ctx, exch, orderID)
	if err != nil {
		return "", "", fmt.Errorf("resolve order %s: %w", orderID, err)
	}
	if !found {
		s.logger.Debug("execution report for unknown order",
			observability.F("exchange", exch),
			observability.F("order_id", orderID),
			observability.F("symbol", r.Symbol))
		return OutcomeNotFound, "", nil
	}

	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return "", tradeID, fmt.Errorf("lock trade %s: %w", tradeID, err)
	}
	c, missing, err := s.commit(ctx, tradeID, func(current trade.Trade) change {
		return s.apply(current, r, s.now())
	})
	unlock()
	if err != nil {
		return "", tradeID, fmt.Errorf("apply order %s to trade %s: %w", orderID, tradeID, err)
	}
	if missing {
		_ = s.cache.Delete(orderID)
		return OutcomeNotFound, tradeID, nil
	}

	for _, tag := range c.issues {
		s.metrics.recordIssue(ctx, exch, tag)
	}
	if c.repaired || c.flagged {
		s.logger.Warn("trade status corrected",
			observability.F("trade_id", tradeID),
			observability.F("order_id", orderID),
			observability.F("order_status", c.next.OrderStatus),
			observability.F("position_status", c.next.PositionStatus),
			observability.F("flagged", c.flagged))
	}
	if c.alert != "" {
		s.sendAlert(ctx, c.next, r, c.alert, false)
	}

	if c.protective {
		s.logger.Info("protective stop cancelled",
			observability.F("trade_id", tradeID),
			observability.F("order_id", orderID),
			observability.F("reason", r.CancelReason),
			observability.F("recreate", c.recover))
		if c.recover {
			s.scheduleRecovery(ctx, newRecoveryJob(c.next, r))
		}
		return OutcomeProtective, tradeID, nil
	}
	if c.changed {
		return OutcomeApplied, tradeID, nil
	}
	return OutcomeNoop, tradeID, nil
}

// resolve maps an order id to its trade: cache, then stored references, then the raw
// placement responses of recent trades.
func (s *Service) resolve(ctx context.Context, exch, orderID string) (string, bool, error) {
	if id, ok := s.cache.Get(orderID); ok {
		return id, true, nil
	}
	t, ok, err := s.store.FindByOrderID(ctx, exch, orderID)
	if err != nil {
		return "", false, err
	}
	if ok {
		s.remember(orderID, t.ID)
		return t.ID, true, nil
	}
	t, ok, err = s.store.SearchRawResponse(ctx, exch, orderID, s.now().Add(-s.scanWindow))
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	if t.ExchangeOrderID == "" && t.StopLossOrderID != orderID {
		if err := s.store.LinkOrderID(ctx, t.ID, orderID); err != nil {
			s.logger.Warn("link order id failed",
				observability.F("trade_id", t.ID),
				observability.F("order_id", orderID),
				observability.F("error", err))
		}
	}
	s.remember(orderID, t.ID)
	return t.ID, true, nil
}

func (s *Service) remember(orderID, tradeID string) {
	if err := s.cache.Put(orderID, tradeID); err != nil {
		s.logger.Debug("order cache put failed",
			observability.F("order_id", orderID),
			observability.F("trade_id", tradeID),
			observability.F("error", err))
	}
}

// commit runs mutate inside one transaction, persisting the result when it changed. Version
// conflicts re-run mutate against the fresh row.
func (s *Service) commit(ctx context.Context, tradeID string, mutate func(trade.Trade) change) (change, bool, error) {
	type result struct {
		c       change
		missing bool
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         200 * time.Millisecond,
	}
	b.Reset()
	res, err := backoff.Retry(ctx, func() (result, error) {
		var out result
		err := s.store.WithTransaction(ctx, func(ctx context.Context, tx tradestore.Tx) error {
			current, ok, err := tx.GetTradeForUpdate(ctx, tradeID)
			if err != nil {
				return err
			}
			if !ok {
				out.missing = true
				return nil
			}
			out.c = mutate(current)
			if !out.c.changed {
				return nil
			}
			out.c.next.UpdatedAt = s.now().UTC()
			updated, err := tx.UpdateTrade(ctx, out.c.next)
			if err != nil {
				return err
			}
			out.c.next = updated
			return nil
		})
		if err != nil {
			if errs.CodeOf(err) == errs.CodeConflict {
				return out, err
			}
			return out, backoff.Permanent(err)
		}
		return out, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.conflictRetries))
	return res.c, res.missing, err
}

func (s *Service) sendAlert(ctx context.Context, t trade.Trade, r exchange.ExecutionReport, errorType string, protective bool) {
	exch := s.exchangeOf(t.Exchange)
	if s.alerts != nil && !s.alerts.ShouldSendAlert(t.ID, errorType, t.Symbol, exch) {
		return
	}
	if s.notifier == nil {
		return
	}
	fields := map[string]any{
		"exchange":        exch,
		"symbol":          t.Symbol,
		"trade_id":        t.ID,
		"order_id":        r.OrderID,
		"order_type":      r.OrderType,
		"status":          r.Status,
		"requested_qty":   r.Quantity.String(),
		"executed_qty":    r.CumulativeQty.String(),
		"requested_price": r.Price.String(),
		"executed_price":  r.FillPrice().String(),
		"is_protective":   protective || isProtectiveType(r),
	}
	if r.CancelReason != "" {
		fields["reason"] = r.CancelReason
	}
	message := fmt.Sprintf("%s order %s on %s ended %s without execution", strings.ToLower(r.Side), r.OrderID, t.Symbol, strings.ToLower(errorType))
	if err := s.notifier.SendErrorNotification(ctx, errorType, message, fields); err != nil {
		s.logger.Warn("error notification failed",
			observability.F("trade_id", t.ID),
			observability.F("error_type", errorType),
			observability.F("error", err))
	}
}
