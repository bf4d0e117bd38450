package handlers

import (
	"context"
	"time"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/app/dispatcher"
	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/observability"
	"github.com/coachpo/tradesync/lib/ring"
)

// UserDataOptions configures a UserData handler.
type UserDataOptions struct {
	Normalizer Normalizer
	Sink       Sink
	// OnListenKeyExpired is invoked when the exchange reports the session token expired.
	OnListenKeyExpired func(ctx context.Context, listenKey string, at time.Time)
	HistorySize        int
	Logger             observability.Logger
}

// UserData handles order, account and balance events from the user-data stream.
type UserData struct {
	normalizer Normalizer
	sink       Sink
	onExpired  func(context.Context, string, time.Time)
	logger     observability.Logger

	executions *ring.Buffer[exchange.ExecutionReport]
	accounts   *ring.Buffer[exchange.AccountUpdate]
	balances   *ring.Buffer[exchange.BalanceUpdate]
}

// NewUserData constructs a UserData handler.
func NewUserData(opts UserDataOptions) *UserData {
	size := historySize(opts.HistorySize)
	return &UserData{
		normalizer: opts.Normalizer,
		sink:       opts.Sink,
		onExpired:  opts.OnListenKeyExpired,
		logger:     observability.OrDefault(opts.Logger),
		executions: ring.New[exchange.ExecutionReport](size),
		accounts:   ring.New[exchange.AccountUpdate](size),
		balances:   ring.New[exchange.BalanceUpdate](size),
	}
}

// EventTypes lists the dispatcher types this handler consumes.
func (h *UserData) EventTypes() []dispatcher.EventType {
	return []dispatcher.EventType{
		dispatcher.EventOrderTradeUpdate,
		dispatcher.EventExecutionReport,
		dispatcher.EventAccountUpdate,
		dispatcher.EventBalanceUpdate,
		dispatcher.EventOutboundAccountPosition,
		dispatcher.EventListenKeyExpired,
	}
}

// Handle processes one dispatched user-data event.
func (h *UserData) Handle(ctx context.Context, ev dispatcher.Event) error {
	if h.normalizer == nil {
		return errs.New("", errs.CodeUnavailable, errs.WithMessage("user data normalizer not configured"))
	}
	switch ev.Type {
	case dispatcher.EventOrderTradeUpdate, dispatcher.EventExecutionReport:
		report, err := h.normalizer.ExecutionReport(string(ev.Type), ev.Payload)
		if err != nil {
			return err
		}
		h.executions.Push(report)
		h.logger.Debug("user data: execution report",
			observability.F("symbol", report.Symbol),
			observability.F("order_id", report.OrderID),
			observability.F("status", report.Status),
			observability.F("cum_qty", report.CumulativeQty.String()))
		if h.sink == nil {
			return nil
		}
		return h.sink.ExecutionReport(ctx, report)
	case dispatcher.EventAccountUpdate:
		update, err := h.normalizer.AccountUpdate(ev.Payload)
		if err != nil {
			return err
		}
		h.accounts.Push(update)
		if h.sink == nil {
			return nil
		}
		return h.sink.AccountUpdate(ctx, update)
	case dispatcher.EventBalanceUpdate, dispatcher.EventOutboundAccountPosition:
		update, err := h.normalizer.BalanceUpdate(string(ev.Type), ev.Payload)
		if err != nil {
			return err
		}
		h.balances.Push(update)
		if h.sink == nil {
			return nil
		}
		return h.sink.BalanceUpdate(ctx, update)
	case dispatcher.EventListenKeyExpired:
		key, at, err := h.normalizer.ListenKeyExpired(ev.Payload)
		if err != nil {
			return err
		}
		h.logger.Warn("user data: listen key expired",
			observability.F("connection", ev.ConnectionID),
			observability.F("expired_at", at))
		if h.onExpired != nil {
			h.onExpired(ctx, key, at)
		}
		return nil
	default:
		return nil
	}
}

// Executions returns recent execution reports, oldest first.
func (h *UserData) Executions() []exchange.ExecutionReport { return h.executions.Snapshot() }

// AccountUpdates returns recent account updates, oldest first.
func (h *UserData) AccountUpdates() []exchange.AccountUpdate { return h.accounts.Snapshot() }

// BalanceUpdates returns recent balance updates, oldest first.
func (h *UserData) BalanceUpdates() []exchange.BalanceUpdate { return h.balances.Snapshot() }
