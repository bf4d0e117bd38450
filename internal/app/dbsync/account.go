package dbsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/domain/trade"
	"github.com/coachpo/tradesync/internal/observability"
)

// HandleAccountUpdate refreshes the cached unrealized PnL of open trades and the balance view.
// Realized PnL fields are never touched.
func (s *Service) HandleAccountUpdate(ctx context.Context, u exchange.AccountUpdate) error {
	exch := s.exchangeOf(u.Exchange)
	at := u.EventTime
	if at.IsZero() {
		at = s.now()
	}
	ev := trade.NewSyncEvent("account_update", u, s.now())

	s.mergeBalances(u.Balances, false)
	var failures []error
	var touched int64
	for _, p := range u.Positions {
		symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
		if symbol == "" {
			continue
		}
		n, err := s.store.UpdateUnrealized(ctx, exch, symbol, p.UnrealizedPnL, at.UTC())
		if err != nil {
			failures = append(failures, fmt.Errorf("unrealized pnl %s: %w", symbol, err))
			continue
		}
		touched += n
	}

	err := errors.Join(failures...)
	if err != nil {
		ev.Status = trade.EventFailed
		ev.Detail = err.Error()
	} else {
		ev.Status = trade.EventApplied
		ev.Detail = fmt.Sprintf("%d trades", touched)
	}
	s.audit.Record(ev)
	if touched > 0 {
		s.logger.Debug("unrealized pnl refreshed",
			observability.F("exchange", exch),
			observability.F("reason", u.Reason),
			observability.F("trades", touched))
	}
	return err
}

// HandleBalanceUpdate merges a balance snapshot or delta into the balance view.
func (s *Service) HandleBalanceUpdate(_ context.Context, u exchange.BalanceUpdate) error {
	s.mergeBalances(u.Balances, true)
	return nil
}

func (s *Service) mergeBalances(balances []exchange.Balance, allowDelta bool) {
	if len(balances) == 0 {
		return
	}
	s.balanceMu.Lock()
	defer s.balanceMu.Unlock()
	for _, b := range balances {
		asset := strings.ToUpper(strings.TrimSpace(b.Asset))
		if asset == "" {
			continue
		}
		b.Asset = asset
		if allowDelta && !b.Delta.IsZero() && b.WalletBalance.IsZero() && b.Free.IsZero() && b.Locked.IsZero() {
			prev := s.balances[asset]
			prev.Asset = asset
			prev.WalletBalance = prev.WalletBalance.Add(b.Delta)
			prev.Free = prev.Free.Add(b.Delta)
			prev.Delta = b.Delta
			s.balances[asset] = prev
			continue
		}
		s.balances[asset] = b
	}
}

// Balances returns the balance view sorted by asset.
func (s *Service) Balances() []exchange.Balance {
	s.balanceMu.RLock()
	out := make([]exchange.Balance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	s.balanceMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// ExecutionReport implements handlers.Sink.
func (s *Service) ExecutionReport(ctx context.Context, r exchange.ExecutionReport) error {
	_, err := s.HandleExecutionReport(ctx, r)
	return err
}

// AccountUpdate implements handlers.Sink.
func (s *Service) AccountUpdate(ctx context.Context, u exchange.AccountUpdate) error {
	return s.HandleAccountUpdate(ctx, u)
}

// BalanceUpdate implements handlers.Sink.
func (s *Service) BalanceUpdate(ctx context.Context, u exchange.BalanceUpdate) error {
	return s.HandleBalanceUpdate(ctx, u)
}
