// Package wsmanager composes the stream connections, dispatcher, handlers and database sync
// into one subsystem with a start/stop lifecycle.
package wsmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/app/dispatcher"
	"github.com/coachpo/tradesync/internal/app/handlers"
	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/infra/stream"
	"github.com/coachpo/tradesync/internal/observability"
	"github.com/coachpo/tradesync/lib/async"
)

// Connection ids.
const (
	UserDataConnection   = "user_data"
	MarketDataConnection = "market_data"
)

const (
	userDataHandlerID   = "user_data"
	marketDataHandlerID = "market_data"
	errorHandlerID      = "errors"
	renewTimeout        = 30 * time.Second
)

// Options configures a Manager.
type Options struct {
	Connections *stream.Manager
	Dispatcher  *dispatcher.Dispatcher
	Normalizer  handlers.Normalizer
	Sink        handlers.Sink
	// Recovery is drained on Stop so protective-order work can finish.
	Recovery *async.Pool

	UserDataURL string
	// MarketDataURL and MarketStreams open an optional combined market-data stream.
	MarketDataURL string
	MarketStreams []string

	// Escalate receives fatal exchange error frames.
	Escalate    func(ctx context.Context, ev exchange.ErrorEvent)
	HistorySize int
	Logger      observability.Logger
}

// Status is a point-in-time view of the subsystem.
type Status struct {
	Running     bool
	StartedAt   time.Time
	Connections []stream.Snapshot
	Dispatch    dispatcher.Stats
	LastError   string
}

// Manager is the WebSocketManager.
type Manager struct {
	opts   Options
	logger observability.Logger

	userData   *handlers.UserData
	marketData *handlers.MarketData
	errors     *handlers.Error

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	tasks     *conc.WaitGroup
	lastErr   error
}

// New validates opts and builds the handlers.
func New(opts Options) (*Manager, error) {
	switch {
	case opts.Connections == nil:
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("connection manager required"))
	case opts.Dispatcher == nil:
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("dispatcher required"))
	case opts.Normalizer == nil:
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("normalizer required"))
	case opts.Sink == nil:
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("sync sink required"))
	case strings.TrimSpace(opts.UserDataURL) == "":
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("user data url required"))
	}
	logger := observability.OrDefault(opts.Logger)
	m := &Manager{opts: opts, logger: logger}
	m.userData = handlers.NewUserData(handlers.UserDataOptions{
		Normalizer:         opts.Normalizer,
		Sink:               opts.Sink,
		OnListenKeyExpired: m.onListenKeyExpired,
		HistorySize:        opts.HistorySize,
		Logger:             logger,
	})
	m.marketData = handlers.NewMarketData(opts.Normalizer, opts.HistorySize)
	m.errors = handlers.NewError(handlers.ErrorOptions{
		Normalizer:  opts.Normalizer,
		Escalate:    opts.Escalate,
		HistorySize: opts.HistorySize,
		Logger:      logger,
	})
	return m, nil
}

// UserData exposes the user-data handler histories.
func (m *Manager) UserData() *handlers.UserData { return m.userData }

// MarketData exposes the latest prices.
func (m *Manager) MarketData() *handlers.MarketData { return m.marketData }

// Errors exposes the exchange error history.
func (m *Manager) Errors() *handlers.Error { return m.errors }

// Start registers handlers and opens the streams. The user-data connection is required; a
// market-data failure is logged and the subsystem keeps running without it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errs.New("", errs.CodeConflict, errs.WithMessage("websocket manager already running"), errs.WithClass(errs.ClassLogic))
	}

	m.register()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	tasks := &conc.WaitGroup{}
	tasks.Go(func() { m.watchErrors(runCtx) })

	route := func(ctx context.Context, connectionID string, data []byte) error {
		return m.opts.Dispatcher.DispatchRawMessage(ctx, data, connectionID)
	}
	if err := m.opts.Connections.CreateConnection(ctx, UserDataConnection, stream.KindUserData, m.opts.UserDataURL, route); err != nil {
		cancel()
		tasks.Wait()
		m.unregister()
		return fmt.Errorf("open user data stream: %w", err)
	}
	if url := CombinedStreamURL(m.opts.MarketDataURL, m.opts.MarketStreams); url != "" {
		if err := m.opts.Connections.CreateConnection(ctx, MarketDataConnection, stream.KindMarketData, url, route); err != nil {
			m.lastErr = err
			m.logger.Warn("market data stream unavailable", observability.F("error", err))
		}
	}

	m.running = true
	m.startedAt = time.Now().UTC()
	m.cancel = cancel
	m.tasks = tasks
	m.logger.Info("websocket manager started",
		observability.F("market_streams", len(m.opts.MarketStreams)))
	return nil
}

// Stop cancels background tasks, closes every connection (deleting the listen key) and waits
// for pending recovery work. Step failures are aggregated and every step runs.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel, tasks := m.cancel, m.tasks
	m.cancel, m.tasks = nil, nil
	m.mu.Unlock()

	var failures []error
	cancel()
	if err := waitGroup(ctx, tasks); err != nil {
		failures = append(failures, fmt.Errorf("background tasks: %w", err))
	}
	if err := m.opts.Connections.CloseAllConnections(ctx); err != nil {
		failures = append(failures, fmt.Errorf("close connections: %w", err))
	}
	m.unregister()
	if m.opts.Recovery != nil {
		if err := m.opts.Recovery.Shutdown(ctx); err != nil {
			failures = append(failures, fmt.Errorf("recovery pool: %w", err))
		}
	}
	if len(failures) > 0 {
		return observability.AggregateErrors("websocket manager stop", failures)
	}
	m.logger.Info("websocket manager stopped")
	return nil
}

// Status reports connections, rate usage and dispatch counters.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{Running: m.running, StartedAt: m.startedAt}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()
	st.Connections = m.opts.Connections.Snapshots()
	st.Dispatch = m.opts.Dispatcher.Stats()
	return st
}

func (m *Manager) register() {
	d := m.opts.Dispatcher
	for _, t := range m.userData.EventTypes() {
		d.RegisterHandler(t, userDataHandlerID, m.userData.Handle)
	}
	for _, t := range m.marketData.EventTypes() {
		d.RegisterHandler(t, marketDataHandlerID, m.marketData.Handle)
	}
	d.RegisterHandler(dispatcher.EventError, errorHandlerID, m.errors.Handle)
}

func (m *Manager) unregister() {
	d := m.opts.Dispatcher
	for _, t := range m.userData.EventTypes() {
		d.UnregisterHandler(t, userDataHandlerID)
	}
	for _, t := range m.marketData.EventTypes() {
		d.UnregisterHandler(t, marketDataHandlerID)
	}
	d.UnregisterHandler(dispatcher.EventError, errorHandlerID)
}

func (m *Manager) watchErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-m.opts.Connections.Errors():
			if !ok {
				return
			}
			m.mu.Lock()
			m.lastErr = err
			m.mu.Unlock()
			m.logger.Error("stream failure", observability.F("error", err))
		}
	}
}

func (m *Manager) onListenKeyExpired(ctx context.Context, _ string, _ time.Time) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), renewTimeout)
	defer cancel()
	if err := m.opts.Connections.RenewSession(rctx, UserDataConnection); err != nil {
		m.logger.Error("renew user data session", observability.F("error", err))
	}
}

// CombinedStreamURL builds a combined-stream url, e.g. base/stream?streams=a/b. It returns ""
// when base or streams are empty.
func CombinedStreamURL(base string, streams []string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	names := make([]string, 0, len(streams))
	for _, s := range streams {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			names = append(names, s)
		}
	}
	if base == "" || len(names) == 0 {
		return ""
	}
	return base + "/stream?streams=" + strings.Join(names, "/")
}

func waitGroup(ctx context.Context, wg *conc.WaitGroup) error {
	if wg == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("timeout waiting for goroutines"), ctx.Err())
	}
}
