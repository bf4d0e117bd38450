package wsmanager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/app/dispatcher"
	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/infra/adapters/binance"
	"github.com/coachpo/tradesync/internal/infra/stream"
)

const orderTradeUpdate = `{"e":"ORDER_TRADE_UPDATE","E":1700000000123,"T":1700000000120,"o":{
"s":"BTCUSDT","c":"web_abc","S":"BUY","o":"MARKET","f":"GTC","q":"1","p":"0","ap":"100",
"sp":"0","x":"TRADE","X":"FILLED","i":4242,"l":"1","z":"1","L":"100","N":"USDT","n":"0.04",
"T":1700000000120,"t":1,"b":"0","a":"0","m":false,"R":false,"wt":"CONTRACT_PRICE","ot":"MARKET",
"ps":"BOTH","cp":false,"rp":"0"}}`

type tokens struct {
	mu         sync.Mutex
	acquireErr error
	deleted    []string
}

func (f *tokens) Acquire(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return "", f.acquireErr
	}
	return "lk-1", nil
}

func (f *tokens) Refresh(context.Context, string) error { return nil }

func (f *tokens) Delete(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, token)
	return nil
}

func (f *tokens) deletedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type sink struct {
	mu         sync.Mutex
	executions []exchange.ExecutionReport
}

func (s *sink) ExecutionReport(_ context.Context, r exchange.ExecutionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, r)
	return nil
}

func (s *sink) AccountUpdate(context.Context, exchange.AccountUpdate) error { return nil }

func (s *sink) BalanceUpdate(context.Context, exchange.BalanceUpdate) error { return nil }

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executions)
}

func newServer(t *testing.T) (string, *[]string, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		paths = append(paths, r.URL.RequestURI())
		mu.Unlock()
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			_ = conn.Write(r.Context(), websocket.MessageText, []byte(orderTradeUpdate))
		}
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &paths, &mu
}

type fixture struct {
	tokens *tokens
	sink   *sink
	disp   *dispatcher.Dispatcher
	conns  *stream.Manager
	mgr    *Manager
}

func newFixture(t *testing.T, base string, streams []string) *fixture {
	t.Helper()
	f := &fixture{tokens: &tokens{}, sink: &sink{}, disp: dispatcher.New(dispatcher.Options{})}
	f.conns = stream.NewManager(stream.Options{
		TokenSource:  f.tokens,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		PingInterval: time.Hour,
	})
	var err error
	f.mgr, err = New(Options{
		Connections:   f.conns,
		Dispatcher:    f.disp,
		Normalizer:    binance.Normalizer{},
		Sink:          f.sink,
		UserDataURL:   base + "/ws",
		MarketDataURL: base,
		MarketStreams: streams,
	})
	require.NoError(t, err)
	return f
}

func TestStartRoutesUserDataIntoSink(t *testing.T) {
	base, paths, mu := newServer(t)
	f := newFixture(t, base, []string{"BTCUSDT@markPrice"})

	require.NoError(t, f.mgr.Start(context.Background()))
	require.Eventually(t, func() bool { return f.sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Positive(t, f.disp.HandlerCount(dispatcher.EventOrderTradeUpdate))

	st := f.mgr.Status()
	require.True(t, st.Running)
	require.Len(t, st.Connections, 2)
	require.Equal(t, MarketDataConnection, st.Connections[0].ID)
	require.Equal(t, UserDataConnection, st.Connections[1].ID)
	require.Equal(t, int64(1), st.Dispatch.ByType[dispatcher.EventOrderTradeUpdate].Dispatched)

	mu.Lock()
	require.ElementsMatch(t, []string{"/ws/lk-1", "/stream?streams=btcusdt@markprice"}, *paths)
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Stop(ctx))
	require.Equal(t, []string{"lk-1"}, f.tokens.deletedTokens())
	require.False(t, f.mgr.Status().Running)
	require.Zero(t, f.disp.HandlerCount(dispatcher.EventOrderTradeUpdate))
	require.Empty(t, f.conns.Snapshots())
}

func TestStartTwiceConflicts(t *testing.T) {
	base, _, _ := newServer(t)
	f := newFixture(t, base, nil)

	require.NoError(t, f.mgr.Start(context.Background()))
	t.Cleanup(func() { _ = f.mgr.Stop(context.Background()) })

	err := f.mgr.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.CodeConflict, errs.CodeOf(err))
}

func TestStartFailureUnregistersHandlers(t *testing.T) {
	base, _, _ := newServer(t)
	f := newFixture(t, base, nil)
	f.tokens.acquireErr = errs.New("binance", errs.CodeAuth, errs.WithMessage("invalid api key"))

	err := f.mgr.Start(context.Background())
	require.Error(t, err)
	require.False(t, f.mgr.Status().Running)
	require.Zero(t, f.disp.HandlerCount(dispatcher.EventOrderTradeUpdate))
	require.Zero(t, f.disp.HandlerCount(dispatcher.EventError))

	require.NoError(t, f.mgr.Stop(context.Background()))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestCombinedStreamURL(t *testing.T) {
	require.Equal(t, "wss://fstream.binance.com/stream?streams=btcusdt@markprice/ethusdt@aggtrade",
		CombinedStreamURL("wss://fstream.binance.com/", []string{"BTCUSDT@markPrice", " ", "ethusdt@aggTrade"}))
	require.Empty(t, CombinedStreamURL("", []string{"btcusdt@markPrice"}))
	require.Empty(t, CombinedStreamURL("wss://fstream.binance.com", nil))
}
