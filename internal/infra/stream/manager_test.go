package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradesync/errs"
)

type wsServer struct {
	srv   *httptest.Server
	mu    sync.Mutex
	paths []string
	count atomic.Int32
}

func newWSServer(t *testing.T, onConn func(n int, conn *websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path)
		s.mu.Unlock()
		n := int(s.count.Add(1))
		onConn(n, conn)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) seenPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(_ context.Context, _ string, data []byte) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(data))
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

type fakeTokens struct {
	mu         sync.Mutex
	acquired   int
	refreshErr error
	acquireErr error
	deleted    []string
}

func (f *fakeTokens) Acquire(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return "", f.acquireErr
	}
	f.acquired++
	return fmt.Sprintf("key%d", f.acquired), nil
}

func (f *fakeTokens) Refresh(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshErr
}

func (f *fakeTokens) Delete(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, token)
	return nil
}

func (f *fakeTokens) deletedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func TestReconnectDelayIsNonDecreasingAndCapped(t *testing.T) {
	opts := Options{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	prev := time.Duration(0)
	for i, w := range want {
		got := opts.ReconnectDelay(i + 1)
		require.Equal(t, w*time.Second, got, "attempt %d", i+1)
		require.GreaterOrEqual(t, got, prev)
		require.LessOrEqual(t, got, opts.MaxDelay)
		prev = got
	}
	require.Equal(t, time.Second, opts.ReconnectDelay(0))
}

func TestCreateConnectionForwardsMessagesInOrder(t *testing.T) {
	srv := newWSServer(t, func(_ int, conn *websocket.Conn) {
		for _, msg := range []string{"one", "two", "three"} {
			_ = conn.Write(context.Background(), websocket.MessageText, []byte(msg))
		}
		drain(conn)
	})

	m := NewManager(Options{})
	var got collector
	require.NoError(t, m.CreateConnection(context.Background(), "market", KindMarketData, srv.url(), got.handle))
	require.True(t, m.IsConnected("market"))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"one", "two", "three"}, got.snapshot())

	snaps := m.Snapshots()
	require.Len(t, snaps, 1)
	require.Equal(t, StateConnected, snaps[0].State)
	require.False(t, snaps[0].LastHeartbeat.IsZero())
	rs, ok := m.RateStatus("market")
	require.True(t, ok)
	require.Equal(t, 3, rs.Received)

	err := m.CreateConnection(context.Background(), "market", KindMarketData, srv.url(), got.handle)
	require.Error(t, err)
	require.Equal(t, errs.CodeConflict, errs.CodeOf(err))

	require.NoError(t, m.CloseConnection(context.Background(), "market"))
	_, ok = m.ConnectionState("market")
	require.False(t, ok)
	require.False(t, m.IsConnected("market"))
}

func TestReconnectsAfterInvoluntaryClose(t *testing.T) {
	srv := newWSServer(t, func(n int, conn *websocket.Conn) {
		_ = conn.Write(context.Background(), websocket.MessageText, []byte(fmt.Sprintf("session-%d", n)))
		if n == 1 {
			_ = conn.Close(websocket.StatusGoingAway, "maintenance")
			return
		}
		drain(conn)
	})

	m := NewManager(Options{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})
	var got collector
	require.NoError(t, m.CreateConnection(context.Background(), "market", KindMarketData, srv.url(), got.handle))
	t.Cleanup(func() { _ = m.CloseAllConnections(context.Background()) })

	require.Eventually(t, func() bool {
		msgs := got.snapshot()
		return len(msgs) == 2 && msgs[1] == "session-2"
	}, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.IsConnected("market") }, time.Second, 5*time.Millisecond)
}

func TestReconnectExhaustionMarksFailed(t *testing.T) {
	var srv *wsServer
	srv = newWSServer(t, func(_ int, conn *websocket.Conn) {
		_ = srv.srv.Listener.Close()
		_ = conn.Close(websocket.StatusGoingAway, "bye")
	})

	m := NewManager(Options{BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 2})
	var got collector
	require.NoError(t, m.CreateConnection(context.Background(), "market", KindMarketData, srv.url(), got.handle))

	require.Eventually(t, func() bool {
		state, _ := m.ConnectionState("market")
		return state == StateFailed
	}, 3*time.Second, 5*time.Millisecond)

	var sawExhausted bool
	for !sawExhausted {
		select {
		case err := <-m.Errors():
			sawExhausted = strings.Contains(err.Error(), "exhausted")
		case <-time.After(time.Second):
			t.Fatal("expected exhaustion error")
		}
	}
	require.NoError(t, m.CloseAllConnections(context.Background()))
}

func TestUserDataConnectionUsesSessionToken(t *testing.T) {
	srv := newWSServer(t, func(_ int, conn *websocket.Conn) { drain(conn) })
	tokens := &fakeTokens{}

	m := NewManager(Options{TokenSource: tokens})
	var got collector
	require.NoError(t, m.CreateConnection(context.Background(), "user", KindUserData, srv.url()+"/ws", got.handle))
	require.Equal(t, []string{"/ws/key1"}, srv.seenPaths())

	require.NoError(t, m.CloseAllConnections(context.Background()))
	require.Equal(t, []string{"key1"}, tokens.deletedTokens())
}

func TestRefreshFailureFallsBackToNewToken(t *testing.T) {
	srv := newWSServer(t, func(_ int, conn *websocket.Conn) { drain(conn) })
	tokens := &fakeTokens{refreshErr: errors.New("listen key does not exist")}

	m := NewManager(Options{
		TokenSource:     tokens,
		RefreshInterval: 30 * time.Millisecond,
		BaseDelay:       5 * time.Millisecond,
		MaxDelay:        20 * time.Millisecond,
	})
	var got collector
	require.NoError(t, m.CreateConnection(context.Background(), "user", KindUserData, srv.url()+"/ws", got.handle))
	t.Cleanup(func() { _ = m.CloseAllConnections(context.Background()) })

	require.Eventually(t, func() bool {
		for _, p := range srv.seenPaths() {
			if p == "/ws/key2" {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, tok := range tokens.deletedTokens() {
			if tok == "key1" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestFatalTokenErrorAbortsWithoutRetry(t *testing.T) {
	tokens := &fakeTokens{acquireErr: errs.New("binance", errs.CodeAuth, errs.WithRawCode("-2015"))}
	m := NewManager(Options{TokenSource: tokens, BaseDelay: time.Millisecond})

	err := m.CreateConnection(context.Background(), "user", KindUserData, "ws://127.0.0.1:1/ws", func(context.Context, string, []byte) error { return nil })
	require.Error(t, err)
	require.True(t, errs.IsFatal(err))
	_, ok := m.ConnectionState("user")
	require.False(t, ok)
}

func TestSendMessageSignalsBackpressure(t *testing.T) {
	received := make(chan string, 8)
	srv := newWSServer(t, func(_ int, conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			received <- string(data)
		}
	})

	m := NewManager(Options{MessagesPerSecond: 2})
	var got collector
	require.NoError(t, m.CreateConnection(context.Background(), "market", KindMarketData, srv.url(), got.handle))
	t.Cleanup(func() { _ = m.CloseAllConnections(context.Background()) })

	require.NoError(t, m.SendMessage(context.Background(), "market", []byte(`{"method":"SUBSCRIBE"}`)))
	require.NoError(t, m.SendMessage(context.Background(), "market", []byte(`{"method":"LIST_SUBSCRIPTIONS"}`)))

	rs, _ := m.RateStatus("market")
	require.True(t, rs.NearLimit)

	err := m.SendMessage(context.Background(), "market", []byte(`{"method":"UNSUBSCRIBE"}`))
	require.Error(t, err)
	require.Equal(t, errs.CodeRateLimited, errs.CodeOf(err))
	require.True(t, errs.IsTransient(err))

	require.Equal(t, `{"method":"SUBSCRIBE"}`, <-received)
	require.Equal(t, `{"method":"LIST_SUBSCRIPTIONS"}`, <-received)

	err = m.SendMessage(context.Background(), "missing", []byte("x"))
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestRateWindowRollsOver(t *testing.T) {
	var w rateWindow
	base := time.Unix(1_700_000_000, 0)
	_, slot := w.reserveMessage(base, 0)
	require.GreaterOrEqual(t, slot, int64(0))
	w.addHeartbeat(base.Add(300 * time.Millisecond))
	w.addReceived(base.Add(500 * time.Millisecond))

	st := w.status(base.Add(900*time.Millisecond), 2, 0.8)
	require.Equal(t, 1, st.Messages)
	require.Equal(t, 1, st.Heartbeats)
	require.Equal(t, 1, st.Received)
	require.True(t, st.NearLimit)

	st = w.status(base.Add(1250*time.Millisecond), 2, 0.8)
	require.Zero(t, st.Messages)
	require.Equal(t, 1, st.Heartbeats)

	st = w.status(base.Add(3*time.Second), 2, 0.8)
	require.Zero(t, st.Outbound())
	require.False(t, st.NearLimit)
}

func TestRateWindowReservationsNeverExceedLimit(t *testing.T) {
	var w rateWindow
	now := time.Unix(1_700_000_000, 0)
	var granted atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, slot := w.reserveMessage(now, 10); slot >= 0 {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(10), granted.Load())

	outbound, slot := w.reserveMessage(now, 10)
	require.Equal(t, 10, outbound)
	require.Equal(t, int64(-1), slot)

	w.releaseMessage(now.UnixNano() / int64(rateBucketWidth))
	_, slot = w.reserveMessage(now, 10)
	require.GreaterOrEqual(t, slot, int64(0))
	require.Equal(t, 10, w.status(now, 10, 0.8).Messages)
}

func TestConcurrentSendsShareOneBudget(t *testing.T) {
	srv := newWSServer(t, func(_ int, conn *websocket.Conn) { drain(conn) })
	m := NewManager(Options{MessagesPerSecond: 3})
	var got collector
	require.NoError(t, m.CreateConnection(context.Background(), "market", KindMarketData, srv.url(), got.handle))
	t.Cleanup(func() { _ = m.CloseAllConnections(context.Background()) })

	var sent, limited atomic.Int32
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.SendMessage(context.Background(), "market", []byte(fmt.Sprintf(`{"id":%d}`, i)))
			switch {
			case err == nil:
				sent.Add(1)
			case errs.CodeOf(err) == errs.CodeRateLimited:
				limited.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(3), sent.Load())
	require.Equal(t, int32(7), limited.Load())
}
