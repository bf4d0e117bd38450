package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/observability"
)

type connection struct {
	id      string
	kind    Kind
	baseURL string
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	limiter *rate.Limiter
	window  rateWindow
	writeMu sync.Mutex

	mu            sync.RWMutex
	conn          *websocket.Conn
	state         State
	token         string
	attempts      int
	lastHeartbeat time.Time
	lastErr       error
}

func newConnection(id string, kind Kind, url string, handler Handler, perSecond int) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		id:      id,
		kind:    kind,
		baseURL: url,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		state:   StateConnecting,
	}
}

func (c *connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *connection) finished() bool {
	s := c.State()
	return s == StateClosed || s == StateFailed
}

// setState records next unless the connection already failed.
func (c *connection) setState(next State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateFailed && next != StateFailed {
		return
	}
	c.state = next
	if err != nil {
		c.lastErr = err
	}
}

func (c *connection) current() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *connection) attach(conn *websocket.Conn, now time.Time) {
	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.lastHeartbeat = now
	if c.state != StateFailed {
		c.state = StateConnected
	}
	c.mu.Unlock()
}

func (c *connection) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *connection) closeSocket(code websocket.StatusCode, reason string) {
	if conn := c.current(); conn != nil {
		_ = conn.Close(code, reason)
	}
}

func (c *connection) heartbeat(now time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
}

func (c *connection) setAttempt(n int) {
	c.mu.Lock()
	c.attempts = n
	if c.state != StateFailed {
		c.state = StateReconnecting
	}
	c.mu.Unlock()
}

func (c *connection) sessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *connection) setToken(token string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.token
	c.token = token
	return previous
}

func (c *connection) takeToken() string {
	return c.setToken("")
}

func (c *connection) snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		ID:            c.id,
		Kind:          c.kind,
		State:         c.state,
		Attempts:      c.attempts,
		LastHeartbeat: c.lastHeartbeat,
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	return snap
}

// dial opens a socket for c, acquiring a session token first when the stream needs one.
func (m *Manager) dial(c *connection) (*websocket.Conn, error) {
	url := c.baseURL
	if c.kind == KindUserData {
		token := c.sessionToken()
		if token == "" {
			acquired, err := m.acquire(c)
			if err != nil {
				return nil, err
			}
			c.setToken(acquired)
			token = acquired
		}
		url = m.opts.SessionURL(c.baseURL, token)
	}

	conn, _, err := websocket.Dial(c.ctx, url, nil)
	if err != nil {
		m.metrics.recordReconnect(c, "error")
		if c.kind == KindUserData {
			// a rejected dial may mean the token expired server side
			c.setToken("")
		}
		return nil, errs.New("", errs.CodeNetwork, errs.WithMessage("dial failed"), errs.WithField("connection", c.id), errs.WithCause(err))
	}
	conn.SetReadLimit(m.opts.ReadLimit)
	m.metrics.recordReconnect(c, "success")
	c.attach(conn, m.opts.Clock())
	return conn, nil
}

func (m *Manager) acquire(c *connection) (string, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.opts.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         m.opts.MaxDelay,
	}
	b.Reset()
	token, err := backoff.Retry(c.ctx, func() (string, error) {
		ctx, cancel := context.WithTimeout(c.ctx, m.opts.TokenTimeout)
		defer cancel()
		token, err := m.opts.TokenSource.Acquire(ctx)
		if err != nil {
			m.metrics.recordToken(c, "acquire", "error")
			if errs.IsFatal(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		if token == "" {
			return "", backoff.Permanent(errs.New("", errs.CodeExchange, errs.WithMessage("empty session token")))
		}
		m.metrics.recordToken(c, "acquire", "success")
		return token, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(m.opts.TokenRetries))
	if err != nil {
		return "", fmt.Errorf("acquire session token: %w", err)
	}
	return token, nil
}

// supervise runs sessions on conn and reconnects after involuntary closures until the
// connection is cancelled or reconnect attempts are exhausted.
func (m *Manager) supervise(c *connection, conn *websocket.Conn) {
	defer c.wg.Done()
	for conn != nil {
		err := m.serve(c, conn)
		c.detach(conn)
		if c.ctx.Err() != nil {
			c.setState(StateClosed, nil)
			return
		}
		c.setState(StateDisconnected, err)
		m.logger.Warn("stream disconnected", observability.F("connection", c.id), observability.F("error", err))
		if !errors.Is(err, context.Canceled) {
			m.reportError(c, err)
		}
		conn = m.reconnect(c)
	}
}

func (m *Manager) reconnect(c *connection) *websocket.Conn {
	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		c.setAttempt(attempt)
		delay := m.opts.ReconnectDelay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			c.setState(StateClosed, nil)
			return nil
		case <-timer.C:
		}

		conn, err := m.dial(c)
		if err == nil {
			m.logger.Info("stream reconnected", observability.F("connection", c.id), observability.F("attempt", attempt))
			return conn
		}
		if c.ctx.Err() != nil {
			c.setState(StateClosed, nil)
			return nil
		}
		lastErr = err
		if errs.IsFatal(err) {
			m.fail(c, err)
			return nil
		}
		m.logger.Warn("stream reconnect failed",
			observability.F("connection", c.id),
			observability.F("attempt", attempt),
			observability.F("next_delay", m.opts.ReconnectDelay(attempt+1).String()),
			observability.F("error", err))
	}
	m.fail(c, fmt.Errorf("reconnect attempts exhausted after %d tries: %w", m.opts.MaxAttempts, lastErr))
	return nil
}

func (m *Manager) fail(c *connection, err error) {
	c.setState(StateFailed, err)
	m.logger.Error("stream failed", observability.F("connection", c.id), observability.F("error", err))
	m.reportError(c, err)
	c.cancel()
	c.closeSocket(websocket.StatusPolicyViolation, "failed")
}

// serve runs the read and ping loops of one socket until either stops.
func (m *Manager) serve(c *connection, conn *websocket.Conn) error {
	sessCtx, cancel := context.WithCancel(c.ctx)
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- m.readLoop(sessCtx, c, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- m.pingLoop(sessCtx, c, conn)
	}()

	first := <-errCh
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()
	return first
}

func (m *Manager) readLoop(ctx context.Context, c *connection, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		now := m.opts.Clock()
		c.heartbeat(now)
		c.window.addReceived(now)
		m.metrics.recordMessage(c, "in", len(data))
		if msgType != websocket.MessageText {
			continue
		}
		if err := c.handler(c.ctx, c.id, data); err != nil {
			m.reportError(c, fmt.Errorf("handle message: %w", err))
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, c *connection, conn *websocket.Conn) error {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return context.Canceled
		}
		pingCtx, cancel := context.WithTimeout(ctx, m.opts.PingTimeout)
		start := time.Now()
		err := conn.Ping(pingCtx)
		cancel()
		c.window.addHeartbeat(m.opts.Clock())
		if err != nil {
			m.metrics.recordPing(c, time.Since(start), "error")
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("ping: remote closed with status %d", status)
			}
			return fmt.Errorf("ping: %w", err)
		}
		m.metrics.recordPing(c, time.Since(start), "success")
		c.heartbeat(m.opts.Clock())
	}
}

// refreshLoop keeps the session token alive. A failed refresh falls back to acquiring a
// fresh token and reconnecting with it.
func (m *Manager) refreshLoop(c *connection) {
	defer c.wg.Done()
	ticker := time.NewTicker(m.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		token := c.sessionToken()
		if token == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(c.ctx, m.opts.TokenTimeout)
		err := m.opts.TokenSource.Refresh(ctx, token)
		cancel()
		if err == nil {
			m.metrics.recordToken(c, "refresh", "success")
			m.logger.Debug("session token refreshed", observability.F("connection", c.id))
			continue
		}
		m.metrics.recordToken(c, "refresh", "error")
		if c.ctx.Err() != nil {
			return
		}
		if errs.IsFatal(err) {
			m.fail(c, fmt.Errorf("refresh session token: %w", err))
			return
		}
		m.logger.Warn("session token refresh failed, reacquiring", observability.F("connection", c.id), observability.F("error", err))
		if err := m.rotate(c.ctx, c); err != nil {
			m.reportError(c, err)
		}
	}
}

// rotate acquires a new token and forces a reconnect so the socket uses it. When acquiring
// fails with a retryable error the token is cleared and the reconnect path acquires again.
func (m *Manager) rotate(ctx context.Context, c *connection) error {
	if ctx == nil {
		ctx = context.Background()
	}
	token, err := m.acquire(c)
	if err != nil {
		if errs.IsFatal(err) {
			m.fail(c, err)
			return err
		}
		c.setToken("")
		c.closeSocket(websocket.StatusGoingAway, "session token rotation")
		return err
	}
	previous := c.setToken(token)
	c.closeSocket(websocket.StatusGoingAway, "session token rotated")
	if previous != "" && previous != token {
		dctx, cancel := context.WithTimeout(ctx, m.opts.TokenTimeout)
		if derr := m.opts.TokenSource.Delete(dctx, previous); derr != nil {
			m.logger.Debug("delete superseded session token failed", observability.F("connection", c.id), observability.F("error", derr))
		}
		cancel()
	}
	return nil
}
