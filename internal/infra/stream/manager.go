// Package stream owns long-lived websocket connections to the exchange: dialing, heartbeats,
// session token renewal, reconnection with capped exponential backoff and outbound rate budgets.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/observability"
)

// Kind tags what a connection carries.
type Kind string

const (
	KindUserData   Kind = "user_data"
	KindMarketData Kind = "market_data"
)

// State is the lifecycle state of a connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Handler receives every frame of a connection in arrival order.
type Handler func(ctx context.Context, connectionID string, data []byte) error

// TokenSource manages the server-issued session token required by user-data streams.
type TokenSource interface {
	Acquire(ctx context.Context) (string, error)
	Refresh(ctx context.Context, token string) error
	Delete(ctx context.Context, token string) error
}

// Options configures a Manager. Zero values take defaults.
type Options struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	TokenTimeout time.Duration
	ReadLimit    int64

	// RefreshInterval must stay below the server-side token expiry.
	RefreshInterval time.Duration
	TokenSource     TokenSource
	// TokenRetries bounds acquire attempts before a dial gives up.
	TokenRetries uint
	// SessionURL builds the dial URL of a user-data stream from its base URL and token.
	SessionURL func(base, token string) string

	// MessagesPerSecond is the outbound frame ceiling per connection, heartbeats included.
	MessagesPerSecond int
	NearLimitRatio    float64

	Logger observability.Logger
	Clock  func() time.Time
}

const (
	defaultBaseDelay         = time.Second
	defaultMaxDelay          = 60 * time.Second
	defaultMaxAttempts       = 10
	defaultPingInterval      = 30 * time.Second
	defaultPingTimeout       = 5 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultTokenTimeout      = 5 * time.Second
	defaultReadLimit         = 2 * 1024 * 1024
	defaultRefreshInterval   = 30 * time.Minute
	defaultTokenRetries      = 3
	defaultMessagesPerSecond = 5
	defaultNearLimitRatio    = 0.8
	errorBuffer              = 64
)

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = defaultPingTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.TokenTimeout <= 0 {
		o.TokenTimeout = defaultTokenTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = defaultRefreshInterval
	}
	if o.TokenRetries == 0 {
		o.TokenRetries = defaultTokenRetries
	}
	if o.SessionURL == nil {
		o.SessionURL = func(base, token string) string {
			return strings.TrimRight(base, "/") + "/" + token
		}
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = defaultMessagesPerSecond
	}
	if o.NearLimitRatio <= 0 || o.NearLimitRatio > 1 {
		o.NearLimitRatio = defaultNearLimitRatio
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// ReconnectDelay returns min(base·2^(attempt-1), max) for attempt >= 1.
func (o Options) ReconnectDelay(attempt int) time.Duration {
	o = o.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         o.MaxDelay,
	}
	b.Reset()
	delay := o.BaseDelay
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop || delay > o.MaxDelay {
		return o.MaxDelay
	}
	return delay
}

// Snapshot describes a connection for status reporting.
type Snapshot struct {
	ID            string
	Kind          Kind
	State         State
	Attempts      int
	LastHeartbeat time.Time
	LastError     string
	Rate          RateStatus
}

// Manager owns named stream connections. All methods are safe for concurrent use.
type Manager struct {
	opts    Options
	logger  observability.Logger
	metrics *streamMetrics
	errCh   chan error

	mu          sync.Mutex
	connections map[string]*connection
}

// NewManager constructs a Manager.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:        opts,
		logger:      observability.OrDefault(opts.Logger),
		metrics:     newStreamMetrics(),
		errCh:       make(chan error, errorBuffer),
		connections: make(map[string]*connection),
	}
}

// Errors surfaces asynchronous connection failures. Delivery is best effort.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// ReconnectDelay exposes the configured reconnect schedule.
func (m *Manager) ReconnectDelay(attempt int) time.Duration {
	return m.opts.ReconnectDelay(attempt)
}

// CreateConnection dials url and starts the read and heartbeat loops. User-data connections
// acquire a session token first and keep it refreshed. The connection outlives ctx; use
// CloseConnection to stop it.
func (m *Manager) CreateConnection(ctx context.Context, id string, kind Kind, url string, handler Handler) error {
	id = strings.TrimSpace(id)
	if id == "" || strings.TrimSpace(url) == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("connection id and url are required"))
	}
	if handler == nil {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("handler is required"), errs.WithField("connection", id))
	}
	if kind == KindUserData && m.opts.TokenSource == nil {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("user data stream requires a token source"), errs.WithField("connection", id))
	}

	c := newConnection(id, kind, url, handler, m.opts.MessagesPerSecond)
	m.mu.Lock()
	if existing, ok := m.connections[id]; ok && !existing.finished() {
		m.mu.Unlock()
		return errs.New("", errs.CodeConflict, errs.WithMessage("connection already exists"), errs.WithField("connection", id), errs.WithClass(errs.ClassLogic))
	}
	m.connections[id] = c
	m.mu.Unlock()

	conn, err := m.dialWithParent(ctx, c)
	if err != nil {
		c.cancel()
		c.setState(StateFailed, err)
		m.mu.Lock()
		if m.connections[id] == c {
			delete(m.connections, id)
		}
		m.mu.Unlock()
		return fmt.Errorf("create connection %s: %w", id, err)
	}

	c.wg.Add(1)
	go m.supervise(c, conn)
	if kind == KindUserData {
		c.wg.Add(1)
		go m.refreshLoop(c)
	}
	m.logger.Info("stream connected", observability.F("connection", id), observability.F("kind", string(kind)))
	return nil
}

// dialWithParent ties the initial dial to the caller context as well as the connection's own.
func (m *Manager) dialWithParent(ctx context.Context, c *connection) (*websocket.Conn, error) {
	if ctx == nil {
		return m.dial(c)
	}
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()
	conn, err := m.dial(c)
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("dial aborted: %w", ctx.Err())
	}
	return conn, err
}

func (m *Manager) lookup(id string) (*connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	return c, ok
}

// IsConnected reports whether id currently holds an open socket.
func (m *Manager) IsConnected(id string) bool {
	c, ok := m.lookup(id)
	return ok && c.State() == StateConnected
}

// ConnectionState reports the state of id.
func (m *Manager) ConnectionState(id string) (State, bool) {
	c, ok := m.lookup(id)
	if !ok {
		return "", false
	}
	return c.State(), true
}

// RateStatus reports the rolling one-second usage of id.
func (m *Manager) RateStatus(id string) (RateStatus, bool) {
	c, ok := m.lookup(id)
	if !ok {
		return RateStatus{}, false
	}
	return c.window.status(m.opts.Clock(), m.opts.MessagesPerSecond, m.opts.NearLimitRatio), true
}

// Snapshots describes every tracked connection, ordered by id.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })

	now := m.opts.Clock()
	out := make([]Snapshot, 0, len(conns))
	for _, c := range conns {
		snap := c.snapshot()
		snap.Rate = c.window.status(now, m.opts.MessagesPerSecond, m.opts.NearLimitRatio)
		out = append(out, snap)
	}
	return out
}

// SendMessage writes payload on id. It refuses with a rate-limited error when the rolling
// budget is exhausted and otherwise paces writes to the configured rate.
func (m *Manager) SendMessage(ctx context.Context, id string, payload []byte) error {
	c, ok := m.lookup(id)
	if !ok {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("unknown connection"), errs.WithField("connection", id))
	}
	conn := c.current()
	if conn == nil {
		return errs.New("", errs.CodeUnavailable, errs.WithMessage("connection not open"), errs.WithField("connection", id))
	}
	outbound, slot := c.window.reserveMessage(m.opts.Clock(), m.opts.MessagesPerSecond)
	if slot < 0 {
		m.metrics.recordBackpressure(c)
		return errs.New("", errs.CodeRateLimited,
			errs.WithMessage("connection rate budget exhausted"),
			errs.WithField("connection", id),
			errs.WithField("outbound", fmt.Sprint(outbound)))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		c.window.releaseMessage(slot)
		return fmt.Errorf("pace send: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	c.writeMu.Lock()
	err := conn.Write(writeCtx, websocket.MessageText, payload)
	c.writeMu.Unlock()
	if err != nil {
		return errs.New("", errs.CodeNetwork, errs.WithMessage("write failed"), errs.WithField("connection", id), errs.WithCause(err))
	}
	m.metrics.recordMessage(c, "out", len(payload))
	return nil
}

// RenewSession replaces the session token of a user-data connection and reconnects with it.
func (m *Manager) RenewSession(ctx context.Context, id string) error {
	c, ok := m.lookup(id)
	if !ok {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("unknown connection"), errs.WithField("connection", id))
	}
	if c.kind != KindUserData {
		return nil
	}
	return m.rotate(ctx, c)
}

// CloseConnection stops id, waits for its loops, then deletes its session token.
func (m *Manager) CloseConnection(ctx context.Context, id string) error {
	m.mu.Lock()
	c, ok := m.connections[id]
	delete(m.connections, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := m.stop(ctx, c); err != nil {
		return err
	}
	return m.deleteToken(ctx, c)
}

// CloseAllConnections closes every connection first and deletes session tokens afterwards.
// Individual failures do not stop the remaining steps.
func (m *Manager) CloseAllConnections(ctx context.Context) error {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.connections))
	for id, c := range m.connections {
		conns = append(conns, c)
		delete(m.connections, id)
	}
	m.mu.Unlock()

	var failures []error
	for _, c := range conns {
		failures = append(failures, m.stop(ctx, c))
	}
	for _, c := range conns {
		failures = append(failures, m.deleteToken(ctx, c))
	}
	return errors.Join(failures...)
}

func (m *Manager) stop(ctx context.Context, c *connection) error {
	c.cancel()
	c.closeSocket(websocket.StatusNormalClosure, "shutdown")
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-done:
		c.setState(StateClosed, nil)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close connection %s: %w", c.id, ctx.Err())
	}
}

func (m *Manager) deleteToken(ctx context.Context, c *connection) error {
	token := c.takeToken()
	if token == "" || m.opts.TokenSource == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tctx, cancel := context.WithTimeout(ctx, m.opts.TokenTimeout)
	defer cancel()
	if err := m.opts.TokenSource.Delete(tctx, token); err != nil {
		m.metrics.recordToken(c, "delete", "error")
		return fmt.Errorf("delete session token for %s: %w", c.id, err)
	}
	m.metrics.recordToken(c, "delete", "success")
	return nil
}

func (m *Manager) reportError(c *connection, err error) {
	if err == nil {
		return
	}
	err = fmt.Errorf("stream %s: %w", c.id, err)
	select {
	case m.errCh <- err:
	default:
	}
}
