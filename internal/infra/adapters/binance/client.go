package binance

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/sony/gobreaker"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/infra/stream"
	"github.com/coachpo/tradesync/internal/observability"
)

// Client is the Binance USD-M futures REST client. It issues listen keys for the user-data
// stream, reads income and trade history for reconciliation and places protective stops.
type Client struct {
	cfg     Config
	futures *futures.Client
	breaker *gobreaker.CircuitBreaker
	metrics *clientMetrics
	logger  observability.Logger
}

var (
	_ stream.TokenSource     = (*Client)(nil)
	_ exchange.HistoryClient = (*Client)(nil)
	_ exchange.OrderClient   = (*Client)(nil)
)

// NewClient builds a client. Empty credentials are accepted; signed calls then fail with an
// authentication error.
func NewClient(cfg Config, logger observability.Logger) *Client {
	cfg, meta := withDefaults(cfg)
	log := observability.OrDefault(logger)
	fc := futures.NewClient(cfg.APIKey, cfg.APISecret)
	fc.BaseURL = meta.apiBaseURL
	fc.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}

	c := &Client{cfg: cfg, futures: fc, metrics: newClientMetrics(cfg.Name), logger: log}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Name + "-rest",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Only transport and exchange-side faults count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !errs.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.metrics.recordBreaker(to.String())
			log.Warn("circuit breaker state changed",
				observability.F("name", name),
				observability.F("from", from.String()),
				observability.F("to", to.String()))
		},
	})
	return c
}

// Name returns the exchange identifier.
func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) recvWindow() futures.RequestOption {
	return futures.WithRecvWindow(c.cfg.RecvWindow.Milliseconds())
}

// call runs fn behind the circuit breaker and classifies its error.
func call[T any](c *Client, operation string, fn func() (T, error)) (T, error) {
	var zero T
	started := time.Now()
	out, err := c.breaker.Execute(func() (any, error) {
		v, err := fn()
		if err != nil {
			return nil, mapError(operation, err)
		}
		return v, nil
	})
	c.metrics.recordCall(operation, started, err)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, errs.New(c.cfg.Name, errs.CodeUnavailable,
				errs.WithMessage("circuit open"),
				errs.WithClass(errs.ClassTransient),
				errs.WithField("operation", operation),
				errs.WithCause(err))
		}
		return zero, err
	}
	return out.(T), nil
}

// Acquire creates a listen key.
func (c *Client) Acquire(ctx context.Context) (string, error) {
	key, err := call(c, "start user stream", func() (string, error) {
		return c.futures.NewStartUserStreamService().Do(ctx)
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(key) == "" {
		return "", errs.New(c.cfg.Name, errs.CodeExchange, errs.WithMessage("empty listen key"))
	}
	return key, nil
}

// Refresh extends a listen key.
func (c *Client) Refresh(ctx context.Context, token string) error {
	_, err := call(c, "keepalive user stream", func() (struct{}, error) {
		return struct{}{}, c.futures.NewKeepaliveUserStreamService().ListenKey(token).Do(ctx)
	})
	return err
}

// Delete closes a listen key.
func (c *Client) Delete(ctx context.Context, token string) error {
	_, err := call(c, "close user stream", func() (struct{}, error) {
		return struct{}{}, c.futures.NewCloseUserStreamService().ListenKey(token).Do(ctx)
	})
	return err
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
