package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/coachpo/tradesync/internal/observability"
)

const (
	defaultWebhookTimeout  = 10 * time.Second
	defaultWebhookAttempts = 3
	defaultUserAgent       = "tradesync-notify/1.0"
	maxErrorBody           = 4 << 10
)

// WebhookConfig configures a WebhookSink.
type WebhookConfig struct {
	URL       string
	Timeout   time.Duration
	Attempts  uint
	UserAgent string
	Headers   map[string]string
	// Service is stamped into every payload.
	Service string
	Clock   func() time.Time
}

// WebhookSink posts notifications as JSON. 5xx, 429 and transport failures are retried with
// exponential backoff; other 4xx responses fail immediately.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
	logger observability.Logger
}

// Payload is the JSON body of a webhook notification.
type Payload struct {
	Service   string         `json:"service,omitempty"`
	ErrorType string         `json:"error_type"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewWebhookSink validates cfg and applies defaults.
func NewWebhookSink(cfg WebhookConfig, logger observability.Logger) (*WebhookSink, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = defaultWebhookAttempts
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: observability.OrDefault(logger),
	}, nil
}

// SendErrorNotification posts the notification, retrying transient failures.
func (s *WebhookSink) SendErrorNotification(ctx context.Context, errorType, message string, fields map[string]any) error {
	body, err := json.Marshal(Payload{
		Service:   s.cfg.Service,
		ErrorType: errorType,
		Message:   message,
		Context:   fields,
		Timestamp: s.cfg.Clock().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.post(ctx, body)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(s.cfg.Attempts))
	if err != nil {
		s.logger.Error("webhook notification failed",
			observability.F("error_type", errorType),
			observability.F("error", err))
		return err
	}
	return nil
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = fmt.Errorf("webhook returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return err
	}
	return backoff.Permanent(err)
}

// Close releases idle connections.
func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
