package binance

import (
	"strings"
	"time"
)

type metadata struct {
	apiBaseURL       string
	websocketBaseURL string
	marketStreamURL  string
	identifier       string
}

var futuresMetadata = metadata{
	apiBaseURL:       "https://fapi.binance.com",
	websocketBaseURL: "wss://fstream.binance.com/ws",
	marketStreamURL:  "wss://fstream.binance.com",
	identifier:       exchangeName,
}

var testnetMetadata = metadata{
	apiBaseURL:       "https://testnet.binancefuture.com",
	websocketBaseURL: "wss://stream.binancefuture.com/ws",
	marketStreamURL:  "wss://stream.binancefuture.com",
	identifier:       exchangeName,
}

const (
	defaultHTTPTimeout     = 10 * time.Second
	defaultRecvWindow      = 5 * time.Second
	defaultPageLimit       = 1000
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// Config captures user-overridable Binance settings.
type Config struct {
	Name      string
	APIKey    string
	APISecret string
	Testnet   bool
	// BaseURL overrides the REST endpoint.
	BaseURL     string
	HTTPTimeout time.Duration
	RecvWindow  time.Duration
	// PageLimit caps rows per history request.
	PageLimit int
	// BreakerFailures consecutive transient failures open the circuit for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func withDefaults(in Config) (Config, metadata) {
	meta := futuresMetadata
	if in.Testnet {
		meta = testnetMetadata
	}
	if strings.TrimSpace(in.Name) == "" {
		in.Name = meta.identifier
	}
	if strings.TrimSpace(in.BaseURL) != "" {
		meta.apiBaseURL = strings.TrimSuffix(strings.TrimSpace(in.BaseURL), "/")
	}
	if in.HTTPTimeout <= 0 {
		in.HTTPTimeout = defaultHTTPTimeout
	}
	if in.RecvWindow <= 0 {
		in.RecvWindow = defaultRecvWindow
	}
	if in.PageLimit <= 0 || in.PageLimit > defaultPageLimit {
		in.PageLimit = defaultPageLimit
	}
	if in.BreakerFailures == 0 {
		in.BreakerFailures = defaultBreakerFailures
	}
	if in.BreakerTimeout <= 0 {
		in.BreakerTimeout = defaultBreakerTimeout
	}
	return in, meta
}

// UserDataURL is the websocket base a listen key is appended to.
func (c Config) UserDataURL() string {
	_, meta := withDefaults(c)
	return meta.websocketBaseURL
}

// MarketDataURL is the combined-stream base for market data.
func (c Config) MarketDataURL() string {
	_, meta := withDefaults(c)
	return meta.marketStreamURL
}
