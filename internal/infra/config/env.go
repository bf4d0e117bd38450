package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override YAML values.
const (
	EnvEnvironment   = "TRADESYNC_ENV"
	EnvAPIKey        = "BINANCE_API_KEY"
	EnvAPISecret     = "BINANCE_API_SECRET"
	EnvTestnet       = "BINANCE_TESTNET"
	EnvDatabaseURL   = "TRADESYNC_DATABASE_DSN"
	EnvDatabaseKind  = "TRADESYNC_DATABASE_DRIVER"
	EnvWebhookURL    = "TRADESYNC_WEBHOOK_URL"
	EnvLogLevel      = "TRADESYNC_LOG_LEVEL"
	EnvOTLPEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvServiceName   = "OTEL_SERVICE_NAME"
	EnvEnableMetrics = "OTEL_ENABLED"
)

// LoadDotEnv loads KEY=VALUE files into the process environment without replacing variables
// that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func applyEnv(c *AppConfig, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	env := string(c.Environment)
	str(EnvEnvironment, &env)
	c.Environment = Environment(env)

	str(EnvAPIKey, &c.Exchange.APIKey)
	str(EnvAPISecret, &c.Exchange.APISecret)
	flag(EnvTestnet, &c.Exchange.Testnet)
	str(EnvDatabaseURL, &c.Database.DSN)
	str(EnvDatabaseKind, &c.Database.Driver)
	str(EnvWebhookURL, &c.Notify.WebhookURL)
	str(EnvLogLevel, &c.Logging.Level)
	str(EnvOTLPEndpoint, &c.Telemetry.OTLPEndpoint)
	str(EnvServiceName, &c.Telemetry.ServiceName)
	flag(EnvEnableMetrics, &c.Telemetry.EnableMetrics)
}
