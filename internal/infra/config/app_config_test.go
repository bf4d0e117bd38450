package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "open app config")
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
exchange:
  name: Binance
  testnet: true
  marketStreams: ["btcusdt@markPrice", " ", "BTCUSDT@markPrice"]
  pageLimit: 500
stream:
  listenKeyRefresh: 20m
sync:
  epsilonAbsolute: "0.05"
reconcile:
  enabled: true
  schedule: "*/10 * * * *"
  chunkSpan: 48h
database:
  driver: postgresql
  dsn: postgres://tradesync@localhost:5432/tradesync
  maxConns: 4
  minConns: 9
logging:
  level: DEBUG
`)

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, "binance", cfg.Exchange.Name)
	require.True(t, cfg.Exchange.Testnet)
	require.Equal(t, []string{"btcusdt@markPrice"}, cfg.Exchange.MarketStreams)
	require.Equal(t, 500, cfg.Exchange.PageLimit)
	require.Equal(t, 20*time.Minute, cfg.Stream.ListenKeyRefresh)
	require.Equal(t, 48*time.Hour, cfg.Reconcile.ChunkSpan)
	require.Equal(t, DriverPostgres, cfg.Database.Driver)
	require.Equal(t, int32(4), cfg.Database.MinConns)
	require.Equal(t, "debug", cfg.Logging.Level)

	abs, rel := cfg.Sync.Epsilons()
	require.True(t, decimal.RequireFromString("0.05").Equal(abs))
	require.True(t, decimal.RequireFromString("0.003").Equal(rel))
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, DriverSQLite, cfg.Database.Driver)
	require.Equal(t, filepath.Join("data", "tradesync.db"), cfg.Database.DSN)
	require.Equal(t, "@every 15m", cfg.Reconcile.Schedule)
	require.Equal(t, 7*24*time.Hour, cfg.Sync.ScanWindow)

	tol, fee := cfg.Reconcile.Thresholds()
	require.True(t, decimal.RequireFromString("0.2").Equal(tol))
	require.True(t, decimal.NewFromInt(5).Equal(fee))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"environment":   "environment: qa\n",
		"exchange":      "exchange:\n  name: kraken\n",
		"credentials":   "exchange:\n  apiKey: k\n",
		"refresh":       "stream:\n  listenKeyRefresh: 61m\n",
		"epsilon":       "sync:\n  epsilonRelative: \"-1\"\n",
		"chunk span":    "reconcile:\n  chunkSpan: 200h\n",
		"schedule":      "reconcile:\n  enabled: true\n  schedule: \"every now and then\"\n",
		"postgres dsn":  "database:\n  driver: postgres\n",
		"driver":        "database:\n  driver: mongo\n",
		"logging level": "logging:\n  level: loud\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestEnvironmentOverridesYAML(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvAPISecret, "env-secret")
	t.Setenv(EnvDatabaseURL, "postgres://env/db")
	t.Setenv(EnvDatabaseKind, "postgres")
	t.Setenv(EnvTestnet, "true")

	cfg, err := Load(context.Background(), writeConfig(t, "exchange:\n  apiKey: yaml-key\n  apiSecret: yaml-secret\n"))
	require.NoError(t, err)
	require.Equal(t, "env-key", cfg.Exchange.APIKey)
	require.Equal(t, "env-secret", cfg.Exchange.APISecret)
	require.True(t, cfg.Exchange.Testnet)
	require.Equal(t, DriverPostgres, cfg.Database.Driver)
	require.Equal(t, "postgres://env/db", cfg.Database.DSN)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TRADESYNC_WEBHOOK_URL=https://hooks.example/alerts\n"), 0o600))
	t.Setenv(EnvWebhookURL, "")
	require.NoError(t, os.Unsetenv(EnvWebhookURL))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, "https://hooks.example/alerts", cfg.Notify.WebhookURL)
}
