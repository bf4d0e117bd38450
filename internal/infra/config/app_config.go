// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ExchangeConfig describes the Binance USD-M futures account being synchronised.
type ExchangeConfig struct {
	Name      string `yaml:"name"`
	Testnet   bool   `yaml:"testnet"`
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
	// RESTBaseURL, UserDataURL and MarketDataURL override the endpoints implied by Testnet.
	RESTBaseURL     string        `yaml:"restBaseURL"`
	UserDataURL     string        `yaml:"userDataURL"`
	MarketDataURL   string        `yaml:"marketDataURL"`
	MarketStreams   []string      `yaml:"marketStreams"`
	HTTPTimeout     time.Duration `yaml:"httpTimeout"`
	RecvWindow      time.Duration `yaml:"recvWindow"`
	PageLimit       int           `yaml:"pageLimit"`
	BreakerFailures uint32        `yaml:"breakerFailures"`
	BreakerTimeout  time.Duration `yaml:"breakerTimeout"`
}

func (c *ExchangeConfig) applyDefaults() {
	c.Name = strings.ToLower(strings.TrimSpace(c.Name))
	if c.Name == "" {
		c.Name = "binance"
	}
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.APISecret = strings.TrimSpace(c.APISecret)
	c.RESTBaseURL = strings.TrimSpace(c.RESTBaseURL)
	c.UserDataURL = strings.TrimSpace(c.UserDataURL)
	c.MarketDataURL = strings.TrimSpace(c.MarketDataURL)
	c.MarketStreams = cleanList(c.MarketStreams)
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = 5 * time.Second
	}
	if c.PageLimit <= 0 {
		c.PageLimit = 1000
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

func (c ExchangeConfig) validate() error {
	if c.Name != "binance" {
		return fmt.Errorf("unsupported exchange %q", c.Name)
	}
	if c.PageLimit > 1000 {
		return fmt.Errorf("pageLimit must be <= 1000")
	}
	if (c.APIKey == "") != (c.APISecret == "") {
		return fmt.Errorf("apiKey and apiSecret must be set together")
	}
	return nil
}

// StreamConfig tunes websocket connections.
type StreamConfig struct {
	BaseDelay         time.Duration `yaml:"baseDelay"`
	MaxDelay          time.Duration `yaml:"maxDelay"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	PingInterval      time.Duration `yaml:"pingInterval"`
	ListenKeyRefresh  time.Duration `yaml:"listenKeyRefresh"`
	MessagesPerSecond int           `yaml:"messagesPerSecond"`
	HistorySize       int           `yaml:"historySize"`
	DispatchWorkers   int           `yaml:"dispatchWorkers"`
}

func (c *StreamConfig) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ListenKeyRefresh <= 0 {
		c.ListenKeyRefresh = 30 * time.Minute
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 5
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
}

func (c StreamConfig) validate() error {
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("maxDelay must be >= baseDelay")
	}
	if c.ListenKeyRefresh >= time.Hour {
		return fmt.Errorf("listenKeyRefresh must be below the 60m listen key expiry")
	}
	return nil
}

// SyncConfig tunes the streaming database sync.
type SyncConfig struct {
	EpsilonAbsolute   string        `yaml:"epsilonAbsolute"`
	EpsilonRelative   string        `yaml:"epsilonRelative"`
	ScanWindow        time.Duration `yaml:"scanWindow"`
	CacheSize         int           `yaml:"cacheSize"`
	RecoveryWorkers   int           `yaml:"recoveryWorkers"`
	RecoveryQueue     int           `yaml:"recoveryQueue"`
	RecoveryAttempts  uint          `yaml:"recoveryAttempts"`
	ProtectiveReasons []string      `yaml:"protectiveReasons"`
}

func (c *SyncConfig) applyDefaults() {
	c.EpsilonAbsolute = strings.TrimSpace(c.EpsilonAbsolute)
	if c.EpsilonAbsolute == "" {
		c.EpsilonAbsolute = "0.01"
	}
	c.EpsilonRelative = strings.TrimSpace(c.EpsilonRelative)
	if c.EpsilonRelative == "" {
		c.EpsilonRelative = "0.003"
	}
	if c.ScanWindow <= 0 {
		c.ScanWindow = 7 * 24 * time.Hour
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 10_000
	}
	if c.RecoveryWorkers <= 0 {
		c.RecoveryWorkers = 2
	}
	if c.RecoveryQueue <= 0 {
		c.RecoveryQueue = 64
	}
	if c.RecoveryAttempts == 0 {
		c.RecoveryAttempts = 3
	}
	c.ProtectiveReasons = cleanList(c.ProtectiveReasons)
}

func (c SyncConfig) validate() error {
	if _, err := positiveDecimal(c.EpsilonAbsolute); err != nil {
		return fmt.Errorf("epsilonAbsolute: %w", err)
	}
	if _, err := positiveDecimal(c.EpsilonRelative); err != nil {
		return fmt.Errorf("epsilonRelative: %w", err)
	}
	return nil
}

// Epsilons returns the parsed overwrite tolerances.
func (c SyncConfig) Epsilons() (abs, rel decimal.Decimal) {
	abs, _ = positiveDecimal(c.EpsilonAbsolute)
	rel, _ = positiveDecimal(c.EpsilonRelative)
	return abs, rel
}

// ReconcileConfig tunes the batch reconciliation.
type ReconcileConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Schedule       string        `yaml:"schedule"`
	Lookback       time.Duration `yaml:"lookback"`
	ChunkSpan      time.Duration `yaml:"chunkSpan"`
	ChunkDelay     time.Duration `yaml:"chunkDelay"`
	WindowPadding  time.Duration `yaml:"windowPadding"`
	TrailingBuffer time.Duration `yaml:"trailingBuffer"`
	PnLTolerance   string        `yaml:"pnlTolerance"`
	FeeRatioLimit  string        `yaml:"feeRatioLimit"`
	BatchSize      int           `yaml:"batchSize"`
}

func (c *ReconcileConfig) applyDefaults() {
	c.Schedule = strings.TrimSpace(c.Schedule)
	if c.Schedule == "" {
		c.Schedule = "@every 15m"
	}
	if c.Lookback <= 0 {
		c.Lookback = 7 * 24 * time.Hour
	}
	if c.ChunkSpan <= 0 {
		c.ChunkSpan = 7 * 24 * time.Hour
	}
	if c.ChunkDelay == 0 {
		c.ChunkDelay = 250 * time.Millisecond
	}
	if c.WindowPadding <= 0 {
		c.WindowPadding = 15 * time.Minute
	}
	if c.TrailingBuffer <= 0 {
		c.TrailingBuffer = time.Hour
	}
	c.PnLTolerance = strings.TrimSpace(c.PnLTolerance)
	if c.PnLTolerance == "" {
		c.PnLTolerance = "0.20"
	}
	c.FeeRatioLimit = strings.TrimSpace(c.FeeRatioLimit)
	if c.FeeRatioLimit == "" {
		c.FeeRatioLimit = "5"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
}

func (c ReconcileConfig) validate() error {
	if c.ChunkSpan > 7*24*time.Hour {
		return fmt.Errorf("chunkSpan must be <= 168h")
	}
	if _, err := positiveDecimal(c.PnLTolerance); err != nil {
		return fmt.Errorf("pnlTolerance: %w", err)
	}
	if _, err := positiveDecimal(c.FeeRatioLimit); err != nil {
		return fmt.Errorf("feeRatioLimit: %w", err)
	}
	if c.Enabled {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}
	return nil
}

// Thresholds returns the parsed cross-check limits.
func (c ReconcileConfig) Thresholds() (pnlTolerance, feeRatio decimal.Decimal) {
	pnlTolerance, _ = positiveDecimal(c.PnLTolerance)
	feeRatio, _ = positiveDecimal(c.FeeRatioLimit)
	return pnlTolerance, feeRatio
}

// AlertsConfig controls notification deduplication.
type AlertsConfig struct {
	Window         time.Duration `yaml:"window"`
	PruneThreshold int           `yaml:"pruneThreshold"`
}

// NotifyConfig configures outbound notifications. Notifications are always logged; a webhook is
// added when WebhookURL is set.
type NotifyConfig struct {
	WebhookURL      string            `yaml:"webhookURL"`
	WebhookTimeout  time.Duration     `yaml:"webhookTimeout"`
	WebhookAttempts uint              `yaml:"webhookAttempts"`
	WebhookHeaders  map[string]string `yaml:"webhookHeaders"`
}

// DatabaseConfig controls store connectivity and migration behaviour.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	RunMigrations   bool          `yaml:"runMigrations"`
	MigrationsDir   string        `yaml:"migrationsDir"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.Driver = normalizeDriver(c.Driver)
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" && c.Driver == DriverSQLite {
		c.DSN = filepath.Join("data", "tradesync.db")
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
}

func (c DatabaseConfig) validate() error {
	switch c.Driver {
	case DriverPostgres:
		if c.DSN == "" {
			return fmt.Errorf("dsn required for postgres")
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("driver must be postgres or sqlite")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// AppConfig is the unified tradesync configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Exchange    ExchangeConfig  `yaml:"exchange"`
	Stream      StreamConfig    `yaml:"stream"`
	Sync        SyncConfig      `yaml:"sync"`
	Reconcile   ReconcileConfig `yaml:"reconcile"`
	Alerts      AlertsConfig    `yaml:"alerts"`
	Notify      NotifyConfig    `yaml:"notify"`
	Database    DatabaseConfig  `yaml:"database"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Default returns a configuration with every default applied.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	cfg.normalise()
	return cfg
}

// Load reads the YAML file at configPath, applies environment overrides and validates the result.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return parse(bytes)
}

// LoadOrDefault behaves like Load but starts from Default when configPath does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return parse(nil)
	}
	if _, err := os.Stat(configPath); err != nil && os.IsNotExist(err) {
		return parse(nil)
	}
	return Load(ctx, configPath)
}

func parse(bytes []byte) (AppConfig, error) {
	var cfg AppConfig
	if len(bytes) > 0 {
		if err := yaml.Unmarshal(bytes, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	applyEnv(&cfg, os.LookupEnv)
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Exchange.applyDefaults()
	c.Stream.applyDefaults()
	c.Sync.applyDefaults()
	c.Reconcile.applyDefaults()
	c.Database.applyDefaults()

	c.Notify.WebhookURL = strings.TrimSpace(c.Notify.WebhookURL)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tradesync"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.File = strings.TrimSpace(c.Logging.File)
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.Exchange.validate(); err != nil {
		return fmt.Errorf("exchange: %w", err)
	}
	if err := c.Stream.validate(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if err := c.Sync.validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := c.Reconcile.validate(); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging level %q not recognised", c.Logging.Level)
	}
	return nil
}

func positiveDecimal(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q", raw)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("must be > 0")
	}
	return d, nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
