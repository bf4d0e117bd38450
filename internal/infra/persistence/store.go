// Package persistence selects and opens the trade store backend.
package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/domain/tradestore"
	"github.com/coachpo/tradesync/internal/infra/persistence/migrations"
	"github.com/coachpo/tradesync/internal/infra/persistence/postgres"
	"github.com/coachpo/tradesync/internal/infra/persistence/sqlite"
	"github.com/coachpo/tradesync/internal/observability"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options configures Open.
type Options struct {
	Driver string
	// DSN is the postgres connection string or the sqlite file path.
	DSN string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration

	// AutoMigrate applies postgres migrations before the pool opens. MigrationsDir overrides
	// the embedded migrations.
	AutoMigrate   bool
	MigrationsDir string

	Logger observability.Logger
}

// Open returns the configured trade store.
func Open(ctx context.Context, opts Options) (tradestore.Store, error) {
	logger := observability.OrDefault(opts.Logger)
	switch driver := strings.ToLower(strings.TrimSpace(opts.Driver)); driver {
	case DriverPostgres, "pgx", "postgresql":
		if opts.AutoMigrate {
			if err := migrations.Apply(ctx, opts.DSN, opts.MigrationsDir, logger); err != nil {
				return nil, err
			}
		}
		pool, err := postgres.Connect(ctx, opts.DSN, postgres.PoolOptions{
			Name:            "trades",
			MaxConns:        opts.MaxConns,
			MinConns:        opts.MinConns,
			MaxConnLifetime: opts.MaxConnLifetime,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("postgres trade store ready", observability.F("max_conns", pool.Config().MaxConns))
		return postgres.NewTradeStore(pool), nil
	case DriverSQLite, "sqlite3", "":
		store, err := sqlite.Open(ctx, sqlite.Config{Path: opts.DSN, Logger: logger})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, errs.New("persistence", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unsupported database driver %q", opts.Driver)),
			errs.WithField("driver", opts.Driver))
	}
}
