// Package migrations wires golang-migrate execution for the trade store schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/tradesync/db/migrations"
	"github.com/coachpo/tradesync/internal/infra/telemetry"
	"github.com/coachpo/tradesync/internal/observability"
)

const embeddedPath = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errSteps        = errors.New("rollback steps must be positive")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the Postgres instance reachable via dsn up to the latest migration. An empty
// migrationsDir uses the migrations embedded in the binary.
func Apply(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) error {
	m, path, closeFn, err := open(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	log := observability.OrDefault(logger)
	log.Info("running database migrations", observability.F("path", path))

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", path)
			log.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed", path)
		return fmt.Errorf("apply migrations: %w", err)
	}
	recordMigrationMetric(ctx, "applied", path)
	log.Info("database migrations applied successfully")
	return nil
}

// Rollback reverts the given number of migrations.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return errSteps
	}
	m, path, closeFn, err := open(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	if err := m.Steps(-steps); err != nil {
		recordMigrationMetric(ctx, "rollback_failed", path)
		return fmt.Errorf("rollback migrations: %w", err)
	}
	recordMigrationMetric(ctx, "rolled_back", path)
	observability.OrDefault(logger).Info("database migrations rolled back",
		observability.F("path", path), observability.F("steps", steps))
	return nil
}

// Status reports the current schema version. ok is false when no migration has run.
func Status(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) (version uint, dirty, ok bool, err error) {
	m, _, closeFn, err := open(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return 0, false, false, err
	}
	defer closeFn()
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, true, nil
}

func open(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) (*migrate.Migrate, string, func(), error) {
	log := observability.OrDefault(logger)

	var (
		src       source.Driver
		sourceURL string
		path      = embeddedPath
	)
	if strings.TrimSpace(migrationsDir) != "" {
		resolved, err := resolveDir(migrationsDir)
		if err != nil {
			return nil, "", nil, err
		}
		path = resolved
		sourceURL = fileURL(resolved)
	} else {
		driver, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, "", nil, fmt.Errorf("load embedded migrations: %w", err)
		}
		src = driver
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, "", nil, fmt.Errorf("open migrations connection: %w", err)
	}
	closeDB := func() {
		if cerr := db.Close(); cerr != nil {
			log.Warn("database migrations close", observability.F("error", cerr))
		}
	}
	if err := db.PingContext(ctx); err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if src != nil {
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(sourceURL, "pgx5", driver)
	}
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	closeFn := func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			log.Warn("database migrations source close", observability.F("error", sourceErr))
		}
		if dbErr != nil {
			log.Warn("database migrations db close", observability.F("error", dbErr))
		}
	}
	return m, path, closeFn, nil
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := &url.URL{Scheme: "file", Path: slashed}
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("tradesync.migrations")
		counter, err := meter.Int64Counter("tradesync_db_migrations_total",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
		attribute.String("migrations_path", path),
	))
}
