package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/tradesync/internal/infra/config"
	"github.com/coachpo/tradesync/internal/infra/persistence/migrations"
	"github.com/coachpo/tradesync/internal/observability"
)

const defaultMigrateTimeout = 30 * time.Second

type migrateFlags struct {
	dsn     string
	dir     string
	timeout time.Duration
}

func newMigrateCmd(root *rootOptions) *cobra.Command {
	flags := &migrateFlags{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage postgres schema migrations",
		Long: `Apply or roll back the trades schema. Migrations are embedded in the binary; --path
points at a directory of .sql files instead. SQLite stores create their schema on open.`,
	}
	cmd.PersistentFlags().StringVar(&flags.dsn, "database", "", "PostgreSQL DSN (default: database.dsn)")
	cmd.PersistentFlags().StringVar(&flags.dir, "path", "", "directory containing SQL migrations (default: embedded)")
	cmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", defaultMigrateTimeout, "maximum time to wait for the database")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrationTarget(cmd, root, flags, func(ctx context.Context, dsn, dir string, logger observability.Logger) error {
				return migrations.Apply(ctx, dsn, dir, logger)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back the given number of migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := parseSteps(args)
			if err != nil {
				return err
			}
			return withMigrationTarget(cmd, root, flags, func(ctx context.Context, dsn, dir string, logger observability.Logger) error {
				return migrations.Rollback(ctx, dsn, dir, steps, logger)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrationTarget(cmd, root, flags, func(ctx context.Context, dsn, dir string, logger observability.Logger) error {
				version, dirty, ok, err := migrations.Status(ctx, dsn, dir, logger)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !ok {
					fmt.Fprintln(out, "no migrations applied")
					return nil
				}
				fmt.Fprintf(out, "version=%d dirty=%t\n", version, dirty)
				return nil
			})
		},
	})
	return cmd
}

func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid down steps %q", args[0])
	}
	return n, nil
}

func withMigrationTarget(cmd *cobra.Command, root *rootOptions, flags *migrateFlags, fn func(ctx context.Context, dsn, dir string, logger observability.Logger) error) error {
	dsn := flags.dsn
	if dsn == "" {
		cfg, err := root.load(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Database.Driver != config.DriverPostgres {
			return fmt.Errorf("migrate requires a postgres database (configured driver: %s)", cfg.Database.Driver)
		}
		dsn = cfg.Database.DSN
		if flags.dir == "" {
			flags.dir = cfg.Database.MigrationsDir
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()
	logger := observability.NewWriterLogger(cmd.ErrOrStderr(), observability.LogConfig{Service: "tradesync-migrate"})
	return fn(ctx, dsn, flags.dir, logger)
}
