package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradesync/internal/infra/telemetry"
)

// ObservePoolMetrics registers observable gauges for the trade store pool.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", normalized),
	}

	meter := otel.Meter("tradesync.postgres.pool")
	gauges := []struct {
		name, description string
		read              func(*pgxpool.Stat) int32
	}{
		{"tradesync_db_pool_connections_total", "Total connections (idle + acquired + constructing)", (*pgxpool.Stat).TotalConns},
		{"tradesync_db_pool_connections_idle", "Idle connections ready for checkout", (*pgxpool.Stat).IdleConns},
		{"tradesync_db_pool_connections_acquired", "Connections currently acquired by callers", (*pgxpool.Stat).AcquiredConns},
		{"tradesync_db_pool_connections_constructing", "Connections currently being constructed", (*pgxpool.Stat).ConstructingConns},
	}
	for _, g := range gauges {
		read := g.read
		if _, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(read(pool.Stat())), metric.WithAttributes(attrs...))
				return nil
			}),
		); err != nil {
			return
		}
	}
}
