package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradesync/errs"
)

func TestOpenSQLite(t *testing.T) {
	store, err := Open(context.Background(), Options{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "trades.db"),
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: DriverPostgres})
	require.ErrorContains(t, err, "dsn required")
}
