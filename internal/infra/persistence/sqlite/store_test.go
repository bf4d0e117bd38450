package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/domain/tradestore"
	"github.com/coachpo/tradesync/internal/testutil/tradestoretest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "trades.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreContract(t *testing.T) {
	tradestoretest.RunContract(t, func(t *testing.T) tradestore.Store { return openTemp(t) })
}

func TestInMemoryDatabase(t *testing.T) {
	store, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	_, err = store.InsertTrade(context.Background(), tradestoretest.OpenTrade("t1", now))
	require.NoError(t, err)
	_, ok, err := store.GetTrade(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDuplicateInsertConflicts(t *testing.T) {
	store := openTemp(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	_, err := store.InsertTrade(context.Background(), tradestoretest.OpenTrade("t1", now))
	require.NoError(t, err)

	_, err = store.InsertTrade(context.Background(), tradestoretest.OpenTrade("t1", now))
	require.Equal(t, errs.CodeConflict, errs.CodeOf(err))
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "trades.db")
	store, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	_, err = store.InsertTrade(context.Background(), tradestoretest.OpenTrade("t1", now))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	defer reopened.Close()
	got, ok, err := reopened.GetTrade(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, now.Equal(got.CreatedAt))
}

func TestOpenAddsExitFillsToOlderFiles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trades.db")
	store, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	_, err = store.db.ExecContext(ctx, "ALTER TABLE trades DROP COLUMN exit_fills")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer reopened.Close()
	in := tradestoretest.OpenTrade("t1", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	in.RecordExit("x1", decimal.RequireFromString("1"), decimal.RequireFromString("1"),
		decimal.RequireFromString("110"), decimal.RequireFromString("10"))
	_, err = reopened.InsertTrade(ctx, in)
	require.NoError(t, err)
	got, ok, err := reopened.GetTrade(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.Exits, 1)
}
