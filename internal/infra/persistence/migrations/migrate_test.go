package migrations

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	dbmigrations "github.com/coachpo/tradesync/db/migrations"
)

func TestResolveDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "db", "migrations")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	file := filepath.Join(root, "0001_trades.up.sql")
	require.NoError(t, os.WriteFile(file, []byte("select 1;"), 0o600))

	resolved, err := resolveDir(dir)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(resolved))
	require.Equal(t, filepath.Clean(resolved), resolved)

	_, err = resolveDir(filepath.Join(root, "missing"))
	require.ErrorIs(t, err, fs.ErrNotExist)

	_, err = resolveDir(file)
	require.ErrorIs(t, err, errNotDirectory)
}

func TestFileURL(t *testing.T) {
	for _, path := range []string{"/srv/tradesync/db/migrations", "C:/tradesync/migrations"} {
		got := fileURL(path)
		require.True(t, strings.HasPrefix(got, "file://"), got)
		require.Greater(t, len(got), len("file://"))
	}
}

func TestMissingDirectoryFailsBeforeConnecting(t *testing.T) {
	ctx := context.Background()
	const dsn = "postgresql://tradesync@127.0.0.1:1/none"

	require.ErrorIs(t, Apply(ctx, dsn, "no-such-migrations", nil), fs.ErrNotExist)
	require.ErrorIs(t, Rollback(ctx, dsn, "no-such-migrations", 1, nil), fs.ErrNotExist)
	_, _, _, err := Status(ctx, dsn, "no-such-migrations", nil)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRollbackRequiresPositiveSteps(t *testing.T) {
	err := Rollback(context.Background(), "postgresql://tradesync@127.0.0.1:1/none", t.TempDir(), 0, nil)
	require.ErrorIs(t, err, errSteps)
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(dbmigrations.Files, "*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := fs.Stat(dbmigrations.Files, down)
		require.NoError(t, err, "missing %s", down)
	}
}
