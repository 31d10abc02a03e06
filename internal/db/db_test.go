package db

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	return db
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
}

func TestNew_FilePermissions(t *testing.T) {
	skipOnWindows(t)

	dir := filepath.Join(t.TempDir(), "data", "history")
	path := filepath.Join(dir, "usage.db")

	db, err := New(path)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, path, db.Path())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestNew_TightensExistingFile(t *testing.T) {
	skipOnWindows(t)

	path := filepath.Join(t.TempDir(), "usage.db")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	db, err := New(path)
	require.NoError(t, err)
	defer db.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func columns(t *testing.T, db *DB, table string) map[string]string {
	t.Helper()

	rows, err := db.QueryContext(context.Background(), "SELECT name, type FROM pragma_table_info(?)", table)
	require.NoError(t, err)
	defer rows.Close()

	cols := map[string]string{}
	for rows.Next() {
		var name, typ string
		require.NoError(t, rows.Scan(&name, &typ))
		cols[name] = typ
	}
	require.NoError(t, rows.Err())
	return cols
}

func TestSchema(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	assert.Equal(t, map[string]string{
		"key":        "TEXT",
		"value":      "BLOB",
		"updated_at": "DATETIME",
	}, columns(t, db, "kv"))

	assert.Equal(t, map[string]string{
		"id":                "INTEGER",
		"account_id":        "TEXT",
		"organization_id":   "TEXT",
		"session_remaining": "REAL",
		"weekly_remaining":  "REAL",
		"opus_remaining":    "REAL",
		"sonnet_remaining":  "REAL",
		"timestamp":         "DATETIME",
	}, columns(t, db, "usage_snapshots"))

	for _, index := range []string{"idx_usage_snapshots_account", "idx_usage_snapshots_timestamp"} {
		var name string
		err := db.QueryRowContext(context.Background(),
			"SELECT name FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&name)
		assert.NoError(t, err, "index %s", index)
	}
}

func TestNew_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")

	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.KV().Set("activeAccountId", []byte("acc-1")))
	require.NoError(t, db.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.KV().Get("activeAccountId")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", string(got))
}

func TestConfigure_WAL(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestVacuum_KeepsRows(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	require.NoError(t, db.KV().Set("accounts", []byte("sealed")))
	require.NoError(t, db.Vacuum())

	got, err := db.KV().Get("accounts")
	require.NoError(t, err)
	assert.Equal(t, "sealed", string(got))
}

func TestClose(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Close())

	_, err := db.QueryContext(context.Background(), "SELECT 1")
	assert.Error(t, err)
}
