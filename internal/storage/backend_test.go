package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/corral/internal/errs"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	b, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	defer b.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if b.Driver() != DriverSQLite {
		t.Errorf("Driver() = %q, want %q", b.Driver(), DriverSQLite)
	}
}

func TestOpen_PragmasApplied(t *testing.T) {
	b := openTestBackend(t)

	var mode string
	require.NoError(t, b.DB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, b.DB().QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := OpenSQLite("/nonexistent/dir/test.db")
	assert.Error(t, err)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("oracle", "dsn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}

func TestCloseNilDB(t *testing.T) {
	b := &Backend{}
	assert.NoError(t, b.Close())
}

func TestEnsureTables_Idempotent(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	tbl := Table{Name: "agg", HeaderColumns: []string{"companyName"}}

	for i := 0; i < 3; i++ {
		require.NoError(t, b.EnsureTables(ctx, tbl), "iteration %d", i)
	}

	for _, name := range []string{"agg", "agg_completed"} {
		var got string
		err := b.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", name,
		).Scan(&got)
		assert.NoError(t, err, "table %q not found", name)
	}
}

func TestEnsureTables_RejectsBadNames(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	tests := []struct {
		name string
		tbl  Table
	}{
		{"injection", Table{Name: "agg; DROP TABLE x"}},
		{"leading digit", Table{Name: "1agg"}},
		{"reserved header", Table{Name: "agg", HeaderColumns: []string{"version"}}},
		{"duplicate header", Table{Name: "agg", HeaderColumns: []string{"a", "a"}}},
		{"duplicate header differing in case", Table{Name: "agg", HeaderColumns: []string{"companyName", "CompanyName"}}},
		{"bad header", Table{Name: "agg", HeaderColumns: []string{"a-b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, b.EnsureTables(ctx, tt.tbl))
		})
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	tbl := Table{Name: "agg"}
	require.NoError(t, b.EnsureTables(ctx, tbl))

	boom := errors.New("boom")
	err := b.InTx(ctx, func(tx *Tx) error {
		if err := tx.Upsert(ctx, tbl, AggregateRow{Key: "k", ExchangeID: "e", Body: []byte("b"), Headers: []byte("{}"), Version: 1}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom, "callback errors pass through unchanged")

	require.NoError(t, b.InTx(ctx, func(tx *Tx) error {
		row, err := tx.SelectForKey(ctx, tbl, "k")
		assert.Nil(t, row)
		return err
	}))
}

func TestInTx_RollsBackOnPanic(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	tbl := Table{Name: "agg"}
	require.NoError(t, b.EnsureTables(ctx, tbl))

	assert.Panics(t, func() {
		_ = b.InTx(ctx, func(tx *Tx) error {
			_ = tx.Upsert(ctx, tbl, AggregateRow{Key: "k", ExchangeID: "e", Body: []byte("b"), Headers: []byte("{}"), Version: 1})
			panic("boom")
		})
	})

	var n int
	require.NoError(t, b.DB().QueryRow("SELECT COUNT(*) FROM agg").Scan(&n))
	assert.Zero(t, n)
}

func TestStorageErrorOnMissingTable(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	err := b.InTx(ctx, func(tx *Tx) error {
		_, err := tx.SelectAllKeys(ctx, Table{Name: "missing"})
		return err
	})
	require.Error(t, err)
	assert.True(t, errs.IsStorage(err))
	assert.Contains(t, err.Error(), "missing")
}

func TestDialect_Rebind(t *testing.T) {
	q := "UPDATE t SET a = ?, b = ? WHERE id = ?"
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, "UPDATE t SET a = $1, b = $2 WHERE id = $3", postgresDialect.rebind(q))
}

func TestDialectFor_Aliases(t *testing.T) {
	for _, name := range []string{"sqlite3", "sqlite"} {
		d, err := dialectFor(name)
		require.NoError(t, err)
		assert.Equal(t, DriverSQLite, d.name)
	}
	for _, name := range []string{"pgx", "postgres", "postgresql"} {
		d, err := dialectFor(name)
		require.NoError(t, err)
		assert.Equal(t, DriverPostgres, d.name)
	}
}
