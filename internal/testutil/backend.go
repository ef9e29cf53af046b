package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/corral/internal/storage"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// DBPath returns a fresh SQLite file path in a per-test temp dir.
func DBPath(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "corral.db")
}

// OpenBackend opens a SQLite backend at path and closes it when the test
// ends.
func OpenBackend(t testing.TB, path string) *storage.Backend {
	t.Helper()
	b, err := storage.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// NewBackend opens a SQLite backend on a fresh temp file.
func NewBackend(t testing.TB) *storage.Backend {
	t.Helper()
	return OpenBackend(t, DBPath(t))
}
