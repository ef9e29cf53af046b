package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/roach88/corral/internal/aggregation"
	"github.com/roach88/corral/internal/exchange"
	"github.com/roach88/corral/internal/storage"
	"github.com/roach88/corral/internal/testutil"
)

// fixture is a config file pointing at a temp SQLite database.
type fixture struct {
	configPath string
	dbPath     string
}

func newFixture(t *testing.T, extra string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		configPath: filepath.Join(dir, "corral.yaml"),
		dbPath:     filepath.Join(dir, "corral.db"),
	}
	cfg := fmt.Sprintf(`database:
  driver: sqlite3
  dsn: %s
repository:
  name: agg
%s`, f.dbPath, extra)
	require.NoError(t, os.WriteFile(f.configPath, []byte(cfg), 0o644))
	return f
}

// seed writes two in-progress aggregates and two completed exchanges
// stamped by a fake clock.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	b, err := storage.OpenSQLite(f.dbPath)
	require.NoError(t, err)
	defer b.Close()

	clk := testutil.NewFakeClock()
	repo, err := aggregation.New(ctx, b, "agg",
		aggregation.WithClock(clk),
		aggregation.WithInstanceID("node-1"),
		aggregation.WithLogger(testutil.DiscardLogger()),
	)
	require.NoError(t, err)

	_, err = repo.Add(ctx, "order-2", exchange.New("ex-2", "X"))
	require.NoError(t, err)

	ex := exchange.New("ex-1", "A")
	ex.SetHeader("region", "eu")
	_, err = repo.Add(ctx, "order-1", ex)
	require.NoError(t, err)
	ex.Body = "AB"
	_, err = repo.Add(ctx, "order-1", ex)
	require.NoError(t, err)

	require.NoError(t, repo.Remove(ctx, "order-3", exchange.New("ex-3", "done")))
	clk.Advance(time.Second)
	require.NoError(t, repo.Remove(ctx, "order-4", exchange.New("ex-4", "more")))
}

// open returns a repository on the fixture database for assertions.
func (f *fixture) open(t *testing.T) (*storage.Backend, *aggregation.Repository) {
	t.Helper()
	b := testutil.OpenBackend(t, f.dbPath)
	repo, err := aggregation.New(context.Background(), b, "agg", aggregation.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	return b, repo
}

func execute(ctx context.Context, args ...string) (string, error) {
	color.NoColor = true
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}
