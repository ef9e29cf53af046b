package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/corral/internal/endpoint"
	"github.com/roach88/corral/internal/testutil"
)

func TestDrain_ToTable(t *testing.T) {
	f := newFixture(t, "")
	f.seed(t)
	ctx := context.Background()

	out, err := execute(ctx, "--config", f.configPath, "drain", "--to", "table:agg_dlq")
	require.NoError(t, err)
	assert.Equal(t, "Drained 2 exchange(s) to table:agg_dlq\n", out)

	b, repo := f.open(t)
	ids, err := repo.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	dlq, err := endpoint.NewTable(ctx, b, "agg_dlq", endpoint.Deps{Logger: testutil.DiscardLogger()})
	require.NoError(t, err)
	letters, err := dlq.Letters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 2)

	keys := []string{letters[0].Key, letters[1].Key}
	assert.ElementsMatch(t, []string{"order-3", "order-4"}, keys)

	// In-progress aggregates are untouched.
	remaining, err := repo.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"order-1", "order-2"}, remaining)
}

func TestDrain_Nothing(t *testing.T) {
	f := newFixture(t, "")

	out, err := execute(context.Background(), "--config", f.configPath, "drain", "--to", "log:ops")
	require.NoError(t, err)
	assert.Equal(t, "Drained 0 exchange(s) to log:ops\n", out)
}

func TestDrain_RequiresTarget(t *testing.T) {
	f := newFixture(t, "")

	_, err := execute(context.Background(), "--config", f.configPath, "drain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestDrain_UnknownScheme(t *testing.T) {
	f := newFixture(t, "")
	f.seed(t)

	_, err := execute(context.Background(), "--config", f.configPath, "drain", "--to", "ftp://somewhere")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, repo := f.open(t)
	ids, err := repo.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 2, "nothing confirmed when the endpoint cannot be resolved")
}
