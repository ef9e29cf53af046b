package cli

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectCommands_Golden(t *testing.T) {
	f := newFixture(t, "recovery:\n  instance_id: node-1\n")
	f.seed(t)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	tests := []struct {
		name string
		args []string
	}{
		{"keys", []string{"keys"}},
		{"get", []string{"get", "order-1"}},
		{"completed", []string{"completed"}},
		{"show", []string{"show", "ex-3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(context.Background(), append([]string{"--config", f.configPath}, tt.args...)...)
			require.NoError(t, err)
			g.Assert(t, tt.name, []byte(out))
		})
	}
}

func TestKeys_JSON(t *testing.T) {
	f := newFixture(t, "")
	f.seed(t)

	out, err := execute(context.Background(), "--config", f.configPath, "--format", "json", "keys")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   KeysResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "agg", resp.Data.Repository)
	assert.Equal(t, []string{"order-1", "order-2"}, resp.Data.Keys)
}

func TestKeys_Empty(t *testing.T) {
	f := newFixture(t, "")

	out, err := execute(context.Background(), "--config", f.configPath, "keys")
	require.NoError(t, err)
	assert.Equal(t, "No in-progress aggregates in agg\n", out)
}

func TestGet_Missing(t *testing.T) {
	f := newFixture(t, "")
	f.seed(t)

	out, err := execute(context.Background(), "--config", f.configPath, "get", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "E003")
}

func TestShow_JSONCarriesKey(t *testing.T) {
	f := newFixture(t, "")
	f.seed(t)

	out, err := execute(context.Background(), "--config", f.configPath, "--format", "json", "show", "ex-4")
	require.NoError(t, err)

	var resp struct {
		Data ExchangeView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ex-4", resp.Data.ExchangeID)
	assert.Equal(t, "order-4", resp.Data.Key)
	assert.Equal(t, "more", resp.Data.Body)
}

func TestConfirm_Idempotent(t *testing.T) {
	f := newFixture(t, "")
	f.seed(t)
	ctx := context.Background()

	out, err := execute(ctx, "--config", f.configPath, "confirm", "ex-3")
	require.NoError(t, err)
	assert.Equal(t, "Confirmed ex-3\n", out)

	out, err = execute(ctx, "--config", f.configPath, "confirm", "ex-3")
	require.NoError(t, err)
	assert.Equal(t, "ex-3 was not awaiting confirmation\n", out)

	_, repo := f.open(t)
	ids, err := repo.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ex-4"}, ids)
}

func TestCommands_BadConfig(t *testing.T) {
	f := newFixture(t, "bogus: true\n")

	_, err := execute(context.Background(), "--config", f.configPath, "keys")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}
