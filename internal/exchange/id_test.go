package exchange

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestUUIDv7Generator(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.NotEqual(t, a, b)

	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestEnsureID(t *testing.T) {
	g := NewFixedGenerator("gen-1")

	ex := New("", "body")
	assert.Equal(t, "gen-1", EnsureID(ex, g))
	assert.Equal(t, "gen-1", ex.ID)

	kept := New("given", "body")
	assert.Equal(t, "given", EnsureID(kept, g), "existing ids are never replaced")
}
