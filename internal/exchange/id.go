package exchange

import (
	"sync"

	"github.com/google/uuid"
)

// IDGenerator assigns ids to exchanges that arrive without one.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator issues UUIDv7 ids. They sort by creation time, so
// completed rows listed by id read oldest first.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7. It panics only if the system
// random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator hands out a fixed list of ids, for tests that assert on
// exchange ids.
type FixedGenerator struct {
	mu   sync.Mutex
	ids  []string
	next int
}

// NewFixedGenerator returns a generator that yields ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next id and panics once the list is used up.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.next >= len(g.ids) {
		panic("exchange: fixed generator exhausted")
	}
	id := g.ids[g.next]
	g.next++
	return id
}

// EnsureID sets ex.ID from gen when it is empty and returns the id.
func EnsureID(ex *Exchange, gen IDGenerator) string {
	if ex.ID == "" {
		ex.ID = gen.Generate()
	}
	return ex.ID
}
