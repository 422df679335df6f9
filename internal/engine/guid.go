package engine

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// GUIDGenerator produces transform identifiers.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type GUIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 transform GUIDs.
//
// Stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails.
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined GUIDs for testing, so golden traces
// and journal contents are reproducible.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixedGenerator creates a generator that returns tokens in order.
//
//	gen := NewFixedGenerator("t-1", "t-2")
//	gen.Generate() // "t-1"
//	gen.Generate() // "t-2"
//	gen.Generate() // panic: all tokens exhausted
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

// Generate returns the next predetermined token.
// Panics once every token has been consumed.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.tokens) {
		panic("FixedGenerator: all tokens exhausted")
	}
	token := g.tokens[g.idx]
	g.idx++
	return token
}

// SequenceGenerator returns prefix-1, prefix-2, ... without limit.
// Used by harness scenarios that cannot predict how many transforms a
// step produces.
type SequenceGenerator struct {
	prefix string
	clock  *Clock
}

// NewSequenceGenerator creates a generator numbering from 1.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix, clock: NewClock()}
}

// Generate returns the next numbered token.
func (g *SequenceGenerator) Generate() string {
	return g.prefix + "-" + strconv.FormatInt(g.clock.Next(), 10)
}
