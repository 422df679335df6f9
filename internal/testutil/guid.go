package testutil

import (
	"strconv"
	"sync"
)

// GUIDSequence generates transform GUIDs prefix-1, prefix-2, ...
//
// Unlike engine.SequenceGenerator, GUIDSequence can be reset for test reuse,
// so the same scenario run twice produces byte-identical traces.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type GUIDSequence struct {
	mu     sync.Mutex
	prefix string
	seq    int64
}

// NewGUIDSequence creates a sequence numbering from 1.
// If prefix is empty, "t" is used.
func NewGUIDSequence(prefix string) *GUIDSequence {
	if prefix == "" {
		prefix = "t"
	}
	return &GUIDSequence{prefix: prefix}
}

// Generate returns the next GUID.
//
// Implements engine.GUIDGenerator.
func (g *GUIDSequence) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return g.prefix + "-" + strconv.FormatInt(g.seq, 10)
}

// Issued returns how many GUIDs have been generated since the last reset.
func (g *GUIDSequence) Issued() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// Reset restarts numbering. After Reset, the next GUID is prefix-1.
func (g *GUIDSequence) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}
