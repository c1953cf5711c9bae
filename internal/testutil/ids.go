package testutil

import (
	"fmt"
	"sync"
)

// SequentialGenerator returns "<prefix>-0001", "<prefix>-0002", ...
//
// Unlike ledger.FixedGenerator it never runs out, which suits tests that
// record an unknown number of sales but still want readable ids.
//
// Thread-safety: safe for concurrent use.
type SequentialGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialGenerator creates a generator. An empty prefix becomes "sale".
func NewSequentialGenerator(prefix string) *SequentialGenerator {
	if prefix == "" {
		prefix = "sale"
	}
	return &SequentialGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
