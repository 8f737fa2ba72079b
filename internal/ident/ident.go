// Package ident generates client-side record identifiers.
//
// An insert gets its id when it is enqueued, not when it is applied, so a
// retried or replayed push of the same op carries the same id and the
// server upserts instead of duplicating the row.
package ident

import (
	"sync"

	"github.com/google/uuid"
)

// Generator produces identifiers for new records.
type Generator interface {
	Next() string
}

// RandomGenerator returns random (version 4) UUIDs: 122 random bits in a
// 128-bit identifier, so independent clients never need to coordinate.
//
// Thread-safety: stateless and safe for concurrent use.
type RandomGenerator struct{}

// Next returns a new hyphenated UUIDv4.
func (RandomGenerator) Next() string {
	return uuid.NewString()
}

// UUIDv7Generator returns time-sortable UUIDv7 identifiers. Useful when the
// server table orders by primary key.
//
// Panics if UUID generation fails (should never happen in practice).
type UUIDv7Generator struct{}

// Next returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Next() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids for tests.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
//
//	gen := NewFixedGenerator("a", "b")
//	gen.Next() // "a"
//	gen.Next() // "b"
//	gen.Next() // panic: all ids exhausted
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Next returns the next predetermined id.
// Panics when exhausted so a test that creates more records than it
// planned for fails loudly.
func (g *FixedGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
