// Package id defines the globally unique identifier used for every node and
// edge in the distributed graph.
package id

import (
	"fmt"
	"sync/atomic"
)

// Id is a globally unique identifier for a node or edge. It is generated by
// its Origin process and is never reassigned. Equality is structural.
type Id struct {
	Origin  int    // rank of the process that minted this id
	Counter uint64 // per-origin monotonic counter
}

// Nil is the zero-value Id. It never gets minted by a Generator because
// counters start at 1, so it is safe to use as a "not set" sentinel.
var Nil = Id{}

// String returns the canonical textual form of an Id, used as map keys in
// debug dumps and in Graphviz output.
func (i Id) String() string {
	return fmt.Sprintf("(%d,%d)", i.Origin, i.Counter)
}

// IsNil returns whether this is the zero-value Id.
func (i Id) IsNil() bool {
	return i == Nil
}

// Hash combines both fields into a single fnv-1a style hash, useful for
// sharding or custom set implementations that don't want to key on the
// struct directly.
func (i Id) Hash() uint64 {
	h := uint64(14695981039346656037)
	for _, b := range []uint64{uint64(uint32(i.Origin)), i.Counter} {
		for shift := 0; shift < 64; shift += 8 {
			h ^= (b >> uint(shift)) & 0xff
			h *= 1099511628211
		}
	}
	return h
}

// Generator mints fresh, never-repeating ids for a single origin rank. It is
// safe for concurrent use.
type Generator struct {
	origin  int
	counter uint64 // atomically incremented, 0 reserved to keep Nil distinguishable
}

// NewGenerator returns an Id generator for the given origin rank.
func NewGenerator(origin int) *Generator {
	return &Generator{origin: origin}
}

// Next returns a fresh Id minted by this generator's origin rank.
func (g *Generator) Next() Id {
	c := atomic.AddUint64(&g.counter, 1)
	return Id{Origin: g.origin, Counter: c}
}

// Origin returns the rank this generator mints ids for.
func (g *Generator) Origin() int {
	return g.origin
}
