// Package factory implements ServerStreamFactory and ClientStreamFactory
// (spec.md §4.6): on each new connection, allocate stream identifiers,
// emit the BEGIN frames that introduce the stream pair to the
// application nukleus, and pair the two halves by correlationId once
// the application's reply BEGIN arrives.
//
// Grounded on pkg/rahio/listener.go's registerSubflow — insert into a
// map under a mutex, return non-nil only once the group completes —
// generalized here from "group N subflows by ConnectionID" to "pair one
// half-open stream with its counterpart by correlationId". Both
// factories are owned solely by the worker goroutine, so — like
// internal/route and internal/correlate — no locking is needed.
package factory

import "sync/atomic"

// IDGenerator hands out distinct streamId/correlationId values, both
// plain atomic counters per spec.md §3 ("the wire-level ids stay plain
// atomic counters", never uuids — uuids are reserved for human-facing
// labels, see internal/route.Table.Add).
type IDGenerator struct {
	next atomic.Uint64
}

// NewIDGenerator returns a generator whose first Next() call yields
// start.
func NewIDGenerator(start uint64) *IDGenerator {
	g := &IDGenerator{}
	g.next.Store(start - 1)
	return g
}

// Next returns a fresh id, never zero (zero is reserved as a sentinel
// for "no stream"/"no correlation" in places that need one).
func (g *IDGenerator) Next() uint64 {
	return g.next.Add(1)
}
