// Package ghost implements GhostMode, the optimistic synchronization mode
// of spec §4.5.1: links and unlinks touching a DISTANT edge are buffered
// locally and only flushed to their owners at the next Synchronize call;
// reads of a DISTANT node's data always return whatever was cached by the
// last DataSync round, no locking, no round trip.
package ghost

import (
	"context"

	"github.com/fpmas/fpmas-go/graph"
)

// Mutex is the trivial GhostMode mutex (spec §4.5.1: "Mutex is trivial:
// read/acquire return the local replica reference; release is a no-op.
// Locks are ignored"). It never blocks and never contacts the node's
// owner: staleness is resolved out-of-band by DataSync, not by this type.
type Mutex[T any] struct {
	node *graph.Node[T]
}

// NewMutex builds a GhostMode Mutex bound to n.
func NewMutex[T any](n *graph.Node[T]) graph.Mutex[T] {
	return &Mutex[T]{node: n}
}

// Read returns the node's current local replica.
func (m *Mutex[T]) Read(ctx context.Context) (T, error) {
	return m.node.Data(), nil
}

// ReleaseRead is a no-op: there is nothing to release.
func (m *Mutex[T]) ReleaseRead(ctx context.Context) error { return nil }

// Acquire returns the node's current local replica, same as Read.
func (m *Mutex[T]) Acquire(ctx context.Context) (T, error) {
	return m.node.Data(), nil
}

// ReleaseAcquire writes data back into the local replica. It does not
// propagate anywhere; the owner only hears about it through whatever
// DataSync round next touches this node.
func (m *Mutex[T]) ReleaseAcquire(ctx context.Context, data T) error {
	m.node.SetData(data)
	return nil
}

// Lock, Unlock, LockShared and UnlockShared are all no-ops: GhostMode has
// no exclusivity guarantees.
func (m *Mutex[T]) Lock(ctx context.Context) error        { return nil }
func (m *Mutex[T]) Unlock(ctx context.Context) error       { return nil }
func (m *Mutex[T]) LockShared(ctx context.Context) error   { return nil }
func (m *Mutex[T]) UnlockShared(ctx context.Context) error { return nil }
