// Package syncmode declares the contract a synchronization mode (GhostMode,
// HardSyncMode) must satisfy, and nothing else: the distributed graph is
// written against these three interfaces and never knows which concrete
// mode is plugged in (spec §9 design notes: "the graph should not know
// which mode it runs").
package syncmode

import (
	"context"

	"github.com/fpmas/fpmas-go/graph"
	"github.com/fpmas/fpmas-go/id"
)

// SyncLinker is notified of local link/unlink decisions so it can decide
// whether and how to propagate them to remote replicas (spec §4.5 intro,
// §4.3 link/unlink).
type SyncLinker[T any] interface {
	// Link is called after a new edge is inserted locally. It is a no-op
	// for fully-LOCAL edges; edges with a DISTANT endpoint are propagated
	// to that endpoint's owner, either buffered until the next Synchronize
	// (ghost) or sent immediately (hardsync).
	Link(e *graph.Edge[T])
	// Unlink is called before an edge is erased locally.
	Unlink(e *graph.Edge[T])
	// RemoveNode is called right after a node is erased from the local
	// graph core, so the mode can drop any buffered state referencing it
	// and, if the node was DISTANT, tell its owner it is gone. n is
	// already detached from the graph but its fields (id, state,
	// location) are still valid to read.
	RemoveNode(n *graph.Node[T])
	// Synchronize flushes every buffered link/unlink to its remote
	// peers, importing anything received into dg.
	Synchronize(ctx context.Context, dg GraphMutator[T]) error
}

// DataSync refreshes the data payload of every DISTANT replica from its
// LOCAL owner (spec §4.5 intro).
type DataSync[T any] interface {
	Synchronize(ctx context.Context, dg DistGraphView[T]) error
}

// DistGraphView is the minimal view of the distributed graph a DataSync
// implementation needs, kept narrow so syncmode never imports distgraph
// (which imports syncmode).
type DistGraphView[T any] interface {
	Graph() *graph.Graph[T]
	State(nid id.Id) (graph.State, bool)
	Location(nid id.Id) (int, bool)
}

// GraphMutator extends DistGraphView with the import/clear operations a
// SyncLinker needs on its receiving side (spec §4.5.1: "Receivers call
// graph.import_edge").
type GraphMutator[T any] interface {
	DistGraphView[T]
	ImportNode(pkt NodePacket[T]) *graph.Node[T]
	ImportEdge(pkt EdgePacket) *graph.Edge[T]
	ClearNode(n *graph.Node[T])
}

// Mode bundles the three collaborators a sync mode installs into a
// DistGraph at construction time.
type Mode[T any] struct {
	Linker  SyncLinker[T]
	Data    DataSync[T]
	NewMutex func(n *graph.Node[T]) graph.Mutex[T]
}
