// Package graph is the local "pointer graph" that every process holds its
// share of: nodes and edges keyed by id.Id instead of pointer identity, with
// per-layer adjacency and insertion/erasure callbacks.
package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/fpmas/fpmas-go/id"
)

// State is a node or edge's locality: whether the local process owns the
// live copy (Local) or only holds a replica/stub (Distant).
type State int

const (
	// Local means this process is the current owner.
	Local State = iota
	// Distant means this process holds a replica (or a stub) of a node
	// owned elsewhere.
	Distant
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Local:
		return "LOCAL"
	case Distant:
		return "DISTANT"
	default:
		return "UNKNOWN"
	}
}

// Mutex is the per-node access contract a sync mode installs on every node
// when it enters the graph. Under GhostMode these degenerate to returning
// the local replica with no RPC; under HardSyncMode they forward to the
// node's owner.
type Mutex[T any] interface {
	Read(ctx context.Context) (T, error)
	ReleaseRead(ctx context.Context) error
	Acquire(ctx context.Context) (T, error)
	ReleaseAcquire(ctx context.Context, data T) error
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	LockShared(ctx context.Context) error
	UnlockShared(ctx context.Context) error
}

// Node is the primary vertex type in this library, parameterized by the
// data type T carried by the simulated agent/cell.
type Node[T any] struct {
	nid    id.Id
	mu     sync.RWMutex
	data   T
	weight float64
	state  State
	loc    int
	mutex  Mutex[T]

	incoming map[int][]*Edge[T]
	outgoing map[int][]*Edge[T]
}

// NewNode builds a new node with the given id, initial data and
// partitioning weight. It starts out Local, owned by origin.
func NewNode[T any](nid id.Id, data T, weight float64, origin int) *Node[T] {
	return &Node[T]{
		nid:      nid,
		data:     data,
		weight:   weight,
		state:    Local,
		loc:      origin,
		incoming: make(map[int][]*Edge[T]),
		outgoing: make(map[int][]*Edge[T]),
	}
}

// Id returns the node's DistributedId.
func (n *Node[T]) Id() id.Id { return n.nid }

// Weight returns the partitioning hint (spec: "weight: float >= 0").
func (n *Node[T]) Weight() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.weight
}

// SetWeight updates the partitioning hint.
func (n *Node[T]) SetWeight(w float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.weight = w
}

// State returns whether this process currently owns the live copy.
func (n *Node[T]) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// SetState transitions the node between Local and Distant.
func (n *Node[T]) SetState(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}

// Location returns the rank currently believed to own this node.
func (n *Node[T]) Location() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.loc
}

// SetLocation updates the believed owning rank.
func (n *Node[T]) SetLocation(rank int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loc = rank
}

// Mutex returns the access contract installed by the active sync mode, or
// nil if none has been installed yet.
func (n *Node[T]) Mutex() Mutex[T] {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mutex
}

// SetMutex installs the sync mode's access contract for this node.
func (n *Node[T]) SetMutex(m Mutex[T]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mutex = m
}

// Data returns the local replica directly, bypassing the mutex. Callers
// that need the coordination guarantees the active sync mode provides
// should go through Mutex() instead; Data/SetData exist for the sync mode's
// own implementation and for GhostMode's no-op fast path.
func (n *Node[T]) Data() T {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.data
}

// SetData overwrites the local replica directly.
func (n *Node[T]) SetData(v T) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.data = v
}

// InEdges returns the edges incoming to this node on the given layer.
func (n *Node[T]) InEdges(layer int) []*Edge[T] {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Edge[T], len(n.incoming[layer]))
	copy(out, n.incoming[layer])
	return out
}

// OutEdges returns the edges outgoing from this node on the given layer.
func (n *Node[T]) OutEdges(layer int) []*Edge[T] {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Edge[T], len(n.outgoing[layer]))
	copy(out, n.outgoing[layer])
	return out
}

// Layers returns every layer id this node has at least one incident edge
// on, incoming or outgoing.
func (n *Node[T]) Layers() []int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	seen := make(map[int]bool)
	for l := range n.incoming {
		seen[l] = true
	}
	for l := range n.outgoing {
		seen[l] = true
	}
	layers := make([]int, 0, len(seen))
	for l := range seen {
		layers = append(layers, l)
	}
	return layers
}

// AllIncoming returns every incoming edge across every layer.
func (n *Node[T]) AllIncoming() []*Edge[T] {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []*Edge[T]
	for _, es := range n.incoming {
		out = append(out, es...)
	}
	return out
}

// AllOutgoing returns every outgoing edge across every layer.
func (n *Node[T]) AllOutgoing() []*Edge[T] {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []*Edge[T]
	for _, es := range n.outgoing {
		out = append(out, es...)
	}
	return out
}

func (n *Node[T]) addIncoming(e *Edge[T]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.incoming[e.layer] = append(n.incoming[e.layer], e)
}

func (n *Node[T]) addOutgoing(e *Edge[T]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outgoing[e.layer] = append(n.outgoing[e.layer], e)
}

func (n *Node[T]) removeIncoming(e *Edge[T]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.incoming[e.layer] = removeEdge(n.incoming[e.layer], e)
}

func (n *Node[T]) removeOutgoing(e *Edge[T]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outgoing[e.layer] = removeEdge(n.outgoing[e.layer], e)
}

func removeEdge[T any](xs []*Edge[T], target *Edge[T]) []*Edge[T] {
	for i, e := range xs {
		if e == target {
			return append(xs[:i], xs[i+1:]...)
		}
	}
	return xs
}

// String is the canonical short form for a node, used by Graphviz labels.
func (n *Node[T]) String() string {
	return fmt.Sprintf("%s[%s]", n.nid.String(), n.State())
}
