// Package distgraph adds distribution to the local graph core: per-node
// state and location tracking, build/link/unlink/import/clear operations,
// and the distribute algorithm that exports nodes to a target partition
// (spec §4.3).
package distgraph

import (
	"context"
	"sync"

	"github.com/fpmas/fpmas-go/graph"
	"github.com/fpmas/fpmas-go/id"
	"github.com/fpmas/fpmas-go/location"
	"github.com/fpmas/fpmas-go/syncmode"
	"github.com/fpmas/fpmas-go/transport"

	errwrap "github.com/pkg/errors"
	multierror "github.com/hashicorp/go-multierror"
)

// DistGraph wraps a graph.Graph[T] with the state/location bookkeeping and
// distribution machinery spec §4.3 adds on top of the local graph core.
type DistGraph[T any] struct {
	g         *graph.Graph[T]
	rank      int
	worldSize int

	mu       sync.RWMutex
	state    map[id.Id]graph.State
	location map[id.Id]int

	mode syncmode.Mode[T]
	loc  *location.Manager

	nodeTr *transport.Transport[nodePacket[T]]
	edgeTr *transport.Transport[edgePacket]

	onSetLocal   []func(*graph.Node[T])
	onSetDistant []func(*graph.Node[T])

	Logf func(format string, v ...interface{})
}

// New builds a DistGraph bound to comm, using mode for mutex installation
// and replica synchronization.
func New[T any](name string, comm transport.Communicator, mode syncmode.Mode[T], logf func(string, ...interface{})) *DistGraph[T] {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	g := graph.New[T](name, comm.Rank())
	dg := &DistGraph[T]{
		g:         g,
		rank:      comm.Rank(),
		worldSize: comm.WorldSize(),
		state:     make(map[id.Id]graph.State),
		location:  make(map[id.Id]int),
		mode:      mode,
		loc:       location.NewManager(comm, logf),
		nodeTr:    transport.New[nodePacket[T]](comm, transport.JSONCodec[nodePacket[T]]{}),
		edgeTr:    transport.New[edgePacket](comm, transport.JSONCodec[edgePacket]{}),
		Logf:      logf,
	}
	g.OnEraseNode(func(n *graph.Node[T]) {
		dg.mu.Lock()
		delete(dg.state, n.Id())
		delete(dg.location, n.Id())
		dg.mu.Unlock()
		dg.loc.Untrack(n.Id())
		if dg.mode.Linker != nil {
			dg.mode.Linker.RemoveNode(n)
		}
	})
	return dg
}

// Graph returns the underlying local graph core.
func (dg *DistGraph[T]) Graph() *graph.Graph[T] { return dg.g }

// Rank returns the local rank this DistGraph runs on.
func (dg *DistGraph[T]) Rank() int { return dg.rank }

// State returns the best-known locality of nid.
func (dg *DistGraph[T]) State(nid id.Id) (graph.State, bool) {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	s, ok := dg.state[nid]
	return s, ok
}

// Location returns the best-known owning rank of nid.
func (dg *DistGraph[T]) Location(nid id.Id) (int, bool) {
	dg.mu.RLock()
	r, ok := dg.location[nid]
	dg.mu.RUnlock()
	if ok {
		return r, true
	}
	return dg.loc.Location(nid)
}

// OnSetLocal registers a callback fired when a node transitions to LOCAL.
func (dg *DistGraph[T]) OnSetLocal(cb func(*graph.Node[T])) {
	dg.mu.Lock()
	defer dg.mu.Unlock()
	dg.onSetLocal = append(dg.onSetLocal, cb)
}

// OnSetDistant registers a callback fired when a node transitions to
// DISTANT.
func (dg *DistGraph[T]) OnSetDistant(cb func(*graph.Node[T])) {
	dg.mu.Lock()
	defer dg.mu.Unlock()
	dg.onSetDistant = append(dg.onSetDistant, cb)
}

func (dg *DistGraph[T]) fireSetLocal(n *graph.Node[T]) {
	dg.mu.RLock()
	cbs := append([]func(*graph.Node[T]){}, dg.onSetLocal...)
	dg.mu.RUnlock()
	for _, cb := range cbs {
		cb(n)
	}
}

func (dg *DistGraph[T]) fireSetDistant(n *graph.Node[T]) {
	dg.mu.RLock()
	cbs := append([]func(*graph.Node[T]){}, dg.onSetDistant...)
	dg.mu.RUnlock()
	for _, cb := range cbs {
		cb(n)
	}
}

// BuildNode inserts a fresh LOCAL node on this rank and records its
// location with the location manager (spec §4.3: "build_node(data) ->
// Node*").
func (dg *DistGraph[T]) BuildNode(data T, weight float64) *graph.Node[T] {
	nid := dg.g.NextId()
	n := graph.NewNode[T](nid, data, weight, dg.rank)
	if dg.mode.NewMutex != nil {
		n.SetMutex(dg.mode.NewMutex(n))
	}
	dg.g.InsertNode(n)
	dg.mu.Lock()
	dg.state[nid] = graph.Local
	dg.location[nid] = dg.rank
	dg.mu.Unlock()
	dg.loc.SetLocal(nid)
	return n
}

// Link locks both endpoints, creates a new edge whose state is derived from
// theirs, and notifies the sync mode's linker (spec §4.3: "link(src, tgt,
// layer) -> Edge*").
func (dg *DistGraph[T]) Link(ctx context.Context, src, tgt *graph.Node[T], layer int, weight float64) (*graph.Edge[T], error) {
	if err := lockNode(ctx, src); err != nil {
		return nil, errwrap.Wrap(err, "distgraph: link: lock source failed")
	}
	defer unlockNode(ctx, src)
	if tgt != src {
		if err := lockNode(ctx, tgt); err != nil {
			return nil, errwrap.Wrap(err, "distgraph: link: lock target failed")
		}
		defer unlockNode(ctx, tgt)
	}

	eid := dg.g.NextId()
	e := graph.NewEdge[T](eid, layer, weight, src, tgt)
	dg.g.InsertEdge(e)
	if dg.mode.Linker != nil {
		dg.mode.Linker.Link(e)
	}
	return e, nil
}

// Unlink locks both endpoints, notifies the linker, then erases the edge
// locally (spec §4.3: "unlink(edge)").
func (dg *DistGraph[T]) Unlink(ctx context.Context, e *graph.Edge[T]) error {
	src, tgt := e.Source(), e.Target()
	if err := lockNode(ctx, src); err != nil {
		return errwrap.Wrap(err, "distgraph: unlink: lock source failed")
	}
	defer unlockNode(ctx, src)
	if tgt != src {
		if err := lockNode(ctx, tgt); err != nil {
			return errwrap.Wrap(err, "distgraph: unlink: lock target failed")
		}
		defer unlockNode(ctx, tgt)
	}
	if dg.mode.Linker != nil {
		dg.mode.Linker.Unlink(e)
	}
	dg.g.EraseEdge(e)
	return nil
}

func lockNode[T any](ctx context.Context, n *graph.Node[T]) error {
	if m := n.Mutex(); m != nil {
		return m.Lock(ctx)
	}
	return nil
}

func unlockNode[T any](ctx context.Context, n *graph.Node[T]) {
	if m := n.Mutex(); m != nil {
		_ = m.Unlock(ctx)
	}
}

// ImportNode materializes a freshly deserialized node as LOCAL, either by
// promoting an existing DISTANT replica in place (design notes §9: "must
// copy-assign data into the existing instance, never re-allocate, to keep
// adjacency pointers valid") or by inserting the temporary directly (spec
// §4.3: "import_node(node)").
func (dg *DistGraph[T]) ImportNode(pkt nodePacket[T]) *graph.Node[T] {
	if existing, ok := dg.g.GetNode(pkt.Id); ok {
		existing.SetData(pkt.Data)
		existing.SetWeight(pkt.Weight)
		existing.SetState(graph.Local)
		existing.SetLocation(dg.rank)
		if existing.Mutex() == nil && dg.mode.NewMutex != nil {
			existing.SetMutex(dg.mode.NewMutex(existing))
		}
		dg.markLocal(pkt.Id)
		dg.fireSetLocal(existing)
		return existing
	}

	n := graph.NewNode[T](pkt.Id, pkt.Data, pkt.Weight, pkt.Id.Origin)
	n.SetLocation(dg.rank)
	if dg.mode.NewMutex != nil {
		n.SetMutex(dg.mode.NewMutex(n))
	}
	dg.g.InsertNode(n)
	dg.markLocal(pkt.Id)
	dg.fireSetLocal(n)
	return n
}

func (dg *DistGraph[T]) markLocal(nid id.Id) {
	dg.mu.Lock()
	dg.state[nid] = graph.Local
	dg.location[nid] = dg.rank
	dg.mu.Unlock()
	dg.loc.SetLocal(nid)
}

// ImportEdge resolves both endpoints by id, creating a DISTANT stub from
// the light temporary carried in the packet for any endpoint unknown to
// this process, and discards a duplicate of an edge already known here
// (spec §4.3: "import_edge(edge)").
func (dg *DistGraph[T]) ImportEdge(pkt edgePacket) *graph.Edge[T] {
	if e, ok := dg.g.GetEdge(pkt.Id); ok {
		return e
	}
	src := dg.resolveEndpoint(pkt.Source, pkt.SourceLocation)
	tgt := dg.resolveEndpoint(pkt.Target, pkt.TargetLocation)
	e := graph.NewEdge[T](pkt.Id, pkt.Layer, pkt.Weight, src, tgt)
	dg.g.InsertEdge(e)
	return e
}

func (dg *DistGraph[T]) resolveEndpoint(light lightNode, loc int) *graph.Node[T] {
	if n, ok := dg.g.GetNode(light.Id); ok {
		return n
	}
	var zero T
	n := graph.NewNode[T](light.Id, zero, light.Weight, light.Id.Origin)
	n.SetState(graph.Distant)
	n.SetLocation(loc)
	if dg.mode.NewMutex != nil {
		n.SetMutex(dg.mode.NewMutex(n))
	}
	dg.g.InsertNode(n)
	dg.mu.Lock()
	dg.state[light.Id] = graph.Distant
	dg.location[light.Id] = loc
	dg.mu.Unlock()
	dg.loc.Track(light.Id)
	return n
}

// ClearNode erases n entirely if every incident edge has its other endpoint
// DISTANT; otherwise only the incident edges that are themselves
// DISTANT-on-both-ends are erased and n remains DISTANT (spec §4.3:
// "clear_node(node)").
func (dg *DistGraph[T]) ClearNode(n *graph.Node[T]) {
	incident := append(append([]*graph.Edge[T]{}, n.AllIncoming()...), n.AllOutgoing()...)

	allOtherDistant := true
	for _, e := range incident {
		other := e.Target()
		if other == n {
			other = e.Source()
		}
		if other.State() == graph.Local {
			allOtherDistant = false
			break
		}
	}

	if allOtherDistant {
		if dg.mode.Linker != nil {
			for _, e := range incident {
				dg.mode.Linker.Unlink(e)
			}
		}
		dg.g.EraseNode(n)
		return
	}

	for _, e := range incident {
		if e.Source().State() != graph.Local && e.Target().State() != graph.Local {
			if dg.mode.Linker != nil {
				dg.mode.Linker.Unlink(e)
			}
			dg.g.EraseEdge(e)
		}
	}
	dg.loc.Track(n.Id())
}

// Synchronize delegates to the sync mode's linker then data synchronizer
// (spec §4.3: "synchronize()").
func (dg *DistGraph[T]) Synchronize(ctx context.Context) error {
	if dg.mode.Linker != nil {
		if err := dg.mode.Linker.Synchronize(ctx, dg); err != nil {
			return errwrap.Wrap(err, "distgraph: linker synchronize failed")
		}
	}
	if dg.mode.Data != nil {
		if err := dg.mode.Data.Synchronize(ctx, dg); err != nil {
			return errwrap.Wrap(err, "distgraph: data synchronize failed")
		}
	}
	return nil
}

// Distribute runs the full export algorithm (spec §4.3 steps 1-8): flush
// pending links, compute per-destination node/edge export sets, migrate
// both in two waves, import on the receiving side, mark exported nodes
// DISTANT, update locations, clear exported nodes, and refresh surviving
// DISTANT replicas.
func (dg *DistGraph[T]) Distribute(ctx context.Context, partition map[id.Id]int) error {
	// 1: flush pending link/unlink.
	if dg.mode.Linker != nil {
		if err := dg.mode.Linker.Synchronize(ctx, dg); err != nil {
			return errwrap.Wrap(err, "distgraph: distribute: pre-synchronize failed")
		}
	}

	// 2: compute export sets, with each exported node's full incident
	// edge set deduplicated per destination rank.
	var exportNodes []*graph.Node[T]
	for _, n := range dg.g.Nodes() {
		if n.State() != graph.Local {
			continue
		}
		if dest, ok := partition[n.Id()]; ok && dest != dg.rank {
			exportNodes = append(exportNodes, n)
		}
	}

	outNodes := make(map[int][]nodePacket[T])
	outEdges := make(map[int][]edgePacket)
	seenEdgeDest := make(map[id.Id]map[int]bool)

	for _, n := range exportNodes {
		dest := partition[n.Id()]
		outNodes[dest] = append(outNodes[dest], nodePacket[T]{Id: n.Id(), Data: n.Data(), Weight: n.Weight()})

		incident := append(append([]*graph.Edge[T]{}, n.AllIncoming()...), n.AllOutgoing()...)
		for _, e := range incident {
			if seenEdgeDest[e.Id()] == nil {
				seenEdgeDest[e.Id()] = make(map[int]bool)
			}
			if seenEdgeDest[e.Id()][dest] {
				continue
			}
			seenEdgeDest[e.Id()][dest] = true

			src, tgt := e.Source(), e.Target()
			outEdges[dest] = append(outEdges[dest], edgePacket{
				Id: e.Id(), Layer: e.Layer(), Weight: e.Weight(),
				Source: lightNode{Id: src.Id(), Weight: src.Weight()}, SourceLocation: src.Location(),
				Target: lightNode{Id: tgt.Id(), Weight: tgt.Weight()}, TargetLocation: tgt.Location(),
			})
		}
	}

	// 3: migrate in two waves.
	inNodes, err := dg.nodeTr.Migrate(ctx, outNodes)
	if err != nil {
		return errwrap.Wrap(err, "distgraph: distribute: node migrate failed")
	}
	inEdges, err := dg.edgeTr.Migrate(ctx, outEdges)
	if err != nil {
		return errwrap.Wrap(err, "distgraph: distribute: edge migrate failed")
	}

	// 4: import.
	var newlyLocal []id.Id
	var errs *multierror.Error
	for _, pkts := range inNodes {
		for _, pkt := range pkts {
			dg.ImportNode(pkt)
			newlyLocal = append(newlyLocal, pkt.Id)
		}
	}
	for _, pkts := range inEdges {
		for _, pkt := range pkts {
			dg.ImportEdge(pkt)
		}
	}

	// 5: mark each exported node DISTANT.
	for _, n := range exportNodes {
		n.SetState(graph.Distant)
		n.SetLocation(partition[n.Id()])
		dg.mu.Lock()
		dg.state[n.Id()] = graph.Distant
		dg.location[n.Id()] = partition[n.Id()]
		dg.mu.Unlock()
		dg.fireSetDistant(n)
	}

	// 6: update locations.
	if err := dg.loc.UpdateLocations(ctx, newlyLocal); err != nil {
		errs = multierror.Append(errs, errwrap.Wrap(err, "distgraph: distribute: update locations failed"))
	}
	for _, nid := range newlyLocal {
		if n, ok := dg.g.GetNode(nid); ok {
			dg.mu.Lock()
			dg.location[nid] = n.Location()
			dg.mu.Unlock()
		}
	}

	// 7: clear_node every exported node.
	for _, n := range exportNodes {
		dg.ClearNode(n)
	}

	// 8: refresh surviving DISTANT replicas.
	if dg.mode.Data != nil {
		if err := dg.mode.Data.Synchronize(ctx, dg); err != nil {
			errs = multierror.Append(errs, errwrap.Wrap(err, "distgraph: distribute: post-synchronize failed"))
		}
	}

	return errs.ErrorOrNil()
}
