package ghost

import (
	"context"
	"sync"

	"github.com/fpmas/fpmas-go/graph"
	"github.com/fpmas/fpmas-go/id"
	"github.com/fpmas/fpmas-go/syncmode"
	"github.com/fpmas/fpmas-go/transport"

	errwrap "github.com/pkg/errors"
)

// Linker is GhostMode's SyncLinker: link/unlink are buffered locally and
// only flushed to the affected owners at the next Synchronize (spec
// §4.5.1).
type Linker[T any] struct {
	mu           sync.Mutex
	linkBuffer   map[id.Id]*graph.Edge[T]
	unlinkBuffer map[id.Id]*graph.Edge[T]
	removeBuffer map[id.Id]int // node id -> last-known owner rank

	edgeTr *transport.Transport[syncmode.EdgePacket]
	idTr   *transport.Transport[id.Id]
}

// NewLinker builds a GhostMode Linker bound to comm.
func NewLinker[T any](comm transport.Communicator) *Linker[T] {
	return &Linker[T]{
		linkBuffer:   make(map[id.Id]*graph.Edge[T]),
		unlinkBuffer: make(map[id.Id]*graph.Edge[T]),
		removeBuffer: make(map[id.Id]int),
		edgeTr:       transport.New[syncmode.EdgePacket](comm, transport.JSONCodec[syncmode.EdgePacket]{}),
		idTr:         transport.New[id.Id](comm, transport.JSONCodec[id.Id]{}),
	}
}

// Link buffers e if it has a DISTANT endpoint; a fully LOCAL edge needs no
// propagation (spec §4.5.1: "if e.state = DISTANT, buffer it in
// link_buffer").
func (l *Linker[T]) Link(e *graph.Edge[T]) {
	if e.State() != graph.Distant {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.linkBuffer[e.Id()] = e
}

// Unlink cancels a still-buffered link, or else queues a remote unlink
// (spec §4.5.1: "if e is in link_buffer, remove it there; otherwise buffer
// in unlink_buffer").
func (l *Linker[T]) Unlink(e *graph.Edge[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, buffered := l.linkBuffer[e.Id()]; buffered {
		delete(l.linkBuffer, e.Id())
		return
	}
	if e.State() == graph.Distant {
		l.unlinkBuffer[e.Id()] = e
	}
}

// RemoveNode buffers n's id for remote-deletion notice if n was DISTANT
// (spec §4.5.1: "then, if n is DISTANT, buffer its id for remote
// deletion"). Incident-edge unlinking is the caller's responsibility,
// since by the time this fires n is already detached from the graph.
func (l *Linker[T]) RemoveNode(n *graph.Node[T]) {
	if n.State() != graph.Distant {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeBuffer[n.Id()] = n.Location()
}

// Synchronize flushes every buffered link, unlink and node removal to its
// affected owners (spec §4.5.1 synchronize()).
func (l *Linker[T]) Synchronize(ctx context.Context, dg syncmode.GraphMutator[T]) error {
	l.mu.Lock()
	links := make([]*graph.Edge[T], 0, len(l.linkBuffer))
	for _, e := range l.linkBuffer {
		links = append(links, e)
	}
	l.linkBuffer = make(map[id.Id]*graph.Edge[T])

	unlinks := make([]*graph.Edge[T], 0, len(l.unlinkBuffer))
	for _, e := range l.unlinkBuffer {
		unlinks = append(unlinks, e)
	}
	l.unlinkBuffer = make(map[id.Id]*graph.Edge[T])

	removals := make(map[id.Id]int, len(l.removeBuffer))
	for nid, owner := range l.removeBuffer {
		removals[nid] = owner
	}
	l.removeBuffer = make(map[id.Id]int)
	l.mu.Unlock()

	if err := l.syncLinks(ctx, dg, links); err != nil {
		return errwrap.Wrap(err, "ghost: linker: link synchronize failed")
	}
	if err := l.syncUnlinks(ctx, dg, unlinks); err != nil {
		return errwrap.Wrap(err, "ghost: linker: unlink synchronize failed")
	}
	if err := l.syncRemovals(ctx, removals); err != nil {
		return errwrap.Wrap(err, "ghost: linker: node-removal synchronize failed")
	}
	return nil
}

func lightOf[T any](n *graph.Node[T]) syncmode.LightNode {
	return syncmode.LightNode{Id: n.Id(), Weight: n.Weight()}
}

// syncLinks sends every buffered new edge's light-serialized form to each
// of its DISTANT endpoints' owners; edges DISTANT on both ends are erased
// locally once exported, since this rank owns neither side (spec §4.5.1:
// "Edges with both endpoints DISTANT on the sender are erased after
// export").
func (l *Linker[T]) syncLinks(ctx context.Context, dg syncmode.GraphMutator[T], links []*graph.Edge[T]) error {
	out := make(map[int][]syncmode.EdgePacket)
	var toErase []*graph.Edge[T]

	for _, e := range links {
		src, tgt := e.Source(), e.Target()
		pkt := syncmode.EdgePacket{
			Id: e.Id(), Layer: e.Layer(), Weight: e.Weight(),
			Source: lightOf(src), SourceLocation: src.Location(),
			Target: lightOf(tgt), TargetLocation: tgt.Location(),
		}
		sentTo := make(map[int]bool)
		if src.State() == graph.Distant {
			out[src.Location()] = append(out[src.Location()], pkt)
			sentTo[src.Location()] = true
		}
		if tgt.State() == graph.Distant && !sentTo[tgt.Location()] {
			out[tgt.Location()] = append(out[tgt.Location()], pkt)
		}
		if src.State() == graph.Distant && tgt.State() == graph.Distant {
			toErase = append(toErase, e)
		}
	}

	in, err := l.edgeTr.Migrate(ctx, out)
	if err != nil {
		return errwrap.Wrap(err, "ghost: link migrate failed")
	}
	for _, pkts := range in {
		for _, pkt := range pkts {
			dg.ImportEdge(pkt)
		}
	}
	for _, e := range toErase {
		dg.Graph().EraseEdge(e)
	}
	return nil
}

// syncUnlinks tells each DISTANT endpoint's owner to drop its copy of e by
// id, and erases e locally on the receiving side if present there.
func (l *Linker[T]) syncUnlinks(ctx context.Context, dg syncmode.GraphMutator[T], unlinks []*graph.Edge[T]) error {
	out := make(map[int][]id.Id)
	for _, e := range unlinks {
		src, tgt := e.Source(), e.Target()
		sentTo := make(map[int]bool)
		if src.State() == graph.Distant {
			out[src.Location()] = append(out[src.Location()], e.Id())
			sentTo[src.Location()] = true
		}
		if tgt.State() == graph.Distant && !sentTo[tgt.Location()] {
			out[tgt.Location()] = append(out[tgt.Location()], e.Id())
		}
	}

	in, err := l.idTr.Migrate(ctx, out)
	if err != nil {
		return errwrap.Wrap(err, "ghost: unlink migrate failed")
	}
	for _, ids := range in {
		for _, eid := range ids {
			if e, ok := dg.Graph().GetEdge(eid); ok {
				dg.Graph().EraseEdge(e)
			}
		}
	}
	return nil
}

// syncRemovals tells each removed DISTANT node's last-known owner that a
// ghost copy is gone. The notice is advisory: this mode's DataSync is
// pull-based (a distant rank only ever asks for ids it still tracks), so
// an owner that never acts on it stays correct regardless.
func (l *Linker[T]) syncRemovals(ctx context.Context, removals map[id.Id]int) error {
	out := make(map[int][]id.Id)
	for nid, owner := range removals {
		out[owner] = append(out[owner], nid)
	}
	if _, err := l.idTr.Migrate(ctx, out); err != nil {
		return errwrap.Wrap(err, "ghost: remove-node migrate failed")
	}
	return nil
}
