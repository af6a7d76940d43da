package hardsync

import (
	"context"

	"github.com/fpmas/fpmas-go/graph"
	"github.com/fpmas/fpmas-go/syncmode"

	errwrap "github.com/pkg/errors"
)

// Linker is HardSyncMode's SyncLinker: unlike GhostMode's buffer-then-flush
// Linker, every edge mutation is sent immediately, unbuffered (spec
// §4.5.2: "LINK/UNLINK/REMOVE_NODE are sent immediately, no buffering").
// Synchronize does no edge work of its own; it only drives termination
// detection to close out the round once every in-flight RPC has drained.
type Linker[T any] struct {
	server *Server[T]
}

// NewLinker builds a hardsync Linker bound to server. Link and Unlink need
// server to have been bound already; Synchronize binds it to the graph it
// is handed.
func NewLinker[T any](server *Server[T]) *Linker[T] {
	return &Linker[T]{server: server}
}

func (l *Linker[T]) targets(e *graph.Edge[T]) []int {
	var dests []int
	seen := make(map[int]bool)
	add := func(n *graph.Node[T]) {
		if n.State() != graph.Distant {
			return
		}
		loc := n.Location()
		if !seen[loc] {
			seen[loc] = true
			dests = append(dests, loc)
		}
	}
	add(e.Source())
	add(e.Target())
	return dests
}

func (l *Linker[T]) Link(e *graph.Edge[T]) {
	epoch := l.server.currentEpoch()
	pkt := syncmode.EdgePacket{
		Id:             e.Id(),
		Layer:          e.Layer(),
		Weight:         e.Weight(),
		Source:         syncmode.LightNode{Id: e.Source().Id(), Weight: e.Source().Weight()},
		SourceLocation: e.Source().Location(),
		Target:         syncmode.LightNode{Id: e.Target().Id(), Weight: e.Target().Weight()},
		TargetLocation: e.Target().Location(),
	}
	for _, dst := range l.targets(e) {
		// best-effort, fire-and-forget: a send failure here cannot be
		// surfaced through the Link interface, which returns nothing.
		_ = l.server.edgeTr.Send(context.Background(), dst, wireTag(Link, epoch), pkt)
		l.server.markBlack()
	}
}

func (l *Linker[T]) Unlink(e *graph.Edge[T]) {
	epoch := l.server.currentEpoch()
	for _, dst := range l.targets(e) {
		_ = l.server.idTr.Send(context.Background(), dst, wireTag(Unlink, epoch), e.Id())
		l.server.markBlack()
	}
}

func (l *Linker[T]) RemoveNode(n *graph.Node[T]) {
	if n.State() != graph.Distant {
		return
	}
	epoch := l.server.currentEpoch()
	_ = l.server.idTr.Send(context.Background(), n.Location(), wireTag(RemoveNode, epoch), n.Id())
	l.server.markBlack()
}

// Synchronize binds dg to the server (idempotent) and runs the
// Dijkstra-Safra termination protocol: once it returns, every RPC this
// rank or any peer issued during the round has been serviced.
func (l *Linker[T]) Synchronize(ctx context.Context, dg syncmode.GraphMutator[T]) error {
	l.server.Bind(dg)
	if err := l.server.runTermination(ctx); err != nil {
		return errwrap.Wrap(err, "hardsync: termination detection failed")
	}
	return nil
}
