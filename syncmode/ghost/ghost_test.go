package ghost

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fpmas/fpmas-go/distgraph"
	"github.com/fpmas/fpmas-go/graph"
	"github.com/fpmas/fpmas-go/id"
	"github.com/fpmas/fpmas-go/syncmode"
	"github.com/fpmas/fpmas-go/transport/local"
)

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// buildPair wires two DistGraphs sharing a Hub, each with its own GhostMode
// linker/data-sync bound to its rank's communicator.
func buildPair(t *testing.T) (*distgraph.DistGraph[string], *distgraph.DistGraph[string]) {
	hub := local.NewHub(2)
	c0, c1 := hub.Rank(0), hub.Rank(1)

	mode0 := syncmode.Mode[string]{
		Linker: NewLinker[string](c0),
		Data:   NewDataSync[string](c0),
		NewMutex: func(n *graph.Node[string]) graph.Mutex[string] { return NewMutex[string](n) },
	}
	mode1 := syncmode.Mode[string]{
		Linker: NewLinker[string](c1),
		Data:   NewDataSync[string](c1),
		NewMutex: func(n *graph.Node[string]) graph.Mutex[string] { return NewMutex[string](n) },
	}

	dg0 := distgraph.New[string]("t", c0, mode0, nil)
	dg1 := distgraph.New[string]("t", c1, mode1, nil)
	return dg0, dg1
}

// runBoth calls fn on both distgraphs concurrently, since every migrate
// call in a GhostMode Synchronize is collective across the whole world.
func runBoth(t *testing.T, fn0, fn1 func() error) {
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = fn0() }()
	go func() { defer wg.Done(); errs[1] = fn1() }()
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}
}

// TestLinkAcrossRanksImportsGhostEdge exercises the ghost Linker: rank 0
// builds a node, imports rank 1's node as a DISTANT stub, links them, and
// after one Synchronize round rank 1 has imported the edge too.
func TestLinkAcrossRanksImportsGhostEdge(t *testing.T) {
	dg0, dg1 := buildPair(t)
	ctx := ctxT(t)

	a := dg0.BuildNode("a", 1.0)
	bOnOne := dg1.BuildNode("b", 1.0)

	// rank 0 learns of b as a DISTANT stub, as if a prior distribute had
	// already introduced it.
	bStub := dg0.ImportEdge(syncmode.EdgePacket{
		Id:             id.Id{Origin: 0, Counter: 999},
		Layer:          0,
		Source:         syncmode.LightNode{Id: a.Id(), Weight: a.Weight()},
		SourceLocation: 0,
		Target:         syncmode.LightNode{Id: bOnOne.Id(), Weight: bOnOne.Weight()},
		TargetLocation: 1,
	}).Target()

	e, err := dg0.Link(ctx, a, bStub, 1, 2.0)
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if e.State() != graph.Distant {
		t.Fatalf("edge to a DISTANT endpoint must itself be DISTANT")
	}

	runBoth(t,
		func() error { return dg0.Synchronize(ctx) },
		func() error { return dg1.Synchronize(ctx) },
	)

	if _, ok := dg1.Graph().GetEdge(e.Id()); !ok {
		t.Fatalf("rank 1 should have imported the new edge via ImportEdge")
	}
}

// TestGhostDataSyncRefreshesDistantReplica is scenario S2: a DISTANT
// replica's stale data is overwritten by whatever its LOCAL owner holds
// after one DataSync round.
func TestGhostDataSyncRefreshesDistantReplica(t *testing.T) {
	dg0, dg1 := buildPair(t)
	ctx := ctxT(t)

	owned := dg1.BuildNode("fresh", 1.0)

	stale := graph.NewNode[string](owned.Id(), "stale", 1.0, 1)
	stale.SetState(graph.Distant)
	stale.SetLocation(1)
	dg0.Graph().InsertNode(stale)

	runBoth(t,
		func() error { return dg0.Synchronize(ctx) },
		func() error { return dg1.Synchronize(ctx) },
	)

	if stale.Data() != "fresh" {
		t.Fatalf("expected ghost replica refreshed to %q, got %q", "fresh", stale.Data())
	}
}
