package distgraph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fpmas/fpmas-go/graph"
	"github.com/fpmas/fpmas-go/id"
	"github.com/fpmas/fpmas-go/syncmode"
	"github.com/fpmas/fpmas-go/transport/local"
)

// noopLinker is a stand-in syncmode.SyncLinker that records calls without
// doing any remote propagation, enough to exercise DistGraph's own
// mechanics independent of any concrete sync mode.
type noopLinker[T any] struct {
	mu      sync.Mutex
	linked  []id.Id
	unlinks []id.Id
	removed []id.Id
}

func (l *noopLinker[T]) Link(e *graph.Edge[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.linked = append(l.linked, e.Id())
}
func (l *noopLinker[T]) Unlink(e *graph.Edge[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlinks = append(l.unlinks, e.Id())
}
func (l *noopLinker[T]) RemoveNode(n *graph.Node[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, n.Id())
}
func (l *noopLinker[T]) Synchronize(ctx context.Context, dg syncmode.GraphMutator[T]) error {
	return nil
}

type noopData[T any] struct{}

func (noopData[T]) Synchronize(ctx context.Context, dg syncmode.DistGraphView[T]) error { return nil }

func testMode[T any]() syncmode.Mode[T] {
	return syncmode.Mode[T]{Linker: &noopLinker[T]{}, Data: noopData[T]{}}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBuildNodeIsLocalAndRegistered(t *testing.T) {
	hub := local.NewHub(1)
	dg := New[string]("t", hub.Rank(0), testMode[string](), nil)

	n := dg.BuildNode("hello", 1.0)

	if n.State() != graph.Local {
		t.Fatalf("expected fresh node to be LOCAL")
	}
	if _, ok := dg.Graph().GetNode(n.Id()); !ok {
		t.Fatalf("node not registered in underlying graph")
	}
	if loc, ok := dg.Location(n.Id()); !ok || loc != 0 {
		t.Fatalf("expected location 0, got %d ok=%v", loc, ok)
	}
}

func TestLinkProducesLocalEdgeAndNotifiesLinker(t *testing.T) {
	hub := local.NewHub(1)
	mode := testMode[string]()
	dg := New[string]("t", hub.Rank(0), mode, nil)
	ctx := ctxT(t)

	a := dg.BuildNode("a", 1.0)
	b := dg.BuildNode("b", 1.0)

	e, err := dg.Link(ctx, a, b, 0, 1.0)
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if e.State() != graph.Local {
		t.Fatalf("expected LOCAL edge between two LOCAL nodes, got %v", e.State())
	}
	linker := mode.Linker.(*noopLinker[string])
	if len(linker.linked) != 1 || linker.linked[0] != e.Id() {
		t.Fatalf("linker.Link was not notified correctly: %v", linker.linked)
	}
}

func TestUnlinkErasesAndNotifies(t *testing.T) {
	hub := local.NewHub(1)
	mode := testMode[string]()
	dg := New[string]("t", hub.Rank(0), mode, nil)
	ctx := ctxT(t)

	a := dg.BuildNode("a", 1.0)
	b := dg.BuildNode("b", 1.0)
	e, err := dg.Link(ctx, a, b, 0, 1.0)
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}

	if err := dg.Unlink(ctx, e); err != nil {
		t.Fatalf("unlink failed: %v", err)
	}
	if _, ok := dg.Graph().GetEdge(e.Id()); ok {
		t.Fatalf("edge should be gone after unlink")
	}
	linker := mode.Linker.(*noopLinker[string])
	if len(linker.unlinks) != 1 || linker.unlinks[0] != e.Id() {
		t.Fatalf("linker.Unlink was not notified correctly: %v", linker.unlinks)
	}
}

func TestImportNodePromotesExistingDistantInPlace(t *testing.T) {
	hub := local.NewHub(1)
	dg := New[string]("t", hub.Rank(0), testMode[string](), nil)

	nid := id.Id{Origin: 3, Counter: 1}
	stub := graph.NewNode[string](nid, "", 1.0, 3)
	stub.SetState(graph.Distant)
	stub.SetLocation(3)
	dg.Graph().InsertNode(stub)
	dg.mu.Lock()
	dg.state[nid] = graph.Distant
	dg.location[nid] = 3
	dg.mu.Unlock()

	got := dg.ImportNode(nodePacket[string]{Id: nid, Data: "promoted", Weight: 2.0})

	if got != stub {
		t.Fatalf("ImportNode must copy-assign into the existing instance, not reallocate")
	}
	if got.Data() != "promoted" {
		t.Fatalf("expected promoted data, got %q", got.Data())
	}
	if got.State() != graph.Local {
		t.Fatalf("expected promoted node to be LOCAL")
	}
}

func TestImportEdgeCreatesDistantStubForUnknownEndpoint(t *testing.T) {
	hub := local.NewHub(1)
	dg := New[string]("t", hub.Rank(0), testMode[string](), nil)

	srcId := id.Id{Origin: 5, Counter: 1}
	tgtId := id.Id{Origin: 5, Counter: 2}
	eid := id.Id{Origin: 5, Counter: 3}

	e := dg.ImportEdge(edgePacket{
		Id: eid, Layer: 0, Weight: 1.0,
		Source: lightNode{Id: srcId, Weight: 1.0}, SourceLocation: 5,
		Target: lightNode{Id: tgtId, Weight: 1.0}, TargetLocation: 5,
	})

	if e.Source().State() != graph.Distant || e.Target().State() != graph.Distant {
		t.Fatalf("expected both endpoints created as DISTANT stubs")
	}
	if _, ok := dg.Graph().GetNode(srcId); !ok {
		t.Fatalf("source stub not registered in graph")
	}

	// a duplicate import of the same edge id must be discarded, not
	// replace the existing edge.
	e2 := dg.ImportEdge(edgePacket{Id: eid, Layer: 0, Weight: 99.0, Source: lightNode{Id: srcId}, Target: lightNode{Id: tgtId}})
	if e2 != e {
		t.Fatalf("duplicate edge import should return the existing edge")
	}
}

func TestClearNodeErasesWhenFullyDetached(t *testing.T) {
	hub := local.NewHub(1)
	dg := New[string]("t", hub.Rank(0), testMode[string](), nil)
	ctx := ctxT(t)

	a := dg.BuildNode("a", 1.0)
	b := dg.BuildNode("b", 1.0)
	if _, err := dg.Link(ctx, a, b, 0, 1.0); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	// simulate a's export: it becomes DISTANT, and its only neighbor b
	// is also DISTANT from a's point of view (exported to the same
	// destination, i.e. also gone LOCAL-ly).
	a.SetState(graph.Distant)
	b.SetState(graph.Distant)

	dg.ClearNode(a)

	if _, ok := dg.Graph().GetNode(a.Id()); ok {
		t.Fatalf("node with only DISTANT neighbors should be erased entirely")
	}
}

func TestClearNodeKeepsDistantWhenLocalNeighborRemains(t *testing.T) {
	hub := local.NewHub(1)
	dg := New[string]("t", hub.Rank(0), testMode[string](), nil)
	ctx := ctxT(t)

	a := dg.BuildNode("a", 1.0)
	b := dg.BuildNode("b", 1.0)
	e, err := dg.Link(ctx, a, b, 0, 1.0)
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}

	a.SetState(graph.Distant) // b remains LOCAL

	dg.ClearNode(a)

	if _, ok := dg.Graph().GetNode(a.Id()); !ok {
		t.Fatalf("node with a LOCAL neighbor must remain as a DISTANT stub")
	}
	if _, ok := dg.Graph().GetEdge(e.Id()); !ok {
		t.Fatalf("edge to a LOCAL neighbor must not be erased")
	}
}

// TestDistributeMovesNodeAcrossRanks is the end-to-end scenario: two ranks,
// a single node built on rank 0 exported to rank 1 via Distribute.
func TestDistributeMovesNodeAcrossRanks(t *testing.T) {
	const n = 2
	hub := local.NewHub(n)
	ctx := ctxT(t)

	dgs := make([]*DistGraph[string], n)
	for r := 0; r < n; r++ {
		dgs[r] = New[string]("t", hub.Rank(r), testMode[string](), nil)
	}

	node := dgs[0].BuildNode("payload", 1.0)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for r := 0; r < n; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			partition := map[id.Id]int{}
			if r == 0 {
				partition[node.Id()] = 1
			}
			errs[r] = dgs[r].Distribute(ctx, partition)
		}()
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: distribute failed: %v", r, err)
		}
	}

	if node.State() != graph.Distant {
		t.Fatalf("exported node should now be DISTANT on its origin rank")
	}
	imported, ok := dgs[1].Graph().GetNode(node.Id())
	if !ok {
		t.Fatalf("rank 1 did not import the node")
	}
	if imported.State() != graph.Local {
		t.Fatalf("imported node should be LOCAL on rank 1")
	}
	if imported.Data() != "payload" {
		t.Fatalf("imported node has wrong data: %q", imported.Data())
	}
	if loc, ok := dgs[0].Location(node.Id()); !ok || loc != 1 {
		t.Fatalf("rank 0 should know the node now lives at rank 1, got %d ok=%v", loc, ok)
	}
}
