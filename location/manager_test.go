package location

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fpmas/fpmas-go/id"
	"github.com/fpmas/fpmas-go/transport/local"
)

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestUpdateLocationsConvergesAfterMove mirrors spec invariant 3: after a
// node originated on rank 0 becomes LOCAL on rank 1, and rank 2 holds a
// stale DISTANT replica still pointing at rank 0, one UpdateLocations round
// on every rank leaves every rank agreeing that rank 1 is now the owner.
func TestUpdateLocationsConvergesAfterMove(t *testing.T) {
	const n = 3
	hub := local.NewHub(n)
	ctx := ctxT(t)

	nodeA := id.Id{Origin: 0, Counter: 1}

	mgrs := make([]*Manager, n)
	for r := 0; r < n; r++ {
		mgrs[r] = NewManager(hub.Rank(r), nil)
	}

	// rank 2 still believes A lives at rank 0 and wants it kept fresh.
	mgrs[2].mu.Lock()
	mgrs[2].table[nodeA] = 0
	mgrs[2].mu.Unlock()
	mgrs[2].Track(nodeA)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for r := 0; r < n; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			var newlyLocal []id.Id
			if r == 1 {
				newlyLocal = []id.Id{nodeA}
			}
			errs[r] = mgrs[r].UpdateLocations(ctx, newlyLocal)
		}()
	}
	wg.Wait()

	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: UpdateLocations failed: %v", r, err)
		}
	}

	if rank, ok := mgrs[2].Location(nodeA); !ok || rank != 1 {
		t.Fatalf("rank 2: expected to resolve A to rank 1, got rank=%d ok=%v", rank, ok)
	}
	mgrs[0].mu.RLock()
	authRank, ok := mgrs[0].authoritative[nodeA]
	mgrs[0].mu.RUnlock()
	if !ok || authRank != 1 {
		t.Fatalf("rank 0 (registrar): expected authoritative[A]=1, got %d ok=%v", authRank, ok)
	}
	if rank, ok := mgrs[1].Location(nodeA); !ok || rank != 1 {
		t.Fatalf("rank 1: expected to know itself as owner, got rank=%d ok=%v", rank, ok)
	}
}

// TestSetLocalSkipsGossipForSelfOriginated confirms build_node's fast path:
// a freshly minted id whose origin is this rank is immediately both known
// and (if self is the registrar) authoritative, with no network round trip.
func TestSetLocalSkipsGossipForSelfOriginated(t *testing.T) {
	hub := local.NewHub(1)
	mgr := NewManager(hub.Rank(0), nil)
	nodeA := id.Id{Origin: 0, Counter: 7}

	mgr.SetLocal(nodeA)

	if rank, ok := mgr.Location(nodeA); !ok || rank != 0 {
		t.Fatalf("expected immediate self-location, got rank=%d ok=%v", rank, ok)
	}
	mgr.mu.RLock()
	_, tracked := mgr.tracked[nodeA]
	mgr.mu.RUnlock()
	if tracked {
		t.Fatalf("a local node should not be tracked for resolution")
	}
}

func TestUpdateLocationsIsANoOpWhenNothingChanged(t *testing.T) {
	const n = 2
	hub := local.NewHub(n)
	ctx := ctxT(t)

	mgrs := []*Manager{NewManager(hub.Rank(0), nil), NewManager(hub.Rank(1), nil)}

	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mgrs[r].UpdateLocations(ctx, nil); err != nil {
				t.Errorf("rank %d: %v", r, err)
			}
		}()
	}
	wg.Wait()
}
