package loadbalance

import (
	"testing"

	"github.com/fpmas/fpmas-go/id"
	"github.com/fpmas/fpmas-go/scheduler"
)

func n(origin int, counter uint64, weight float64, loc int) (id.Id, NodeInfo) {
	nid := id.Id{Origin: origin, Counter: counter}
	return nid, NodeInfo{Id: nid, Weight: weight, Location: loc}
}

func TestSimpleBalanceRespectsFixed(t *testing.T) {
	a, na := n(0, 1, 1, 0)
	b, nb := n(0, 2, 1, 0)
	c, nc := n(0, 3, 1, 0)
	nodes := NodeView{a: na, b: nb, c: nc}

	fixed := PartitionMap{a: 1}
	bal := NewSimple(2)
	result, err := bal.Balance(nodes, fixed)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if result[a] != 1 {
		t.Fatalf("fixed assignment for a must be respected, got rank %d", result[a])
	}
	if len(result) != 3 {
		t.Fatalf("expected every node assigned, got %d entries", len(result))
	}
}

func TestSimpleBalanceSpreadsWeight(t *testing.T) {
	nodes := NodeView{}
	for i := 0; i < 4; i++ {
		nid, info := n(0, uint64(i+1), 1, 0)
		nodes[nid] = info
	}
	bal := NewSimple(2)
	result, err := bal.Balance(nodes, nil)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	counts := map[int]int{}
	for _, rank := range result {
		counts[rank]++
	}
	if counts[0] != 2 || counts[1] != 2 {
		t.Fatalf("expected an even 2/2 split across 2 ranks, got %v", counts)
	}
}

func TestScheduledBalancePrioritizesJobSubsets(t *testing.T) {
	a, na := n(0, 1, 1, 0)
	b, nb := n(0, 2, 1, 0)
	nodes := NodeView{a: na, b: nb}

	job := scheduler.Job{Tasks: []scheduler.Task{func() {}}}
	nodesOf := func(j scheduler.Job) []id.Id { return []id.Id{a, b} }

	sched := NewScheduled(NewSimple(2), nodesOf)
	result, err := sched.Balance(nodes, scheduler.Epoch{job}, PartitionMap{})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected both nodes assigned, got %d", len(result))
	}
	if result[a] == result[b] {
		t.Fatalf("expected the two equal-weight nodes spread across distinct ranks, both got rank %d", result[a])
	}
}

func TestScheduledBalanceKeepsUntouchedNodesAtPreviousLocation(t *testing.T) {
	a, na := n(0, 1, 1, 0)
	untouched, nu := n(0, 2, 1, 1)
	nodes := NodeView{a: na, untouched: nu}

	job := scheduler.Job{Tasks: []scheduler.Task{func() {}}}
	nodesOf := func(j scheduler.Job) []id.Id { return []id.Id{a} }

	sched := NewScheduled(NewSimple(2), nodesOf)
	result, err := sched.Balance(nodes, scheduler.Epoch{job}, PartitionMap{untouched: 1})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if result[untouched] != 1 {
		t.Fatalf("node untouched by any job this round should keep its previous rank, got %d", result[untouched])
	}
}
