package model

import (
	"context"
	"testing"
	"time"

	"github.com/fpmas/fpmas-go/distgraph"
	"github.com/fpmas/fpmas-go/graph"
	"github.com/fpmas/fpmas-go/id"
	"github.com/fpmas/fpmas-go/loadbalance"
	"github.com/fpmas/fpmas-go/scheduler"
	"github.com/fpmas/fpmas-go/syncmode"
	"github.com/fpmas/fpmas-go/syncmode/ghost"
	"github.com/fpmas/fpmas-go/transport/local"
)

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// buildGraph wires a single-rank DistGraph[any] over GhostMode, enough to
// exercise BuildNode/Distribute/Synchronize without needing a second rank.
func buildGraph(t *testing.T) *distgraph.DistGraph[any] {
	hub := local.NewHub(1)
	c := hub.Rank(0)
	mode := syncmode.Mode[any]{
		Linker: ghost.NewLinker[any](c),
		Data:   ghost.NewDataSync[any](c),
		NewMutex: func(n *graph.Node[any]) graph.Mutex[any] { return ghost.NewMutex[any](n) },
	}
	return distgraph.New[any]("t", c, mode, nil)
}

// countingAgent records how many times, and at which SubStep, it was run.
type countingAgent struct {
	runs    int
	lastSub float64
}

func (a *countingAgent) Act(ctx *Context) error {
	a.runs++
	a.lastSub = ctx.Date.SubStep
	return nil
}

func TestGroupActAllRunsEveryCurrentMember(t *testing.T) {
	dg := buildGraph(t)
	g := NewGroup("prey", 0.5)

	a1 := &countingAgent{}
	a2 := &countingAgent{}
	n1 := dg.BuildNode(nil, 1)
	n2 := dg.BuildNode(nil, 1)
	g.Add(n1, a1)
	g.Add(n2, a2)

	job := g.Job()
	if len(job.Tasks) != 1 {
		t.Fatalf("expected a Group's Job to carry exactly one Task, got %d", len(job.Tasks))
	}
	job.Tasks[0]()

	if a1.runs != 1 || a2.runs != 1 {
		t.Fatalf("expected both members to run once, got a1=%d a2=%d", a1.runs, a2.runs)
	}
	if a1.lastSub != 0.5 || a2.lastSub != 0.5 {
		t.Fatalf("expected Date.SubStep 0.5, got a1=%v a2=%v", a1.lastSub, a2.lastSub)
	}
}

func TestGroupAddAfterJobRegisteredIsPickedUpOnNextRun(t *testing.T) {
	dg := buildGraph(t)
	g := NewGroup("prey", 0)
	sched := scheduler.New()
	sched.ScheduleRecurring(0, 1, g.Job())

	a1 := &countingAgent{}
	n1 := dg.BuildNode(nil, 1)
	g.Add(n1, a1)

	epoch := sched.Build(0)
	if len(epoch) != 1 {
		t.Fatalf("expected one job at step 0, got %d", len(epoch))
	}
	epoch[0].Tasks[0]()
	if a1.runs != 1 {
		t.Fatalf("expected member added after scheduling to still run, got %d", a1.runs)
	}
}

func TestGroupRemoveStopsFutureRuns(t *testing.T) {
	dg := buildGraph(t)
	g := NewGroup("prey", 0)
	a1 := &countingAgent{}
	n1 := dg.BuildNode(nil, 1)
	g.Add(n1, a1)
	g.Remove(n1.Id())

	g.Job().Tasks[0]()
	if a1.runs != 0 {
		t.Fatalf("expected removed member to not run, got %d runs", a1.runs)
	}
}

func TestGroupNodeIds(t *testing.T) {
	dg := buildGraph(t)
	g := NewGroup("prey", 0)
	n1 := dg.BuildNode(nil, 1)
	n2 := dg.BuildNode(nil, 1)
	g.Add(n1, &countingAgent{})
	g.Add(n2, &countingAgent{})

	ids := g.NodeIds()
	if len(ids) != 2 {
		t.Fatalf("expected 2 node ids, got %d", len(ids))
	}
	seen := map[id.Id]bool{}
	for _, nid := range ids {
		seen[nid] = true
	}
	if !seen[n1.Id()] || !seen[n2.Id()] {
		t.Fatalf("expected both node ids present, got %v", ids)
	}
}

func TestForJobMatchesGroupBySubStep(t *testing.T) {
	dg := buildGraph(t)
	prey := NewGroup("prey", 0)
	predator := NewGroup("predator", 1)

	n1 := dg.BuildNode(nil, 1)
	prey.Add(n1, &countingAgent{})

	lookup := ForJob([]*Group{prey, predator})

	ids := lookup(prey.Job())
	if len(ids) != 1 || ids[0] != n1.Id() {
		t.Fatalf("expected ForJob to resolve prey's own node, got %v", ids)
	}

	if ids := lookup(predator.Job()); len(ids) != 0 {
		t.Fatalf("expected predator's (empty) node set, got %v", ids)
	}

	unknown := scheduler.Job{SubStep: 99}
	if ids := lookup(unknown); ids != nil {
		t.Fatalf("expected nil for an unrecognized SubStep, got %v", ids)
	}
}

func TestModelRebalanceSkipsWhenNoBalancerConfigured(t *testing.T) {
	dg := buildGraph(t)
	sched := scheduler.New()
	m := NewModel[any](dg, sched, nil, 10)

	if err := m.Rebalance(ctxT(t), 0); err != nil {
		t.Fatalf("expected Rebalance with no balancer to only Synchronize, got %v", err)
	}
}

func TestModelRebalanceSkipsOffPeriodSteps(t *testing.T) {
	dg := buildGraph(t)
	sched := scheduler.New()
	simple := loadbalance.NewSimple(1)
	balancer := loadbalance.NewScheduled(simple, func(scheduler.Job) []id.Id { return nil })
	m := NewModel[any](dg, sched, balancer, 10)

	if err := m.Rebalance(ctxT(t), 3); err != nil {
		t.Fatalf("expected an off-period step to skip balancing and only Synchronize, got %v", err)
	}
}

func TestModelRebalanceRunsOnPeriodStep(t *testing.T) {
	dg := buildGraph(t)
	sched := scheduler.New()
	simple := loadbalance.NewSimple(1)

	g := NewGroup("prey", 0)
	n1 := dg.BuildNode(nil, 1)
	g.Add(n1, &countingAgent{})

	balancer := loadbalance.NewScheduled(simple, ForJob([]*Group{g}))
	m := NewModel[any](dg, sched, balancer, 1)
	m.AddGroup(g)

	if err := m.Rebalance(ctxT(t), 0); err != nil {
		t.Fatalf("expected on-period Rebalance to succeed, got %v", err)
	}
	if loc, ok := dg.Location(n1.Id()); !ok || loc != 0 {
		t.Fatalf("expected single-rank world to keep node at rank 0, got loc=%d ok=%v", loc, ok)
	}
}
