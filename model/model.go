// Package model is the thin agent/node glue spec.md scopes out of the
// core but original_source's src/fpmas/model/ shows the shape of: an
// Agent interface, a Group binding a named set of agent-carrying nodes to
// one scheduler.Job, and a Model tying one or more Groups to a
// distgraph.DistGraph and a loadbalance.Scheduled. It stays intentionally
// thin — the seam applications build their real agent types against, not
// a feature-complete agent framework (spec §2's data-flow paragraph,
// realized literally rather than ported from the C++ AgentGroup/AgentNode
// pairing).
package model

import (
	"context"

	"github.com/fpmas/fpmas-go/distgraph"
	"github.com/fpmas/fpmas-go/graph"
	"github.com/fpmas/fpmas-go/id"
	"github.com/fpmas/fpmas-go/loadbalance"
	"github.com/fpmas/fpmas-go/scheduler"

	errwrap "github.com/pkg/errors"
)

// Context is the minimal state an Agent's Act needs: its own graph node
// (for neighbor lookups and mutex access) and a Date. Only Date.SubStep
// is filled in (with the Group's sub-step); Date.Step is not set by
// Group and is always 0.
type Context struct {
	Node *graph.Node[any]
	Date scheduler.Date
}

// Agent is anything a Group can schedule to act once per step.
type Agent interface {
	Act(ctx *Context) error
}

// member pairs an Agent with the node carrying it, mirroring the
// AgentNode/Agent pairing original_source's model.h keeps, minus the
// node-lifecycle callback machinery spec.md explicitly scopes out.
type member struct {
	node  *graph.Node[any]
	agent Agent
}

// Group is a named set of agent-carrying nodes plus the scheduler.Job
// that acts them each step (original_source's AgentGroup, generalized:
// a Group builds one scheduler.Job with a single Task that calls every
// current member's Act).
type Group struct {
	Name string

	members map[id.Id]*member
	job     scheduler.Job
}

// NewGroup builds an empty Group. SubStep positions this group's Job
// within a step relative to other groups (spec §4.6's sub_step
// ordering). The Job registered with a Scheduler carries a single Task
// that iterates this Group's current membership, so Add/Remove calls
// made after the Job is registered are still picked up on the next Build
// — the Scheduler only ever holds a Job value, not a live reference back
// to the Group.
func NewGroup(name string, subStep float64) *Group {
	g := &Group{Name: name, members: make(map[id.Id]*member)}
	g.job = scheduler.Job{SubStep: subStep, Tasks: []scheduler.Task{g.actAll}}
	return g
}

// Add binds agent to node under this group.
func (g *Group) Add(node *graph.Node[any], agent Agent) {
	g.members[node.Id()] = &member{node: node, agent: agent}
}

// Remove drops node's membership from the group.
func (g *Group) Remove(nid id.Id) {
	delete(g.members, nid)
}

// actAll runs every current member's Act. This is the Group's Job's sole
// Task; member order within a single actAll call is map iteration order,
// matching spec §4.6's "order within the task list is not specified".
func (g *Group) actAll() {
	for _, m := range g.members {
		date := scheduler.Date{SubStep: g.job.SubStep}
		ctx := &Context{Node: m.node, Date: date}
		_ = m.agent.Act(ctx)
	}
}

// NodeIds returns every node id currently bound to this group, satisfying
// loadbalance.JobNodes when wrapped by ForJob.
func (g *Group) NodeIds() []id.Id {
	ids := make([]id.Id, 0, len(g.members))
	for nid := range g.members {
		ids = append(ids, nid)
	}
	return ids
}

// Job returns the scheduler.Job this group maintains. Register it with a
// Scheduler (ScheduleRecurring, typically) to have it act every step.
func (g *Group) Job() scheduler.Job { return g.job }

// ForJob builds a loadbalance.JobNodes that recognizes this group's own
// Job by SubStep (scheduler.Job carries no identity of its own, so groups
// are matched by their distinguishing SubStep via a lookup table built
// once per Model; callers giving two groups the same SubStep will only
// ever resolve one of them — document distinct SubSteps per group).
func ForJob(groups []*Group) loadbalance.JobNodes {
	bySubStep := make(map[float64]*Group, len(groups))
	for _, g := range groups {
		bySubStep[g.job.SubStep] = g
	}
	return func(j scheduler.Job) []id.Id {
		if g, ok := bySubStep[j.SubStep]; ok {
			return g.NodeIds()
		}
		return nil
	}
}

// Model binds one or more Groups plus a loadbalance.Scheduled and a
// distgraph.DistGraph together, invoking the load balancer and
// Synchronize at the scheduled points (spec §2's data-flow paragraph).
type Model[T any] struct {
	Graph     *distgraph.DistGraph[T]
	Scheduler *scheduler.Scheduler
	Balancer  *loadbalance.Scheduled
	LBPeriod  int

	groups []*Group
	prev   loadbalance.PartitionMap
}

// NewModel wires graph, sched and an optional balancer (nil disables load
// balancing entirely) into a Model. lbPeriod is the step interval between
// repartitioning passes; 0 disables it even if a Balancer is set.
func NewModel[T any](dg *distgraph.DistGraph[T], sched *scheduler.Scheduler, balancer *loadbalance.Scheduled, lbPeriod int) *Model[T] {
	return &Model[T]{
		Graph:     dg,
		Scheduler: sched,
		Balancer:  balancer,
		LBPeriod:  lbPeriod,
		prev:      make(loadbalance.PartitionMap),
	}
}

// AddGroup registers g with the scheduler as a recurring job starting at
// step 0, and tracks it so Rebalance can locate its node set.
func (m *Model[T]) AddGroup(g *Group) {
	m.groups = append(m.groups, g)
	m.Scheduler.ScheduleRecurring(0, 1, g.Job())
}

// Rebalance runs the load balancer (if configured and due this step)
// against the current graph contents, then hands the resulting partition
// to DistGraph.Distribute, and finally Synchronizes DISTANT replicas.
func (m *Model[T]) Rebalance(ctx context.Context, step int) error {
	if m.Balancer != nil && m.LBPeriod > 0 && step%m.LBPeriod == 0 {
		view := make(loadbalance.NodeView)
		for _, n := range m.Graph.Graph().Nodes() {
			loc, _ := m.Graph.Location(n.Id())
			view[n.Id()] = loadbalance.NodeInfo{Id: n.Id(), Weight: n.Weight(), Location: loc, Edges: neighborEdges(n)}
		}
		nextEpoch := m.Scheduler.Build(step + 1)
		partition, err := m.Balancer.Balance(view, nextEpoch, m.prev)
		if err != nil {
			return errwrap.Wrap(err, "model: load balancing failed")
		}
		m.prev = partition
		if err := m.Graph.Distribute(ctx, partition); err != nil {
			return errwrap.Wrap(err, "model: distribute failed")
		}
	}
	return m.Graph.Synchronize(ctx)
}

// neighborEdges builds the per-object neighbor list the partitioner needs
// (spec §6 "Partitioning interface") from n's outgoing edges across every
// layer.
func neighborEdges[T any](n *graph.Node[T]) []loadbalance.NeighborEdge {
	out := n.AllOutgoing()
	if len(out) == 0 {
		return nil
	}
	edges := make([]loadbalance.NeighborEdge, 0, len(out))
	for _, e := range out {
		edges = append(edges, loadbalance.NeighborEdge{
			Neighbor: e.Target().Id(),
			Location: e.Target().Location(),
			Weight:   e.Weight(),
		})
	}
	return edges
}
