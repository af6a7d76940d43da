// Package fpmas is the single entry point applications build against: one
// constructor wiring transport, distgraph (with the configured syncmode),
// scheduler and loadbalance together, mirroring the way the teacher's own
// top-level Main wires etcd, pgraph, converger and prometheus behind one
// Init/Run pair — explicit dependency injection, no package-level
// singletons (spec §9 "Global state").
package fpmas

import (
	"context"

	"github.com/fpmas/fpmas-go/config"
	"github.com/fpmas/fpmas-go/distgraph"
	"github.com/fpmas/fpmas-go/graph"
	"github.com/fpmas/fpmas-go/loadbalance"
	"github.com/fpmas/fpmas-go/metrics"
	"github.com/fpmas/fpmas-go/scheduler"
	"github.com/fpmas/fpmas-go/syncmode"
	"github.com/fpmas/fpmas-go/syncmode/ghost"
	"github.com/fpmas/fpmas-go/syncmode/hardsync"
	"github.com/fpmas/fpmas-go/transport"

	errwrap "github.com/pkg/errors"
)

// Simulation bundles every layer one fpmas.New call assembles. Fields are
// exported so callers (model.NewModel in particular) can be built directly
// on top of them without a second wiring layer.
type Simulation[T any] struct {
	Config config.Config

	Comm  transport.Communicator
	Graph *distgraph.DistGraph[T]

	Scheduler *scheduler.Scheduler
	Runtime   *scheduler.Runtime
	Balancer  *loadbalance.Scheduled
	Metrics   *metrics.Registry

	prev loadbalance.PartitionMap

	// hardSync is non-nil only when Config.Mode is "hardsync"; it is the
	// request server Synchronize drives internally. Nothing outside this
	// package needs to reach it directly, but it is kept so a future
	// metrics/logging hook has somewhere to attach.
	hardSync any
}

// New validates cfg, builds a Communicator-bound DistGraph in the
// requested SyncMode, and wires a fresh Scheduler/Runtime/metrics.Registry
// around it. balance may be nil to run without load balancing regardless
// of cfg.LBPeriod; nodesOf is only consulted when balance is non-nil.
func New[T any](cfg config.Config, comm transport.Communicator, balance loadbalance.Balancer, nodesOf loadbalance.JobNodes) (*Simulation[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, errwrap.Wrap(err, "fpmas: invalid config")
	}
	if comm.Rank() != cfg.Rank || comm.WorldSize() != cfg.WorldSize {
		return nil, errwrap.Errorf("fpmas: communicator (rank=%d, world=%d) does not match config (rank=%d, world=%d)",
			comm.Rank(), comm.WorldSize(), cfg.Rank, cfg.WorldSize)
	}

	reg := metrics.New()

	mode, hardSync, err := buildMode[T](cfg, comm)
	if err != nil {
		return nil, err
	}
	dg := distgraph.New[T]("fpmas", comm, mode, nil)
	if server, ok := hardSync.(*hardsync.Server[T]); ok {
		server.Bind(dg)
	}

	sched := scheduler.New()
	rt := scheduler.NewRuntime(sched, reg)

	var scheduled *loadbalance.Scheduled
	if balance != nil {
		scheduled = loadbalance.NewScheduled(balance, nodesOf)
	}

	return &Simulation[T]{
		Config:    cfg,
		Comm:      comm,
		Graph:     dg,
		Scheduler: sched,
		Runtime:   rt,
		Balancer:  scheduled,
		Metrics:   reg,
		prev:      make(loadbalance.PartitionMap),
		hardSync:  hardSync,
	}, nil
}

func buildMode[T any](cfg config.Config, comm transport.Communicator) (syncmode.Mode[T], any, error) {
	switch cfg.Mode {
	case "ghost":
		mode := syncmode.Mode[T]{
			Linker: ghost.NewLinker[T](comm),
			Data:   ghost.NewDataSync[T](comm),
			NewMutex: func(n *graph.Node[T]) graph.Mutex[T] {
				return ghost.NewMutex[T](n)
			},
		}
		return mode, nil, nil
	case "hardsync":
		server, mode := hardsync.NewMode[T](comm)
		return mode, server, nil
	default:
		return syncmode.Mode[T]{}, nil, errwrap.Errorf("fpmas: unknown sync mode %q", cfg.Mode)
	}
}

// Synchronize flushes pending links and replica updates, delegating
// straight to DistGraph.Synchronize (spec §7: no retry, first error wins).
func (s *Simulation[T]) Synchronize(ctx context.Context) error {
	return s.Graph.Synchronize(ctx)
}

// Rebalance runs the load balancer (if one was configured and step is due
// per Config.LBPeriod) against the graph's current contents, distributes
// the result, then always Synchronizes — call once per scheduler.Runtime
// step, alongside Runtime.Step.
func (s *Simulation[T]) Rebalance(ctx context.Context, step int) error {
	if s.Balancer != nil && s.Config.LBPeriod > 0 && step%s.Config.LBPeriod == 0 {
		view := make(loadbalance.NodeView)
		for _, n := range s.Graph.Graph().Nodes() {
			loc, _ := s.Graph.Location(n.Id())
			view[n.Id()] = loadbalance.NodeInfo{Id: n.Id(), Weight: n.Weight(), Location: loc, Edges: neighborEdges(n)}
		}
		nextEpoch := s.Scheduler.Build(step + 1)
		partition, err := s.Balancer.Balance(view, nextEpoch, s.prev)
		if err != nil {
			return errwrap.Wrap(err, "fpmas: load balancing failed")
		}
		s.prev = partition
		if err := s.Graph.Distribute(ctx, partition); err != nil {
			return errwrap.Wrap(err, "fpmas: distribute failed")
		}
	}
	return s.Synchronize(ctx)
}

// neighborEdges builds the per-object neighbor list the partitioner needs
// (spec §6 "Partitioning interface": "for each object the list of
// (neighbor id, neighbor rank, edge weight)") from n's outgoing edges
// across every layer.
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
