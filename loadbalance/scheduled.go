package loadbalance

import (
	"github.com/fpmas/fpmas-go/id"
	"github.com/fpmas/fpmas-go/scheduler"
)

// JobNodes extracts the set of node ids a scheduled Job touches. The
// scheduler stores Jobs as opaque Task closures, so Scheduled cannot
// introspect them itself; callers (typically model.Group) register which
// ids each Job's tasks act on.
type JobNodes func(job scheduler.Job) []id.Id

// Scheduled wraps an arbitrary Balancer to respect the scheduler (spec
// §4.7): before a repartitioning, it peeks at the next epoch's jobs,
// extracts the node set touched by each job in execution order, and
// partitions that subset first with fixed seeded from the accumulated
// result so far — biasing placement so nodes executed together
// co-locate.
type Scheduled struct {
	Balancer Balancer
	NodesOf  JobNodes
}

// NewScheduled builds a Scheduled balancer wrapping balancer, using
// nodesOf to resolve each Job's node set.
func NewScheduled(balancer Balancer, nodesOf JobNodes) *Scheduled {
	return &Scheduled{Balancer: balancer, NodesOf: nodesOf}
}

// Balance computes the next PartitionMap for the given nodes, given the
// epoch about to run and the previous partitioning (used to seed fixed
// constraints for nodes not touched by any job this round, and as the
// running bias for each subsequent job's subset balance).
func (s *Scheduled) Balance(nodes NodeView, nextEpoch scheduler.Epoch, previous PartitionMap) (PartitionMap, error) {
	result := make(PartitionMap, len(nodes))
	for nid, rank := range previous {
		if _, ok := nodes[nid]; ok {
			result[nid] = rank
		}
	}

	for _, job := range nextEpoch {
		subsetIds := s.NodesOf(job)
		if len(subsetIds) == 0 {
			continue
		}
		subset := make(NodeView, len(subsetIds))
		inSubset := make(map[id.Id]bool, len(subsetIds))
		for _, nid := range subsetIds {
			inSubset[nid] = true
			if n, ok := nodes[nid]; ok {
				subset[n.Id] = n
			}
		}
		// fixed excludes this job's own subset, so the balancer is free
		// to place it; everything already decided elsewhere still biases
		// the placement.
		fixed := make(PartitionMap, len(result))
		for nid, rank := range result {
			if !inSubset[nid] {
				fixed[nid] = rank
			}
		}
		partial, err := s.Balancer.Balance(subset, fixed)
		if err != nil {
			return nil, err
		}
		for nid, rank := range partial {
			result[nid] = rank
		}
	}

	// any node touched by no job this round keeps wherever it already is.
	for nid, n := range nodes {
		if _, ok := result[nid]; !ok {
			result[nid] = n.Location
		}
	}
	return result, nil
}
