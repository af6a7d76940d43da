package loadbalance

import (
	"sort"

	"github.com/fpmas/fpmas-go/id"
)

// Simple is a reference Balancer standing in for the real external
// partitioning library spec §1 scopes out of this repo: a deterministic
// greedy round-robin-by-weight assignment that always respects fixed
// constraints first.
type Simple struct {
	WorldSize int
}

// NewSimple builds a Simple balancer targeting worldSize ranks.
func NewSimple(worldSize int) *Simple {
	return &Simple{WorldSize: worldSize}
}

// Balance assigns every id in nodes not already pinned by fixed to
// whichever rank currently carries the least total weight, breaking ties
// by lowest rank number, iterating nodes in a stable id order so the
// result is reproducible across calls with the same input.
func (s *Simple) Balance(nodes NodeView, fixed PartitionMap) (PartitionMap, error) {
	result := make(PartitionMap, len(nodes))
	load := make([]float64, s.WorldSize)

	for nid, rank := range fixed {
		if n, ok := nodes[nid]; ok {
			load[rank] += n.Weight
		}
		result[nid] = rank
	}

	ids := make([]id.Id, 0, len(nodes))
	for nid := range nodes {
		if _, pinned := fixed[nid]; pinned {
			continue
		}
		ids = append(ids, nid)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Origin != ids[j].Origin {
			return ids[i].Origin < ids[j].Origin
		}
		return ids[i].Counter < ids[j].Counter
	})

	for _, nid := range ids {
		n := nodes[nid]
		target := 0
		for r := 1; r < s.WorldSize; r++ {
			if load[r] < load[target] {
				target = r
			}
		}
		result[nid] = target
		load[target] += n.Weight
	}
	return result, nil
}
