// Package loadbalance adapts an arbitrary graph-partitioner to the
// scheduler (spec §4.7), keeping the real partitioning algorithm out of
// scope (spec §1: "treated as a black-box function") behind the Balancer
// interface.
package loadbalance

import "github.com/fpmas/fpmas-go/id"

// NodeInfo is one object the partitioner is told about: its weight and
// its neighbor list (spec §6 "Partitioning interface": "their ids and
// weights; for each object the list of (neighbor id, neighbor rank, edge
// weight)").
type NodeInfo struct {
	Id       id.Id
	Weight   float64
	Location int
	Edges    []NeighborEdge
}

// NeighborEdge is one (neighbor id, neighbor rank, edge weight) triple.
type NeighborEdge struct {
	Neighbor id.Id
	Location int
	Weight   float64
}

// NodeView is the read-only object set a Balancer is handed (spec §6:
// "number of objects; their ids and weights").
type NodeView map[id.Id]NodeInfo

// PartitionMap is an export list, mapping an id to its destination rank
// (spec §6: "It returns an export list (id → destination rank)").
type PartitionMap map[id.Id]int

// Balancer is the black-box partitioner contract (spec §4.7, §6).
type Balancer interface {
	Balance(nodes NodeView, fixed PartitionMap) (PartitionMap, error)
}
