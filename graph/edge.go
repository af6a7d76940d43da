package graph

import (
	"fmt"

	"github.com/fpmas/fpmas-go/id"
)

// Edge is the primary edge type in this library: a directed, layered arrow
// between two Nodes of the same data type T.
type Edge[T any] struct {
	eid    id.Id
	layer  int
	weight float64
	source *Node[T]
	target *Node[T]
}

// NewEdge builds a new edge on the given layer between source and target.
func NewEdge[T any](eid id.Id, layer int, weight float64, source, target *Node[T]) *Edge[T] {
	return &Edge[T]{
		eid:    eid,
		layer:  layer,
		weight: weight,
		source: source,
		target: target,
	}
}

// Id returns the edge's DistributedId.
func (e *Edge[T]) Id() id.Id { return e.eid }

// Layer returns the layer this edge belongs to.
func (e *Edge[T]) Layer() int { return e.layer }

// Weight returns the edge's weight.
func (e *Edge[T]) Weight() float64 { return e.weight }

// Source returns the edge's source node.
func (e *Edge[T]) Source() *Node[T] { return e.source }

// Target returns the edge's target node.
func (e *Edge[T]) Target() *Node[T] { return e.target }

// State derives the edge's locality from its endpoints: Local iff both
// source and target are Local (spec: "state=LOCAL <=> source.state=LOCAL
// and target.state=LOCAL").
func (e *Edge[T]) State() State {
	if e.source.State() == Local && e.target.State() == Local {
		return Local
	}
	return Distant
}

// String is the canonical short form for an edge, used by Graphviz labels.
func (e *Edge[T]) String() string {
	return fmt.Sprintf("%s -> %s [layer=%d]", e.source.Id(), e.target.Id(), e.layer)
}
