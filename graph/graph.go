package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fpmas/fpmas-go/id"
)

// Graph is a mapping id -> Node (keys unique), a mapping id -> Edge (keys
// unique), and four lists of callbacks fired on node/edge insertion and
// erasure (spec §3: "Graph"). It owns its nodes and edges exclusively; no
// node or edge is meant to outlive its graph.
type Graph[T any] struct {
	Name string

	gen *id.Generator

	mu    sync.RWMutex
	nodes map[id.Id]*Node[T]
	edges map[id.Id]*Edge[T]

	onInsertNode []func(*Node[T])
	onEraseNode  []func(*Node[T])
	onInsertEdge []func(*Edge[T])
	onEraseEdge  []func(*Edge[T])
}

// New builds an empty graph whose ids are minted by a per-graph generator
// prefixed with origin, the local rank (spec §4.2: "Ids are minted by a
// monotonic per-layer counter prefixed with the local rank").
func New[T any](name string, origin int) *Graph[T] {
	return &Graph[T]{
		Name:  name,
		gen:   id.NewGenerator(origin),
		nodes: make(map[id.Id]*Node[T]),
		edges: make(map[id.Id]*Edge[T]),
	}
}

// NextId mints the next node/edge id for this graph.
func (g *Graph[T]) NextId() id.Id { return g.gen.Next() }

// OnInsertNode registers a callback fired after a node becomes visible in
// the node map.
func (g *Graph[T]) OnInsertNode(cb func(*Node[T])) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onInsertNode = append(g.onInsertNode, cb)
}

// OnEraseNode registers a callback fired after a node is removed from the
// node map.
func (g *Graph[T]) OnEraseNode(cb func(*Node[T])) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onEraseNode = append(g.onEraseNode, cb)
}

// OnInsertEdge registers a callback fired after an edge becomes visible in
// the edge map.
func (g *Graph[T]) OnInsertEdge(cb func(*Edge[T])) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onInsertEdge = append(g.onInsertEdge, cb)
}

// OnEraseEdge registers a callback fired after an edge is removed from the
// edge map.
func (g *Graph[T]) OnEraseEdge(cb func(*Edge[T])) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onEraseEdge = append(g.onEraseEdge, cb)
}

// InsertNode registers n in the graph and fires the insert-node callbacks.
// Callbacks fire after the mutation is visible on the map (spec §4.2).
func (g *Graph[T]) InsertNode(n *Node[T]) {
	g.mu.Lock()
	g.nodes[n.Id()] = n
	cbs := append([]func(*Node[T]){}, g.onInsertNode...)
	g.mu.Unlock()

	for _, cb := range cbs {
		cb(n)
	}
}

// InsertEdge registers e in the graph, attaches it to both endpoints'
// adjacency, and fires the insert-edge callbacks.
func (g *Graph[T]) InsertEdge(e *Edge[T]) {
	e.Source().addOutgoing(e)
	e.Target().addIncoming(e)

	g.mu.Lock()
	g.edges[e.Id()] = e
	cbs := append([]func(*Edge[T]){}, g.onInsertEdge...)
	g.mu.Unlock()

	for _, cb := range cbs {
		cb(e)
	}
}

// EraseEdge detaches e from both endpoints' adjacency, removes it from the
// edge map, and fires the erase-edge callbacks.
func (g *Graph[T]) EraseEdge(e *Edge[T]) {
	g.mu.Lock()
	if _, ok := g.edges[e.Id()]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.edges, e.Id())
	cbs := append([]func(*Edge[T]){}, g.onEraseEdge...)
	g.mu.Unlock()

	e.Source().removeOutgoing(e)
	e.Target().removeIncoming(e)

	for _, cb := range cbs {
		cb(e)
	}
}

// EraseNode erases every edge incident to n (spec §4.2: "erase(Node*) also
// erases all incident edges and fires callbacks"), then removes n from the
// node map and fires the erase-node callbacks.
func (g *Graph[T]) EraseNode(n *Node[T]) {
	for _, e := range n.AllIncoming() {
		g.EraseEdge(e)
	}
	for _, e := range n.AllOutgoing() {
		g.EraseEdge(e)
	}

	g.mu.Lock()
	if _, ok := g.nodes[n.Id()]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.nodes, n.Id())
	cbs := append([]func(*Node[T]){}, g.onEraseNode...)
	g.mu.Unlock()

	for _, cb := range cbs {
		cb(n)
	}
}

// GetNode looks up a node by id.
func (g *Graph[T]) GetNode(nid id.Id) (*Node[T], bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[nid]
	return n, ok
}

// GetEdge looks up an edge by id.
func (g *Graph[T]) GetEdge(eid id.Id) (*Edge[T], bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edges[eid]
	return e, ok
}

// Nodes returns every node currently in the graph, in no particular order.
func (g *Graph[T]) Nodes() []*Node[T] {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node[T], 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// Edges returns every edge currently in the graph, in no particular order.
func (g *Graph[T]) Edges() []*Edge[T] {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Edge[T], 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	return out
}

// NodesSorted returns every node sorted by id string, for deterministic
// iteration (tests, Graphviz dumps).
func (g *Graph[T]) NodesSorted() []*Node[T] {
	out := g.Nodes()
	sort.Slice(out, func(i, j int) bool { return out[i].Id().String() < out[j].Id().String() })
	return out
}

// NumNodes returns the number of nodes in the graph.
func (g *Graph[T]) NumNodes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// NumEdges returns the number of edges in the graph.
func (g *Graph[T]) NumEdges() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Clear erases every edge, then every node (spec §4.2, invariant 8).
func (g *Graph[T]) Clear() {
	for _, e := range g.Edges() {
		g.EraseEdge(e)
	}
	for _, n := range g.Nodes() {
		g.EraseNode(n)
	}
}

// String makes the graph pretty-print.
func (g *Graph[T]) String() string {
	return fmt.Sprintf("%s: Nodes(%d), Edges(%d)", g.Name, g.NumNodes(), g.NumEdges())
}
