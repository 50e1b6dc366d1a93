// Package graph holds a directed graph of allowed transitions between nodes.
package graph

func New[T comparable]() *Graph[T] {
	return &Graph[T]{
		edges:    make(map[T]map[T]bool),
		terminal: make(map[T]bool),
	}
}

type Graph[T comparable] struct {
	edges     map[T]map[T]bool
	nodeOrder []T
	terminal  map[T]bool
}

// AddTransition allows moving from one node to another. A node without outgoing transitions is terminal.
func (g *Graph[T]) AddTransition(from T, to T) {
	g.addNode(from)
	g.addNode(to)

	if _, ok := g.edges[to]; !ok {
		g.terminal[to] = true
	}

	g.terminal[from] = false

	if g.edges[from] == nil {
		g.edges[from] = make(map[T]bool)
	}

	g.edges[from][to] = true
}

func (g *Graph[T]) addNode(n T) {
	if _, ok := g.terminal[n]; ok {
		return
	}

	g.nodeOrder = append(g.nodeOrder, n)
	g.terminal[n] = true
}

// CanTransition reports whether from has an edge to to.
func (g *Graph[T]) CanTransition(from T, to T) bool {
	return g.edges[from][to]
}

func (g *Graph[T]) IsTerminal(node T) bool {
	return g.terminal[node]
}

func (g *Graph[T]) IsValid(node T) bool {
	_, ok := g.terminal[node]
	return ok
}

// Nodes returns every node in the order it was first added.
func (g *Graph[T]) Nodes() []T {
	return append([]T(nil), g.nodeOrder...)
}
