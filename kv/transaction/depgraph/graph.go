package depgraph

import (
	"cmp"
	"slices"
	"sort"

	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/pingcap/errors"
)

// ErrCyclic is returned when an operation needs an acyclic graph.
var ErrCyclic = errors.New("dependency graph contains a cycle")

// Edge is a directed dependency: From must be ordered before To.
type Edge[K cmp.Ordered] struct {
	From     K
	To       K
	Kind     txn.EdgeKind
	Resource string
}

// Graph is a directed graph of transaction dependencies. There is at most one edge per ordered pair of nodes; when
// an edge is added twice the stronger kind wins (see txn.EdgeKind.Rank), ties broken by the smaller resource.
// Every query is deterministic: results never depend on map iteration order.
//
// Graph is not safe for concurrent mutation.
type Graph[K cmp.Ordered] struct {
	nodes map[K]struct{}
	out   map[K]map[K]Edge[K]
	in    map[K]map[K]struct{}
}

func New[K cmp.Ordered]() *Graph[K] {
	return &Graph[K]{
		nodes: make(map[K]struct{}),
		out:   make(map[K]map[K]Edge[K]),
		in:    make(map[K]map[K]struct{}),
	}
}

func (g *Graph[K]) AddNode(id K) {
	g.nodes[id] = struct{}{}
}

// AddEdge adds an edge, creating missing nodes. A self-loop is allowed and makes the graph cyclic.
func (g *Graph[K]) AddEdge(from, to K, kind txn.EdgeKind, resource string) {
	g.AddNode(from)
	g.AddNode(to)
	succ, ok := g.out[from]
	if !ok {
		succ = make(map[K]Edge[K])
		g.out[from] = succ
	}
	e := Edge[K]{From: from, To: to, Kind: kind, Resource: resource}
	if old, ok := succ[to]; ok {
		if old.Kind.Rank() < kind.Rank() || (old.Kind == kind && old.Resource <= resource) {
			return
		}
	}
	succ[to] = e
	pred, ok := g.in[to]
	if !ok {
		pred = make(map[K]struct{})
		g.in[to] = pred
	}
	pred[from] = struct{}{}
}

func (g *Graph[K]) Len() int {
	return len(g.nodes)
}

func (g *Graph[K]) HasNode(id K) bool {
	_, ok := g.nodes[id]
	return ok
}

// Nodes returns every node in ascending order.
func (g *Graph[K]) Nodes() []K {
	nodes := make([]K, 0, len(g.nodes))
	for n := range g.nodes {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	return nodes
}

// Edges returns every edge ordered by (From, To).
func (g *Graph[K]) Edges() []Edge[K] {
	var edges []Edge[K]
	for _, from := range g.Nodes() {
		for _, to := range g.Successors(from) {
			edges = append(edges, g.out[from][to])
		}
	}
	return edges
}

// Edge returns the edge from -> to, if any.
func (g *Graph[K]) Edge(from, to K) (Edge[K], bool) {
	e, ok := g.out[from][to]
	return e, ok
}

// Successors returns the targets of the edges leaving id, ascending.
func (g *Graph[K]) Successors(id K) []K {
	succ := make([]K, 0, len(g.out[id]))
	for to := range g.out[id] {
		succ = append(succ, to)
	}
	slices.Sort(succ)
	return succ
}

// Predecessors returns the sources of the edges entering id, ascending.
func (g *Graph[K]) Predecessors(id K) []K {
	pred := make([]K, 0, len(g.in[id]))
	for from := range g.in[id] {
		pred = append(pred, from)
	}
	slices.Sort(pred)
	return pred
}

func (g *Graph[K]) HasCycle() bool {
	return g.FindCycle() != nil
}

// FindCycle returns a closed path [n0, n1, ..., n0] if the graph has a cycle and nil otherwise. A self-loop on a
// is reported as [a, a].
func (g *Graph[K]) FindCycle() []K {
	const (
		white = iota
		grey
		black
	)
	color := make(map[K]int, len(g.nodes))
	var stack []K
	var cycle []K

	var visit func(n K) bool
	visit = func(n K) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, next := range g.Successors(n) {
			switch color[next] {
			case grey:
				start := slices.Index(stack, next)
				cycle = append(append([]K(nil), stack[start:]...), next)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range g.Nodes() {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}

// TopologicalOrder returns the nodes ordered so that every edge points forward. Among nodes that are ready at the
// same time the smallest comes first. ok is false if the graph is cyclic.
func (g *Graph[K]) TopologicalOrder() (order []K, ok bool) {
	indegree := make(map[K]int, len(g.nodes))
	for n := range g.nodes {
		indegree[n] = len(g.in[n])
	}
	var ready []K
	for _, n := range g.Nodes() {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	order = make([]K, 0, len(g.nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, next := range g.Successors(n) {
			indegree[next]--
			if indegree[next] == 0 {
				i := sort.Search(len(ready), func(i int) bool { return ready[i] >= next })
				ready = slices.Insert(ready, i, next)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, false
	}
	return order, true
}

// IndependentSets partitions the nodes into levels. A node's level is one past the deepest level of its
// predecessors, so no two nodes of a set are connected and every dependency of a node lies in an earlier set.
// Each set is sorted. An empty graph yields an empty schedule; a cyclic graph yields ErrCyclic.
func (g *Graph[K]) IndependentSets() ([][]K, error) {
	order, ok := g.TopologicalOrder()
	if !ok {
		return nil, ErrCyclic
	}
	level := make(map[K]int, len(order))
	sets := [][]K{}
	for _, n := range order {
		l := 0
		for p := range g.in[n] {
			if level[p]+1 > l {
				l = level[p] + 1
			}
		}
		level[n] = l
		for len(sets) <= l {
			sets = append(sets, nil)
		}
		sets[l] = append(sets[l], n)
	}
	for _, set := range sets {
		slices.Sort(set)
	}
	return sets, nil
}
