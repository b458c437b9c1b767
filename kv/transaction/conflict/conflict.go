// Package conflict turns the dependency edges of a batch into conflict records, a deterministic resolution order
// and an execution plan.
package conflict

import (
	"sort"

	"github.com/pingcap-incubator/tinyledger/kv/transaction/analyzer"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/depgraph"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
)

// FromEdges converts edges into conflicts. Each conflict is normalized so that TxA < TxB; edges that collapse onto
// the same (TxA, TxB, Kind, Resource) are reported once. The result is sorted.
func FromEdges(edges []txn.DependencyEdge) []txn.Conflict {
	seen := make(map[txn.Conflict]struct{}, len(edges))
	conflicts := make([]txn.Conflict, 0, len(edges))
	for _, e := range edges {
		c := txn.Conflict{TxA: e.From, TxB: e.To, Kind: e.Kind, Resource: e.Resource}
		if c.TxB < c.TxA {
			c.TxA, c.TxB = c.TxB, c.TxA
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		conflicts = append(conflicts, c)
	}
	sortConflicts(conflicts)
	return conflicts
}

func sortConflicts(conflicts []txn.Conflict) {
	sort.Slice(conflicts, func(i, j int) bool {
		a, b := conflicts[i], conflicts[j]
		if a.TxA != b.TxA {
			return a.TxA < b.TxA
		}
		if a.TxB != b.TxB {
			return a.TxB < b.TxB
		}
		if a.Kind != b.Kind {
			return a.Kind.Rank() < b.Kind.Rank()
		}
		return a.Resource < b.Resource
	})
}

// Detector finds the conflicts of a batch.
type Detector struct {
	analyzer *analyzer.Analyzer
}

func NewDetector(a *analyzer.Analyzer) *Detector {
	return &Detector{analyzer: a}
}

// Detect analyzes batch and returns its conflicts together with the analysis they came from.
func (d *Detector) Detect(batch []*txn.Transaction) ([]txn.Conflict, *analyzer.Analysis, error) {
	analysis, err := d.analyzer.Analyze(batch)
	if err != nil {
		return nil, nil, err
	}
	return FromEdges(analysis.Edges), analysis, nil
}

// Resolver computes resolution orders. It holds no state: any two resolvers, on any goroutine, given the same
// input produce the same order.
type Resolver struct{}

// Resolve orders every transaction named by conflicts or ids by transaction id. The input order is irrelevant.
func (Resolver) Resolve(conflicts []txn.Conflict, ids ...string) txn.ResolutionOrder {
	set := make(map[string]struct{}, len(ids)+2*len(conflicts))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for _, c := range conflicts {
		set[c.TxA] = struct{}{}
		set[c.TxB] = struct{}{}
	}
	order := make([]string, 0, len(set))
	for id := range set {
		order = append(order, id)
	}
	sort.Strings(order)
	return txn.ResolutionOrder{Order: order}
}

// Plan is how a batch will be executed.
type Plan struct {
	Analysis  *analyzer.Analysis
	Graph     *depgraph.Graph[string]
	Conflicts []txn.Conflict
	Order     txn.ResolutionOrder
	// Sets are run one after another; the transactions of a set run concurrently.
	Sets [][]string
	// Cycle is the cycle that forced serial execution, if any.
	Cycle []string
	// OrderingEdges are the dependencies the execution honors. A linearizability proof must respect them.
	OrderingEdges []txn.DependencyEdge
}

// Parallelism is the number of transactions divided by the number of sets, 1 for a serial plan.
func (p *Plan) Parallelism() float64 {
	if len(p.Sets) == 0 {
		return 1
	}
	n := 0
	for _, s := range p.Sets {
		n += len(s)
	}
	return float64(n) / float64(len(p.Sets))
}

// Plan builds the execution plan of batch. An acyclic dependency graph is executed level by level along its
// independent sets. A cyclic graph cannot be proven independent, so the batch runs one transaction at a time in
// resolution order.
func (d *Detector) Plan(batch []*txn.Transaction) (*Plan, error) {
	conflicts, analysis, err := d.Detect(batch)
	if err != nil {
		return nil, err
	}
	p := &Plan{
		Analysis:  analysis,
		Graph:     analysis.Graph(),
		Conflicts: conflicts,
		Order:     Resolver{}.Resolve(conflicts, analysis.IDs...),
	}
	for _, e := range analysis.Edges {
		if e.From < e.To {
			p.OrderingEdges = append(p.OrderingEdges, e)
		}
	}
	if cycle := p.Graph.FindCycle(); cycle != nil {
		p.Cycle = cycle
		p.Order.Serial = true
		p.Sets = SerialSets(p.Order.Order)
		return p, nil
	}
	sets, err := p.Graph.IndependentSets()
	if err != nil {
		return nil, err
	}
	p.Sets = sets
	return p, nil
}

// Serial returns a copy of p that runs every transaction on its own, in resolution order.
func (p *Plan) Serial() *Plan {
	s := *p
	s.Order = txn.ResolutionOrder{Order: append([]string(nil), p.Order.Order...), Serial: true}
	s.Sets = SerialSets(s.Order.Order)
	return &s
}

// SerialSets puts every id into a set of its own.
func SerialSets(order []string) [][]string {
	sets := make([][]string, 0, len(order))
	for _, id := range order {
		sets = append(sets, []string{id})
	}
	return sets
}
