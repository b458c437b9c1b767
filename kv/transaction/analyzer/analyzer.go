// Package analyzer derives the dependency edges of a batch from the read and write sets of its transactions.
//
// Edges are oriented along the resolution order, from the smaller transaction id to the larger one. For every
// pair at most one edge is produced in that direction, classified by the strongest relation between the two
// footprints:
//
//	RAW  the smaller id writes an account the larger id reads
//	WAW  both write an account
//	WAR  the smaller id reads an account the larger id writes
//
// The analyzer never guesses. When both transactions read and write the same account their relative order cannot
// be justified by either side, so an edge in the opposite direction is recorded as well. The resulting two-cycle
// forces the batch onto the serial path.
package analyzer

import (
	"sort"

	"github.com/pingcap-incubator/tinyledger/kv/transaction/depgraph"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/pingcap/errors"
)

// Footprint is the set of accounts a transaction reads and writes, as reported by the evaluator.
type Footprint struct {
	TxID   string
	Reads  []string
	Writes []string

	reads  map[string]struct{}
	writes map[string]struct{}
}

func newFootprint(id string, reads, writes []string) *Footprint {
	f := &Footprint{
		TxID:   id,
		reads:  make(map[string]struct{}, len(reads)),
		writes: make(map[string]struct{}, len(writes)),
	}
	for _, r := range reads {
		f.reads[r] = struct{}{}
	}
	for _, w := range writes {
		f.writes[w] = struct{}{}
	}
	f.Reads = keys(f.reads)
	f.Writes = keys(f.writes)
	return f
}

func (f *Footprint) ReadsAccount(acct string) bool {
	_, ok := f.reads[acct]
	return ok
}

func (f *Footprint) WritesAccount(acct string) bool {
	_, ok := f.writes[acct]
	return ok
}

// Accounts returns the union of reads and writes, sorted.
func (f *Footprint) Accounts() []string {
	all := make(map[string]struct{}, len(f.reads)+len(f.writes))
	for r := range f.reads {
		all[r] = struct{}{}
	}
	for w := range f.writes {
		all[w] = struct{}{}
	}
	return keys(all)
}

// Analysis is the outcome of analyzing one batch.
type Analysis struct {
	// IDs are the batch's transaction ids, sorted.
	IDs        []string
	Footprints map[string]*Footprint
	// Edges are ordered by (From, To).
	Edges []txn.DependencyEdge
}

// Graph builds the dependency graph of the analysis. Every transaction is a node even if it has no edges.
func (a *Analysis) Graph() *depgraph.Graph[string] {
	g := depgraph.New[string]()
	for _, id := range a.IDs {
		g.AddNode(id)
	}
	for _, e := range a.Edges {
		g.AddEdge(e.From, e.To, e.Kind, e.Resource)
	}
	return g
}

type Analyzer struct {
	eval txn.Evaluator
}

func New(eval txn.Evaluator) *Analyzer {
	return &Analyzer{eval: eval}
}

// Footprint asks the evaluator for tx's read and write sets.
func (a *Analyzer) Footprint(tx *txn.Transaction) (*Footprint, error) {
	reads, writes, err := a.eval.ExtractReadWriteSets(tx)
	if err != nil {
		return nil, errors.Annotatef(err, "extract read/write sets of %s", tx.ID())
	}
	return newFootprint(tx.ID(), reads, writes), nil
}

// Analyze computes footprints and dependency edges for batch. Duplicate ids are an error.
func (a *Analyzer) Analyze(batch []*txn.Transaction) (*Analysis, error) {
	if _, err := txn.Index(batch); err != nil {
		return nil, err
	}
	analysis := &Analysis{
		Footprints: make(map[string]*Footprint, len(batch)),
	}
	for _, tx := range batch {
		fp, err := a.Footprint(tx)
		if err != nil {
			return nil, err
		}
		analysis.Footprints[tx.ID()] = fp
		analysis.IDs = append(analysis.IDs, tx.ID())
	}
	sort.Strings(analysis.IDs)

	for i, lo := range analysis.IDs {
		for _, hi := range analysis.IDs[i+1:] {
			analysis.Edges = append(analysis.Edges, classify(analysis.Footprints[lo], analysis.Footprints[hi])...)
		}
	}
	sort.Slice(analysis.Edges, func(i, j int) bool {
		ei, ej := analysis.Edges[i], analysis.Edges[j]
		if ei.From != ej.From {
			return ei.From < ej.From
		}
		return ei.To < ej.To
	})
	return analysis, nil
}

// classify returns the edges between lo and hi, where lo precedes hi in the resolution order.
func classify(lo, hi *Footprint) []txn.DependencyEdge {
	var edges []txn.DependencyEdge
	if acct, ok := firstShared(lo.writes, hi.reads); ok {
		edges = append(edges, txn.DependencyEdge{From: lo.TxID, To: hi.TxID, Kind: txn.RAW, Resource: acct})
	} else if acct, ok := firstShared(lo.writes, hi.writes); ok {
		edges = append(edges, txn.DependencyEdge{From: lo.TxID, To: hi.TxID, Kind: txn.WAW, Resource: acct})
	} else if acct, ok := firstShared(lo.reads, hi.writes); ok {
		edges = append(edges, txn.DependencyEdge{From: lo.TxID, To: hi.TxID, Kind: txn.WAR, Resource: acct})
	}

	// Both sides read and write the account: neither order can be proven, record the reverse edge too.
	var mutual []string
	for acct := range lo.reads {
		if lo.WritesAccount(acct) && hi.ReadsAccount(acct) && hi.WritesAccount(acct) {
			mutual = append(mutual, acct)
		}
	}
	if len(mutual) > 0 {
		sort.Strings(mutual)
		edges = append(edges, txn.DependencyEdge{From: hi.TxID, To: lo.TxID, Kind: txn.RAW, Resource: mutual[0]})
	}
	return edges
}

// firstShared returns the smallest account present in both sets.
func firstShared(a, b map[string]struct{}) (string, bool) {
	var shared []string
	for k := range a {
		if _, ok := b[k]; ok {
			shared = append(shared, k)
		}
	}
	if len(shared) == 0 {
		return "", false
	}
	sort.Strings(shared)
	return shared[0], true
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
