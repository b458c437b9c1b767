// Package prover checks that an execution trace is equivalent to some serial execution of its batch.
//
// Every committed transaction T gets two integer variables, start_T and end_T, with start_T < end_T. Three kinds
// of constraints relate them:
//
//   - ordering: for every dependency edge honored by the execution, end_from <= start_to;
//   - real time: if T1 finished on the wall clock before T2 started, end_T1 <= start_T2;
//   - state continuity: for every account, the transactions writing it form a single chain in which each writer
//     observed exactly the state its predecessor produced (the first one observed the pre-batch state), and each
//     link implies end_pred <= start_succ. A transaction that only reads the account selects the writer whose
//     state it observed, or the pre-batch state, and must start after that writer ended and before the writer's
//     successor started.
//
// Links and selectors are booleans restricted to pairs whose states match (balance and version), so a trace whose
// states cannot be stitched together is unsatisfiable by construction. Readers never join the chain, so any number
// of concurrent readers of an account cost one selector each. A satisfying model orders the transactions by start
// time, which is the serial order reported to the caller.
package prover

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/pingcap-incubator/tinyledger/kv/util/idl"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const DefaultTimeout = 30 * time.Second

type Prover struct {
	timeout time.Duration
}

// New creates a prover. A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration) *Prover {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prover{timeout: timeout}
}

type txVars struct {
	entry      *txn.TraceEntry
	start, end idl.Var
}

type encoding struct {
	solver *idl.Solver
	vars   map[string]*txVars
	ids    []string
	writes map[string]map[string]bool
	// selectors are the state-link literals; a model makes exactly the links it relies on true.
	selectors []idl.Lit
	edges     int
	links     int
	reads     int
}

// Prove decides whether trace is linearizable. edges are the dependencies the execution was scheduled along; edges
// touching a transaction that did not commit are ignored. The result always carries either a serial order or a
// counterexample.
func (p *Prover) Prove(ctx context.Context, trace *txn.Trace, batch []*txn.Transaction, edges []txn.DependencyEdge) txn.ProofResult {
	writes := make(map[string]map[string]bool, len(batch))
	for _, tx := range batch {
		w := make(map[string]bool)
		for _, acct := range tx.WrittenAccounts() {
			w[acct] = true
		}
		writes[tx.ID()] = w
	}

	enc := encode(trace, edges, writes)
	if len(enc.ids) == 0 {
		return txn.ProofResult{IsLinearizable: true, SerialOrder: []string{}, ProofText: "empty trace is trivially linearizable"}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()
	res, err := enc.solver.Check(ctx)
	log.Debug("linearizability check",
		zap.Stringer("result", res),
		zap.Int("transactions", len(enc.ids)),
		zap.Int("atoms", enc.solver.NumAtoms()),
		zap.Int("clauses", enc.solver.NumClauses()),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))

	if res == idl.Sat {
		order := append([]string(nil), enc.ids...)
		sort.SliceStable(order, func(i, j int) bool {
			si, sj := enc.solver.Value(enc.vars[order[i]].start), enc.solver.Value(enc.vars[order[j]].start)
			if si != sj {
				return si < sj
			}
			return order[i] < order[j]
		})
		return txn.ProofResult{
			IsLinearizable: true,
			SerialOrder:    order,
			ProofText:      enc.proofText(order),
		}
	}

	reason := "constraints are unsatisfiable"
	if res == idl.Unknown {
		reason = fmt.Sprintf("solver gave up after %s", p.timeout)
	}
	ce := inspect(trace, edges, writes)
	return txn.ProofResult{
		IsLinearizable: false,
		ProofText:      fmt.Sprintf("not linearizable: %s; %s", reason, ce.String()),
		Counterexample: ce,
	}
}

func encode(trace *txn.Trace, edges []txn.DependencyEdge, writes map[string]map[string]bool) *encoding {
	enc := &encoding{
		solver: idl.New(),
		vars:   make(map[string]*txVars),
		writes: writes,
	}
	s := enc.solver
	for _, e := range trace.Committed() {
		enc.ids = append(enc.ids, e.TxID)
	}
	sort.Strings(enc.ids)
	for _, id := range enc.ids {
		v := &txVars{
			entry: trace.Entry(id),
			start: s.IntVar("start_" + id),
			end:   s.IntVar("end_" + id),
		}
		enc.vars[id] = v
		s.Assert(s.LessEq(v.start, 1, v.end))
	}

	for _, e := range edges {
		from, ok1 := enc.vars[e.From]
		to, ok2 := enc.vars[e.To]
		if !ok1 || !ok2 {
			continue
		}
		s.Assert(s.LessEq(from.end, 0, to.start))
		enc.edges++
	}

	for _, a := range enc.ids {
		for _, b := range enc.ids {
			va, vb := enc.vars[a], enc.vars[b]
			if a != b && va.entry.End.Before(vb.entry.Start) {
				s.Assert(s.LessEq(va.end, 0, vb.start))
			}
		}
	}

	for _, acct := range touchedAccounts(enc) {
		enc.encodeChain(trace, acct)
	}
	return enc
}

func touchedAccounts(enc *encoding) []string {
	set := make(map[string]struct{})
	for _, id := range enc.ids {
		for acct := range enc.vars[id].entry.Pre {
			set[acct] = struct{}{}
		}
	}
	accts := make([]string, 0, len(set))
	for a := range set {
		accts = append(accts, a)
	}
	sort.Strings(accts)
	return accts
}

func (enc *encoding) encodeChain(trace *txn.Trace, acct string) {
	s := enc.solver
	var writers, readers []string
	for _, id := range enc.ids {
		if _, ok := enc.vars[id].entry.Pre[acct]; !ok {
			continue
		}
		if enc.writes[id][acct] {
			writers = append(writers, id)
		} else {
			readers = append(readers, id)
		}
	}
	initial, hasInitial := trace.Initial[acct]

	// first[j] and links[i][j] say that writer j observed the pre-batch state, or the state writer i produced.
	first := make(map[string]idl.Lit)
	links := make(map[string]map[string]idl.Lit)
	for _, j := range writers {
		vj := enc.vars[j]
		pre := vj.entry.Pre[acct]
		var in []idl.Lit
		if hasInitial && pre.Equal(initial) {
			first[j] = s.BoolVar(fmt.Sprintf("first(%s, %s)", acct, j))
			in = append(in, first[j])
			enc.selectors = append(enc.selectors, first[j])
		}
		for _, i := range writers {
			if i == j {
				continue
			}
			vi := enc.vars[i]
			post, ok := vi.entry.Post[acct]
			if !ok || !post.Equal(pre) {
				continue
			}
			link := s.BoolVar(fmt.Sprintf("pred(%s, %s, %s)", acct, i, j))
			s.Implies(link, s.LessEq(vi.end, 0, vj.start))
			if links[i] == nil {
				links[i] = make(map[string]idl.Lit)
			}
			links[i][j] = link
			in = append(in, link)
			enc.selectors = append(enc.selectors, link)
			enc.links++
		}
		s.ExactlyOne(in...)
	}
	firsts := make([]idl.Lit, 0, len(first))
	for _, j := range writers {
		if l, ok := first[j]; ok {
			firsts = append(firsts, l)
		}
	}
	s.AtMostOne(firsts...)
	for _, i := range writers {
		succ := make([]idl.Lit, 0, len(links[i]))
		for _, j := range writers {
			if l, ok := links[i][j]; ok {
				succ = append(succ, l)
			}
		}
		s.AtMostOne(succ...)
	}

	for _, r := range readers {
		vr := enc.vars[r]
		pre := vr.entry.Pre[acct]
		var sel []idl.Lit
		if hasInitial && pre.Equal(initial) {
			l := s.BoolVar(fmt.Sprintf("reads-initial(%s, %s)", acct, r))
			// Before whichever writer comes first.
			for _, j := range writers {
				if f, ok := first[j]; ok {
					s.AddClause(l.Not(), f.Not(), s.LessEq(vr.start, 1, enc.vars[j].start))
				}
			}
			sel = append(sel, l)
		}
		for _, w := range writers {
			vw := enc.vars[w]
			post, ok := vw.entry.Post[acct]
			if !ok || !post.Equal(pre) {
				continue
			}
			l := s.BoolVar(fmt.Sprintf("reads(%s, %s, %s)", acct, r, w))
			s.Implies(l, s.LessEq(vw.end, 0, vr.start))
			// Before w's successor in the chain, if it has one.
			for _, j := range writers {
				if link, ok := links[w][j]; ok {
					s.AddClause(l.Not(), link.Not(), s.LessEq(vr.start, 1, enc.vars[j].start))
				}
			}
			sel = append(sel, l)
		}
		enc.reads++
		enc.selectors = append(enc.selectors, sel...)
		s.ExactlyOne(sel...)
	}
}

func (enc *encoding) proofText(order []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "linearizable: %d transactions, %d ordering edges, %d candidate state links, %d read observations\n",
		len(enc.ids), enc.edges, enc.links, enc.reads)
	fmt.Fprintf(&b, "serial order: %s\n", strings.Join(order, " < "))
	var witness []string
	for _, l := range enc.selectors {
		if enc.solver.BoolValue(l) {
			witness = append(witness, enc.solver.Name(l))
		}
	}
	if len(witness) > 0 {
		fmt.Fprintf(&b, "state links: %s\n", strings.Join(witness, ", "))
	}
	b.WriteString("every account's writes form a single chain from its pre-batch state consistent with this order, " +
		"and every read observes the chain state current at its position")
	return b.String()
}

// inspect explains a failed proof by looking at the trace directly.
func inspect(trace *txn.Trace, edges []txn.DependencyEdge, writes map[string]map[string]bool) *txn.Counterexample {
	committed := trace.Committed()
	byID := make(map[string]*txn.TraceEntry, len(committed))
	for _, e := range committed {
		byID[e.TxID] = e
	}
	sort.Slice(committed, func(i, j int) bool { return committed[i].TxID < committed[j].TxID })

	for _, e := range edges {
		from, to := byID[e.From], byID[e.To]
		if from == nil || to == nil {
			continue
		}
		if to.Start.Before(from.End) {
			return &txn.Counterexample{
				Kind: txn.ViolationDependency, TxA: e.From, TxB: e.To, Resource: e.Resource,
				Detail: fmt.Sprintf("%s edge: %s started before %s finished", e.Kind, e.To, e.From),
			}
		}
	}

	for i, a := range committed {
		for _, b := range committed[i+1:] {
			for _, acct := range sortedAccounts(writes[a.TxID]) {
				if !writes[b.TxID][acct] {
					continue
				}
				if a.Start.Before(b.End) && b.Start.Before(a.End) {
					return &txn.Counterexample{
						Kind: txn.ViolationWriteWrite, TxA: a.TxID, TxB: b.TxID, Resource: acct,
						Detail: "concurrent writes",
					}
				}
				if a.Pre[acct].Equal(b.Pre[acct]) {
					return &txn.Counterexample{
						Kind: txn.ViolationWriteWrite, TxA: a.TxID, TxB: b.TxID, Resource: acct,
						Detail: "both writes observed " + a.Pre[acct].String(),
					}
				}
			}
		}
	}

	// A state is stale if neither the pre-batch state nor any transaction that started before the observer ended
	// produced it.
	for _, j := range committed {
		for _, acct := range sortedKeys(j.Pre) {
			pre := j.Pre[acct]
			if initial, ok := trace.Initial[acct]; ok && initial.Equal(pre) {
				continue
			}
			produced := false
			for _, i := range committed {
				if post, ok := i.Post[acct]; ok && i != j && post.Equal(pre) && !j.End.Before(i.Start) {
					produced = true
					break
				}
			}
			if !produced {
				return &txn.Counterexample{
					Kind: txn.ViolationStaleRead, TxA: j.TxID, TxB: j.TxID, Resource: acct,
					Detail: "observed " + pre.String() + ", which no earlier transaction produced",
				}
			}
		}
	}

	for i, a := range committed {
		for _, b := range committed[i+1:] {
			for _, acct := range sortedKeys(a.Pre) {
				if _, ok := b.Pre[acct]; ok {
					return &txn.Counterexample{
						Kind: txn.ViolationUnproven, TxA: a.TxID, TxB: b.TxID, Resource: acct,
						Detail: "no serial order found for transactions sharing this account",
					}
				}
			}
		}
	}
	ce := &txn.Counterexample{Kind: txn.ViolationUnproven, Detail: "no serial order found"}
	if len(committed) > 0 {
		ce.TxA, ce.TxB = committed[0].TxID, committed[len(committed)-1].TxID
	}
	return ce
}

func sortedAccounts(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]txn.AccountState) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
