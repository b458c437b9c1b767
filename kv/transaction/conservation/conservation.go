// Package conservation checks that a batch neither creates nor destroys value.
package conservation

import (
	"fmt"
	"sort"

	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/shopspring/decimal"
)

// Report is the per-account breakdown of a conservation check.
type Report struct {
	// Residual is the sum of every signed balance delta; zero for a conserving batch.
	Residual decimal.Decimal
	// Deltas holds the net change of each touched account.
	Deltas map[string]decimal.Decimal
	// Transactions is the number of committed transactions that were summed.
	Transactions int
}

func (r *Report) OK() bool {
	return r.Residual.IsZero()
}

// Accounts returns the touched accounts in sorted order.
func (r *Report) Accounts() []string {
	accts := make([]string, 0, len(r.Deltas))
	for a := range r.Deltas {
		accts = append(accts, a)
	}
	sort.Strings(accts)
	return accts
}

// Check sums post - pre over every account of every committed entry of trace. Aborted entries contribute nothing.
func Check(trace *txn.Trace) *Report {
	r := &Report{Residual: decimal.Zero, Deltas: make(map[string]decimal.Decimal)}
	for _, e := range trace.Committed() {
		r.Transactions++
		for acct, post := range e.Post {
			pre := e.Pre[acct]
			delta := post.Balance.Sub(pre.Balance)
			if delta.IsZero() {
				if _, ok := r.Deltas[acct]; !ok {
					r.Deltas[acct] = decimal.Zero
				}
				continue
			}
			r.Deltas[acct] = r.Deltas[acct].Add(delta)
			r.Residual = r.Residual.Add(delta)
		}
	}
	return r
}

// Validate reports whether trace conserves value exactly.
func Validate(trace *txn.Trace) bool {
	return Check(trace).OK()
}

// Fault is returned when a batch fails the conservation check.
type Fault struct {
	Residual decimal.Decimal
	Deltas   map[string]decimal.Decimal
}

func (f *Fault) Error() string {
	return fmt.Sprintf("conservation violated: residual %s over %d accounts", f.Residual.String(), len(f.Deltas))
}

// Fault converts a failed report into an error. It returns nil if the report is OK.
func (r *Report) Fault() error {
	if r.OK() {
		return nil
	}
	return &Fault{Residual: r.Residual, Deltas: r.Deltas}
}
