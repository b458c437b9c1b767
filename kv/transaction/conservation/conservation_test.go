package conservation

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id string, status txn.Status, deltas map[string]string) *txn.TraceEntry {
	e := &txn.TraceEntry{TxID: id, Status: status, Pre: map[string]txn.AccountState{}, Post: map[string]txn.AccountState{}}
	for acct, d := range deltas {
		pre := txn.AccountState{AccountID: acct, Balance: decimal.NewFromInt(100), Version: 1}
		post := pre
		post.Balance = pre.Balance.Add(decimal.RequireFromString(d))
		post.Version++
		e.Pre[acct] = pre
		e.Post[acct] = post
	}
	return e
}

func TestBalancedTransfers(t *testing.T) {
	trace := &txn.Trace{Entries: []*txn.TraceEntry{
		entry("t1", txn.StatusCommitted, map[string]string{"A": "-10", "B": "10"}),
		entry("t2", txn.StatusCommitted, map[string]string{"C": "-0.1", "D": "0.05", "E": "0.05"}),
	}}
	r := Check(trace)
	assert.True(t, r.OK())
	assert.True(t, Validate(trace))
	assert.NoError(t, r.Fault())
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, r.Accounts())
	assert.Equal(t, 2, r.Transactions)
}

func TestValueCreationIsRejected(t *testing.T) {
	trace := &txn.Trace{Entries: []*txn.TraceEntry{
		entry("t1", txn.StatusCommitted, map[string]string{"A": "5"}),
	}}
	r := Check(trace)
	assert.False(t, r.OK())
	assert.Equal(t, "5", r.Residual.String())
	err := r.Fault()
	require.Error(t, err)
	fault, ok := err.(*Fault)
	require.True(t, ok)
	assert.Equal(t, "5", fault.Deltas["A"].String())
}

func TestAbortedEntriesDoNotCount(t *testing.T) {
	trace := &txn.Trace{Entries: []*txn.TraceEntry{
		entry("t1", txn.StatusAborted, map[string]string{"A": "5"}),
	}}
	assert.True(t, Validate(trace))
}

func TestNoFloatingPointDrift(t *testing.T) {
	// 0.1 + 0.2 - 0.3 is not zero in binary floating point.
	trace := &txn.Trace{Entries: []*txn.TraceEntry{
		entry("t1", txn.StatusCommitted, map[string]string{"A": "0.1", "B": "0.2", "C": "-0.3"}),
	}}
	assert.True(t, Validate(trace))
}

func TestRandomBalancedBatches(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		accounts := 2 + r.Intn(9)
		txs := 1 + r.Intn(50)
		trace := &txn.Trace{}
		for i := 0; i < txs; i++ {
			from := r.Intn(accounts)
			to := (from + 1 + r.Intn(accounts-1)) % accounts
			amount := decimal.New(r.Int63n(1000000), -int32(r.Intn(4)))
			trace.Entries = append(trace.Entries, entry(fmt.Sprintf("t%d", i), txn.StatusCommitted, map[string]string{
				fmt.Sprintf("acct%d", from): amount.Neg().String(),
				fmt.Sprintf("acct%d", to):   amount.String(),
			}))
		}
		require.True(t, Validate(trace), "round %d", round)
	}
}
