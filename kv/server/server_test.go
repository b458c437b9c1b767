package server

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinyledger/kv/config"
	"github.com/pingcap-incubator/tinyledger/kv/evaluator"
	"github.com/pingcap-incubator/tinyledger/kv/storage/commit"
	"github.com/pingcap-incubator/tinyledger/kv/storage/journal"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/conservation"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func funds(accounts ...string) map[string]decimal.Decimal {
	g := make(map[string]decimal.Decimal, len(accounts))
	for _, acct := range accounts {
		g[acct] = decimal.NewFromInt(100)
	}
	return g
}

func openStore(t *testing.T, dir string, genesis map[string]decimal.Decimal, hook commit.Hook) *commit.Store {
	store, err := commit.Open(commit.Options{Dir: dir, Genesis: genesis, Hook: hook})
	require.NoError(t, err)
	return store
}

func newTestServer(t *testing.T, genesis map[string]decimal.Decimal) *Server {
	return newTestServerWithEvaluator(t, genesis, evaluator.New(), config.NewTestConfig())
}

func newTestServerWithEvaluator(t *testing.T, genesis map[string]decimal.Decimal, eval txn.Evaluator, conf *config.Config) *Server {
	server := NewServerWithEvaluator(openStore(t, t.TempDir(), genesis, nil), conf, prometheus.NewRegistry(), eval)
	t.Cleanup(func() { server.Stop() })
	return server
}

func transfer(t *testing.T, id, from, to, amount string) *txn.Transaction {
	tx, err := txn.NewTransfer(id, from, to, decimal.RequireFromString(amount))
	require.NoError(t, err)
	return tx
}

func assertBalance(t *testing.T, server *Server, acct string, balance string, version uint64) {
	st := server.GetAccountState(acct)
	assert.True(t, st.Balance.Equal(decimal.RequireFromString(balance)), "%s: balance %s, want %s", acct, st.Balance, balance)
	assert.Equal(t, version, st.Version, "%s version", acct)
}

func TestDisjointTransfers(t *testing.T) {
	server := newTestServer(t, funds("A", "B", "C", "D"))
	res := server.ExecuteBatch(context.Background(), []*txn.Transaction{
		transfer(t, "t1", "A", "B", "10"),
		transfer(t, "t2", "C", "D", "5"),
	})
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.True(t, res.Committed)
	assert.True(t, res.ConservationOK)
	assert.True(t, res.Proof.IsLinearizable)
	assert.Nil(t, res.Proof.Counterexample)
	assert.ElementsMatch(t, []string{"t1", "t2"}, res.Proof.SerialOrder)
	assert.Equal(t, 2.0, res.ThroughputFactor)
	assert.False(t, res.SerialFallback)
	assert.Equal(t, uint64(1), res.Seq)
	assert.NotEmpty(t, res.MerkleRoot)
	assert.Equal(t, []TxStatus{{TxID: "t1", Status: txn.StatusCommitted}, {TxID: "t2", Status: txn.StatusCommitted}}, res.PerTxStatus)

	assertBalance(t, server, "A", "90", 2)
	assertBalance(t, server, "B", "110", 2)
	assertBalance(t, server, "C", "95", 2)
	assertBalance(t, server, "D", "105", 2)
}

func TestDoubleWriteIsSerialized(t *testing.T) {
	server := newTestServer(t, funds("A", "B", "C"))
	// Both transfers read A through their verify expression, so the pair forms a cycle and runs serially.
	res := server.ExecuteBatch(context.Background(), []*txn.Transaction{
		transfer(t, "t2", "A", "C", "5"),
		transfer(t, "t1", "A", "B", "10"),
	})
	require.NoError(t, res.Err)
	assert.True(t, res.Committed)
	assert.Equal(t, []string{"t1", "t2"}, res.Proof.SerialOrder)
	assert.Equal(t, 1.0, res.ThroughputFactor)

	assertBalance(t, server, "A", "85", 3)
	assertBalance(t, server, "B", "110", 2)
	assertBalance(t, server, "C", "105", 2)
}

func TestBlindDoubleWrite(t *testing.T) {
	server := newTestServer(t, funds("A", "B"))
	// Deltas without verify expressions only write A: a WAW edge orders them without a cycle.
	mk := func(id string, a, b int64) *txn.Transaction {
		tx, err := txn.New(txn.Spec{ID: id, WriteSet: map[string]decimal.Decimal{
			"A": decimal.NewFromInt(a), "B": decimal.NewFromInt(b),
		}})
		require.NoError(t, err)
		return tx
	}
	res := server.ExecuteBatch(context.Background(), []*txn.Transaction{mk("x", -1, 1), mk("y", 3, -3)})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"x", "y"}, res.Proof.SerialOrder)
	assert.Equal(t, 1.0, res.ThroughputFactor)
	assertBalance(t, server, "A", "102", 3)
	assertBalance(t, server, "B", "98", 3)
}

func TestValueCreationIsRejected(t *testing.T) {
	server := newTestServer(t, funds("A", "B"))
	mint, err := txn.New(txn.Spec{ID: "mint", WriteSet: map[string]decimal.Decimal{"A": decimal.NewFromInt(1000)}})
	require.NoError(t, err)

	res := server.ExecuteBatch(context.Background(), []*txn.Transaction{transfer(t, "t1", "A", "B", "1"), mint})
	assert.False(t, res.Success)
	assert.False(t, res.Committed)
	assert.False(t, res.ConservationOK)
	var fault *conservation.Fault
	require.ErrorAs(t, res.Err, &fault)
	assert.True(t, fault.Residual.Equal(decimal.NewFromInt(1000)))
	for _, st := range res.PerTxStatus {
		assert.Equal(t, txn.StatusAborted, st.Status)
	}
	assert.Zero(t, res.Seq)
	assertBalance(t, server, "A", "100", 1)
	assertBalance(t, server, "B", "100", 1)
	assert.Equal(t, uint64(0), server.Store().Seq())
}

func TestAbortRejectsWholeBatch(t *testing.T) {
	server := newTestServer(t, funds("A", "B", "C", "D"))
	res := server.ExecuteBatch(context.Background(), []*txn.Transaction{
		transfer(t, "t1", "A", "B", "10"),
		transfer(t, "t2", "C", "D", "100.01"),
	})
	assert.False(t, res.Committed)
	var abort *txn.AbortError
	require.ErrorAs(t, res.Err, &abort)
	assert.Equal(t, "t2", abort.TxID)
	assert.Equal(t, txn.AbortVerify, abort.Reason)

	st, ok := res.Status("t2")
	require.True(t, ok)
	assert.Equal(t, TxStatus{TxID: "t2", Status: txn.StatusAborted, Reason: string(txn.AbortVerify)}, st)
	st, _ = res.Status("t1")
	assert.Equal(t, txn.StatusAborted, st.Status)
	assertBalance(t, server, "A", "100", 1)
	assertBalance(t, server, "C", "100", 1)
}

func TestStaleReadVersionAborts(t *testing.T) {
	server := newTestServer(t, funds("A", "B"))
	res := server.ExecuteBatch(context.Background(), []*txn.Transaction{transfer(t, "t1", "A", "B", "1")})
	require.True(t, res.Committed)

	stale, err := txn.New(txn.Spec{
		ID:       "t2",
		ReadSet:  map[string]uint64{"A": 1},
		WriteSet: map[string]decimal.Decimal{"A": decimal.NewFromInt(-1), "B": decimal.NewFromInt(1)},
	})
	require.NoError(t, err)
	res = server.ExecuteSingleTransaction(context.Background(), stale)
	var abort *txn.AbortError
	require.ErrorAs(t, res.Err, &abort)
	assert.Equal(t, txn.AbortStaleVersion, abort.Reason)
	assert.Equal(t, "A", abort.Account)
	assertBalance(t, server, "A", "99", 2)
}

func TestSingleTransactionMatchesBatchOfOne(t *testing.T) {
	mint, err := txn.New(txn.Spec{ID: "mint", WriteSet: map[string]decimal.Decimal{"A": decimal.NewFromInt(1)}})
	require.NoError(t, err)
	guarded, err := txn.New(txn.Spec{
		ID:       "guarded",
		Guards:   []string{"B >= 50 && A > 0"},
		WriteSet: map[string]decimal.Decimal{"A": decimal.RequireFromString("-0.5"), "B": decimal.RequireFromString("0.5")},
	})
	require.NoError(t, err)
	cases := []*txn.Transaction{
		transfer(t, "ok", "A", "B", "12.34"),
		transfer(t, "overdraft", "A", "B", "1000"),
		mint,
		guarded,
	}
	for _, tx := range cases {
		single := newTestServer(t, funds("A", "B"))
		batch := newTestServer(t, funds("A", "B"))
		r1 := single.ExecuteSingleTransaction(context.Background(), tx)
		r2 := batch.ExecuteBatch(context.Background(), []*txn.Transaction{tx})
		b1, err := r1.Encode()
		require.NoError(t, err)
		b2, err := r2.Encode()
		require.NoError(t, err)
		assert.Equal(t, string(b1), string(b2), tx.ID())
		assert.Equal(t, single.Store().Root(), batch.Store().Root(), tx.ID())
	}
}

func TestInvalidBatch(t *testing.T) {
	server := newTestServer(t, funds("A", "B"))
	tx := transfer(t, "t1", "A", "B", "1")
	res := server.ExecuteBatch(context.Background(), []*txn.Transaction{tx, tx})
	var invalid *InvalidBatchError
	require.ErrorAs(t, res.Err, &invalid)
	assert.False(t, res.Committed)

	res = server.ExecuteBatch(context.Background(), []*txn.Transaction{nil})
	require.ErrorAs(t, res.Err, &invalid)
}

func TestEmptyBatch(t *testing.T) {
	server := newTestServer(t, funds("A"))
	res := server.ExecuteBatch(context.Background(), nil)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.False(t, res.Committed)
	assert.True(t, res.Proof.IsLinearizable)
	assert.Equal(t, uint64(0), server.Store().Seq())
}

func TestGetAccountStateOfUnknownAccount(t *testing.T) {
	server := newTestServer(t, nil)
	st := server.GetAccountState("nobody")
	assert.Equal(t, "nobody", st.AccountID)
	assert.True(t, st.Balance.IsZero())
	assert.Zero(t, st.Version)
}

// slowEvaluator stalls the first expression it evaluates.
type slowEvaluator struct {
	*evaluator.Footprint
	calls atomic.Int32
	delay time.Duration
}

func (e *slowEvaluator) Evaluate(expr string, bindings map[string]decimal.Decimal) (bool, error) {
	if e.calls.Inc() == 1 {
		time.Sleep(e.delay)
	}
	return e.Footprint.Evaluate(expr, bindings)
}

func TestTimeoutFallsBackToSerial(t *testing.T) {
	conf := config.NewTestConfig()
	conf.TxnTimeout = config.NewDuration(50 * time.Millisecond)
	eval := &slowEvaluator{Footprint: evaluator.New(), delay: 500 * time.Millisecond}
	server := newTestServerWithEvaluator(t, funds("A", "B", "C", "D"), eval, conf)

	res := server.ExecuteBatch(context.Background(), []*txn.Transaction{
		transfer(t, "t1", "A", "B", "10"),
		transfer(t, "t2", "C", "D", "5"),
	})
	require.NoError(t, res.Err)
	assert.True(t, res.Committed)
	assert.True(t, res.SerialFallback)
	assert.Equal(t, 1.0, res.ThroughputFactor)
	assert.True(t, res.Proof.IsLinearizable)
	assertBalance(t, server, "A", "90", 2)
	assertBalance(t, server, "D", "105", 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(server.metrics.SerialFallbacks.WithLabelValues("timeout")))
}

// rejectingProver refuses the first `reject` traces it is given and proves the rest with the real prover.
type rejectingProver struct {
	inner  Prover
	reject int
	calls  int
}

func (p *rejectingProver) Prove(ctx context.Context, trace *txn.Trace, batch []*txn.Transaction, edges []txn.DependencyEdge) txn.ProofResult {
	p.calls++
	if p.calls <= p.reject {
		ce := &txn.Counterexample{Kind: txn.ViolationUnproven, TxA: "t1", TxB: "t2"}
		return txn.ProofResult{ProofText: "rejected", Counterexample: ce}
	}
	return p.inner.Prove(ctx, trace, batch, edges)
}

func TestUnprovableRunFallsBackToSerial(t *testing.T) {
	server := newTestServer(t, funds("A", "B", "C", "D"))
	p := &rejectingProver{inner: server.prover, reject: 1}
	server.prover = p

	res := server.ExecuteBatch(context.Background(), []*txn.Transaction{
		transfer(t, "t1", "A", "B", "10"),
		transfer(t, "t2", "C", "D", "5"),
	})
	require.NoError(t, res.Err)
	assert.True(t, res.Committed)
	assert.True(t, res.SerialFallback)
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, []string{"t1", "t2"}, res.Proof.SerialOrder)
	assert.Equal(t, 1.0, testutil.ToFloat64(server.metrics.SerialFallbacks.WithLabelValues("proof")))
}

func TestUnprovableSerialRunIsConsistencyFault(t *testing.T) {
	server := newTestServer(t, funds("A", "B"))
	server.prover = &rejectingProver{reject: 2}

	res := server.ExecuteBatch(context.Background(), []*txn.Transaction{transfer(t, "t1", "A", "B", "10")})
	var fault *ConsistencyFault
	require.ErrorAs(t, res.Err, &fault)
	assert.Equal(t, txn.ViolationUnproven, fault.Proof.Counterexample.Kind)
	assert.False(t, res.Committed)
	assertBalance(t, server, "A", "100", 1)
}

// A batch whose commit fails is reported as not committed, and the ledger still has its pre-batch state after a
// restart, whether the failure came before or after the new snapshot was renamed into place.
func TestCrashDuringCommit(t *testing.T) {
	for _, failAt := range []commit.State{commit.StateAtomicRename, commit.StateMarkCommitted} {
		t.Run(failAt.String(), func(t *testing.T) {
			dir := t.TempDir()
			genesis := funds("A", "B")
			crashing := openStore(t, dir, genesis, func(s commit.State) error {
				if s == failAt {
					return errors.New("power loss")
				}
				return nil
			})
			server := NewServer(crashing, config.NewTestConfig(), prometheus.NewRegistry())
			batch := []*txn.Transaction{transfer(t, "t1", "A", "B", "10")}
			res := server.ExecuteBatch(context.Background(), batch)
			var fault *commit.DurabilityFault
			require.ErrorAs(t, res.Err, &fault)
			assert.Equal(t, failAt, fault.State)
			assert.False(t, fault.Indeterminate)
			assert.False(t, res.Committed)
			assertBalance(t, server, "A", "100", 1)
			require.NoError(t, server.Stop())

			restarted := NewServer(openStore(t, dir, genesis, nil), config.NewTestConfig(), prometheus.NewRegistry())
			defer restarted.Stop()
			assertBalance(t, restarted, "A", "100", 1)
			assertBalance(t, restarted, "B", "100", 1)
			assert.Equal(t, uint64(0), restarted.Store().Seq())
			res = restarted.ExecuteBatch(context.Background(), batch)
			require.NoError(t, res.Err)
			assertBalance(t, restarted, "A", "90", 2)
		})
	}
}

func TestManyReadersOfOneAccountStayParallel(t *testing.T) {
	const n = 40
	accounts := []string{"X"}
	for i := 0; i < n; i++ {
		accounts = append(accounts, fmt.Sprintf("P%d", i), fmt.Sprintf("Q%d", i))
	}
	server := newTestServer(t, funds(accounts...))

	batch := make([]*txn.Transaction, 0, n)
	for i := 0; i < n; i++ {
		tx, err := txn.New(txn.Spec{
			ID:     fmt.Sprintf("t%02d", i),
			Guards: []string{"X >= 0"},
			WriteSet: map[string]decimal.Decimal{
				fmt.Sprintf("P%d", i): decimal.NewFromInt(-5),
				fmt.Sprintf("Q%d", i): decimal.NewFromInt(5),
			},
		})
		require.NoError(t, err)
		batch = append(batch, tx)
	}

	start := time.Now()
	res := server.ExecuteBatch(context.Background(), batch)
	require.NoError(t, res.Err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, res.Committed)
	assert.True(t, res.Proof.IsLinearizable)
	assert.False(t, res.SerialFallback)
	assert.Equal(t, float64(n), res.ThroughputFactor)
	assert.Zero(t, testutil.ToFloat64(server.metrics.SerialFallbacks.WithLabelValues("proof")))
	assertBalance(t, server, "X", "100", 1)
	assertBalance(t, server, "Q39", "105", 2)
}

func TestCanceledBatchDoesNotFallBack(t *testing.T) {
	conf := config.NewTestConfig()
	eval := &slowEvaluator{Footprint: evaluator.New(), delay: 300 * time.Millisecond}
	server := newTestServerWithEvaluator(t, funds("A", "B", "C", "D"), eval, conf)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	res := server.ExecuteBatch(ctx, []*txn.Transaction{
		transfer(t, "t1", "A", "B", "10"),
		transfer(t, "t2", "C", "D", "5"),
	})
	var abort *txn.AbortError
	require.ErrorAs(t, res.Err, &abort)
	assert.Equal(t, txn.AbortCanceled, abort.Reason)
	assert.False(t, txn.IsTimeout(res.Err))
	assert.False(t, res.Committed)
	assert.False(t, res.SerialFallback)
	for _, reason := range []string{"timeout", "schedule", "proof"} {
		assert.Zero(t, testutil.ToFloat64(server.metrics.SerialFallbacks.WithLabelValues(reason)), reason)
	}
	assertBalance(t, server, "A", "100", 1)
	assertBalance(t, server, "D", "100", 1)
}

func TestJournal(t *testing.T) {
	server := newTestServer(t, funds("A", "B"))
	_, err := server.BatchRecord(1)
	assert.Equal(t, ErrNoJournal, err)

	j, err := journal.Open("")
	require.NoError(t, err)
	defer j.Close()
	server.AttachJournal(j, 2)

	res := server.ExecuteBatch(context.Background(), []*txn.Transaction{transfer(t, "t1", "A", "B", "10")})
	require.True(t, res.Committed)
	rejected := server.ExecuteBatch(context.Background(), []*txn.Transaction{transfer(t, "t2", "A", "B", "1000")})
	require.False(t, rejected.Committed)

	rec, err := server.BatchRecord(1)
	require.NoError(t, err)
	assert.Equal(t, res.BatchID, rec.BatchID)
	assert.Equal(t, res.MerkleRoot, rec.Root)
	assert.Equal(t, []string{"t1"}, rec.SerialOrder)
	assert.Equal(t, txn.StatusCommitted, rec.Statuses["t1"])
	_, err = server.BatchRecord(2)
	assert.Equal(t, journal.ErrNotFound, errors.Cause(err))

	rec, err = server.TransactionRecord("t1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Seq)
	_, err = server.TransactionRecord("t2")
	assert.Equal(t, journal.ErrNotFound, errors.Cause(err))

	// Only the last two committed batches are kept.
	for _, id := range []string{"t3", "t4"} {
		require.True(t, server.ExecuteBatch(context.Background(), []*txn.Transaction{transfer(t, id, "A", "B", "1")}).Committed)
	}
	recs, err := server.BatchRecords(0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"t3"}, recs[0].TxIDs)
	assert.Equal(t, uint64(3), recs[1].Seq)
	_, err = server.TransactionRecord("t1")
	assert.Equal(t, journal.ErrNotFound, errors.Cause(err))
}

func TestMetrics(t *testing.T) {
	server := newTestServer(t, funds("A", "B"))
	server.ExecuteBatch(context.Background(), []*txn.Transaction{transfer(t, "t1", "A", "B", "1")})
	server.ExecuteBatch(context.Background(), []*txn.Transaction{transfer(t, "t2", "A", "B", "1000")})

	assert.Equal(t, 1.0, testutil.ToFloat64(server.metrics.Batches.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(server.metrics.Batches.WithLabelValues("aborted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(server.metrics.Transactions.WithLabelValues(string(txn.StatusCommitted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(server.metrics.CommittedSeq))
}

// model replays transactions one at a time.
type model map[string]txn.AccountState

func (m model) apply(tx *txn.Transaction) {
	for acct, delta := range tx.WriteSet() {
		st := m[acct]
		st.AccountID = acct
		st.Balance = st.Balance.Add(delta)
		st.Version++
		m[acct] = st
	}
}

// Random batches of transfers: every committed batch conserves value and equals the serial replay of its proof's
// order; every rejected batch leaves the ledger untouched.
func TestRandomizedBatches(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	committed := 0
	for round := 0; round < 40; round++ {
		nAccounts := 2 + rng.Intn(9)
		accounts := make([]string, nAccounts)
		genesis := make(map[string]decimal.Decimal, nAccounts)
		for i := range accounts {
			accounts[i] = fmt.Sprintf("acct-%02d", i)
			genesis[accounts[i]] = decimal.NewFromInt(1000)
		}
		server := newTestServer(t, genesis)

		size := 1 + rng.Intn(50)
		batch := make([]*txn.Transaction, 0, size)
		byID := make(map[string]*txn.Transaction, size)
		for i := 0; i < size; i++ {
			from := rng.Intn(nAccounts)
			to := (from + 1 + rng.Intn(nAccounts-1)) % nAccounts
			amount := decimal.New(int64(1+rng.Intn(20000)), -2)
			tx, err := txn.NewTransfer(fmt.Sprintf("tx-%02d", i), accounts[from], accounts[to], amount)
			require.NoError(t, err)
			batch = append(batch, tx)
			byID[tx.ID()] = tx
		}
		rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })

		before := server.Store().Accounts()
		res := server.ExecuteBatch(context.Background(), batch)
		after := server.Store().Accounts()

		total := decimal.Zero
		for _, st := range after {
			total = total.Add(st.Balance)
		}
		assert.True(t, total.Equal(decimal.NewFromInt(int64(1000*nAccounts))), "round %d: total %s", round, total)

		if !res.Committed {
			require.Len(t, after, len(before))
			for i := range before {
				assert.True(t, before[i].Equal(after[i]), "round %d: %s changed", round, before[i].AccountID)
			}
			continue
		}
		committed++
		require.True(t, res.Proof.IsLinearizable, "round %d", round)
		require.Len(t, res.Proof.SerialOrder, size)
		m := make(model)
		for _, st := range before {
			m[st.AccountID] = st
		}
		for _, id := range res.Proof.SerialOrder {
			m.apply(byID[id])
		}
		ids := make([]string, 0, len(m))
		for id := range m {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			assert.True(t, m[id].Equal(server.GetAccountState(id)), "round %d: %s replayed %s, committed %s",
				round, id, m[id], server.GetAccountState(id))
		}
	}
	assert.Greater(t, committed, 0)
}
