// Package executor runs a planned batch against a private working snapshot.
//
// The independent sets of a plan run one after another. Inside a set every transaction runs concurrently on the
// worker pool, each against its own copy of the accounts it touches. Writes are buffered per transaction and
// merged into the working snapshot only once the whole set has finished, so set N+1 always observes every write
// of set N and nothing else. Durable state is never touched: the caller decides what to do with the result.
package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pingcap-incubator/tinyledger/kv/transaction/conflict"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/latches"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/pingcap-incubator/tinyledger/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reader gives access to committed account state. Snapshot returns a copy of every requested account; accounts
// that do not exist yet are reported with a zero balance and version 0.
type Reader interface {
	Snapshot(accounts []string) map[string]txn.AccountState
}

// Result is the outcome of executing a batch.
type Result struct {
	Trace *txn.Trace
	// State is the working snapshot after the last executed set. It covers the footprint of the whole batch.
	State map[string]txn.AccountState
	// Err is the abort of the first failed transaction, nil if every transaction committed.
	Err error
	// Steps is the number of sets that ran.
	Steps int
}

type Executor struct {
	eval    txn.Evaluator
	pool    *worker.Pool
	timeout time.Duration
	// Latches guards the write sets of the running set. Exported so tests can hook Validation.
	Latches *latches.Latches
}

// New creates an executor. A timeout of zero disables the per-transaction deadline.
func New(eval txn.Evaluator, pool *worker.Pool, timeout time.Duration) *Executor {
	return &Executor{
		eval:    eval,
		pool:    pool,
		timeout: timeout,
		Latches: latches.NewLatches(),
	}
}

// Execute runs batch along plan. It returns an error only for faults of the executor itself (a plan that does not
// match the batch, a closed pool); transaction aborts are reported through Result.Err.
func (e *Executor) Execute(ctx context.Context, batch []*txn.Transaction, plan *conflict.Plan, reader Reader) (*Result, error) {
	index, err := txn.Index(batch)
	if err != nil {
		return nil, err
	}
	footprints := make(map[string][]string, len(batch))
	all := make(map[string]struct{})
	for _, tx := range batch {
		fp, ok := plan.Analysis.Footprints[tx.ID()]
		if !ok {
			return nil, errors.Errorf("plan has no footprint for %s", tx.ID())
		}
		accts := union(fp.Accounts(), tx.Accounts())
		footprints[tx.ID()] = accts
		for _, a := range accts {
			all[a] = struct{}{}
		}
	}
	scheduled := 0
	for _, set := range plan.Sets {
		for _, id := range set {
			if _, ok := index[id]; !ok {
				return nil, errors.Errorf("plan schedules unknown transaction %s", id)
			}
			scheduled++
		}
	}
	if scheduled != len(batch) {
		return nil, errors.Errorf("plan schedules %d transactions, batch has %d", scheduled, len(batch))
	}

	initial := reader.Snapshot(sortedSet(all))
	working := copyStates(initial)
	res := &Result{
		Trace: &txn.Trace{
			Initial: copyStates(initial),
			Serial:  plan.Order.Serial,
		},
	}

	for setIdx, set := range plan.Sets {
		entries := make([]*txn.TraceEntry, len(set))
		jobs := make([]worker.Job, len(set))
		for i, id := range set {
			i, tx := i, index[id]
			jobs[i] = worker.Job{ID: id, Run: func(ctx context.Context) error {
				entries[i] = e.run(ctx, setIdx, tx, footprints[tx.ID()], initial, working)
				return entries[i].Err
			}}
		}
		results, err := e.pool.Run(ctx, jobs)
		if err != nil {
			return nil, err
		}
		res.Steps++
		for i, r := range results {
			if entries[i] == nil {
				// The job never started or panicked.
				reason := txn.AbortSchedule
				switch errors.Cause(r.Err) {
				case context.DeadlineExceeded:
					reason = txn.AbortTimeout
				case context.Canceled:
					reason = txn.AbortCanceled
				}
				detail := "job did not run"
				if r.Err != nil {
					detail = r.Err.Error()
				}
				entries[i] = &txn.TraceEntry{
					TxID:   set[i],
					Set:    setIdx,
					Status: txn.StatusAborted,
					Err:    &txn.AbortError{TxID: set[i], Reason: reason, Detail: detail},
				}
			}
		}
		for _, entry := range entries {
			res.Trace.Entries = append(res.Trace.Entries, entry)
			if entry.Status != txn.StatusCommitted {
				if res.Err == nil {
					res.Err = entry.Err
				}
				continue
			}
			for acct, st := range entry.Post {
				if _, written := index[entry.TxID].Delta(acct); written {
					working[acct] = st
				}
			}
		}
		if res.Err != nil {
			break
		}
	}
	res.State = working
	return res, nil
}

// run executes one transaction. working is only read here: it is mutated between sets, never during one.
func (e *Executor) run(ctx context.Context, setIdx int, tx *txn.Transaction, footprint []string,
	initial, working map[string]txn.AccountState) *txn.TraceEntry {
	entry := &txn.TraceEntry{
		TxID:  tx.ID(),
		Set:   setIdx,
		Start: time.Now(),
		Pre:   make(map[string]txn.AccountState, len(footprint)),
	}
	for _, acct := range footprint {
		entry.Pre[acct] = working[acct]
	}

	writes := tx.WrittenAccounts()
	if ok, holder := e.Latches.AcquireLatches(tx.ID(), writes); !ok {
		entry.End = time.Now()
		entry.Status = txn.StatusAborted
		entry.Err = &txn.AbortError{TxID: tx.ID(), Reason: txn.AbortSchedule,
			Detail: fmt.Sprintf("write set latched by %s of the same set", holder)}
		return entry
	}
	defer e.Latches.ReleaseLatches(writes)
	e.Latches.Validate(tx.ID(), writes)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	type outcome struct {
		post map[string]txn.AccountState
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("transaction panicked", zap.String("tx", tx.ID()), zap.Any("panic", r), zap.Stack("stack"))
				done <- outcome{err: &txn.AbortError{TxID: tx.ID(), Reason: txn.AbortEvaluator, Detail: fmt.Sprintf("panic: %v", r)}}
			}
		}()
		post, err := e.apply(tx, entry.Pre, initial)
		done <- outcome{post: post, err: err}
	}()

	select {
	case out := <-done:
		entry.End = time.Now()
		if out.err != nil {
			entry.Status = txn.StatusAborted
			entry.Err = out.err
			return entry
		}
		entry.Post = out.post
		entry.Status = txn.StatusCommitted
	case <-ctx.Done():
		entry.End = time.Now()
		entry.Status = txn.StatusAborted
		reason := txn.AbortTimeout
		if ctx.Err() == context.Canceled {
			reason = txn.AbortCanceled
		}
		entry.Err = &txn.AbortError{TxID: tx.ID(), Reason: reason, Detail: ctx.Err().Error()}
	}
	return entry
}

// apply checks versions and guards, applies the write set to a copy of pre and checks the verify expressions on
// the result.
func (e *Executor) apply(tx *txn.Transaction, pre, initial map[string]txn.AccountState) (map[string]txn.AccountState, error) {
	for _, acct := range tx.ReadAccounts() {
		want, _ := tx.ExpectedVersion(acct)
		if got := initial[acct].Version; got != want {
			return nil, &txn.AbortError{TxID: tx.ID(), Reason: txn.AbortStaleVersion, Account: acct,
				Detail: versionDetail(want, got)}
		}
	}
	if err := e.check(tx, tx.Guards(), pre, txn.AbortGuard); err != nil {
		return nil, err
	}
	post := copyStates(pre)
	for acct, delta := range tx.WriteSet() {
		st := post[acct]
		st.AccountID = acct
		st.Balance = st.Balance.Add(delta)
		st.Version++
		post[acct] = st
	}
	if err := e.check(tx, tx.Verifies(), post, txn.AbortVerify); err != nil {
		return nil, err
	}
	return post, nil
}

func (e *Executor) check(tx *txn.Transaction, exprs []string, states map[string]txn.AccountState, reason txn.AbortReason) error {
	if len(exprs) == 0 {
		return nil
	}
	bindings := make(map[string]decimal.Decimal, len(states))
	for acct, st := range states {
		bindings[acct] = st.Balance
	}
	for _, expr := range exprs {
		ok, err := e.eval.Evaluate(expr, bindings)
		if err != nil {
			return &txn.AbortError{TxID: tx.ID(), Reason: txn.AbortEvaluator, Detail: err.Error()}
		}
		if !ok {
			return &txn.AbortError{TxID: tx.ID(), Reason: reason, Detail: expr}
		}
	}
	return nil
}

func versionDetail(want, got uint64) string {
	return fmt.Sprintf("expected version %d, committed %d", want, got)
}

func copyStates(m map[string]txn.AccountState) map[string]txn.AccountState {
	c := make(map[string]txn.AccountState, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func union(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	return sortedSet(set)
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
