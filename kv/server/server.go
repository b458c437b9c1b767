package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinyledger/kv/config"
	"github.com/pingcap-incubator/tinyledger/kv/evaluator"
	"github.com/pingcap-incubator/tinyledger/kv/metrics"
	"github.com/pingcap-incubator/tinyledger/kv/storage/commit"
	"github.com/pingcap-incubator/tinyledger/kv/storage/journal"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/analyzer"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/conflict"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/conservation"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/executor"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/prover"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/pingcap-incubator/tinyledger/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Prover decides whether an execution trace is linearizable.
type Prover interface {
	Prove(ctx context.Context, trace *txn.Trace, batch []*txn.Transaction, edges []txn.DependencyEdge) txn.ProofResult
}

// Server is the batch processor. It 'faces outwards': callers hand it batches of transactions and read committed
// account state back. Batches are processed one at a time.
type Server struct {
	store    *commit.Store
	detector *conflict.Detector
	pool     *worker.Pool
	executor *executor.Executor
	prover   Prover
	metrics  *metrics.Metrics
	journal  *journal.Writer

	// mu serializes batches.
	mu sync.Mutex
}

// NewServer creates a server on top of an opened store, using the default expression evaluator. Metrics are
// registered on reg.
func NewServer(store *commit.Store, conf *config.Config, reg prometheus.Registerer) *Server {
	return NewServerWithEvaluator(store, conf, reg, evaluator.New())
}

func NewServerWithEvaluator(store *commit.Store, conf *config.Config, reg prometheus.Registerer, eval txn.Evaluator) *Server {
	pool := worker.NewPool("executor", conf.Workers)
	return &Server{
		store:    store,
		detector: conflict.NewDetector(analyzer.New(eval)),
		pool:     pool,
		executor: executor.New(eval, pool, conf.TxnTimeout.Duration),
		prover:   prover.New(conf.ProveTimeout.Duration),
		metrics:  metrics.New(reg),
	}
}

// AttachJournal makes the server record every committed batch in j, keeping the last retention batches (all of
// them if retention is zero). Journal failures are logged and counted, never returned.
func (server *Server) AttachJournal(j *journal.Journal, retention uint64) {
	server.journal = journal.NewWriter(j, retention, func(error) {
		server.metrics.JournalErrors.Inc()
	})
}

// GetAccountState returns the committed state of acct.
func (server *Server) GetAccountState(acct string) txn.AccountState {
	return server.store.Get(acct)
}

// ErrNoJournal is returned by the journal queries of a server without a journal.
var ErrNoJournal = errors.New("journal is not enabled")

// readJournal returns the journal once every submitted record is stored.
func (server *Server) readJournal() (*journal.Journal, error) {
	if server.journal == nil {
		return nil, ErrNoJournal
	}
	server.journal.Flush()
	return server.journal.Journal(), nil
}

// BatchRecord returns the journal record of the batch committed with sequence number seq.
func (server *Server) BatchRecord(seq uint64) (*journal.Record, error) {
	j, err := server.readJournal()
	if err != nil {
		return nil, err
	}
	return j.Get(seq)
}

// TransactionRecord returns the journal record of the batch that committed transaction id.
func (server *Server) TransactionRecord(id string) (*journal.Record, error) {
	j, err := server.readJournal()
	if err != nil {
		return nil, err
	}
	return j.Lookup(id)
}

// BatchRecords returns up to limit journal records from sequence number from on.
func (server *Server) BatchRecords(from uint64, limit int) ([]*journal.Record, error) {
	j, err := server.readJournal()
	if err != nil {
		return nil, err
	}
	return j.Scan(from, limit)
}

// Store exposes the commit layer for status reporting.
func (server *Server) Store() *commit.Store {
	return server.store
}

// ExecuteSingleTransaction executes tx as a batch of one.
func (server *Server) ExecuteSingleTransaction(ctx context.Context, tx *txn.Transaction) *BatchResult {
	return server.ExecuteBatch(ctx, []*txn.Transaction{tx})
}

// batchID is a digest of the transaction ids of batch, in input order.
func batchID(batch []*txn.Transaction) string {
	h := sha256.New()
	for _, tx := range batch {
		if tx != nil {
			h.Write([]byte(tx.ID()))
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ExecuteBatch runs the whole pipeline for batch: plan, parallel execution, linearizability proof (with a serial
// re-execution if the parallel run cannot be proven or timed out), conservation check and durable commit. Either
// every transaction of the batch commits or none does.
func (server *Server) ExecuteBatch(ctx context.Context, batch []*txn.Transaction) *BatchResult {
	server.mu.Lock()
	defer server.mu.Unlock()

	start := time.Now()
	res := &BatchResult{BatchID: batchID(batch), PerTxStatus: make([]TxStatus, 0, len(batch))}
	for _, tx := range batch {
		if tx != nil {
			res.PerTxStatus = append(res.PerTxStatus, TxStatus{TxID: tx.ID(), Status: txn.StatusAborted})
		}
	}

	outcome, serial := server.process(ctx, batch, res)
	res.WallClockLatency = time.Since(start)
	if res.Committed {
		for i := range res.PerTxStatus {
			res.PerTxStatus[i].Status = txn.StatusCommitted
		}
		if server.journal != nil {
			server.journal.Submit(record(res, batch, serial))
		}
	}
	for _, st := range res.PerTxStatus {
		server.metrics.Transactions.WithLabelValues(string(st.Status)).Inc()
	}
	server.metrics.ObserveBatch(outcome, len(batch), res.WallClockLatency)
	return res
}

// process fills res and returns the batch outcome and whether the batch ran serially.
func (server *Server) process(ctx context.Context, batch []*txn.Transaction, res *BatchResult) (string, bool) {
	if _, err := txn.Index(batch); err != nil {
		res.Err = &InvalidBatchError{Cause: err}
		return metrics.OutcomeFault, false
	}
	if len(batch) == 0 {
		res.Success = true
		res.ConservationOK = true
		res.ThroughputFactor = 1
		res.Proof = txn.ProofResult{IsLinearizable: true, SerialOrder: []string{}, ProofText: "empty batch"}
		return metrics.OutcomeCommitted, false
	}

	plan, err := server.detector.Plan(batch)
	if err != nil {
		res.Err = &InvalidBatchError{Cause: err}
		return metrics.OutcomeFault, false
	}
	if plan.Order.Serial {
		log.Debug("dependency graph is cyclic, executing serially",
			zap.String("batch", res.BatchID), zap.Strings("cycle", plan.Cycle))
	}

	exec, proof, err := server.run(ctx, batch, plan)
	if err != nil {
		res.Err = err
		return metrics.OutcomeFault, false
	}
	if exec.fallback != "" {
		res.SerialFallback = true
		plan = plan.Serial()
	}
	res.ThroughputFactor = plan.Parallelism()

	if exec.Err != nil {
		res.Err = exec.Err
		if abort, ok := errors.Cause(exec.Err).(*txn.AbortError); ok {
			for i := range res.PerTxStatus {
				if res.PerTxStatus[i].TxID == abort.TxID {
					res.PerTxStatus[i].Reason = string(abort.Reason)
				}
			}
		}
		res.Proof = txn.ProofResult{ProofText: "not proven: batch aborted"}
		log.Info("batch aborted", zap.String("batch", res.BatchID), zap.Error(exec.Err))
		return metrics.OutcomeAborted, false
	}
	res.Proof = proof
	if !proof.IsLinearizable {
		res.Err = &ConsistencyFault{Proof: proof}
		log.Error("serial execution not provable", zap.String("batch", res.BatchID), zap.String("proof", proof.ProofText))
		return metrics.OutcomeFault, false
	}

	report := conservation.Check(exec.Trace)
	res.ConservationOK = report.OK()
	if fault := report.Fault(); fault != nil {
		res.Err = fault
		log.Warn("batch violates conservation",
			zap.String("batch", res.BatchID), zap.String("residual", report.Residual.String()),
			zap.Strings("accounts", report.Accounts()))
		return metrics.OutcomeAborted, false
	}

	writes := finalWrites(batch, exec)
	commitStart := time.Now()
	info, err := server.store.Commit(res.BatchID, txn.IDs(batch), writes)
	server.metrics.CommitDuration.Observe(time.Since(commitStart).Seconds())
	if err != nil {
		res.Err = err
		log.Error("batch commit failed", zap.String("batch", res.BatchID), zap.Error(err))
		return metrics.OutcomeFault, false
	}
	res.Success = true
	res.Committed = true
	res.Seq = info.Seq
	res.MerkleRoot = hex.EncodeToString(info.Root)

	server.metrics.CommittedSeq.Set(float64(info.Seq))
	server.metrics.WALGCRuns.Set(float64(server.store.GCRuns()))
	server.metrics.Parallelism.Observe(res.ThroughputFactor)
	return metrics.OutcomeCommitted, plan.Order.Serial
}

type execution struct {
	*executor.Result
	// fallback names why the batch was re-executed serially, empty if the first run was kept.
	fallback string
}

// run executes batch along plan and proves the result. A run that timed out, hit a scheduling fault or cannot be
// proven is replaced by a fresh serial execution. The returned error is reserved for executor faults.
func (server *Server) run(ctx context.Context, batch []*txn.Transaction, plan *conflict.Plan) (*execution, txn.ProofResult, error) {
	first, err := server.executor.Execute(ctx, batch, plan, server.store)
	if err != nil {
		return nil, txn.ProofResult{}, err
	}
	exec := &execution{Result: first}
	if ctx.Err() != nil {
		// The caller gave up on the batch; nothing may be committed.
		if first.Err == nil {
			first.Err = &txn.AbortError{TxID: txn.IDs(batch)[0], Reason: txn.AbortCanceled, Detail: ctx.Err().Error()}
		}
		return exec, txn.ProofResult{}, nil
	}
	if first.Err == nil {
		proof := server.prove(ctx, first.Trace, batch, plan)
		if proof.IsLinearizable {
			return exec, proof, nil
		}
		exec.fallback = "proof"
		log.Warn("parallel execution not provable, re-executing serially",
			zap.Strings("batch", txn.IDs(batch)), zap.String("proof", proof.ProofText))
	} else if abort, ok := errors.Cause(first.Err).(*txn.AbortError); ok &&
		(abort.Reason == txn.AbortTimeout || abort.Reason == txn.AbortSchedule) {
		exec.fallback = "timeout"
		if abort.Reason == txn.AbortSchedule {
			exec.fallback = "schedule"
		}
		log.Warn("parallel execution failed, re-executing serially", zap.Error(first.Err))
	} else {
		return exec, txn.ProofResult{}, nil
	}

	server.metrics.SerialFallbacks.WithLabelValues(exec.fallback).Inc()
	serial := plan.Serial()
	second, err := server.executor.Execute(ctx, batch, serial, server.store)
	if err != nil {
		return nil, txn.ProofResult{}, err
	}
	exec.Result = second
	if second.Err != nil {
		return exec, txn.ProofResult{}, nil
	}
	return exec, server.prove(ctx, second.Trace, batch, serial), nil
}

func (server *Server) prove(ctx context.Context, trace *txn.Trace, batch []*txn.Transaction, plan *conflict.Plan) txn.ProofResult {
	start := time.Now()
	proof := server.prover.Prove(ctx, trace, batch, plan.OrderingEdges)
	server.metrics.ObserveProof(proof.IsLinearizable, time.Since(start))
	return proof
}

// finalWrites returns the final state of every account a committed transaction wrote, sorted by account.
func finalWrites(batch []*txn.Transaction, exec *execution) []txn.AccountState {
	written := make(map[string]struct{})
	for _, tx := range batch {
		for _, acct := range tx.WrittenAccounts() {
			written[acct] = struct{}{}
		}
	}
	writes := make([]txn.AccountState, 0, len(written))
	for acct := range written {
		writes = append(writes, exec.State[acct])
	}
	sort.Slice(writes, func(i, j int) bool { return writes[i].AccountID < writes[j].AccountID })
	return writes
}

func record(res *BatchResult, batch []*txn.Transaction, serial bool) *journal.Record {
	statuses := make(map[string]txn.Status, len(res.PerTxStatus))
	for _, st := range res.PerTxStatus {
		statuses[st.TxID] = txn.StatusCommitted
	}
	return &journal.Record{
		Seq:         res.Seq,
		BatchID:     res.BatchID,
		Root:        res.MerkleRoot,
		TxIDs:       txn.IDs(batch),
		Statuses:    statuses,
		SerialOrder: res.Proof.SerialOrder,
		Serial:      serial,
		ProofText:   res.Proof.ProofText,
		Latency:     res.WallClockLatency,
		CommittedAt: time.Now(),
	}
}

// Stop waits for pending journal writes and releases the worker pool. The store stays open.
func (server *Server) Stop() error {
	if server.journal != nil {
		server.journal.Stop()
	}
	server.pool.Shutdown()
	return nil
}
