package server

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/pingcap/errors"
)

// TxStatus is the final status of one transaction of a batch.
type TxStatus struct {
	TxID   string     `json:"tx_id"`
	Status txn.Status `json:"status"`
	// Reason is set for the transaction whose abort rejected the batch.
	Reason string `json:"reason,omitempty"`
}

// BatchResult is everything a caller learns about a batch. It never carries uncommitted account state.
type BatchResult struct {
	BatchID string `json:"batch_id"`
	// Success is set when the batch committed, or was empty.
	Success   bool `json:"success"`
	Committed bool `json:"committed"`
	// PerTxStatus is ordered as the input batch. Every transaction of a batch that did not commit is ABORTED.
	PerTxStatus    []TxStatus      `json:"per_tx_status"`
	Proof          txn.ProofResult `json:"proof"`
	ConservationOK bool            `json:"conservation_ok"`
	// WallClockLatency is left out of Encode: it is the only field that differs between two runs of a batch.
	WallClockLatency time.Duration `json:"-"`
	// ThroughputFactor is the number of transactions per sequential execution step; 1 for a serial execution.
	ThroughputFactor float64 `json:"throughput_factor"`
	// SerialFallback is set when the batch had to be re-executed one transaction at a time.
	SerialFallback bool   `json:"serial_fallback"`
	Seq            uint64 `json:"seq,omitempty"`
	MerkleRoot     string `json:"merkle_root,omitempty"`
	// Err is the fault that rejected the batch.
	Err      error  `json:"-"`
	ErrorMsg string `json:"error,omitempty"`
}

// Encode returns the canonical JSON encoding of r.
func (r *BatchResult) Encode() ([]byte, error) {
	out := *r
	if r.Err != nil {
		out.ErrorMsg = r.Err.Error()
	}
	data, err := json.Marshal(&out)
	return data, errors.WithStack(err)
}

// Status returns the status of txID, and false if the batch did not contain it.
func (r *BatchResult) Status(txID string) (TxStatus, bool) {
	for _, st := range r.PerTxStatus {
		if st.TxID == txID {
			return st, true
		}
	}
	return TxStatus{}, false
}

// ConsistencyFault is returned when even a strictly serial re-execution of a batch cannot be proven linearizable.
// It means the executor or the prover is broken; the batch is rejected.
type ConsistencyFault struct {
	Proof txn.ProofResult
}

func (f *ConsistencyFault) Error() string {
	msg := "consistency fault: serial execution not provable"
	if ce := f.Proof.Counterexample; ce != nil {
		msg += fmt.Sprintf(", %s", ce.String())
	}
	return msg
}

// InvalidBatchError is returned for a batch that cannot be executed at all, such as one with duplicate ids.
type InvalidBatchError struct {
	Cause error
}

func (e *InvalidBatchError) Error() string {
	return fmt.Sprintf("invalid batch: %v", e.Cause)
}

func (e *InvalidBatchError) Unwrap() error {
	return e.Cause
}
