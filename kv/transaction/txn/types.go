package txn

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccountState is the committed (or working) state of one account. An account that was never written has a zero
// balance and version 0.
type AccountState struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Version   uint64          `json:"version"`
}

// Equal reports whether s and o hold the same account, balance and version. Balances compare by value, so 1.50
// equals 1.5.
func (s AccountState) Equal(o AccountState) bool {
	return s.AccountID == o.AccountID && s.Version == o.Version && s.Balance.Equal(o.Balance)
}

func (s AccountState) String() string {
	return fmt.Sprintf("%s{balance: %s, version: %d}", s.AccountID, s.Balance.String(), s.Version)
}

// Status is the outcome of a single transaction within a batch.
type Status string

const (
	StatusCommitted Status = "COMMITTED"
	StatusAborted   Status = "ABORTED"
)

// EdgeKind classifies a dependency between two transactions.
type EdgeKind string

const (
	// RAW: the earlier transaction writes what the later one reads.
	RAW EdgeKind = "RAW"
	// WAW: both transactions write the same account.
	WAW EdgeKind = "WAW"
	// WAR: the earlier transaction reads what the later one writes.
	WAR EdgeKind = "WAR"
)

// Rank orders edge kinds by how strongly they constrain execution, RAW first.
func (k EdgeKind) Rank() int {
	switch k {
	case RAW:
		return 0
	case WAW:
		return 1
	case WAR:
		return 2
	}
	return 3
}

// DependencyEdge says that From must be ordered before To because of Resource.
type DependencyEdge struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Kind     EdgeKind `json:"kind"`
	Resource string   `json:"resource"`
}

func (e DependencyEdge) String() string {
	return fmt.Sprintf("%s -%s(%s)-> %s", e.From, e.Kind, e.Resource, e.To)
}

// Conflict is the symmetric record of a dependency edge. TxA is always the lexicographically smaller id.
type Conflict struct {
	TxA      string   `json:"tx_a"`
	TxB      string   `json:"tx_b"`
	Kind     EdgeKind `json:"kind"`
	Resource string   `json:"resource"`
}

// ResolutionOrder is a total order over the transactions of a batch. Serial is set when the batch could not be
// proven independent and must run one transaction at a time.
type ResolutionOrder struct {
	Order  []string `json:"order"`
	Serial bool     `json:"serial"`
}

// TraceEntry records the execution of one transaction. Pre holds the state of every account in the transaction's
// footprint as the transaction observed it; Post holds the same accounts after its writes. Post is nil for an
// aborted transaction.
type TraceEntry struct {
	TxID   string                  `json:"tx_id"`
	Set    int                     `json:"set"`
	Start  time.Time               `json:"start"`
	End    time.Time               `json:"end"`
	Pre    map[string]AccountState `json:"pre"`
	Post   map[string]AccountState `json:"post,omitempty"`
	Status Status                  `json:"status"`
	Err    error                   `json:"-"`
}

// Trace is the full record of one execution attempt of a batch.
type Trace struct {
	Initial map[string]AccountState `json:"initial"`
	Entries []*TraceEntry           `json:"entries"`
	Serial  bool                    `json:"serial"`
}

// Entry returns the entry for txID, or nil if the transaction did not run.
func (t *Trace) Entry(txID string) *TraceEntry {
	for _, e := range t.Entries {
		if e.TxID == txID {
			return e
		}
	}
	return nil
}

// Committed returns the entries of committed transactions in execution order.
func (t *Trace) Committed() []*TraceEntry {
	var committed []*TraceEntry
	for _, e := range t.Entries {
		if e.Status == StatusCommitted {
			committed = append(committed, e)
		}
	}
	return committed
}

// ViolationKind names the reason a trace could not be proven linearizable.
type ViolationKind string

const (
	ViolationDependency ViolationKind = "dependency_violation"
	ViolationWriteWrite ViolationKind = "write_write_conflict"
	ViolationStaleRead  ViolationKind = "stale_read"
	ViolationUnproven   ViolationKind = "unproven"
)

// Counterexample identifies the pair of transactions and the account that broke linearizability.
type Counterexample struct {
	Kind     ViolationKind `json:"kind"`
	TxA      string        `json:"tx_a"`
	TxB      string        `json:"tx_b"`
	Resource string        `json:"resource"`
	Detail   string        `json:"detail"`
}

func (c *Counterexample) String() string {
	return fmt.Sprintf("%s between %s and %s on %s: %s", c.Kind, c.TxA, c.TxB, c.Resource, c.Detail)
}

// ProofResult is either a full proof (serial order plus text) or a counterexample, never both.
type ProofResult struct {
	IsLinearizable bool            `json:"is_linearizable"`
	SerialOrder    []string        `json:"serial_order,omitempty"`
	ProofText      string          `json:"proof_text"`
	Counterexample *Counterexample `json:"counterexample,omitempty"`
}

// Evaluator is the expression language the ledger core is parameterized over. Both methods must be pure.
type Evaluator interface {
	// ExtractReadWriteSets returns the accounts tx reads and the accounts it writes.
	ExtractReadWriteSets(tx *Transaction) (reads []string, writes []string, err error)
	// Evaluate evaluates a guard or verify expression against account balances.
	Evaluate(expr string, bindings map[string]decimal.Decimal) (bool, error)
}
