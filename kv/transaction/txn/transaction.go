package txn

import (
	"sort"

	"github.com/pingcap/errors"
	"github.com/shopspring/decimal"
)

// Spec is the decodable form of a transaction. It is only a carrier: the batch pipeline works on *Transaction,
// which is validated and immutable.
type Spec struct {
	ID       string                     `json:"id" toml:"id"`
	Intent   string                     `json:"intent,omitempty" toml:"intent"`
	Accounts []string                   `json:"accounts,omitempty" toml:"accounts"`
	ReadSet  map[string]uint64          `json:"read_set,omitempty" toml:"read-set"`
	WriteSet map[string]decimal.Decimal `json:"write_set,omitempty" toml:"write-set"`
	Guards   []string                   `json:"guards,omitempty" toml:"guards"`
	Verifies []string                   `json:"verifies,omitempty" toml:"verifies"`
}

// Transaction is a single ledger operation. A read set maps an account to the committed version the transaction
// expects to observe; a write set maps an account to a signed balance delta. Once built, a Transaction never
// changes and every accessor hands out a copy.
type Transaction struct {
	id       string
	intent   string
	accounts []string
	readSet  map[string]uint64
	writeSet map[string]decimal.Decimal
	guards   []string
	verifies []string
}

// New validates spec and builds a Transaction from it. Accounts named in the read or write set but missing from
// spec.Accounts are appended in sorted order, so Accounts always covers everything the transaction declares.
func New(spec Spec) (*Transaction, error) {
	if spec.ID == "" {
		return nil, errors.New("transaction id must not be empty")
	}
	t := &Transaction{
		id:       spec.ID,
		intent:   spec.Intent,
		readSet:  make(map[string]uint64, len(spec.ReadSet)),
		writeSet: make(map[string]decimal.Decimal, len(spec.WriteSet)),
		guards:   append([]string(nil), spec.Guards...),
		verifies: append([]string(nil), spec.Verifies...),
	}
	seen := make(map[string]struct{})
	for _, acct := range spec.Accounts {
		if acct == "" {
			return nil, errors.Errorf("transaction %s names an empty account", spec.ID)
		}
		if _, ok := seen[acct]; ok {
			continue
		}
		seen[acct] = struct{}{}
		t.accounts = append(t.accounts, acct)
	}
	var extra []string
	for acct, version := range spec.ReadSet {
		if acct == "" {
			return nil, errors.Errorf("transaction %s reads an empty account", spec.ID)
		}
		t.readSet[acct] = version
		if _, ok := seen[acct]; !ok {
			seen[acct] = struct{}{}
			extra = append(extra, acct)
		}
	}
	for acct, delta := range spec.WriteSet {
		if acct == "" {
			return nil, errors.Errorf("transaction %s writes an empty account", spec.ID)
		}
		t.writeSet[acct] = delta
		if _, ok := seen[acct]; !ok {
			seen[acct] = struct{}{}
			extra = append(extra, acct)
		}
	}
	sort.Strings(extra)
	t.accounts = append(t.accounts, extra...)
	return t, nil
}

// NewTransfer builds a transaction moving amount from one account to another. The source balance is guarded so
// that it never goes negative.
func NewTransfer(id, from, to string, amount decimal.Decimal) (*Transaction, error) {
	if from == to {
		return nil, errors.Errorf("transfer %s has identical source and destination %s", id, from)
	}
	return New(Spec{
		ID:       id,
		Intent:   "transfer",
		Accounts: []string{from, to},
		WriteSet: map[string]decimal.Decimal{
			from: amount.Neg(),
			to:   amount,
		},
		Verifies: []string{from + " >= 0"},
	})
}

func (t *Transaction) ID() string {
	return t.id
}

func (t *Transaction) Intent() string {
	return t.intent
}

// Accounts returns the ordered sequence of accounts the transaction touches.
func (t *Transaction) Accounts() []string {
	return append([]string(nil), t.accounts...)
}

func (t *Transaction) ReadSet() map[string]uint64 {
	rs := make(map[string]uint64, len(t.readSet))
	for k, v := range t.readSet {
		rs[k] = v
	}
	return rs
}

func (t *Transaction) WriteSet() map[string]decimal.Decimal {
	ws := make(map[string]decimal.Decimal, len(t.writeSet))
	for k, v := range t.writeSet {
		ws[k] = v
	}
	return ws
}

// ExpectedVersion returns the committed version the transaction expects for acct, if it declared one.
func (t *Transaction) ExpectedVersion(acct string) (uint64, bool) {
	v, ok := t.readSet[acct]
	return v, ok
}

// Delta returns the signed balance change the transaction applies to acct.
func (t *Transaction) Delta(acct string) (decimal.Decimal, bool) {
	d, ok := t.writeSet[acct]
	return d, ok
}

// ReadAccounts returns the read set's accounts in sorted order.
func (t *Transaction) ReadAccounts() []string {
	return sortedKeys(t.readSet)
}

// WrittenAccounts returns the write set's accounts in sorted order.
func (t *Transaction) WrittenAccounts() []string {
	return sortedKeys(t.writeSet)
}

func (t *Transaction) Guards() []string {
	return append([]string(nil), t.guards...)
}

func (t *Transaction) Verifies() []string {
	return append([]string(nil), t.verifies...)
}

// Spec returns the decodable form of t.
func (t *Transaction) Spec() Spec {
	return Spec{
		ID:       t.id,
		Intent:   t.intent,
		Accounts: t.Accounts(),
		ReadSet:  t.ReadSet(),
		WriteSet: t.WriteSet(),
		Guards:   t.Guards(),
		Verifies: t.Verifies(),
	}
}

// IDs returns the ids of batch in input order.
func IDs(batch []*Transaction) []string {
	ids := make([]string, 0, len(batch))
	for _, t := range batch {
		ids = append(ids, t.id)
	}
	return ids
}

// Index maps every transaction id of batch to its transaction. Duplicate ids are an error.
func Index(batch []*Transaction) (map[string]*Transaction, error) {
	index := make(map[string]*Transaction, len(batch))
	for _, t := range batch {
		if t == nil {
			return nil, errors.New("nil transaction in batch")
		}
		if _, ok := index[t.id]; ok {
			return nil, errors.Errorf("duplicate transaction id %s", t.id)
		}
		index[t.id] = t
	}
	return index, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
