package transaction

// The transaction package implements TinyLedger's 'transaction' layer. It takes a batch handed to kv/server and turns it
// into a set of account states that are safe to commit, or a reason why the batch must be rejected.
//
// A batch moves through the sub-packages in order:
//
// `txn` defines transactions: an id, a read set of expected account versions, a write set of signed balance deltas, and
// guard and verify expressions that are checked before and after the deltas are applied. It also holds the types every
// other package shares (traces, proofs, aborts).
//
// `analyzer` derives each transaction's read and write footprint and the dependency edges between transactions: RAW,
// WAW and WAR, always pointing from the smaller transaction id to the larger one. `depgraph` is the graph
// those edges form; it finds cycles and splits an acyclic graph into levels of mutually independent transactions.
//
// `conflict` turns edges into conflict records, resolves them into a deterministic order and builds the execution
// plan. A cyclic graph cannot be proven independent, so such a batch runs one transaction at a time.
//
// `executor` runs the plan's sets one after another, the transactions of a set concurrently on the worker pool. Each
// transaction sees the state left by the previous sets and nothing else. *Latches* protect the write sets of a running
// set; they are not visible to clients. See the latches package for details.
//
// `prover` encodes the execution trace as an integer difference logic problem and asks a solver whether some serial
// order explains every state a transaction observed. When it cannot, the batch is re-executed serially and proven
// again.
//
// `conservation` sums every delta of the batch with exact decimals. A batch whose deltas do not add up to zero is
// rejected.
