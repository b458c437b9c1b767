package tinyledger

/*
TinyLedger is a batch processor for an account ledger. Callers submit batches of balance-moving transactions; TinyLedger
executes the independent ones in parallel, proves that the parallel run is equivalent to some serial order, checks that
the batch neither creates nor destroys value and then commits it atomically. Either every transaction of a batch commits
or none does.

Building TinyLedger produces one executable, tinyledger-server. It serves batches and account reads over HTTP, and can
also execute a single batch from a file and exit.

The `tinyledger` module is organized into the following packages:

* `kv/server`: the batch processor, which runs a batch through every stage below.
* `kv/transaction`: transactions, dependency analysis, conflict resolution, parallel execution, the linearizability
  prover and the conservation check.
* `kv/storage`: the durable side: the write-ahead log, the atomic commit layer with its Merkle root, and the batch
  journal.
* `kv/config`, `kv/metrics`, `kv/evaluator` and `kv/util`: configuration, Prometheus metrics, the guard expression
  language, and shared utilities.
*/
