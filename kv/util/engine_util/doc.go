package engine_util

/*
An engine is a low-level system for storing key/value pairs locally. The ledger keeps its authoritative state in the
commit layer's snapshot and log; badger engines only hold derived data such as the batch journal.

CF means 'column family'. In short, a column family is a key namespace. Badger has no native column families, so a
key is stored as cf_key and every helper here takes the cf name separately. Writes made through one WriteBatch are
atomic across column families.

engine_util includes the following files:

* engines: opening and destroying a badger engine.
* write_batch: code to batch writes into a single, atomic 'transaction'.
* cf_iterator: code to iterate over a whole column family in badger.
*/
