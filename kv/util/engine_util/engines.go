package engine_util

import (
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/pingcap/errors"
)

// CreateDB opens the badger engine at path, creating the directory. An empty path opens an in-memory engine.
func CreateDB(path string, syncWrites bool) (*badger.DB, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, os.ModePerm); err != nil {
			return nil, errors.WithStack(err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(syncWrites)
	}
	// badger logs through its own logger; the ledger's logging goes through pingcap/log.
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	return db, errors.WithStack(err)
}
