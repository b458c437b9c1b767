package engine_util

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/pingcap/errors"
)

// WriteBatch collects writes to several column families and applies them in one badger transaction.
type WriteBatch struct {
	entries []*badger.Entry
	deletes map[int]bool
}

func (wb *WriteBatch) SetCF(cf string, key, val []byte) {
	wb.entries = append(wb.entries, badger.NewEntry(KeyWithCF(cf, key), val))
}

func (wb *WriteBatch) DeleteCF(cf string, key []byte) {
	if wb.deletes == nil {
		wb.deletes = make(map[int]bool)
	}
	wb.deletes[len(wb.entries)] = true
	wb.entries = append(wb.entries, &badger.Entry{Key: KeyWithCF(cf, key)})
}

func (wb *WriteBatch) WriteToDB(db *badger.DB) error {
	if len(wb.entries) == 0 {
		return nil
	}
	err := db.Update(func(txn *badger.Txn) error {
		for i, entry := range wb.entries {
			var err1 error
			if wb.deletes[i] {
				err1 = txn.Delete(entry.Key)
			} else {
				err1 = txn.SetEntry(entry)
			}
			if err1 != nil {
				return err1
			}
		}
		return nil
	})
	return errors.WithStack(err)
}
