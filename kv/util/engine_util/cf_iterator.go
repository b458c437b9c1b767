package engine_util

import (
	"github.com/dgraph-io/badger/v4"
)

type CFItem struct {
	item      *badger.Item
	prefixLen int
}

// Key returns the key without its column family prefix.
func (i *CFItem) Key() []byte {
	return i.item.Key()[i.prefixLen:]
}

func (i *CFItem) KeyCopy(dst []byte) []byte {
	return append(dst[:0], i.Key()...)
}

func (i *CFItem) ValueCopy(dst []byte) ([]byte, error) {
	return i.item.ValueCopy(dst)
}

// CFIterator iterates over the keys of one column family.
type CFIterator struct {
	iter   *badger.Iterator
	prefix string
}

func NewCFIterator(cf string, txn *badger.Txn) *CFIterator {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(cf + "_")
	return &CFIterator{
		iter:   txn.NewIterator(opts),
		prefix: cf + "_",
	}
}

func (it *CFIterator) Item() *CFItem {
	return &CFItem{
		item:      it.iter.Item(),
		prefixLen: len(it.prefix),
	}
}

func (it *CFIterator) Valid() bool { return it.iter.ValidForPrefix([]byte(it.prefix)) }

func (it *CFIterator) Close() {
	it.iter.Close()
}

func (it *CFIterator) Next() {
	it.iter.Next()
}

func (it *CFIterator) Seek(key []byte) {
	it.iter.Seek(append([]byte(it.prefix), key...))
}
