// Package journal keeps an audit trail of committed batches in badger.
//
// The journal is derived data: it is written after a batch is durably committed and losing an entry never affects
// the ledger state. Records are stored in the batch column family keyed by big-endian commit sequence, and every
// transaction id is indexed in the tx column family.
package journal

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/pingcap-incubator/tinyledger/kv/util/engine_util"
	"github.com/pingcap/errors"
)

const (
	CfBatch = "batch"
	CfTx    = "tx"
)

// Record describes one committed batch.
type Record struct {
	Seq         uint64                `json:"seq"`
	BatchID     string                `json:"batch_id"`
	Root        string                `json:"root"`
	TxIDs       []string              `json:"tx_ids"`
	Statuses    map[string]txn.Status `json:"statuses"`
	SerialOrder []string              `json:"serial_order"`
	Serial      bool                  `json:"serial"`
	ProofText   string                `json:"proof_text"`
	Latency     time.Duration         `json:"latency"`
	CommittedAt time.Time             `json:"committed_at"`
}

// ErrNotFound is returned for a sequence or transaction the journal has no record of.
var ErrNotFound = errors.New("journal: record not found")

type Journal struct {
	db   *badger.DB
	path string
}

// Open opens the journal at path. An empty path keeps the journal in memory.
func Open(path string) (*Journal, error) {
	db, err := engine_util.CreateDB(path, false)
	if err != nil {
		return nil, errors.Annotatef(err, "open journal %q", path)
	}
	return &Journal{db: db, path: path}, nil
}

func seqKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}

// Put stores r and indexes its transactions.
func (j *Journal) Put(r *Record) error {
	val, err := json.Marshal(r)
	if err != nil {
		return errors.WithStack(err)
	}
	wb := new(engine_util.WriteBatch)
	wb.SetCF(CfBatch, seqKey(r.Seq), val)
	for _, id := range r.TxIDs {
		wb.SetCF(CfTx, []byte(id), seqKey(r.Seq))
	}
	return wb.WriteToDB(j.db)
}

func (j *Journal) Get(seq uint64) (*Record, error) {
	val, err := engine_util.GetCF(j.db, CfBatch, seqKey(seq))
	if err != nil {
		if engine_util.IsNotFound(err) {
			return nil, errors.Annotatef(ErrNotFound, "seq %d", seq)
		}
		return nil, errors.WithStack(err)
	}
	r := new(Record)
	if err := json.Unmarshal(val, r); err != nil {
		return nil, errors.WithStack(err)
	}
	return r, nil
}

// Lookup returns the record of the batch that committed transaction id.
func (j *Journal) Lookup(id string) (*Record, error) {
	val, err := engine_util.GetCF(j.db, CfTx, []byte(id))
	if err != nil {
		if engine_util.IsNotFound(err) {
			return nil, errors.Annotatef(ErrNotFound, "transaction %s", id)
		}
		return nil, errors.WithStack(err)
	}
	if len(val) != 8 {
		return nil, errors.Errorf("journal: bad index entry for %s", id)
	}
	return j.Get(binary.BigEndian.Uint64(val))
}

// Scan returns up to limit records with sequence >= from, in sequence order. A limit <= 0 means no limit.
func (j *Journal) Scan(from uint64, limit int) ([]*Record, error) {
	var out []*Record
	err := j.db.View(func(txn *badger.Txn) error {
		it := engine_util.NewCFIterator(CfBatch, txn)
		defer it.Close()
		for it.Seek(seqKey(from)); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			r := new(Record)
			if err := json.Unmarshal(val, r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, errors.WithStack(err)
}

// Truncate drops every record with sequence < before.
func (j *Journal) Truncate(before uint64) error {
	end := seqKey(before)
	wb := new(engine_util.WriteBatch)
	err := j.db.View(func(txn *badger.Txn) error {
		it := engine_util.NewCFIterator(CfBatch, txn)
		defer it.Close()
		for it.Seek(seqKey(0)); it.Valid(); it.Next() {
			item := it.Item()
			if engine_util.ExceedEndKey(item.Key(), end) {
				break
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			r := new(Record)
			if err := json.Unmarshal(val, r); err != nil {
				return err
			}
			for _, id := range r.TxIDs {
				// The id may have been committed again by a batch that is kept.
				indexed, err := engine_util.GetCFFromTxn(txn, CfTx, []byte(id))
				if err != nil && !engine_util.IsNotFound(err) {
					return err
				}
				if bytes.Equal(indexed, item.Key()) {
					wb.DeleteCF(CfTx, []byte(id))
				}
			}
		}
		return nil
	})
	if err != nil {
		return errors.WithStack(err)
	}
	if err := wb.WriteToDB(j.db); err != nil {
		return err
	}
	return engine_util.DeleteRange(j.db, seqKey(0), end, CfBatch)
}

func (j *Journal) Close() error {
	return errors.WithStack(j.db.Close())
}
