// Package wal is the write-ahead log of the ledger.
//
// The log is a single append-only file of records:
//
//	| length uint32 | crc32 (IEEE) of body uint32 | body |
//
// where body is the JSON encoding of an Entry. A record cut short by a crash at the end of the file (a torn tail)
// is reported and ignored; a damaged record followed by further data is corruption and fails the read.
package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/goccy/go-json"
	"github.com/pingcap-incubator/tinyledger/kv/util"
	"github.com/pingcap/errors"
)

const headerSize = 8

// maxRecordSize bounds the length field so that a corrupted header cannot request an absurd allocation.
const maxRecordSize = 1 << 30

// EntryType is the kind of a log entry.
type EntryType string

const (
	// EntryCheckpoint starts a log: it names the snapshot the log applies on top of.
	EntryCheckpoint EntryType = "checkpoint"
	// EntryBatch carries the effects of one batch before they are applied to the snapshot.
	EntryBatch EntryType = "batch"
	// EntryCommit marks the batch with the same sequence number as durably applied.
	EntryCommit EntryType = "commit"
)

type Entry struct {
	Seq  uint64    `json:"seq"`
	Type EntryType `json:"type"`
	// TxID identifies what the entry is about; for a batch entry it is the batch digest.
	TxID string `json:"tx_id,omitempty"`
	Data []byte `json:"data,omitempty"`
	// Checksum is filled in when the entry is read back.
	Checksum uint32 `json:"-"`
}

// ErrCorrupt is returned when a record in the middle of the log fails its checksum or cannot be decoded.
var ErrCorrupt = errors.New("wal: corrupted record")

// Log is a write-ahead log file. It is not safe for concurrent use; the commit layer serializes access.
type Log struct {
	fs   util.FileSystem
	path string
}

func Open(fs util.FileSystem, path string) *Log {
	return &Log{fs: fs, path: path}
}

func (l *Log) Path() string {
	return l.path
}

func (l *Log) Exists() bool {
	return l.fs.Exists(l.path)
}

// Encode serializes entries into log records.
func Encode(entries ...*Entry) ([]byte, error) {
	var buf []byte
	for _, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		var header [headerSize]byte
		binary.LittleEndian.PutUint32(header[0:4], uint32(len(body)))
		binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(body))
		buf = append(buf, header[:]...)
		buf = append(buf, body...)
	}
	return buf, nil
}

// Append writes entries at the end of the log. The data is not durable until Sync.
func (l *Log) Append(entries ...*Entry) error {
	data, err := Encode(entries...)
	if err != nil {
		return err
	}
	return l.fs.AppendFile(l.path, data)
}

func (l *Log) Sync() error {
	return l.fs.Fsync(l.path)
}

// Reset atomically replaces the whole log with entries.
func (l *Log) Reset(entries ...*Entry) error {
	data, err := Encode(entries...)
	if err != nil {
		return err
	}
	return util.AtomicWrite(l.fs, l.path, data)
}

func (l *Log) Size() (uint64, error) {
	return l.fs.Size(l.path)
}

// ReadResult is the content of a log.
type ReadResult struct {
	Entries []*Entry
	// TornBytes is the length of an incomplete or damaged final record that was ignored.
	TornBytes int
}

// ReadAll decodes every record of the log.
func (l *Log) ReadAll() (*ReadResult, error) {
	data, err := l.fs.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses log records. A bad record is tolerated only if nothing follows it.
func Decode(data []byte) (*ReadResult, error) {
	res := &ReadResult{}
	for off := 0; off < len(data); {
		rest := len(data) - off
		if rest < headerSize {
			res.TornBytes = rest
			return res, nil
		}
		length := int(binary.LittleEndian.Uint32(data[off : off+4]))
		sum := binary.LittleEndian.Uint32(data[off+4 : off+8])
		if length > maxRecordSize || headerSize+length > rest {
			if length > maxRecordSize {
				return nil, errors.Annotatef(ErrCorrupt, "record at offset %d claims %d bytes", off, length)
			}
			res.TornBytes = rest
			return res, nil
		}
		body := data[off+headerSize : off+headerSize+length]
		next := off + headerSize + length
		if crc32.ChecksumIEEE(body) != sum {
			if next == len(data) {
				res.TornBytes = rest
				return res, nil
			}
			return nil, errors.Annotatef(ErrCorrupt, "invalid checksum at offset %d", off)
		}
		e := new(Entry)
		if err := json.Unmarshal(body, e); err != nil {
			return nil, errors.Annotatef(ErrCorrupt, "undecodable record at offset %d: %v", off, err)
		}
		e.Checksum = sum
		res.Entries = append(res.Entries, e)
		off = next
	}
	return res, nil
}
