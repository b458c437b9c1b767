package commit

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
	"github.com/pingcap-incubator/tinyledger/kv/storage/wal"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/pingcap-incubator/tinyledger/kv/util"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Open opens the ledger in opts.Dir, creating it if the directory holds neither a log nor a snapshot, and
// recovers from any interrupted commit. It returns an *IntegrityFault if the persisted state cannot be verified.
func Open(opts Options) (*Store, error) {
	if opts.FS == nil {
		opts.FS = util.OSFileSystem{}
	}
	if err := opts.FS.MkdirAll(opts.Dir); err != nil {
		return nil, err
	}
	s := &Store{
		opts:     opts,
		fs:       opts.FS,
		wal:      wal.Open(opts.FS, filepath.Join(opts.Dir, WALFile)),
		snapPath: filepath.Join(opts.Dir, SnapshotFile),
		accounts: newAccountTree(),
	}

	tmp := util.TempPath(s.snapPath)
	if s.fs.Exists(tmp) {
		log.Warn("removing stale snapshot temp file", zap.String("path", tmp))
		if err := s.fs.Remove(tmp); err != nil {
			return nil, err
		}
	}

	snapExists, walExists := s.fs.Exists(s.snapPath), s.wal.Exists()
	switch {
	case !snapExists && !walExists:
		if err := s.genesis(); err != nil {
			return nil, err
		}
		return s, nil
	case !snapExists:
		return nil, &IntegrityFault{Reason: "snapshot missing", Path: s.snapPath}
	case !walExists:
		return nil, &IntegrityFault{Reason: "write-ahead log missing", Path: s.wal.Path()}
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) genesis() error {
	ids := make([]string, 0, len(s.opts.Genesis))
	for acct := range s.opts.Genesis {
		ids = append(ids, acct)
	}
	sort.Strings(ids)
	accounts := make([]txn.AccountState, 0, len(ids))
	for _, acct := range ids {
		st := txn.AccountState{AccountID: acct, Balance: s.opts.Genesis[acct], Version: 1}
		accounts = append(accounts, st)
		s.accounts.ReplaceOrInsert(st)
	}
	root, err := MerkleRoot(accounts)
	if err != nil {
		return err
	}
	s.root = root
	s.seq = 0

	data, err := encodeSnapshot(&snapshot{Seq: 0, Root: rootHex(root), Accounts: accounts})
	if err != nil {
		return err
	}
	if err := util.AtomicWrite(s.fs, s.snapPath, data); err != nil {
		return err
	}
	if err := s.checkpoint(); err != nil {
		return err
	}
	log.Info("created ledger", zap.String("dir", s.opts.Dir), zap.Int("accounts", len(accounts)), zap.String("root", rootHex(root)))
	return nil
}

// recover loads the snapshot, replays the log's root chain and reconciles the two.
func (s *Store) recover() error {
	data, err := s.fs.ReadFile(s.snapPath)
	if err != nil {
		return &IntegrityFault{Reason: "snapshot unreadable: " + err.Error(), Path: s.snapPath}
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		return &IntegrityFault{Reason: "snapshot unparsable: " + err.Error(), Path: s.snapPath}
	}
	computed, err := MerkleRoot(snap.Accounts)
	if err != nil {
		return &IntegrityFault{Reason: "cannot rebuild merkle tree: " + err.Error(), Path: s.snapPath}
	}
	if rootHex(computed) != snap.Root {
		return &IntegrityFault{Reason: "snapshot merkle root mismatch", Path: s.snapPath, Expected: snap.Root, Actual: rootHex(computed)}
	}

	read, err := s.wal.ReadAll()
	if err != nil {
		return &IntegrityFault{Reason: "write-ahead log unreadable: " + err.Error(), Path: s.wal.Path()}
	}
	chain, err := s.replay(read.Entries)
	if err != nil {
		return err
	}

	compact := read.TornBytes > 0 || len(chain.discarded) > 0
	switch {
	case snap.Seq == chain.seq:
		if snap.Root != chain.root {
			return &IntegrityFault{Reason: "snapshot does not match last committed batch", Path: s.snapPath,
				Expected: chain.root, Actual: snap.Root}
		}
	case snap.Seq == chain.seq+1:
		pending, ok := chain.pending[snap.Seq]
		if !ok || pending.Root != snap.Root || pending.PrevRoot != chain.root {
			return &IntegrityFault{Reason: fmt.Sprintf("snapshot %d has no matching logged batch", snap.Seq),
				Path: s.snapPath, Expected: chain.root, Actual: snap.Root}
		}
		// The snapshot was renamed into place but the commit marker never made it to the log.
		log.Warn("rolling forward batch without commit marker", zap.Uint64("seq", snap.Seq))
		delete(chain.pending, snap.Seq)
		chain.discarded = chain.discarded[:0]
		for seq := range chain.pending {
			chain.discarded = append(chain.discarded, seq)
		}
		chain.seq, chain.root = snap.Seq, snap.Root
		compact = true
	default:
		return &IntegrityFault{Reason: fmt.Sprintf("snapshot sequence %d does not follow committed sequence %d", snap.Seq, chain.seq),
			Path: s.snapPath}
	}

	for _, st := range snap.Accounts {
		s.accounts.ReplaceOrInsert(st)
	}
	s.seq = snap.Seq
	s.root, _ = hex.DecodeString(snap.Root)
	if !bytes.Equal(s.root, computed) {
		return &IntegrityFault{Reason: "snapshot root is not valid hex", Path: s.snapPath}
	}

	if len(chain.discarded) > 0 {
		log.Warn("discarded uncommitted batches", zap.Uint64s("seqs", chain.discarded))
	}
	if compact {
		if err := s.checkpoint(); err != nil {
			return err
		}
	}
	log.Info("ledger recovered",
		zap.Uint64("seq", s.seq), zap.Int("accounts", s.accounts.Len()), zap.String("root", snap.Root),
		zap.Int("torn-bytes", read.TornBytes))
	return nil
}

type replayed struct {
	seq       uint64
	root      string
	pending   map[uint64]*batchPayload
	discarded []uint64
}

// replay walks the log from its checkpoint and verifies that every committed batch continues the root chain.
func (s *Store) replay(entries []*wal.Entry) (*replayed, error) {
	fault := func(reason string) error {
		return &IntegrityFault{Reason: reason, Path: s.wal.Path()}
	}
	if len(entries) == 0 || entries[0].Type != wal.EntryCheckpoint {
		return nil, fault("write-ahead log does not start with a checkpoint")
	}
	var cp rootPayload
	if err := json.Unmarshal(entries[0].Data, &cp); err != nil {
		return nil, fault("checkpoint unparsable: " + err.Error())
	}
	r := &replayed{seq: entries[0].Seq, root: cp.Root, pending: make(map[uint64]*batchPayload)}

	for _, e := range entries[1:] {
		switch e.Type {
		case wal.EntryBatch:
			if e.Seq != r.seq+1 {
				return nil, fault(fmt.Sprintf("batch %d logged after committed batch %d", e.Seq, r.seq))
			}
			p := new(batchPayload)
			if err := json.Unmarshal(e.Data, p); err != nil {
				return nil, fault(fmt.Sprintf("batch %d unparsable: %v", e.Seq, err))
			}
			if p.PrevRoot != r.root {
				return nil, &IntegrityFault{Reason: fmt.Sprintf("batch %d breaks the root chain", e.Seq),
					Path: s.wal.Path(), Expected: r.root, Actual: p.PrevRoot}
			}
			r.pending[e.Seq] = p
		case wal.EntryCommit:
			p, ok := r.pending[e.Seq]
			if !ok || e.Seq != r.seq+1 {
				return nil, fault(fmt.Sprintf("commit marker %d without a logged batch", e.Seq))
			}
			var marker rootPayload
			if err := json.Unmarshal(e.Data, &marker); err != nil || marker.Root != p.Root {
				return nil, &IntegrityFault{Reason: fmt.Sprintf("commit marker %d does not match its batch", e.Seq),
					Path: s.wal.Path(), Expected: p.Root, Actual: marker.Root}
			}
			delete(r.pending, e.Seq)
			r.seq, r.root = e.Seq, p.Root
		default:
			return nil, fault(fmt.Sprintf("unexpected %s entry at sequence %d", e.Type, e.Seq))
		}
	}
	for seq := range r.pending {
		r.discarded = append(r.discarded, seq)
	}
	sort.Slice(r.discarded, func(i, j int) bool { return r.discarded[i] < r.discarded[j] })
	return r, nil
}
