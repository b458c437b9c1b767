// Package commit persists ledger state atomically.
//
// The data directory holds two files: a write-ahead log (ledger.wal) and exactly one state snapshot (state.snap).
// A batch is committed by walking a fixed sequence of states:
//
//	IDLE -> WAL_APPEND -> WAL_FSYNC -> STATE_WRITE_TEMP -> STATE_FSYNC -> ATOMIC_RENAME -> MARK_COMMITTED
//
// The batch's effects and the Merkle root they lead to are logged and synced first. The full new snapshot is then
// written to a temporary file, synced and renamed over the old one, and finally a commit marker for the batch is
// appended to the log. A snapshot is only ever replaced by rename, so the file on disk is always a complete
// snapshot: either the one before the batch or the one after it.
//
// Open recovers from any crash along the way. A batch without a commit marker is discarded unless its snapshot was
// already renamed into place, in which case the marker is written then. Anything recovery cannot explain is an
// IntegrityFault and the store does not start.
//
// A commit that fails without crashing is reported as failed, so it must not survive a restart either. When the
// failure happens after the rename, Commit puts the previous snapshot back and checkpoints the log at the previous
// batch before returning. If that restore fails too, the DurabilityFault is marked Indeterminate.
package commit

import (
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/btree"
	"github.com/pingcap-incubator/tinyledger/kv/storage/wal"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/pingcap-incubator/tinyledger/kv/util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	WALFile      = "ledger.wal"
	SnapshotFile = "state.snap"
)

// Hook is called on entry to every commit state, before the state's work is done. A non-nil error aborts the
// commit.
type Hook func(State) error

type Options struct {
	Dir string
	// FS defaults to util.OSFileSystem.
	FS util.FileSystem
	// Genesis funds accounts when a new ledger is created. Every funded account starts at version 1.
	Genesis map[string]decimal.Decimal
	// GCThreshold is the log size in bytes above which the log is compacted into a checkpoint. Zero disables it.
	GCThreshold uint64
	Hook        Hook
}

// Info describes a committed batch.
type Info struct {
	Seq  uint64
	Root []byte
}

type batchPayload struct {
	PrevRoot string             `json:"prev_root"`
	Root     string             `json:"root"`
	TxIDs    []string           `json:"tx_ids"`
	Writes   []txn.AccountState `json:"writes"`
}

type rootPayload struct {
	Root string `json:"root"`
}

// Store is the durable account state. Reads may run concurrently; Commit is exclusive.
type Store struct {
	opts     Options
	fs       util.FileSystem
	wal      *wal.Log
	snapPath string

	mu       sync.RWMutex
	accounts *btree.BTreeG[txn.AccountState]
	seq      uint64
	root     []byte
	// poisoned is set once a commit failed midway; the store refuses further commits until reopened.
	poisoned error
	gcRuns   int
}

func lessAccount(a, b txn.AccountState) bool {
	return a.AccountID < b.AccountID
}

func newAccountTree() *btree.BTreeG[txn.AccountState] {
	return btree.NewG[txn.AccountState](32, lessAccount)
}

func (s *Store) Dir() string {
	return s.opts.Dir
}

func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

func (s *Store) Root() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.root...)
}

// GCRuns is the number of log compactions since Open.
func (s *Store) GCRuns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gcRuns
}

// Get returns the committed state of acct. An unknown account has a zero balance and version 0.
func (s *Store) Get(acct string) txn.AccountState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(acct)
}

func (s *Store) get(acct string) txn.AccountState {
	if st, ok := s.accounts.Get(txn.AccountState{AccountID: acct}); ok {
		return st
	}
	return txn.AccountState{AccountID: acct, Balance: decimal.Zero}
}

// Snapshot returns the committed state of every account in accounts, read atomically.
func (s *Store) Snapshot(accounts []string) map[string]txn.AccountState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]txn.AccountState, len(accounts))
	for _, acct := range accounts {
		out[acct] = s.get(acct)
	}
	return out
}

// Accounts returns every stored account sorted by id.
func (s *Store) Accounts() []txn.AccountState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ascend(s.accounts)
}

func ascend(tree *btree.BTreeG[txn.AccountState]) []txn.AccountState {
	out := make([]txn.AccountState, 0, tree.Len())
	tree.Ascend(func(st txn.AccountState) bool {
		out = append(out, st)
		return true
	})
	return out
}

// Prove returns a Merkle inclusion proof for acct against the current root.
func (s *Store) Prove(acct string) (*AccountProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.accounts.Get(txn.AccountState{AccountID: acct})
	if !ok {
		return nil, errors.Errorf("account %s does not exist", acct)
	}
	tree, err := merkleTree(ascend(s.accounts))
	if err != nil {
		return nil, err
	}
	proof, err := tree.Prove([]byte(acct))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &AccountProof{Account: st, Root: tree.Root(), Proof: proof}, nil
}

func (s *Store) enter(state State) error {
	if s.opts.Hook == nil {
		return nil
	}
	return s.opts.Hook(state)
}

// Commit durably applies writes, the post-batch states of every account the batch wrote. batchID and txIDs are
// recorded in the log. On error nothing is visible in memory, and the store must be reopened before it accepts
// another commit.
func (s *Store) Commit(batchID string, txIDs []string, writes []txn.AccountState) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned != nil {
		return nil, &DurabilityFault{State: StateIdle, Cause: errors.Annotate(s.poisoned, "store needs recovery")}
	}

	next := s.accounts.Clone()
	for _, st := range writes {
		if st.AccountID == "" {
			return nil, errors.New("commit of an account without id")
		}
		next.ReplaceOrInsert(st)
	}
	accounts := ascend(next)
	root, err := MerkleRoot(accounts)
	if err != nil {
		return nil, err
	}
	seq := s.seq + 1

	payload, err := json.Marshal(&batchPayload{PrevRoot: rootHex(s.root), Root: rootHex(root), TxIDs: txIDs, Writes: writes})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	snap, err := encodeSnapshot(&snapshot{Seq: seq, Root: rootHex(root), Accounts: accounts})
	if err != nil {
		return nil, err
	}
	marker, err := json.Marshal(&rootPayload{Root: rootHex(root)})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	prevSnap, err := encodeSnapshot(&snapshot{Seq: s.seq, Root: rootHex(s.root), Accounts: ascend(s.accounts)})
	if err != nil {
		return nil, err
	}
	tmp := util.TempPath(s.snapPath)
	renamed := false

	steps := []struct {
		state State
		run   func() error
	}{
		{StateWALAppend, func() error {
			return s.wal.Append(&wal.Entry{Seq: seq, Type: wal.EntryBatch, TxID: batchID, Data: payload})
		}},
		{StateWALFsync, s.wal.Sync},
		{StateWriteTemp, func() error { return s.fs.WriteFile(tmp, snap) }},
		{StateFsync, func() error { return s.fs.Fsync(tmp) }},
		{StateAtomicRename, func() error {
			if err := s.fs.Rename(tmp, s.snapPath); err != nil {
				return err
			}
			renamed = true
			return s.fs.Fsync(filepath.Dir(s.snapPath))
		}},
		{StateMarkCommitted, func() error {
			if err := s.wal.Append(&wal.Entry{Seq: seq, Type: wal.EntryCommit, TxID: batchID, Data: marker}); err != nil {
				return err
			}
			return s.wal.Sync()
		}},
	}
	for _, step := range steps {
		err := s.enter(step.state)
		if err == nil {
			err = step.run()
		}
		if err != nil {
			fault := &DurabilityFault{State: step.state, Cause: err}
			if renamed {
				if rerr := s.restore(prevSnap); rerr != nil {
					fault.Indeterminate = true
					log.Error("restoring pre-batch snapshot failed, batch outcome is indeterminate",
						zap.Uint64("seq", seq), zap.Error(rerr))
				}
			}
			s.poisoned = err
			log.Error("commit failed, store needs recovery",
				zap.Uint64("seq", seq), zap.Stringer("state", step.state), zap.Error(err))
			return nil, fault
		}
	}

	s.accounts = next
	s.seq = seq
	s.root = root
	log.Info("batch committed",
		zap.Uint64("seq", seq), zap.String("batch", batchID), zap.Int("writes", len(writes)), zap.String("root", rootHex(root)))

	s.maybeGC()
	return &Info{Seq: seq, Root: append([]byte(nil), root...)}, nil
}

// maybeGC compacts the log into a checkpoint of the current snapshot once it outgrows the threshold. The snapshot
// already holds everything the log describes, so the old entries carry no information. Failure is harmless: the
// old log is still intact.
func (s *Store) maybeGC() {
	if s.opts.GCThreshold == 0 {
		return
	}
	size, err := s.wal.Size()
	if err != nil || size <= s.opts.GCThreshold {
		return
	}
	if err := s.checkpoint(); err != nil {
		log.Warn("wal gc failed", zap.Error(err))
		return
	}
	s.gcRuns++
	log.Info("wal compacted", zap.Uint64("seq", s.seq), zap.Uint64("old-size", size))
}

// restore undoes a renamed snapshot. The log is checkpointed at the current batch so that neither the pending
// batch nor a commit marker that may have reached it survives.
func (s *Store) restore(prevSnap []byte) error {
	if err := util.AtomicWrite(s.fs, s.snapPath, prevSnap); err != nil {
		return err
	}
	return s.checkpoint()
}

func (s *Store) checkpoint() error {
	data, err := json.Marshal(&rootPayload{Root: rootHex(s.root)})
	if err != nil {
		return errors.WithStack(err)
	}
	return s.wal.Reset(&wal.Entry{Seq: s.seq, Type: wal.EntryCheckpoint, Data: data})
}

// Close releases the store. Nothing is buffered, so it never loses data.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poisoned = errors.New("store closed")
	return nil
}
