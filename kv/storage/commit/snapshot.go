package commit

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash/crc32"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/pingcap/errors"
	"github.com/providenetwork/smt"
)

const snapshotMagic = "TLSNAP01"

// snapshot is the persisted account state. Accounts are sorted by id.
type snapshot struct {
	Seq      uint64             `json:"seq"`
	Root     string             `json:"root"`
	Accounts []txn.AccountState `json:"accounts"`
}

// encodeSnapshot lays the snapshot out as magic | crc32 of body | JSON body.
func encodeSnapshot(s *snapshot) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	buf := make([]byte, 0, len(snapshotMagic)+4+len(body))
	buf = append(buf, snapshotMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(body))
	return append(buf, body...), nil
}

func decodeSnapshot(data []byte) (*snapshot, error) {
	if len(data) < len(snapshotMagic)+4 || !bytes.Equal(data[:len(snapshotMagic)], []byte(snapshotMagic)) {
		return nil, errors.New("bad snapshot header")
	}
	sum := binary.LittleEndian.Uint32(data[len(snapshotMagic):])
	body := data[len(snapshotMagic)+4:]
	if got := crc32.ChecksumIEEE(body); got != sum {
		return nil, errors.Errorf("invalid checksum, expected %d, got %d", sum, got)
	}
	s := new(snapshot)
	if err := json.Unmarshal(body, s); err != nil {
		return nil, errors.WithStack(err)
	}
	for i := 1; i < len(s.Accounts); i++ {
		if s.Accounts[i-1].AccountID >= s.Accounts[i].AccountID {
			return nil, errors.Errorf("accounts out of order at %s", s.Accounts[i].AccountID)
		}
	}
	return s, nil
}

// leafValue is what the Merkle tree stores for an account.
func leafValue(st txn.AccountState) []byte {
	return []byte(st.Balance.String() + "|" + strconv.FormatUint(st.Version, 10))
}

func newTree() *smt.SparseMerkleTree {
	return smt.NewSparseMerkleTree(smt.NewSimpleMap(), smt.NewSimpleMap(), sha256.New())
}

// merkleTree builds the sparse Merkle tree of accounts, keyed by account id.
func merkleTree(accounts []txn.AccountState) (*smt.SparseMerkleTree, error) {
	tree := newTree()
	for _, st := range accounts {
		if _, err := tree.Update([]byte(st.AccountID), leafValue(st)); err != nil {
			return nil, errors.Annotatef(err, "merkle update %s", st.AccountID)
		}
	}
	return tree, nil
}

// MerkleRoot computes the root of accounts. The empty ledger has the tree's placeholder root.
func MerkleRoot(accounts []txn.AccountState) ([]byte, error) {
	tree, err := merkleTree(accounts)
	if err != nil {
		return nil, err
	}
	return tree.Root(), nil
}

func rootHex(root []byte) string {
	return hex.EncodeToString(root)
}

// AccountProof shows that an account state is part of the ledger with a given root.
type AccountProof struct {
	Account txn.AccountState
	Root    []byte
	Proof   smt.SparseMerkleProof
}

// VerifyAccount checks p against root.
func VerifyAccount(p *AccountProof, root []byte) bool {
	return smt.VerifyProof(p.Proof, root, []byte(p.Account.AccountID), leafValue(p.Account), sha256.New())
}
