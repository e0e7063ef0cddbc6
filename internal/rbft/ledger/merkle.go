// Package ledger implements the append-only transaction log and its
// Merkle commitment. The tree is a Compact Merkle Tree in the RFC 6962
// style: leaf hashes are domain-separated with a 0x00 prefix, internal
// nodes with 0x01, and every append yields an O(log n) audit path from
// the new leaf to the root.
package ledger

import "crypto/sha256"

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

func leafHash(data []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	return h.Sum(nil)
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// CompactMerkleTree is an append-only Merkle tree that holds no hashes of
// its own beyond its leaf count: roots and inclusion proofs are recomputed
// from the leaf hashes in its HashStore on demand.
type CompactMerkleTree struct {
	store HashStore
	size  uint64
}

// NewCompactMerkleTree wraps store, which already holds size leaves'
// worth of history (0 for a fresh ledger).
func NewCompactMerkleTree(store HashStore) (*CompactMerkleTree, error) {
	n, err := store.LeafCount()
	if err != nil {
		return nil, err
	}
	return &CompactMerkleTree{store: store, size: n}, nil
}

// Size returns the number of leaves appended so far.
func (t *CompactMerkleTree) Size() uint64 { return t.size }

// Append adds a new leaf (the canonical bytes of a ledger record) and
// returns its 1-based position, the audit path proving its inclusion, and
// the new root hash over all leaves including this one.
func (t *CompactMerkleTree) Append(data []byte) (pos uint64, auditPath [][]byte, root []byte, err error) {
	lh := leafHash(data)
	if err := t.store.AppendLeaf(lh); err != nil {
		return 0, nil, nil, err
	}
	t.size++
	pos = t.size

	root, err = t.computeRoot(t.size)
	if err != nil {
		return 0, nil, nil, err
	}
	auditPath, err = t.auditPath(pos-1, t.size)
	if err != nil {
		return 0, nil, nil, err
	}
	return pos, auditPath, root, nil
}

// Root returns the current root hash over all leaves appended so far.
func (t *CompactMerkleTree) Root() ([]byte, error) {
	return t.computeRoot(t.size)
}

// leafAt returns the hash of the leaf at 0-based index i.
func (t *CompactMerkleTree) leafAt(i uint64) ([]byte, error) {
	return t.store.LeafHash(i)
}

// subtreeHash computes the RFC 6962 hash of the subtree covering leaves
// [start, start+size), recursing by splitting at the largest power of two
// strictly less than size.
func (t *CompactMerkleTree) subtreeHash(start, size uint64) ([]byte, error) {
	if size == 1 {
		return t.leafAt(start)
	}
	k := largestPowerOfTwoLessThan(size)
	left, err := t.subtreeHash(start, k)
	if err != nil {
		return nil, err
	}
	right, err := t.subtreeHash(start+k, size-k)
	if err != nil {
		return nil, err
	}
	return nodeHash(left, right), nil
}

func (t *CompactMerkleTree) computeRoot(size uint64) ([]byte, error) {
	if size == 0 {
		return sha256Empty(), nil
	}
	return t.subtreeHash(0, size)
}

// sha256Empty is the RFC 6962 empty-tree root: SHA-256 of the empty string.
func sha256Empty() []byte {
	h := sha256.Sum256(nil)
	return h[:]
}

// auditPath computes the RFC 6962 audit path proving leaf index leaf is
// included in the tree of the first size leaves.
func (t *CompactMerkleTree) auditPath(leaf, size uint64) ([][]byte, error) {
	return t.pathRec(leaf, 0, size)
}

func (t *CompactMerkleTree) pathRec(leaf, start, size uint64) ([][]byte, error) {
	if size == 1 {
		return nil, nil
	}
	k := largestPowerOfTwoLessThan(size)
	if leaf-start < k {
		sub, err := t.pathRec(leaf, start, k)
		if err != nil {
			return nil, err
		}
		rightHash, err := t.subtreeHash(start+k, size-k)
		if err != nil {
			return nil, err
		}
		return append(sub, rightHash), nil
	}
	sub, err := t.pathRec(leaf, start+k, size-k)
	if err != nil {
		return nil, err
	}
	leftHash, err := t.subtreeHash(start, k)
	if err != nil {
		return nil, err
	}
	return append(sub, leftHash), nil
}

// largestPowerOfTwoLessThan returns the largest power of two strictly less
// than n, for n > 1.
func largestPowerOfTwoLessThan(n uint64) uint64 {
	k := uint64(1)
	for k<<1 < n {
		k <<= 1
	}
	return k
}

// VerifyAuditPath recomputes the root from leafData, its 1-based position
// pos, the total tree size, and an audit path, returning true iff the
// recomputed root matches want. This is the counterpart a client uses to
// check a Reply's merkle proof against a previously trusted root.
func VerifyAuditPath(leafData []byte, pos, size uint64, auditPath [][]byte, want []byte) bool {
	if pos == 0 || pos > size {
		return false
	}
	got, ok := recomputeRoot(leafHash(leafData), pos-1, size, auditPath)
	if !ok {
		return false
	}
	return bytesEqual(got, want)
}

func recomputeRoot(leaf []byte, index, size uint64, path [][]byte) ([]byte, bool) {
	return verifyRec(leaf, index, 0, size, path)
}

func verifyRec(leaf []byte, leafIdx, start, size uint64, path [][]byte) ([]byte, bool) {
	if size == 1 {
		return leaf, len(path) == 0
	}
	k := largestPowerOfTwoLessThan(size)
	if len(path) == 0 {
		return nil, false
	}
	sibling := path[len(path)-1]
	rest := path[:len(path)-1]
	if leafIdx-start < k {
		sub, ok := verifyRec(leaf, leafIdx, start, k, rest)
		if !ok {
			return nil, false
		}
		return nodeHash(sub, sibling), true
	}
	sub, ok := verifyRec(leaf, leafIdx, start+k, size-k, rest)
	if !ok {
		return nil, false
	}
	return nodeHash(sibling, sub), true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
