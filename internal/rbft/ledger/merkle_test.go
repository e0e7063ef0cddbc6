package ledger

import (
	"crypto/sha256"
	"fmt"
	"testing"
)

// refRoot computes the RFC 6962 root over leaves directly, the slow
// recursive way, as an independent oracle for the incremental tree.
func refRoot(leaves [][]byte) []byte {
	n := uint64(len(leaves))
	if n == 0 {
		sum := sha256.Sum256(nil)
		return sum[:]
	}
	var rec func(start, size uint64) []byte
	rec = func(start, size uint64) []byte {
		if size == 1 {
			return leafHash(leaves[start])
		}
		k := largestPowerOfTwoLessThan(size)
		return nodeHash(rec(start, k), rec(start+k, size-k))
	}
	return rec(0, n)
}

func leafData(i int) []byte {
	return []byte(fmt.Sprintf("record-%d", i))
}

func TestEmptyTreeRoot(t *testing.T) {
	tree, err := NewCompactMerkleTree(NewMemoryHashStore())
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.Root()
	if err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256(nil)
	if !bytesEqual(root, want[:]) {
		t.Fatalf("empty root = %x, want %x", root, want)
	}
}

func TestRootMatchesReferenceAtEverySize(t *testing.T) {
	tree, _ := NewCompactMerkleTree(NewMemoryHashStore())
	var leaves [][]byte
	for i := 1; i <= 17; i++ {
		data := leafData(i)
		leaves = append(leaves, data)
		pos, _, root, err := tree.Append(data)
		if err != nil {
			t.Fatal(err)
		}
		if pos != uint64(i) {
			t.Fatalf("append %d returned position %d", i, pos)
		}
		if want := refRoot(leaves); !bytesEqual(root, want) {
			t.Fatalf("root after %d appends diverges from reference", i)
		}
	}
}

func TestAuditPathVerifiesAtAppendTime(t *testing.T) {
	tree, _ := NewCompactMerkleTree(NewMemoryHashStore())
	for i := 1; i <= 10; i++ {
		data := leafData(i)
		pos, path, root, err := tree.Append(data)
		if err != nil {
			t.Fatal(err)
		}
		if !VerifyAuditPath(data, pos, uint64(i), path, root) {
			t.Fatalf("append-time proof for leaf %d failed to verify", i)
		}
	}
}

func TestAuditPathForOldLeafAgainstLaterRoot(t *testing.T) {
	// Append R1..R10; the path for R7 computed at size 10 must verify
	// against the root after the 10th append.
	tree, _ := NewCompactMerkleTree(NewMemoryHashStore())
	for i := 1; i <= 10; i++ {
		if _, _, _, err := tree.Append(leafData(i)); err != nil {
			t.Fatal(err)
		}
	}
	root, err := tree.Root()
	if err != nil {
		t.Fatal(err)
	}
	path, err := tree.auditPath(6, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyAuditPath(leafData(7), 7, 10, path, root) {
		t.Fatal("proof for R7 does not verify against the size-10 root")
	}
}

func TestVerifyRejectsWrongLeaf(t *testing.T) {
	tree, _ := NewCompactMerkleTree(NewMemoryHashStore())
	var lastPath [][]byte
	var lastRoot []byte
	for i := 1; i <= 4; i++ {
		_, path, root, err := tree.Append(leafData(i))
		if err != nil {
			t.Fatal(err)
		}
		lastPath, lastRoot = path, root
	}
	if VerifyAuditPath([]byte("forged"), 4, 4, lastPath, lastRoot) {
		t.Fatal("forged leaf verified")
	}
	if VerifyAuditPath(leafData(4), 3, 4, lastPath, lastRoot) {
		t.Fatal("wrong position verified")
	}
	if VerifyAuditPath(leafData(4), 0, 4, lastPath, lastRoot) {
		t.Fatal("position 0 is out of range")
	}
}

func TestLargestPowerOfTwoLessThan(t *testing.T) {
	tests := []struct{ n, want uint64 }{
		{2, 1}, {3, 2}, {4, 2}, {5, 4}, {8, 4}, {9, 8}, {1024, 512}, {1025, 1024},
	}
	for _, tt := range tests {
		if got := largestPowerOfTwoLessThan(tt.n); got != tt.want {
			t.Errorf("largestPowerOfTwoLessThan(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}
