package common

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/sybtjp/plenum/internal/rbft/types"
)

func TestTxnIdOfConcatenatesClientAndReqId(t *testing.T) {
	// TxnId = hex(SHA-256(clientId || reqId)), e.g. SHA-256("Alice1").
	sum := sha256.Sum256([]byte("Alice1"))
	want := types.TxnId(hex.EncodeToString(sum[:]))
	if got := TxnIdOf("Alice", 1); got != want {
		t.Errorf("TxnIdOf(Alice, 1) = %s, want %s", got, want)
	}
}

func TestTxnIdOfDeterministic(t *testing.T) {
	a := TxnIdOf("client-7", 421)
	b := TxnIdOf("client-7", 421)
	if a != b {
		t.Fatalf("TxnIdOf not deterministic: %s != %s", a, b)
	}
	if a == TxnIdOf("client-7", 422) {
		t.Fatal("different reqIds must yield different txnIds")
	}
}

func TestDigestOfStableAcrossCalls(t *testing.T) {
	type op struct {
		Kind  string `json:"kind"`
		Value int    `json:"value"`
	}
	d1, err := DigestOf(op{Kind: "T", Value: 3})
	if err != nil {
		t.Fatal(err)
	}
	d2, _ := DigestOf(op{Kind: "T", Value: 3})
	if d1 != d2 {
		t.Fatalf("digest not stable: %s != %s", d1, d2)
	}
	d3, _ := DigestOf(op{Kind: "T", Value: 4})
	if d1 == d3 {
		t.Fatal("digest did not change with content")
	}
}

func TestSHA256HexLength(t *testing.T) {
	if got := SHA256Hex([]byte("x")); len(got) != 64 {
		t.Fatalf("SHA256Hex length = %d, want 64", len(got))
	}
}
