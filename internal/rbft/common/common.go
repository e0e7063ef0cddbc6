// Package common holds small serialization and hashing helpers shared by
// the message, ledger and crypto packages. Canonical serialization here
// means: marshal through encoding/json over a struct with a fixed field
// order, never a map — Go's encoding/json walks struct fields in
// declaration order, which is what every node needs to agree on for a
// digest to be reproducible across the cluster.
package common

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/sybtjp/plenum/internal/rbft/types"
)

// CanonicalBytes returns the canonical serialization of v, suitable for
// hashing or signing. v must marshal deterministically (struct, not map).
func CanonicalBytes(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// SHA256Hex returns the hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestOf computes the Digest (SHA-256 over the canonical serialization)
// of a request-shaped value.
func DigestOf(v interface{}) (types.Digest, error) {
	b, err := CanonicalBytes(v)
	if err != nil {
		return "", err
	}
	return types.Digest(SHA256Hex(b)), nil
}

// TxnIdOf computes TxnId = hex(SHA-256(clientId || reqId)).
func TxnIdOf(clientId types.ClientId, reqId types.ReqId) types.TxnId {
	data := []byte(string(clientId))
	data = append(data, []byte(itoa(uint64(reqId)))...)
	return types.TxnId(SHA256Hex(data))
}

// itoa avoids importing strconv at every call site; kept tiny and local.
func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
