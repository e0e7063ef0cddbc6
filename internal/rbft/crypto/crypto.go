// Package crypto provides client request signature verification and the
// node's key handling: ECDSA over P-256 with PEM/X.509 key encoding, an
// optional BIP-39 mnemonic derivation path for recoverable identities,
// and a blake2b-based short display id for logs and CLI output. Protocol
// digests and txn ids use SHA-256 and live in the common package.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"github.com/jbenet/go-base58"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"

	"github.com/sybtjp/plenum/internal/rbft/types"
)

var curve = elliptic.P256()

var (
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	ErrUnknownClient    = errors.New("crypto: unknown client")
)

// GenerateKey creates a new ECDSA P-256 key pair.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(curve, rand.Reader)
}

// EncodePrivateKey renders a private key as SEC1 DER (x509.MarshalECPrivateKey)
// wrapped in a PEM block of type "PRIVATE KEY".
func EncodePrivateKey(pk *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(pk)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// DecodePrivateKey parses a PEM-encoded EC private key.
func DecodePrivateKey(pemEncoded string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemEncoded))
	if block == nil {
		return nil, fmt.Errorf("crypto: invalid PEM block")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

// EncodePublicKey renders a public key as hex-encoded uncompressed point,
// the compact form used in the client keys file and printed by rbftctl.
func EncodePublicKey(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(elliptic.Marshal(curve, pub.X, pub.Y))
}

// DecodePublicKey parses the hex form produced by EncodePublicKey.
func DecodePublicKey(s string) (*ecdsa.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	x, y := elliptic.Unmarshal(curve, b)
	if x == nil {
		return nil, fmt.Errorf("crypto: invalid public key encoding")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// Sign signs digest (already hashed by the caller) with pk.
func Sign(pk *ecdsa.PrivateKey, digest []byte) (r, s *big.Int, err error) {
	return ecdsa.Sign(rand.Reader, pk, digest)
}

// Verify checks an (r, s) signature over digest against pub.
func Verify(pub *ecdsa.PublicKey, digest []byte, r, s *big.Int) bool {
	return ecdsa.Verify(pub, digest, r, s)
}

// NewMnemonic generates a fresh 24-word BIP-39 mnemonic from 256 bits of
// entropy, the recoverable form a node operator writes down instead of a
// raw PEM key.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// KeyFromMnemonic deterministically derives an ECDSA P-256 key pair from a
// BIP-39 mnemonic and passphrase, via a BIP-32 master key. The same
// mnemonic and passphrase always yield the same key, so a node identity
// can be restored from its recovery phrase alone.
func KeyFromMnemonic(mnemonic, passphrase string) (*ecdsa.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("crypto: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	return scalarToKey(master.Key)
}

// scalarToKey reduces raw key bytes into a valid P-256 scalar and builds
// the corresponding key pair.
func scalarToKey(b []byte) (*ecdsa.PrivateKey, error) {
	nMinusOne := new(big.Int).Sub(curve.Params().N, big.NewInt(1))
	d := new(big.Int).SetBytes(b)
	d.Mod(d, nMinusOne)
	d.Add(d, big.NewInt(1))
	priv := &ecdsa.PrivateKey{D: d}
	priv.Curve = curve
	priv.X, priv.Y = curve.ScalarBaseMult(d.Bytes())
	return priv, nil
}

// ShortId derives a human-readable, base58-encoded short identifier for a
// public key, used only in logs/CLI output — never in protocol state.
func ShortId(pub *ecdsa.PublicKey) string {
	sum := blake2b.Sum256(elliptic.Marshal(curve, pub.X, pub.Y))
	enc := base58.Encode(sum[:])
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return enc
}

// KeyRing resolves a client's public key by ClientId. It is the seam
// the Authenticator depends on; where the keys actually live is the
// caller's concern.
type KeyRing interface {
	PublicKey(clientId types.ClientId) (*ecdsa.PublicKey, bool)
}

// MapKeyRing is a simple in-memory KeyRing, the kind loaded from a keys
// file by the config package.
type MapKeyRing map[types.ClientId]*ecdsa.PublicKey

func (m MapKeyRing) PublicKey(clientId types.ClientId) (*ecdsa.PublicKey, bool) {
	pub, ok := m[clientId]
	return pub, ok
}

// SignedEnvelope pairs a signable payload with its signature, the shape a
// transport layer hands the Authenticator.
type SignedEnvelope struct {
	Payload   []byte
	Signature []byte // 64-byte r||s
}

// Authenticator verifies client signatures on requests.
type Authenticator struct {
	keys KeyRing
}

func NewAuthenticator(keys KeyRing) *Authenticator {
	return &Authenticator{keys: keys}
}

// Authenticate verifies env's signature was produced by clientId's known
// key over a SHA-256 digest of env.Payload. It returns ErrUnknownClient if
// clientId has no registered key, and ErrInvalidSignature if verification
// fails — both map to the client-suspicion path in the node dispatch loop.
func (a *Authenticator) Authenticate(clientId types.ClientId, env SignedEnvelope) error {
	pub, ok := a.keys.PublicKey(clientId)
	if !ok {
		return ErrUnknownClient
	}
	if len(env.Signature) != 64 {
		return ErrInvalidSignature
	}
	digest := sha256Sum(env.Payload)
	r := new(big.Int).SetBytes(env.Signature[:32])
	s := new(big.Int).SetBytes(env.Signature[32:])
	if !Verify(pub, digest, r, s) {
		return ErrInvalidSignature
	}
	return nil
}

// SignPayload signs payload with pk and returns the 64-byte r||s signature,
// the counterpart test clients use to build a SignedEnvelope.
func SignPayload(pk *ecdsa.PrivateKey, payload []byte) ([]byte, error) {
	digest := sha256Sum(payload)
	r, s, err := Sign(pk, digest)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out, nil
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
