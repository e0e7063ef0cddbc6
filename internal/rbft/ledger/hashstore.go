package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
)

// HashStore is the backend-polymorphic store for leaf hashes the
// CompactMerkleTree reads from and appends to. Concrete backends:
// MemoryHashStore (tests, ephemeral nodes) and FileHashStore (durable,
// fixed-width append-only file; single writer, position-indexed
// records).
type HashStore interface {
	// AppendLeaf appends a leaf hash, which becomes the next 0-based index.
	AppendLeaf(hash []byte) error
	// LeafHash returns the hash appended at 0-based index i.
	LeafHash(i uint64) ([]byte, error)
	// LeafCount returns how many leaf hashes have been appended.
	LeafCount() (uint64, error)
	// Close releases any underlying resources.
	Close() error
}

var ErrLeafNotFound = errors.New("ledger: leaf not found")

// MemoryHashStore is a slice-backed HashStore for tests and ephemeral
// in-memory nodes.
type MemoryHashStore struct {
	mu     sync.RWMutex
	leaves [][]byte
}

// NewMemoryHashStore builds an empty in-memory hash store.
func NewMemoryHashStore() *MemoryHashStore {
	return &MemoryHashStore{}
}

func (m *MemoryHashStore) AppendLeaf(hash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(hash))
	copy(cp, hash)
	m.leaves = append(m.leaves, cp)
	return nil
}

func (m *MemoryHashStore) LeafHash(i uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i >= uint64(len(m.leaves)) {
		return nil, ErrLeafNotFound
	}
	return m.leaves[i], nil
}

func (m *MemoryHashStore) LeafCount() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.leaves)), nil
}

func (m *MemoryHashStore) Close() error { return nil }

// hashRecordSize is the fixed-width record for FileHashStore: a 4-byte
// big-endian length prefix (always 32 for sha256) followed by the hash
// bytes. Leaf index is positional, not keyed.
const hashRecordSize = 4 + 32

// FileHashStore is a durable HashStore backed by a single append-only
// file of fixed-width leaf-hash records. Internal node hashes are
// recomputed from leaves on demand rather than cached in a second file,
// which is sufficient at the sizes this node operates at.
type FileHashStore struct {
	mu    sync.Mutex
	f     *os.File
	count uint64
}

// OpenFileHashStore opens (creating if absent) the leaf-hash file at path
// and scans it to recover the current leaf count.
func OpenFileHashStore(path string) (*FileHashStore, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open hash store: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	count := uint64(info.Size()) / hashRecordSize
	return &FileHashStore{f: f, count: count}, nil
}

func (fs *FileHashStore) AppendLeaf(hash []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	buf := make([]byte, hashRecordSize)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(hash)))
	copy(buf[4:], hash)
	if _, err := fs.f.Write(buf); err != nil {
		return err
	}
	if err := fs.f.Sync(); err != nil {
		return err
	}
	fs.count++
	return nil
}

func (fs *FileHashStore) LeafHash(i uint64) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if i >= fs.count {
		return nil, ErrLeafNotFound
	}
	buf := make([]byte, hashRecordSize)
	if _, err := fs.f.ReadAt(buf, int64(i*hashRecordSize)); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(buf[:4])
	return buf[4 : 4+n], nil
}

func (fs *FileHashStore) LeafCount() (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.count, nil
}

func (fs *FileHashStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.f.Close()
}

// NewHashStore constructs a HashStore from a config-recognized type
// name: file, memory, or orientdb.
func NewHashStore(kind, path string) (HashStore, error) {
	switch kind {
	case "", "memory":
		return NewMemoryHashStore(), nil
	case "file":
		return OpenFileHashStore(path)
	case "orientdb":
		return nil, fmt.Errorf("ledger: hashStore.type %q is a recognized but unimplemented external KV backend", kind)
	default:
		return nil, fmt.Errorf("ledger: unknown hashStore.type %q", kind)
	}
}
