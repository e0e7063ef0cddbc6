package ledger

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sybtjp/plenum/internal/rbft/types"
)

// Record is one append-only ledger entry: the executed transaction's
// identity, timing and type, plus its 1-based position.
type Record struct {
	ClientId types.ClientId `json:"clientId"`
	ReqId    types.ReqId    `json:"reqId"`
	TxnId    types.TxnId    `json:"txnId"`
	TxnTime  int64          `json:"txnTime"`
	TxnType  string         `json:"txnType"`
	SeqNo    uint64         `json:"seqNo"`
}

func (r Record) canonicalBytes() ([]byte, error) {
	return json.Marshal(r)
}

// Proof is the Merkle inclusion proof returned by Append: the audit path
// from the new leaf to the root, plus the resulting root hash, both
// hex-encoded for wire transport in a Reply.
type Proof struct {
	SeqNo     uint64
	AuditPath []string
	RootHash  string
}

// RecordStore persists Records durably; Ledger composes one with a
// CompactMerkleTree so the two append operations (record bytes, leaf hash)
// stay in lockstep.
type RecordStore interface {
	Append(rec Record) error
	Len() (uint64, error)
	Close() error
}

// MemoryRecordStore is a slice-backed RecordStore for tests.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryRecordStore() *MemoryRecordStore { return &MemoryRecordStore{} }

func (m *MemoryRecordStore) Append(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryRecordStore) Len() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.records)), nil
}

func (m *MemoryRecordStore) Close() error { return nil }

// Records returns a copy of every record appended so far, for tests and
// diagnostics.
func (m *MemoryRecordStore) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// FileRecordStore persists records as line-delimited JSON: one open
// file handle per node, a buffered writer, and an fsync on every
// append. Single writer; records are never deleted or rewritten.
type FileRecordStore struct {
	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	len uint64
}

// OpenFileRecordStore opens (creating if absent) the ledger file at path.
func OpenFileRecordStore(path string) (*FileRecordStore, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open record store: %w", err)
	}
	n, err := countLines(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileRecordStore{f: f, w: bufio.NewWriter(f), len: n}, nil
}

func countLines(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var n uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}

func (fs *FileRecordStore) Append(rec Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := fs.w.Write(b); err != nil {
		return err
	}
	if err := fs.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := fs.w.Flush(); err != nil {
		return err
	}
	if err := fs.f.Sync(); err != nil {
		return err
	}
	fs.len++
	return nil
}

func (fs *FileRecordStore) Len() (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.len, nil
}

func (fs *FileRecordStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.f.Close()
}

// Ledger is the append-only transaction log: every Append both persists
// a Record and extends the CompactMerkleTree, returning the inclusion
// proof for that record. The record at 0-based position i always has
// seqNo i+1, by construction: SeqNo is tree.Size() after the leaf append.
type Ledger struct {
	mu      sync.Mutex
	records RecordStore
	tree    *CompactMerkleTree
}

// New builds a Ledger over a RecordStore and a HashStore. The two must
// already agree on size (both empty, or both recovered from the same
// prior run) — callers constructing both via the same baseDir get this
// for free.
func New(records RecordStore, hashes HashStore) (*Ledger, error) {
	tree, err := NewCompactMerkleTree(hashes)
	if err != nil {
		return nil, err
	}
	return &Ledger{records: records, tree: tree}, nil
}

// Append persists a new record (clientId, reqId, txnId, txnTime, txnType)
// and returns the Merkle inclusion proof for it.
func (l *Ledger) Append(clientId types.ClientId, reqId types.ReqId, txnId types.TxnId, txnTime int64, txnType string) (Record, Proof, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seqNo := l.tree.Size() + 1
	rec := Record{ClientId: clientId, ReqId: reqId, TxnId: txnId, TxnTime: txnTime, TxnType: txnType, SeqNo: seqNo}
	data, err := rec.canonicalBytes()
	if err != nil {
		return Record{}, Proof{}, err
	}

	pos, auditPath, root, err := l.tree.Append(data)
	if err != nil {
		return Record{}, Proof{}, err
	}
	if pos != seqNo {
		return Record{}, Proof{}, fmt.Errorf("ledger: tree position %d disagrees with record seqNo %d", pos, seqNo)
	}

	if err := l.records.Append(rec); err != nil {
		return Record{}, Proof{}, err
	}

	hexPath := make([]string, len(auditPath))
	for i, h := range auditPath {
		hexPath[i] = hex.EncodeToString(h)
	}
	return rec, Proof{SeqNo: seqNo, AuditPath: hexPath, RootHash: hex.EncodeToString(root)}, nil
}

// Size returns the number of records appended so far.
func (l *Ledger) Size() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.Size()
}

// Root returns the current Merkle root over all appended records.
func (l *Ledger) Root() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	root, err := l.tree.Root()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(root), nil
}

// Close releases the ledger's underlying storage.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records.Close()
}
