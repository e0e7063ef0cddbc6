// Package blacklist tracks misbehavior counts for nodes and clients and
// decides when a peer has earned a blacklist entry: immediately for the
// codes in the known suspicion table, or once the accumulated count of
// lesser suspicions crosses a threshold.
package blacklist

import (
	"sync"

	"github.com/sybtjp/plenum/internal/rbft/errs"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

// DefaultThreshold is the number of non-blacklistable suspicions a peer
// may accumulate before it is blacklisted anyway.
const DefaultThreshold = 5

// Blacklister records suspicion counts per NodeName and per ClientId and
// answers whether a given peer is currently blacklisted. It is safe for
// concurrent use since node suspicion can be reported from multiple
// collector goroutines feeding the single-threaded Prod loop.
type Blacklister struct {
	mu        sync.Mutex
	threshold int
	nodes     map[types.NodeName]*record
	clients   map[types.ClientId]*record
}

type record struct {
	counts      map[errs.SuspicionCode]int
	blacklisted bool
}

func newRecord() *record {
	return &record{counts: make(map[errs.SuspicionCode]int)}
}

// New builds a Blacklister with the default threshold.
func New() *Blacklister {
	return NewWithThreshold(DefaultThreshold)
}

// NewWithThreshold builds a Blacklister whose non-blacklistable suspicion
// count must reach threshold before a peer is blacklisted.
func NewWithThreshold(threshold int) *Blacklister {
	return &Blacklister{
		threshold: threshold,
		nodes:     make(map[types.NodeName]*record),
		clients:   make(map[types.ClientId]*record),
	}
}

// SuspectNode records a suspicion against a node peer and blacklists it
// immediately if code is blacklistable, or once its accumulated count of
// non-blacklistable suspicions reaches the threshold.
func (b *Blacklister) SuspectNode(who types.NodeName, code errs.SuspicionCode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.nodes[who]
	if !ok {
		rec = newRecord()
		b.nodes[who] = rec
	}
	b.recordSuspicion(rec, code)
}

// SuspectClient records a suspicion against a client.
func (b *Blacklister) SuspectClient(who types.ClientId, code errs.SuspicionCode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.clients[who]
	if !ok {
		rec = newRecord()
		b.clients[who] = rec
	}
	b.recordSuspicion(rec, code)
}

func (b *Blacklister) recordSuspicion(rec *record, code errs.SuspicionCode) {
	rec.counts[code]++
	if errs.IsBlacklistable(code) {
		rec.blacklisted = true
		return
	}
	total := 0
	for _, c := range rec.counts {
		total += c
	}
	if total >= b.threshold {
		rec.blacklisted = true
	}
}

// BlacklistNode blacklists who unconditionally, for clear-cut violations
// like an invalid signature that don't go through the suspicion-count
// accumulation path.
func (b *Blacklister) BlacklistNode(who types.NodeName) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.nodes[who]
	if !ok {
		rec = newRecord()
		b.nodes[who] = rec
	}
	rec.blacklisted = true
}

// BlacklistClient blacklists who unconditionally.
func (b *Blacklister) BlacklistClient(who types.ClientId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.clients[who]
	if !ok {
		rec = newRecord()
		b.clients[who] = rec
	}
	rec.blacklisted = true
}

// IsNodeBlacklisted reports whether who is currently blacklisted.
func (b *Blacklister) IsNodeBlacklisted(who types.NodeName) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.nodes[who]
	return ok && rec.blacklisted
}

// IsClientBlacklisted reports whether who is currently blacklisted.
func (b *Blacklister) IsClientBlacklisted(who types.ClientId) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.clients[who]
	return ok && rec.blacklisted
}

// NodeSuspicionCount returns how many times code has been recorded
// against who, for diagnostics and tests.
func (b *Blacklister) NodeSuspicionCount(who types.NodeName, code errs.SuspicionCode) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.nodes[who]
	if !ok {
		return 0
	}
	return rec.counts[code]
}

// UnblacklistNode clears a node's blacklist flag and counts, used by
// operator tooling to readmit a peer after manual review.
func (b *Blacklister) UnblacklistNode(who types.NodeName) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, who)
}
