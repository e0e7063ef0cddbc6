// Package replica implements the three-phase commit state machine: one
// PRE-PREPARE/PREPARE/COMMIT pipeline per protocol instance, run locally
// by a Node but exchanging Prepare/Commit votes with the same instance's
// replicas on peer nodes. Rounds pipeline per (viewNo, ppSeqNo) with
// explicit primary/backup roles and strict-order Ordered emission.
package replica

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sybtjp/plenum/internal/rbft/errs"
	"github.com/sybtjp/plenum/internal/rbft/message"
	"github.com/sybtjp/plenum/internal/rbft/metrics"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

// Deps is the narrow capability surface a Replica needs from its owning
// Node: send, broadcast, and suspicion reporting — never a
// back-reference to the Node itself.
type Deps interface {
	Send(to types.NodeName, msg message.Message) error
	Broadcast(msg message.Message) error
	ReportSuspicion(peer types.NodeName, code errs.SuspicionCode)
}

// DefaultStashLimit bounds how many future-view messages a Replica will
// buffer before dropping the oldest.
const DefaultStashLimit = 1000

type ppKey struct {
	ViewNo  types.ViewNo
	PpSeqNo types.PpSeqNo
}

type ppRecord struct {
	prePrepare   *message.PrePrepare
	prepareVotes map[types.NodeName]types.Digest
	commitVotes  map[types.NodeName]types.Digest
	prepared     bool
	committed    bool
	ordered      bool
}

func newPpRecord() *ppRecord {
	return &ppRecord{
		prepareVotes: make(map[types.NodeName]types.Digest),
		commitVotes:  make(map[types.NodeName]types.Digest),
	}
}

func (r *ppRecord) matchingPrepares(digest types.Digest) int {
	n := 0
	for _, d := range r.prepareVotes {
		if d == digest {
			n++
		}
	}
	return n
}

func (r *ppRecord) matchingCommits(digest types.Digest) int {
	n := 0
	for _, d := range r.commitVotes {
		if d == digest {
			n++
		}
	}
	return n
}

type futureMsg struct {
	viewNo types.ViewNo
	kind   string // "preprepare", "prepare", "commit"
	from   types.NodeName
	pp     *message.PrePrepare
	pr     *message.Prepare
	co     *message.Commit
}

// Replica is one node's three-phase-commit state machine for a single
// protocol instance.
type Replica struct {
	mu sync.Mutex

	instId types.InstId
	self   types.NodeName
	names  []types.NodeName
	f      int

	viewNo      types.ViewNo
	isPrimary   bool
	primaryName types.NodeName

	nextPpSeqNo types.PpSeqNo // next seqNo this replica assigns, if primary
	nextOrder   types.PpSeqNo // next ppSeqNo expected for in-order Ordered emission

	pp         map[ppKey]*ppRecord
	reqDigests map[types.ReqKey]types.Digest
	pending    []types.ReqKey // forwarded requests awaiting a PrePrepare assignment (primary) or match (backup)

	stash      []futureMsg
	stashLimit int

	orderedOut []*message.Ordered

	deps Deps
}

// New builds a Replica for instId, owned by self among the given cluster
// member names, with viewNo 0's primary computed deterministically.
func New(instId types.InstId, self types.NodeName, names []types.NodeName, deps Deps) *Replica {
	r := &Replica{
		instId:     instId,
		self:       self,
		names:      append([]types.NodeName(nil), names...),
		f:          types.F(len(names)),
		pp:         make(map[ppKey]*ppRecord),
		reqDigests: make(map[types.ReqKey]types.Digest),
		stashLimit: DefaultStashLimit,
		deps:       deps,
	}
	r.applyView(0)
	return r
}

func (r *Replica) applyView(viewNo types.ViewNo) {
	r.viewNo = viewNo
	r.primaryName = types.ExpectedPrimary(viewNo, r.instId, r.names)
	r.isPrimary = r.primaryName == r.self
	r.nextPpSeqNo = 1
	r.nextOrder = 1
}

// InstId returns the protocol instance this replica runs.
func (r *Replica) InstId() types.InstId { return r.instId }

// IsMaster reports whether this replica is the master instance (instance
// 0), whose Ordered output is authoritative for client execution.
func (r *Replica) IsMaster() bool { return r.instId == types.MasterInstId }

// IsPrimary reports whether this replica is currently the primary for its
// instance and view.
func (r *Replica) IsPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isPrimary
}

// ViewNo returns the replica's current view.
func (r *Replica) ViewNo() types.ViewNo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewNo
}

// SetPrimary is called by the PrimaryElector once a (instId, viewNo)
// election concludes, overriding the default rank-based computation with
// the agreed-upon outcome (they coincide in the common case; an explicit
// call keeps the replica's notion of primary authoritative rather than
// re-derived).
func (r *Replica) SetPrimary(viewNo types.ViewNo, name types.NodeName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if viewNo != r.viewNo {
		return
	}
	r.primaryName = name
	r.isPrimary = name == r.self
	r.drainPendingLocked()
}

// ResetForViewChange drops all unfinished per-(viewNo,ppSeqNo) state,
// resets the ppSeqNo counter, and recomputes isPrimary for newViewNo.
// The owning Node re-proposes any still-pending forwarded requests.
func (r *Replica) ResetForViewChange(newViewNo types.ViewNo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pp = make(map[ppKey]*ppRecord)
	r.reqDigests = make(map[types.ReqKey]types.Digest)
	r.pending = nil
	r.applyView(newViewNo)
	r.replayStashLocked()
}

// EnqueueForwarded records that (clientId, reqId) has been forwarded to
// this replica with the given digest. If this replica is primary, the
// request joins the FIFO queue a PrePrepare will be assigned to; if
// backup, it unblocks any PrePrepare already received for this key that
// was waiting on the request body.
func (r *Replica) EnqueueForwarded(clientId types.ClientId, reqId types.ReqId, digest types.Digest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := types.ReqKey{ClientId: clientId, ReqId: reqId}
	if _, known := r.reqDigests[key]; known {
		return
	}
	r.reqDigests[key] = digest
	r.pending = append(r.pending, key)
	r.drainPendingLocked()
}

// drainPendingLocked lets the primary assign PrePrepares to any pending
// forwarded requests, and lets a backup validate any stashed PrePrepare
// whose request body has now arrived. Caller must hold mu.
func (r *Replica) drainPendingLocked() {
	if r.isPrimary {
		for len(r.pending) > 0 {
			key := r.pending[0]
			r.pending = r.pending[1:]
			digest := r.reqDigests[key]
			r.assignPrePrepareLocked(key, digest)
		}
		return
	}
	// Backup: a PrePrepare may have been recorded before the request body
	// was forwarded, leaving our PREPARE deferred. Emit it now for every
	// current-view record whose body has arrived and that we have not yet
	// voted on.
	for key, rec := range r.pp {
		if key.ViewNo != r.viewNo || rec.prePrepare == nil {
			continue
		}
		reqKey := types.ReqKey{ClientId: rec.prePrepare.Identifier, ReqId: rec.prePrepare.ReqId}
		digest, ok := r.reqDigests[reqKey]
		if !ok {
			continue
		}
		if _, voted := rec.prepareVotes[r.self]; voted {
			continue
		}
		if digest != rec.prePrepare.Digest {
			r.deps.ReportSuspicion(r.primaryName, errs.InvalidPrePrepareDigest)
			continue
		}
		r.emitPrepareLocked(key.ViewNo, key.PpSeqNo, digest)
	}
}

func (r *Replica) assignPrePrepareLocked(key types.ReqKey, digest types.Digest) {
	seqNo := r.nextPpSeqNo
	r.nextPpSeqNo++
	msg := message.NewPrePrepare(r.instId, r.viewNo, seqNo, key.ClientId, key.ReqId, digest, nowUnixNano())
	rec := newPpRecord()
	rec.prePrepare = msg
	r.pp[ppKey{ViewNo: r.viewNo, PpSeqNo: seqNo}] = rec
	r.deps.Broadcast(msg)
	metrics.RecordPrePrepareSent(r.instLabel())
	// The primary's own PRE-PREPARE counts as its PREPARE; it still must
	// participate in the COMMIT phase once 2f matching PREPAREs arrive
	// from backups.
	r.checkPreparedLocked(r.viewNo, seqNo)
}

// HandlePrePrepare processes an inbound PRE-PREPARE from from.
func (r *Replica) HandlePrePrepare(msg *message.PrePrepare, from types.NodeName) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ViewNo < r.viewNo {
		return
	}
	if msg.ViewNo > r.viewNo {
		r.stashMsg(futureMsg{viewNo: msg.ViewNo, kind: "preprepare", from: from, pp: msg})
		return
	}
	if from != r.primaryName {
		r.deps.ReportSuspicion(from, errs.UnknownInstance)
		return
	}
	key := ppKey{ViewNo: msg.ViewNo, PpSeqNo: msg.PpSeqNo}
	if existing, ok := r.pp[key]; ok && existing.prePrepare != nil {
		if existing.prePrepare.Digest != msg.Digest {
			r.deps.ReportSuspicion(from, errs.ConflictingPrePrepare)
		}
		return
	}
	reqKey := types.ReqKey{ClientId: msg.Identifier, ReqId: msg.ReqId}
	if known, ok := r.reqDigests[reqKey]; ok && known != msg.Digest {
		r.deps.ReportSuspicion(from, errs.InvalidPrePrepareDigest)
		return
	}

	rec, ok := r.pp[key]
	if !ok {
		rec = newPpRecord()
		r.pp[key] = rec
	}
	rec.prePrepare = msg

	if _, haveBody := r.reqDigests[reqKey]; !haveBody {
		// Digest not yet locally buffered: the request body (forward) has
		// not arrived. The PrePrepare stays recorded; emitting our
		// PREPARE is deferred until EnqueueForwarded delivers the body
		// for this key.
		return
	}

	r.emitPrepareLocked(msg.ViewNo, msg.PpSeqNo, msg.Digest)
}

func (r *Replica) emitPrepareLocked(viewNo types.ViewNo, ppSeqNo types.PpSeqNo, digest types.Digest) {
	if r.isPrimary {
		return
	}
	prep := message.NewPrepare(r.instId, viewNo, ppSeqNo, digest, r.self)
	r.deps.Broadcast(prep)
	metrics.RecordPrepareSent(r.instLabel())
	r.recordPrepareLocked(viewNo, ppSeqNo, r.self, digest)
}

// HandlePrepare processes an inbound PREPARE vote.
func (r *Replica) HandlePrepare(msg *message.Prepare) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.ViewNo < r.viewNo {
		return
	}
	if msg.ViewNo > r.viewNo {
		r.stashMsg(futureMsg{viewNo: msg.ViewNo, kind: "prepare", pr: msg})
		return
	}
	r.recordPrepareLocked(msg.ViewNo, msg.PpSeqNo, msg.From, msg.Digest)
}

func (r *Replica) recordPrepareLocked(viewNo types.ViewNo, ppSeqNo types.PpSeqNo, from types.NodeName, digest types.Digest) {
	key := ppKey{ViewNo: viewNo, PpSeqNo: ppSeqNo}
	rec, ok := r.pp[key]
	if !ok {
		rec = newPpRecord()
		r.pp[key] = rec
	}
	rec.prepareVotes[from] = digest
	r.checkPreparedLocked(viewNo, ppSeqNo)
}

// checkPreparedLocked promotes a ppRecord to PREPARED once the primary's
// PRE-PREPARE plus 2f matching backup PREPAREs are present, and emits this
// replica's own COMMIT vote.
func (r *Replica) checkPreparedLocked(viewNo types.ViewNo, ppSeqNo types.PpSeqNo) {
	key := ppKey{ViewNo: viewNo, PpSeqNo: ppSeqNo}
	rec, ok := r.pp[key]
	if !ok || rec.prePrepare == nil || rec.prepared {
		return
	}
	digest := rec.prePrepare.Digest
	if rec.matchingPrepares(digest) < 2*r.f {
		return
	}
	rec.prepared = true
	commit := message.NewCommit(r.instId, viewNo, ppSeqNo, digest, r.self)
	r.deps.Broadcast(commit)
	metrics.RecordCommitSent(r.instLabel())
	rec.commitVotes[r.self] = digest
	r.checkCommittedLocked(viewNo, ppSeqNo)
}

// HandleCommit processes an inbound COMMIT vote.
func (r *Replica) HandleCommit(msg *message.Commit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.ViewNo < r.viewNo {
		return
	}
	if msg.ViewNo > r.viewNo {
		r.stashMsg(futureMsg{viewNo: msg.ViewNo, kind: "commit", co: msg})
		return
	}
	key := ppKey{ViewNo: msg.ViewNo, PpSeqNo: msg.PpSeqNo}
	rec, ok := r.pp[key]
	if !ok {
		rec = newPpRecord()
		r.pp[key] = rec
	}
	rec.commitVotes[msg.From] = msg.Digest
	r.checkCommittedLocked(msg.ViewNo, msg.PpSeqNo)
}

// checkCommittedLocked promotes a ppRecord to COMMITTED once 2f+1
// matching COMMITs are present, and attempts to advance the strictly
// in-order Ordered emission for this instance.
func (r *Replica) checkCommittedLocked(viewNo types.ViewNo, ppSeqNo types.PpSeqNo) {
	key := ppKey{ViewNo: viewNo, PpSeqNo: ppSeqNo}
	rec, ok := r.pp[key]
	if !ok || rec.prePrepare == nil || rec.committed {
		return
	}
	digest := rec.prePrepare.Digest
	if rec.matchingCommits(digest) < types.Quorum(r.f) {
		return
	}
	rec.committed = true
	r.tryEmitOrderedLocked()
}

// tryEmitOrderedLocked emits Ordered for every contiguous committed
// ppSeqNo starting at nextOrder, preserving strict in-order emission even
// when later ppSeqNos commit first.
func (r *Replica) tryEmitOrderedLocked() {
	for {
		key := ppKey{ViewNo: r.viewNo, PpSeqNo: r.nextOrder}
		rec, ok := r.pp[key]
		if !ok || !rec.committed || rec.ordered {
			return
		}
		rec.ordered = true
		pp := rec.prePrepare
		ordered := message.NewOrdered(r.instId, r.viewNo, pp.Identifier, pp.ReqId, pp.Digest, pp.PpTime)
		r.orderedOut = append(r.orderedOut, ordered)
		metrics.RecordOrdered(r.instLabel())
		r.nextOrder++
	}
}

func (r *Replica) instLabel() string {
	return strconv.Itoa(int(r.instId))
}

// DrainOrdered returns and clears every Ordered message produced since the
// last call, for the owning Node to consume via Node.Prod.
func (r *Replica) DrainOrdered() []*message.Ordered {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.orderedOut
	r.orderedOut = nil
	return out
}

func (r *Replica) stashMsg(m futureMsg) {
	if len(r.stash) >= r.stashLimit {
		r.stash = r.stash[1:]
	}
	r.stash = append(r.stash, m)
}

// replayStashLocked releases and re-processes every stashed message whose
// view no longer exceeds the replica's current view, in the order they
// were stashed.
func (r *Replica) replayStashLocked() {
	if len(r.stash) == 0 {
		return
	}
	remaining := r.stash[:0]
	ready := make([]futureMsg, 0, len(r.stash))
	for _, m := range r.stash {
		if m.viewNo <= r.viewNo {
			ready = append(ready, m)
		} else {
			remaining = append(remaining, m)
		}
	}
	r.stash = remaining
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].viewNo < ready[j].viewNo })
	for _, m := range ready {
		switch m.kind {
		case "preprepare":
			r.mu.Unlock()
			r.HandlePrePrepare(m.pp, m.from)
			r.mu.Lock()
		case "prepare":
			r.mu.Unlock()
			r.HandlePrepare(m.pr)
			r.mu.Lock()
		case "commit":
			r.mu.Unlock()
			r.HandleCommit(m.co)
			r.mu.Lock()
		}
	}
}

// nowUnixNano is a var, not a call to time.Now().UnixNano() inlined at the
// call site, so tests can substitute a deterministic clock.
var nowUnixNano = func() int64 {
	return time.Now().UnixNano()
}
