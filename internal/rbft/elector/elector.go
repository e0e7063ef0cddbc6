// Package elector implements the per-instance primary elector:
// deterministic primary selection via explicit Nomination/Primary/
// Reelection agreement rather than silently trusting the rank formula.
// Votes tally by candidate and a quorum triggers the next broadcast;
// split rounds resolve through a lexicographic tie-break.
package elector

import (
	"sort"
	"sync"

	"github.com/sybtjp/plenum/internal/rbft/message"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

// Deps is the narrow capability surface the elector needs: broadcast its
// own election messages and install the agreed primary into the matching
// Replica.
type Deps interface {
	Broadcast(msg message.Message) error
	SetPrimary(instId types.InstId, viewNo types.ViewNo, name types.NodeName)
}

type electionKey struct {
	InstId types.InstId
	ViewNo types.ViewNo
}

type election struct {
	round         int
	nominations   map[int]map[types.NodeName]types.NodeName  // round -> voter -> candidate
	primaryVotes  map[types.NodeName]map[types.NodeName]bool // candidate -> voters who sent Primary
	decided       bool
	decidedName   types.NodeName
	selfNominated map[int]bool
}

func newElection() *election {
	return &election{
		nominations:   make(map[int]map[types.NodeName]types.NodeName),
		primaryVotes:  make(map[types.NodeName]map[types.NodeName]bool),
		selfNominated: make(map[int]bool),
	}
}

// Elector runs one PrimaryElector per node, across all of that node's
// protocol instances.
type Elector struct {
	mu    sync.Mutex
	self  types.NodeName
	names []types.NodeName
	f     int
	elecs map[electionKey]*election
	deps  Deps
}

// New builds an Elector for self among names.
func New(self types.NodeName, names []types.NodeName, deps Deps) *Elector {
	return &Elector{
		self:  self,
		names: append([]types.NodeName(nil), names...),
		f:     types.F(len(names)),
		elecs: make(map[electionKey]*election),
		deps:  deps,
	}
}

func (e *Elector) get(instId types.InstId, viewNo types.ViewNo) *election {
	key := electionKey{InstId: instId, ViewNo: viewNo}
	el, ok := e.elecs[key]
	if !ok {
		el = newElection()
		e.elecs[key] = el
	}
	return el
}

// StartElection begins (or restarts, after a Reelection) round-0 voting
// for (instId, viewNo): this node nominates the deterministic
// rank-based candidate for round 0.
func (e *Elector) StartElection(instId types.InstId, viewNo types.ViewNo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	el := e.get(instId, viewNo)
	el.round = 0
	e.nominateLocked(instId, viewNo, el, 0)
}

func (e *Elector) candidateFor(instId types.InstId, viewNo types.ViewNo, round int) types.NodeName {
	// Round 0 uses the rank formula directly; each subsequent round (only
	// reached via a Reelection tie-break) rotates to the next candidate
	// in rank order among cluster members.
	sorted := types.SortedNames(e.names)
	if len(sorted) == 0 {
		return ""
	}
	idx := (int(viewNo) + int(instId) + round) % len(sorted)
	return sorted[idx]
}

func (e *Elector) nominateLocked(instId types.InstId, viewNo types.ViewNo, el *election, round int) {
	if el.selfNominated[round] {
		return
	}
	candidate := e.candidateFor(instId, viewNo, round)
	el.selfNominated[round] = true
	msg := message.NewNomination(candidate, instId, viewNo, round)
	e.deps.Broadcast(msg)
	e.recordNominationLocked(instId, viewNo, el, e.self, round, candidate)
}

// HandleNomination processes an inbound NOMINATION.
func (e *Elector) HandleNomination(msg *message.Nomination, from types.NodeName) {
	e.mu.Lock()
	defer e.mu.Unlock()
	el := e.get(msg.InstId, msg.ViewNo)
	if el.decided {
		return
	}
	e.recordNominationLocked(msg.InstId, msg.ViewNo, el, from, msg.Round, msg.Name)
}

func (e *Elector) recordNominationLocked(instId types.InstId, viewNo types.ViewNo, el *election, from types.NodeName, round int, candidate types.NodeName) {
	votes, ok := el.nominations[round]
	if !ok {
		votes = make(map[types.NodeName]types.NodeName)
		el.nominations[round] = votes
	}
	votes[from] = candidate

	tally := make(map[types.NodeName]int)
	for _, c := range votes {
		tally[c]++
	}
	quorum := types.Quorum(e.f)
	for candidate, count := range tally {
		if count >= quorum {
			msg := message.NewPrimary(candidate, instId, viewNo)
			e.deps.Broadcast(msg)
			e.recordPrimaryVoteLocked(instId, viewNo, el, e.self, candidate)
			return
		}
	}

	// No candidate has reached quorum yet. If every cluster member has
	// voted in this round and no single candidate can still reach
	// quorum, it's a tie: broadcast Reelection listing the tied leaders
	// and advance to the next round.
	if len(votes) >= len(e.names) {
		e.maybeReelectLocked(instId, viewNo, el, round, tally, quorum)
	}
}

func (e *Elector) maybeReelectLocked(instId types.InstId, viewNo types.ViewNo, el *election, round int, tally map[types.NodeName]int, quorum int) {
	best := 0
	for _, c := range tally {
		if c > best {
			best = c
		}
	}
	if best >= quorum {
		return
	}
	var tied []types.NodeName
	for name, c := range tally {
		if c == best {
			tied = append(tied, name)
		}
	}
	sort.Slice(tied, func(i, j int) bool { return tied[i] < tied[j] })
	msg := message.NewReelection(instId, round+1, tied, viewNo)
	e.deps.Broadcast(msg)
	el.round = round + 1
	e.nominateLocked(instId, viewNo, el, el.round)
}

// HandleReelection processes an inbound REELECTION, advancing this
// node's own round and re-nominating if it hasn't already for that round.
func (e *Elector) HandleReelection(msg *message.Reelection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	el := e.get(msg.InstId, msg.ViewNo)
	if el.decided || msg.Round <= el.round {
		return
	}
	el.round = msg.Round
	e.nominateLocked(msg.InstId, msg.ViewNo, el, msg.Round)
}

// HandlePrimary processes an inbound PRIMARY announcement.
func (e *Elector) HandlePrimary(msg *message.Primary, from types.NodeName) {
	e.mu.Lock()
	defer e.mu.Unlock()
	el := e.get(msg.InstId, msg.ViewNo)
	if el.decided {
		return
	}
	e.recordPrimaryVoteLocked(msg.InstId, msg.ViewNo, el, from, msg.Name)
}

func (e *Elector) recordPrimaryVoteLocked(instId types.InstId, viewNo types.ViewNo, el *election, from types.NodeName, candidate types.NodeName) {
	voters, ok := el.primaryVotes[candidate]
	if !ok {
		voters = make(map[types.NodeName]bool)
		el.primaryVotes[candidate] = voters
	}
	voters[from] = true
	if len(voters) >= types.Quorum(e.f) {
		el.decided = true
		el.decidedName = candidate
		e.deps.SetPrimary(instId, viewNo, candidate)
	}
}

// Decided reports the agreed primary for (instId, viewNo), if the
// election has concluded.
func (e *Elector) Decided(instId types.InstId, viewNo types.ViewNo) (types.NodeName, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	el, ok := e.elecs[electionKey{InstId: instId, ViewNo: viewNo}]
	if !ok || !el.decided {
		return "", false
	}
	return el.decidedName, true
}

// CatchUp retransmits the election messages this node has already sent
// for (instId, viewNo), for a peer that connects late.
func (e *Elector) CatchUp(instId types.InstId, viewNo types.ViewNo, to types.NodeName, send func(types.NodeName, message.Message) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	el, ok := e.elecs[electionKey{InstId: instId, ViewNo: viewNo}]
	if !ok {
		return
	}
	for round := 0; round <= el.round; round++ {
		if votes, ok := el.nominations[round]; ok {
			if candidate, ok := votes[e.self]; ok {
				send(to, message.NewNomination(candidate, instId, viewNo, round))
			}
		}
	}
	if el.decided {
		send(to, message.NewPrimary(el.decidedName, instId, viewNo))
	}
}

// Reset clears all election state for a fresh view, called alongside the
// Replica's own ResetForViewChange.
func (e *Elector) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.elecs = make(map[electionKey]*election)
}
