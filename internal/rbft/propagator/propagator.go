// Package propagator owns the Requests registry: per (clientId, reqId)
// state tracking which nodes have PROPAGATEd a request and whether it
// has already been forwarded to the local replicas. Witness sets are
// idempotent per sender; the forward gate is a strict f+1 threshold
// combined with a one-shot forwarded flag.
package propagator

import (
	"github.com/sybtjp/plenum/internal/rbft/message"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

// ReqState is the per-request state the registry tracks: the original
// request (once known), the set of distinct witnessing nodes (the
// PROPAGATE's sender at the transport level — the node that rebroadcast
// it, not the message's embedded senderClient field, which only names the
// originating client), and whether it has been forwarded to the local
// replicas.
type ReqState struct {
	Request    *message.Request
	Propagates map[types.NodeName]bool
	Forwarded  bool
}

// Propagator owns the Requests registry keyed by (clientId, reqId).
type Propagator struct {
	requests map[types.ReqKey]*ReqState
}

// New builds an empty Propagator.
func New() *Propagator {
	return &Propagator{requests: make(map[types.ReqKey]*ReqState)}
}

// Add records the original request (locally submitted or learned via a
// PROPAGATE), creating its ReqState on first observation if necessary.
func (p *Propagator) Add(req *message.Request) *ReqState {
	key := req.Key()
	st, ok := p.requests[key]
	if !ok {
		st = &ReqState{Propagates: make(map[types.NodeName]bool)}
		p.requests[key] = st
	}
	if st.Request == nil {
		st.Request = req
	}
	return st
}

// AddPropagate records witness as having PROPAGATEd req, creating the
// ReqState if this is the first observation of the request. Idempotent
// per witness: a repeat PROPAGATE from the same node does not grow the
// count.
func (p *Propagator) AddPropagate(req *message.Request, witness types.NodeName) *ReqState {
	st := p.Add(req)
	st.Propagates[witness] = true
	return st
}

// HasPropagated reports whether witness has already been recorded against
// req's ReqState.
func (p *Propagator) HasPropagated(key types.ReqKey, witness types.NodeName) bool {
	st, ok := p.requests[key]
	if !ok {
		return false
	}
	return st.Propagates[witness]
}

// Get returns the ReqState for key, if any.
func (p *Propagator) Get(key types.ReqKey) (*ReqState, bool) {
	st, ok := p.requests[key]
	return st, ok
}

// CanForward reports whether key has exactly requiredVotes distinct
// PROPAGATE witnesses and has not yet been forwarded. The check is a
// strict equality, not a threshold: combined with the one-shot Forwarded
// flag and AddPropagate's per-witness idempotence, this fires exactly
// once, at the instant the f+1st distinct witness is recorded. Callers
// must therefore check after every AddPropagate, never after a batch.
func (p *Propagator) CanForward(key types.ReqKey, requiredVotes int) bool {
	st, ok := p.requests[key]
	if !ok {
		return false
	}
	if st.Forwarded {
		return false
	}
	return len(st.Propagates) == requiredVotes
}

// FlagAsForwarded marks key's request as forwarded to the local replicas,
// making CanForward and later calls to FlagAsForwarded no-ops for it.
func (p *Propagator) FlagAsForwarded(key types.ReqKey) {
	if st, ok := p.requests[key]; ok {
		st.Forwarded = true
	}
}

// Len returns the number of requests currently tracked, i.e. accepted but
// not yet executed and replied to.
func (p *Propagator) Len() int {
	return len(p.requests)
}

// Forwarded returns every tracked request that has been forwarded to the
// replicas but not yet executed, for the Node to re-propose after a view
// change wipes the replicas' in-flight state.
func (p *Propagator) Forwarded() []*message.Request {
	var out []*message.Request
	for _, st := range p.requests {
		if st.Forwarded && st.Request != nil {
			out = append(out, st.Request)
		}
	}
	return out
}

// Remove deletes key's ReqState, called once the master's Ordered for it
// has been executed and the reply persisted.
func (p *Propagator) Remove(key types.ReqKey) {
	delete(p.requests, key)
}
