// Package transport defines the Node's Transport capability seam and an
// in-memory implementation used by tests and the rbfttest harness. The
// authenticated, production transport (transportp2p, built on
// libp2p-pubsub) implements the same interface; neither the Node nor
// any protocol package depends on its concrete type.
package transport

import (
	"time"

	"github.com/sybtjp/plenum/internal/rbft/errs"
	"github.com/sybtjp/plenum/internal/rbft/message"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

// Transport is the capability interface a Node is constructed with:
// send to one peer, broadcast to all peers, and schedule a delayed
// action. The dependency points one way, into the Transport interface;
// nothing implementing it needs to know about Node.
type Transport interface {
	Send(to types.NodeName, env message.Envelope) error
	Broadcast(env message.Envelope) error
	// Inbox returns node-to-node envelopes received since the last call.
	Inbox() []InboundNode
	// ClientInbox returns client-originated envelopes received since the
	// last call.
	ClientInbox() []InboundClient
	// ConnectedPeers returns the cluster members whose connection to
	// this node was established (or re-established) since the last
	// call. The Node uses it to catch a late-joining peer up on the
	// current view's election traffic.
	ConnectedPeers() []types.NodeName
	// SendToClient delivers a reply-shaped envelope to a client.
	SendToClient(clientAddr string, env message.Envelope) error
	// Schedule arranges for action to run after d; fired actions are
	// collected and drained via DueActions rather than executed on
	// arbitrary goroutines, keeping all protocol-state mutation on the
	// single Prod thread.
	Schedule(d time.Duration, action func())
	// DueActions returns and clears every scheduled action whose delay
	// has elapsed.
	DueActions() []func()
	Close() error
}

// InboundNode pairs a received node envelope with its sender, for the
// Node's dispatch loop to verify and route.
type InboundNode struct {
	From types.NodeName
	Env  message.Envelope
}

// InboundClient pairs a received client envelope with a return address.
type InboundClient struct {
	From string
	Env  message.Envelope
}

// SuspicionSink lets a Transport (or its peer-scoring layer) learn about
// node-level misbehavior the protocol layer detected, e.g. to drop a
// connection once blacklist.Blacklister marks a peer. Optional: a
// Transport that doesn't score peers can ignore this.
type SuspicionSink interface {
	ReportSuspicion(peer types.NodeName, code errs.SuspicionCode)
}
