package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/sybtjp/plenum/internal/rbft/message"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

// Network is a shared in-memory switch connecting several Memory
// transports, used by rbfttest to wire up a deterministic multi-node
// cluster with no real sockets.
type Network struct {
	mu           sync.Mutex
	nodes        map[types.NodeName]*Memory
	disconnected map[types.NodeName]bool
}

// NewNetwork builds an empty in-memory network.
func NewNetwork() *Network {
	return &Network{
		nodes:        make(map[types.NodeName]*Memory),
		disconnected: make(map[types.NodeName]bool),
	}
}

// Disconnect simulates a network partition of one node: envelopes to and
// from name are silently dropped until Reconnect.
func (n *Network) Disconnect(name types.NodeName) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected[name] = true
}

// Reconnect restores delivery to and from name, surfacing a fresh
// connect event on both sides of every healed link.
func (n *Network) Reconnect(name types.NodeName) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.disconnected[name] {
		return
	}
	delete(n.disconnected, name)
	self, ok := n.nodes[name]
	if !ok {
		return
	}
	for peerName, peer := range n.nodes {
		if peerName == name || n.disconnected[peerName] {
			continue
		}
		peer.peerConnected(name)
		self.peerConnected(peerName)
	}
}

func (n *Network) register(name types.NodeName, t *Memory) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for peerName, peer := range n.nodes {
		peer.peerConnected(name)
		t.peerConnected(peerName)
	}
	n.nodes[name] = t
}

func (n *Network) deliver(to types.NodeName, from types.NodeName, env message.Envelope) error {
	n.mu.Lock()
	peer, ok := n.nodes[to]
	partitioned := n.disconnected[to] || n.disconnected[from]
	n.mu.Unlock()
	if partitioned {
		return nil
	}
	if !ok {
		return fmt.Errorf("transport: unknown peer %s", to)
	}
	peer.deliver(from, env)
	return nil
}

func (n *Network) broadcast(from types.NodeName, env message.Envelope) {
	n.mu.Lock()
	if n.disconnected[from] {
		n.mu.Unlock()
		return
	}
	peers := make([]*Memory, 0, len(n.nodes))
	for name, t := range n.nodes {
		if name == from || n.disconnected[name] {
			continue
		}
		peers = append(peers, t)
	}
	n.mu.Unlock()
	for _, p := range peers {
		p.deliver(from, env)
	}
}

// Memory is an in-memory Transport backed by a shared Network: Send and
// Broadcast hand envelopes directly to peers' inboxes, with no
// serialization and no real I/O latency, suitable for deterministic tests
// (rbfttest ticks Prod explicitly rather than relying on wall-clock
// delivery).
type Memory struct {
	mu          sync.Mutex
	self        types.NodeName
	net         *Network
	inbox       []InboundNode
	clientInbox []InboundClient
	connected   []types.NodeName
	clients     map[string]chan message.Envelope
	due         []scheduled
}

type scheduled struct {
	at     time.Time
	action func()
}

// NewMemory registers a new Memory transport for self on net.
func NewMemory(net *Network, self types.NodeName) *Memory {
	t := &Memory{self: self, net: net, clients: make(map[string]chan message.Envelope)}
	net.register(self, t)
	return t
}

func (m *Memory) deliver(from types.NodeName, env message.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox = append(m.inbox, InboundNode{From: from, Env: env})
}

func (m *Memory) Send(to types.NodeName, env message.Envelope) error {
	return m.net.deliver(to, m.self, env)
}

func (m *Memory) Broadcast(env message.Envelope) error {
	m.net.broadcast(m.self, env)
	return nil
}

func (m *Memory) Inbox() []InboundNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.inbox
	m.inbox = nil
	return out
}

func (m *Memory) ClientInbox() []InboundClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.clientInbox
	m.clientInbox = nil
	return out
}

func (m *Memory) peerConnected(name types.NodeName) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = append(m.connected, name)
}

func (m *Memory) ConnectedPeers() []types.NodeName {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.connected
	m.connected = nil
	return out
}

// DeliverClientRequest is the test/harness hook a simulated client uses to
// submit a Request envelope as if it arrived over the wire.
func (m *Memory) DeliverClientRequest(from string, env message.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientInbox = append(m.clientInbox, InboundClient{From: from, Env: env})
}

func (m *Memory) SendToClient(clientAddr string, env message.Envelope) error {
	m.mu.Lock()
	ch, ok := m.clients[clientAddr]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- env:
	default:
	}
	return nil
}

// RegisterClient gives a simulated client a channel its replies land on.
func (m *Memory) RegisterClient(addr string) chan message.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan message.Envelope, 16)
	m.clients[addr] = ch
	return ch
}

func (m *Memory) Schedule(d time.Duration, action func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.due = append(m.due, scheduled{at: time.Now().Add(d), action: action})
}

func (m *Memory) DueActions() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var fire []func()
	var keep []scheduled
	for _, s := range m.due {
		if !s.at.After(now) {
			fire = append(fire, s.action)
		} else {
			keep = append(keep, s)
		}
	}
	m.due = keep
	return fire
}

// FireAllDue runs every pending scheduled action immediately, regardless
// of its delay, for deterministic tests that don't want to sleep real
// wall-clock time.
func (m *Memory) FireAllDue() {
	m.mu.Lock()
	due := m.due
	m.due = nil
	m.mu.Unlock()
	for _, s := range due {
		s.action()
	}
}

func (m *Memory) Close() error { return nil }
