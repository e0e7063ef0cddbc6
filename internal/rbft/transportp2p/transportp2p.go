// Package transportp2p is the production implementation of the Node's
// Transport seam: libp2p-pubsub gossip topics for node-to-node traffic,
// Kademlia-DHT peer discovery, and STUN-assisted external address
// reporting. One GossipSub topic per message class, with a
// content-addressed message id so relayed frames deliver once. Sender
// authentication rides on libp2p's noise-secured channels plus a
// configured peerID->NodeName registry; frames claiming a name their
// libp2p identity doesn't own are dropped.
package transportp2p

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/sybtjp/plenum/internal/rbft/message"
	"github.com/sybtjp/plenum/internal/rbft/transport"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

const (
	// TopicPropagate carries PROPAGATE rebroadcasts of client requests.
	TopicPropagate = "rbft/propagate/v1"
	// TopicConsensus carries the three-phase commit traffic.
	TopicConsensus = "rbft/consensus/v1"
	// TopicElection carries election and view-change traffic.
	TopicElection = "rbft/election/v1"
)

func topicFor(op message.Op) string {
	switch op {
	case message.OpPropagate:
		return TopicPropagate
	case message.OpPrePrepare, message.OpPrepare, message.OpCommit:
		return TopicConsensus
	default:
		return TopicElection
	}
}

// msgIDFn derives the pubsub message id from the payload hash so a frame
// relayed along two gossip paths is delivered once.
func msgIDFn(pmsg *pb.Message) string {
	h := sha256.Sum256(pmsg.Data)
	return fmt.Sprintf("%x", h)
}

// frame is the gossip wrapper around a protocol Envelope. To is empty for
// a broadcast; a frame addressed to another node is skipped on receipt.
type frame struct {
	From types.NodeName   `json:"from"`
	To   types.NodeName   `json:"to,omitempty"`
	Env  message.Envelope `json:"env"`
}

// Config wires a P2P transport to its cluster.
type Config struct {
	Self types.NodeName
	// Peers maps a libp2p peer ID (its string form) to the NodeName it is
	// allowed to speak as. Frames whose claimed From doesn't match the
	// authenticated libp2p sender are dropped.
	Peers map[string]types.NodeName
	// Bootstrap multiaddrs handed to StartDiscovery.
	Bootstrap []string
	// StunServer optionally overrides the default STUN server for
	// external address discovery; "-" disables the lookup.
	StunServer string
}

// P2P implements transport.Transport over a libp2p host.
type P2P struct {
	mu sync.Mutex

	cfg    Config
	host   host.Host
	ps     *pubsub.PubSub
	topics map[string]*pubsub.Topic
	disc   *Discovery
	logger *zap.SugaredLogger
	cancel context.CancelFunc

	inbox        []transport.InboundNode
	clientInbox  []transport.InboundClient
	connected    []types.NodeName
	clientSender func(addr string, env message.Envelope) error
	due          []scheduledAction
}

// connNotifiee feeds libp2p connection events into the transport's
// connected-peer queue, translated through the peerID->NodeName registry
// so only cluster members surface.
type connNotifiee struct{ t *P2P }

func (cn *connNotifiee) Listen(network.Network, multiaddr.Multiaddr)      {}
func (cn *connNotifiee) ListenClose(network.Network, multiaddr.Multiaddr) {}
func (cn *connNotifiee) Disconnected(network.Network, network.Conn)       {}

func (cn *connNotifiee) Connected(_ network.Network, c network.Conn) {
	name, ok := cn.t.cfg.Peers[c.RemotePeer().String()]
	if !ok {
		return
	}
	cn.t.mu.Lock()
	cn.t.connected = append(cn.t.connected, name)
	cn.t.mu.Unlock()
}

type scheduledAction struct {
	at     time.Time
	action func()
}

// New builds the gossip transport on h, joins the three protocol topics
// and starts DHT discovery. The caller owns h's lifecycle until Close.
func New(ctx context.Context, h host.Host, cfg Config, logger *zap.SugaredLogger) (*P2P, error) {
	ctx, cancel := context.WithCancel(ctx)

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
		pubsub.WithMessageIdFn(msgIDFn),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transportp2p: create gossipsub: %w", err)
	}

	t := &P2P{
		cfg:    cfg,
		host:   h,
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
		logger: logger,
		cancel: cancel,
	}

	for _, name := range []string{TopicPropagate, TopicConsensus, TopicElection} {
		topic, err := ps.Join(name)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("transportp2p: join %s: %w", name, err)
		}
		t.topics[name] = topic
		sub, err := topic.Subscribe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("transportp2p: subscribe %s: %w", name, err)
		}
		go t.readLoop(ctx, sub)
	}

	h.Network().Notify(&connNotifiee{t: t})

	if cfg.StunServer != "-" {
		go t.reportExternalAddr()
	}

	disc, err := StartDiscovery(ctx, h, cfg.Bootstrap, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	t.disc = disc

	logger.Infow("p2p transport up", "peerID", h.ID().String(), "addrs", h.Addrs())
	return t, nil
}

func (t *P2P) reportExternalAddr() {
	natType, addr, err := ExternalAddr(t.cfg.StunServer)
	if err != nil {
		t.logger.Debugw("stun lookup failed", "error", err)
		return
	}
	t.logger.Infow("external address discovered", "nat", natType, "addr", addr)
}

func (t *P2P) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == t.host.ID() || msg.GetFrom() == t.host.ID() {
			continue
		}
		var f frame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			continue
		}
		senderName, known := t.cfg.Peers[msg.GetFrom().String()]
		if !known || senderName != f.From {
			// Unknown libp2p identity, or a frame claiming a NodeName its
			// sender doesn't own.
			continue
		}
		if f.To != "" && f.To != t.cfg.Self {
			continue
		}
		t.mu.Lock()
		t.inbox = append(t.inbox, transport.InboundNode{From: f.From, Env: f.Env})
		t.mu.Unlock()
	}
}

func (t *P2P) publish(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	topic := t.topics[topicFor(f.Env.Op)]
	return topic.Publish(context.Background(), data)
}

func (t *P2P) Send(to types.NodeName, env message.Envelope) error {
	return t.publish(frame{From: t.cfg.Self, To: to, Env: env})
}

func (t *P2P) Broadcast(env message.Envelope) error {
	return t.publish(frame{From: t.cfg.Self, Env: env})
}

func (t *P2P) Inbox() []transport.InboundNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.inbox
	t.inbox = nil
	return out
}

func (t *P2P) ClientInbox() []transport.InboundClient {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.clientInbox
	t.clientInbox = nil
	return out
}

func (t *P2P) ConnectedPeers() []types.NodeName {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.connected
	t.connected = nil
	return out
}

// DeliverClientRequest is the hook the client-facing gateway feeds
// inbound client envelopes through.
func (t *P2P) DeliverClientRequest(from string, env message.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clientInbox = append(t.clientInbox, transport.InboundClient{From: from, Env: env})
}

// SetClientSender registers the gateway callback SendToClient delivers
// replies through. Before registration, replies to clients are dropped.
func (t *P2P) SetClientSender(send func(addr string, env message.Envelope) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clientSender = send
}

func (t *P2P) SendToClient(clientAddr string, env message.Envelope) error {
	t.mu.Lock()
	send := t.clientSender
	t.mu.Unlock()
	if send == nil {
		return nil
	}
	return send(clientAddr, env)
}

func (t *P2P) Schedule(d time.Duration, action func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.due = append(t.due, scheduledAction{at: time.Now().Add(d), action: action})
}

func (t *P2P) DueActions() []func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	var fire []func()
	var keep []scheduledAction
	for _, s := range t.due {
		if !s.at.After(now) {
			fire = append(fire, s.action)
		} else {
			keep = append(keep, s)
		}
	}
	t.due = keep
	return fire
}

func (t *P2P) Close() error {
	t.cancel()
	if t.disc != nil {
		if err := t.disc.Close(); err != nil {
			t.logger.Warnw("dht close failed", "error", err)
		}
	}
	return t.host.Close()
}
