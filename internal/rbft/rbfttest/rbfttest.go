// Package rbfttest is the in-memory multi-node test harness: it wires N
// Nodes together over a transport.Network and ticks their Prod loops
// deterministically, with no sockets and no wall-clock sleeps, so every
// protocol-level test builds its cluster the same way.
package rbfttest

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/sybtjp/plenum/internal/rbft/ledger"
	"github.com/sybtjp/plenum/internal/rbft/message"
	"github.com/sybtjp/plenum/internal/rbft/monitor"
	"github.com/sybtjp/plenum/internal/rbft/node"
	"github.com/sybtjp/plenum/internal/rbft/transport"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

// DefaultNames are the cluster member names tests use; NewCluster(n) takes
// the first n. Rank is their lexicographic order, not this listing order.
var DefaultNames = []types.NodeName{"Alpha", "Beta", "Gamma", "Delta", "Epsilon", "Zeta", "Eta"}

// Cluster is an in-memory cluster of n nodes sharing one Network.
type Cluster struct {
	F          int
	Names      []types.NodeName
	Net        *transport.Network
	Nodes      map[types.NodeName]*node.Node
	Transports map[types.NodeName]*transport.Memory
}

// Option tweaks each node's Config before construction.
type Option func(*node.Config)

// WithPerfCheckFreq overrides the periodic performance check interval.
func WithPerfCheckFreq(d time.Duration) Option {
	return func(c *node.Config) { c.PerfCheckFreq = d }
}

// WithMonitorConfig overrides the monitor tunables.
func WithMonitorConfig(mc monitor.Config) Option {
	return func(c *node.Config) { c.MonitorConfig = mc }
}

// WithValidators installs request operation validators.
func WithValidators(vs ...node.Validator) Option {
	return func(c *node.Config) { c.Validators = vs }
}

// NewCluster builds and starts an n-node cluster over memory transports
// and memory ledgers. n must be at most len(DefaultNames).
func NewCluster(n int, opts ...Option) (*Cluster, error) {
	if n > len(DefaultNames) {
		return nil, fmt.Errorf("rbfttest: cluster size %d exceeds available names", n)
	}
	names := append([]types.NodeName(nil), DefaultNames[:n]...)
	c := &Cluster{
		F:          types.F(n),
		Names:      names,
		Net:        transport.NewNetwork(),
		Nodes:      make(map[types.NodeName]*node.Node, n),
		Transports: make(map[types.NodeName]*transport.Memory, n),
	}
	logger := zap.NewNop().Sugar()
	for i, name := range names {
		tr := transport.NewMemory(c.Net, name)
		led, err := ledger.New(ledger.NewMemoryRecordStore(), ledger.NewMemoryHashStore())
		if err != nil {
			return nil, err
		}
		cfg := node.Config{
			Self:          name,
			Names:         names,
			PerfCheckFreq: time.Hour, // tests trigger view changes explicitly
			Rand:          rand.New(rand.NewSource(int64(i + 1))),
		}
		for _, opt := range opts {
			opt(&cfg)
		}
		c.Transports[name] = tr
		c.Nodes[name] = node.New(cfg, tr, led, logger)
	}
	for _, name := range names {
		c.Nodes[name].Start()
	}
	return c, nil
}

// Tick runs every node's Prod once with a generous budget, repeated
// rounds times, which is enough for any message sent in round k to be
// consumed by round k+1.
func (c *Cluster) Tick(rounds int) {
	for i := 0; i < rounds; i++ {
		for _, name := range c.Names {
			c.Nodes[name].Prod(1024)
		}
	}
}

// Disconnect partitions name off the network; its traffic is dropped in
// both directions until Reconnect.
func (c *Cluster) Disconnect(name types.NodeName) {
	c.Net.Disconnect(name)
}

// Reconnect heals a Disconnect partition.
func (c *Cluster) Reconnect(name types.NodeName) {
	c.Net.Reconnect(name)
}

// FireScheduled runs every pending scheduled action on every node
// immediately, regardless of its delay.
func (c *Cluster) FireScheduled() {
	for _, name := range c.Names {
		c.Transports[name].FireAllDue()
	}
}

// Client is a simulated client connected to one node.
type Client struct {
	Addr    string
	Node    types.NodeName
	Replies chan message.Envelope
	cluster *Cluster
}

// Connect registers a simulated client on the named node's transport.
func (c *Cluster) Connect(clientAddr string, nodeName types.NodeName) *Client {
	ch := c.Transports[nodeName].RegisterClient(clientAddr)
	return &Client{Addr: clientAddr, Node: nodeName, Replies: ch, cluster: c}
}

// Submit delivers req to the client's node as if it arrived over the wire.
func (cl *Client) Submit(req *message.Request) error {
	env, err := message.Encode(req)
	if err != nil {
		return err
	}
	cl.cluster.Transports[cl.Node].DeliverClientRequest(cl.Addr, env)
	return nil
}

// Drain decodes every envelope the client has received so far.
func (cl *Client) Drain() []message.Message {
	var out []message.Message
	for {
		select {
		case env := <-cl.Replies:
			if m, err := message.Decode(env); err == nil {
				out = append(out, m)
			}
		default:
			return out
		}
	}
}

// NewRequest builds a Request with an opaque typed operation, the shape
// the end-to-end scenarios submit.
func NewRequest(clientId types.ClientId, reqId types.ReqId, opType string) *message.Request {
	op, _ := json.Marshal(map[string]string{"type": opType})
	return message.NewRequest(clientId, reqId, op)
}

// SubmitAndSettle submits req through cl and ticks the cluster until every
// node has executed it or maxRounds elapses, returning whether all nodes
// hold a reply for it.
func (c *Cluster) SubmitAndSettle(cl *Client, req *message.Request, maxRounds int) bool {
	if err := cl.Submit(req); err != nil {
		return false
	}
	for i := 0; i < maxRounds; i++ {
		c.Tick(1)
		if c.allExecuted(req) {
			return true
		}
	}
	return c.allExecuted(req)
}

func (c *Cluster) allExecuted(req *message.Request) bool {
	for _, name := range c.Names {
		if _, ok := c.Nodes[name].TxnStore().Get(req.ClientId, req.ReqId); !ok {
			return false
		}
	}
	return true
}
