// Package node implements the orchestrator and I/O multiplexer: it
// decodes and routes inbound messages, runs the request lifecycle
// (REQUEST -> PROPAGATE -> forward -> Ordered -> execute -> Reply), and
// owns every other component (replicas, elector, monitor, ledger).
// All protocol state is mutated from the single cooperative Prod tick;
// transport, disk and timers report back through queues the tick drains.
package node

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sybtjp/plenum/internal/rbft/blacklist"
	"github.com/sybtjp/plenum/internal/rbft/common"
	"github.com/sybtjp/plenum/internal/rbft/crypto"
	"github.com/sybtjp/plenum/internal/rbft/elector"
	"github.com/sybtjp/plenum/internal/rbft/errs"
	"github.com/sybtjp/plenum/internal/rbft/ledger"
	"github.com/sybtjp/plenum/internal/rbft/message"
	"github.com/sybtjp/plenum/internal/rbft/metrics"
	"github.com/sybtjp/plenum/internal/rbft/monitor"
	"github.com/sybtjp/plenum/internal/rbft/propagator"
	"github.com/sybtjp/plenum/internal/rbft/replica"
	"github.com/sybtjp/plenum/internal/rbft/transport"
	"github.com/sybtjp/plenum/internal/rbft/txnstore"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

// DefaultOrderedRetryMax is the number of times processOrdered retries
// before dropping an Ordered whose request body never arrived.
const DefaultOrderedRetryMax = 3

// Validator checks a client-submitted operation payload before it is
// accepted into the pipeline. Return a non-nil error to reject with
// that reason.
type Validator func(op json.RawMessage) error

// Config configures a Node's identity, cluster membership and tunables.
type Config struct {
	Self            types.NodeName
	Names           []types.NodeName
	PerfCheckFreq   time.Duration
	TxnType         string
	OrderedRetryMax int
	MonitorConfig   monitor.Config
	Validators      []Validator
	ClientAuth      *crypto.Authenticator // nil disables client signature checks
	Rand            *rand.Rand            // injected so retry jitter is reproducible in tests
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.PerfCheckFreq <= 0 {
		cfg.PerfCheckFreq = 5 * time.Second
	}
	if cfg.TxnType == "" {
		cfg.TxnType = "default"
	}
	if cfg.OrderedRetryMax <= 0 {
		cfg.OrderedRetryMax = DefaultOrderedRetryMax
	}
	if cfg.MonitorConfig == (monitor.Config{}) {
		cfg.MonitorConfig = monitor.DefaultConfig
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(1))
	}
	return cfg
}

// Node is the per-process orchestrator: it owns the replicas, elector,
// monitor and ledger for one cluster member and multiplexes all inbound
// traffic through Prod.
type Node struct {
	cfg Config
	f   int

	transport  transport.Transport
	ledger     *ledger.Ledger
	txnStore   *txnstore.Store
	propagator *propagator.Propagator
	blacklist  *blacklist.Blacklister
	monitor    *monitor.Monitor
	elector    *elector.Elector
	replicas   []*replica.Replica
	logger     *zap.SugaredLogger

	viewNo              types.ViewNo
	instanceChangeVotes map[types.ViewNo]map[types.NodeName]bool
	clientAddr          map[types.ReqKey]string
	lastPerfCheck       time.Time
}

// New constructs a Node. Call Start before the first Prod to build its
// replicas and kick off primary election for view 0.
func New(cfg Config, tr transport.Transport, led *ledger.Ledger, logger *zap.SugaredLogger) *Node {
	full := cfg.withDefaults()
	n := &Node{
		cfg:                 full,
		f:                   types.F(len(full.Names)),
		transport:           tr,
		ledger:              led,
		txnStore:            txnstore.New(),
		propagator:          propagator.New(),
		blacklist:           blacklist.New(),
		monitor:             monitor.New(full.MonitorConfig, types.MasterInstId),
		logger:              logger,
		instanceChangeVotes: make(map[types.ViewNo]map[types.NodeName]bool),
		clientAddr:          make(map[types.ReqKey]string),
	}
	n.elector = elector.New(full.Self, full.Names, n)
	return n
}

// Start builds the node's f+1 replicas and begins primary election for
// view 0 on each instance.
func (n *Node) Start() {
	numInstances := types.NumInstances(n.f)
	n.replicas = make([]*replica.Replica, numInstances)
	for i := 0; i < numInstances; i++ {
		n.replicas[i] = replica.New(types.InstId(i), n.cfg.Self, n.cfg.Names, n)
	}
	for i := 0; i < numInstances; i++ {
		n.elector.StartElection(types.InstId(i), n.viewNo)
	}
	n.lastPerfCheck = time.Now()
}

// Stop flushes and closes the node's storage and transport, waiting up to
// the TransactionStore's configured timeout for in-flight reads to drain.
func (n *Node) Stop(ctx context.Context) error {
	if err := n.txnStore.Stop(ctx); err != nil {
		return err
	}
	if err := n.ledger.Close(); err != nil {
		return err
	}
	return n.transport.Close()
}

// --- replica.Deps / elector.Deps ---

func (n *Node) Send(to types.NodeName, msg message.Message) error {
	env, err := message.Encode(msg)
	if err != nil {
		return err
	}
	return n.transport.Send(to, env)
}

func (n *Node) Broadcast(msg message.Message) error {
	env, err := message.Encode(msg)
	if err != nil {
		return err
	}
	return n.transport.Broadcast(env)
}

func (n *Node) ReportSuspicion(peer types.NodeName, code errs.SuspicionCode) {
	n.blacklist.SuspectNode(peer, code)
	if n.logger != nil {
		n.logger.Warnw("suspicious node", "peer", peer, "code", code)
	}
}

func (n *Node) SetPrimary(instId types.InstId, viewNo types.ViewNo, name types.NodeName) {
	if int(instId) >= len(n.replicas) {
		return
	}
	n.replicas[instId].SetPrimary(viewNo, name)
}

// --- Prod: the single cooperative tick ---

// Prod services, in order, the lifecycle (periodic performance check),
// inbound node messages, replica Ordered queues, inbound client messages,
// and deferred (scheduled) actions, and returns how many items it
// processed. Inbound messages and deferred actions stop at limit; every
// Ordered message drained from the replicas is processed regardless of
// limit, so the returned count can exceed it. It is always safe to call
// again; it never blocks on I/O.
func (n *Node) Prod(limit int) int {
	processed := 0
	n.performCheck(time.Now())

	for _, peer := range n.transport.ConnectedPeers() {
		n.catchUpPeer(peer)
	}

	for _, in := range n.transport.Inbox() {
		if processed >= limit {
			return processed
		}
		n.handleNodeEnvelope(in.From, in.Env)
		processed++
	}

	processed += n.collectOrdered(limit - processed)
	if processed >= limit {
		return processed
	}

	for _, in := range n.transport.ClientInbox() {
		if processed >= limit {
			return processed
		}
		n.handleClientEnvelope(in.From, in.Env)
		processed++
	}

	for _, action := range n.transport.DueActions() {
		if processed >= limit {
			return processed
		}
		action()
		processed++
	}

	return processed
}

// --- lifecycle ---

func (n *Node) performCheck(now time.Time) {
	if now.Sub(n.lastPerfCheck) < n.cfg.PerfCheckFreq {
		return
	}
	n.lastPerfCheck = now
	if !n.monitor.IsMasterDegraded() {
		return
	}
	// One vote per view: re-broadcasting while still degraded would earn
	// this node a DUPLICATE_INST_CHNG suspicion from every correct peer.
	if votes := n.instanceChangeVotes[n.viewNo]; votes != nil && votes[n.cfg.Self] {
		return
	}
	n.Broadcast(message.NewInstanceChange(n.viewNo))
	n.recordInstanceChangeVote(n.viewNo, n.cfg.Self, true)
}

// catchUpPeer retransmits this node's election traffic for the current
// view to a peer that just connected (or reconnected), so a lagging
// member can still observe the nomination and primary quorums.
func (n *Node) catchUpPeer(peer types.NodeName) {
	if peer == n.cfg.Self || n.blacklist.IsNodeBlacklisted(peer) {
		return
	}
	for i := range n.replicas {
		n.elector.CatchUp(types.InstId(i), n.viewNo, peer, n.Send)
	}
}

// --- node message dispatch ---

func (n *Node) handleNodeEnvelope(from types.NodeName, env message.Envelope) {
	if n.blacklist.IsNodeBlacklisted(from) {
		return
	}
	msg, err := message.Decode(env)
	if err != nil {
		// Malformed peer input: drop without suspicion.
		return
	}
	// Ops outside the transport-authenticated whitelist carry their own
	// signature and must be verified before dispatch; signature failure
	// on a node envelope is node-suspicion with a code.
	if !message.IsTransportAuthenticated(env.Op) {
		if err := n.verifyNodeMessage(msg); err != nil {
			n.ReportSuspicion(from, errs.InvalidReqSignature)
			return
		}
	}
	switch m := msg.(type) {
	case *message.Batch:
		for _, inner := range m.Messages {
			n.handleNodeEnvelope(from, inner)
		}
	case *message.Propagate:
		n.handlePropagate(from, m)
	case *message.InstanceChange:
		n.recordInstanceChangeVote(m.ViewNo, from, false)
	case *message.Nomination:
		n.elector.HandleNomination(m, from)
	case *message.Primary:
		n.elector.HandlePrimary(m, from)
	case *message.Reelection:
		n.elector.HandleReelection(m)
	case *message.PrePrepare:
		n.routeToReplica(m.InstId, func(r *replica.Replica) { r.HandlePrePrepare(m, from) })
	case *message.Prepare:
		n.routeToReplica(m.InstId, func(r *replica.Replica) { r.HandlePrepare(m) })
	case *message.Commit:
		n.routeToReplica(m.InstId, func(r *replica.Replica) { r.HandleCommit(m) })
	default:
		// Request and client-directed variants never arrive over the
		// node channel; treat as invalid node traffic and drop.
	}
}

// verifyNodeMessage checks the embedded signature of a non-whitelisted
// node message. For PROPAGATE that is the wrapped client Request: f+1
// witnesses mean nothing if each witness blindly rebroadcast a forged
// request a single Byzantine peer injected.
func (n *Node) verifyNodeMessage(msg message.Message) error {
	m, ok := msg.(*message.Propagate)
	if !ok {
		return nil
	}
	return n.authenticateRequest(&m.Request)
}

// authenticateRequest verifies a client Request's own signature, a no-op
// when no Authenticator is configured.
func (n *Node) authenticateRequest(req *message.Request) error {
	if n.cfg.ClientAuth == nil {
		return nil
	}
	payload, err := req.SignBytes()
	if err != nil {
		return err
	}
	return n.cfg.ClientAuth.Authenticate(req.ClientId, crypto.SignedEnvelope{Payload: payload, Signature: req.Signature})
}

func (n *Node) routeToReplica(instId types.InstId, fn func(*replica.Replica)) {
	if int(instId) < 0 || int(instId) >= len(n.replicas) {
		// Out-of-range instId: discard without suspicion.
		return
	}
	fn(n.replicas[instId])
}

func (n *Node) handlePropagate(from types.NodeName, m *message.Propagate) {
	req := m.Request
	n.recordPropagateAndMaybeForward(&req, from)
	// First observation of this request: rebroadcast our own PROPAGATE so
	// the f+1 witness quorum can assemble even when only one node heard
	// the client directly.
	if !n.propagator.HasPropagated(req.Key(), n.cfg.Self) {
		n.Broadcast(message.NewPropagate(req, m.SenderClient))
		n.recordPropagateAndMaybeForward(&req, n.cfg.Self)
	}
}

func (n *Node) recordPropagateAndMaybeForward(req *message.Request, witness types.NodeName) {
	n.propagator.AddPropagate(req, witness)
	key := req.Key()
	if !n.propagator.CanForward(key, n.f+1) {
		return
	}
	n.propagator.FlagAsForwarded(key)
	digest, err := requestDigest(req)
	if err != nil {
		return
	}
	for _, r := range n.replicas {
		r.EnqueueForwarded(req.ClientId, req.ReqId, digest)
	}
}

func requestDigest(req *message.Request) (types.Digest, error) {
	b, err := req.SignBytes()
	if err != nil {
		return "", err
	}
	return types.Digest(common.SHA256Hex(b)), nil
}

// --- instance change / view change ---

func (n *Node) recordInstanceChangeVote(v types.ViewNo, voter types.NodeName, selfBelievesDegraded bool) {
	if v < n.viewNo {
		return
	}
	votes, exists := n.instanceChangeVotes[v]
	if !exists {
		if !selfBelievesDegraded && !n.monitor.IsMasterDegraded() {
			return
		}
		votes = make(map[types.NodeName]bool)
		n.instanceChangeVotes[v] = votes
	}
	if votes[voter] {
		if voter != n.cfg.Self {
			n.blacklist.SuspectNode(voter, errs.DuplicateInstChange)
		}
		return
	}
	votes[voter] = true
	if len(votes) >= types.Quorum(n.f) && n.viewNo <= v {
		n.advanceView(v + 1)
	}
}

func (n *Node) advanceView(newView types.ViewNo) {
	n.viewNo = newView
	metrics.SetViewNo(uint64(newView))
	metrics.RecordInstanceChange()
	n.monitor.Reset()
	for _, r := range n.replicas {
		r.ResetForViewChange(newView)
	}
	for i := range n.replicas {
		n.elector.StartElection(types.InstId(i), newView)
	}
	// Re-propose every forwarded-but-unexecuted request under the new
	// view; the reset wiped the replicas' in-flight assignments.
	for _, req := range n.propagator.Forwarded() {
		digest, err := requestDigest(req)
		if err != nil {
			continue
		}
		for _, r := range n.replicas {
			r.EnqueueForwarded(req.ClientId, req.ReqId, digest)
		}
	}
	if n.logger != nil {
		n.logger.Infow("view changed", "newView", newView)
	}
}

// ViewNo returns the node's current view number.
func (n *Node) ViewNo() types.ViewNo { return n.viewNo }

// --- client request handling ---

func (n *Node) handleClientEnvelope(from string, env message.Envelope) {
	msg, err := message.Decode(env)
	if err != nil {
		return
	}
	req, ok := msg.(*message.Request)
	if !ok {
		return
	}
	if n.blacklist.IsClientBlacklisted(req.ClientId) {
		return
	}
	if err := n.authenticateRequest(req); err != nil {
		n.sendNack(from, req.ReqId, "invalid signature")
		n.blacklist.BlacklistClient(req.ClientId)
		return
	}
	n.handleRequest(from, req)
}

func (n *Node) handleRequest(from string, req *message.Request) {
	key := req.Key()
	n.clientAddr[key] = from

	if reply, ok := n.txnStore.Get(req.ClientId, req.ReqId); ok {
		n.sendAck(from, req.ReqId)
		n.sendReply(from, reply)
		return
	}

	for _, v := range n.cfg.Validators {
		if err := v(req.Operation); err != nil {
			n.sendNack(from, req.ReqId, err.Error())
			return
		}
	}

	n.sendAck(from, req.ReqId)

	n.propagator.Add(req)
	metrics.SetRequestsInflight(n.propagator.Len())
	n.recordPropagateAndMaybeForward(req, n.cfg.Self)
	n.Broadcast(message.NewPropagate(*req, req.ClientId))
}

func (n *Node) sendAck(to string, reqId types.ReqId) {
	env, err := message.Encode(message.NewRequestAck(reqId))
	if err != nil {
		return
	}
	n.transport.SendToClient(to, env)
}

func (n *Node) sendNack(to string, reqId types.ReqId, reason string) {
	env, err := message.Encode(message.NewRequestNack(reqId, reason))
	if err != nil {
		return
	}
	metrics.RecordRequestRejected()
	n.transport.SendToClient(to, env)
}

func (n *Node) sendReply(to string, result message.ReplyResult) {
	reply := message.NewReply(result)
	// Stamp the reply with its transaction time rather than the send time,
	// so a cached reply re-sent for a repeated request is byte-identical.
	reply.Timestamp = result.TxnTime
	env, err := message.Encode(reply)
	if err != nil {
		return
	}
	metrics.RecordReply()
	n.transport.SendToClient(to, env)
}

// --- Ordered collection / execution ---

func (n *Node) collectOrdered(budget int) int {
	processed := 0
	for _, r := range n.replicas {
		for _, o := range r.DrainOrdered() {
			n.monitor.RequestOrdered(o.InstId, time.Unix(0, o.PpTime), time.Now())
			lat, tps := n.monitor.InstanceStats(o.InstId)
			metrics.SetInstanceStats(strconv.Itoa(int(o.InstId)), lat, tps)
			if o.InstId == types.MasterInstId {
				n.processOrdered(o, 0)
			}
			processed++
		}
	}
	return processed
}

func (n *Node) processOrdered(o *message.Ordered, attempt int) {
	key := types.ReqKey{ClientId: o.Identifier, ReqId: o.ReqId}
	// Already executed: a stale re-ordering (late PROPAGATE resurrecting
	// the request across a view change) must not append twice.
	if _, done := n.txnStore.Get(o.Identifier, o.ReqId); done {
		n.propagator.Remove(key)
		return
	}
	st, ok := n.propagator.Get(key)
	if !ok || st.Request == nil {
		if attempt >= n.cfg.OrderedRetryMax {
			if n.logger != nil {
				n.logger.Warnw("dropping ordered request, body never arrived", "clientId", o.Identifier, "reqId", o.ReqId)
			}
			return
		}
		delay := n.randomBackoff()
		n.transport.Schedule(delay, func() { n.processOrdered(o, attempt+1) })
		return
	}
	n.execute(st.Request, o)
}

func (n *Node) execute(req *message.Request, o *message.Ordered) {
	result, err := n.generateReply(req, o)
	if err != nil {
		if n.logger != nil {
			n.logger.Errorw("ledger append failed", "error", err)
		}
		return
	}
	if addr, ok := n.clientAddr[req.Key()]; ok {
		n.sendReply(addr, result)
		delete(n.clientAddr, req.Key())
	}
	n.propagator.Remove(req.Key())
	metrics.SetLedgerSize(n.ledger.Size())
	metrics.SetRequestsInflight(n.propagator.Len())
}

// generateReply computes txnId, appends the executed transaction to the
// ledger, and persists the resulting Reply in the TransactionStore.
func (n *Node) generateReply(req *message.Request, o *message.Ordered) (message.ReplyResult, error) {
	txnId := common.TxnIdOf(req.ClientId, req.ReqId)
	rec, proof, err := n.ledger.Append(req.ClientId, req.ReqId, txnId, o.PpTime, n.cfg.TxnType)
	if err != nil {
		return message.ReplyResult{}, err
	}
	result := message.ReplyResult{
		Identifier: req.ClientId,
		ReqId:      req.ReqId,
		TxnId:      txnId,
		TxnTime:    rec.TxnTime,
		TxnType:    rec.TxnType,
		SeqNo:      rec.SeqNo,
		AuditPath:  proof.AuditPath,
		RootHash:   proof.RootHash,
	}
	if err := n.txnStore.Append(result); err != nil {
		return message.ReplyResult{}, err
	}
	return result, nil
}

func (n *Node) randomBackoff() time.Duration {
	// 2-4 second random backoff.
	jitter := n.cfg.Rand.Int63n(int64(2 * time.Second))
	return 2*time.Second + time.Duration(jitter)
}

// TxnStore exposes the node's reply cache, for read-only diagnostics
// (e.g. a CLI "get-txn" command) and tests.
func (n *Node) TxnStore() *txnstore.Store { return n.txnStore }

// Blacklist exposes the node's blacklister, for tests and diagnostics.
func (n *Node) Blacklist() *blacklist.Blacklister { return n.blacklist }

// Monitor exposes the node's performance monitor, for tests and metrics
// export.
func (n *Node) Monitor() *monitor.Monitor { return n.monitor }

// Ledger exposes the node's ledger, for tests and diagnostics.
func (n *Node) Ledger() *ledger.Ledger { return n.ledger }

// Replicas exposes the node's per-instance replicas, for tests.
func (n *Node) Replicas() []*replica.Replica { return n.replicas }

// Self returns this node's own NodeName.
func (n *Node) Self() types.NodeName { return n.cfg.Self }
