package node

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sybtjp/plenum/internal/rbft/crypto"
	"github.com/sybtjp/plenum/internal/rbft/errs"
	"github.com/sybtjp/plenum/internal/rbft/ledger"
	"github.com/sybtjp/plenum/internal/rbft/message"
	"github.com/sybtjp/plenum/internal/rbft/transport"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

func testNode(t *testing.T) (*Node, *transport.Memory) {
	t.Helper()
	net := transport.NewNetwork()
	tr := transport.NewMemory(net, "Alpha")
	led, err := ledger.New(ledger.NewMemoryRecordStore(), ledger.NewMemoryHashStore())
	if err != nil {
		t.Fatal(err)
	}
	n := New(Config{
		Self:  "Alpha",
		Names: []types.NodeName{"Alpha", "Beta", "Gamma", "Delta"},
	}, tr, led, zap.NewNop().Sugar())
	n.Start()
	return n, tr
}

func testAuthedNode(t *testing.T) (*Node, *transport.Memory, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	ring := crypto.MapKeyRing{types.ClientId("Alice"): &key.PublicKey}
	net := transport.NewNetwork()
	tr := transport.NewMemory(net, "Alpha")
	led, err := ledger.New(ledger.NewMemoryRecordStore(), ledger.NewMemoryHashStore())
	if err != nil {
		t.Fatal(err)
	}
	n := New(Config{
		Self:       "Alpha",
		Names:      []types.NodeName{"Alpha", "Beta", "Gamma", "Delta"},
		ClientAuth: crypto.NewAuthenticator(ring),
	}, tr, led, zap.NewNop().Sugar())
	n.Start()
	return n, tr, key
}

func signedRequest(t *testing.T, key *ecdsa.PrivateKey) *message.Request {
	t.Helper()
	req := message.NewRequest("Alice", 1, json.RawMessage(`{"type":"T"}`))
	payload, err := req.SignBytes()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := crypto.SignPayload(key, payload)
	if err != nil {
		t.Fatal(err)
	}
	req.Signature = sig
	return req
}

func TestPropagateWithForgedRequestRejected(t *testing.T) {
	n, _, _ := testAuthedNode(t)

	// A Byzantine peer wraps an unsigned request in a PROPAGATE; witness
	// counting must never start for it.
	forged := message.NewRequest("Alice", 1, json.RawMessage(`{"type":"T"}`))
	env, err := message.Encode(message.NewPropagate(*forged, "Alice"))
	if err != nil {
		t.Fatal(err)
	}
	n.handleNodeEnvelope("Beta", env)

	if _, ok := n.propagator.Get(forged.Key()); ok {
		t.Fatal("forged propagate reached the requests registry")
	}
	if got := n.blacklist.NodeSuspicionCount("Beta", errs.InvalidReqSignature); got != 1 {
		t.Fatalf("suspicion count = %d, want 1", got)
	}
	if !n.blacklist.IsNodeBlacklisted("Beta") {
		t.Fatal("an invalid-signature sender must be blacklisted")
	}
}

func TestPropagateWithTamperedRequestRejected(t *testing.T) {
	n, _, key := testAuthedNode(t)

	req := signedRequest(t, key)
	req.ReqId = 2 // payload no longer matches the signature
	env, err := message.Encode(message.NewPropagate(*req, "Alice"))
	if err != nil {
		t.Fatal(err)
	}
	n.handleNodeEnvelope("Beta", env)

	if _, ok := n.propagator.Get(req.Key()); ok {
		t.Fatal("tampered propagate reached the requests registry")
	}
	if !n.blacklist.IsNodeBlacklisted("Beta") {
		t.Fatal("tampered-signature sender must be blacklisted")
	}
}

func TestPropagateWithValidSignatureAccepted(t *testing.T) {
	n, _, key := testAuthedNode(t)

	req := signedRequest(t, key)
	env, err := message.Encode(message.NewPropagate(*req, "Alice"))
	if err != nil {
		t.Fatal(err)
	}
	n.handleNodeEnvelope("Beta", env)

	st, ok := n.propagator.Get(req.Key())
	if !ok {
		t.Fatal("valid propagate did not reach the requests registry")
	}
	if !st.Propagates["Beta"] {
		t.Fatal("witness not recorded for the valid propagate")
	}
	if n.blacklist.IsNodeBlacklisted("Beta") {
		t.Fatal("valid sender blacklisted")
	}
}

func TestTransportAuthenticatedOpsSkipSignatureCheck(t *testing.T) {
	n, _, _ := testAuthedNode(t)

	// Whitelisted traffic carries no embedded signature and must pass
	// straight to dispatch even with an Authenticator configured.
	env, err := message.Encode(message.NewInstanceChange(0))
	if err != nil {
		t.Fatal(err)
	}
	n.handleNodeEnvelope("Beta", env)
	if n.blacklist.IsNodeBlacklisted("Beta") {
		t.Fatal("whitelisted op triggered a signature check")
	}
}

func TestOrderedWithoutBodyRetriesThenDrops(t *testing.T) {
	n, tr := testNode(t)

	o := message.NewOrdered(types.MasterInstId, 0, "Alice", 1, "digest", time.Now().UnixNano())
	n.processOrdered(o, 0)

	// Three scheduled retries, then the Ordered is dropped for good.
	for i := 0; i < DefaultOrderedRetryMax; i++ {
		tr.FireAllDue()
	}
	if fired := tr.DueActions(); len(fired) != 0 {
		t.Fatalf("retry still scheduled after %d attempts", DefaultOrderedRetryMax)
	}
	if n.ledger.Size() != 0 {
		t.Fatal("ledger must stay unchanged when the request body never arrives")
	}
}

func TestOrderedExecutesOnceBodyArrives(t *testing.T) {
	n, tr := testNode(t)

	o := message.NewOrdered(types.MasterInstId, 0, "Alice", 1, "digest", time.Unix(0, 4200).UnixNano())
	n.processOrdered(o, 0)

	// The body arrives within the retry window.
	req := message.NewRequest("Alice", 1, json.RawMessage(`{"type":"T"}`))
	n.propagator.Add(req)
	tr.FireAllDue()

	if n.ledger.Size() != 1 {
		t.Fatalf("ledger size = %d, want 1", n.ledger.Size())
	}
	reply, ok := n.txnStore.Get("Alice", 1)
	if !ok {
		t.Fatal("reply not persisted")
	}
	if reply.SeqNo != 1 {
		t.Fatalf("seqNo = %d, want 1", reply.SeqNo)
	}
	if reply.TxnTime != 4200 {
		t.Fatalf("txnTime = %d, want the Ordered's ppTime", reply.TxnTime)
	}
}

func TestNonMasterOrderedDoesNotExecute(t *testing.T) {
	n, _ := testNode(t)

	req := message.NewRequest("Alice", 1, json.RawMessage(`{"type":"T"}`))
	n.propagator.Add(req)

	// Drive instance 1 through a full three-phase commit; its Ordered
	// must only feed the monitor, never the ledger.
	r := n.replicas[1]
	r.EnqueueForwarded("Alice", 1, "d1")
	r.HandlePrePrepare(message.NewPrePrepare(1, 0, 1, "Alice", 1, "d1", 42), "Beta")
	r.HandlePrepare(message.NewPrepare(1, 0, 1, "d1", "Gamma"))
	r.HandleCommit(message.NewCommit(1, 0, 1, "d1", "Beta"))
	r.HandleCommit(message.NewCommit(1, 0, 1, "d1", "Gamma"))
	if got := n.collectOrdered(1024); got != 1 {
		t.Fatalf("collected %d ordered, want 1", got)
	}
	if n.ledger.Size() != 0 {
		t.Fatal("backup Ordered must never execute")
	}
	lat, tps := n.monitor.InstanceStats(1)
	if tps == 0 && lat == 0 {
		t.Fatal("backup Ordered should have fed the monitor")
	}
}

func TestValidatorRejectionNacks(t *testing.T) {
	net := transport.NewNetwork()
	tr := transport.NewMemory(net, "Alpha")
	led, _ := ledger.New(ledger.NewMemoryRecordStore(), ledger.NewMemoryHashStore())
	reject := func(op json.RawMessage) error {
		return errors.New("unsupported operation")
	}
	n := New(Config{
		Self:       "Alpha",
		Names:      []types.NodeName{"Alpha", "Beta", "Gamma", "Delta"},
		Validators: []Validator{reject},
	}, tr, led, zap.NewNop().Sugar())
	n.Start()

	replies := tr.RegisterClient("client-1")
	env, _ := message.Encode(message.NewRequest("Alice", 1, json.RawMessage(`{}`)))
	tr.DeliverClientRequest("client-1", env)
	n.Prod(16)

	select {
	case got := <-replies:
		if got.Op != message.OpRequestNack {
			t.Fatalf("client received %s, want %s", got.Op, message.OpRequestNack)
		}
	default:
		t.Fatal("no nack delivered")
	}
}

func TestInstanceChangeBelowQuorumDoesNotAdvanceView(t *testing.T) {
	n, _ := testNode(t)

	// Make the local monitor agree the master is degraded so peer votes
	// are accepted at all.
	now := time.Now()
	for i := 0; i < 6; i++ {
		n.monitor.RequestOrdered(1, now.Add(-time.Millisecond), now)
	}

	n.recordInstanceChangeVote(0, "Beta", false)
	n.recordInstanceChangeVote(0, "Gamma", false)
	if n.ViewNo() != 0 {
		t.Fatalf("view advanced on %d votes, quorum is 3", 2)
	}
	n.recordInstanceChangeVote(0, "Delta", false)
	if n.ViewNo() != 1 {
		t.Fatalf("view = %d after quorum, want 1", n.ViewNo())
	}
}

func TestInstanceChangeIgnoredWhenMasterHealthy(t *testing.T) {
	n, _ := testNode(t)
	// No monitor samples: the local node does not consider the master
	// degraded, so a lone peer vote for a fresh view is discarded.
	n.recordInstanceChangeVote(0, "Beta", false)
	if len(n.instanceChangeVotes) != 0 {
		t.Fatal("vote recorded despite healthy local master")
	}
}

func TestDuplicateInstanceChangeVoteRaisesSuspicion(t *testing.T) {
	n, _ := testNode(t)
	now := time.Now()
	for i := 0; i < 6; i++ {
		n.monitor.RequestOrdered(1, now.Add(-time.Millisecond), now)
	}

	n.recordInstanceChangeVote(0, "Beta", false)
	n.recordInstanceChangeVote(0, "Beta", false)
	if got := n.blacklist.NodeSuspicionCount("Beta", "DUPLICATE_INST_CHNG"); got != 1 {
		t.Fatalf("duplicate vote suspicion count = %d, want 1", got)
	}
}

func TestLateConnectingPeerGetsElectionCatchUp(t *testing.T) {
	net := transport.NewNetwork()
	tr := transport.NewMemory(net, "Alpha")
	led, _ := ledger.New(ledger.NewMemoryRecordStore(), ledger.NewMemoryHashStore())
	n := New(Config{
		Self:  "Alpha",
		Names: []types.NodeName{"Alpha", "Beta", "Gamma", "Delta"},
	}, tr, led, zap.NewNop().Sugar())
	n.Start() // elections broadcast into an empty network

	// Beta connects after the election traffic already went out; the
	// next Prod must retransmit Alpha's own votes to it.
	late := transport.NewMemory(net, "Beta")
	n.Prod(64)

	noms := 0
	for _, in := range late.Inbox() {
		if in.From != "Alpha" {
			continue
		}
		if msg, err := message.Decode(in.Env); err == nil {
			if _, ok := msg.(*message.Nomination); ok {
				noms++
			}
		}
	}
	if noms != len(n.Replicas()) {
		t.Fatalf("late peer received %d nominations, want one per instance (%d)", noms, len(n.Replicas()))
	}
}

func TestStaleInstanceChangeDiscarded(t *testing.T) {
	n, _ := testNode(t)
	n.viewNo = 2
	n.recordInstanceChangeVote(1, "Beta", false)
	if len(n.instanceChangeVotes) != 0 {
		t.Fatal("stale vote recorded")
	}
}
