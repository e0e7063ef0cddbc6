package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sybtjp/plenum/internal/rbft/errs"
	"github.com/sybtjp/plenum/internal/rbft/message"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

var names = []types.NodeName{"Alpha", "Beta", "Gamma", "Delta"}

type fakeDeps struct {
	broadcasts []message.Message
	suspicions map[types.NodeName][]errs.SuspicionCode
}

func newFakeDeps() *fakeDeps {
	return &fakeDeps{suspicions: make(map[types.NodeName][]errs.SuspicionCode)}
}

func (f *fakeDeps) Send(to types.NodeName, m message.Message) error { return nil }

func (f *fakeDeps) Broadcast(m message.Message) error {
	f.broadcasts = append(f.broadcasts, m)
	return nil
}

func (f *fakeDeps) ReportSuspicion(peer types.NodeName, code errs.SuspicionCode) {
	f.suspicions[peer] = append(f.suspicions[peer], code)
}

func (f *fakeDeps) byOp(op message.Op) []message.Message {
	var out []message.Message
	for _, m := range f.broadcasts {
		if m.GetOp() == op {
			out = append(out, m)
		}
	}
	return out
}

// View 0, instance 0: the expected primary is Alpha (rank 0).

func TestPrimaryAssignsContiguousPpSeqNos(t *testing.T) {
	deps := newFakeDeps()
	r := New(0, "Alpha", names, deps)
	require.True(t, r.IsPrimary())

	r.EnqueueForwarded("Alice", 1, "d1")
	r.EnqueueForwarded("Bob", 1, "d2")

	pps := deps.byOp(message.OpPrePrepare)
	require.Len(t, pps, 2)
	assert.Equal(t, types.PpSeqNo(1), pps[0].(*message.PrePrepare).PpSeqNo)
	assert.Equal(t, types.PpSeqNo(2), pps[1].(*message.PrePrepare).PpSeqNo)
	assert.Equal(t, types.Digest("d1"), pps[0].(*message.PrePrepare).Digest)
}

func TestPrimaryDoesNotEmitOwnPrepare(t *testing.T) {
	deps := newFakeDeps()
	r := New(0, "Alpha", names, deps)
	r.EnqueueForwarded("Alice", 1, "d1")
	assert.Empty(t, deps.byOp(message.OpPrepare), "the primary's PRE-PREPARE serves as its PREPARE")
}

func TestBackupThreePhaseFlowToOrdered(t *testing.T) {
	deps := newFakeDeps()
	r := New(0, "Beta", names, deps)
	require.False(t, r.IsPrimary())

	r.EnqueueForwarded("Alice", 1, "d1")
	pp := message.NewPrePrepare(0, 0, 1, "Alice", 1, "d1", 42)
	r.HandlePrePrepare(pp, "Alpha")

	preps := deps.byOp(message.OpPrepare)
	require.Len(t, preps, 1, "backup must answer a valid PRE-PREPARE with a PREPARE")

	// One more backup PREPARE gives 2f=2 matching prepares (own included).
	r.HandlePrepare(message.NewPrepare(0, 0, 1, "d1", "Gamma"))
	commits := deps.byOp(message.OpCommit)
	require.Len(t, commits, 1, "prepared replica must broadcast COMMIT")

	// Own commit plus two peers reaches the 2f+1 quorum.
	r.HandleCommit(message.NewCommit(0, 0, 1, "d1", "Alpha"))
	r.HandleCommit(message.NewCommit(0, 0, 1, "d1", "Gamma"))

	ordered := r.DrainOrdered()
	require.Len(t, ordered, 1)
	assert.Equal(t, types.ClientId("Alice"), ordered[0].Identifier)
	assert.Equal(t, types.Digest("d1"), ordered[0].Digest)
	assert.Equal(t, int64(42), ordered[0].PpTime)
	assert.Empty(t, r.DrainOrdered(), "DrainOrdered must clear the queue")
}

func TestPrepareDeferredUntilRequestBodyArrives(t *testing.T) {
	deps := newFakeDeps()
	r := New(0, "Beta", names, deps)

	pp := message.NewPrePrepare(0, 0, 1, "Alice", 1, "d1", 42)
	r.HandlePrePrepare(pp, "Alpha")
	assert.Empty(t, deps.byOp(message.OpPrepare), "no PREPARE before the request body is buffered")

	r.EnqueueForwarded("Alice", 1, "d1")
	assert.Len(t, deps.byOp(message.OpPrepare), 1, "PREPARE must be emitted once the body arrives")
}

func TestConflictingPrePrepareRaisesSuspicion(t *testing.T) {
	deps := newFakeDeps()
	r := New(0, "Beta", names, deps)
	r.EnqueueForwarded("Alice", 1, "d1")

	r.HandlePrePrepare(message.NewPrePrepare(0, 0, 1, "Alice", 1, "d1", 42), "Alpha")
	r.HandlePrePrepare(message.NewPrePrepare(0, 0, 1, "Alice", 1, "d2", 43), "Alpha")

	require.Contains(t, deps.suspicions, types.NodeName("Alpha"))
	assert.Contains(t, deps.suspicions["Alpha"], errs.ConflictingPrePrepare)
	assert.Empty(t, r.DrainOrdered())
}

func TestPrePrepareDigestMismatchRaisesSuspicion(t *testing.T) {
	deps := newFakeDeps()
	r := New(0, "Beta", names, deps)
	r.EnqueueForwarded("Alice", 1, "d-local")

	r.HandlePrePrepare(message.NewPrePrepare(0, 0, 1, "Alice", 1, "d-other", 42), "Alpha")
	require.Contains(t, deps.suspicions, types.NodeName("Alpha"))
	assert.Contains(t, deps.suspicions["Alpha"], errs.InvalidPrePrepareDigest)
	assert.Empty(t, deps.byOp(message.OpPrepare))
}

func TestPrePrepareFromNonPrimaryRejected(t *testing.T) {
	deps := newFakeDeps()
	r := New(0, "Beta", names, deps)
	r.EnqueueForwarded("Alice", 1, "d1")

	r.HandlePrePrepare(message.NewPrePrepare(0, 0, 1, "Alice", 1, "d1", 42), "Gamma")
	require.Contains(t, deps.suspicions, types.NodeName("Gamma"))
	assert.Empty(t, deps.byOp(message.OpPrepare))
}

func TestMismatchedDigestVotesDoNotCount(t *testing.T) {
	deps := newFakeDeps()
	r := New(0, "Beta", names, deps)
	r.EnqueueForwarded("Alice", 1, "d1")
	r.HandlePrePrepare(message.NewPrePrepare(0, 0, 1, "Alice", 1, "d1", 42), "Alpha")

	// A PREPARE vote for a different digest must not advance the phase.
	r.HandlePrepare(message.NewPrepare(0, 0, 1, "d-wrong", "Gamma"))
	assert.Empty(t, deps.byOp(message.OpCommit))

	r.HandlePrepare(message.NewPrepare(0, 0, 1, "d1", "Gamma"))
	assert.Len(t, deps.byOp(message.OpCommit), 1)
}

func TestOrderedEmissionIsStrictlyInOrder(t *testing.T) {
	deps := newFakeDeps()
	r := New(0, "Beta", names, deps)
	r.EnqueueForwarded("Alice", 1, "d1")
	r.EnqueueForwarded("Alice", 2, "d2")

	commitAll := func(seq types.PpSeqNo, id types.ClientId, reqId types.ReqId, digest types.Digest) {
		r.HandlePrePrepare(message.NewPrePrepare(0, 0, seq, id, reqId, digest, 42), "Alpha")
		r.HandlePrepare(message.NewPrepare(0, 0, seq, digest, "Gamma"))
		r.HandleCommit(message.NewCommit(0, 0, seq, digest, "Alpha"))
		r.HandleCommit(message.NewCommit(0, 0, seq, digest, "Gamma"))
	}

	// Commit ppSeqNo 2 completely before 1.
	commitAll(2, "Alice", 2, "d2")
	assert.Empty(t, r.DrainOrdered(), "ppSeqNo 2 must wait for 1")

	commitAll(1, "Alice", 1, "d1")
	ordered := r.DrainOrdered()
	require.Len(t, ordered, 2)
	assert.Equal(t, types.ReqId(1), ordered[0].ReqId)
	assert.Equal(t, types.ReqId(2), ordered[1].ReqId)
}

func TestStaleViewMessagesDiscarded(t *testing.T) {
	deps := newFakeDeps()
	r := New(0, "Beta", names, deps)
	r.ResetForViewChange(1)

	r.HandlePrePrepare(message.NewPrePrepare(0, 0, 1, "Alice", 1, "d1", 42), "Alpha")
	assert.Empty(t, deps.byOp(message.OpPrepare))
	assert.Empty(t, deps.suspicions)
}

func TestFutureViewMessagesStashedAndReplayed(t *testing.T) {
	deps := newFakeDeps()
	r := New(0, "Gamma", names, deps)

	// View 1's primary for instance 0 is Beta (rank 1). Stash its
	// PRE-PREPARE, then catch the view up and deliver the body.
	r.HandlePrePrepare(message.NewPrePrepare(0, 1, 1, "Alice", 1, "d1", 42), "Beta")
	assert.Empty(t, deps.byOp(message.OpPrepare))

	r.ResetForViewChange(1)
	r.EnqueueForwarded("Alice", 1, "d1")
	assert.Len(t, deps.byOp(message.OpPrepare), 1, "stashed PRE-PREPARE must be replayed after the view catches up")
}

func TestViewChangeResetsPhaseState(t *testing.T) {
	deps := newFakeDeps()
	r := New(0, "Alpha", names, deps)
	r.EnqueueForwarded("Alice", 1, "d1")
	require.Len(t, deps.byOp(message.OpPrePrepare), 1)

	r.ResetForViewChange(1)
	assert.Equal(t, types.ViewNo(1), r.ViewNo())
	assert.False(t, r.IsPrimary(), "view 1 instance 0 primary is Beta")

	// The new primary starts ppSeqNo at 1 again.
	r2 := New(0, "Beta", names, deps)
	r2.ResetForViewChange(1)
	require.True(t, r2.IsPrimary())
	deps.broadcasts = nil
	r2.EnqueueForwarded("Alice", 1, "d1")
	pps := deps.byOp(message.OpPrePrepare)
	require.Len(t, pps, 1)
	assert.Equal(t, types.PpSeqNo(1), pps[0].(*message.PrePrepare).PpSeqNo)
	assert.Equal(t, types.ViewNo(1), pps[0].(*message.PrePrepare).ViewNo)
}

func TestStashIsBounded(t *testing.T) {
	deps := newFakeDeps()
	r := New(0, "Beta", names, deps)
	r.stashLimit = 3
	for i := 0; i < 5; i++ {
		r.HandlePrepare(message.NewPrepare(0, 7, types.PpSeqNo(i+1), "d", "Gamma"))
	}
	assert.Len(t, r.stash, 3, "stash must drop oldest beyond its limit")
}

func TestSetPrimaryOverridesForCurrentViewOnly(t *testing.T) {
	deps := newFakeDeps()
	r := New(0, "Beta", names, deps)
	r.SetPrimary(0, "Beta")
	assert.True(t, r.IsPrimary())
	r.SetPrimary(5, "Gamma") // stale/future view, ignored
	assert.True(t, r.IsPrimary())
}
