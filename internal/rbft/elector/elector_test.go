package elector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sybtjp/plenum/internal/rbft/message"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

var names = []types.NodeName{"Alpha", "Beta", "Gamma", "Delta"}

type fakeDeps struct {
	broadcasts []message.Message
	primaries  map[types.InstId]types.NodeName
}

func newFakeDeps() *fakeDeps {
	return &fakeDeps{primaries: make(map[types.InstId]types.NodeName)}
}

func (f *fakeDeps) Broadcast(m message.Message) error {
	f.broadcasts = append(f.broadcasts, m)
	return nil
}

func (f *fakeDeps) SetPrimary(instId types.InstId, viewNo types.ViewNo, name types.NodeName) {
	f.primaries[instId] = name
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

func TestStartElectionNominatesRankCandidate(t *testing.T) {
	deps := newFakeDeps()
	e := New("Beta", names, deps)
	e.StartElection(0, 0)

	noms := deps.byOp(message.OpNomination)
	require.Len(t, noms, 1)
	assert.Equal(t, types.NodeName("Alpha"), noms[0].(*message.Nomination).Name,
		"view 0 instance 0 candidate is rank 0")
}

func TestNominationQuorumTriggersPrimaryBroadcast(t *testing.T) {
	deps := newFakeDeps()
	e := New("Beta", names, deps)
	e.StartElection(0, 0) // own nomination for Alpha = 1 vote

	e.HandleNomination(message.NewNomination("Alpha", 0, 0, 0), "Alpha")
	assert.Empty(t, deps.byOp(message.OpPrimary), "2 of 3 quorum votes is not enough")

	e.HandleNomination(message.NewNomination("Alpha", 0, 0, 0), "Gamma")
	require.Len(t, deps.byOp(message.OpPrimary), 1, "2f+1 matching nominations must announce Primary")
}

func TestPrimaryQuorumDecidesElection(t *testing.T) {
	deps := newFakeDeps()
	e := New("Beta", names, deps)
	e.StartElection(0, 0)
	e.HandleNomination(message.NewNomination("Alpha", 0, 0, 0), "Alpha")
	e.HandleNomination(message.NewNomination("Alpha", 0, 0, 0), "Gamma")
	// Own Primary vote is recorded on broadcast; two peer votes complete
	// the quorum.
	e.HandlePrimary(message.NewPrimary("Alpha", 0, 0), "Alpha")
	e.HandlePrimary(message.NewPrimary("Alpha", 0, 0), "Gamma")

	got, decided := e.Decided(0, 0)
	require.True(t, decided)
	assert.Equal(t, types.NodeName("Alpha"), got)
	assert.Equal(t, types.NodeName("Alpha"), deps.primaries[0])
}

func TestLateNominationsAfterDecisionIgnored(t *testing.T) {
	deps := newFakeDeps()
	e := New("Beta", names, deps)
	e.StartElection(0, 0)
	e.HandleNomination(message.NewNomination("Alpha", 0, 0, 0), "Alpha")
	e.HandleNomination(message.NewNomination("Alpha", 0, 0, 0), "Gamma")
	e.HandlePrimary(message.NewPrimary("Alpha", 0, 0), "Alpha")
	e.HandlePrimary(message.NewPrimary("Alpha", 0, 0), "Gamma")
	require.Contains(t, deps.primaries, types.InstId(0))

	before := len(deps.broadcasts)
	e.HandleNomination(message.NewNomination("Delta", 0, 0, 0), "Delta")
	assert.Equal(t, before, len(deps.broadcasts), "a decided election must not react")
}

func TestSplitVoteTriggersReelection(t *testing.T) {
	deps := newFakeDeps()
	e := New("Beta", names, deps)
	e.StartElection(0, 0) // Beta nominates Alpha

	// Every member votes, split 2/1/1: no candidate can reach quorum.
	e.HandleNomination(message.NewNomination("Alpha", 0, 0, 0), "Alpha")
	e.HandleNomination(message.NewNomination("Gamma", 0, 0, 0), "Gamma")
	e.HandleNomination(message.NewNomination("Delta", 0, 0, 0), "Delta")

	reels := deps.byOp(message.OpReelection)
	require.Len(t, reels, 1, "a full split round must trigger Reelection")
	re := reels[0].(*message.Reelection)
	assert.Equal(t, 1, re.Round)
	assert.Equal(t, []types.NodeName{"Alpha"}, re.TieAmong,
		"tied leaders listed lexicographically")

	// Advancing the round re-nominates the next rank-rotated candidate.
	noms := deps.byOp(message.OpNomination)
	require.Len(t, noms, 2)
	assert.Equal(t, 1, noms[1].(*message.Nomination).Round)
	assert.Equal(t, types.NodeName("Beta"), noms[1].(*message.Nomination).Name)
}

func TestHandleReelectionAdvancesRoundOnce(t *testing.T) {
	deps := newFakeDeps()
	e := New("Beta", names, deps)
	e.StartElection(0, 0)

	e.HandleReelection(message.NewReelection(0, 1, []types.NodeName{"Alpha", "Gamma"}, 0))
	noms := deps.byOp(message.OpNomination)
	require.Len(t, noms, 2, "reelection must prompt a round-1 nomination")

	// A stale or duplicate reelection for the same round is a no-op.
	e.HandleReelection(message.NewReelection(0, 1, []types.NodeName{"Alpha", "Gamma"}, 0))
	assert.Len(t, deps.byOp(message.OpNomination), 2)
}

func TestCatchUpRetransmitsOwnVotes(t *testing.T) {
	deps := newFakeDeps()
	e := New("Beta", names, deps)
	e.StartElection(0, 0)
	e.HandleNomination(message.NewNomination("Alpha", 0, 0, 0), "Alpha")
	e.HandleNomination(message.NewNomination("Alpha", 0, 0, 0), "Gamma")
	e.HandlePrimary(message.NewPrimary("Alpha", 0, 0), "Alpha")
	e.HandlePrimary(message.NewPrimary("Alpha", 0, 0), "Gamma")

	var sent []message.Message
	e.CatchUp(0, 0, "Delta", func(to types.NodeName, m message.Message) error {
		assert.Equal(t, types.NodeName("Delta"), to)
		sent = append(sent, m)
		return nil
	})
	require.Len(t, sent, 2, "own nomination plus the decided Primary")
	assert.Equal(t, message.OpNomination, sent[0].GetOp())
	assert.Equal(t, message.OpPrimary, sent[1].GetOp())
}

func TestElectionsArePerInstanceAndView(t *testing.T) {
	deps := newFakeDeps()
	e := New("Beta", names, deps)
	e.StartElection(0, 0)
	e.StartElection(1, 0)

	noms := deps.byOp(message.OpNomination)
	require.Len(t, noms, 2)
	assert.Equal(t, types.NodeName("Alpha"), noms[0].(*message.Nomination).Name)
	assert.Equal(t, types.NodeName("Beta"), noms[1].(*message.Nomination).Name,
		"instance 1's round-0 candidate is rank (0+1) mod 4")
}
