package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypershard/pkg/types"
	"github.com/uhyunpark/hypershard/pkg/util"
)

type fakeTimer struct {
	d       time.Duration
	c       chan time.Time
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }
func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) NewTimer(d time.Duration) util.Timer {
	t := &fakeTimer{d: d, c: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) last() *fakeTimer { return c.timers[len(c.timers)-1] }

func TestPacemakerArmOnlyOnce(t *testing.T) {
	clk := &fakeClock{}
	pm := NewPacemaker(PacemakerTimers{ProposalTimeout: time.Second, Delta: 100 * time.Millisecond}, clk, 1)
	require.Nil(t, pm.C())
	require.False(t, pm.Armed())

	pm.Arm(PacemakerAwaitingProposal)
	pm.Arm(PacemakerAwaitingVotes)
	require.Len(t, clk.timers, 1)
	require.Equal(t, PacemakerAwaitingVotes, pm.State())
	require.NotNil(t, pm.C())

	pm.Disarm()
	require.True(t, clk.last().stopped)
	require.Equal(t, PacemakerIdle, pm.State())
	require.Nil(t, pm.C())
}

func TestPacemakerTimeoutBackoff(t *testing.T) {
	clk := &fakeClock{}
	pm := NewPacemaker(PacemakerTimers{ProposalTimeout: time.Second, Delta: 100 * time.Millisecond}, clk, 5)

	pm.Arm(PacemakerAwaitingProposal)
	require.Equal(t, time.Second, clk.last().d)
	require.Equal(t, types.Height(6), pm.OnTimeout())
	require.Equal(t, PacemakerViewTimeout, pm.State())
	require.False(t, pm.Armed())

	pm.Arm(PacemakerViewTimeout)
	require.Equal(t, 1100*time.Millisecond, clk.last().d)

	for i := 0; i < 20; i++ {
		pm.OnTimeout()
	}
	pm.Arm(PacemakerViewTimeout)
	require.Equal(t, time.Second+maxBackoffSteps*100*time.Millisecond, clk.last().d)

	// a proposal resets the backoff and moves past its height
	pm.OnProposal(40)
	require.Equal(t, types.Height(41), pm.Height())
	require.False(t, pm.Armed())
	pm.Arm(PacemakerAwaitingVotes)
	require.Equal(t, time.Second, clk.last().d)
}

func TestPacemakerNeverMovesBack(t *testing.T) {
	pm := NewPacemaker(PacemakerTimers{ProposalTimeout: time.Second}, &fakeClock{}, 10)
	pm.OnProposal(3)
	require.Equal(t, types.Height(10), pm.Height())
	pm.JumpTo(7)
	require.Equal(t, types.Height(10), pm.Height())
	pm.JumpTo(12)
	require.Equal(t, types.Height(12), pm.Height())
}

func TestLeaderStrategies(t *testing.T) {
	c := &types.Committee{Epoch: 2, ShardGroup: 1, Members: []types.Member{
		{ID: "a", Stake: 1}, {ID: "b", Stake: 1}, {ID: "c", Stake: 0}, {ID: "d", Stake: 6},
	}}

	rr := RoundRobinLeader{}
	require.Equal(t, types.NodeID("a"), rr.LeaderFor(c, 0))
	require.Equal(t, types.NodeID("b"), rr.LeaderFor(c, 5))
	require.Equal(t, types.NodeID("d"), rr.LeaderFor(c, 7))
	require.Equal(t, types.NodeID(""), rr.LeaderFor(&types.Committee{}, 1))

	sw := StakeWeightedLeader{}
	counts := make(map[types.NodeID]int)
	for h := types.Height(0); h < 2000; h++ {
		id := sw.LeaderFor(c, h)
		require.Equal(t, id, sw.LeaderFor(c, h))
		counts[id]++
	}
	require.Zero(t, counts["c"])
	require.Greater(t, counts["d"], counts["a"]+counts["b"])
}

func TestSafetyVotingRule(t *testing.T) {
	s := NewSafety(types.SafetyState{})
	locked := &types.Block{ID: types.BlockID{1}, Height: 4}
	require.True(t, s.UpdateLock(locked))
	require.False(t, s.UpdateLock(&types.Block{ID: types.BlockID{2}, Height: 3}))

	fork := &types.Block{ID: types.BlockID{3}, Height: 6, Justify: &types.QuorumCertificate{BlockHeight: 3}}
	require.False(t, s.SafeToVote(fork, false))
	require.True(t, s.SafeToVote(fork, true))

	newer := &types.Block{ID: types.BlockID{4}, Height: 6, Justify: &types.QuorumCertificate{BlockHeight: 5}}
	require.True(t, s.SafeToVote(newer, false))
	s.RecordVote(newer)
	require.False(t, s.SafeToVote(newer, true))
	require.Equal(t, types.Height(6), s.LastVotedHeight())

	require.True(t, s.UpdateHighQC(&types.QuorumCertificate{BlockHeight: 5, Decision: types.QuorumAccept}))
	require.False(t, s.UpdateHighQC(&types.QuorumCertificate{BlockHeight: 2, Decision: types.QuorumAccept}))
}
