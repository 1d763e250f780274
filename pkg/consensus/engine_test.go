package consensus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/uhyunpark/hypershard/pkg/crypto"
	"github.com/uhyunpark/hypershard/pkg/storage"
	"github.com/uhyunpark/hypershard/pkg/types"
)

func TestSingleNodeLocalOnlyCommit(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, []int{1})
	defer c.stopAll()

	tx, addr := outputTx(c.layout, 0, "solo", 10)
	c.admit(tx)
	c.start()

	n := c.nodes[memberID(0, 0)]
	c.waitSettled(tx, []*testNode{n})
	require.Eventually(t, func() bool {
		return c.substate(n, addr).Kind == types.SubstateUp
	}, 5*time.Second, 10*time.Millisecond)
	st := c.substate(n, addr)
	require.Equal(t, tx.ID(), st.CreatedBy)
	require.Equal(t, []byte("solo"), st.Data)

	// the chain goes quiet once the commit is announced
	require.Eventually(t, func() bool {
		s := n.engine.Status()
		return s.CommittedHeight >= 1 && s.Pacemaker == PacemakerIdle.String()
	}, 5*time.Second, 10*time.Millisecond)
	h := n.engine.Status().LeafHeight
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, h, n.engine.Status().LeafHeight)
}

func TestHappyPathFourValidators(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, []int{4})
	defer c.stopAll()

	tx, addr := outputTx(c.layout, 0, "happy", 4)
	c.admit(tx)
	c.start()

	all := c.group(0)
	c.waitSettled(tx, all)
	for _, n := range all {
		require.Eventually(t, func() bool {
			return c.substate(n, addr).Kind == types.SubstateUp
		}, 5*time.Second, 10*time.Millisecond, "node %s", n.id)
	}

	// every node committed the same block at height 1
	var first types.BlockID
	for i, n := range all {
		id, err := n.store.CommittedAt(1)
		require.NoError(t, err)
		if i == 0 {
			first = id
			continue
		}
		require.Equal(t, first, id)
	}
	b, err := all[0].store.GetBlock(first)
	require.NoError(t, err)
	require.Equal(t, memberID(0, 1), b.ProposedBy)
	require.Len(t, b.Commands, 1)
	require.Equal(t, types.CmdLocalOnly, b.Commands[0].Kind)
	require.Equal(t, uint64(4), b.TotalLeaderFee)

	// the certificate stored for it carries a quorum of accepts
	qc, err := all[0].store.GetQC(first)
	require.NoError(t, err)
	require.Equal(t, first, qc.BlockID)
	require.Equal(t, types.QuorumAccept, qc.Decision)
	require.GreaterOrEqual(t, len(qc.Signatures), 3)
}

func TestLeaderFailureUsesDummyBlocks(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, []int{4})
	defer c.stopAll()

	down := memberID(0, 3)
	c.net.setDown(down, true)
	live := []*testNode{c.nodes[memberID(0, 0)], c.nodes[memberID(0, 1)], c.nodes[memberID(0, 2)]}
	tx, addr := outputTx(c.layout, 0, "failover", 1)
	for _, n := range live {
		_, err := n.mempool.Add(tx, types.DecisionCommit)
		require.NoError(t, err)
	}
	c.start()

	c.waitSettled(tx, live)
	for _, n := range live {
		require.Eventually(t, func() bool {
			return c.substate(n, addr).Kind == types.SubstateUp
		}, 10*time.Second, 10*time.Millisecond, "node %s", n.id)
	}

	// height 3 belongs to the silent node, so the committed chain holds a
	// dummy there
	n := live[0]
	require.Eventually(t, func() bool {
		_, err := n.store.CommittedAt(3)
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)
	id, err := n.store.CommittedAt(3)
	require.NoError(t, err)
	b, err := n.store.GetBlock(id)
	require.NoError(t, err)
	require.True(t, b.IsDummy)
	require.Equal(t, down, b.ProposedBy)
	require.Empty(t, b.Commands)
	require.Greater(t, testutil.ToFloat64(n.engine.metrics.Timeouts), 0.0)
}

func TestPledgeConflictDefersSecondTransaction(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, []int{4})
	defer c.stopAll()

	shared := c.layout.AddressInGroup(0, []byte("shared"))
	c.seedUp(0, shared)
	mk := func(seed string) *types.Transaction {
		return &types.Transaction{
			Inputs:  []types.Input{{Address: shared, Lock: types.LockWrite}},
			Outputs: []types.Output{{Address: c.layout.AddressInGroup(0, []byte(seed)), Data: []byte(seed)}},
			Fee:     2,
			Payload: []byte(seed),
		}
	}
	a, b := mk("a"), mk("b")
	winner, loser := a, b
	if idLess(b.ID(), a.ID()) {
		winner, loser = b, a
	}
	c.admit(a)
	c.admit(b)
	c.start()

	all := c.group(0)
	c.waitSettled(winner, all)
	c.waitSettled(loser, all)

	for _, n := range all {
		require.Eventually(t, func() bool {
			return c.substate(n, shared).Kind == types.SubstateDown
		}, 5*time.Second, 10*time.Millisecond)
		st := c.substate(n, shared)
		require.Equal(t, winner.ID(), st.DeletedBy)
		require.Equal(t, types.SubstateUp, c.substate(n, winner.Outputs[0].Address).Kind)
		require.Equal(t, types.SubstateDoesNotExist, c.substate(n, loser.Outputs[0].Address).Kind)
		p, err := n.store.GetPledge(shared)
		require.NoError(t, err)
		require.Nil(t, p)
	}

	var deferred float64
	for _, n := range all {
		deferred += testutil.ToFloat64(n.engine.metrics.PledgeConflicts)
	}
	require.GreaterOrEqual(t, deferred, 1.0)
}

func TestCrossShardCommit(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, []int{1, 1})
	defer c.stopAll()

	in := c.layout.AddressInGroup(1, []byte("coin"))
	c.seedUp(1, in)
	out := c.layout.AddressInGroup(0, []byte("receipt"))
	tx := &types.Transaction{
		Inputs:  []types.Input{{Address: in, Lock: types.LockWrite}},
		Outputs: []types.Output{{Address: out, Data: []byte("receipt")}},
		Fee:     6,
	}
	require.Equal(t, []types.ShardGroup{0, 1}, tx.InvolvedGroups(c.layout))
	c.admit(tx)
	c.start()

	g0, g1 := c.nodes[memberID(0, 0)], c.nodes[memberID(1, 0)]
	c.waitSettled(tx, []*testNode{g0, g1})
	require.Eventually(t, func() bool {
		return c.substate(g0, out).Kind == types.SubstateUp && c.substate(g1, in).Kind == types.SubstateDown
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, tx.ID(), c.substate(g0, out).CreatedBy)
	require.Equal(t, tx.ID(), c.substate(g1, in).DeletedBy)

	// the accept on each side carries half the fee
	accept := findCommitted(t, g0, tx.ID(), types.CmdAccept)
	require.Equal(t, types.DecisionCommit, accept.Atom.Decision)
	require.Equal(t, types.LeaderFeeFor(6, 2), accept.Atom.LeaderFee)
	require.True(t, accept.Atom.Evidence.ReachedBy([]types.ShardGroup{0, 1}, types.StageLocalPrepared))

	recs, err := g0.store.PoolRecords()
	require.NoError(t, err)
	require.Empty(t, recs)

	// every foreign proposal was applied and then retired with the transaction
	for _, n := range []*testNode{g0, g1} {
		require.Eventually(t, func() bool {
			fps, err := n.store.ForeignProposals()
			if err != nil || len(fps) == 0 {
				return false
			}
			for _, fp := range fps {
				if fp.State != types.ForeignDeleted {
					return false
				}
			}
			return true
		}, 10*time.Second, 20*time.Millisecond, "node %s", n.id)
	}
}

func TestCrossShardForeignAbort(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, []int{1, 1})
	defer c.stopAll()

	// the input was never created, so group 1 prepares an abort
	missing := c.layout.AddressInGroup(1, []byte("ghost"))
	out := c.layout.AddressInGroup(0, []byte("never"))
	tx := &types.Transaction{
		Inputs:  []types.Input{{Address: missing, Lock: types.LockWrite}},
		Outputs: []types.Output{{Address: out, Data: []byte("never")}},
		Fee:     6,
	}
	c.admit(tx)
	c.start()

	g0, g1 := c.nodes[memberID(0, 0)], c.nodes[memberID(1, 0)]
	c.waitSettled(tx, []*testNode{g0, g1})

	accept := findCommitted(t, g0, tx.ID(), types.CmdAccept)
	require.Equal(t, types.DecisionAbort, accept.Atom.Decision)
	require.Zero(t, accept.Atom.LeaderFee)

	require.Equal(t, types.SubstateDoesNotExist, c.substate(g0, out).Kind)
	p, err := g0.store.GetPledge(out)
	require.NoError(t, err)
	require.Nil(t, p, "output pledge released")
	require.Equal(t, types.SubstateDoesNotExist, c.substate(g1, missing).Kind)
}

func TestEndEpochSwitchesCommittee(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, []int{4}, withEpochs(2))
	defer c.stopAll()
	c.start()

	all := c.group(0)
	for _, n := range all {
		require.Equal(t, types.Epoch(1), n.engine.Status().Epoch)
	}
	_, advanced := c.epochs.Advance()
	require.True(t, advanced)

	// an event wakes the leaders; the transaction waits behind end_epoch
	tx, addr := outputTx(c.layout, 0, "next-epoch", 1)
	_, err := all[0].engine.SubmitTransaction(tx, types.DecisionCommit)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, n := range all {
			if n.engine.Status().Epoch != 2 {
				return false
			}
		}
		return true
	}, 15*time.Second, 20*time.Millisecond)
	c.waitSettled(tx, all)

	n := all[0]
	require.Eventually(t, func() bool {
		return c.substate(n, addr).Kind == types.SubstateUp
	}, 5*time.Second, 10*time.Millisecond)
	end := findCommittedKind(t, n, types.CmdEndEpoch)
	require.Equal(t, types.Epoch(1), end.Epoch)
	local := findCommitted(t, n, tx.ID(), types.CmdLocalOnly)
	require.NotNil(t, local)
	b := committedBlockWith(t, n, tx.ID())
	require.Equal(t, types.Epoch(2), b.Epoch)
}

func TestLaggingValidatorCatchesUpBySync(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, []int{4})
	defer c.stopAll()

	lagging := c.nodes[memberID(0, 3)]
	c.net.setDown(lagging.id, true)
	live := []*testNode{c.nodes[memberID(0, 0)], c.nodes[memberID(0, 1)], c.nodes[memberID(0, 2)]}
	tx1, addr1 := outputTx(c.layout, 0, "before", 1)
	for _, n := range live {
		_, err := n.mempool.Add(tx1, types.DecisionCommit)
		require.NoError(t, err)
	}
	c.start()
	c.waitSettled(tx1, live)
	require.Equal(t, types.Height(0), lagging.engine.Status().CommittedHeight)

	c.net.setDown(lagging.id, false)
	tx2, addr2 := outputTx(c.layout, 0, "after", 1)
	_, err := live[0].engine.SubmitTransaction(tx2, types.DecisionCommit)
	require.NoError(t, err)

	c.waitSettled(tx2, c.group(0))
	require.Eventually(t, func() bool {
		return c.substate(lagging, addr1).Kind == types.SubstateUp && c.substate(lagging, addr2).Kind == types.SubstateUp
	}, 15*time.Second, 20*time.Millisecond)
	require.Greater(t, testutil.ToFloat64(lagging.engine.metrics.SyncedBlocks), 0.0)

	// the lagging node's committed chain matches its peers'
	want, err := live[0].store.CommittedAt(1)
	require.NoError(t, err)
	got, err := lagging.store.CommittedAt(1)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRestartResumesFromPebble(t *testing.T) {
	dir := t.TempDir()
	c := newCluster(t, []int{1})
	id := memberID(0, 0)
	signer, err := crypto.NewBLSSignerFromSeed([]byte(id))
	require.NoError(t, err)

	open := func() *testNode {
		store, err := storage.NewPebbleStore(dir)
		require.NoError(t, err)
		n := c.newNode(id, 0, signer, store)
		c.nodes[id] = n
		return n
	}

	n := open()
	tx1, addr1 := outputTx(c.layout, 0, "first", 1)
	c.admit(tx1)
	c.start()
	c.waitSettled(tx1, []*testNode{n})
	require.Eventually(t, func() bool {
		return c.substate(n, addr1).Kind == types.SubstateUp
	}, 5*time.Second, 10*time.Millisecond)
	before := n.engine.Status()
	err = c.stop(id)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, n.store.Close())

	n = open()
	require.Equal(t, types.SubstateUp, c.substate(n, addr1).Kind)
	tx2, addr2 := outputTx(c.layout, 0, "second", 1)
	c.admit(tx2)
	c.start()
	defer func() {
		_ = c.stop(id)
		require.NoError(t, n.store.Close())
	}()

	c.waitSettled(tx2, []*testNode{n})
	require.Eventually(t, func() bool {
		return c.substate(n, addr2).Kind == types.SubstateUp
	}, 10*time.Second, 10*time.Millisecond)
	after := n.engine.Status()
	require.Greater(t, after.CommittedHeight, before.CommittedHeight)

	// the first block survived the restart unchanged
	first, err := n.store.CommittedAt(1)
	require.NoError(t, err)
	b, err := n.store.GetBlock(first)
	require.NoError(t, err)
	require.Equal(t, tx1.ID(), b.Commands[0].Atom.ID)
}

func TestMalformedProposalsLeadToBlacklist(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, []int{4})
	defer c.stopAll()
	c.start()

	target := c.nodes[memberID(0, 0)]
	liar := memberID(0, 1)
	for i := 0; i < 5; i++ {
		// proposer field disagrees with the relaying peer
		b := &types.Block{Height: types.Height(i + 1), ShardGroup: 0, ProposedBy: memberID(0, 2), Justify: &types.QuorumCertificate{}}
		b.Seal()
		require.NoError(t, target.engine.Deliver(liar, &Proposal{Block: b}))
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(target.engine.metrics.Blacklisted) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// later messages from the peer are dropped unread
	require.NoError(t, target.engine.Deliver(liar, &Proposal{}))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(target.engine.metrics.Dropped.WithLabelValues("blacklisted")) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func idLess(a, b types.TransactionID) bool { return bytes.Compare(a[:], b[:]) < 0 }

// committedBlocks walks the committed index of n from height 1.
func committedBlocks(t *testing.T, n *testNode) []*types.Block {
	t.Helper()
	_, last, err := n.store.LastCommitted()
	require.NoError(t, err)
	var out []*types.Block
	for h := types.Height(1); h <= last; h++ {
		id, err := n.store.CommittedAt(h)
		require.NoError(t, err)
		b, err := n.store.GetBlock(id)
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func findCommitted(t *testing.T, n *testNode, id types.TransactionID, kind types.CommandKind) types.Command {
	t.Helper()
	var found types.Command
	require.Eventually(t, func() bool {
		for _, b := range committedBlocks(t, n) {
			for _, cmd := range b.Commands {
				if cmd.Kind == kind && cmd.Atom != nil && cmd.Atom.ID == id {
					found = cmd
					return true
				}
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "no committed %s for %s", kind, id.Short())
	return found
}

func findCommittedKind(t *testing.T, n *testNode, kind types.CommandKind) *types.Block {
	t.Helper()
	for _, b := range committedBlocks(t, n) {
		for _, cmd := range b.Commands {
			if cmd.Kind == kind {
				return b
			}
		}
	}
	t.Fatalf("no committed %s command", kind)
	return nil
}

func committedBlockWith(t *testing.T, n *testNode, id types.TransactionID) *types.Block {
	t.Helper()
	for _, b := range committedBlocks(t, n) {
		for _, tid := range b.TransactionIDs() {
			if tid == id {
				return b
			}
		}
	}
	t.Fatalf("transaction %s not committed", id.Short())
	return nil
}
