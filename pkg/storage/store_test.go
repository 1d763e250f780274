package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypershard/pkg/storage"
	"github.com/uhyunpark/hypershard/pkg/types"
)

func stores(t *testing.T) map[string]storage.Store {
	p, err := storage.NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return map[string]storage.Store{
		"memory": storage.NewInMemoryStore(),
		"pebble": p,
	}
}

func sampleBlock() *types.Block {
	g := types.GenesisBlock(1, 0)
	atom := &types.TransactionAtom{ID: types.TransactionID{7}, Decision: types.DecisionCommit, Fee: 3}
	return (&types.Block{
		ParentID: g.ID, Height: 1, Epoch: 1, ProposedBy: "v1", Justify: types.GenesisQC(g),
		Commands: []types.Command{types.LocalOnlyCmd(atom)}, Timestamp: 42,
	}).Seal()
}

func TestBlocksAndQCs(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			b := sampleBlock()
			_, err := s.GetBlock(b.ID)
			require.ErrorIs(t, err, storage.ErrNotFound)

			require.NoError(t, s.PutBlock(b))
			got, err := s.GetBlock(b.ID)
			require.NoError(t, err)
			require.Equal(t, b.ID, got.ComputeID())
			require.Equal(t, types.CmdLocalOnly, got.Commands[0].Kind)

			qc := &types.QuorumCertificate{BlockID: b.ID, BlockHeight: 1, Epoch: 1, Decision: types.QuorumAccept,
				Signatures: []types.ValidatorSignature{{Signer: "v1", Decision: types.QuorumAccept, Signature: []byte{1}}}}
			require.NoError(t, s.PutQC(qc))
			// the first certificate for a block sticks
			require.NoError(t, s.PutQC(&types.QuorumCertificate{BlockID: b.ID, BlockHeight: 1, Decision: types.QuorumReject}))
			gotQC, err := s.GetQC(b.ID)
			require.NoError(t, err)
			require.Equal(t, types.QuorumAccept, gotQC.Decision)
			require.Len(t, gotQC.Signatures, 1)
		})
	}
}

func TestCommitBlockAtomicEffects(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			addr := types.SubstateAddress{1}
			other := types.SubstateAddress{2}
			tx := types.TransactionID{9}
			ref := types.ForeignProposalRef{ShardGroup: 1, BlockID: types.BlockID{5}}

			fb := sampleBlock()
			fb.ShardGroup = 1
			fb.Seal()
			fp := &types.ForeignProposal{Block: fb, State: types.ForeignNew}
			ref = fp.Ref()
			require.NoError(t, s.PutForeignProposal(fp))

			require.NoError(t, s.CommitBlock(&types.CommitRecord{
				BlockID: types.BlockID{3}, Height: 3,
				Substates: []types.SubstateWrite{{Address: addr, State: types.UpState(addr, tx, []byte("x"))}},
				Pledges:   []types.PledgeWrite{{Address: other, Pledge: &types.Pledge{Address: other, TransactionID: tx, Lock: types.LockWrite}}},
				Pool:      []types.PoolRecord{{ID: tx, Stage: types.StagePrepared, Pledged: true}},
				Foreign:   []types.ForeignProposalRef{ref},
			}))

			st, err := s.GetSubstate(addr)
			require.NoError(t, err)
			require.Equal(t, types.SubstateUp, st.Kind)
			p, err := s.GetPledge(other)
			require.NoError(t, err)
			require.Equal(t, tx, p.TransactionID)
			r, err := s.GetPoolRecord(tx)
			require.NoError(t, err)
			require.Equal(t, types.StagePrepared, r.Stage)

			fps, err := s.ForeignProposals()
			require.NoError(t, err)
			require.Len(t, fps, 1)
			require.Equal(t, types.ForeignMined, fps[0].State)

			id, h, err := s.LastCommitted()
			require.NoError(t, err)
			require.Equal(t, types.Height(3), h)
			require.Equal(t, types.BlockID{3}, id)

			require.NoError(t, s.CommitBlock(&types.CommitRecord{
				BlockID: types.BlockID{4}, Height: 4,
				Pledges: []types.PledgeWrite{{Address: other}},
				Retired: []types.TransactionID{tx},
			}))
			p, err = s.GetPledge(other)
			require.NoError(t, err)
			require.Nil(t, p)
			_, err = s.GetPoolRecord(tx)
			require.ErrorIs(t, err, storage.ErrNotFound)
			retired, err := s.IsRetired(tx)
			require.NoError(t, err)
			require.True(t, retired)
			retired, err = s.IsRetired(types.TransactionID{10})
			require.NoError(t, err)
			require.False(t, retired)
			at, err := s.CommittedAt(3)
			require.NoError(t, err)
			require.Equal(t, types.BlockID{3}, at)

			var n int
			require.NoError(t, s.ForEachSubstate(func(types.SubstateState) bool { n++; return true }))
			require.Equal(t, 1, n)
		})
	}
}

func TestSafetyStateRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetSafetyState()
			require.ErrorIs(t, err, storage.ErrNotFound)
			st := &types.SafetyState{
				HighQC:          &types.QuorumCertificate{BlockID: types.BlockID{1}, BlockHeight: 4, Decision: types.QuorumAccept},
				LockedHeight:    3,
				LastVotedHeight: 5,
				Epoch:           2,
			}
			require.NoError(t, s.PutSafetyState(st))
			st.LastVotedHeight = 99
			got, err := s.GetSafetyState()
			require.NoError(t, err)
			require.Equal(t, types.Height(5), got.LastVotedHeight)
			require.Equal(t, types.Height(4), got.HighQC.BlockHeight)
		})
	}
}

func TestPebbleReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.NewPebbleStore(dir)
	require.NoError(t, err)
	b := sampleBlock()
	require.NoError(t, s.PutBlock(b))
	tx := &types.Transaction{Inputs: []types.Input{{Address: types.SubstateAddress{1}, Lock: types.LockRead}}, Fee: 2}
	require.NoError(t, s.PutTransactions([]*types.Transaction{tx}))
	require.NoError(t, s.Close())

	s, err = storage.NewPebbleStore(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetBlock(b.ID)
	require.NoError(t, err)
	require.Equal(t, b.Timestamp, got.Timestamp)
	gotTx, err := s.GetTransaction(tx.ID())
	require.NoError(t, err)
	require.Equal(t, tx.ID(), gotTx.ID())
}
