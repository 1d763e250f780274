package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypershard/pkg/mempool"
	"github.com/uhyunpark/hypershard/pkg/storage"
	"github.com/uhyunpark/hypershard/pkg/substate"
	"github.com/uhyunpark/hypershard/pkg/types"
)

func TestLocalDecision(t *testing.T) {
	layout := types.ShardLayout{NumGroups: 1}
	up := layout.AddressInGroup(0, []byte("up"))
	fresh := layout.AddressInGroup(0, []byte("fresh"))
	ledger := substate.NewMemoryLedger()
	ledger.Apply([]types.SubstateWrite{{Address: up, State: types.UpState(up, types.TransactionID{}, nil)}}, nil)

	spend := &types.Transaction{Inputs: []types.Input{{Address: up, Lock: types.LockWrite}}, Outputs: []types.Output{{Address: fresh}}}
	local := spend.LocalRequirements(layout, 0)

	d, err := localDecision(spend, types.DecisionCommit, local, ledger)
	require.NoError(t, err)
	require.Equal(t, types.DecisionCommit, d)

	// execution said abort; the substates cannot overrule that
	d, err = localDecision(spend, types.DecisionAbort, local, ledger)
	require.NoError(t, err)
	require.Equal(t, types.DecisionAbort, d)

	// an output that already exists aborts
	clash := &types.Transaction{Outputs: []types.Output{{Address: up}}}
	d, err = localDecision(clash, types.DecisionCommit, clash.LocalRequirements(layout, 0), ledger)
	require.NoError(t, err)
	require.Equal(t, types.DecisionAbort, d)

	// a pledge by someone else is a conflict, not a decision
	cs := substate.NewChangeSet(ledger)
	require.NoError(t, cs.Pledge(up, types.TransactionID{9}, types.LockWrite))
	_, err = localDecision(spend, types.DecisionCommit, local, cs)
	requireIs(t, err, ErrPledgeConflict)
	require.Equal(t, ClassPledgeConflict, ClassOf(err))
}

func TestApplyCommandsSettlesAfterPledging(t *testing.T) {
	layout := types.ShardLayout{NumGroups: 1}
	store := storage.NewInMemoryStore()
	mp := mempool.New(layout, 0, 0)
	e := &Engine{cfg: Config{Mempool: mp}, store: store, layout: layout, group: 0}

	coin := layout.AddressInGroup(0, []byte("coin"))
	store.Apply([]types.SubstateWrite{{Address: coin, State: types.UpState(coin, types.TransactionID{}, nil)}}, nil)
	tx := &types.Transaction{
		Inputs:  []types.Input{{Address: coin, Lock: types.LockWrite}},
		Outputs: []types.Output{{Address: layout.AddressInGroup(0, []byte("change")), Data: []byte("c")}},
	}
	_, err := mp.Add(tx, types.DecisionCommit)
	require.NoError(t, err)

	cs := substate.NewChangeSet(store)
	cmds := []types.Command{types.LocalOnlyCmd(&types.TransactionAtom{ID: tx.ID(), Decision: types.DecisionCommit})}
	require.NoError(t, e.applyCommands(cmds, cs, nil))

	st, err := cs.GetSubstate(coin)
	require.NoError(t, err)
	require.Equal(t, types.SubstateDown, st.Kind)
	require.Equal(t, tx.ID(), st.DeletedBy)
	out, err := cs.GetSubstate(tx.Outputs[0].Address)
	require.NoError(t, err)
	require.Equal(t, types.SubstateUp, out.Kind)
	for _, addr := range []types.SubstateAddress{coin, tx.Outputs[0].Address} {
		p, err := cs.GetPledge(addr)
		require.NoError(t, err)
		require.Nil(t, p)
	}

	// a second spend of the same coin in one block cannot pledge it
	again := &types.Transaction{Inputs: []types.Input{{Address: coin, Lock: types.LockWrite}}, Payload: []byte("again")}
	_, err = mp.Add(again, types.DecisionCommit)
	require.NoError(t, err)
	both := []types.Command{
		types.PrepareCmd(&types.TransactionAtom{ID: tx.ID(), Decision: types.DecisionCommit}),
		types.PrepareCmd(&types.TransactionAtom{ID: again.ID(), Decision: types.DecisionCommit}),
	}
	err = e.applyCommands(both, substate.NewChangeSet(store), nil)
	requireIs(t, err, ErrPledgeConflict)
}

func TestNextPhase(t *testing.T) {
	layout := types.ShardLayout{NumGroups: 2}
	tx := &types.Transaction{
		Outputs: []types.Output{
			{Address: layout.AddressInGroup(0, []byte("a"))},
			{Address: layout.AddressInGroup(1, []byte("b"))},
		},
		Fee: 10,
	}
	rec := &types.PoolRecord{ID: tx.ID(), Stage: types.StagePrepared}
	rec.Evidence = rec.Evidence.With(types.ShardEvidence{ShardGroup: 0, Stage: types.StagePrepared, Decision: types.DecisionCommit})

	_, ok := nextPhase(rec, tx, layout)
	require.False(t, ok, "waits for the other group")

	rec.Evidence = rec.Evidence.With(types.ShardEvidence{ShardGroup: 1, Stage: types.StagePrepared, Decision: types.DecisionCommit})
	cmd, ok := nextPhase(rec, tx, layout)
	require.True(t, ok)
	require.Equal(t, types.CmdLocalPrepared, cmd.Kind)
	require.Equal(t, types.DecisionCommit, cmd.Atom.Decision)
	require.Zero(t, cmd.Atom.LeaderFee)

	rec.Stage = types.StageLocalPrepared
	rec.Evidence = rec.Evidence.With(types.ShardEvidence{ShardGroup: 0, Stage: types.StageLocalPrepared, Decision: types.DecisionCommit})
	rec.Evidence = rec.Evidence.With(types.ShardEvidence{ShardGroup: 1, Stage: types.StageLocalPrepared, Decision: types.DecisionAbort})
	cmd, ok = nextPhase(rec, tx, layout)
	require.True(t, ok)
	require.Equal(t, types.CmdAccept, cmd.Kind)
	require.Equal(t, types.DecisionAbort, cmd.Atom.Decision)
	require.Zero(t, cmd.Atom.LeaderFee)

	rec.Evidence = rec.Evidence.With(types.ShardEvidence{ShardGroup: 1, Stage: types.StagePrepared, Decision: types.DecisionCommit})
	require.Equal(t, types.DecisionAbort, rec.Evidence.Combined([]types.ShardGroup{0, 1}), "evidence never moves back")
}
