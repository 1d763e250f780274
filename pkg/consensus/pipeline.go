package consensus

import (
	"bytes"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/hypershard/pkg/substate"
	"github.com/uhyunpark/hypershard/pkg/types"
)

// blockDiff is the substate effect of one block, computed on top of its
// uncommitted ancestors and applied verbatim when the block commits.
type blockDiff struct {
	substates []types.SubstateWrite
	pledges   []types.PledgeWrite
}

func diffOf(cs *substate.ChangeSet) *blockDiff {
	subs, pls := cs.Writes()
	return &blockDiff{substates: subs, pledges: pls}
}

// localDecision is the decision this group reaches for tx: the execution
// decision, downgraded to Abort when a local substate is not in the state
// the transaction needs. A local substate pledged to another transaction is
// a pledge conflict; the caller defers the transaction.
func localDecision(tx *types.Transaction, exec types.Decision, local []types.Requirement, r substate.Reader) (types.Decision, error) {
	id := tx.ID()
	for _, req := range local {
		p, err := r.GetPledge(req.Address)
		if err != nil {
			return types.DecisionUnknown, err
		}
		if p != nil && p.TransactionID != id {
			return types.DecisionUnknown, pledgeConflict("%s held by %s", req.Address.String(), p.TransactionID.Short())
		}
	}
	d := exec
	if d == types.DecisionUnknown {
		d = types.DecisionCommit
	}
	for _, req := range local {
		st, err := r.GetSubstate(req.Address)
		if err != nil {
			return types.DecisionUnknown, err
		}
		switch req.Lock {
		case types.LockRead, types.LockWrite:
			if st.Kind != types.SubstateUp {
				d = types.DecisionAbort
			}
		case types.LockOutput:
			if st.Kind != types.SubstateDoesNotExist {
				d = types.DecisionAbort
			}
		}
	}
	return d, nil
}

func pledgeAll(cs *substate.ChangeSet, id types.TransactionID, local []types.Requirement) error {
	for _, req := range local {
		if err := cs.Pledge(req.Address, id, req.Lock); err != nil {
			if errors.Is(err, substate.ErrConflict) {
				return errors.Mark(err, ErrPledgeConflict)
			}
			return err
		}
	}
	return nil
}

// releaseHeld drops whatever pledges id still holds on local addresses.
func releaseHeld(cs *substate.ChangeSet, id types.TransactionID, local []types.Requirement) error {
	for _, req := range local {
		p, err := cs.GetPledge(req.Address)
		if err != nil {
			return err
		}
		if p == nil || p.TransactionID != id {
			continue
		}
		if err := cs.Release(req.Address, id); err != nil {
			return err
		}
	}
	return nil
}

// materialize writes the final local states of a committed transaction:
// written inputs go Down, outputs come Up, reads are untouched.
func materialize(cs *substate.ChangeSet, id types.TransactionID, local []types.Requirement) error {
	for _, req := range local {
		switch req.Lock {
		case types.LockWrite:
			cur, err := cs.GetSubstate(req.Address)
			if err != nil {
				return err
			}
			cs.Materialize(req.Address, cur.Down(id))
		case types.LockOutput:
			cs.Materialize(req.Address, types.UpState(req.Address, id, req.Data))
		}
	}
	return nil
}

// commandCheck inspects one atom command before its pledges are taken.
type commandCheck func(cmd types.Command, tx *types.Transaction, local []types.Requirement) error

// applyCommands runs the substate effects of cmds over cs. Pledges are taken
// command by command; releases and materialization happen after every
// command has pledged, so two commands of one block never share a
// substate.
func (e *Engine) applyCommands(cmds []types.Command, cs *substate.ChangeSet, check commandCheck) error {
	type settle struct {
		atom  *types.TransactionAtom
		local []types.Requirement
		kind  types.CommandKind
	}
	var late []settle
	for _, cmd := range cmds {
		if cmd.Atom == nil {
			continue
		}
		tx, err := e.transaction(cmd.Atom.ID)
		if err != nil {
			return err
		}
		local := tx.LocalRequirements(e.layout, e.group)
		if check != nil {
			if err := check(cmd, tx, local); err != nil {
				return err
			}
		}
		switch cmd.Kind {
		case types.CmdPrepare, types.CmdLocalOnly:
			if cmd.Atom.Decision == types.DecisionCommit {
				if err := pledgeAll(cs, cmd.Atom.ID, local); err != nil {
					return err
				}
			}
		}
		if cmd.Kind == types.CmdLocalOnly || cmd.Kind == types.CmdAccept {
			late = append(late, settle{cmd.Atom, local, cmd.Kind})
		}
	}
	for _, s := range late {
		if s.atom.Decision == types.DecisionCommit {
			if err := materialize(cs, s.atom.ID, s.local); err != nil {
				return err
			}
		}
		if s.kind == types.CmdLocalOnly && s.atom.Decision != types.DecisionCommit {
			continue
		}
		if err := releaseHeld(cs, s.atom.ID, s.local); err != nil {
			return err
		}
	}
	return nil
}

// poolUpdate collects the pipeline changes of one committed block.
type poolUpdate struct {
	records  map[types.TransactionID]*types.PoolRecord
	retired  []types.TransactionID
	finals   map[types.TransactionID]types.Decision
	foreign  []types.ForeignProposalRef
	outbound []*types.TransactionAtom
}

func (e *Engine) record(u *poolUpdate, id types.TransactionID) *types.PoolRecord {
	if r, ok := u.records[id]; ok {
		return r
	}
	r := &types.PoolRecord{ID: id}
	if cur, ok := e.pool[id]; ok {
		*r = *cur
		r.Evidence = cur.Evidence.Clone()
	}
	u.records[id] = r
	return r
}

// commitPool computes the pool transitions of committed block c.
func (e *Engine) commitPool(c *types.Block) (*poolUpdate, error) {
	u := &poolUpdate{records: make(map[types.TransactionID]*types.PoolRecord), finals: make(map[types.TransactionID]types.Decision)}
	for _, cmd := range c.Commands {
		switch cmd.Kind {
		case types.CmdPrepare:
			r := e.record(u, cmd.Atom.ID)
			r.Stage = types.StagePrepared
			r.LocalDecision = cmd.Atom.Decision
			r.Pledged = cmd.Atom.Decision == types.DecisionCommit
			r.Evidence = r.Evidence.With(types.ShardEvidence{ShardGroup: e.group, Stage: types.StagePrepared, Decision: cmd.Atom.Decision, BlockID: c.ID})
			u.outbound = append(u.outbound, cmd.Atom)
		case types.CmdLocalPrepared:
			r := e.record(u, cmd.Atom.ID)
			r.Stage = types.StageLocalPrepared
			r.Evidence = r.Evidence.With(types.ShardEvidence{ShardGroup: e.group, Stage: types.StageLocalPrepared, Decision: cmd.Atom.Decision, BlockID: c.ID})
			u.outbound = append(u.outbound, cmd.Atom)
		case types.CmdAccept, types.CmdLocalOnly:
			delete(u.records, cmd.Atom.ID)
			u.retired = append(u.retired, cmd.Atom.ID)
			u.finals[cmd.Atom.ID] = cmd.Atom.Decision
		case types.CmdForeignProposal:
			ref := *cmd.Foreign
			u.foreign = append(u.foreign, ref)
			fp, ok := e.foreign.get(ref)
			if !ok {
				e.log.Warnw("foreign_missing_at_commit", "group", ref.ShardGroup, "block", ref.BlockID.Short())
				continue
			}
			if err := e.applyForeignEvidence(u, fp); err != nil {
				return nil, err
			}
		}
	}
	return u, nil
}

// applyForeignEvidence merges a foreign group's recorded stages into the
// pool. The atoms of the certified block name the groups they touch, so
// the records written here depend on committed data only. Transactions
// already finished here are ignored.
func (e *Engine) applyForeignEvidence(u *poolUpdate, fp *types.ForeignProposal) error {
	for _, cmd := range fp.Block.Commands {
		if cmd.Atom == nil || !cmd.Atom.Involves(e.group) {
			continue
		}
		var stage types.Stage
		switch cmd.Kind {
		case types.CmdPrepare:
			stage = types.StagePrepared
		case types.CmdLocalPrepared:
			stage = types.StageLocalPrepared
		default:
			continue
		}
		id := cmd.Atom.ID
		if _, done := u.finals[id]; done {
			continue
		}
		_, inPool := e.pool[id]
		_, staged := u.records[id]
		if !inPool && !staged {
			retired, err := e.store.IsRetired(id)
			if err != nil {
				return storageFailure(err, "retired lookup")
			}
			if retired {
				continue
			}
		}
		r := e.record(u, id)
		r.Evidence = r.Evidence.With(types.ShardEvidence{
			ShardGroup: fp.Block.ShardGroup, Stage: stage, Decision: cmd.Atom.Decision, BlockID: fp.Block.ID,
		})
	}
	return nil
}

// nextPhase returns the command that moves rec forward, if its evidence
// allows one.
func nextPhase(rec *types.PoolRecord, tx *types.Transaction, layout types.ShardLayout) (types.Command, bool) {
	groups := tx.InvolvedGroups(layout)
	switch rec.Stage {
	case types.StagePrepared:
		if !rec.Evidence.ReachedBy(groups, types.StagePrepared) {
			return types.Command{}, false
		}
		return types.LocalPreparedCmd(&types.TransactionAtom{
			ID: rec.ID, Decision: rec.Evidence.Combined(groups), Groups: groups, Evidence: rec.Evidence.Clone(), Fee: tx.Fee,
		}), true
	case types.StageLocalPrepared:
		if !rec.Evidence.ReachedBy(groups, types.StageLocalPrepared) {
			return types.Command{}, false
		}
		d := rec.Evidence.Combined(groups)
		atom := &types.TransactionAtom{ID: rec.ID, Decision: d, Groups: groups, Evidence: rec.Evidence.Clone(), Fee: tx.Fee}
		if d == types.DecisionCommit {
			atom.LeaderFee = types.LeaderFeeFor(tx.Fee, len(groups))
		}
		return types.AcceptCmd(atom), true
	}
	return types.Command{}, false
}

func sortTxIDs(ids []types.TransactionID) {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
}
