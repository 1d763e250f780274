package consensus

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/hypershard/pkg/substate"
	"github.com/uhyunpark/hypershard/pkg/types"
)

// tryPropose proposes the next block when this node leads the height the
// pacemaker expects and holds a certificate (or a quorum of new views) to
// build on.
func (e *Engine) tryPropose(ctx context.Context) {
	h := e.pm.Height()
	if h <= e.lastProposed {
		return
	}
	leader, err := e.leaderFor(h)
	if err != nil || leader != e.self {
		return
	}
	justify := e.safety.HighQC()
	c, err := e.committee(e.epoch, e.group)
	if err != nil {
		return
	}
	if justify.BlockHeight+1 != h && len(e.newViews[h]) < c.QuorumThreshold() {
		e.pm.state = PacemakerAwaitingVotes
		return
	}
	b, err := e.buildBlock(h, justify, c)
	if err != nil {
		e.handleError("", errors.Wrap(err, "build block"))
		return
	}
	if b == nil {
		return
	}
	e.lastProposed = h
	e.metrics.Proposals.Inc()
	e.log.Infow("block_proposed", "height", h, "block", b.ID.Short(), "commands", len(b.Commands),
		"justify", justify.BlockHeight, "justify_decision", justify.Decision.String())
	e.cfg.EventLog.Append("block_proposed", h, b.ID)
	if err := e.processBlock(ctx, b, e.self, true); err != nil {
		e.handleError("", errors.Wrap(err, "own proposal"))
		return
	}
	e.broadcast(e.group, &Proposal{Block: b})
}

// buildBlock assembles and signs the block for height h on top of justify.
// It returns nil when there is nothing worth proposing.
func (e *Engine) buildBlock(h types.Height, justify *types.QuorumCertificate, c *committeeInfo) (*types.Block, error) {
	jb, err := e.getBlock(justify.BlockID)
	if err != nil {
		return nil, err
	}
	dummies := e.dummiesBetween(jb, justify, h, e.epoch, c)
	parent := jb
	if len(dummies) > 0 {
		parent = dummies[len(dummies)-1]
	}
	// dummies are not stored yet, so walk from the certified block
	links, err := e.uncommittedChain(jb, justify)
	if err != nil {
		return nil, err
	}
	for _, d := range dummies {
		links = append(links, chainLink{block: d})
	}
	view, err := e.viewOf(links)
	if err != nil {
		return nil, err
	}
	cmds, fee, err := e.selectCommands(view)
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		pending, err := e.tailPending(parent, dummies)
		if err != nil || !pending {
			return nil, err
		}
	}
	ts := uint64(e.cfg.Clock.Now().UnixMilli())
	if ts < parent.Timestamp {
		ts = parent.Timestamp
	}
	blHeight, blHash := e.cfg.Epochs.BaseLayerBlock(e.epoch)
	b := &types.Block{
		ParentID:             parent.ID,
		Height:               h,
		Epoch:                e.epoch,
		ShardGroup:           e.group,
		ProposedBy:           e.self,
		Justify:              justify,
		Commands:             cmds,
		TotalLeaderFee:       fee,
		Timestamp:            ts,
		BaseLayerBlockHeight: blHeight,
		BaseLayerBlockHash:   blHash,
	}
	b.Seal()
	b.Signature = e.cfg.Signer.Sign(b.SigningMessage())
	return b, nil
}

// selectCommands picks the next commands from committed pipeline state.
// Transactions already referenced by an uncommitted ancestor are left for
// later blocks, and so are transactions whose substates another command
// has pledged.
func (e *Engine) selectCommands(view *chainView) ([]types.Command, uint64, error) {
	if view.endEpoch {
		return nil, 0, nil
	}
	if e.cfg.Epochs.CurrentEpoch() > e.epoch {
		return []types.Command{types.EndEpochCmd()}, 0, nil
	}
	limit := e.cfg.MaxBlockCommands
	var cmds []types.Command
	full := func() bool { return len(cmds) >= limit }

	for _, fp := range e.foreign.pending() {
		if full() {
			break
		}
		ref := fp.Ref()
		if _, used := view.foreign[ref]; used {
			continue
		}
		cmds = append(cmds, types.ForeignProposalCmd(ref.ShardGroup, ref.BlockID))
	}

	cs := substate.NewChangeSet(view.overlay)
	for _, id := range sortedPoolIDs(e.pool) {
		if full() {
			break
		}
		if view.inFlight(id) {
			continue
		}
		tx, err := e.transaction(id)
		if err != nil {
			continue
		}
		if cmd, ok := nextPhase(e.pool[id], tx, e.layout); ok {
			cmds = append(cmds, cmd)
		}
	}

	if !full() {
		skip := func(id types.TransactionID) bool {
			if view.inFlight(id) {
				return true
			}
			r, ok := e.pool[id]
			return ok && r.Stage != types.StageNew
		}
		for _, atom := range e.cfg.Mempool.NextPendingAtoms(0, skip) {
			if full() {
				break
			}
			tx, ok := e.cfg.Mempool.Get(atom.ID)
			if !ok {
				continue
			}
			local := tx.LocalRequirements(e.layout, e.group)
			d, err := localDecision(tx, atom.Decision, local, cs)
			if errors.Is(err, ErrPledgeConflict) {
				e.metrics.PledgeConflicts.Inc()
				e.log.Debugw("tx_deferred", "tx", atom.ID.Short(), "reason", err.Error())
				continue
			}
			if err != nil {
				return nil, 0, err
			}
			if d == types.DecisionCommit {
				if err := pledgeAll(cs, atom.ID, local); err != nil {
					return nil, 0, err
				}
			}
			next := &types.TransactionAtom{ID: atom.ID, Decision: d, Fee: tx.Fee}
			if tx.IsLocalOnly(e.layout, e.group) {
				if d == types.DecisionCommit {
					next.LeaderFee = tx.Fee
				}
				cmds = append(cmds, types.LocalOnlyCmd(next))
			} else {
				next.Groups = tx.InvolvedGroups(e.layout)
				cmds = append(cmds, types.PrepareCmd(next))
			}
		}
	}

	types.SortCommands(cmds)
	var fee uint64
	for _, c := range cmds {
		if c.Atom != nil {
			fee += c.Atom.LeaderFee
		}
	}
	return cmds, fee, nil
}

func sortedPoolIDs(pool map[types.TransactionID]*types.PoolRecord) []types.TransactionID {
	ids := make([]types.TransactionID, 0, len(pool))
	for id, r := range pool {
		if r.Stage == types.StagePrepared || r.Stage == types.StageLocalPrepared {
			ids = append(ids, id)
		}
	}
	sortTxIDs(ids)
	return ids
}
