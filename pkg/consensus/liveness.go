package consensus

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/hypershard/pkg/storage"
	"github.com/uhyunpark/hypershard/pkg/types"
)

func (e *Engine) onVote(ctx context.Context, from types.NodeID, v *Vote) error {
	if v.ShardGroup != e.group {
		return malformed("vote for %s", v.ShardGroup)
	}
	if v.Signer != from {
		return malformed("vote by %s relayed by %s", v.Signer, from)
	}
	if v.BlockHeight <= e.committedHeight {
		return stale("vote at committed height %d", v.BlockHeight)
	}
	if leader, err := e.leaderFor(v.BlockHeight + 1); err != nil || leader != e.self {
		return stale("vote for height %d sent to a non-leader", v.BlockHeight)
	}
	return e.addVote(ctx, v)
}

func (e *Engine) addVote(ctx context.Context, v *Vote) error {
	c, err := e.committee(v.Epoch, e.group)
	if err != nil {
		return err
	}
	qc, err := e.votes.Add(v, c)
	if err != nil || qc == nil {
		return err
	}
	e.metrics.QCsFormed.WithLabelValues(qc.Decision.String()).Inc()
	e.log.Infow("qc_formed", "height", qc.BlockHeight, "block", qc.BlockID.Short(), "decision", qc.Decision.String(),
		"signatures", len(qc.Signatures))
	return e.onQC(ctx, qc)
}

// onQC applies a certificate formed or learned by this node. A certificate
// for a block not yet seen waits in the aggregator until the block arrives.
func (e *Engine) onQC(ctx context.Context, qc *types.QuorumCertificate) error {
	if !e.hasBlock(qc.BlockID) {
		return nil
	}
	if err := e.updateNodes(ctx, qc); err != nil {
		return err
	}
	return e.persistSafety()
}

func (e *Engine) onNewView(ctx context.Context, from types.NodeID, nv *NewView) error {
	if nv.ShardGroup != e.group {
		return malformed("new view for %s", nv.ShardGroup)
	}
	if nv.HighQC == nil {
		return malformed("new view without high qc")
	}
	if nv.Epoch < e.epoch || nv.NewHeight <= e.committedHeight {
		return stale("new view for height %d epoch %d", nv.NewHeight, nv.Epoch)
	}
	c, err := e.committee(nv.Epoch, e.group)
	if err != nil {
		return err
	}
	if !c.Contains(from) {
		return malformed("new view from non-member %s", from)
	}
	if err := e.verifyQC(nv.HighQC); err != nil {
		return err
	}
	if nv.LastVote != nil {
		if nv.LastVote.Signer != from {
			return malformed("new view carries a vote by %s", nv.LastVote.Signer)
		}
		if nv.LastVote.BlockHeight > e.committedHeight {
			if err := e.addVote(ctx, nv.LastVote); err != nil {
				return err
			}
		}
	}
	if e.hasBlock(nv.HighQC.BlockID) {
		if err := e.onQC(ctx, nv.HighQC); err != nil {
			return err
		}
	} else if nv.HighQC.HigherThan(e.safety.HighQC()) {
		e.startSync(from, nv.HighQC.BlockHeight)
	}

	views := e.newViews[nv.NewHeight]
	if views == nil {
		views = make(map[types.NodeID]*NewView)
		e.newViews[nv.NewHeight] = views
	}
	views[from] = nv
	leader := e.cfg.Leader.LeaderFor(c.Committee, nv.NewHeight)
	if leader == e.self && len(views) >= c.QuorumThreshold() {
		e.pm.JumpTo(nv.NewHeight)
	}
	return nil
}

// onTimeout gives up on the expected height and asks the next leader to
// take over from this node's high QC.
func (e *Engine) onTimeout(ctx context.Context) {
	missed := e.pm.Height()
	next := e.pm.OnTimeout()
	e.metrics.Timeouts.Inc()
	err := errors.Mark(errors.Newf("no certified proposal for height %d", missed), ErrQuorumUnreachable)
	e.log.Infow("view_timeout", "height", missed, "next", next, "high_qc", e.safety.HighQC().BlockHeight, "err", err)

	leader, lerr := e.leaderFor(next)
	if lerr != nil {
		e.handleError("", lerr)
		return
	}
	nv := &NewView{Epoch: e.epoch, ShardGroup: e.group, NewHeight: next, HighQC: e.safety.HighQC(), LastVote: e.lastVote}
	e.send(leader, nv)
	e.cfg.EventLog.Append("new_view", next, e.safety.HighQC().BlockID)
}

// syncTimer runs the view timer only while something is waiting to be
// driven through consensus.
func (e *Engine) syncTimer() {
	if !e.hasWork() {
		if e.pm.Armed() {
			e.pm.Disarm()
		}
		return
	}
	if !e.pm.Armed() {
		state := PacemakerAwaitingProposal
		if e.pm.State() == PacemakerAwaitingVotes {
			state = PacemakerAwaitingVotes
		}
		e.pm.Arm(state)
	}
}

func (e *Engine) hasWork() bool {
	if e.cfg.Epochs.CurrentEpoch() > e.epoch {
		return true
	}
	if len(e.foreign.pending()) > 0 {
		return true
	}
	leafID, _ := e.safety.Leaf()
	leaf, err := e.getBlock(leafID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.handleError("", err)
		}
		return false
	}
	// a leaf whose commands are not yet known to be committed everywhere
	// still needs blocks on top of it
	pending, err := e.tailPending(leaf, nil)
	if err != nil {
		return false
	}
	if pending {
		return true
	}
	for id, r := range e.pool {
		tx, err := e.transaction(id)
		if err != nil {
			continue
		}
		if _, ok := nextPhase(r, tx, e.layout); ok {
			return true
		}
	}
	return e.cfg.Mempool.HasPending(func(id types.TransactionID) bool {
		r, ok := e.pool[id]
		return ok && r.Stage != types.StageNew
	})
}
