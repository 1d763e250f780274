package consensus

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/hypershard/pkg/crypto"
	"github.com/uhyunpark/hypershard/pkg/storage"
	"github.com/uhyunpark/hypershard/pkg/types"
)

func (e *Engine) onProposal(ctx context.Context, from types.NodeID, p *Proposal) error {
	b := p.Block
	if b == nil || b.Justify == nil {
		return malformed("proposal without block or justify")
	}
	if b.ShardGroup != e.group {
		return malformed("proposal for %s", b.ShardGroup)
	}
	if b.IsDummy || b.Height == 0 {
		return malformed("dummy or genesis block proposed")
	}
	if from != b.ProposedBy {
		return malformed("proposal relayed by %s for %s", from, b.ProposedBy)
	}
	if b.ComputeID() != b.ID {
		return malformed("block id mismatch at height %d", b.Height)
	}
	if b.Height <= e.committedHeight {
		return stale("proposal at committed height %d", b.Height)
	}
	if e.hasBlock(b.ID) {
		return nil
	}
	if prev, ok := e.proposed[b.Height]; ok && prev != b.ID {
		return safetyViolation("%s proposed two blocks at height %d", from, b.Height)
	}
	return e.processBlock(ctx, b, from, true)
}

// processBlock validates a proposed block and, if it is safe, votes for it.
// Blocks waiting on data are parked and retried when the data arrives.
func (e *Engine) processBlock(ctx context.Context, b *types.Block, from types.NodeID, vote bool) error {
	if b.Epoch > e.epoch && b.Justify.Epoch == e.epoch && e.hasBlock(b.Justify.BlockID) {
		// the justify may commit the end_epoch block that moves this node on
		if err := e.verifyQC(b.Justify); err != nil {
			return err
		}
		if err := e.updateNodes(ctx, b.Justify); err != nil {
			return err
		}
	}
	if b.Epoch < e.epoch {
		return stale("block epoch %d behind %d", b.Epoch, e.epoch)
	}
	if b.Epoch > e.epoch {
		e.startSync(from, b.Justify.BlockHeight)
		return stale("block epoch %d ahead of %d", b.Epoch, e.epoch)
	}
	c, err := e.committee(b.Epoch, e.group)
	if err != nil {
		return err
	}
	if leader := e.cfg.Leader.LeaderFor(c.Committee, b.Height); leader != b.ProposedBy {
		return malformed("block at height %d proposed by %s, leader is %s", b.Height, b.ProposedBy, leader)
	}
	pk, _ := c.key(b.ProposedBy)
	if !crypto.Verify(pk, b.Signature, b.SigningMessage()) {
		return malformed("bad block signature from %s", b.ProposedBy)
	}
	if err := e.verifyQC(b.Justify); err != nil {
		return err
	}
	if b.Justify.BlockHeight >= b.Height {
		return malformed("justify height %d not below block height %d", b.Justify.BlockHeight, b.Height)
	}

	jb, err := e.getBlock(b.Justify.BlockID)
	if errors.Is(err, storage.ErrNotFound) {
		e.park(b, from, vote)
		e.startSync(from, b.Justify.BlockHeight)
		return nil
	}
	if err != nil {
		return err
	}
	if jb.Height != b.Justify.BlockHeight {
		return malformed("justify height %d for block at %d", b.Justify.BlockHeight, jb.Height)
	}
	dummies := e.dummiesBetween(jb, b.Justify, b.Height, b.Epoch, c)
	parent := jb
	if len(dummies) > 0 {
		parent = dummies[len(dummies)-1]
	}
	if b.ParentID != parent.ID {
		return malformed("block at %d has parent %s, expected %s", b.Height, b.ParentID.Short(), parent.ID.Short())
	}
	if b.Timestamp < parent.Timestamp {
		return malformed("block timestamp goes backwards")
	}
	if missing := e.missingData(b); missing {
		e.park(b, from, vote)
		return nil
	}

	for _, d := range dummies {
		if err := e.store.PutBlock(d); err != nil {
			return storageFailure(err, "put dummy")
		}
	}
	if err := e.updateNodes(ctx, b.Justify); err != nil {
		return err
	}

	diff, decision, err := e.validateBlock(b, parent)
	if err != nil {
		return err
	}
	if err := e.persistBlock(b); err != nil {
		return err
	}
	e.diffs[b.ID] = diff
	e.proposed[b.Height] = b.ID
	if err := e.noteForeignProposed(b); err != nil {
		return err
	}
	e.safety.UpdateLeaf(b)
	e.pm.OnProposal(b.Height)
	e.cfg.EventLog.Append("block_processed", b.Height, b.ID)
	e.log.Debugw("block_processed", "height", b.Height, "block", b.ID.Short(), "proposer", b.ProposedBy,
		"commands", len(b.Commands), "justify", b.Justify.BlockHeight, "dummies", len(dummies))

	if vote {
		if err := e.vote(b, decision); err != nil {
			return err
		}
	} else if err := e.persistSafety(); err != nil {
		return err
	}
	if qc, ok := e.votes.QC(b.ID); ok {
		if err := e.onQC(ctx, qc); err != nil {
			return err
		}
	}
	e.retryParked(ctx)
	return nil
}

func (e *Engine) persistBlock(b *types.Block) error {
	var txs []*types.Transaction
	for _, id := range b.TransactionIDs() {
		if tx, ok := e.cfg.Mempool.Get(id); ok {
			txs = append(txs, tx)
		}
	}
	if len(txs) > 0 {
		if err := e.store.PutTransactions(txs); err != nil {
			return storageFailure(err, "put transactions")
		}
	}
	if err := e.store.PutBlock(b); err != nil {
		return storageFailure(err, "put block")
	}
	return storageFailure(e.store.PutQC(b.Justify), "put qc")
}

// vote signs and sends a vote for b if the safety rules allow it. The
// safety state is durable before the vote leaves.
func (e *Engine) vote(b *types.Block, decision types.QuorumDecision) error {
	extends := e.extends(b, e.safety.State().LockedID, e.safety.LockedHeight())
	if !e.safety.SafeToVote(b, extends) {
		e.log.Debugw("vote_withheld", "height", b.Height, "block", b.ID.Short(),
			"last_voted", e.safety.LastVotedHeight(), "locked", e.safety.LockedHeight())
		return e.persistSafety()
	}
	e.safety.RecordVote(b)
	if err := e.persistSafety(); err != nil {
		return err
	}
	v := &Vote{
		Epoch: b.Epoch, ShardGroup: e.group, BlockID: b.ID, BlockHeight: b.Height,
		Decision: decision, Signer: e.self,
	}
	v.Signature = e.cfg.Signer.Sign(v.SigningMessage())
	e.lastVote = v
	to, err := e.leaderFor(b.Height + 1)
	if err != nil {
		return err
	}
	e.send(to, v)
	e.metrics.VotesSent.Inc()
	e.cfg.EventLog.Append("vote_"+decision.String(), b.Height, b.ID)
	e.log.Debugw("vote_sent", "height", b.Height, "block", b.ID.Short(), "decision", decision.String(), "to", to)
	return nil
}

// verifyQC checks a certificate of the local group, remembering the ones
// already verified.
func (e *Engine) verifyQC(qc *types.QuorumCertificate) error {
	if qc.IsGenesis() {
		if qc.BlockID != e.genesis.ID || qc.ShardGroup != e.group {
			return malformed("unknown genesis certificate")
		}
		return nil
	}
	return e.verifyCertificate(qc, qc.ShardGroup)
}

func (e *Engine) verifyCertificate(qc *types.QuorumCertificate, group types.ShardGroup) error {
	if qc.ShardGroup != group {
		return malformed("certificate for %s, expected %s", qc.ShardGroup, group)
	}
	key := certificateKey(qc)
	if e.verified.Contains(key) {
		return nil
	}
	c, err := e.committee(qc.Epoch, group)
	if err != nil {
		return err
	}
	if err := VerifyQC(qc, c); err != nil {
		return err
	}
	e.verified.Add(key, struct{}{})
	return nil
}

// certificateKey covers the signatures too, so a forged signature set is
// never mistaken for one already verified.
func certificateKey(qc *types.QuorumCertificate) types.Hash {
	h := qc.Hash()
	parts := make([][]byte, 0, len(qc.Signatures)+1)
	parts = append(parts, h[:])
	for _, s := range qc.Signatures {
		parts = append(parts, []byte(s.Signer), []byte{byte(s.Decision)}, s.Signature)
	}
	return types.HashBytes("qc-key", parts...)
}

// updateNodes is the chained commit rule applied to a newly seen
// certificate: raise the high QC, lock the grandparent, and commit the
// great-grandparent when the three form a direct chain.
func (e *Engine) updateNodes(ctx context.Context, qc *types.QuorumCertificate) error {
	b2, err := e.getBlock(qc.BlockID)
	if err != nil {
		return err
	}
	if e.safety.UpdateHighQC(qc) {
		if err := storageFailure(e.store.PutQC(qc), "put qc"); err != nil {
			return err
		}
	}
	if b2.IsGenesis() || b2.Justify.IsGenesis() {
		return nil
	}
	b1, err := e.getBlock(b2.Justify.BlockID)
	if err != nil {
		return err
	}
	e.safety.UpdateLock(b1)
	if b1.IsGenesis() {
		return nil
	}
	b0, err := e.getBlock(b1.Justify.BlockID)
	if err != nil {
		return err
	}
	if b2.ParentID == b1.ID && b1.ParentID == b0.ID && b0.Height > e.committedHeight {
		return e.commitChain(ctx, b0, b1.Justify)
	}
	return nil
}

// commitChain commits b0 and every uncommitted ancestor, oldest first.
func (e *Engine) commitChain(ctx context.Context, b0 *types.Block, qc *types.QuorumCertificate) error {
	links, err := e.uncommittedChain(b0, qc)
	if err != nil {
		return err
	}
	for _, l := range links {
		if err := e.commitBlock(ctx, l); err != nil {
			return err
		}
	}
	return e.persistSafety()
}

func (e *Engine) commitBlock(ctx context.Context, l chainLink) error {
	b := l.block
	rec := &types.CommitRecord{BlockID: b.ID, Height: b.Height}
	var u *poolUpdate
	if !l.void() {
		d, err := e.diffFor(b, e.store)
		if err != nil {
			return err
		}
		rec.Substates, rec.Pledges = d.substates, d.pledges
		if u, err = e.commitPool(b); err != nil {
			return err
		}
		for _, r := range u.records {
			rec.Pool = append(rec.Pool, *r)
		}
		rec.Retired = u.retired
		rec.Foreign = u.foreign
	}
	if err := e.store.CommitBlock(rec); err != nil {
		return storageFailure(err, "commit block")
	}
	e.committedID, e.committedHeight = b.ID, b.Height
	delete(e.diffs, b.ID)
	delete(e.proposed, b.Height)
	e.votes.Prune(b.Height)
	for h := range e.newViews {
		if h <= b.Height {
			delete(e.newViews, h)
		}
	}
	if u != nil {
		e.applyPoolUpdate(ctx, b, l.qc, u)
		if err := e.retireForeign(); err != nil {
			return err
		}
	}
	e.metrics.BlocksCommitted.Inc()
	e.cfg.EventLog.Append("block_committed", b.Height, b.ID)
	if !b.IsDummy {
		e.log.Infow("block_committed", "height", b.Height, "block", b.ID.Short(), "commands", len(b.Commands), "void", l.void())
	}
	if e.cfg.OnBlockCommit != nil {
		e.cfg.OnBlockCommit(b, l.qc)
	}
	if !l.void() && b.HasEndEpoch() {
		e.endEpoch()
	}
	return nil
}

func (e *Engine) applyPoolUpdate(ctx context.Context, b *types.Block, qc *types.QuorumCertificate, u *poolUpdate) {
	for id, r := range u.records {
		e.pool[id] = r
	}
	for _, id := range u.retired {
		delete(e.pool, id)
		if u.finals[id] == types.DecisionCommit {
			e.cfg.Mempool.OnCommitted(id, types.DecisionCommit)
		} else {
			e.cfg.Mempool.OnAborted(id, "aborted by consensus")
		}
	}
	for _, ref := range u.foreign {
		if fp, ok := e.foreign.remove(ref); ok {
			e.applied[ref] = fp
		}
	}
	if len(u.outbound) > 0 && qc != nil {
		e.sendForeignProposals(ctx, b, qc, u.outbound)
	}
}

// endEpoch switches to the epoch the epoch manager reports once an
// end_epoch command commits.
func (e *Engine) endEpoch() {
	next := e.cfg.Epochs.CurrentEpoch()
	if next <= e.epoch {
		return
	}
	prev := e.epoch
	e.epoch = next
	e.safety.SetEpoch(next)
	e.committees.purge()
	e.log.Infow("epoch_changed", "from", prev, "to", next)
}
