package consensus

import (
	"bytes"
	"context"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/uhyunpark/hypershard/pkg/types"
)

// foreignBuffer holds foreign proposals keyed by (shard group, block id)
// until a committed local block consumes them. The oldest are dropped when
// it is full.
type foreignBuffer struct {
	cache *lru.Cache[types.ForeignProposalRef, *types.ForeignProposal]
	mined *lru.Cache[types.ForeignProposalRef, struct{}]
}

func newForeignBuffer(size int, onEvict func(*types.ForeignProposal)) *foreignBuffer {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.NewWithEvict[types.ForeignProposalRef, *types.ForeignProposal](size, func(_ types.ForeignProposalRef, fp *types.ForeignProposal) {
		if onEvict != nil {
			onEvict(fp)
		}
	})
	if err != nil {
		panic(err)
	}
	m, err := lru.New[types.ForeignProposalRef, struct{}](size)
	if err != nil {
		panic(err)
	}
	return &foreignBuffer{cache: c, mined: m}
}

// add returns false when the proposal is already buffered.
func (f *foreignBuffer) add(fp *types.ForeignProposal) bool {
	if f.cache.Contains(fp.Ref()) {
		return false
	}
	f.cache.Add(fp.Ref(), fp)
	return true
}

func (f *foreignBuffer) get(ref types.ForeignProposalRef) (*types.ForeignProposal, bool) {
	return f.cache.Peek(ref)
}

func (f *foreignBuffer) has(ref types.ForeignProposalRef) bool {
	return f.cache.Contains(ref)
}

// markProposed records the first local block to reference ref. It returns
// the proposal when its state changed.
func (f *foreignBuffer) markProposed(ref types.ForeignProposalRef, in types.BlockID) (*types.ForeignProposal, bool) {
	fp, ok := f.cache.Peek(ref)
	if !ok || fp.State != types.ForeignNew {
		return nil, false
	}
	fp.State = types.ForeignProposed
	fp.ProposedIn = in
	return fp, true
}

// remove drops a mined proposal and returns it. The eviction callback
// still fires and sees it as mined.
func (f *foreignBuffer) remove(ref types.ForeignProposalRef) (*types.ForeignProposal, bool) {
	f.mined.Add(ref, struct{}{})
	fp, ok := f.cache.Peek(ref)
	if !ok {
		return nil, false
	}
	fp.State = types.ForeignMined
	f.cache.Remove(ref)
	return fp, true
}

func (f *foreignBuffer) rememberMined(ref types.ForeignProposalRef) {
	f.mined.Add(ref, struct{}{})
}

func (f *foreignBuffer) wasMined(ref types.ForeignProposalRef) bool {
	return f.mined.Contains(ref)
}

// pending lists the unmined proposals in canonical order.
func (f *foreignBuffer) pending() []*types.ForeignProposal {
	var out []*types.ForeignProposal
	for _, fp := range f.cache.Values() {
		if fp.State == types.ForeignNew || fp.State == types.ForeignProposed {
			out = append(out, fp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Block, out[j].Block
		if a.ShardGroup != b.ShardGroup {
			return a.ShardGroup < b.ShardGroup
		}
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
	return out
}

func (f *foreignBuffer) len() int { return f.cache.Len() }

// sendForeignProposals forwards a committed block to every other group
// named by its Prepare and LocalPrepared atoms, with the bodies of the
// transactions each group shares. Each validator sends; receivers drop the
// duplicates.
func (e *Engine) sendForeignProposals(ctx context.Context, b *types.Block, qc *types.QuorumCertificate, atoms []*types.TransactionAtom) {
	byGroup := make(map[types.ShardGroup][]*types.Transaction)
	for _, a := range atoms {
		tx, err := e.transaction(a.ID)
		if err != nil {
			e.log.Warnw("foreign_tx_missing", "tx", a.ID.Short(), "err", err)
		}
		for _, g := range a.Groups {
			if g == e.group {
				continue
			}
			if tx != nil {
				byGroup[g] = append(byGroup[g], tx)
			} else if _, ok := byGroup[g]; !ok {
				byGroup[g] = nil
			}
		}
	}
	for g, txs := range byGroup {
		e.broadcast(g, &ForeignProposalMessage{To: g, Block: b, QC: qc, Transactions: txs})
		e.log.Debugw("foreign_proposal_sent", "to", g.String(), "block", b.ID.Short(), "transactions", len(txs))
	}
}

// noteForeignProposed persists the move to Proposed of every foreign
// proposal b is the first block to reference.
func (e *Engine) noteForeignProposed(b *types.Block) error {
	for _, ref := range b.ForeignProposals() {
		fp, changed := e.foreign.markProposed(ref, b.ID)
		if !changed {
			continue
		}
		if err := e.store.PutForeignProposal(fp); err != nil {
			return storageFailure(err, "put foreign proposal")
		}
	}
	return nil
}

// involvedTransactions lists the transactions of foreign block b whose
// Prepare or LocalPrepared atoms name group g.
func involvedTransactions(b *types.Block, g types.ShardGroup) []types.TransactionID {
	var out []types.TransactionID
	seen := make(map[types.TransactionID]struct{})
	for _, cmd := range b.Commands {
		if cmd.Kind != types.CmdPrepare && cmd.Kind != types.CmdLocalPrepared {
			continue
		}
		if !cmd.Atom.Involves(g) {
			continue
		}
		if _, dup := seen[cmd.Atom.ID]; dup {
			continue
		}
		seen[cmd.Atom.ID] = struct{}{}
		out = append(out, cmd.Atom.ID)
	}
	return out
}

// onForeignProposal buffers a certified foreign block. The transactions it
// concerns come from the block itself; the bodies a sender attaches are
// only admitted, so a later copy still delivers bodies an earlier one left
// out.
func (e *Engine) onForeignProposal(ctx context.Context, from types.NodeID, m *ForeignProposalMessage) error {
	if m.Block == nil || m.QC == nil {
		return malformed("foreign proposal without block or certificate")
	}
	b := m.Block
	if m.To != e.group || b.ShardGroup == e.group {
		return malformed("foreign proposal from %s addressed to %s", b.ShardGroup, m.To)
	}
	if b.ComputeID() != b.ID {
		return malformed("foreign block id mismatch")
	}
	if m.QC.BlockID != b.ID || m.QC.BlockHeight != b.Height || m.QC.Decision != types.QuorumAccept {
		return malformed("foreign certificate does not accept block %s", b.ID.Short())
	}
	ref := types.ForeignProposalRef{ShardGroup: b.ShardGroup, BlockID: b.ID}
	if e.foreign.wasMined(ref) {
		return nil
	}
	known := e.foreign.has(ref)
	if !known {
		if err := e.verifyCertificate(m.QC, b.ShardGroup); err != nil {
			return err
		}
	}
	ids := involvedTransactions(b, e.group)
	if len(ids) == 0 {
		return malformed("foreign block %s involves no transaction of %s", b.ID.Short(), e.group)
	}
	relevant := make(map[types.TransactionID]struct{}, len(ids))
	for _, id := range ids {
		relevant[id] = struct{}{}
	}
	for _, tx := range m.Transactions {
		id := tx.ID()
		if _, ok := relevant[id]; !ok || !tx.Involves(e.layout, e.group) {
			return malformed("foreign proposal carries unrelated transaction %s", id.Short())
		}
	}

	if !known {
		fp := &types.ForeignProposal{Block: b, QC: m.QC, State: types.ForeignNew, TransactionIDs: ids}
		if err := e.store.PutForeignProposal(fp); err != nil {
			return storageFailure(err, "put foreign proposal")
		}
		e.foreign.add(fp)
		e.log.Debugw("foreign_proposal_buffered", "from", b.ShardGroup.String(), "block", b.ID.Short(),
			"height", b.Height, "transactions", len(ids), "attached", len(m.Transactions))
	}
	e.admitForeignBodies(m.Transactions)
	if !known {
		e.retryParked(ctx)
	}
	return nil
}

// admitForeignBodies offers the bodies of foreign-proposed transactions to
// the mempool unless this group already carried them in a block.
func (e *Engine) admitForeignBodies(txs []*types.Transaction) {
	for _, tx := range txs {
		id := tx.ID()
		if _, err := e.store.GetTransaction(id); err == nil {
			continue
		}
		if _, held := e.cfg.Mempool.Get(id); held {
			continue
		}
		if r, ok := e.pool[id]; ok && r.Stage != types.StageNew {
			continue
		}
		if _, err := e.cfg.Mempool.Add(tx, types.DecisionCommit); err != nil {
			e.log.Debugw("mempool_reject", "tx", id.Short(), "err", err)
		}
	}
}
