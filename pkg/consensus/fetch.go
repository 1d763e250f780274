package consensus

import (
	"context"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/hypershard/pkg/mempool"
	"github.com/uhyunpark/hypershard/pkg/storage"
	"github.com/uhyunpark/hypershard/pkg/types"
)

const maxParked = 64

// missingData reports whether b references transactions or foreign
// proposals this node does not hold, and requests the transactions.
func (e *Engine) missingData(b *types.Block) bool {
	var txs []types.TransactionID
	for _, id := range b.TransactionIDs() {
		if _, err := e.transaction(id); err != nil {
			txs = append(txs, id)
		}
	}
	missing := len(txs) > 0
	for _, ref := range b.ForeignProposals() {
		if !e.foreign.has(ref) {
			e.log.Debugw("foreign_proposal_awaited", "block", b.ID.Short(), "foreign", ref.BlockID.Short(), "group", ref.ShardGroup.String())
			missing = true
		}
	}
	if len(txs) > 0 {
		e.nextReq++
		req := &MissingTransactionsRequest{
			RequestID: e.nextReq, Epoch: b.Epoch, ShardGroup: e.group, BlockID: b.ID, TransactionIDs: txs,
		}
		if err := e.requests.Set(requestKey(req.RequestID), req); err != nil {
			e.log.Warnw("request_track_failed", "err", err)
		}
		e.send(b.ProposedBy, req)
		e.log.Debugw("missing_transactions_requested", "block", b.ID.Short(), "count", len(txs), "from", b.ProposedBy)
	}
	return missing
}

func requestKey(id uint64) string { return strconv.FormatUint(id, 10) }

func (e *Engine) park(b *types.Block, from types.NodeID, vote bool) {
	if _, ok := e.parked[b.ID]; ok {
		return
	}
	if len(e.parked) >= maxParked {
		var oldest *parkedBlock
		for _, p := range e.parked {
			if oldest == nil || p.block.Height < oldest.block.Height {
				oldest = p
			}
		}
		delete(e.parked, oldest.block.ID)
	}
	e.parked[b.ID] = &parkedBlock{block: b, from: from, vote: vote}
	e.log.Debugw("block_parked", "height", b.Height, "block", b.ID.Short())
}

// retryParked re-runs parked blocks whose data has arrived, lowest first.
func (e *Engine) retryParked(ctx context.Context) {
	if len(e.parked) == 0 {
		return
	}
	var ready []*parkedBlock
	for id, p := range e.parked {
		if p.block.Height <= e.committedHeight || e.hasBlock(id) {
			delete(e.parked, id)
			continue
		}
		if e.parkedReady(p.block) {
			ready = append(ready, p)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].block.Height < ready[j].block.Height })
	for _, p := range ready {
		delete(e.parked, p.block.ID)
		if err := e.processBlock(ctx, p.block, p.from, p.vote); err != nil {
			e.handleError(p.from, err)
		}
	}
}

func (e *Engine) parkedReady(b *types.Block) bool {
	if !e.hasBlock(b.Justify.BlockID) {
		return false
	}
	for _, id := range b.TransactionIDs() {
		if _, err := e.transaction(id); err != nil {
			return false
		}
	}
	for _, ref := range b.ForeignProposals() {
		if !e.foreign.has(ref) {
			return false
		}
	}
	return true
}

func (e *Engine) onMissingRequest(ctx context.Context, from types.NodeID, req *MissingTransactionsRequest) error {
	if req.ShardGroup != e.group {
		return malformed("missing transactions request for %s", req.ShardGroup)
	}
	resp := &MissingTransactionsResponse{RequestID: req.RequestID, Epoch: req.Epoch, ShardGroup: e.group, BlockID: req.BlockID}
	for _, id := range req.TransactionIDs {
		tx, err := e.transaction(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		resp.Transactions = append(resp.Transactions, tx)
	}
	e.send(from, resp)
	return nil
}

func (e *Engine) onMissingResponse(ctx context.Context, from types.NodeID, resp *MissingTransactionsResponse) error {
	key := requestKey(resp.RequestID)
	v, err := e.requests.Get(key)
	if err != nil {
		return stale("unknown or expired request %d", resp.RequestID)
	}
	req := v.(*MissingTransactionsRequest)
	if req.BlockID != resp.BlockID {
		return malformed("response for block %s answers request for %s", resp.BlockID.Short(), req.BlockID.Short())
	}
	wanted := make(map[types.TransactionID]struct{}, len(req.TransactionIDs))
	for _, id := range req.TransactionIDs {
		wanted[id] = struct{}{}
	}
	for _, tx := range resp.Transactions {
		if _, ok := wanted[tx.ID()]; !ok {
			return malformed("unrequested transaction %s", tx.ID().Short())
		}
	}
	if err := e.requests.Remove(key); err != nil {
		e.log.Debugw("request_untrack_failed", "request", resp.RequestID, "err", err)
	}
	if err := e.store.PutTransactions(resp.Transactions); err != nil {
		return storageFailure(err, "put transactions")
	}
	for _, tx := range resp.Transactions {
		if _, err := e.cfg.Mempool.Add(tx, types.DecisionCommit); err != nil {
			e.log.Debugw("mempool_reject", "tx", tx.ID().Short(), "err", err)
		}
	}
	e.retryParked(ctx)
	return nil
}

// onNewTransaction admits a gossiped transaction. One already carried by a
// block is ignored so a late copy cannot restart its pipeline.
func (e *Engine) onNewTransaction(m *NewTransaction) error {
	if m.Transaction == nil {
		return malformed("empty transaction gossip")
	}
	if m.ShardGroup != e.group {
		return malformed("transaction gossip for %s", m.ShardGroup)
	}
	id := m.Transaction.ID()
	if _, err := e.store.GetTransaction(id); err == nil {
		return nil
	}
	if _, err := e.cfg.Mempool.Add(m.Transaction, m.Decision); err != nil {
		if errors.Is(err, mempool.ErrFull) {
			e.log.Warnw("mempool_full", "tx", id.Short())
			return nil
		}
		return malformed("transaction %s: %v", id.Short(), err)
	}
	return nil
}

func (e *Engine) gossipTransaction(ctx context.Context, tx *types.Transaction, decision types.Decision) {
	for _, g := range tx.InvolvedGroups(e.layout) {
		e.broadcast(g, &NewTransaction{ShardGroup: g, Transaction: tx, Decision: decision})
	}
}
