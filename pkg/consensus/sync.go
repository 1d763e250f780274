package consensus

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypershard/pkg/storage"
	"github.com/uhyunpark/hypershard/pkg/types"
	"github.com/uhyunpark/hypershard/pkg/util"
)

// SyncServer streams a node's chain to a peer that fell behind: the
// committed blocks from the requester's high QC upwards, then the
// uncommitted chain up to this node's high QC.
type SyncServer struct {
	Store     storage.Store
	Group     types.ShardGroup
	BatchSize int
	Logger    *zap.SugaredLogger
}

func (s *SyncServer) Serve(ctx context.Context, req *SyncRequest, send func(*SyncResponse) error) error {
	log := util.OrNop(s.Logger)
	if req.ShardGroup != s.Group {
		return malformed("sync request for %s", req.ShardGroup)
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = 32
	}
	from := types.Height(1)
	if req.HighQC != nil && req.HighQC.BlockHeight > 0 {
		from = req.HighQC.BlockHeight
	}
	foreign, err := s.foreignIndex()
	if err != nil {
		return err
	}

	var out []*types.FullBlock
	flush := func(done bool) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp := &SyncResponse{Epoch: req.Epoch, ShardGroup: s.Group, Blocks: out, Done: done}
		out = nil
		return send(resp)
	}
	add := func(b *types.Block) error {
		fb, err := s.fullBlock(b, foreign)
		if err != nil {
			return err
		}
		out = append(out, fb)
		if len(out) >= batch {
			return flush(false)
		}
		return nil
	}

	_, last, err := s.Store.LastCommitted()
	if err != nil {
		return storageFailure(err, "last committed")
	}
	for h := from; h <= last; h++ {
		id, err := s.Store.CommittedAt(h)
		if err != nil {
			return storageFailure(err, "committed index")
		}
		b, err := s.Store.GetBlock(id)
		if err != nil {
			return storageFailure(err, "get block")
		}
		if err := add(b); err != nil {
			return err
		}
	}

	st, err := s.Store.GetSafetyState()
	if err != nil {
		return storageFailure(err, "get safety state")
	}
	var tail []*types.Block
	for id := st.HighQC.BlockID; ; {
		b, err := s.Store.GetBlock(id)
		if err != nil {
			return storageFailure(err, "get block")
		}
		if b.Height <= last {
			break
		}
		tail = append(tail, b)
		id = b.ParentID
	}
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Height < from {
			continue
		}
		if err := add(tail[i]); err != nil {
			return err
		}
	}
	log.Debugw("sync_served", "from", from, "committed", last, "tail", len(tail))
	return flush(true)
}

func (s *SyncServer) foreignIndex() (map[types.ForeignProposalRef]*types.ForeignProposal, error) {
	fps, err := s.Store.ForeignProposals()
	if err != nil {
		return nil, storageFailure(err, "foreign proposals")
	}
	idx := make(map[types.ForeignProposalRef]*types.ForeignProposal, len(fps))
	for _, fp := range fps {
		idx[fp.Ref()] = fp
	}
	return idx, nil
}

func (s *SyncServer) fullBlock(b *types.Block, foreign map[types.ForeignProposalRef]*types.ForeignProposal) (*types.FullBlock, error) {
	fb := &types.FullBlock{Block: b}
	qc, err := s.Store.GetQC(b.ID)
	switch {
	case err == nil:
		fb.QC = qc
	case !errors.Is(err, storage.ErrNotFound):
		return nil, storageFailure(err, "get qc")
	}
	for _, id := range b.TransactionIDs() {
		tx, err := s.Store.GetTransaction(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, storageFailure(err, "get transaction")
		}
		fb.Transactions = append(fb.Transactions, tx)
	}
	for _, ref := range b.ForeignProposals() {
		if fp, ok := foreign[ref]; ok {
			fb.Foreign = append(fb.Foreign, fp)
		}
	}
	return fb, nil
}

type syncSession struct {
	id     uint64
	peer   types.NodeID
	target types.Height
	cancel context.CancelFunc
}

type syncChunk struct {
	id   uint64
	peer types.NodeID
	resp *SyncResponse
}

type syncDone struct {
	id  uint64
	err error
}

// startSync begins streaming from peer unless a sync towards an equal or
// higher target is already running. A fresher target replaces it.
func (e *Engine) startSync(peer types.NodeID, target types.Height) {
	if peer == "" || peer == e.self || e.runCtx == nil {
		return
	}
	if e.sync != nil {
		if e.sync.target >= target {
			return
		}
		e.log.Infow("sync_superseded", "peer", e.sync.peer, "target", e.sync.target, "new_peer", peer, "new_target", target)
		e.sync.cancel()
	}
	ctx, cancel := context.WithCancel(e.runCtx)
	e.syncSeq++
	s := &syncSession{id: e.syncSeq, peer: peer, target: target, cancel: cancel}
	e.sync = s
	req := &SyncRequest{Epoch: e.epoch, ShardGroup: e.group, HighQC: e.safety.HighQC()}
	e.log.Infow("sync_started", "peer", peer, "target", target, "from", req.HighQC.BlockHeight)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.cfg.Transport.Sync(ctx, peer, req, func(resp *SyncResponse) error {
			return e.enqueue(ctx, syncChunk{id: s.id, peer: peer, resp: resp})
		})
		_ = e.enqueue(ctx, syncDone{id: s.id, err: err})
	}()
}

func (e *Engine) cancelSync() {
	if e.sync != nil {
		e.sync.cancel()
		e.sync = nil
	}
}

func (e *Engine) onSyncChunk(ctx context.Context, c syncChunk) error {
	if e.sync == nil || e.sync.id != c.id {
		return nil
	}
	if c.resp.ShardGroup != e.group {
		e.cancelSync()
		e.strike(c.peer)
		return malformed("sync chunk for %s", c.resp.ShardGroup)
	}
	for _, fb := range c.resp.Blocks {
		if err := e.applySynced(ctx, c.peer, fb); err != nil {
			e.cancelSync()
			e.handleError(c.peer, errors.Wrap(err, "sync"))
			return nil
		}
	}
	return nil
}

func (e *Engine) applySynced(ctx context.Context, peer types.NodeID, fb *types.FullBlock) error {
	b := fb.Block
	if b == nil {
		return malformed("empty synced block")
	}
	if len(fb.Transactions) > 0 {
		if err := e.store.PutTransactions(fb.Transactions); err != nil {
			return storageFailure(err, "put transactions")
		}
	}
	for _, fp := range fb.Foreign {
		if err := e.adoptForeign(fp); err != nil {
			return err
		}
	}
	if !b.IsDummy && b.Height > e.committedHeight && !e.hasBlock(b.ID) {
		if b.ComputeID() != b.ID {
			return malformed("synced block id mismatch")
		}
		if err := e.processBlock(ctx, b, b.ProposedBy, false); err != nil {
			return err
		}
		e.metrics.SyncedBlocks.Inc()
	}
	if fb.QC != nil && fb.QC.BlockID == b.ID && e.hasBlock(b.ID) {
		if err := e.verifyQC(fb.QC); err != nil {
			return err
		}
		return e.onQC(ctx, fb.QC)
	}
	return nil
}

// adoptForeign buffers a foreign proposal that arrived through sync.
func (e *Engine) adoptForeign(fp *types.ForeignProposal) error {
	if fp == nil || fp.Block == nil || fp.QC == nil {
		return malformed("incomplete synced foreign proposal")
	}
	ref := fp.Ref()
	if e.foreign.has(ref) || e.foreign.wasMined(ref) {
		return nil
	}
	if fp.QC.BlockID != fp.Block.ID || fp.Block.ComputeID() != fp.Block.ID {
		return malformed("synced foreign proposal does not match its certificate")
	}
	if err := e.verifyCertificate(fp.QC, fp.Block.ShardGroup); err != nil {
		return err
	}
	cp := *fp
	cp.State = types.ForeignNew
	cp.ProposedIn = types.BlockID{}
	cp.TransactionIDs = involvedTransactions(cp.Block, e.group)
	if len(cp.TransactionIDs) == 0 {
		return malformed("synced foreign block %s involves no transaction of %s", cp.Block.ID.Short(), e.group)
	}
	if err := e.store.PutForeignProposal(&cp); err != nil {
		return storageFailure(err, "put foreign proposal")
	}
	e.foreign.add(&cp)
	return nil
}

func (e *Engine) onSyncDone(d syncDone) {
	if e.sync == nil || e.sync.id != d.id {
		return
	}
	peer := e.sync.peer
	e.sync = nil
	if d.err != nil && !errors.Is(d.err, context.Canceled) {
		e.log.Warnw("sync_failed", "peer", peer, "err", d.err)
		return
	}
	e.log.Infow("sync_finished", "peer", peer, "committed_height", e.committedHeight)
	e.retryParked(e.runCtx)
}
