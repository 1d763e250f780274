package consensus

import (
	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/hypershard/pkg/storage"
	"github.com/uhyunpark/hypershard/pkg/substate"
	"github.com/uhyunpark/hypershard/pkg/types"
)

// chainLink is an uncommitted block with the certificate the chain holds
// for it. Dummy blocks and the uncertified tip have a nil qc.
type chainLink struct {
	block *types.Block
	qc    *types.QuorumCertificate
}

// void reports whether the link's commands are discarded.
func (l chainLink) void() bool {
	return l.block.IsDummy || (l.qc != nil && l.qc.Decision == types.QuorumReject)
}

func (e *Engine) getBlock(id types.BlockID) (*types.Block, error) {
	if id == e.genesis.ID {
		return e.genesis, nil
	}
	b, err := e.store.GetBlock(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, storageFailure(err, "get block")
	}
	return b, nil
}

func (e *Engine) hasBlock(id types.BlockID) bool {
	_, err := e.getBlock(id)
	return err == nil
}

// uncommittedChain walks from top down to the committed tip and returns
// the links oldest first. topQC certifies top, if known.
func (e *Engine) uncommittedChain(top *types.Block, topQC *types.QuorumCertificate) ([]chainLink, error) {
	var links []chainLink
	cur, qc := top, topQC
	for cur.Height > e.committedHeight {
		links = append(links, chainLink{block: cur, qc: qc})
		parent, err := e.getBlock(cur.ParentID)
		if err != nil {
			return nil, errors.Wrapf(err, "ancestor of %s", cur.ID.Short())
		}
		qc = nil
		if cur.Justify != nil && cur.Justify.BlockID == parent.ID {
			qc = cur.Justify
		}
		cur = parent
	}
	if cur.ID != e.committedID {
		return nil, malformed("block %s does not extend the committed chain", top.ID.Short())
	}
	for i, j := 0, len(links)-1; i < j; i, j = i+1, j-1 {
		links[i], links[j] = links[j], links[i]
	}
	return links, nil
}

// chainView is what builders and validators need to know about the
// uncommitted ancestors of a new block.
type chainView struct {
	overlay  *substate.ChangeSet
	txs      map[types.TransactionID]struct{}
	foreign  map[types.ForeignProposalRef]struct{}
	endEpoch bool
}

func (v *chainView) inFlight(id types.TransactionID) bool {
	_, ok := v.txs[id]
	return ok
}

// viewOf stacks the diffs of the live ancestors in links over committed
// state.
func (e *Engine) viewOf(links []chainLink) (*chainView, error) {
	v := &chainView{
		overlay: substate.NewChangeSet(e.store),
		txs:     make(map[types.TransactionID]struct{}),
		foreign: make(map[types.ForeignProposalRef]struct{}),
	}
	for _, l := range links {
		if l.void() {
			continue
		}
		for _, id := range l.block.TransactionIDs() {
			v.txs[id] = struct{}{}
		}
		for _, ref := range l.block.ForeignProposals() {
			v.foreign[ref] = struct{}{}
		}
		if l.block.HasEndEpoch() {
			v.endEpoch = true
		}
		d, err := e.diffFor(l.block, v.overlay)
		if err != nil {
			return nil, err
		}
		v.overlay.Apply(d.substates, d.pledges)
	}
	return v, nil
}

// diffFor returns the cached diff of b, replaying its commands over base
// when the cache was lost to a restart.
func (e *Engine) diffFor(b *types.Block, base substate.Reader) (*blockDiff, error) {
	if d, ok := e.diffs[b.ID]; ok {
		return d, nil
	}
	cs := substate.NewChangeSet(base)
	if err := e.applyCommands(b.Commands, cs, nil); err != nil {
		return nil, errors.Wrapf(err, "replay %s", b.ID.Short())
	}
	d := diffOf(cs)
	e.diffs[b.ID] = d
	return d, nil
}

// extends reports whether b descends from the block with the given id and
// height.
func (e *Engine) extends(b *types.Block, id types.BlockID, height types.Height) bool {
	cur := b
	for cur.Height > height {
		p, err := e.getBlock(cur.ParentID)
		if err != nil {
			return false
		}
		cur = p
	}
	return cur.ID == id
}

// dummiesBetween derives the dummy blocks that fill the gap between the
// certified block jb and height (exclusive).
func (e *Engine) dummiesBetween(jb *types.Block, justify *types.QuorumCertificate, height types.Height, epoch types.Epoch, c *committeeInfo) []*types.Block {
	var out []*types.Block
	parent := jb
	for h := jb.Height + 1; h < height; h++ {
		d := types.NewDummyBlock(parent, justify, e.cfg.Leader.LeaderFor(c.Committee, h), epoch)
		out = append(out, d)
		parent = d
	}
	return out
}

// commitPoint is the height of the block a certificate finalizes through
// the three-chain rule, or zero when it finalizes nothing.
func (e *Engine) commitPoint(qc *types.QuorumCertificate, lookup func(types.BlockID) (*types.Block, error)) (types.Height, error) {
	if qc == nil || qc.IsGenesis() {
		return 0, nil
	}
	b2, err := lookup(qc.BlockID)
	if err != nil {
		return 0, err
	}
	if b2.IsGenesis() || b2.Justify.IsGenesis() {
		return 0, nil
	}
	b1, err := lookup(b2.Justify.BlockID)
	if err != nil {
		return 0, err
	}
	if b1.IsGenesis() || b1.Justify.IsGenesis() {
		return 0, nil
	}
	b0, err := lookup(b1.Justify.BlockID)
	if err != nil {
		return 0, err
	}
	if b2.ParentID == b1.ID && b1.ParentID == b0.ID {
		return b0.Height, nil
	}
	return 0, nil
}

// tailPending reports whether a child of top still has commands to drive
// to commit: some ancestor carrying commands sits above every commit point
// the chain has announced so far. It depends only on the chain, so a
// builder and its validators agree on it. extra holds blocks not stored
// yet, such as freshly derived dummies.
func (e *Engine) tailPending(top *types.Block, extra []*types.Block) (bool, error) {
	lookup := func(id types.BlockID) (*types.Block, error) {
		for _, b := range extra {
			if b.ID == id {
				return b, nil
			}
		}
		return e.getBlock(id)
	}
	var known types.Height
	for cur := top; !cur.IsGenesis(); {
		if cur.Height <= known {
			return false, nil
		}
		// dummies are never sent, so their justify announces nothing
		if !cur.IsDummy {
			if cur.HasCommands() {
				return true, nil
			}
			cp, err := e.commitPoint(cur.Justify, lookup)
			if err != nil {
				return false, err
			}
			if cp > known {
				known = cp
			}
		}
		var err error
		if cur, err = lookup(cur.ParentID); err != nil {
			return false, errors.Wrapf(err, "walk back from %s", top.ID.Short())
		}
	}
	return false, nil
}
