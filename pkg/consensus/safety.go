package consensus

import "github.com/uhyunpark/hypershard/pkg/types"

// Safety holds the vote-critical state. Every mutation is persisted by the
// engine before any message that depends on it leaves the node.
type Safety struct {
	state types.SafetyState
}

func NewSafety(st types.SafetyState) *Safety {
	return &Safety{state: st}
}

func (s *Safety) State() types.SafetyState { return s.state }

func (s *Safety) HighQC() *types.QuorumCertificate { return s.state.HighQC }

func (s *Safety) LockedHeight() types.Height { return s.state.LockedHeight }

func (s *Safety) LastVotedHeight() types.Height { return s.state.LastVotedHeight }

func (s *Safety) Leaf() (types.BlockID, types.Height) { return s.state.LeafID, s.state.LeafHeight }

// UpdateHighQC keeps the highest certificate seen.
func (s *Safety) UpdateHighQC(qc *types.QuorumCertificate) bool {
	if !qc.HigherThan(s.state.HighQC) {
		return false
	}
	s.state.HighQC = qc
	return true
}

// UpdateLock moves the lock up to b, never down.
func (s *Safety) UpdateLock(b *types.Block) bool {
	if b.Height <= s.state.LockedHeight && !s.state.LockedID.IsZero() {
		return false
	}
	s.state.LockedID, s.state.LockedHeight = b.ID, b.Height
	return true
}

func (s *Safety) UpdateLeaf(b *types.Block) bool {
	if b.Height <= s.state.LeafHeight && !s.state.LeafID.IsZero() {
		return false
	}
	s.state.LeafID, s.state.LeafHeight = b.ID, b.Height
	return true
}

// SafeToVote is the voting rule: never vote twice at a height, and only
// for blocks that extend the lock or justify something above it.
func (s *Safety) SafeToVote(b *types.Block, extendsLocked bool) bool {
	if b.Height <= s.state.LastVotedHeight {
		return false
	}
	return extendsLocked || b.Justify.BlockHeight > s.state.LockedHeight
}

func (s *Safety) RecordVote(b *types.Block) {
	s.state.LastVotedHeight, s.state.LastVotedID = b.Height, b.ID
}

func (s *Safety) SetEpoch(e types.Epoch) { s.state.Epoch = e }
