package consensus

import (
	"sort"

	"github.com/uhyunpark/hypershard/pkg/crypto"
	"github.com/uhyunpark/hypershard/pkg/types"
)

type heightKey struct {
	epoch  types.Epoch
	group  types.ShardGroup
	height types.Height
}

type castVote struct {
	blockID  types.BlockID
	decision types.QuorumDecision
}

type voteSet struct {
	blockID   types.BlockID
	height    types.Height
	epoch     types.Epoch
	group     types.ShardGroup
	sigs      map[types.NodeID]types.ValidatorSignature
	order     map[types.NodeID]int
	threshold int
	size      int
	qc        *types.QuorumCertificate
}

func (s *voteSet) count(d types.QuorumDecision) int {
	n := 0
	for _, sig := range s.sigs {
		if sig.Decision == d {
			n++
		}
	}
	return n
}

// signatures returns the collected signatures with decision d (or all of
// them when all is set) in committee order.
func (s *voteSet) signatures(d types.QuorumDecision, all bool) []types.ValidatorSignature {
	out := make([]types.ValidatorSignature, 0, len(s.sigs))
	for _, sig := range s.sigs {
		if all || sig.Decision == d {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].Signer] < s.order[out[j].Signer] })
	return out
}

// VoteAggregator turns votes into quorum certificates. A certificate is
// issued at most once per block; later votes are recorded but never change
// it.
type VoteAggregator struct {
	sets map[types.BlockID]*voteSet
	cast map[heightKey]map[types.NodeID]castVote
}

func NewVoteAggregator() *VoteAggregator {
	return &VoteAggregator{
		sets: make(map[types.BlockID]*voteSet),
		cast: make(map[heightKey]map[types.NodeID]castVote),
	}
}

// Add verifies v against the committee and records it. It returns the
// certificate when this vote is the one that completes it.
func (a *VoteAggregator) Add(v *Vote, c *committeeInfo) (*types.QuorumCertificate, error) {
	if v.ShardGroup != c.ShardGroup {
		return nil, malformed("vote for %s checked against %s", v.ShardGroup, c.ShardGroup)
	}
	pk, ok := c.key(v.Signer)
	if !ok {
		return nil, malformed("vote signer %s not in committee", v.Signer)
	}
	if !v.Decision.Valid() {
		return nil, malformed("vote decision %d", v.Decision)
	}
	if !crypto.Verify(pk, v.Signature, v.SigningMessage()) {
		return nil, malformed("bad vote signature from %s", v.Signer)
	}

	hk := heightKey{v.Epoch, v.ShardGroup, v.BlockHeight}
	byHeight := a.cast[hk]
	if byHeight == nil {
		byHeight = make(map[types.NodeID]castVote)
		a.cast[hk] = byHeight
	}
	if prev, seen := byHeight[v.Signer]; seen {
		if prev.blockID == v.BlockID && prev.decision == v.Decision {
			return nil, nil
		}
		return nil, safetyViolation("%s voted twice at height %d", v.Signer, v.BlockHeight)
	}
	byHeight[v.Signer] = castVote{v.BlockID, v.Decision}

	set := a.sets[v.BlockID]
	if set == nil {
		set = &voteSet{
			blockID: v.BlockID, height: v.BlockHeight, epoch: v.Epoch, group: v.ShardGroup,
			sigs:      make(map[types.NodeID]types.ValidatorSignature),
			order:     make(map[types.NodeID]int, c.Size()),
			threshold: c.QuorumThreshold(),
			size:      c.Size(),
		}
		for i, m := range c.Members {
			set.order[m.ID] = i
		}
		a.sets[v.BlockID] = set
	} else if set.height != v.BlockHeight || set.epoch != v.Epoch {
		return nil, malformed("vote for %s disagrees on height or epoch", v.BlockID.Short())
	}
	set.sigs[v.Signer] = types.ValidatorSignature{Signer: v.Signer, Decision: v.Decision, Signature: v.Signature}
	if set.qc != nil {
		return nil, nil
	}

	accepts := set.count(types.QuorumAccept)
	total := len(set.sigs)
	switch {
	case accepts >= set.threshold:
		set.qc = set.certificate(types.QuorumAccept, set.signatures(types.QuorumAccept, false))
	case total >= set.threshold && accepts+(set.size-total) < set.threshold:
		set.qc = set.certificate(types.QuorumReject, set.signatures(0, true))
	default:
		return nil, nil
	}
	return set.qc, nil
}

func (s *voteSet) certificate(d types.QuorumDecision, sigs []types.ValidatorSignature) *types.QuorumCertificate {
	return &types.QuorumCertificate{
		BlockID: s.blockID, BlockHeight: s.height, Epoch: s.epoch, ShardGroup: s.group,
		Signatures: sigs, Decision: d,
	}
}

// QC returns the certificate already issued for a block, if any.
func (a *VoteAggregator) QC(id types.BlockID) (*types.QuorumCertificate, bool) {
	set, ok := a.sets[id]
	if !ok || set.qc == nil {
		return nil, false
	}
	return set.qc, true
}

// Prune forgets everything at or below height.
func (a *VoteAggregator) Prune(height types.Height) {
	for id, s := range a.sets {
		if s.height <= height {
			delete(a.sets, id)
		}
	}
	for k := range a.cast {
		if k.height <= height {
			delete(a.cast, k)
		}
	}
}

// VerifyQC checks a certificate against the committee that signed it.
func VerifyQC(qc *types.QuorumCertificate, c *committeeInfo) error {
	if qc == nil {
		return malformed("missing certificate")
	}
	if qc.ShardGroup != c.ShardGroup {
		return malformed("certificate for %s checked against %s", qc.ShardGroup, c.ShardGroup)
	}
	if !qc.Decision.Valid() {
		return malformed("certificate decision %d", qc.Decision)
	}
	seen := make(map[types.NodeID]struct{}, len(qc.Signatures))
	for _, sig := range qc.Signatures {
		if _, dup := seen[sig.Signer]; dup {
			return malformed("certificate repeats signer %s", sig.Signer)
		}
		seen[sig.Signer] = struct{}{}
		pk, ok := c.key(sig.Signer)
		if !ok {
			return malformed("certificate signer %s not in committee", sig.Signer)
		}
		if !sig.Decision.Valid() {
			return malformed("certificate signature decision %d", sig.Decision)
		}
		msg := types.VoteMessage(qc.Epoch, qc.ShardGroup, qc.BlockID, qc.BlockHeight, sig.Decision)
		if !crypto.Verify(pk, sig.Signature, msg) {
			return malformed("certificate signature from %s does not verify", sig.Signer)
		}
	}
	t := c.QuorumThreshold()
	if len(qc.Signatures) < t {
		return malformed("certificate has %d signatures, need %d", len(qc.Signatures), t)
	}
	accepts := qc.CountFor(types.QuorumAccept)
	if qc.Decision == types.QuorumAccept && accepts < t {
		return malformed("accept certificate with %d accepts", accepts)
	}
	if qc.Decision == types.QuorumReject && accepts >= t {
		return malformed("reject certificate with %d accepts", accepts)
	}
	return nil
}
