package types

// ValidatorSignature is one committee member's signed vote. Each signature
// carries its own decision so a Reject certificate stays verifiable.
type ValidatorSignature struct {
	Signer    NodeID
	Decision  QuorumDecision
	Signature []byte
}

// QuorumCertificate proves a quorum of a shard group's committee voted on
// a block. It is immutable once issued.
type QuorumCertificate struct {
	BlockID     BlockID
	BlockHeight Height
	Epoch       Epoch
	ShardGroup  ShardGroup
	Signatures  []ValidatorSignature
	Decision    QuorumDecision
}

type qcHashing struct {
	BlockID     BlockID
	BlockHeight uint64
	Epoch       uint64
	ShardGroup  uint32
	Decision    uint8
}

// Hash identifies what the certificate certifies; the signature subset does
// not change it.
func (qc *QuorumCertificate) Hash() Hash {
	return hashRLP("qc", qcHashing{
		BlockID: qc.BlockID, BlockHeight: uint64(qc.BlockHeight), Epoch: uint64(qc.Epoch),
		ShardGroup: uint32(qc.ShardGroup), Decision: uint8(qc.Decision),
	})
}

func (qc *QuorumCertificate) IsGenesis() bool {
	return qc.BlockHeight == 0 && len(qc.Signatures) == 0
}

func (qc *QuorumCertificate) Signers() []NodeID {
	out := make([]NodeID, len(qc.Signatures))
	for i, s := range qc.Signatures {
		out[i] = s.Signer
	}
	return out
}

func (qc *QuorumCertificate) CountFor(d QuorumDecision) int {
	n := 0
	for _, s := range qc.Signatures {
		if s.Decision == d {
			n++
		}
	}
	return n
}

// HigherThan orders certificates by height, then prefers Accept.
func (qc *QuorumCertificate) HigherThan(o *QuorumCertificate) bool {
	if o == nil {
		return true
	}
	if qc.BlockHeight != o.BlockHeight {
		return qc.BlockHeight > o.BlockHeight
	}
	return qc.Decision == QuorumAccept && o.Decision != QuorumAccept
}

type voteHashing struct {
	Epoch       uint64
	ShardGroup  uint32
	BlockID     BlockID
	BlockHeight uint64
	Decision    uint8
}

// VoteMessage is the digest a validator signs when voting.
func VoteMessage(epoch Epoch, group ShardGroup, id BlockID, height Height, d QuorumDecision) []byte {
	h := hashRLP("vote", voteHashing{
		Epoch: uint64(epoch), ShardGroup: uint32(group), BlockID: id, BlockHeight: uint64(height), Decision: uint8(d),
	})
	return h[:]
}
