package types

// ForeignProposalState is the lifecycle of a buffered foreign proposal.
type ForeignProposalState uint8

const (
	ForeignNew ForeignProposalState = iota
	ForeignProposed
	ForeignMined
	ForeignDeleted
)

func (s ForeignProposalState) String() string {
	switch s {
	case ForeignNew:
		return "new"
	case ForeignProposed:
		return "proposed"
	case ForeignMined:
		return "mined"
	case ForeignDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ForeignProposal is a block certified by another shard group, kept until
// a local command consumes it.
type ForeignProposal struct {
	Block          *Block
	QC             *QuorumCertificate
	State          ForeignProposalState
	TransactionIDs []TransactionID
	ProposedIn     BlockID // local block referencing it, once proposed
}

func (fp *ForeignProposal) Ref() ForeignProposalRef {
	return ForeignProposalRef{ShardGroup: fp.Block.ShardGroup, BlockID: fp.Block.ID}
}

// PoolRecord is the committed pipeline state of one transaction.
type PoolRecord struct {
	ID            TransactionID
	Stage         Stage
	LocalDecision Decision
	Evidence      Evidence
	// Pledged is set while this group holds pledges for the transaction.
	Pledged bool
	Final   Decision // set once accepted
}

// SafetyState is the vote-critical state that must survive a restart.
type SafetyState struct {
	HighQC          *QuorumCertificate
	LockedID        BlockID
	LockedHeight    Height
	LastVotedHeight Height
	LastVotedID     BlockID
	LeafID          BlockID
	LeafHeight      Height
	Epoch           Epoch
}

// CommitRecord is everything that becomes permanent when a block commits.
// Stores apply it atomically.
type CommitRecord struct {
	BlockID   BlockID
	Height    Height
	Substates []SubstateWrite
	Pledges   []PledgeWrite
	Pool      []PoolRecord
	Retired   []TransactionID
	Foreign   []ForeignProposalRef // now mined
}
