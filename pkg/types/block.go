package types

import "github.com/cockroachdb/errors"

var (
	ErrDummyHasCommands = errors.New("dummy block carries commands")
	ErrEmptyBlock       = errors.New("block carries no commands")
	ErrCommandOrder     = errors.New("commands not in canonical order")
	ErrBadCommand       = errors.New("ill-formed command")
)

// Block is immutable once its proposer signs it. ID is the content hash and
// is recomputed by every receiver.
type Block struct {
	ID                   BlockID
	ParentID             BlockID
	Height               Height
	Epoch                Epoch
	ShardGroup           ShardGroup
	ProposedBy           NodeID
	Justify              *QuorumCertificate
	Commands             []Command
	TotalLeaderFee       uint64
	MerkleRoot           Hash
	IsDummy              bool
	Timestamp            uint64 // unix millis
	BaseLayerBlockHeight uint64
	BaseLayerBlockHash   Hash
	Signature            []byte
}

type blockHashing struct {
	ParentID             BlockID
	Height               uint64
	Epoch                uint64
	ShardGroup           uint32
	ProposedBy           string
	Justify              Hash
	Commands             []Hash
	TotalLeaderFee       uint64
	MerkleRoot           Hash
	IsDummy              bool
	Timestamp            uint64
	BaseLayerBlockHeight uint64
	BaseLayerBlockHash   Hash
}

func (b *Block) ComputeID() BlockID {
	h := blockHashing{
		ParentID: b.ParentID, Height: uint64(b.Height), Epoch: uint64(b.Epoch), ShardGroup: uint32(b.ShardGroup),
		ProposedBy: string(b.ProposedBy), TotalLeaderFee: b.TotalLeaderFee, MerkleRoot: b.MerkleRoot,
		IsDummy: b.IsDummy, Timestamp: b.Timestamp, BaseLayerBlockHeight: b.BaseLayerBlockHeight,
		BaseLayerBlockHash: b.BaseLayerBlockHash,
	}
	if b.Justify != nil {
		h.Justify = b.Justify.Hash()
	}
	for _, c := range b.Commands {
		h.Commands = append(h.Commands, c.Hash())
	}
	return BlockID(hashRLP("block", h))
}

// Seal fills MerkleRoot (for non-dummy blocks) and ID.
func (b *Block) Seal() *Block {
	if !b.IsDummy {
		b.MerkleRoot = CommandsRoot(b.Commands)
	}
	b.ID = b.ComputeID()
	return b
}

func CommandsRoot(cmds []Command) Hash {
	leaves := make([]Hash, len(cmds))
	for i, c := range cmds {
		leaves[i] = c.Hash()
	}
	return MerkleRoot(leaves)
}

// SigningMessage is what the proposer signs.
func (b *Block) SigningMessage() []byte {
	return append([]byte("hypershard/block/"), b.ID[:]...)
}

func (b *Block) IsGenesis() bool { return b.Height == 0 && b.ParentID.IsZero() }

func (b *Block) HasCommands() bool { return len(b.Commands) > 0 }

func (b *Block) TransactionIDs() []TransactionID {
	var out []TransactionID
	for _, c := range b.Commands {
		if id, ok := c.TransactionID(); ok {
			out = append(out, id)
		}
	}
	return out
}

func (b *Block) ForeignProposals() []ForeignProposalRef {
	var out []ForeignProposalRef
	for _, c := range b.Commands {
		if c.Foreign != nil {
			out = append(out, *c.Foreign)
		}
	}
	return out
}

func (b *Block) HasEndEpoch() bool {
	for _, c := range b.Commands {
		if c.Kind == CmdEndEpoch {
			return true
		}
	}
	return false
}

// CheckShape is the single command-shape rule. Dummy blocks carry nothing.
// Proposed blocks carry commands, except an empty block is allowed while an
// ancestor carries commands whose commit no proposed block has announced.
// An end_epoch block carries nothing else.
func (b *Block) CheckShape(tailPending bool) error {
	if b.IsDummy {
		if len(b.Commands) > 0 {
			return ErrDummyHasCommands
		}
		return nil
	}
	if len(b.Commands) == 0 && !tailPending && !b.IsGenesis() {
		return ErrEmptyBlock
	}
	for _, c := range b.Commands {
		if !c.WellFormed() {
			return errors.Wrapf(ErrBadCommand, "kind %d", c.Kind)
		}
	}
	if b.HasEndEpoch() && len(b.Commands) != 1 {
		return errors.Wrap(ErrBadCommand, "end_epoch must stand alone")
	}
	if !CommandsSorted(b.Commands) {
		return ErrCommandOrder
	}
	return nil
}

// GenesisBlock is the shared root of a shard group's chain.
func GenesisBlock(epoch Epoch, group ShardGroup) *Block {
	b := &Block{
		Epoch:      epoch,
		ShardGroup: group,
		ProposedBy: "genesis",
		Justify:    &QuorumCertificate{Epoch: epoch, ShardGroup: group, Decision: QuorumAccept},
	}
	return b.Seal()
}

// GenesisQC certifies the genesis block without signatures.
func GenesisQC(genesis *Block) *QuorumCertificate {
	return &QuorumCertificate{
		BlockID: genesis.ID, BlockHeight: 0, Epoch: genesis.Epoch, ShardGroup: genesis.ShardGroup, Decision: QuorumAccept,
	}
}

// NewDummyBlock fills height parent.Height+1 after a leader failure. Every
// honest node derives the same dummy from the same inputs.
func NewDummyBlock(parent *Block, justify *QuorumCertificate, proposer NodeID, epoch Epoch) *Block {
	b := &Block{
		ParentID:             parent.ID,
		Height:               parent.Height + 1,
		Epoch:                epoch,
		ShardGroup:           parent.ShardGroup,
		ProposedBy:           proposer,
		Justify:              justify,
		MerkleRoot:           parent.MerkleRoot,
		IsDummy:              true,
		Timestamp:            parent.Timestamp,
		BaseLayerBlockHeight: parent.BaseLayerBlockHeight,
		BaseLayerBlockHash:   parent.BaseLayerBlockHash,
	}
	return b.Seal()
}

// FullBlock is a block plus what a syncing peer needs to replay it.
type FullBlock struct {
	Block        *Block
	QC           *QuorumCertificate // certifies Block; nil for the uncertified leaf
	Transactions []*Transaction
	Foreign      []*ForeignProposal // referenced by ForeignProposal commands
}
