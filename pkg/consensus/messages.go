package consensus

import (
	"encoding/gob"

	"github.com/uhyunpark/hypershard/pkg/types"
)

// Message is the closed set of consensus messages exchanged inside and
// between shard groups.
type Message interface {
	// Group is the shard group the message is addressed to.
	Group() types.ShardGroup
	isMessage()
}

// NewView is sent to the leader of NewHeight when a validator gives up
// waiting for a proposal.
type NewView struct {
	Epoch      types.Epoch
	ShardGroup types.ShardGroup
	NewHeight  types.Height
	HighQC     *types.QuorumCertificate
	LastVote   *Vote
}

type Proposal struct {
	Block *types.Block
}

type Vote struct {
	Epoch       types.Epoch
	ShardGroup  types.ShardGroup
	BlockID     types.BlockID
	BlockHeight types.Height
	Decision    types.QuorumDecision
	Signer      types.NodeID
	Signature   []byte
}

func (v *Vote) SigningMessage() []byte {
	return types.VoteMessage(v.Epoch, v.ShardGroup, v.BlockID, v.BlockHeight, v.Decision)
}

// NewTransaction gossips a submitted transaction to every involved group.
type NewTransaction struct {
	ShardGroup  types.ShardGroup
	Transaction *types.Transaction
	Decision    types.Decision
}

type MissingTransactionsRequest struct {
	RequestID      uint64
	Epoch          types.Epoch
	ShardGroup     types.ShardGroup
	BlockID        types.BlockID
	TransactionIDs []types.TransactionID
}

type MissingTransactionsResponse struct {
	RequestID    uint64
	Epoch        types.Epoch
	ShardGroup   types.ShardGroup
	BlockID      types.BlockID
	Transactions []*types.Transaction
}

// SyncRequest asks a peer for every block above the requester's high QC.
type SyncRequest struct {
	Epoch      types.Epoch
	ShardGroup types.ShardGroup
	HighQC     *types.QuorumCertificate
}

// SyncResponse is one chunk of a sync stream. Done marks the last chunk.
type SyncResponse struct {
	Epoch      types.Epoch
	ShardGroup types.ShardGroup
	Blocks     []*types.FullBlock
	Done       bool
}

// ForeignProposalMessage carries a block certified by another group,
// together with the bodies of its transactions that touch the receiver.
type ForeignProposalMessage struct {
	To           types.ShardGroup
	Block        *types.Block
	QC           *types.QuorumCertificate
	Transactions []*types.Transaction
}

func (m *NewView) Group() types.ShardGroup                     { return m.ShardGroup }
func (m *Vote) Group() types.ShardGroup                        { return m.ShardGroup }
func (m *NewTransaction) Group() types.ShardGroup              { return m.ShardGroup }
func (m *MissingTransactionsRequest) Group() types.ShardGroup  { return m.ShardGroup }
func (m *MissingTransactionsResponse) Group() types.ShardGroup { return m.ShardGroup }
func (m *SyncRequest) Group() types.ShardGroup                 { return m.ShardGroup }
func (m *SyncResponse) Group() types.ShardGroup                { return m.ShardGroup }
func (m *ForeignProposalMessage) Group() types.ShardGroup      { return m.To }

func (m *Proposal) Group() types.ShardGroup {
	if m.Block == nil {
		return 0
	}
	return m.Block.ShardGroup
}

func (*NewView) isMessage()                     {}
func (*Proposal) isMessage()                    {}
func (*Vote) isMessage()                        {}
func (*NewTransaction) isMessage()              {}
func (*MissingTransactionsRequest) isMessage()  {}
func (*MissingTransactionsResponse) isMessage() {}
func (*SyncRequest) isMessage()                 {}
func (*SyncResponse) isMessage()                {}
func (*ForeignProposalMessage) isMessage()      {}

// MessageName is used for logs and metric labels.
func MessageName(m Message) string {
	switch m.(type) {
	case *NewView:
		return "new_view"
	case *Proposal:
		return "proposal"
	case *Vote:
		return "vote"
	case *NewTransaction:
		return "new_transaction"
	case *MissingTransactionsRequest:
		return "missing_tx_request"
	case *MissingTransactionsResponse:
		return "missing_tx_response"
	case *SyncRequest:
		return "sync_request"
	case *SyncResponse:
		return "sync_response"
	case *ForeignProposalMessage:
		return "foreign_proposal"
	default:
		return "unknown"
	}
}

func init() {
	gob.Register(&NewView{})
	gob.Register(&Proposal{})
	gob.Register(&Vote{})
	gob.Register(&NewTransaction{})
	gob.Register(&MissingTransactionsRequest{})
	gob.Register(&MissingTransactionsResponse{})
	gob.Register(&SyncRequest{})
	gob.Register(&SyncResponse{})
	gob.Register(&ForeignProposalMessage{})
}
