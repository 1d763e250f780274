package storage

import (
	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/hypershard/pkg/substate"
	"github.com/uhyunpark/hypershard/pkg/types"
)

var ErrNotFound = errors.New("not found")

// Store is the durable state of one shard-group instance. Every write that
// returns nil is durable: a vote referencing a block is only sent after
// PutBlock and PutSafetyState have returned.
type Store interface {
	substate.Reader

	GetBlock(id types.BlockID) (*types.Block, error)
	PutBlock(b *types.Block) error
	// GetQC returns the certificate for a block, not the one it carries.
	GetQC(blockID types.BlockID) (*types.QuorumCertificate, error)
	PutQC(qc *types.QuorumCertificate) error

	GetTransaction(id types.TransactionID) (*types.Transaction, error)
	PutTransactions(txs []*types.Transaction) error

	// CommitBlock applies rec atomically and indexes the block by height.
	CommitBlock(rec *types.CommitRecord) error
	CommittedAt(h types.Height) (types.BlockID, error)
	LastCommitted() (types.BlockID, types.Height, error)

	GetSafetyState() (*types.SafetyState, error)
	PutSafetyState(s *types.SafetyState) error

	PutForeignProposal(fp *types.ForeignProposal) error
	ForeignProposals() ([]*types.ForeignProposal, error)

	GetPoolRecord(id types.TransactionID) (types.PoolRecord, error)
	PoolRecords() ([]types.PoolRecord, error)
	// IsRetired reports whether a committed block finished the transaction.
	IsRetired(id types.TransactionID) (bool, error)

	ForEachSubstate(fn func(types.SubstateState) bool) error
	ForEachPledge(fn func(types.Pledge) bool) error

	Close() error
}
