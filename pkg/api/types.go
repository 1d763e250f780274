package api

import (
	"encoding/hex"

	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/hypershard/pkg/consensus"
	"github.com/uhyunpark/hypershard/pkg/types"
)

// API response types for REST endpoints and WebSocket messages

type StatusInfo struct {
	ShardGroup      uint32 `json:"shardGroup"`
	Epoch           uint64 `json:"epoch"`
	LeafHeight      uint64 `json:"leafHeight"`
	CommittedHeight uint64 `json:"committedHeight"`
	CommittedID     string `json:"committedId"`
	HighQCHeight    uint64 `json:"highQcHeight"`
	Pacemaker       string `json:"pacemaker"`
	Halted          bool   `json:"halted"`
	MempoolSize     int    `json:"mempoolSize"`
}

func statusInfo(s consensus.Status, mempool int) StatusInfo {
	return StatusInfo{
		ShardGroup:      uint32(s.ShardGroup),
		Epoch:           uint64(s.Epoch),
		LeafHeight:      uint64(s.LeafHeight),
		CommittedHeight: uint64(s.CommittedHeight),
		CommittedID:     s.CommittedID.String(),
		HighQCHeight:    uint64(s.HighQCHeight),
		Pacemaker:       s.Pacemaker,
		Halted:          s.Halted,
		MempoolSize:     mempool,
	}
}

type CommandInfo struct {
	Kind          string  `json:"kind"`
	TransactionID string  `json:"transactionId,omitempty"`
	Decision      string  `json:"decision,omitempty"`
	Fee           uint64  `json:"fee,omitempty"`
	LeaderFee     uint64  `json:"leaderFee,omitempty"`
	ForeignGroup  *uint32 `json:"foreignGroup,omitempty"`
	ForeignBlock  string  `json:"foreignBlock,omitempty"`
}

type QCInfo struct {
	BlockID     string   `json:"blockId"`
	BlockHeight uint64   `json:"blockHeight"`
	Epoch       uint64   `json:"epoch"`
	Decision    string   `json:"decision"`
	Signers     []string `json:"signers"`
}

type BlockInfo struct {
	ID             string        `json:"id"`
	ParentID       string        `json:"parentId"`
	Height         uint64        `json:"height"`
	Epoch          uint64        `json:"epoch"`
	ShardGroup     uint32        `json:"shardGroup"`
	ProposedBy     string        `json:"proposedBy"`
	Dummy          bool          `json:"dummy"`
	Timestamp      uint64        `json:"timestamp"` // Unix milliseconds
	TotalLeaderFee uint64        `json:"totalLeaderFee"`
	MerkleRoot     string        `json:"merkleRoot"`
	Justify        *QCInfo       `json:"justify,omitempty"`
	Certificate    *QCInfo       `json:"certificate,omitempty"` // QC over this block, once known
	Commands       []CommandInfo `json:"commands"`
}

func qcInfo(qc *types.QuorumCertificate) *QCInfo {
	if qc == nil {
		return nil
	}
	signers := make([]string, 0, len(qc.Signatures))
	for _, s := range qc.Signatures {
		signers = append(signers, string(s.Signer))
	}
	return &QCInfo{
		BlockID:     qc.BlockID.String(),
		BlockHeight: uint64(qc.BlockHeight),
		Epoch:       uint64(qc.Epoch),
		Decision:    qc.Decision.String(),
		Signers:     signers,
	}
}

func blockInfo(b *types.Block, qc *types.QuorumCertificate) BlockInfo {
	out := BlockInfo{
		ID:             b.ID.String(),
		ParentID:       b.ParentID.String(),
		Height:         uint64(b.Height),
		Epoch:          uint64(b.Epoch),
		ShardGroup:     uint32(b.ShardGroup),
		ProposedBy:     string(b.ProposedBy),
		Dummy:          b.IsDummy,
		Timestamp:      b.Timestamp,
		TotalLeaderFee: b.TotalLeaderFee,
		MerkleRoot:     b.MerkleRoot.String(),
		Justify:        qcInfo(b.Justify),
		Certificate:    qcInfo(qc),
		Commands:       make([]CommandInfo, 0, len(b.Commands)),
	}
	for _, c := range b.Commands {
		ci := CommandInfo{Kind: c.Kind.String()}
		if c.Atom != nil {
			ci.TransactionID = c.Atom.ID.String()
			ci.Decision = c.Atom.Decision.String()
			ci.Fee = c.Atom.Fee
			ci.LeaderFee = c.Atom.LeaderFee
		}
		if c.Foreign != nil {
			g := uint32(c.Foreign.ShardGroup)
			ci.ForeignGroup = &g
			ci.ForeignBlock = c.Foreign.BlockID.String()
		}
		out.Commands = append(out.Commands, ci)
	}
	return out
}

type PledgeInfo struct {
	TransactionID string `json:"transactionId"`
	Lock          string `json:"lock"`
}

type SubstateInfo struct {
	Address     string      `json:"address"`
	State       string      `json:"state"` // "up", "down", "does_not_exist"
	CreatedBy   string      `json:"createdBy,omitempty"`
	DeletedBy   string      `json:"deletedBy,omitempty"`
	Data        string      `json:"data,omitempty"` // hex
	FeesAccrued uint64      `json:"feesAccrued"`
	Pledge      *PledgeInfo `json:"pledge,omitempty"`
}

func substateInfo(s types.SubstateState, p *types.Pledge) SubstateInfo {
	out := SubstateInfo{
		Address:     s.Address.String(),
		State:       s.Kind.String(),
		FeesAccrued: s.FeesAccrued,
	}
	if s.Kind != types.SubstateDoesNotExist {
		out.CreatedBy = s.CreatedBy.String()
	}
	if s.Kind == types.SubstateDown {
		out.DeletedBy = s.DeletedBy.String()
	}
	if len(s.Data) > 0 {
		out.Data = hex.EncodeToString(s.Data)
	}
	if p != nil {
		out.Pledge = &PledgeInfo{TransactionID: p.TransactionID.String(), Lock: p.Lock.String()}
	}
	return out
}

// SubmitTransactionRequest is the payload for POST /api/v1/transactions.
// Byte fields are hex encoded.
type SubmitTransactionRequest struct {
	Inputs []struct {
		Address string `json:"address"`
		Lock    string `json:"lock"` // "read" or "write"
	} `json:"inputs"`
	Outputs []struct {
		Address string `json:"address"`
		Data    string `json:"data"`
	} `json:"outputs"`
	Fee     uint64 `json:"fee"`
	Payload string `json:"payload"`
	// Decision is the execution outcome reported by the local VM. Empty
	// means commit.
	Decision string `json:"decision"`
}

func (r *SubmitTransactionRequest) Transaction() (*types.Transaction, types.Decision, error) {
	tx := &types.Transaction{Fee: r.Fee}
	for i, in := range r.Inputs {
		addr, err := types.ParseSubstateAddress(in.Address)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "input %d", i)
		}
		var lock types.LockType
		switch in.Lock {
		case "read":
			lock = types.LockRead
		case "write", "":
			lock = types.LockWrite
		default:
			return nil, 0, errors.Newf("input %d: unknown lock %q", i, in.Lock)
		}
		tx.Inputs = append(tx.Inputs, types.Input{Address: addr, Lock: lock})
	}
	for i, o := range r.Outputs {
		addr, err := types.ParseSubstateAddress(o.Address)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "output %d", i)
		}
		data, err := hex.DecodeString(o.Data)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "output %d data", i)
		}
		tx.Outputs = append(tx.Outputs, types.Output{Address: addr, Data: data})
	}
	if len(tx.Inputs)+len(tx.Outputs) == 0 {
		return nil, 0, errors.New("transaction touches no substates")
	}
	payload, err := hex.DecodeString(r.Payload)
	if err != nil {
		return nil, 0, errors.Wrap(err, "payload")
	}
	tx.Payload = payload

	switch r.Decision {
	case "", "commit":
		return tx, types.DecisionCommit, nil
	case "abort":
		return tx, types.DecisionAbort, nil
	default:
		return nil, 0, errors.Newf("unknown decision %q", r.Decision)
	}
}

type SubmitTransactionResponse struct {
	Status        string `json:"status"` // "submitted"
	TransactionID string `json:"transactionId"`
}

// BlockCommitted is pushed to "blocks" subscribers for every committed block.
type BlockCommitted struct {
	Type  string    `json:"type"` // "block"
	Block BlockInfo `json:"block"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["blocks"]
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
