package types

import (
	"encoding/hex"
	"fmt"
)

type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }
func (h Hash) IsZero() bool   { return h == Hash{} }

// Short is the first 8 hex chars, used in log fields.
func (h Hash) Short() string { return hex.EncodeToString(h[:4]) }

type BlockID Hash

func (id BlockID) String() string { return Hash(id).String() }
func (id BlockID) IsZero() bool   { return Hash(id).IsZero() }
func (id BlockID) Short() string  { return Hash(id).Short() }

type TransactionID Hash

func (id TransactionID) String() string { return Hash(id).String() }
func (id TransactionID) Short() string  { return Hash(id).Short() }

// SubstateAddress identifies a versioned object. The leading bytes decide
// which shard group owns it (see ShardLayout).
type SubstateAddress Hash

func (a SubstateAddress) String() string { return Hash(a).String() }

type NodeID string
type Epoch uint64
type Height uint64
type ShardGroup uint32

func (g ShardGroup) String() string { return fmt.Sprintf("sg%d", uint32(g)) }

func parseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("expected %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

func ParseBlockID(s string) (BlockID, error) {
	h, err := parseHash(s)
	return BlockID(h), err
}

func ParseTransactionID(s string) (TransactionID, error) {
	h, err := parseHash(s)
	return TransactionID(h), err
}

func ParseSubstateAddress(s string) (SubstateAddress, error) {
	h, err := parseHash(s)
	return SubstateAddress(h), err
}
