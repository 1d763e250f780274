package consensus

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/uhyunpark/hypershard/pkg/types"
)

// LeaderStrategy picks the proposer of a height. Every honest node must
// get the same answer from the same committee.
type LeaderStrategy interface {
	LeaderFor(c *types.Committee, height types.Height) types.NodeID
}

type RoundRobinLeader struct{}

func (RoundRobinLeader) LeaderFor(c *types.Committee, height types.Height) types.NodeID {
	if c.Size() == 0 {
		return ""
	}
	return c.Members[uint64(height)%uint64(c.Size())].ID
}

// StakeWeightedLeader draws the proposer with probability proportional to
// stake, seeded by (epoch, shard group, height).
type StakeWeightedLeader struct{}

func (StakeWeightedLeader) LeaderFor(c *types.Committee, height types.Height) types.NodeID {
	total := c.TotalStake()
	if total == 0 {
		return RoundRobinLeader{}.LeaderFor(c, height)
	}
	var seed [20]byte
	binary.BigEndian.PutUint64(seed[0:8], uint64(c.Epoch))
	binary.BigEndian.PutUint32(seed[8:12], uint32(c.ShardGroup))
	binary.BigEndian.PutUint64(seed[12:20], uint64(height))
	sum := blake2b.Sum256(seed[:])
	pick := binary.BigEndian.Uint64(sum[:8]) % total
	for _, m := range c.Members {
		if pick < m.Stake {
			return m.ID
		}
		pick -= m.Stake
	}
	return c.Members[len(c.Members)-1].ID
}
