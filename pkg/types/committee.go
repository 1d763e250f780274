package types

import "bytes"

type Member struct {
	ID        NodeID
	PublicKey []byte // compressed BLS public key
	Stake     uint64
	Addr      string // multiaddr, optional
}

// Committee is the ordered validator set of one shard group for one epoch.
type Committee struct {
	Epoch      Epoch
	ShardGroup ShardGroup
	Members    []Member
}

func (c *Committee) Size() int { return len(c.Members) }

// MaxFaulty is f for n = 3f+1 (rounded down for other sizes).
func (c *Committee) MaxFaulty() int {
	if len(c.Members) == 0 {
		return 0
	}
	return (len(c.Members) - 1) / 3
}

// QuorumThreshold is n - f, which is 2f+1 when n = 3f+1.
func (c *Committee) QuorumThreshold() int {
	return len(c.Members) - c.MaxFaulty()
}

func (c *Committee) Member(id NodeID) (Member, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

func (c *Committee) Contains(id NodeID) bool {
	_, ok := c.Member(id)
	return ok
}

func (c *Committee) TotalStake() uint64 {
	var total uint64
	for _, m := range c.Members {
		total += m.Stake
	}
	return total
}

func (c *Committee) IDs() []NodeID {
	out := make([]NodeID, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.ID
	}
	return out
}

func (c *Committee) Equal(o *Committee) bool {
	if c.Epoch != o.Epoch || c.ShardGroup != o.ShardGroup || len(c.Members) != len(o.Members) {
		return false
	}
	for i := range c.Members {
		a, b := c.Members[i], o.Members[i]
		if a.ID != b.ID || a.Stake != b.Stake || !bytes.Equal(a.PublicKey, b.PublicKey) {
			return false
		}
	}
	return true
}
