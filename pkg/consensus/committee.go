package consensus

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/uhyunpark/hypershard/pkg/crypto"
	"github.com/uhyunpark/hypershard/pkg/types"
)

// EpochManager answers which validators make up a shard group's committee.
type EpochManager interface {
	CurrentEpoch() types.Epoch
	CommitteeFor(epoch types.Epoch, group types.ShardGroup) (*types.Committee, error)
	ShardLayout() types.ShardLayout
	BaseLayerBlock(epoch types.Epoch) (uint64, types.Hash)
}

type committeeKey struct {
	epoch types.Epoch
	group types.ShardGroup
}

// committeeInfo is a committee with its public keys already parsed.
type committeeInfo struct {
	*types.Committee
	keys map[types.NodeID]*crypto.BLSPubKey
}

func (c *committeeInfo) key(id types.NodeID) (*crypto.BLSPubKey, bool) {
	pk, ok := c.keys[id]
	return pk, ok
}

type committeeCache struct {
	mgr   EpochManager
	cache *lru.Cache[committeeKey, *committeeInfo]
}

func newCommitteeCache(mgr EpochManager, size int) *committeeCache {
	c, err := lru.New[committeeKey, *committeeInfo](size)
	if err != nil {
		panic(err)
	}
	return &committeeCache{mgr: mgr, cache: c}
}

func (c *committeeCache) get(epoch types.Epoch, group types.ShardGroup) (*committeeInfo, error) {
	k := committeeKey{epoch, group}
	if ci, ok := c.cache.Get(k); ok {
		return ci, nil
	}
	com, err := c.mgr.CommitteeFor(epoch, group)
	if err != nil {
		return nil, err
	}
	ci := &committeeInfo{Committee: com, keys: make(map[types.NodeID]*crypto.BLSPubKey, len(com.Members))}
	for _, m := range com.Members {
		pk, err := crypto.ParsePubkey(m.PublicKey)
		if err != nil {
			return nil, err
		}
		ci.keys[m.ID] = pk
	}
	c.cache.Add(k, ci)
	return ci, nil
}

func (c *committeeCache) purge() { c.cache.Purge() }
