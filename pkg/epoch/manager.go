// Package epoch resolves committees per (epoch, shard group). The static
// manager serves checkpoints loaded up front and stands in for the anchor
// chain scanner.
package epoch

import (
	"encoding/hex"
	"sort"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"

	"github.com/uhyunpark/hypershard/params"
	"github.com/uhyunpark/hypershard/pkg/crypto"
	"github.com/uhyunpark/hypershard/pkg/types"
)

var (
	ErrUnknownEpoch = errors.New("epoch not reached")
	ErrNoCommittee  = errors.New("no committee for shard group")
)

type Checkpoint struct {
	Epoch           types.Epoch
	BaseLayerHeight uint64
	BaseLayerHash   types.Hash
	Committees      map[types.ShardGroup][]types.Member
}

type StaticManager struct {
	layout      types.ShardLayout
	checkpoints []Checkpoint
	current     *atomic.Int32
}

func NewStaticManager(layout types.ShardLayout, checkpoints []Checkpoint) (*StaticManager, error) {
	if len(checkpoints) == 0 {
		return nil, errors.New("no checkpoints")
	}
	cps := append([]Checkpoint(nil), checkpoints...)
	sort.Slice(cps, func(i, j int) bool { return cps[i].Epoch < cps[j].Epoch })
	return &StaticManager{layout: layout, checkpoints: cps, current: atomic.NewInt32(0)}, nil
}

// FromCommitteeFile builds a manager from the YAML checkpoint list. Members
// listed with a seed get their public key derived from it.
func FromCommitteeFile(cf *params.CommitteeFile) (*StaticManager, error) {
	var cps []Checkpoint
	for _, ep := range cf.Epochs {
		cp := Checkpoint{
			Epoch:           types.Epoch(ep.Epoch),
			BaseLayerHeight: ep.BaseLayerHeight,
			Committees:      make(map[types.ShardGroup][]types.Member),
		}
		if ep.BaseLayerHash != "" {
			b, err := hex.DecodeString(ep.BaseLayerHash)
			if err != nil {
				return nil, errors.Wrapf(err, "epoch %d base layer hash", ep.Epoch)
			}
			copy(cp.BaseLayerHash[:], b)
		}
		for _, g := range ep.Groups {
			for _, m := range g.Members {
				pk, err := memberKey(m)
				if err != nil {
					return nil, errors.Wrapf(err, "epoch %d member %s", ep.Epoch, m.ID)
				}
				stake := m.Stake
				if stake == 0 {
					stake = 1
				}
				sg := types.ShardGroup(g.Group)
				cp.Committees[sg] = append(cp.Committees[sg], types.Member{
					ID: types.NodeID(m.ID), PublicKey: pk, Stake: stake, Addr: m.Addr,
				})
			}
		}
		cps = append(cps, cp)
	}
	return NewStaticManager(types.ShardLayout{NumGroups: cf.ShardGroups}, cps)
}

func memberKey(m params.MemberEntry) ([]byte, error) {
	if m.PublicKey != "" {
		_, b, err := crypto.ParsePubkeyHex(m.PublicKey)
		return b, err
	}
	s, err := crypto.NewBLSSignerFromSeed([]byte(m.Seed))
	if err != nil {
		return nil, err
	}
	return s.PubkeyBytes(), nil
}

func (m *StaticManager) ShardLayout() types.ShardLayout { return m.layout }

func (m *StaticManager) CurrentEpoch() types.Epoch {
	return m.checkpoints[m.current.Load()].Epoch
}

func (m *StaticManager) checkpointFor(epoch types.Epoch) (Checkpoint, error) {
	cur := int(m.current.Load())
	if epoch > m.checkpoints[cur].Epoch {
		return Checkpoint{}, errors.Wrapf(ErrUnknownEpoch, "epoch %d", epoch)
	}
	for i := cur; i >= 0; i-- {
		if m.checkpoints[i].Epoch <= epoch {
			return m.checkpoints[i], nil
		}
	}
	return Checkpoint{}, errors.Wrapf(ErrUnknownEpoch, "epoch %d precedes first checkpoint", epoch)
}

// CommitteeFor returns a fresh copy; callers may keep it.
func (m *StaticManager) CommitteeFor(epoch types.Epoch, group types.ShardGroup) (*types.Committee, error) {
	cp, err := m.checkpointFor(epoch)
	if err != nil {
		return nil, err
	}
	members, ok := cp.Committees[group]
	if !ok || len(members) == 0 {
		return nil, errors.Wrapf(ErrNoCommittee, "epoch %d %s", epoch, group)
	}
	return &types.Committee{Epoch: epoch, ShardGroup: group, Members: append([]types.Member(nil), members...)}, nil
}

// BaseLayerBlock is the anchor-chain block that opened epoch.
func (m *StaticManager) BaseLayerBlock(epoch types.Epoch) (uint64, types.Hash) {
	cp, err := m.checkpointFor(epoch)
	if err != nil {
		return 0, types.Hash{}
	}
	return cp.BaseLayerHeight, cp.BaseLayerHash
}

// GroupOf finds the shard group a node serves in epoch.
func (m *StaticManager) GroupOf(epoch types.Epoch, id types.NodeID) (types.ShardGroup, bool) {
	cp, err := m.checkpointFor(epoch)
	if err != nil {
		return 0, false
	}
	for g, members := range cp.Committees {
		for _, mem := range members {
			if mem.ID == id {
				return g, true
			}
		}
	}
	return 0, false
}

// AllMembers lists every member of epoch across groups.
func (m *StaticManager) AllMembers(epoch types.Epoch) []types.Member {
	cp, err := m.checkpointFor(epoch)
	if err != nil {
		return nil
	}
	var out []types.Member
	for _, members := range cp.Committees {
		out = append(out, members...)
	}
	return out
}

// Advance moves to the next checkpoint, as the scanner does when the anchor
// chain passes an epoch boundary.
func (m *StaticManager) Advance() (types.Epoch, bool) {
	for {
		cur := m.current.Load()
		if int(cur)+1 >= len(m.checkpoints) {
			return m.checkpoints[cur].Epoch, false
		}
		if m.current.CompareAndSwap(cur, cur+1) {
			return m.checkpoints[cur+1].Epoch, true
		}
	}
}
