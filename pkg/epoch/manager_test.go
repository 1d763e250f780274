package epoch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypershard/params"
	"github.com/uhyunpark/hypershard/pkg/types"
)

func testFile() *params.CommitteeFile {
	return &params.CommitteeFile{
		ShardGroups: 2,
		Epochs: []params.EpochCheckpoint{
			{Epoch: 1, BaseLayerHeight: 10, Groups: []params.GroupEntry{
				{Group: 0, Members: []params.MemberEntry{{ID: "v0", Seed: "v0"}, {ID: "v1", Seed: "v1", Stake: 3}}},
				{Group: 1, Members: []params.MemberEntry{{ID: "w0", Seed: "w0"}}},
			}},
			{Epoch: 3, BaseLayerHeight: 30, Groups: []params.GroupEntry{
				{Group: 0, Members: []params.MemberEntry{{ID: "v2", Seed: "v2"}}},
			}},
		},
	}
}

func TestCommitteeFor(t *testing.T) {
	m, err := FromCommitteeFile(testFile())
	require.NoError(t, err)
	require.Equal(t, types.Epoch(1), m.CurrentEpoch())

	c, err := m.CommitteeFor(1, 0)
	require.NoError(t, err)
	require.Equal(t, []types.NodeID{"v0", "v1"}, c.IDs())
	require.Equal(t, uint64(1), c.Members[0].Stake)
	require.Equal(t, uint64(3), c.Members[1].Stake)
	require.NotEmpty(t, c.Members[0].PublicKey)

	_, err = m.CommitteeFor(2, 0)
	require.ErrorIs(t, err, ErrUnknownEpoch)
	_, err = m.CommitteeFor(1, 5)
	require.ErrorIs(t, err, ErrNoCommittee)

	g, ok := m.GroupOf(1, "w0")
	require.True(t, ok)
	require.Equal(t, types.ShardGroup(1), g)
}

func TestAdvance(t *testing.T) {
	m, err := FromCommitteeFile(testFile())
	require.NoError(t, err)

	ep, ok := m.Advance()
	require.True(t, ok)
	require.Equal(t, types.Epoch(3), ep)

	// epoch 2 has no checkpoint of its own and inherits epoch 1's committee
	c, err := m.CommitteeFor(2, 1)
	require.NoError(t, err)
	require.Equal(t, types.Epoch(2), c.Epoch)
	require.Equal(t, []types.NodeID{"w0"}, c.IDs())

	c, err = m.CommitteeFor(3, 0)
	require.NoError(t, err)
	require.Equal(t, []types.NodeID{"v2"}, c.IDs())
	h, _ := m.BaseLayerBlock(3)
	require.Equal(t, uint64(30), h)

	_, ok = m.Advance()
	require.False(t, ok)
}

func TestCommitteeCopyIsolated(t *testing.T) {
	m, err := FromCommitteeFile(testFile())
	require.NoError(t, err)
	c, err := m.CommitteeFor(1, 0)
	require.NoError(t, err)
	c.Members[0].ID = "mutated"

	again, err := m.CommitteeFor(1, 0)
	require.NoError(t, err)
	require.Equal(t, types.NodeID("v0"), again.Members[0].ID)
}
