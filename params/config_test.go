package params

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("CONSENSUS_PROPOSAL_TIMEOUT_MS", "250")
	t.Setenv("NODE_ID", "v3")
	t.Setenv("NODE_SHARD_GROUP", "1")
	t.Setenv("BOOTSTRAP", "/ip4/1.2.3.4/tcp/1,/ip4/1.2.3.5/tcp/1")
	t.Setenv("CONSENSUS_MAX_BLOCK_COMMANDS", "not-a-number")

	cfg := LoadFromEnv(t.TempDir() + "/missing.env")
	require.Equal(t, 250*time.Millisecond, cfg.Consensus.ProposalTimeout)
	require.Equal(t, "v3", cfg.Node.SelfID)
	require.Equal(t, uint32(1), cfg.Node.ShardGroup)
	require.Len(t, cfg.Node.Bootstrap, 2)
	require.Equal(t, Default().Consensus.MaxBlockCommands, cfg.Consensus.MaxBlockCommands)
}

func TestParseCommitteeFile(t *testing.T) {
	raw := []byte(`
shard_groups: 2
epochs:
  - epoch: 1
    groups:
      - group: 0
        members:
          - {id: v0, seed: v0, stake: 1}
          - {id: v1, seed: v1, stake: 2}
      - group: 1
        members:
          - {id: w0, seed: w0, stake: 1}
  - epoch: 2
    groups:
      - group: 0
        members:
          - {id: v0, seed: v0, stake: 1}
`)
	cf, err := ParseCommitteeFile(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(2), cf.ShardGroups)
	require.Len(t, cf.Epochs, 2)
	require.Equal(t, uint64(2), cf.Epochs[0].Groups[0].Members[1].Stake)
}

func TestParseCommitteeFileRejects(t *testing.T) {
	tests := map[string]string{
		"no epochs":      "shard_groups: 1\n",
		"bad order":      "epochs:\n  - epoch: 2\n  - epoch: 1\n",
		"group range":    "shard_groups: 1\nepochs:\n  - epoch: 1\n    groups:\n      - group: 3\n",
		"member w/o key": "epochs:\n  - epoch: 1\n    groups:\n      - group: 0\n        members:\n          - {id: v0}\n",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCommitteeFile([]byte(raw))
			require.Error(t, err)
		})
	}
}
