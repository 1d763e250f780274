package params

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// CommitteeFile is the validator-set checkpoint list normally scanned from
// the anchor chain. Dev networks write it by hand.
//
//	shard_groups: 2
//	epochs:
//	  - epoch: 1
//	    base_layer_height: 100
//	    groups:
//	      - group: 0
//	        members:
//	          - {id: v0, seed: v0, stake: 1, addr: /ip4/127.0.0.1/tcp/9000/p2p/12D3...}
type CommitteeFile struct {
	ShardGroups uint32            `yaml:"shard_groups"`
	Epochs      []EpochCheckpoint `yaml:"epochs"`
}

type EpochCheckpoint struct {
	Epoch           uint64       `yaml:"epoch"`
	BaseLayerHeight uint64       `yaml:"base_layer_height"`
	BaseLayerHash   string       `yaml:"base_layer_hash"`
	Groups          []GroupEntry `yaml:"groups"`
}

type GroupEntry struct {
	Group   uint32        `yaml:"group"`
	Members []MemberEntry `yaml:"members"`
}

type MemberEntry struct {
	ID string `yaml:"id"`
	// Either PublicKey (hex) or Seed must be set.
	PublicKey string `yaml:"public_key"`
	Seed      string `yaml:"seed"`
	Stake     uint64 `yaml:"stake"`
	Addr      string `yaml:"addr"`
}

func LoadCommitteeFile(path string) (*CommitteeFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read committee file %s", path)
	}
	return ParseCommitteeFile(raw)
}

func ParseCommitteeFile(raw []byte) (*CommitteeFile, error) {
	var cf CommitteeFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return nil, errors.Wrap(err, "parse committee file")
	}
	if cf.ShardGroups == 0 {
		cf.ShardGroups = 1
	}
	if len(cf.Epochs) == 0 {
		return nil, errors.New("committee file lists no epochs")
	}
	for i := 1; i < len(cf.Epochs); i++ {
		if cf.Epochs[i].Epoch <= cf.Epochs[i-1].Epoch {
			return nil, errors.Newf("epochs not increasing at index %d", i)
		}
	}
	for _, ep := range cf.Epochs {
		for _, g := range ep.Groups {
			if g.Group >= cf.ShardGroups {
				return nil, errors.Newf("epoch %d: group %d out of range", ep.Epoch, g.Group)
			}
			for _, m := range g.Members {
				if m.ID == "" || (m.PublicKey == "" && m.Seed == "") {
					return nil, errors.Newf("epoch %d group %d: member needs id and public_key or seed", ep.Epoch, g.Group)
				}
			}
		}
	}
	return &cf, nil
}
