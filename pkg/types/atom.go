package types

import "sort"

// Stage is how far a shard group has taken a transaction.
type Stage uint8

const (
	StageNew Stage = iota
	StagePrepared
	StageLocalPrepared
	StageAccepted
)

func (s Stage) String() string {
	switch s {
	case StageNew:
		return "new"
	case StagePrepared:
		return "prepared"
	case StageLocalPrepared:
		return "local_prepared"
	case StageAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// ShardEvidence is one group's recorded progress on a transaction.
type ShardEvidence struct {
	ShardGroup ShardGroup
	Stage      Stage
	Decision   Decision
	// BlockID is the block in ShardGroup's chain that recorded Stage.
	BlockID BlockID
}

// Evidence is kept sorted by ShardGroup so its encoding is canonical.
type Evidence []ShardEvidence

func (e Evidence) Get(g ShardGroup) (ShardEvidence, bool) {
	i := sort.Search(len(e), func(i int) bool { return e[i].ShardGroup >= g })
	if i < len(e) && e[i].ShardGroup == g {
		return e[i], true
	}
	return ShardEvidence{}, false
}

// With returns a copy with g's entry replaced when se is further along.
func (e Evidence) With(se ShardEvidence) Evidence {
	out := make(Evidence, 0, len(e)+1)
	placed := false
	for _, cur := range e {
		if cur.ShardGroup == se.ShardGroup {
			placed = true
			if se.Stage > cur.Stage {
				cur = se
			}
		}
		out = append(out, cur)
	}
	if !placed {
		out = append(out, se)
		sort.Slice(out, func(i, j int) bool { return out[i].ShardGroup < out[j].ShardGroup })
	}
	return out
}

// ReachedBy reports whether every group in groups recorded at least stage.
func (e Evidence) ReachedBy(groups []ShardGroup, stage Stage) bool {
	for _, g := range groups {
		se, ok := e.Get(g)
		if !ok || se.Stage < stage {
			return false
		}
	}
	return true
}

// Combined is the conjunction of the recorded decisions of groups.
func (e Evidence) Combined(groups []ShardGroup) Decision {
	d := DecisionCommit
	for _, g := range groups {
		se, ok := e.Get(g)
		if !ok {
			return DecisionUnknown
		}
		d = d.And(se.Decision)
	}
	return d
}

func (e Evidence) Clone() Evidence { return append(Evidence(nil), e...) }

// TransactionAtom is the unit a command carries. Atoms are values: moving
// to the next phase produces a new atom.
type TransactionAtom struct {
	ID       TransactionID
	Decision Decision
	// Groups is the sorted set of groups the transaction touches. Atoms of
	// the cross-shard phases carry it so another group can tell from a
	// certified block alone which of its commands concern it.
	Groups    []ShardGroup
	Evidence  Evidence
	Fee       uint64
	LeaderFee uint64
}

// Involves reports whether g is one of the atom's groups.
func (a *TransactionAtom) Involves(g ShardGroup) bool {
	i := sort.Search(len(a.Groups), func(i int) bool { return a.Groups[i] >= g })
	return i < len(a.Groups) && a.Groups[i] == g
}

type atomHashing struct {
	ID        TransactionID
	Decision  uint8
	Groups    []uint32
	Evidence  []evidenceHashing
	Fee       uint64
	LeaderFee uint64
}

type evidenceHashing struct {
	ShardGroup uint32
	Stage      uint8
	Decision   uint8
	BlockID    BlockID
}

func (a *TransactionAtom) hashing() atomHashing {
	h := atomHashing{ID: a.ID, Decision: uint8(a.Decision), Fee: a.Fee, LeaderFee: a.LeaderFee}
	for _, g := range a.Groups {
		h.Groups = append(h.Groups, uint32(g))
	}
	for _, se := range a.Evidence {
		h.Evidence = append(h.Evidence, evidenceHashing{
			ShardGroup: uint32(se.ShardGroup), Stage: uint8(se.Stage), Decision: uint8(se.Decision), BlockID: se.BlockID,
		})
	}
	return h
}

func (a *TransactionAtom) Equal(o *TransactionAtom) bool {
	return hashRLP("atom", a.hashing()) == hashRLP("atom", o.hashing())
}

// LeaderFeeFor splits fee evenly between the involved groups.
func LeaderFeeFor(fee uint64, groups int) uint64 {
	if groups <= 1 {
		return fee
	}
	return fee / uint64(groups)
}
