package types

type LockType uint8

const (
	LockRead LockType = iota + 1
	LockWrite
	// LockOutput reserves an address a transaction is about to create.
	LockOutput
)

func (l LockType) String() string {
	switch l {
	case LockRead:
		return "read"
	case LockWrite:
		return "write"
	case LockOutput:
		return "output"
	default:
		return "unknown"
	}
}

type Input struct {
	Address SubstateAddress
	Lock    LockType
}

type Output struct {
	Address SubstateAddress
	Data    []byte
}

// Transaction is opaque to consensus apart from the substates it declares.
// Executing Payload is the virtual machine's job.
type Transaction struct {
	Inputs  []Input
	Outputs []Output
	Fee     uint64
	Payload []byte
}

type txHashing struct {
	Inputs  []inputHashing
	Outputs []Output
	Fee     uint64
	Payload []byte
}

type inputHashing struct {
	Address SubstateAddress
	Lock    uint8
}

func (t *Transaction) ID() TransactionID {
	h := txHashing{Fee: t.Fee, Payload: t.Payload, Outputs: t.Outputs}
	for _, in := range t.Inputs {
		h.Inputs = append(h.Inputs, inputHashing{Address: in.Address, Lock: uint8(in.Lock)})
	}
	return TransactionID(hashRLP("tx", h))
}

// Requirement is one substate a transaction needs, with the lock it takes.
type Requirement struct {
	Address SubstateAddress
	Lock    LockType
	Data    []byte // only for LockOutput
}

func (t *Transaction) Requirements() []Requirement {
	out := make([]Requirement, 0, len(t.Inputs)+len(t.Outputs))
	for _, in := range t.Inputs {
		out = append(out, Requirement{Address: in.Address, Lock: in.Lock})
	}
	for _, o := range t.Outputs {
		out = append(out, Requirement{Address: o.Address, Lock: LockOutput, Data: o.Data})
	}
	return out
}

// LocalRequirements are the requirements owned by group g.
func (t *Transaction) LocalRequirements(l ShardLayout, g ShardGroup) []Requirement {
	var out []Requirement
	for _, r := range t.Requirements() {
		if l.GroupOf(r.Address) == g {
			out = append(out, r)
		}
	}
	return out
}

// InvolvedGroups is the sorted set of groups owning any requirement.
func (t *Transaction) InvolvedGroups(l ShardLayout) []ShardGroup {
	seen := make(map[ShardGroup]struct{})
	var out []ShardGroup
	for _, r := range t.Requirements() {
		g := l.GroupOf(r.Address)
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return sortGroups(out)
}

// IsLocalOnly reports whether every requirement is owned by g.
func (t *Transaction) IsLocalOnly(l ShardLayout, g ShardGroup) bool {
	groups := t.InvolvedGroups(l)
	return len(groups) == 0 || (len(groups) == 1 && groups[0] == g)
}

func (t *Transaction) Involves(l ShardLayout, g ShardGroup) bool {
	for _, x := range t.InvolvedGroups(l) {
		if x == g {
			return true
		}
	}
	return false
}
