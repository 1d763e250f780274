package types

type SubstateKind uint8

const (
	SubstateDoesNotExist SubstateKind = iota
	SubstateUp
	SubstateDown
)

func (k SubstateKind) String() string {
	switch k {
	case SubstateUp:
		return "up"
	case SubstateDown:
		return "down"
	default:
		return "does_not_exist"
	}
}

// SubstateState is the materialized state of one address.
type SubstateState struct {
	Kind        SubstateKind
	Address     SubstateAddress
	CreatedBy   TransactionID
	DeletedBy   TransactionID
	Data        []byte
	FeesAccrued uint64
}

func UpState(addr SubstateAddress, createdBy TransactionID, data []byte) SubstateState {
	return SubstateState{Kind: SubstateUp, Address: addr, CreatedBy: createdBy, Data: data}
}

// Down keeps the creator and accrued fees of the state it replaces.
func (s SubstateState) Down(deletedBy TransactionID) SubstateState {
	return SubstateState{
		Kind: SubstateDown, Address: s.Address, CreatedBy: s.CreatedBy, DeletedBy: deletedBy, FeesAccrued: s.FeesAccrued,
	}
}

// Pledge reserves an address for one transaction.
type Pledge struct {
	Address       SubstateAddress
	TransactionID TransactionID
	Lock          LockType
}

// SubstateWrite and PledgeWrite are the durable effects of committing a
// block. A nil Pledge deletes the address's pledge.
type SubstateWrite struct {
	Address SubstateAddress
	State   SubstateState
}

type PledgeWrite struct {
	Address SubstateAddress
	Pledge  *Pledge
}
