// Package substate keeps the pledge ledger: which transaction holds each
// substate address, and the materialized Up/Down state of every address.
package substate

import (
	"bytes"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/hypershard/pkg/types"
)

var (
	// ErrConflict means the address is pledged to another transaction.
	ErrConflict = errors.New("substate pledged to another transaction")
	// ErrNotFound means there is no pledge for this address and transaction.
	ErrNotFound = errors.New("pledge not found")
)

// Reader is the read side shared by committed storage and overlays.
type Reader interface {
	// GetSubstate returns a DoesNotExist state for unknown addresses.
	GetSubstate(addr types.SubstateAddress) (types.SubstateState, error)
	// GetPledge returns nil when the address is free.
	GetPledge(addr types.SubstateAddress) (*types.Pledge, error)
}

// ChangeSet is a write buffer over a Reader. Stacking ChangeSets gives the
// view of a chain of uncommitted blocks without touching committed state.
type ChangeSet struct {
	parent    Reader
	substates map[types.SubstateAddress]types.SubstateState
	pledges   map[types.SubstateAddress]*types.Pledge
}

func NewChangeSet(parent Reader) *ChangeSet {
	return &ChangeSet{
		parent:    parent,
		substates: make(map[types.SubstateAddress]types.SubstateState),
		pledges:   make(map[types.SubstateAddress]*types.Pledge),
	}
}

func (c *ChangeSet) GetSubstate(addr types.SubstateAddress) (types.SubstateState, error) {
	if s, ok := c.substates[addr]; ok {
		return s, nil
	}
	return c.parent.GetSubstate(addr)
}

func (c *ChangeSet) GetPledge(addr types.SubstateAddress) (*types.Pledge, error) {
	if p, ok := c.pledges[addr]; ok {
		return p, nil
	}
	return c.parent.GetPledge(addr)
}

// Pledge reserves addr for tx. Pledging an address tx already holds is a
// no-op; an address held by anyone else is a conflict.
func (c *ChangeSet) Pledge(addr types.SubstateAddress, tx types.TransactionID, lock types.LockType) error {
	cur, err := c.GetPledge(addr)
	if err != nil {
		return err
	}
	if cur != nil {
		if cur.TransactionID == tx {
			return nil
		}
		return errors.Wrapf(ErrConflict, "address %s held by %s", addr.String(), cur.TransactionID.Short())
	}
	c.pledges[addr] = &types.Pledge{Address: addr, TransactionID: tx, Lock: lock}
	return nil
}

// Release drops tx's pledge on addr, leaving the materialized state as it
// was before the pledge.
func (c *ChangeSet) Release(addr types.SubstateAddress, tx types.TransactionID) error {
	cur, err := c.GetPledge(addr)
	if err != nil {
		return err
	}
	if cur == nil || cur.TransactionID != tx {
		return errors.Wrapf(ErrNotFound, "address %s tx %s", addr.String(), tx.Short())
	}
	c.pledges[addr] = nil
	return nil
}

// Materialize records the final state of addr.
func (c *ChangeSet) Materialize(addr types.SubstateAddress, state types.SubstateState) {
	state.Address = addr
	c.substates[addr] = state
}

func (c *ChangeSet) Empty() bool { return len(c.substates) == 0 && len(c.pledges) == 0 }

// Writes lists the buffered changes sorted by address.
func (c *ChangeSet) Writes() ([]types.SubstateWrite, []types.PledgeWrite) {
	subs := make([]types.SubstateWrite, 0, len(c.substates))
	for addr, s := range c.substates {
		subs = append(subs, types.SubstateWrite{Address: addr, State: s})
	}
	sort.Slice(subs, func(i, j int) bool { return bytes.Compare(subs[i].Address[:], subs[j].Address[:]) < 0 })

	pls := make([]types.PledgeWrite, 0, len(c.pledges))
	for addr, p := range c.pledges {
		pls = append(pls, types.PledgeWrite{Address: addr, Pledge: p})
	}
	sort.Slice(pls, func(i, j int) bool { return bytes.Compare(pls[i].Address[:], pls[j].Address[:]) < 0 })
	return subs, pls
}

// Apply copies already computed writes into the overlay.
func (c *ChangeSet) Apply(subs []types.SubstateWrite, pls []types.PledgeWrite) {
	for _, w := range subs {
		c.substates[w.Address] = w.State
	}
	for _, w := range pls {
		c.pledges[w.Address] = w.Pledge
	}
}

// MemoryLedger is a committed ledger held in memory.
type MemoryLedger struct {
	mu        sync.RWMutex
	substates map[types.SubstateAddress]types.SubstateState
	pledges   map[types.SubstateAddress]types.Pledge
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		substates: make(map[types.SubstateAddress]types.SubstateState),
		pledges:   make(map[types.SubstateAddress]types.Pledge),
	}
}

func (m *MemoryLedger) GetSubstate(addr types.SubstateAddress) (types.SubstateState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.substates[addr]; ok {
		return s, nil
	}
	return types.SubstateState{Address: addr}, nil
}

func (m *MemoryLedger) GetPledge(addr types.SubstateAddress) (*types.Pledge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.pledges[addr]; ok {
		return &p, nil
	}
	return nil, nil
}

// Apply makes a set of writes permanent.
func (m *MemoryLedger) Apply(subs []types.SubstateWrite, pls []types.PledgeWrite) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range subs {
		m.substates[w.Address] = w.State
	}
	for _, w := range pls {
		if w.Pledge == nil {
			delete(m.pledges, w.Address)
			continue
		}
		m.pledges[w.Address] = *w.Pledge
	}
}

func (m *MemoryLedger) ForEachSubstate(fn func(types.SubstateState) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.substates {
		if !fn(s) {
			return
		}
	}
}

func (m *MemoryLedger) ForEachPledge(fn func(types.Pledge) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.pledges {
		if !fn(p) {
			return
		}
	}
}
