// Package mempool holds transactions waiting to enter the consensus
// pipeline. Candidates come out in transaction-id order so every leader
// builds from the same deterministic sequence.
package mempool

import (
	"bytes"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypershard/pkg/types"
)

var (
	ErrFull        = errors.New("mempool full")
	ErrNotInvolved = errors.New("transaction does not touch this shard group")
	ErrNoSubstates = errors.New("transaction declares no substates")
)

type entry struct {
	id       types.TransactionID
	tx       *types.Transaction
	decision types.Decision
	added    time.Time
}

func entryLess(a, b *entry) bool { return bytes.Compare(a.id[:], b.id[:]) < 0 }

type Mempool struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[*entry]
	layout  types.ShardLayout
	group   types.ShardGroup
	maxSize int
	Logger  *zap.SugaredLogger
}

func New(layout types.ShardLayout, group types.ShardGroup, maxSize int) *Mempool {
	return &Mempool{
		tree:    btree.NewG[*entry](16, entryLess),
		layout:  layout,
		group:   group,
		maxSize: maxSize,
		Logger:  zap.NewNop().Sugar(),
	}
}

// Add admits tx with the decision its execution produced. It returns false
// for a transaction already held.
func (m *Mempool) Add(tx *types.Transaction, decision types.Decision) (bool, error) {
	if len(tx.Inputs)+len(tx.Outputs) == 0 {
		return false, ErrNoSubstates
	}
	if !tx.Involves(m.layout, m.group) {
		return false, ErrNotInvolved
	}
	if decision == types.DecisionUnknown {
		decision = types.DecisionCommit
	}
	e := &entry{id: tx.ID(), tx: tx, decision: decision, added: time.Now()}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tree.Get(e); ok {
		return false, nil
	}
	if m.maxSize > 0 && m.tree.Len() >= m.maxSize {
		return false, ErrFull
	}
	m.tree.ReplaceOrInsert(e)
	m.Logger.Debugw("mempool_add", "tx", e.id.Short(), "decision", decision.String(), "size", m.tree.Len())
	return true, nil
}

func (m *Mempool) Get(id types.TransactionID) (*types.Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tree.Get(&entry{id: id})
	if !ok {
		return nil, false
	}
	return e.tx, true
}

// Decision is the execution decision recorded at admission.
func (m *Mempool) Decision(id types.TransactionID) (types.Decision, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tree.Get(&entry{id: id})
	if !ok {
		return types.DecisionUnknown, false
	}
	return e.decision, true
}

// NextPendingAtoms returns up to limit fresh atoms in id order, skipping
// transactions the caller says are already in flight.
func (m *Mempool) NextPendingAtoms(limit int, skip func(types.TransactionID) bool) []*types.TransactionAtom {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.TransactionAtom
	m.tree.Ascend(func(e *entry) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		if skip != nil && skip(e.id) {
			return true
		}
		out = append(out, &types.TransactionAtom{ID: e.id, Decision: e.decision, Fee: e.tx.Fee})
		return true
	})
	return out
}

// HasPending reports whether any held transaction passes skip.
func (m *Mempool) HasPending(skip func(types.TransactionID) bool) bool {
	return len(m.NextPendingAtoms(1, skip)) > 0
}

func (m *Mempool) OnCommitted(id types.TransactionID, decision types.Decision) {
	if e, ok := m.remove(id); ok {
		m.Logger.Debugw("mempool_committed", "tx", id.Short(), "decision", decision.String(), "waited", time.Since(e.added))
	}
}

func (m *Mempool) OnAborted(id types.TransactionID, reason string) {
	if e, ok := m.remove(id); ok {
		m.Logger.Debugw("mempool_aborted", "tx", id.Short(), "reason", reason, "waited", time.Since(e.added))
	}
}

func (m *Mempool) remove(id types.TransactionID) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Delete(&entry{id: id})
}

func (m *Mempool) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}
