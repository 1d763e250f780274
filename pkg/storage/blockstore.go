package storage

import (
	"sort"
	"sync"

	"github.com/uhyunpark/hypershard/pkg/substate"
	"github.com/uhyunpark/hypershard/pkg/types"
)

// InMemoryStore keeps everything in maps. Values are shared, not copied:
// blocks and certificates are immutable once stored.
type InMemoryStore struct {
	*substate.MemoryLedger

	mu         sync.RWMutex
	blocks     map[types.BlockID]*types.Block
	qcs        map[types.BlockID]*types.QuorumCertificate
	txs        map[types.TransactionID]*types.Transaction
	byHeight   map[types.Height]types.BlockID
	lastID     types.BlockID
	lastHeight types.Height
	hasCommit  bool
	safety     *types.SafetyState
	foreign    map[types.ForeignProposalRef]*types.ForeignProposal
	pool       map[types.TransactionID]types.PoolRecord
	retired    map[types.TransactionID]struct{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		MemoryLedger: substate.NewMemoryLedger(),
		blocks:       make(map[types.BlockID]*types.Block),
		qcs:          make(map[types.BlockID]*types.QuorumCertificate),
		txs:          make(map[types.TransactionID]*types.Transaction),
		byHeight:     make(map[types.Height]types.BlockID),
		foreign:      make(map[types.ForeignProposalRef]*types.ForeignProposal),
		pool:         make(map[types.TransactionID]types.PoolRecord),
		retired:      make(map[types.TransactionID]struct{}),
	}
}

func (s *InMemoryStore) GetBlock(id types.BlockID) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *InMemoryStore) PutBlock(b *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.ID] = b
	return nil
}

func (s *InMemoryStore) GetQC(id types.BlockID) (*types.QuorumCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qc, ok := s.qcs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return qc, nil
}

func (s *InMemoryStore) PutQC(qc *types.QuorumCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.qcs[qc.BlockID]; !ok {
		s.qcs[qc.BlockID] = qc
	}
	return nil
}

func (s *InMemoryStore) GetTransaction(id types.TransactionID) (*types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tx, nil
}

func (s *InMemoryStore) PutTransactions(txs []*types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		s.txs[tx.ID()] = tx
	}
	return nil
}

func (s *InMemoryStore) CommitBlock(rec *types.CommitRecord) error {
	s.MemoryLedger.Apply(rec.Substates, rec.Pledges)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHeight[rec.Height] = rec.BlockID
	if !s.hasCommit || rec.Height >= s.lastHeight {
		s.lastID, s.lastHeight, s.hasCommit = rec.BlockID, rec.Height, true
	}
	for _, r := range rec.Pool {
		s.pool[r.ID] = r
	}
	for _, id := range rec.Retired {
		delete(s.pool, id)
		s.retired[id] = struct{}{}
	}
	for _, ref := range rec.Foreign {
		if fp, ok := s.foreign[ref]; ok {
			cp := *fp
			cp.State = types.ForeignMined
			s.foreign[ref] = &cp
		}
	}
	return nil
}

func (s *InMemoryStore) CommittedAt(h types.Height) (types.BlockID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHeight[h]
	if !ok {
		return types.BlockID{}, ErrNotFound
	}
	return id, nil
}

func (s *InMemoryStore) LastCommitted() (types.BlockID, types.Height, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasCommit {
		return types.BlockID{}, 0, ErrNotFound
	}
	return s.lastID, s.lastHeight, nil
}

func (s *InMemoryStore) GetSafetyState() (*types.SafetyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.safety == nil {
		return nil, ErrNotFound
	}
	cp := *s.safety
	return &cp, nil
}

func (s *InMemoryStore) PutSafetyState(st *types.SafetyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.safety = &cp
	return nil
}

func (s *InMemoryStore) PutForeignProposal(fp *types.ForeignProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *fp
	s.foreign[fp.Ref()] = &cp
	return nil
}

func (s *InMemoryStore) ForeignProposals() ([]*types.ForeignProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.ForeignProposal, 0, len(s.foreign))
	for _, fp := range s.foreign {
		cp := *fp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Block.Height < out[j].Block.Height })
	return out, nil
}

func (s *InMemoryStore) GetPoolRecord(id types.TransactionID) (types.PoolRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.pool[id]
	if !ok {
		return types.PoolRecord{}, ErrNotFound
	}
	return r, nil
}

func (s *InMemoryStore) IsRetired(id types.TransactionID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.retired[id]
	return ok, nil
}

func (s *InMemoryStore) PoolRecords() ([]types.PoolRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.PoolRecord, 0, len(s.pool))
	for _, r := range s.pool {
		out = append(out, r)
	}
	return out, nil
}

func (s *InMemoryStore) ForEachSubstate(fn func(types.SubstateState) bool) error {
	s.MemoryLedger.ForEachSubstate(fn)
	return nil
}

func (s *InMemoryStore) ForEachPledge(fn func(types.Pledge) bool) error {
	s.MemoryLedger.ForEachPledge(fn)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
