package storage

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/hypershard/pkg/types"
)

// PebbleStore persists one shard-group instance. Consensus-critical writes
// use pebble.Sync.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", path)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) get(key []byte, out any) error {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return errors.Wrap(err, "pebble get")
	}
	defer closer.Close()
	return decodeGob(val, out)
}

func (s *PebbleStore) set(key []byte, v any) error {
	val, err := encodeGob(v)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	return errors.Wrap(s.db.Set(key, val, pebble.Sync), "pebble set")
}

func (s *PebbleStore) GetBlock(id types.BlockID) (*types.Block, error) {
	var b types.Block
	if err := s.get(kBlock(id), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PebbleStore) PutBlock(b *types.Block) error { return s.set(kBlock(b.ID), b) }

func (s *PebbleStore) GetQC(id types.BlockID) (*types.QuorumCertificate, error) {
	var qc types.QuorumCertificate
	if err := s.get(kQC(id), &qc); err != nil {
		return nil, err
	}
	return &qc, nil
}

// PutQC keeps the first certificate stored for a block.
func (s *PebbleStore) PutQC(qc *types.QuorumCertificate) error {
	if _, err := s.GetQC(qc.BlockID); err == nil {
		return nil
	}
	return s.set(kQC(qc.BlockID), qc)
}

func (s *PebbleStore) GetTransaction(id types.TransactionID) (*types.Transaction, error) {
	var tx types.Transaction
	if err := s.get(kTx(id), &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *PebbleStore) PutTransactions(txs []*types.Transaction) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, tx := range txs {
		val, err := encodeGob(tx)
		if err != nil {
			return errors.Wrap(err, "encode tx")
		}
		id := tx.ID()
		if err := batch.Set(kTx(id), val, nil); err != nil {
			return err
		}
	}
	return errors.Wrap(batch.Commit(pebble.Sync), "commit tx batch")
}

func (s *PebbleStore) CommitBlock(rec *types.CommitRecord) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	put := func(key []byte, v any) error {
		val, err := encodeGob(v)
		if err != nil {
			return err
		}
		return batch.Set(key, val, nil)
	}
	for _, w := range rec.Substates {
		if err := put(kSubstate(w.Address), w.State); err != nil {
			return errors.Wrap(err, "substate")
		}
	}
	for _, w := range rec.Pledges {
		if w.Pledge == nil {
			if err := batch.Delete(kPledge(w.Address), nil); err != nil {
				return err
			}
			continue
		}
		if err := put(kPledge(w.Address), w.Pledge); err != nil {
			return errors.Wrap(err, "pledge")
		}
	}
	for _, r := range rec.Pool {
		if err := put(kPool(r.ID), r); err != nil {
			return errors.Wrap(err, "pool record")
		}
	}
	for _, id := range rec.Retired {
		if err := batch.Delete(kPool(id), nil); err != nil {
			return err
		}
		if err := batch.Set(kRetired(id), nil, nil); err != nil {
			return err
		}
	}
	for _, ref := range rec.Foreign {
		var fp types.ForeignProposal
		if err := s.get(kForeign(ref), &fp); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		fp.State = types.ForeignMined
		if err := put(kForeign(ref), &fp); err != nil {
			return errors.Wrap(err, "foreign proposal")
		}
	}
	if err := batch.Set(kHeight(rec.Height), rec.BlockID[:], nil); err != nil {
		return err
	}
	_, last, err := s.LastCommitted()
	if err != nil || rec.Height >= last {
		if err := put(kCommitted(), committedMarker{ID: rec.BlockID, Height: rec.Height}); err != nil {
			return err
		}
	}
	return errors.Wrap(batch.Commit(pebble.Sync), "commit block batch")
}

func (s *PebbleStore) CommittedAt(h types.Height) (types.BlockID, error) {
	val, closer, err := s.db.Get(kHeight(h))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return types.BlockID{}, ErrNotFound
		}
		return types.BlockID{}, err
	}
	defer closer.Close()
	var id types.BlockID
	copy(id[:], val)
	return id, nil
}

func (s *PebbleStore) LastCommitted() (types.BlockID, types.Height, error) {
	var m committedMarker
	if err := s.get(kCommitted(), &m); err != nil {
		return types.BlockID{}, 0, err
	}
	return m.ID, m.Height, nil
}

func (s *PebbleStore) GetSafetyState() (*types.SafetyState, error) {
	var st types.SafetyState
	if err := s.get(kSafety(), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PebbleStore) PutSafetyState(st *types.SafetyState) error { return s.set(kSafety(), st) }

func (s *PebbleStore) GetSubstate(addr types.SubstateAddress) (types.SubstateState, error) {
	var st types.SubstateState
	if err := s.get(kSubstate(addr), &st); err != nil {
		if errors.Is(err, ErrNotFound) {
			return types.SubstateState{Address: addr}, nil
		}
		return st, err
	}
	return st, nil
}

func (s *PebbleStore) GetPledge(addr types.SubstateAddress) (*types.Pledge, error) {
	var p types.Pledge
	if err := s.get(kPledge(addr), &p); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *PebbleStore) PutForeignProposal(fp *types.ForeignProposal) error {
	return s.set(kForeign(fp.Ref()), fp)
}

func (s *PebbleStore) ForeignProposals() ([]*types.ForeignProposal, error) {
	var out []*types.ForeignProposal
	err := s.scan([]byte("f:"), func(val []byte) error {
		var fp types.ForeignProposal
		if err := decodeGob(val, &fp); err != nil {
			return err
		}
		out = append(out, &fp)
		return nil
	})
	return out, err
}

func (s *PebbleStore) GetPoolRecord(id types.TransactionID) (types.PoolRecord, error) {
	var r types.PoolRecord
	err := s.get(kPool(id), &r)
	return r, err
}

func (s *PebbleStore) IsRetired(id types.TransactionID) (bool, error) {
	_, closer, err := s.db.Get(kRetired(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, closer.Close()
}

func (s *PebbleStore) PoolRecords() ([]types.PoolRecord, error) {
	var out []types.PoolRecord
	err := s.scan([]byte("tp:"), func(val []byte) error {
		var r types.PoolRecord
		if err := decodeGob(val, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func (s *PebbleStore) ForEachSubstate(fn func(types.SubstateState) bool) error {
	return s.scanUntil([]byte("s:"), func(val []byte) (bool, error) {
		var st types.SubstateState
		if err := decodeGob(val, &st); err != nil {
			return false, err
		}
		return fn(st), nil
	})
}

func (s *PebbleStore) ForEachPledge(fn func(types.Pledge) bool) error {
	return s.scanUntil([]byte("p:"), func(val []byte) (bool, error) {
		var p types.Pledge
		if err := decodeGob(val, &p); err != nil {
			return false, err
		}
		return fn(p), nil
	})
}

func (s *PebbleStore) scan(prefix []byte, fn func(val []byte) error) error {
	return s.scanUntil(prefix, func(val []byte) (bool, error) { return true, fn(val) })
}

func (s *PebbleStore) scanUntil(prefix []byte, fn func(val []byte) (bool, error)) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return errors.Wrap(err, "new iter")
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		more, err := fn(iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}
