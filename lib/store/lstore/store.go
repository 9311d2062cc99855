package lstore

import (
	"sync/atomic"

	"github.com/ValentinKolb/dTSO/lib/db"
	"github.com/ValentinKolb/dTSO/lib/store"
)

type localStore struct {
	db    db.KVDB
	index atomic.Uint64
}

// NewLocalStore wraps a single engine. Every write gets the next write index,
// so a durable engine reopened later carries on where it stopped.
func NewLocalStore(factory store.DBFactory) store.IStore {
	s := &localStore{db: factory()}
	s.index.Store(s.db.WriteIdx())
	return s
}

// require fails with an unsupported-operation error unless the engine has f.
func (s *localStore) require(f db.Feature) error {
	if s.db.SupportsFeature(f) {
		return nil
	}
	return store.Unsupported(f.String())
}

// write runs fn with a fresh write index and turns engine failures into
// store errors.
func (s *localStore) write(f db.Feature, fn func(idx uint64) error) error {
	if err := s.require(f); err != nil {
		return err
	}
	if err := fn(s.index.Add(1)); err != nil {
		return store.NewError(store.RetCInternalError, err.Error())
	}
	return nil
}

func (s *localStore) Set(key string, value []byte) error {
	return s.write(db.FeatureSet, func(idx uint64) error { return s.db.Set(key, value, idx) })
}

func (s *localStore) SetIfUnset(key string, value []byte) error {
	return s.write(db.FeatureSetIfUnset, func(idx uint64) error { return s.db.SetIfUnset(key, value, idx) })
}

func (s *localStore) Delete(key string) error {
	return s.write(db.FeatureDelete, func(idx uint64) error { return s.db.Delete(key, idx) })
}

func (s *localStore) Batch(ops []db.Op) error {
	if len(ops) == 0 {
		return s.require(db.FeatureApply)
	}
	return s.write(db.FeatureApply, func(idx uint64) error { return s.db.Apply(ops, idx) })
}

func (s *localStore) Get(key string) ([]byte, bool, error) {
	if err := s.require(db.FeatureGet); err != nil {
		return nil, false, err
	}
	val, ok := s.db.Get(key)
	return val, ok, nil
}

func (s *localStore) Has(key string) (bool, error) {
	if err := s.require(db.FeatureHas); err != nil {
		return false, err
	}
	return s.db.Has(key), nil
}

func (s *localStore) GetDBInfo() (db.DatabaseInfo, error) {
	return s.db.GetInfo(), nil
}
