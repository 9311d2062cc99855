package dataspace

import (
	"bytes"
	"github.com/ValentinKolb/dTSO/lib/db"
	"github.com/cockroachdb/errors"
	"sort"
)

// Round is one span of raw store work. Reads are cached, writes and destroys are
// buffered until Commit, which applies them as one atomic store batch and releases
// every record lock held by the round. After Commit or Abort the round starts a
// new span and can be used again.
//
// A Round must not be used by more than one goroutine at a time.
type Round struct {
	ds     *DataSpace
	locks  map[ID]func() error // held record locks and their release functions
	cache  map[ID][]byte       // committed record content read in this span
	writes map[string][]byte   // buffered store writes, nil marks a delete
	claims map[string]ID       // names bound directly in the store during this span
}

// Lock blocks until the record lock of id is held by this round.
// Locking a record twice in one span is a no-op. Content read before the lock
// was taken is dropped from the cache.
func (r *Round) Lock(id ID) error {
	if _, ok := r.locks[id]; ok {
		return nil
	}
	release, err := r.ds.locker.Lock(id)
	if err != nil {
		return errors.Wrapf(err, "lock record %d", id)
	}
	r.locks[id] = release
	delete(r.cache, id)
	return nil
}

// Release gives the record lock of id back before the span ends and drops its
// cached content. Buffered writes of the record are kept.
func (r *Round) Release(id ID) error {
	delete(r.cache, id)
	release, ok := r.locks[id]
	if !ok {
		return nil
	}
	delete(r.locks, id)
	return release()
}

// Forget drops the cached content of id so the next Read goes to the store
func (r *Round) Forget(id ID) {
	delete(r.cache, id)
}

// LookupName returns the id bound to name as seen by this round, or InvalidID
func (r *Round) LookupName(name string) (ID, error) {
	if val, ok := r.writes[nameKey(name)]; ok {
		if val == nil {
			return InvalidID, nil
		}
		return decodeID(val)
	}
	return r.ds.LookupName(name)
}

// Create allocates a new record holding payload and locks it. If name is not empty
// it is bound to the new record right away, so concurrent creators see the binding
// before this round commits. If name is already bound, InvalidID is returned.
func (r *Round) Create(payload []byte, name string) (ID, error) {
	id, err := r.ds.allocate()
	if err != nil {
		return InvalidID, err
	}
	if err := r.Lock(id); err != nil {
		return InvalidID, err
	}
	if name != "" {
		won, err := r.claimName(name, id)
		if err != nil || !won {
			if rErr := r.Release(id); rErr != nil {
				log.Warningf("failed to release record %d after lost claim of %q: %v", id, name, rErr)
			}
			return InvalidID, err
		}
		r.claims[name] = id
		r.writes[recordNameKey(id)] = []byte(name)
	}
	r.writes[recordKey(id)] = clone(payload)
	return id, nil
}

// claimName binds name to id if it is unbound. Whether this round won is verified
// by reading the binding back.
func (r *Round) claimName(name string, id ID) (bool, error) {
	key, val := nameKey(name), encodeID(id)
	if err := r.ds.store.SetIfUnset(key, val); err != nil {
		return false, errors.Wrapf(err, "claim name %q", name)
	}
	got, ok, err := r.ds.store.Get(key)
	if err != nil {
		return false, errors.Wrapf(err, "verify claim of name %q", name)
	}
	return ok && bytes.Equal(got, val), nil
}

// Read returns a private copy of the record content. Records that do not exist
// or are destroyed in this span fail with ErrNonExistentObjectID.
func (r *Round) Read(id ID) ([]byte, error) {
	if val, ok := r.writes[recordKey(id)]; ok {
		if val == nil {
			return nil, errors.Wrapf(ErrNonExistentObjectID, "record %d destroyed", id)
		}
		return clone(val), nil
	}
	if val, ok := r.cache[id]; ok {
		return clone(val), nil
	}
	val, ok, err := r.ds.store.Get(recordKey(id))
	if err != nil {
		return nil, errors.Wrapf(err, "read record %d", id)
	}
	if !ok {
		return nil, errors.Wrapf(ErrNonExistentObjectID, "record %d", id)
	}
	r.cache[id] = val
	return clone(val), nil
}

// Write buffers new content for the record
func (r *Round) Write(id ID, payload []byte) {
	r.writes[recordKey(id)] = clone(payload)
}

// Destroy buffers the removal of the record and its name binding
func (r *Round) Destroy(id ID) error {
	var name []byte
	if val, ok := r.writes[recordNameKey(id)]; ok {
		name = val
	} else {
		val, found, err := r.ds.store.Get(recordNameKey(id))
		if err != nil {
			return errors.Wrapf(err, "read name of record %d", id)
		}
		if found {
			name = val
		}
	}
	r.writes[recordKey(id)] = nil
	if name != nil {
		r.writes[recordNameKey(id)] = nil
		r.writes[nameKey(string(name))] = nil
	}
	delete(r.cache, id)
	return nil
}

// Holds reports whether the round holds the record lock of id
func (r *Round) Holds(id ID) bool {
	_, ok := r.locks[id]
	return ok
}

// Commit applies all buffered writes atomically and ends the span.
// If the store rejects the batch, the span is aborted and the error returned.
func (r *Round) Commit() error {
	if len(r.writes) > 0 {
		keys := make([]string, 0, len(r.writes))
		for k := range r.writes {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		ops := make([]db.Op, 0, len(keys))
		for _, k := range keys {
			if v := r.writes[k]; v == nil {
				ops = append(ops, db.Op{Type: db.OpTDelete, Key: k})
			} else {
				ops = append(ops, db.Op{Type: db.OpTSet, Key: k, Value: v})
			}
		}
		if err := r.ds.store.Batch(ops); err != nil {
			err = errors.Wrapf(err, "commit of %d ops", len(ops))
			return errors.CombineErrors(err, r.Abort())
		}
	}
	r.claims = make(map[string]ID)
	return r.endSpan()
}

// Abort drops all buffered writes, undoes name bindings made in this span and
// ends the span.
func (r *Round) Abort() error {
	var err error
	for name, id := range r.claims {
		err = errors.CombineErrors(err, r.unclaimName(name, id))
	}
	r.claims = make(map[string]ID)
	return errors.CombineErrors(err, r.endSpan())
}

// unclaimName removes the binding of name if it still points to id
func (r *Round) unclaimName(name string, id ID) error {
	key := nameKey(name)
	got, ok, err := r.ds.store.Get(key)
	if err != nil {
		return errors.Wrapf(err, "read claim of name %q", name)
	}
	if !ok || !bytes.Equal(got, encodeID(id)) {
		return nil
	}
	return errors.Wrapf(r.ds.store.Delete(key), "undo claim of name %q", name)
}

// endSpan clears all span state and releases every held record lock
func (r *Round) endSpan() error {
	var err error
	for id, release := range r.locks {
		if rErr := release(); rErr != nil {
			log.Errorf("failed to release record lock %d: %v", id, rErr)
			err = errors.CombineErrors(err, errors.Wrapf(rErr, "release record %d", id))
		}
	}
	clear(r.locks)
	clear(r.cache)
	clear(r.writes)
	return err
}
