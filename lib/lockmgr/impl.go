package lockmgr

import (
	"bytes"
	"github.com/ValentinKolb/dTSO/lib/store"
	"github.com/cockroachdb/errors"
)

type lockMgrImpl struct {
	store store.IStore
}

func NewLockManager(s store.IStore) ILockManager {
	return &lockMgrImpl{store: s}
}

func (lm *lockMgrImpl) AcquireLock(key string) (bool, []byte, error) {
	ownerID, err := generateOwnerID()
	if err != nil {
		return false, nil, err
	}

	// only the first SetIfUnset on a free key writes, the read tells us who that was
	if err = lm.store.SetIfUnset(key, ownerID); err != nil {
		return false, nil, errors.Wrapf(err, "acquire %s", key)
	}
	owner, held, err := lm.Owner(key)
	if err != nil {
		return false, nil, err
	}
	if held && bytes.Equal(owner, ownerID) {
		return true, ownerID, nil
	}
	return false, nil, nil
}

func (lm *lockMgrImpl) ReleaseLock(key string, ownerID []byte) (bool, error) {
	owner, held, err := lm.Owner(key)
	if err != nil {
		return false, err
	}
	if !held {
		return true, nil
	}
	if !bytes.Equal(ownerID, owner) {
		return false, nil
	}
	if err := lm.store.Delete(key); err != nil {
		return false, errors.Wrapf(err, "release %s", key)
	}
	return true, nil
}

func (lm *lockMgrImpl) Owner(key string) ([]byte, bool, error) {
	owner, held, err := lm.store.Get(key)
	if err != nil {
		return nil, false, errors.Wrapf(err, "read lock %s", key)
	}
	return owner, held, nil
}
