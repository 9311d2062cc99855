package dataspace

import (
	"context"
	"github.com/ValentinKolb/dTSO/lib/lockmgr"
	"github.com/ValentinKolb/dTSO/lib/store"
	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"time"
)

// RecordLocker provides the low level per-record mutual exclusion of the dataspace.
// It knows nothing about transactions; a lock is held by whoever calls release.
type RecordLocker interface {
	// Lock blocks until the lock of id is acquired and returns the function that releases it.
	Lock(id ID) (release func() error, err error)
}

// --------------------------------------------------------------------------
// In-process locker
// --------------------------------------------------------------------------

// LocalLocker keeps one single-slot channel per record. It only excludes
// goroutines of the same process.
type LocalLocker struct {
	slots *xsync.MapOf[ID, chan struct{}]
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: xsync.NewMapOf[ID, chan struct{}]()}
}

func (l *LocalLocker) Lock(id ID) (func() error, error) {
	slot, _ := l.slots.LoadOrCompute(id, func() chan struct{} {
		return make(chan struct{}, 1)
	})
	slot <- struct{}{}
	return func() error {
		select {
		case <-slot:
			return nil
		default:
			return errors.Newf("record lock %d released twice", id)
		}
	}, nil
}

// --------------------------------------------------------------------------
// Store backed locker
// --------------------------------------------------------------------------

// errLockBusy makes the retry loop try again
var errLockBusy = errors.New("record lock busy")

// StoreLocker keeps record locks as lockmgr keys in a store, so processes
// sharing a replicated store exclude each other. Waiting is done by polling.
//
// TODO: locks of a crashed process are never freed, lockmgr keys need a lease
type StoreLocker struct {
	mgr          lockmgr.ILockManager
	pollInterval time.Duration
}

func NewStoreLocker(s store.IStore, pollInterval time.Duration) *StoreLocker {
	if pollInterval <= 0 {
		pollInterval = time.Millisecond
	}
	return &StoreLocker{
		mgr:          lockmgr.NewLockManager(s),
		pollInterval: pollInterval,
	}
}

func (l *StoreLocker) Lock(id ID) (func() error, error) {
	key := RecordLockKey(id)
	owner, err := backoff.Retry(context.Background(), func() ([]byte, error) {
		ok, owner, err := l.mgr.AcquireLock(key)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !ok {
			return nil, errLockBusy
		}
		return owner, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(l.pollInterval)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "acquire %s", key)
	}
	return func() error {
		released, err := l.mgr.ReleaseLock(key, owner)
		if err != nil {
			return err
		}
		if !released {
			return errors.Newf("%s is owned by someone else", key)
		}
		return nil
	}, nil
}
