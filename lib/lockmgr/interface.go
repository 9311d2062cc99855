package lockmgr

// ILockManager hands out exclusive locks stored as keys of a store.IStore.
type ILockManager interface {
	// AcquireLock tries once to acquire the lock for the given key. It never blocks.
	// On success it returns the owner ID needed to release the lock.
	AcquireLock(key string) (ok bool, ownerID []byte, err error)

	// ReleaseLock releases the lock if ownerID owns it. Releasing a lock that is
	// not held returns true; a lock held by another owner is left alone and false returned.
	ReleaseLock(key string, ownerID []byte) (ok bool, err error)

	// Owner returns the owner ID of a held lock
	Owner(key string) (ownerID []byte, held bool, err error)
}
