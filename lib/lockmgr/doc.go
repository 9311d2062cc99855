// Package lockmgr implements exclusive locks as keys of a store.IStore. The
// dataspace uses it for record locks when several processes share one
// replicated store (dataspace.StoreLocker).
//
// A lock manager keeps no state of its own, any number of them may be created
// on the same store.
//
// Acquire writes a fresh random owner ID with SetIfUnset and reads the key back:
// only the requester whose ID is stored holds the lock. Release deletes the key
// after checking the stored ID. Acquire never blocks, waiting is up to the caller.
//
// Locks do not expire. A process that dies while holding one leaves the key
// behind; "dtso lock show" prints the owner ID and "dtso lock release" removes it.
//
// Each acquire costs a SetIfUnset and a Get, each release a Get and a Delete.
// On a dstore that is two raft round trips.
//
// Example:
//
//	lm := lockmgr.NewLockManager(s)
//	ok, owner, err := lm.AcquireLock("l/42")
//	if err != nil { ... }
//	if ok {
//	    defer lm.ReleaseLock("l/42", owner)
//	    ...
//	}
package lockmgr
