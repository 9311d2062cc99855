// Package tso is a transactional object store with timestamp ordered (TSO)
// locking on top of the raw records of a dataspace.
//
// Every object is two records: a header that carries the lock state and a payload.
// A transaction locks objects by taking ownership of their headers. Locks are
// held until commit or abort, so units of work are serializable.
//
// Seniority:
//
//	A transaction gets an (initialAttemptTime, tiebreaker) pair when it is created
//	and keeps it across retries. A transaction that has to wait for a younger
//	owner asks the registry to interrupt that owner, which then aborts at its next
//	blocking point with ErrDeadlock. Since the oldest transaction is never asked to
//	step back, it finishes eventually.
//
// Deadlines:
//
//	Every attempt has a deadline (start + timeout). Headers carry the deadline of
//	their owner; a lock whose deadline passed is stale and may be seized by the
//	next transaction that reads it. Waiting for a lock is bounded by the owner's
//	deadline, so lost notifications only cost time.
//
// Lifecycle:
//
//	txn := os.NewTransaction()
//	err := tso.Run(ctx, txn, func(txn *tso.Transaction) error {
//	    id, err := txn.Lookup("counter")
//	    ...
//	    payload, err := txn.Lock(id)
//	    ...
//	    return txn.Write(id, next)
//	})
//
// Run does Start, the unit of work and Commit and repeats all of it on
// ErrDeadlock. Callers that drive Start/Commit/Abort themselves must retry on
// the same Transaction to keep its seniority.
//
// Partial creates:
//
//	Create commits the new header right away with the create-not-committed flag
//	set, so concurrent creators of the same name find the object and wait for it.
//	If the creator dies, the next transaction that gets the stale header removes
//	both records and reports ErrNonExistentObjectID.
package tso
