package tso

import (
	"github.com/ValentinKolb/dTSO/lib/dataspace"
	"github.com/cockroachdb/errors"
)

var (
	// ErrDeadlock means the transaction ran out of time or honored a timestamp
	// interrupt. It has already aborted itself; the whole unit of work has to be
	// run again on the same transaction after Start.
	ErrDeadlock = errors.New("deadlock")

	// ErrIllegalState is returned for operations on a transaction that is not
	// started, and for Start on a committed transaction.
	ErrIllegalState = errors.New("illegal transaction state")

	// ErrNotLocked is returned by Write for objects the transaction does not hold.
	ErrNotLocked = errors.New("object not locked by transaction")

	// ErrNonExistentObjectID is returned for objects that do not exist, including
	// uncommitted creates that were left behind by an aborted creator.
	ErrNonExistentObjectID = dataspace.ErrNonExistentObjectID
)
