package tso

import (
	"github.com/ValentinKolb/dTSO/lib/dataspace"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"slices"
	"sync/atomic"
	"time"
)

var log = logger.GetLogger("tso")

// ObjectID is the id of an object header, the only id callers ever see
type ObjectID = dataspace.ID

// InvalidID is returned by Lookup for unbound names and by Create for lost races
const InvalidID = dataspace.InvalidID

// TxnID identifies a transaction in headers and in the registry
type TxnID = uuid.UUID

// committedDeadline marks a transaction that committed and may not be started again
const committedDeadline = 0

// nowMillis is the wall clock all deadlines are compared against
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}

// Transaction runs units of work against the object store with timestamp ordered
// locking. Seniority is fixed when the transaction is created and kept across
// retries, so a transaction that keeps losing eventually wins every contested lock.
//
// A Transaction is used by one goroutine at a time. Only TimestampInterrupt may be
// called concurrently.
type Transaction struct {
	reg     Registry
	ds      *dataspace.DataSpace
	timeout time.Duration
	retries uint // attempts Run makes, 0 is unlimited

	id                 TxnID
	initialAttemptTime int64
	tiebreaker         uint64
	deadline           int64

	active  bool
	round   *dataspace.Round
	locked  map[ObjectID][]byte // working copies of held objects
	created map[ObjectID]struct{}
	deleted map[ObjectID]struct{}

	interrupted atomic.Bool
	wake        chan struct{}
}

func newTransaction(reg Registry, ds *dataspace.DataSpace, timeout time.Duration, retries uint, initialAttemptTime int64, tiebreaker uint64) *Transaction {
	return &Transaction{
		reg:                reg,
		ds:                 ds,
		timeout:            timeout,
		retries:            retries,
		id:                 uuid.New(),
		initialAttemptTime: initialAttemptTime,
		tiebreaker:         tiebreaker,
		deadline:           1,
		locked:             make(map[ObjectID][]byte),
		created:            make(map[ObjectID]struct{}),
		deleted:            make(map[ObjectID]struct{}),
		wake:               make(chan struct{}, 1),
	}
}

// ID returns the id the transaction is known by in headers and the registry
func (t *Transaction) ID() TxnID {
	return t.id
}

// Seniority returns the (initialAttemptTime, tiebreaker) pair of the transaction
func (t *Transaction) Seniority() (int64, uint64) {
	return t.initialAttemptTime, t.tiebreaker
}

// Start begins a new attempt: a fresh raw round, a fresh deadline and registration
// with the registry. It is legal before the first attempt and after an abort.
func (t *Transaction) Start() error {
	if t.deadline == committedDeadline {
		return errors.Wrapf(ErrIllegalState, "txn %s: reuse after commit", t.id)
	}
	if t.active {
		return errors.Wrapf(ErrIllegalState, "txn %s: already started", t.id)
	}
	if t.round == nil {
		t.round = t.ds.NewRound()
	}
	t.deadline = nowMillis() + t.timeout.Milliseconds()
	t.interrupted.Store(false)
	select {
	case <-t.wake:
	default:
	}
	t.active = true
	t.reg.RegisterActiveTransaction(t)
	return nil
}

func (t *Transaction) checkActive() error {
	if !t.active {
		return errors.Wrapf(ErrIllegalState, "txn %s is not started", t.id)
	}
	return nil
}

// Lookup returns the object bound to name or InvalidID
func (t *Transaction) Lookup(name string) (ObjectID, error) {
	if err := t.checkActive(); err != nil {
		return InvalidID, err
	}
	return t.round.LookupName(name)
}

// Create makes a new object holding payload, optionally bound to name, and returns
// it locked. If another transaction already created an object under name,
// Create waits for that object and returns InvalidID once it holds it; the caller
// then finds the winner's object with Lookup and Lock.
func (t *Transaction) Create(payload []byte, name string) (ObjectID, error) {
	if err := t.checkActive(); err != nil {
		return InvalidID, err
	}
	if payload == nil {
		payload = []byte{}
	}

	hdr := newOwnedHeader(t)
	raw, _ := hdr.MarshalBinary()
	id, err := t.round.Create(raw, name)
	if err != nil {
		return InvalidID, err
	}
	if id != InvalidID {
		log.Debugf("txn %s won create of %q with hdr %d", t.id, name, id)
	}

	for id == InvalidID {
		// someone else bound the name first
		if id, err = t.round.LookupName(name); err != nil {
			return InvalidID, err
		}
		_, err = t.Lock(id)
		if err == nil {
			// the winner committed, we hold its object now
			log.Debugf("txn %s lost create of %q to hdr %d", t.id, name, id)
			return InvalidID, nil
		}
		if !errors.Is(err, ErrNonExistentObjectID) {
			return InvalidID, err
		}
		// the winner aborted, try again
		log.Debugf("txn %s retries create of %q", t.id, name)
		if id, err = t.round.Create(raw, name); err != nil {
			return InvalidID, err
		}
	}

	payloadID, err := t.round.Create(payload, "")
	if err != nil {
		return InvalidID, errors.CombineErrors(err, t.round.Abort())
	}
	hdr.PayloadID = payloadID
	raw, _ = hdr.MarshalBinary()
	t.round.Write(id, raw)

	// commit the partial create right away, concurrent creators wait on the header
	if err := t.round.Commit(); err != nil {
		return InvalidID, errors.Wrapf(err, "txn %s: commit of partial create", t.id)
	}
	t.locked[id] = payload
	t.created[id] = struct{}{}
	return id, nil
}

// Destroy marks an object for deletion at commit. Objects that are an
// uncommitted create of another transaction do not exist yet; destroying them is a no-op.
func (t *Transaction) Destroy(id ObjectID) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if id == InvalidID {
		return errors.Wrap(ErrNonExistentObjectID, "destroy of invalid id")
	}
	if _, ok := t.locked[id]; !ok {
		hdr, err := t.readHeader(id)
		t.round.Forget(id)
		if err != nil {
			return err
		}
		if hdr.CreateNotCommitted && hdr.Owner != t.id {
			return nil
		}
	}
	t.deleted[id] = struct{}{}
	return nil
}

// Peek reads an object without locking it. It returns nil for objects deleted in
// this transaction and for uncommitted creates of other transactions.
func (t *Transaction) Peek(id ObjectID) ([]byte, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	if id == InvalidID {
		return nil, errors.Wrap(ErrNonExistentObjectID, "peek of invalid id")
	}
	if _, ok := t.deleted[id]; ok {
		return nil, nil
	}
	if payload, ok := t.locked[id]; ok {
		return payload, nil
	}

	hdr, err := t.readHeader(id)
	t.round.Forget(id)
	if err != nil {
		return nil, err
	}
	if hdr.CreateNotCommitted && hdr.Owner != t.id {
		log.Debugf("txn %s peeked partial create %d", t.id, id)
		return nil, nil
	}
	payload, err := t.round.Read(hdr.PayloadID)
	t.round.Forget(hdr.PayloadID)
	return payload, err
}

// Lock acquires the object and returns its working copy. The slice is owned by the
// transaction: changes made to it are written at commit, as are payloads set with
// Write. Lock blocks while another live transaction owns the object and fails with
// ErrDeadlock when the transaction runs out of time or is interrupted while waiting.
func (t *Transaction) Lock(id ObjectID) ([]byte, error) {
	payload, _, err := t.lock(id, true)
	return payload, err
}

// TryLock is Lock without blocking: acquired is false if Lock would have to wait.
func (t *Transaction) TryLock(id ObjectID) (payload []byte, acquired bool, err error) {
	return t.lock(id, false)
}

// Write replaces the working copy of an object held by the transaction
func (t *Transaction) Write(id ObjectID, payload []byte) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if _, ok := t.deleted[id]; ok {
		return errors.Wrapf(ErrNonExistentObjectID, "write of object %d deleted in this transaction", id)
	}
	if _, ok := t.locked[id]; !ok {
		return errors.Wrapf(ErrNotLocked, "write of object %d", id)
	}
	if payload == nil {
		payload = []byte{}
	}
	t.locked[id] = payload
	return nil
}

func (t *Transaction) lock(id ObjectID, block bool) ([]byte, bool, error) {
	if err := t.checkActive(); err != nil {
		return nil, false, err
	}
	if id == InvalidID {
		return nil, false, errors.Wrap(ErrNonExistentObjectID, "lock of invalid id")
	}
	if _, ok := t.deleted[id]; ok {
		return nil, true, nil
	}
	if payload, ok := t.locked[id]; ok {
		return payload, true, nil
	}
	return t.acquire(id, block)
}

// acquire runs the lock protocol for an object not held by the transaction
func (t *Transaction) acquire(id ObjectID, block bool) ([]byte, bool, error) {
	if err := t.round.Lock(id); err != nil {
		return nil, false, err
	}
	hdr, err := t.readHeader(id)
	if err != nil {
		return nil, false, errors.CombineErrors(err, t.round.Release(id))
	}

	for !hdr.Free {
		now := nowMillis()

		if now > t.deadline {
			log.Warningf("txn %s out of time for %d %s", t.id, id, hdr)
			return nil, false, t.deadlock("out of time", id)
		}

		if now > hdr.CurrentDeadline {
			// keep hdr.Free untouched, a deadline-abort below may still need it
			t.reg.RequestTimeoutInterrupt(hdr.Owner)
			staleLockGrabsTotal.Inc()
			log.Warningf("txn %s grabbing stale lock %d %s", t.id, id, hdr)
			break
		}

		if !block {
			log.Debugf("txn %s would block on %d", t.id, id)
			return nil, false, t.round.Release(id)
		}

		if t.interrupted.Load() {
			log.Debugf("txn %s interrupted while about to wait on %d", t.id, id)
			return nil, false, t.deadlock("interrupted", id)
		}

		if hdr.youngerThan(t.initialAttemptTime, t.tiebreaker) {
			log.Debugf("txn %s pulling seniority on %d %s", t.id, id, hdr)
			t.reg.RequestTimestampInterrupt(hdr.Owner)
		}

		if !hdr.hasListener(t.id) {
			hdr.addListener(t.id)
			raw, _ := hdr.MarshalBinary()
			t.round.Write(id, raw)
			err = t.round.Commit()
		} else {
			err = t.round.Abort()
		}
		if err != nil {
			return nil, false, t.storeFailure(err, id)
		}

		lockWaitsTotal.Inc()
		t.waitForWakeup(t.wakeupAt(hdr))

		if err := t.round.Lock(id); err != nil {
			return nil, false, t.storeFailure(err, id)
		}
		t.round.Forget(id)
		if hdr, err = t.readHeader(id); err != nil {
			return nil, false, errors.CombineErrors(err, t.round.Release(id))
		}
	}

	if hdr.CreateNotCommitted {
		// the creator is gone without commit or abort, remove what it left behind
		log.Warningf("txn %s found partial create %d, scrubbing", t.id, id)
		if err := t.round.Destroy(hdr.PayloadID); err != nil {
			return nil, false, t.storeFailure(err, id)
		}
		if err := t.round.Destroy(id); err != nil {
			return nil, false, t.storeFailure(err, id)
		}
		if err := t.round.Commit(); err != nil {
			return nil, false, t.storeFailure(err, id)
		}
		return nil, false, errors.Wrapf(ErrNonExistentObjectID, "object %d was never committed", id)
	}

	if nowMillis() > t.deadline {
		log.Warningf("txn %s is past its deadline for %d", t.id, id)
		if !hdr.Free {
			// the lock was seized from a stale holder, hand it back as free
			listeners := hdr.release()
			raw, _ := hdr.MarshalBinary()
			t.round.Write(id, raw)
			if err := t.round.Commit(); err != nil {
				log.Errorf("txn %s failed to free seized lock %d: %v", t.id, id, err)
			} else {
				t.reg.NotifyAvailabilityListeners(without(listeners, t.id))
			}
		}
		return nil, false, t.deadlock("deadline passed", id)
	}

	hdr.takeOwnership(t)
	raw, _ := hdr.MarshalBinary()
	t.round.Write(id, raw)
	payload, err := t.round.Read(hdr.PayloadID)
	if err != nil {
		return nil, false, errors.CombineErrors(err, t.round.Abort())
	}
	if err := t.round.Commit(); err != nil {
		return nil, false, t.storeFailure(err, id)
	}
	t.locked[id] = payload
	return payload, true, nil
}

// wakeupAt is the first instant at which the lock on hdr is stale or the
// transaction is out of time, both checks are strict comparisons
func (t *Transaction) wakeupAt(hdr *ObjectHeader) int64 {
	return min(hdr.CurrentDeadline, t.deadline) + 1
}

// waitForWakeup blocks until the transaction is notified or interrupted, or until deadline (unix ms)
func (t *Transaction) waitForWakeup(deadline int64) {
	wait := time.Duration(deadline-nowMillis()) * time.Millisecond
	if wait <= 0 {
		return
	}
	start := time.Now()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-t.wake:
	case <-timer.C:
	}
	lockWaitSeconds.UpdateDuration(start)
}

// signal wakes the transaction if it waits, otherwise the next wait returns at once
func (t *Transaction) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// TimestampInterrupt asks the transaction to abort at its next blocking point.
// It is safe to call from any goroutine.
func (t *Transaction) TimestampInterrupt() {
	timestampInterruptsTotal.Inc()
	t.interrupted.Store(true)
	t.signal()
}

// deadlock aborts the transaction and returns the ErrDeadlock the caller has to retry on
func (t *Transaction) deadlock(reason string, id ObjectID) error {
	deadlocksTotal.Inc()
	err := errors.Wrapf(ErrDeadlock, "txn %s %s on object %d", t.id, reason, id)
	if abortErr := t.Abort(); abortErr != nil {
		err = errors.CombineErrors(err, abortErr)
	}
	return err
}

// storeFailure aborts the attempt after the raw store failed in the middle of the
// lock protocol. The error is not retried.
func (t *Transaction) storeFailure(err error, id ObjectID) error {
	log.Errorf("txn %s: raw store failure on object %d: %v", t.id, id, err)
	err = errors.Wrapf(err, "txn %s: object %d", t.id, id)
	if abortErr := t.Abort(); abortErr != nil {
		err = errors.CombineErrors(err, abortErr)
	}
	return err
}

func (t *Transaction) readHeader(id ObjectID) (*ObjectHeader, error) {
	raw, err := t.round.Read(id)
	if err != nil {
		return nil, err
	}
	hdr := &ObjectHeader{}
	if err := hdr.UnmarshalBinary(raw); err != nil {
		return nil, errors.Wrapf(err, "object %d", id)
	}
	return hdr, nil
}

// ownedHeader locks and reads the header of id, ok is false if the header is gone
// or no longer owned by the transaction (seized after the deadline passed).
func (t *Transaction) ownedHeader(id ObjectID) (*ObjectHeader, bool, error) {
	if err := t.round.Lock(id); err != nil {
		return nil, false, err
	}
	hdr, err := t.readHeader(id)
	if errors.Is(err, ErrNonExistentObjectID) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return hdr, !hdr.Free && hdr.Owner == t.id, nil
}

// Commit makes all changes of the attempt durable in one raw round, frees every
// held object and wakes the transactions waiting for them. A committed transaction
// can not be started again.
//
// Objects destroyed without being locked are locked first; if that fails with
// ErrDeadlock the transaction has aborted.
func (t *Transaction) Commit() error {
	if err := t.checkActive(); err != nil {
		return err
	}

	for id := range t.deleted {
		if _, held := t.locked[id]; held {
			continue
		}
		if _, _, err := t.acquire(id, true); err != nil {
			if errors.Is(err, ErrNonExistentObjectID) {
				// gone already, nothing left to destroy
				delete(t.deleted, id)
				continue
			}
			if t.active {
				err = errors.CombineErrors(err, t.Abort())
			}
			return err
		}
	}

	listeners := make(map[TxnID]struct{})
	collect := func(ids []TxnID) {
		for _, l := range ids {
			listeners[l] = struct{}{}
		}
	}

	// a lock that was seized after our deadline passed means the attempt is lost
	headers := make(map[ObjectID]*ObjectHeader, len(t.locked))
	for _, id := range sortedIDs(t.locked) {
		hdr, owned, err := t.ownedHeader(id)
		if err != nil {
			return t.storeFailure(err, id)
		}
		if !owned {
			log.Warningf("txn %s lost object %d before commit", t.id, id)
			if err := t.round.Abort(); err != nil {
				log.Errorf("txn %s: %v", t.id, err)
			}
			return t.deadlock("lost lock", id)
		}
		headers[id] = hdr
	}

	for id := range t.deleted {
		hdr := headers[id]
		collect(hdr.release())
		var err error
		if err = t.round.Destroy(hdr.PayloadID); err == nil {
			err = t.round.Destroy(id)
		}
		if err != nil {
			return t.storeFailure(err, id)
		}
		delete(headers, id)
		log.Debugf("txn %s commit-delete %d", t.id, id)
	}

	for id, hdr := range headers {
		collect(hdr.release())
		hdr.CreateNotCommitted = false
		raw, _ := hdr.MarshalBinary()
		t.round.Write(id, raw)
		t.round.Write(hdr.PayloadID, t.locked[id])
	}

	if err := t.round.Commit(); err != nil {
		log.Errorf("txn %s: raw commit failed: %v", t.id, err)
		return errors.CombineErrors(errors.Wrapf(err, "txn %s: commit", t.id), t.Abort())
	}

	t.finish(listeners)
	t.deadline = committedDeadline
	commitsTotal.Inc()
	return nil
}

// Abort undoes the attempt: partial creates are removed, objects marked for
// deletion and all other held objects are freed unchanged. The transaction can be
// started again afterwards.
//
// Raw store failures are logged and cleanup continues; the first one is returned.
func (t *Transaction) Abort() error {
	if err := t.checkActive(); err != nil {
		return err
	}

	listeners := make(map[TxnID]struct{})
	var firstErr error
	fail := func(id ObjectID, err error) {
		log.Errorf("txn %s: abort of object %d: %v", t.id, id, err)
		if firstErr == nil {
			firstErr = errors.Wrapf(err, "txn %s: abort of object %d", t.id, id)
		}
	}

	// created objects are in t.locked too; deleted objects are only restored if
	// held, which also puts them in t.locked
	for _, id := range sortedIDs(t.locked) {
		hdr, owned, err := t.ownedHeader(id)
		if err != nil {
			fail(id, err)
			continue
		}
		if !owned {
			continue
		}
		for _, l := range hdr.release() {
			listeners[l] = struct{}{}
		}
		if _, created := t.created[id]; created {
			if err = t.round.Destroy(hdr.PayloadID); err == nil {
				err = t.round.Destroy(id)
			}
			if err != nil {
				fail(id, err)
			}
			continue
		}
		raw, _ := hdr.MarshalBinary()
		t.round.Write(id, raw)
	}

	if err := t.round.Commit(); err != nil {
		fail(InvalidID, err)
	}

	t.finish(listeners)
	abortsTotal.Inc()
	return firstErr
}

// finish clears the attempt state, deregisters and wakes the listeners
func (t *Transaction) finish(listeners map[TxnID]struct{}) {
	clear(t.locked)
	clear(t.created)
	clear(t.deleted)
	t.active = false
	t.reg.DeregisterActiveTransaction(t)

	delete(listeners, t.id)
	if len(listeners) > 0 {
		ids := make([]TxnID, 0, len(listeners))
		for l := range listeners {
			ids = append(ids, l)
		}
		t.reg.NotifyAvailabilityListeners(ids)
	}
}

// sortedIDs returns the keys of m in ascending order. Raw record locks of several
// objects are always taken in this order.
func sortedIDs[V any](m map[ObjectID]V) []ObjectID {
	ids := make([]ObjectID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func without(ids []TxnID, id TxnID) []TxnID {
	out := make([]TxnID, 0, len(ids))
	for _, l := range ids {
		if l != id {
			out = append(out, l)
		}
	}
	return out
}
