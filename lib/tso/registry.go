package tso

import (
	"github.com/ValentinKolb/dTSO/lib/dataspace"
	"github.com/ValentinKolb/dTSO/lib/db/util"
	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"sync/atomic"
	"time"
)

// Registry is what a Transaction calls back into. Transactions are referenced by
// id only; ids the registry does not know are ignored, their owner may live in
// another process and will notice through its bounded wait.
type Registry interface {
	RegisterActiveTransaction(t *Transaction)
	DeregisterActiveTransaction(t *Transaction)
	// RequestTimeoutInterrupt is informational, sent when a stale lock of owner is seized
	RequestTimeoutInterrupt(owner TxnID)
	// RequestTimestampInterrupt asks owner to abort at its next blocking point
	RequestTimestampInterrupt(owner TxnID)
	// NotifyAvailabilityListeners wakes the waits of the given transactions
	NotifyAvailabilityListeners(ids []TxnID)
}

// Options configures an ObjectStore. Zero values fall back to the defaults.
type Options struct {
	Timeout    time.Duration // per attempt, default 10s
	MaxRetries uint          // attempts per Run, 0 = unlimited
}

const DefaultTimeout = 10 * time.Second

// ObjectStore hands out transactions on a dataspace and is the Registry they report to.
type ObjectStore struct {
	ds         *dataspace.DataSpace
	timeout    time.Duration
	maxRetries uint

	active     *xsync.MapOf[TxnID, *Transaction]
	tiebreaker atomic.Uint64
}

func NewObjectStore(ds *dataspace.DataSpace, opts Options) *ObjectStore {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	s := &ObjectStore{
		ds:         ds,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		active:     xsync.NewMapOf[TxnID, *Transaction](),
	}
	// random upper half keeps tiebreakers of different processes apart
	s.tiebreaker.Store(util.GenerateSeed() &^ (1<<32 - 1))
	return s
}

// NewTransaction creates a transaction with a fresh seniority pair. The pair never
// changes, so a unit of work has to be retried on the same instance (see Run).
func (s *ObjectStore) NewTransaction() *Transaction {
	return newTransaction(s, s.ds, s.timeout, s.maxRetries, nowMillis(), s.tiebreaker.Add(1))
}

// DataSpace returns the dataspace the object store runs on
func (s *ObjectStore) DataSpace() *dataspace.DataSpace {
	return s.ds
}

// Inspect reads the header of an object outside of any transaction
func (s *ObjectStore) Inspect(id ObjectID) (*ObjectHeader, error) {
	r := s.ds.NewRound()
	defer r.Abort()
	raw, err := r.Read(id)
	if err != nil {
		return nil, err
	}
	hdr := &ObjectHeader{}
	if err := hdr.UnmarshalBinary(raw); err != nil {
		return nil, errors.Wrapf(err, "object %d", id)
	}
	return hdr, nil
}

// ActiveTransactions returns the number of started, not yet finished transactions
func (s *ObjectStore) ActiveTransactions() int {
	return s.active.Size()
}

// --------------------------------------------------------------------------
// Registry Methods (docs see Registry)
// --------------------------------------------------------------------------

func (s *ObjectStore) RegisterActiveTransaction(t *Transaction) {
	s.active.Store(t.id, t)
}

func (s *ObjectStore) DeregisterActiveTransaction(t *Transaction) {
	s.active.Delete(t.id)
}

func (s *ObjectStore) RequestTimeoutInterrupt(owner TxnID) {
	log.Infof("timeout interrupt requested for txn %s", owner)
}

func (s *ObjectStore) RequestTimestampInterrupt(owner TxnID) {
	if t, ok := s.active.Load(owner); ok {
		t.TimestampInterrupt()
	}
}

func (s *ObjectStore) NotifyAvailabilityListeners(ids []TxnID) {
	for _, id := range ids {
		if t, ok := s.active.Load(id); ok {
			t.signal()
		}
	}
}
