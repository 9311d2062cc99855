package tso

import (
	"github.com/ValentinKolb/dTSO/lib/dataspace"
	"github.com/ValentinKolb/dTSO/lib/db"
	"github.com/ValentinKolb/dTSO/lib/db/engines/maple"
	"github.com/ValentinKolb/dTSO/lib/store/lstore"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock replaces the wall clock of the package until the test ends
func fakeClock(t *testing.T, start int64) *atomic.Int64 {
	t.Helper()
	now := new(atomic.Int64)
	now.Store(start)
	prev := nowMillis
	nowMillis = now.Load
	t.Cleanup(func() { nowMillis = prev })
	return now
}

// hookedRegistry forwards to an ObjectStore and runs onTimeoutInterrupt when a
// transaction seizes a stale lock
type hookedRegistry struct {
	*ObjectStore
	onTimeoutInterrupt func(owner TxnID)
}

func (r *hookedRegistry) RequestTimeoutInterrupt(owner TxnID) {
	r.ObjectStore.RequestTimeoutInterrupt(owner)
	if r.onTimeoutInterrupt != nil {
		r.onTimeoutInterrupt(owner)
	}
}

func TestDeadlineAbortFreesSeizedLock(t *testing.T) {
	for _, withListener := range []bool{false, true} {
		name := "without listener"
		if withListener {
			name = "with listener"
		}
		t.Run(name, func(t *testing.T) {
			const base = int64(1_000_000)
			clock := fakeClock(t, base)
			s := newTestObjectStore(10 * time.Second)
			id := createCommitted(t, s, "a", "1")

			holder := s.NewTransaction()
			mustStart(t, holder) // deadline base+10000
			if _, err := holder.Lock(id); err != nil {
				t.Fatalf("Lock() error: %v", err)
			}

			clock.Store(base + 1000)
			reg := &hookedRegistry{ObjectStore: s}
			seizer := newTransaction(reg, s.ds, s.timeout, 0, nowMillis(), s.tiebreaker.Add(1))
			mustStart(t, seizer) // deadline base+11000

			var listener *Transaction
			got := make(chan string, 1)
			if withListener {
				clock.Store(base + 5000)
				listener = s.NewTransaction()
				mustStart(t, listener) // deadline base+15000
				go func() {
					payload, err := listener.Lock(id)
					if err != nil {
						got <- "error: " + err.Error()
						return
					}
					got <- string(payload)
				}()
				waitFor(t, "listener registration", func() bool {
					hdr, err := s.Inspect(id)
					return err == nil && hdr.hasListener(listener.ID())
				})
			}

			// the holder is stale, the seizer is not yet out of time; it runs
			// out of time right after deciding to seize
			clock.Store(base + 10001)
			reg.onTimeoutInterrupt = func(TxnID) { clock.Store(base + 11001) }

			if _, err := seizer.Lock(id); !errors.Is(err, ErrDeadlock) {
				t.Fatalf("Lock() = %v, want ErrDeadlock", err)
			}
			if seizer.active {
				t.Error("seizer still active after deadline abort")
			}

			if !withListener {
				hdr, err := s.Inspect(id)
				if err != nil {
					t.Fatalf("Inspect() error: %v", err)
				}
				if !hdr.Free || hdr.Owner != uuid.Nil || len(hdr.Listeners) != 0 {
					t.Errorf("header after deadline abort = %s, want free without listeners", hdr)
				}
				if n := s.ActiveTransactions(); n != 1 {
					t.Errorf("ActiveTransactions() = %d, want only the holder", n)
				}
			} else {
				select {
				case v := <-got:
					if v != "1" {
						t.Fatalf("listener got %q, want 1", v)
					}
				case <-time.After(2 * time.Second):
					t.Fatal("listener was not woken by the deadline abort")
				}
				hdr, err := s.Inspect(id)
				if err != nil {
					t.Fatalf("Inspect() error: %v", err)
				}
				if hdr.Free || hdr.Owner != listener.ID() || len(hdr.Listeners) != 0 {
					t.Errorf("header after wake = %s, want owned by listener", hdr)
				}
				mustCommit(t, listener)
			}

			// the holder lost the object, aborting leaves it alone
			if err := holder.Abort(); err != nil {
				t.Errorf("Abort() of holder error: %v", err)
			}
		})
	}
}

func TestWakeupAtEndsTheWait(t *testing.T) {
	tests := []struct {
		name           string
		holderDeadline int64
		ownDeadline    int64
		want           int64
	}{
		{"holder first", 100, 200, 101},
		{"own first", 300, 200, 201},
		{"same instant", 150, 150, 151},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn := &Transaction{deadline: tt.ownDeadline}
			hdr := &ObjectHeader{CurrentDeadline: tt.holderDeadline}
			at := txn.wakeupAt(hdr)
			if at != tt.want {
				t.Errorf("wakeupAt() = %d, want %d", at, tt.want)
			}
			// at that instant the lock loop leaves through the stale or the out-of-time check
			if !(at > hdr.CurrentDeadline || at > txn.deadline) {
				t.Errorf("wakeupAt() = %d passes neither check", at)
			}
		})
	}
}

// failingLocker fails every record lock while fail is set
type failingLocker struct {
	dataspace.RecordLocker
	fail atomic.Bool
}

func (l *failingLocker) Lock(id dataspace.ID) (func() error, error) {
	if l.fail.Load() {
		return nil, errors.Newf("record lock %d unavailable", id)
	}
	return l.RecordLocker.Lock(id)
}

func TestRelockFailureAbortsWaiter(t *testing.T) {
	locker := &failingLocker{RecordLocker: dataspace.NewLocalLocker()}
	st := lstore.NewLocalStore(func() db.KVDB { return maple.NewMapleDB(nil) })
	s := NewObjectStore(dataspace.New(st, locker, dataspace.Options{}), Options{Timeout: 5 * time.Second})
	id := createCommitted(t, s, "a", "1")

	holder := s.NewTransaction()
	mustStart(t, holder)
	if _, err := holder.Lock(id); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}

	waiter := s.NewTransaction()
	mustStart(t, waiter)
	done := make(chan error, 1)
	go func() {
		_, err := waiter.Lock(id)
		done <- err
	}()
	waitFor(t, "waiter registration", func() bool {
		hdr, err := s.Inspect(id)
		return err == nil && hdr.hasListener(waiter.ID())
	})

	locker.fail.Store(true)
	waiter.signal()
	select {
	case err := <-done:
		if err == nil || errors.Is(err, ErrDeadlock) {
			t.Fatalf("Lock() = %v, want the record lock failure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not return after the record lock failed")
	}
	if waiter.active {
		t.Error("waiter still active after record lock failure")
	}
	if n := s.ActiveTransactions(); n != 1 {
		t.Errorf("ActiveTransactions() = %d, want only the holder", n)
	}

	locker.fail.Store(false)
	mustCommit(t, holder)
}
