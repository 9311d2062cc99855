package tso

import (
	"context"
	"github.com/ValentinKolb/dTSO/lib/dataspace"
	"github.com/ValentinKolb/dTSO/lib/db"
	"github.com/ValentinKolb/dTSO/lib/db/engines/maple"
	"github.com/ValentinKolb/dTSO/lib/store/lstore"
	"github.com/cockroachdb/errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

func newTestObjectStore(timeout time.Duration) *ObjectStore {
	s := lstore.NewLocalStore(func() db.KVDB { return maple.NewMapleDB(nil) })
	ds := dataspace.New(s, dataspace.NewLocalLocker(), dataspace.Options{})
	return NewObjectStore(ds, Options{Timeout: timeout})
}

func mustStart(t *testing.T, txn *Transaction) {
	t.Helper()
	if err := txn.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
}

func mustCommit(t *testing.T, txn *Transaction) {
	t.Helper()
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
}

// createCommitted creates a named object in its own transaction
func createCommitted(t *testing.T, s *ObjectStore, name, payload string) ObjectID {
	t.Helper()
	txn := s.NewTransaction()
	mustStart(t, txn)
	id, err := txn.Create([]byte(payload), name)
	if err != nil || id == InvalidID {
		t.Fatalf("Create(%q) = %d, %v", name, id, err)
	}
	mustCommit(t, txn)
	return id
}

// peek reads an object in a fresh transaction
func peek(t *testing.T, s *ObjectStore, id ObjectID) ([]byte, error) {
	t.Helper()
	txn := s.NewTransaction()
	mustStart(t, txn)
	defer txn.Abort()
	return txn.Peek(id)
}

// waitFor polls cond for up to two seconds
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCreateLockWriteCommit(t *testing.T) {
	s := newTestObjectStore(5 * time.Second)
	id := createCommitted(t, s, "greeting", "hello")

	txn := s.NewTransaction()
	mustStart(t, txn)
	if got, err := txn.Lookup("greeting"); err != nil || got != id {
		t.Fatalf("Lookup() = %d, %v, want %d", got, err, id)
	}
	if got, err := txn.Lookup("missing"); err != nil || got != InvalidID {
		t.Fatalf("Lookup(missing) = %d, %v, want InvalidID", got, err)
	}
	payload, err := txn.Lock(id)
	if err != nil || string(payload) != "hello" {
		t.Fatalf("Lock() = %q, %v", payload, err)
	}
	// locking again hands out the same working copy
	if again, _ := txn.Lock(id); string(again) != "hello" {
		t.Fatalf("second Lock() = %q", again)
	}
	if err := txn.Write(id, []byte("world")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if got, _ := txn.Peek(id); string(got) != "world" {
		t.Errorf("Peek() of held object = %q, want working copy", got)
	}
	mustCommit(t, txn)

	if got, err := peek(t, s, id); err != nil || string(got) != "world" {
		t.Errorf("Peek() after commit = %q, %v", got, err)
	}
	if n := s.ActiveTransactions(); n != 0 {
		t.Errorf("ActiveTransactions() = %d after commit", n)
	}
}

func TestCommittedHeadersAreFree(t *testing.T) {
	s := newTestObjectStore(5 * time.Second)
	id := createCommitted(t, s, "a", "1")

	r := s.ds.NewRound()
	defer r.Abort()
	raw, err := r.Read(id)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	hdr := &ObjectHeader{}
	if err := hdr.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary() error: %v", err)
	}
	if !hdr.Free || hdr.CreateNotCommitted || len(hdr.Listeners) != 0 {
		t.Errorf("header after commit = %s", hdr)
	}
}

func TestTransactionState(t *testing.T) {
	s := newTestObjectStore(5 * time.Second)
	txn := s.NewTransaction()

	if _, err := txn.Lock(1); !errors.Is(err, ErrIllegalState) {
		t.Errorf("Lock() before Start = %v, want ErrIllegalState", err)
	}
	if err := txn.Commit(); !errors.Is(err, ErrIllegalState) {
		t.Errorf("Commit() before Start = %v, want ErrIllegalState", err)
	}

	mustStart(t, txn)
	if err := txn.Start(); !errors.Is(err, ErrIllegalState) {
		t.Errorf("second Start() = %v, want ErrIllegalState", err)
	}
	if err := txn.Abort(); err != nil {
		t.Fatalf("Abort() error: %v", err)
	}

	// aborted transactions may start again, committed ones may not
	mustStart(t, txn)
	mustCommit(t, txn)
	if err := txn.Start(); !errors.Is(err, ErrIllegalState) {
		t.Errorf("Start() after Commit = %v, want ErrIllegalState", err)
	}
}

func TestWriteRequiresLock(t *testing.T) {
	s := newTestObjectStore(5 * time.Second)
	id := createCommitted(t, s, "a", "1")

	txn := s.NewTransaction()
	mustStart(t, txn)
	defer txn.Abort()
	if err := txn.Write(id, []byte("2")); !errors.Is(err, ErrNotLocked) {
		t.Errorf("Write() without lock = %v, want ErrNotLocked", err)
	}
	if _, err := txn.Lock(InvalidID); !errors.Is(err, ErrNonExistentObjectID) {
		t.Errorf("Lock(InvalidID) = %v, want ErrNonExistentObjectID", err)
	}
	if _, err := txn.Lock(id + 1000); !errors.Is(err, ErrNonExistentObjectID) {
		t.Errorf("Lock(unknown) = %v, want ErrNonExistentObjectID", err)
	}
}

func TestAbortIsReversible(t *testing.T) {
	s := newTestObjectStore(5 * time.Second)
	id := createCommitted(t, s, "a", "before")

	txn := s.NewTransaction()
	mustStart(t, txn)
	if _, err := txn.Lock(id); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	if err := txn.Write(id, []byte("after")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	created, err := txn.Create([]byte("new"), "b")
	if err != nil || created == InvalidID {
		t.Fatalf("Create() = %d, %v", created, err)
	}
	if err := txn.Destroy(id); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	if err := txn.Abort(); err != nil {
		t.Fatalf("Abort() error: %v", err)
	}

	if got, err := peek(t, s, id); err != nil || string(got) != "before" {
		t.Errorf("Peek() after abort = %q, %v, want before", got, err)
	}
	if _, err := peek(t, s, created); !errors.Is(err, ErrNonExistentObjectID) {
		t.Errorf("Peek() of aborted create = %v, want ErrNonExistentObjectID", err)
	}

	other := s.NewTransaction()
	mustStart(t, other)
	if got, _ := other.Lookup("b"); got != InvalidID {
		t.Errorf("Lookup() of aborted create = %d, want InvalidID", got)
	}
	// the freed object can be locked without waiting
	if _, ok, err := other.TryLock(id); err != nil || !ok {
		t.Errorf("TryLock() after abort = %t, %v", ok, err)
	}
	mustCommit(t, other)
}

func TestDestroy(t *testing.T) {
	s := newTestObjectStore(5 * time.Second)
	id := createCommitted(t, s, "doomed", "x")

	txn := s.NewTransaction()
	mustStart(t, txn)
	// destroy without lock, the object is locked at commit
	if err := txn.Destroy(id); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	if got, err := txn.Peek(id); err != nil || got != nil {
		t.Errorf("Peek() of destroyed object = %q, %v, want nil", got, err)
	}
	if payload, ok, err := txn.TryLock(id); err != nil || !ok || payload != nil {
		t.Errorf("TryLock() of destroyed object = %q, %t, %v", payload, ok, err)
	}
	if err := txn.Write(id, []byte("y")); !errors.Is(err, ErrNonExistentObjectID) {
		t.Errorf("Write() of destroyed object = %v, want ErrNonExistentObjectID", err)
	}
	mustCommit(t, txn)

	if _, err := peek(t, s, id); !errors.Is(err, ErrNonExistentObjectID) {
		t.Errorf("Peek() after destroy = %v, want ErrNonExistentObjectID", err)
	}
	check := s.NewTransaction()
	mustStart(t, check)
	if got, _ := check.Lookup("doomed"); got != InvalidID {
		t.Errorf("Lookup() after destroy = %d, want InvalidID", got)
	}
	// the name is free again
	if got, err := check.Create([]byte("z"), "doomed"); err != nil || got == InvalidID {
		t.Errorf("Create() of freed name = %d, %v", got, err)
	}
	mustCommit(t, check)
}

func TestPartialCreateIsInvisible(t *testing.T) {
	s := newTestObjectStore(5 * time.Second)

	creator := s.NewTransaction()
	mustStart(t, creator)
	id, err := creator.Create([]byte("draft"), "doc")
	if err != nil || id == InvalidID {
		t.Fatalf("Create() = %d, %v", id, err)
	}

	reader := s.NewTransaction()
	mustStart(t, reader)
	if got, err := reader.Peek(id); err != nil || got != nil {
		t.Errorf("Peek() of uncommitted create = %q, %v, want nil", got, err)
	}
	if err := reader.Destroy(id); err != nil {
		t.Errorf("Destroy() of uncommitted create = %v", err)
	}
	if _, ok, err := reader.TryLock(id); err != nil || ok {
		t.Errorf("TryLock() of uncommitted create = %t, %v, want false", ok, err)
	}
	mustCommit(t, reader)

	mustCommit(t, creator)
	if got, err := peek(t, s, id); err != nil || string(got) != "draft" {
		t.Errorf("Peek() after creator commit = %q, %v", got, err)
	}
}

func TestTryLock(t *testing.T) {
	s := newTestObjectStore(5 * time.Second)
	id := createCommitted(t, s, "a", "1")

	holder := s.NewTransaction()
	mustStart(t, holder)
	if _, err := holder.Lock(id); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}

	other := s.NewTransaction()
	mustStart(t, other)
	if payload, ok, err := other.TryLock(id); err != nil || ok || payload != nil {
		t.Fatalf("TryLock() of held object = %q, %t, %v", payload, ok, err)
	}
	if err := holder.Write(id, []byte("2")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	mustCommit(t, holder)

	payload, ok, err := other.TryLock(id)
	if err != nil || !ok || string(payload) != "2" {
		t.Fatalf("TryLock() after release = %q, %t, %v", payload, ok, err)
	}
	mustCommit(t, other)
}

func TestLockWaitsForCommit(t *testing.T) {
	s := newTestObjectStore(5 * time.Second)
	id := createCommitted(t, s, "a", "1")

	holder := s.NewTransaction()
	mustStart(t, holder)
	if _, err := holder.Lock(id); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}

	// the waiter is junior and never interrupts the holder
	waiter := s.NewTransaction()
	mustStart(t, waiter)
	got := make(chan string, 1)
	go func() {
		payload, err := waiter.Lock(id)
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- string(payload)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case v := <-got:
		t.Fatalf("waiter got %q while object was held", v)
	default:
	}
	if err := holder.Write(id, []byte("2")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	mustCommit(t, holder)

	select {
	case v := <-got:
		if v != "2" {
			t.Fatalf("waiter got %q, want 2", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by commit")
	}
	mustCommit(t, waiter)
}

func TestSeniorityInterrupt(t *testing.T) {
	s := newTestObjectStore(5 * time.Second)
	a := createCommitted(t, s, "a", "a0")
	b := createCommitted(t, s, "b", "b0")

	senior := s.NewTransaction()
	junior := s.NewTransaction()

	mustStart(t, junior)
	if _, err := junior.Lock(a); err != nil {
		t.Fatalf("junior Lock(a) error: %v", err)
	}
	mustStart(t, senior)
	if _, err := senior.Lock(b); err != nil {
		t.Fatalf("senior Lock(b) error: %v", err)
	}

	// the senior waits for a and asks the junior to step back
	done := make(chan error, 1)
	go func() {
		_, err := senior.Lock(a)
		done <- err
	}()
	waitFor(t, "timestamp interrupt of junior", junior.interrupted.Load)

	// the junior honors the interrupt at its next blocking point
	if _, err := junior.Lock(b); !errors.Is(err, ErrDeadlock) {
		t.Fatalf("junior Lock(b) = %v, want ErrDeadlock", err)
	}
	if junior.active {
		t.Fatal("junior is still active after ErrDeadlock")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("senior Lock(a) error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("senior was not woken by the junior abort")
	}
	mustCommit(t, senior)

	// the retry keeps its seniority and succeeds
	ia, tb := junior.Seniority()
	mustStart(t, junior)
	if gotIA, gotTB := junior.Seniority(); gotIA != ia || gotTB != tb {
		t.Errorf("seniority changed across retry")
	}
	if _, err := junior.Lock(b); err != nil {
		t.Fatalf("junior retry Lock(b) error: %v", err)
	}
	mustCommit(t, junior)
}

func TestCreateRace(t *testing.T) {
	for _, winnerCommits := range []bool{true, false} {
		t.Run("WinnerCommits="+strconv.FormatBool(winnerCommits), func(t *testing.T) {
			s := newTestObjectStore(5 * time.Second)

			winner := s.NewTransaction()
			mustStart(t, winner)
			wid, err := winner.Create([]byte("winner"), "shared")
			if err != nil || wid == InvalidID {
				t.Fatalf("winner Create() = %d, %v", wid, err)
			}

			loser := s.NewTransaction()
			mustStart(t, loser)
			type result struct {
				id  ObjectID
				err error
			}
			done := make(chan result, 1)
			go func() {
				id, err := loser.Create([]byte("loser"), "shared")
				done <- result{id, err}
			}()

			time.Sleep(20 * time.Millisecond)
			if winnerCommits {
				mustCommit(t, winner)
			} else if err := winner.Abort(); err != nil {
				t.Fatalf("winner Abort() error: %v", err)
			}

			var res result
			select {
			case res = <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("loser Create() did not return")
			}
			if res.err != nil {
				t.Fatalf("loser Create() error: %v", res.err)
			}

			if winnerCommits {
				if res.id != InvalidID {
					t.Fatalf("loser Create() = %d, want InvalidID", res.id)
				}
				// the loser holds the winner's object now
				got, _ := loser.Lookup("shared")
				payload, err := loser.Lock(got)
				if got != wid || err != nil || string(payload) != "winner" {
					t.Fatalf("loser Lookup/Lock = %d %q %v", got, payload, err)
				}
				if tryLockFree(t, s, wid) {
					t.Error("winner's object is not held by the loser")
				}
			} else if res.id == InvalidID {
				t.Fatal("loser Create() lost against an aborted creator")
			}
			mustCommit(t, loser)

			want := "winner"
			if !winnerCommits {
				want = "loser"
			}
			check := s.NewTransaction()
			mustStart(t, check)
			id, _ := check.Lookup("shared")
			if got, err := check.Peek(id); err != nil || string(got) != want {
				t.Errorf("Peek(shared) = %q, %v, want %q", got, err, want)
			}
			mustCommit(t, check)
		})
	}
}

// tryLockFree reports whether a fresh transaction could lock id without waiting
func tryLockFree(t *testing.T, s *ObjectStore, id ObjectID) bool {
	t.Helper()
	txn := s.NewTransaction()
	mustStart(t, txn)
	defer txn.Abort()
	_, ok, err := txn.TryLock(id)
	if err != nil {
		t.Fatalf("TryLock() error: %v", err)
	}
	return ok
}

func TestStaleLockIsSeized(t *testing.T) {
	s := newTestObjectStore(100 * time.Millisecond)
	id := createCommitted(t, s, "a", "1")

	// the holder stops making progress while owning the object
	holder := s.NewTransaction()
	mustStart(t, holder)
	if _, err := holder.Lock(id); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	other := s.NewTransaction()
	mustStart(t, other)
	payload, err := other.Lock(id)
	if err != nil || string(payload) != "1" {
		t.Fatalf("Lock() of stale object = %q, %v", payload, err)
	}
	if err := other.Write(id, []byte("2")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	mustCommit(t, other)

	// the original holder lost the object and must retry
	if err := holder.Commit(); !errors.Is(err, ErrDeadlock) {
		t.Fatalf("Commit() of seized holder = %v, want ErrDeadlock", err)
	}
	if holder.active {
		t.Fatal("holder still active after lost lock")
	}
	if got, _ := peek(t, s, id); string(got) != "2" {
		t.Errorf("Peek() = %q, want 2", got)
	}
}

func TestStalePartialCreateIsScrubbed(t *testing.T) {
	s := newTestObjectStore(100 * time.Millisecond)

	crashed := s.NewTransaction()
	mustStart(t, crashed)
	ghost, err := crashed.Create([]byte("ghost"), "ghost")
	if err != nil || ghost == InvalidID {
		t.Fatalf("Create() = %d, %v", ghost, err)
	}
	time.Sleep(150 * time.Millisecond)

	txn := s.NewTransaction()
	mustStart(t, txn)
	id, _ := txn.Lookup("ghost")
	if id != ghost {
		t.Fatalf("Lookup() = %d, want %d", id, ghost)
	}
	if _, err := txn.Lock(id); !errors.Is(err, ErrNonExistentObjectID) {
		t.Fatalf("Lock() of stale partial create = %v, want ErrNonExistentObjectID", err)
	}
	if got, _ := txn.Lookup("ghost"); got != InvalidID {
		t.Fatalf("Lookup() after scrub = %d, want InvalidID", got)
	}
	id, err = txn.Create([]byte("real"), "ghost")
	if err != nil || id == InvalidID {
		t.Fatalf("Create() after scrub = %d, %v", id, err)
	}
	mustCommit(t, txn)
}

func TestOutOfTime(t *testing.T) {
	s := newTestObjectStore(time.Second)
	id := createCommitted(t, s, "a", "1")

	holder := s.NewTransaction()
	waiter := s.NewTransaction()
	mustStart(t, holder)
	if _, err := holder.Lock(id); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}

	mustStart(t, waiter)
	waiter.deadline = nowMillis() + 50
	start := time.Now()
	if _, err := waiter.Lock(id); !errors.Is(err, ErrDeadlock) {
		t.Fatalf("Lock() past deadline = %v, want ErrDeadlock", err)
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Errorf("waiter gave up only after %s", time.Since(start))
	}
	mustCommit(t, holder)
}

func TestConcurrentCounter(t *testing.T) {
	const workers, increments = 8, 25

	s := newTestObjectStore(2 * time.Second)
	id := createCommitted(t, s, "counter", "0")

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				err := Run(context.Background(), s.NewTransaction(), func(txn *Transaction) error {
					payload, err := txn.Lock(id)
					if err != nil {
						return err
					}
					n, err := strconv.Atoi(string(payload))
					if err != nil {
						return err
					}
					return txn.Write(id, []byte(strconv.Itoa(n+1)))
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Run() error: %v", err)
	}

	got, err := peek(t, s, id)
	if err != nil || string(got) != strconv.Itoa(workers*increments) {
		t.Fatalf("counter = %q, %v, want %d", got, err, workers*increments)
	}
}
