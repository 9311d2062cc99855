package lstore

import (
	"errors"
	"github.com/ValentinKolb/dTSO/lib/db"
	"github.com/ValentinKolb/dTSO/lib/db/engines/leveldb"
	"github.com/ValentinKolb/dTSO/lib/db/engines/maple"
	"github.com/ValentinKolb/dTSO/lib/store"
	"testing"
)

func TestLocalStore(t *testing.T) {
	s := NewLocalStore(func() db.KVDB { return maple.NewMapleDB(nil) })

	if err := s.Set("a", []byte("1")); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.SetIfUnset("a", []byte("2")); err != nil {
		t.Fatalf("SetIfUnset() error: %v", err)
	}
	if v, ok, err := s.Get("a"); err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get(a) = %q, %v, %v; want 1", v, ok, err)
	}

	err := s.Batch([]db.Op{
		{Type: db.OpTDelete, Key: "a"},
		{Type: db.OpTSet, Key: "b", Value: []byte("x")},
	})
	if err != nil {
		t.Fatalf("Batch() error: %v", err)
	}
	if ok, _ := s.Has("a"); ok {
		t.Errorf("a still present after batch delete")
	}
	if v, ok, _ := s.Get("b"); !ok || string(v) != "x" {
		t.Errorf("Get(b) = %q, %v; want x", v, ok)
	}

	if err := s.Batch(nil); err != nil {
		t.Errorf("empty Batch() error: %v", err)
	}

	// invalid batches are reported as store errors and leave no trace
	err = s.Batch([]db.Op{{Type: db.OpTSet, Key: "c", Value: []byte("y")}, {Type: 99, Key: "d"}})
	var se *store.Error
	if !errors.As(err, &se) || se.Code != store.RetCInternalError {
		t.Fatalf("invalid Batch() error = %v, want store error with code InternalError", err)
	}
	if ok, _ := s.Has("c"); ok {
		t.Errorf("partial batch was applied")
	}

	info, err := s.GetDBInfo()
	if err != nil || info.Keys != 1 {
		t.Errorf("GetDBInfo() = %+v, %v; want 1 key", info, err)
	}
}

func TestLocalStoreContinuesWriteIndex(t *testing.T) {
	dir := t.TempDir()
	open := func() db.KVDB {
		d, err := leveldb.NewLevelDB(leveldb.Options{Path: dir})
		if err != nil {
			t.Fatalf("NewLevelDB() error: %v", err)
		}
		return d
	}

	var engine db.KVDB
	s := NewLocalStore(func() db.KVDB { engine = open(); return engine })
	for i := 0; i < 3; i++ {
		if err := s.Set("k", []byte{byte(i)}); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
	}
	if got := engine.WriteIdx(); got != 3 {
		t.Fatalf("WriteIdx() = %d, want 3", got)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	s = NewLocalStore(func() db.KVDB { engine = open(); return engine })
	defer engine.Close()
	if err := s.Set("k", []byte("again")); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if got := engine.WriteIdx(); got != 4 {
		t.Errorf("WriteIdx() after reopen = %d, want 4", got)
	}
}
