package testing

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dTSO/lib/db"
)

// DBFactory is a function that creates a new instance of a KVDB implementation
type DBFactory func() db.KVDB

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("Has", func(t *testing.T) {
			testHas(t, factory())
		})

		t.Run("SetIfUnset", func(t *testing.T) {
			testSetIfUnset(t, factory())
		})

		t.Run("Apply", func(t *testing.T) {
			testApply(t, factory())
		})

		t.Run("ApplyIsAtomic", func(t *testing.T) {
			testApplyIsAtomic(t, factory())
		})

		t.Run("WriteIdx", func(t *testing.T) {
			testWriteIdx(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("RealisticUsage", func(t *testing.T) {
			testRealisticUsage(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

// mustNot fails the test on an unexpected error
func mustNot(t testing.TB, err error, op string) {
	t.Helper()
	if err != nil {
		t.Fatalf("Unexpected error during %s: %v", op, err)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)

	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	mustNot(t, database.Set(testKey, testValue1, 1), "Set")

	result, exists := database.Get(testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	mustNot(t, database.Set(testKey, testValue2, 2), "Set")

	result, exists = database.Get(testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}
	if !bytes.Equal(result, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, result)
	}

	_, exists = database.Get("nonexistent-key")
	if exists {
		t.Errorf("Expected nonexistent key to return exists=false")
	}

	retrievedValue, _ := database.Get(testKey)
	retrievedValue[0] = 'X'

	originalValue, _ := database.Get(testKey)
	if bytes.Equal(retrievedValue, originalValue) {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}

	input := []byte("mutable-input")
	mustNot(t, database.Set("input-key", input, 3), "Set")
	input[0] = 'X'
	stored, _ := database.Get("input-key")
	if !bytes.Equal(stored, []byte("mutable-input")) {
		t.Errorf("Set should copy the value, got %s", stored)
	}
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)
	requireFeature(t, database, db.FeatureDelete)

	testKey := "delete-test-key"
	testValue := []byte("delete-test-value")

	mustNot(t, database.Set(testKey, testValue, 1), "Set")

	_, exists := database.Get(testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}

	mustNot(t, database.Delete(testKey, 10), "Delete")

	_, exists = database.Get(testKey)
	if exists {
		t.Errorf("Expected key %s to not exist after Delete", testKey)
	}

	mustNot(t, database.Delete("nonexistent-key", 11), "Delete")
}

func testHas(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureDelete)
	requireFeature(t, database, db.FeatureHas)

	testKey := "has-exists-test-key"
	testValue := []byte("has-exists-test-value")

	if database.Has(testKey) {
		t.Errorf("Expected Has to return false for nonexistent key")
	}

	mustNot(t, database.Set(testKey, testValue, 1), "Set")

	if !database.Has(testKey) {
		t.Errorf("Expected Has to return true after Set")
	}

	mustNot(t, database.Delete(testKey, 2), "Delete")

	if database.Has(testKey) {
		t.Errorf("Expected Has to return false after Delete")
	}
}

func testSetIfUnset(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSetIfUnset)
	requireFeature(t, database, db.FeatureGet)

	testKey := "test-key"
	testValue1 := []byte("test-value")
	testValue2 := []byte("test-value2")

	mustNot(t, database.SetIfUnset(testKey, testValue1, 1), "SetIfUnset")

	result, exists := database.Get(testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after SetIfUnset", testKey)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	mustNot(t, database.SetIfUnset(testKey, testValue2, 2), "SetIfUnset")

	result, _ = database.Get(testKey)
	if !bytes.Equal(result, testValue1) {
		t.Errorf("SetIfUnset must not overwrite: expected %s, got %s", testValue1, result)
	}

	// concurrent claims: exactly one value wins and every claimer sees the same winner
	claimKey := "claim-key"
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = database.SetIfUnset(claimKey, []byte(fmt.Sprintf("claimer-%d", i)), uint64(10+i))
		}(i)
	}
	wg.Wait()

	winner, ok := database.Get(claimKey)
	if !ok {
		t.Fatalf("Expected one claimer to win %s", claimKey)
	}
	for i := 0; i < 4; i++ {
		again, _ := database.Get(claimKey)
		if !bytes.Equal(again, winner) {
			t.Errorf("Winner of %s changed from %s to %s", claimKey, winner, again)
		}
	}
}

func testApply(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureApply)
	requireFeature(t, database, db.FeatureGet)

	mustNot(t, database.Set("to-delete", []byte("x"), 1), "Set")

	ops := []db.Op{
		{Type: db.OpTSet, Key: "a", Value: []byte("1")},
		{Type: db.OpTSet, Key: "b", Value: []byte("2")},
		{Type: db.OpTDelete, Key: "to-delete"},
		{Type: db.OpTSet, Key: "a", Value: []byte("3")}, // later ops win
	}
	mustNot(t, database.Apply(ops, 5), "Apply")

	if v, ok := database.Get("a"); !ok || !bytes.Equal(v, []byte("3")) {
		t.Errorf("Expected a=3 after Apply, got %s (found=%v)", v, ok)
	}
	if v, ok := database.Get("b"); !ok || !bytes.Equal(v, []byte("2")) {
		t.Errorf("Expected b=2 after Apply, got %s (found=%v)", v, ok)
	}
	if _, ok := database.Get("to-delete"); ok {
		t.Errorf("Expected to-delete to be removed by Apply")
	}
	if database.WriteIdx() < 5 {
		t.Errorf("Expected write index >= 5 after Apply, got %d", database.WriteIdx())
	}

	mustNot(t, database.Apply(nil, 6), "Apply(empty)")

	if err := database.Apply([]db.Op{{Type: db.OpType(99), Key: "bad"}}, 7); err == nil {
		t.Errorf("Expected an error for an unknown batch operation")
	}
	if _, ok := database.Get("bad"); ok {
		t.Errorf("A rejected batch must not leave any write behind")
	}
}

// testApplyIsAtomic writes two keys with the same generation in every batch while
// readers check that they never observe a half-applied batch.
func testApplyIsAtomic(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureApply)
	requireFeature(t, database, db.FeatureGet)

	mustNot(t, database.Apply([]db.Op{
		{Type: db.OpTSet, Key: "left", Value: []byte("L0000")},
		{Type: db.OpTSet, Key: "right", Value: []byte("R0000")},
	}, 1), "Apply")

	const rounds = 200
	var torn atomic.Int32
	done := make(chan struct{})
	var wg sync.WaitGroup

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				// left is written before right inside every batch, so reading left
				// first can only see an older right if the batch was torn
				l, _ := database.Get("left")
				r, _ := database.Get("right")
				if len(l) > 0 && len(r) > 0 && string(r[1:]) < string(l[1:]) {
					torn.Add(1)
				}
			}
		}()
	}

	for i := 1; i <= rounds; i++ {
		gen := fmt.Sprintf("%04d", i)
		mustNot(t, database.Apply([]db.Op{
			{Type: db.OpTSet, Key: "left", Value: []byte("L" + gen)},
			{Type: db.OpTSet, Key: "right", Value: []byte("R" + gen)},
		}, uint64(1+i)), "Apply")
	}
	close(done)
	wg.Wait()

	l, _ := database.Get("left")
	r, _ := database.Get("right")
	if string(l[1:]) != string(r[1:]) {
		t.Errorf("Expected matching generations after all batches, got %s and %s", l, r)
	}
	if torn.Load() != 0 {
		t.Errorf("Observed %d torn batches", torn.Load())
	}
}

func testWriteIdx(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)

	mustNot(t, database.Set("k", []byte("v"), 10), "Set")
	if idx := database.WriteIdx(); idx != 10 {
		t.Errorf("Expected write index 10, got %d", idx)
	}

	database.SetWriteIdx(5)
	if idx := database.WriteIdx(); idx != 10 {
		t.Errorf("Write index must be monotonic, got %d after lowering to 5", idx)
	}

	database.SetWriteIdx(42)
	if idx := database.WriteIdx(); idx != 42 {
		t.Errorf("Expected write index 42, got %d", idx)
	}
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	database := factory()
	database2 := factory()

	// close the databases after the test
	defer database.Close()
	defer database2.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)
	requireFeature(t, database, db.FeatureSave)
	requireFeature(t, database, db.FeatureLoad)

	numEntries := 1000
	originalKeys := make([]string, numEntries)
	originalValues := make([][]byte, numEntries)

	for i := 0; i < numEntries; i++ {
		key := fmt.Sprintf("save-load-test-key-%d", i)
		value := []byte(fmt.Sprintf("save-load-test-value-%d", i))
		originalKeys[i] = key
		originalValues[i] = value

		mustNot(t, database.Set(key, value, uint64(i+1)), "Set")
	}

	// stale content in the target must be replaced, not merged
	mustNot(t, database2.Set("stale-key", []byte("stale"), 1), "Set")

	var buf bytes.Buffer
	mustNot(t, database.Save(&buf), "Save")
	mustNot(t, database2.Load(&buf), "Load")

	for i := 0; i < numEntries; i++ {
		key := originalKeys[i]
		expectedValue := originalValues[i]

		actualValue, exists := database2.Get(key)
		if !exists {
			t.Errorf("Key %s not found after Load", key)
			continue
		}
		if !bytes.Equal(actualValue, expectedValue) {
			t.Errorf("Value mismatch for key %s: expected %s, got %s", key, expectedValue, actualValue)
		}
	}

	if _, exists := database2.Get("stale-key"); exists {
		t.Errorf("Load should replace existing content")
	}
	if database2.WriteIdx() != database.WriteIdx() {
		t.Errorf("Expected write index %d after Load, got %d", database.WriteIdx(), database2.WriteIdx())
	}

	if err := database2.Load(bytes.NewReader([]byte("garbage"))); err == nil {
		t.Errorf("Expected Load to reject a corrupt snapshot")
	}
	if _, exists := database2.Get(originalKeys[0]); !exists {
		t.Errorf("A rejected snapshot must leave the database intact")
	}
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)

	emptyValueKey := "empty-value-key"
	mustNot(t, database.Set(emptyValueKey, []byte{}, 1), "Set")

	result, exists := database.Get(emptyValueKey)
	if !exists {
		t.Errorf("Key for empty value not found after Set")
	} else if len(result) != 0 {
		t.Errorf("Empty value mismatch: %v", result)
	}

	nilValueKey := "nil-value-key"
	mustNot(t, database.Set(nilValueKey, nil, 2), "Set")

	result, exists = database.Get(nilValueKey)
	if !exists {
		t.Errorf("Key for nil value not found after Set")
	} else if len(result) != 0 {
		t.Errorf("Nil value resulted in non-empty value: %v", result)
	}

	binaryKey := string([]byte{0, 1, 2, 255})
	mustNot(t, database.Set(binaryKey, []byte("binary"), 3), "Set")
	if v, ok := database.Get(binaryKey); !ok || !bytes.Equal(v, []byte("binary")) {
		t.Errorf("Binary key round trip failed")
	}

	largeValueKey := "large-value-key"
	largeValue := make([]byte, 4*1024*1024)
	for i := range largeValue {
		largeValue[i] = byte(i % 256)
	}
	mustNot(t, database.Set(largeValueKey, largeValue, 4), "Set")

	result, exists = database.Get(largeValueKey)
	if !exists {
		t.Errorf("Key for large value not found after Set")
	} else if !bytes.Equal(result, largeValue) {
		t.Errorf("Large value mismatch (len %d vs %d)", len(result), len(largeValue))
	}
}

func testRealisticUsage(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)
	requireFeature(t, database, db.FeatureDelete)

	numWorkers := 8
	opsPerWorker := 1000
	var errorCount atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		go func(workerId int) {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				// hot keys are shared between workers, private keys are verified afterwards
				hot := fmt.Sprintf("hot-key-%d", i%50)
				private := fmt.Sprintf("key-%d-%d", workerId, i)
				idx := uint64(workerId*opsPerWorker + i + 1)

				var err error
				switch i % 10 {
				case 0, 1, 2, 3, 4, 5:
					err = database.Set(private, []byte(private), idx)
				case 6, 7:
					err = database.Set(hot, []byte(private), idx)
				case 8:
					database.Get(hot)
				case 9:
					err = database.Delete(hot, idx)
				}
				if err != nil {
					errorCount.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()

	if errorCount.Load() > 0 {
		t.Fatalf("Test had %d errors during parallel operations", errorCount.Load())
	}

	for w := 0; w < numWorkers; w++ {
		for i := 0; i < opsPerWorker; i++ {
			if i%10 > 5 {
				continue
			}
			key := fmt.Sprintf("key-%d-%d", w, i)
			value, ok := database.Get(key)
			if !ok {
				t.Errorf("Private key %s lost", key)
				continue
			}
			if !bytes.Equal(value, []byte(key)) {
				t.Errorf("Value mismatch for key %s: %s", key, value)
			}
		}
	}
}
