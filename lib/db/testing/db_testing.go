package testing

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/hKV/lib/db"
)

// DBFactory is a function that creates a new instance of a KVDB implementation
type DBFactory func() db.KVDB

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Upsert&Read", func(t *testing.T) {
			testUpsertRead(t, factory())
		})

		t.Run("ReadNeverWritten", func(t *testing.T) {
			testReadNeverWritten(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("RMW", func(t *testing.T) {
			testRMW(t, factory())
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("CollisionHandling", func(t *testing.T) {
			testCollisionHandling(t, factory())
		})

		t.Run("ConcurrentSameKey", func(t *testing.T) {
			testConcurrentSameKey(t, factory())
		})

		t.Run("ConcurrentRMW", func(t *testing.T) {
			testConcurrentRMW(t, factory())
		})

		t.Run("Checkpoint", func(t *testing.T) {
			testCheckpoint(t, factory())
		})

		t.Run("SessionLifecycle", func(t *testing.T) {
			testSessionLifecycle(t, factory())
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

// newSession opens a session that is closed when the test ends
func newSession(t testing.TB, database db.KVDB) db.Session {
	s, err := database.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// readString reads key and reports whether it exists
func readString(t testing.TB, s db.Session, key string) ([]byte, bool) {
	value, err := s.Read([]byte(key))
	if errors.Is(err, db.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		t.Errorf("Unexpected error reading %s: %v", key, err)
		return nil, false
	}
	return value, true
}

// incr is an UpdateFunc that increments a little endian uint64 counter
func incr(old []byte, exists bool) []byte {
	var n uint64
	if exists && len(old) == 8 {
		n = binary.LittleEndian.Uint64(old)
	}
	return binary.LittleEndian.AppendUint64(nil, n+1)
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testUpsertRead(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureUpsert|db.FeatureRead)
	s := newSession(t, database)

	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	if err := s.Upsert([]byte(testKey), testValue1); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	result, exists := readString(t, s, testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Upsert", testKey)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	if err := s.Upsert([]byte(testKey), testValue2); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	result, exists = readString(t, s, testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Upsert", testKey)
	}
	if !bytes.Equal(result, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, result)
	}

	retrievedValue, _ := readString(t, s, testKey)
	retrievedValue[0] = 'X'

	originalValue, _ := readString(t, s, testKey)
	if bytes.Equal(retrievedValue, originalValue) {
		t.Errorf("Read should return a copy, not a reference to the stored value")
	}

	// a longer value than the current one
	updatedValue := bytes.Repeat([]byte("updated-value"), 20)
	if err := s.Upsert([]byte(testKey), updatedValue); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	result, exists = readString(t, s, testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after update", testKey)
	}
	if !bytes.Equal(result, updatedValue) {
		t.Errorf("Expected updated value %s, got %s", updatedValue, result)
	}
}

func testReadNeverWritten(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureUpsert|db.FeatureRead)
	s := newSession(t, database)

	for i := 0; i < 100; i++ {
		if err := s.Upsert([]byte(fmt.Sprintf("written-%d", i)), []byte("v")); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	for i := 0; i < 100; i++ {
		_, err := s.Read([]byte(fmt.Sprintf("never-written-%d", i)))
		if !errors.Is(err, db.ErrNotFound) {
			t.Errorf("Expected ErrNotFound for a key that was never written, got %v", err)
		}
	}
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureUpsert|db.FeatureRead|db.FeatureDelete)
	s := newSession(t, database)

	testKey := []byte("delete-test-key")
	testValue := []byte("delete-test-value")

	if err := s.Upsert(testKey, testValue); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if _, exists := readString(t, s, string(testKey)); !exists {
		t.Errorf("Expected key %s to exist after Upsert", testKey)
	}

	if err := s.Delete(testKey); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, exists := readString(t, s, string(testKey)); exists {
		t.Errorf("Expected key %s to not exist after Delete", testKey)
	}

	// deleting twice or deleting an absent key is not an error
	if err := s.Delete(testKey); err != nil {
		t.Errorf("Second Delete failed: %v", err)
	}
	if err := s.Delete([]byte("nonexistent-key")); err != nil {
		t.Errorf("Delete of an absent key failed: %v", err)
	}

	// tombstones do not block reuse of the key
	if err := s.Upsert(testKey, []byte("reborn")); err != nil {
		t.Fatalf("Upsert after Delete failed: %v", err)
	}
	result, exists := readString(t, s, string(testKey))
	if !exists || !bytes.Equal(result, []byte("reborn")) {
		t.Errorf("Expected reborn value after Delete and Upsert, got %s (exists=%v)", result, exists)
	}
}

func testRMW(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureRMW|db.FeatureRead|db.FeatureDelete)
	s := newSession(t, database)

	key := []byte("rmw-counter")
	for i := 1; i <= 10; i++ {
		value, err := s.RMW(key, incr)
		if err != nil {
			t.Fatalf("RMW failed: %v", err)
		}
		if got := binary.LittleEndian.Uint64(value); got != uint64(i) {
			t.Errorf("Expected counter %d, got %d", i, got)
		}
	}

	// the updater sees exists=false for deleted keys
	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	value, err := s.RMW(key, func(old []byte, exists bool) []byte {
		if exists {
			return []byte("unexpected")
		}
		return []byte("fresh")
	})
	if err != nil {
		t.Fatalf("RMW failed: %v", err)
	}
	if !bytes.Equal(value, []byte("fresh")) {
		t.Errorf("Expected fresh value after Delete, got %s", value)
	}

	// a growing value can not be updated in place
	appendKey := []byte("rmw-append")
	for i := 0; i < 50; i++ {
		if _, err := s.RMW(appendKey, func(old []byte, _ bool) []byte { return append(old, 'x') }); err != nil {
			t.Fatalf("RMW failed: %v", err)
		}
	}
	result, _ := readString(t, s, string(appendKey))
	if !bytes.Equal(result, bytes.Repeat([]byte("x"), 50)) {
		t.Errorf("Expected 50 x, got %q", result)
	}
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureUpsert|db.FeatureRead)
	s := newSession(t, database)

	if err := s.Upsert(nil, []byte("value")); !errors.Is(err, db.ErrEmptyKey) {
		t.Errorf("Expected ErrEmptyKey for an empty key, got %v", err)
	}
	if _, err := s.Read([]byte{}); !errors.Is(err, db.ErrEmptyKey) {
		t.Errorf("Expected ErrEmptyKey for an empty key, got %v", err)
	}

	emptyValueKey := []byte("empty-value-key")
	if err := s.Upsert(emptyValueKey, []byte{}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	result, exists := readString(t, s, string(emptyValueKey))
	if !exists {
		t.Errorf("Key for empty value not found after Upsert")
	} else if len(result) != 0 {
		t.Errorf("Empty value mismatch: %v", result)
	}

	nilValueKey := []byte("nil-value-key")
	if err := s.Upsert(nilValueKey, nil); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	result, exists = readString(t, s, string(nilValueKey))
	if !exists {
		t.Errorf("Key for nil value not found after Upsert")
	} else if len(result) != 0 {
		t.Errorf("Nil value resulted in non-empty value: %v", result)
	}

	binaryKey := []byte{0, 1, 2, 0, 255}
	if err := s.Upsert(binaryKey, []byte("binary")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	result, exists = readString(t, s, string(binaryKey))
	if !exists || !bytes.Equal(result, []byte("binary")) {
		t.Errorf("Binary key mismatch: %s (exists=%v)", result, exists)
	}

	largeKey := bytes.Repeat([]byte("k"), 1000)
	if err := s.Upsert(largeKey, []byte("value for large key")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	result, exists = readString(t, s, string(largeKey))
	if !exists || !bytes.Equal(result, []byte("value for large key")) {
		t.Errorf("Value mismatch for large key")
	}

	// values that exceed what the engine can store are rejected, not truncated
	hugeValue := make([]byte, 64*1024*1024)
	if err := s.Upsert([]byte("huge"), hugeValue); err != nil {
		if !errors.Is(err, db.ErrRecordTooLarge) {
			t.Errorf("Expected ErrRecordTooLarge, got %v", err)
		}
		if _, exists := readString(t, s, "huge"); exists {
			t.Errorf("Rejected record must not be visible")
		}
	}
}

func testCollisionHandling(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureUpsert|db.FeatureRead|db.FeatureDelete)
	s := newSession(t, database)

	prefix := "collision-test-"
	numKeys := 5000

	for i := 0; i < numKeys; i++ {
		key := []byte(fmt.Sprintf("%s%d", prefix, i))
		if err := s.Upsert(key, []byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		expectedValue := []byte(fmt.Sprintf("value-%d", i))

		actualValue, exists := readString(t, s, key)
		if !exists {
			t.Errorf("Key %s not found", key)
			continue
		}
		if !bytes.Equal(actualValue, expectedValue) {
			t.Errorf("Value for key %s does not match: expected %s, got %s", key, expectedValue, actualValue)
		}
	}

	for i := 0; i < numKeys; i += 2 {
		if err := s.Delete([]byte(fmt.Sprintf("%s%d", prefix, i))); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
	}

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		_, exists := readString(t, s, key)
		if i%2 == 0 && exists {
			t.Errorf("Key %s should be deleted", key)
		}
		if i%2 == 1 && !exists {
			t.Errorf("Key %s should still exist", key)
		}
	}
}

// testConcurrentSameKey lets many sessions overwrite one key. Every upsert either
// commits or fails with ErrConflictExceeded, the final value is one of the
// committed values.
func testConcurrentSameKey(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureUpsert|db.FeatureRead)

	const numWorkers, perWorker = 8, 500
	key := []byte("contended-key")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed = make(map[string]bool)
		failures  atomic.Int64
	)
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func(w int) {
			defer wg.Done()
			s, err := database.NewSession()
			if err != nil {
				t.Errorf("NewSession failed: %v", err)
				return
			}
			defer s.Close()

			for i := 0; i < perWorker; i++ {
				value := fmt.Sprintf("w%d-%d", w, i)
				err := s.Upsert(key, []byte(value))
				switch {
				case err == nil:
					mu.Lock()
					committed[value] = true
					mu.Unlock()
				case errors.Is(err, db.ErrConflictExceeded):
					failures.Add(1)
				default:
					t.Errorf("Unexpected Upsert error: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	if len(committed)+int(failures.Load()) != numWorkers*perWorker {
		t.Errorf("Lost upserts: %d committed, %d failed, %d attempted",
			len(committed), failures.Load(), numWorkers*perWorker)
	}

	s := newSession(t, database)
	final, exists := readString(t, s, string(key))
	if !exists {
		t.Fatalf("Contended key vanished")
	}
	if !committed[string(final)] {
		t.Errorf("Final value %s was never committed", final)
	}
}

// testConcurrentRMW increments one counter from many sessions, no increment may
// get lost
func testConcurrentRMW(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureRMW|db.FeatureRead)

	const numWorkers, perWorker = 8, 500
	key := []byte("shared-counter")

	var (
		wg        sync.WaitGroup
		committed atomic.Int64
	)
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			s, err := database.NewSession()
			if err != nil {
				t.Errorf("NewSession failed: %v", err)
				return
			}
			defer s.Close()

			for i := 0; i < perWorker; i++ {
				_, err := s.RMW(key, incr)
				switch {
				case err == nil:
					committed.Add(1)
				case errors.Is(err, db.ErrConflictExceeded):
				default:
					t.Errorf("Unexpected RMW error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	s := newSession(t, database)
	value, exists := readString(t, s, string(key))
	if !exists {
		t.Fatalf("Counter vanished")
	}
	if got := binary.LittleEndian.Uint64(value); got != uint64(committed.Load()) {
		t.Errorf("Counter is %d, but %d increments committed", got, committed.Load())
	}
}

func testCheckpoint(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureCheckpoint|db.FeatureUpsert|db.FeatureRead)
	s := newSession(t, database)

	for i := 0; i < 1000; i++ {
		if err := s.Upsert([]byte(fmt.Sprintf("ckpt-%d", i)), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	token, err := database.Checkpoint(context.Background())
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if token == "" {
		t.Errorf("Checkpoint returned an empty token")
	}

	// the engine keeps working after a checkpoint
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("ckpt-%d", i)
		value, exists := readString(t, s, key)
		if !exists || !bytes.Equal(value, []byte(fmt.Sprintf("v%d", i))) {
			t.Errorf("Key %s lost after checkpoint", key)
		}
	}
	if err := s.Upsert([]byte("ckpt-0"), []byte("after")); err != nil {
		t.Errorf("Upsert after checkpoint failed: %v", err)
	}

	second, err := database.Checkpoint(context.Background())
	if err != nil {
		t.Fatalf("Second checkpoint failed: %v", err)
	}
	if second == token {
		t.Errorf("Checkpoint tokens must be unique")
	}
}

func testSessionLifecycle(t *testing.T, database db.KVDB) {
	s, err := database.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := s.Upsert([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := s.Read([]byte("k")); !errors.Is(err, db.ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}

	other, err := database.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Errorf("Close of the database failed: %v", err)
	}
	if err := other.Upsert([]byte("k"), []byte("v")); err == nil {
		t.Errorf("Expected an error on a closed database")
	}
	if _, err := database.NewSession(); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func testRealisticUsage(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureUpsert|db.FeatureRead|db.FeatureDelete)

	type operation struct {
		op    string
		key   string
		value []byte
	}

	numOperations := 10_000
	operations := make([]operation, numOperations)

	for i := 0; i < numOperations; i++ {
		var op string
		switch i % 10 {
		case 0, 1, 2, 3, 4, 5, 6:
			op = "upsert"
		case 7, 8:
			op = "read"
		case 9:
			op = "delete"
		}

		var key string
		if i%5 == 0 {
			key = fmt.Sprintf("hot-key-%d", i%50)
		} else {
			key = fmt.Sprintf("key-%d", i)
		}

		var value []byte
		if op == "upsert" {
			valueSize := 64
			if i%10 == 0 {
				valueSize = 1024
			}
			value = make([]byte, valueSize)
			for j := 0; j < valueSize; j++ {
				value[j] = byte((i + j) % 256)
			}
		}

		operations[i] = operation{op, key, value}
	}

	allKeys := make(map[string]bool)
	for _, op := range operations {
		allKeys[op.key] = true
	}

	numWorkers := 8
	var wg sync.WaitGroup
	wg.Add(numWorkers)

	var errorCount atomic.Int32
	opsPerWorker := numOperations / numWorkers

	for w := 0; w < numWorkers; w++ {
		go func(workerId int) {
			defer wg.Done()
			s, err := database.NewSession()
			if err != nil {
				errorCount.Add(1)
				return
			}
			defer s.Close()

			start := workerId * opsPerWorker
			end := start + opsPerWorker

			for i := start; i < end; i++ {
				op := operations[i]
				var err error
				switch op.op {
				case "upsert":
					err = s.Upsert([]byte(op.key), op.value)
				case "read":
					_, err = s.Read([]byte(op.key))
				case "delete":
					err = s.Delete([]byte(op.key))
				}
				if err != nil && !errors.Is(err, db.ErrNotFound) && !errors.Is(err, db.ErrConflictExceeded) {
					errorCount.Add(1)
				}
			}
		}(w)
	}

	wg.Wait()

	if n := errorCount.Load(); n > 0 {
		t.Fatalf("Test had %d errors during parallel operations", n)
	}

	// two passes over a quiescent database must agree
	s := newSession(t, database)
	keyValues := make(map[string][]byte)
	for key := range allKeys {
		if value, exists := readString(t, s, key); exists {
			keyValues[key] = value
		}
	}
	for key := range allKeys {
		value, exists := readString(t, s, key)
		expected, existed := keyValues[key]
		if exists != existed {
			t.Errorf("Consistency error: Key %s existence changed between passes", key)
			continue
		}
		if exists && !bytes.Equal(value, expected) {
			t.Errorf("Value mismatch for key %s between verification passes", key)
		}
	}
}
