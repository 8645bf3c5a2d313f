package testing

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
)

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementations
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {
	b.Run(name, func(b *testing.B) {

		b.Run("Upsert", func(b *testing.B) {
			benchmarkUpsert(b, factory())
		})

		b.Run("UpsertExisting", func(b *testing.B) {
			benchmarkUpsertExisting(b, factory())
		})

		b.Run("UpsertLargeValue", func(b *testing.B) {
			benchmarkUpsertLargeValue(b, factory())
		})

		b.Run("Read", func(b *testing.B) {
			benchmarkRead(b, factory())
		})

		b.Run("Read(not)", func(b *testing.B) {
			benchmarkReadNot(b, factory())
		})

		b.Run("RMW", func(b *testing.B) {
			benchmarkRMW(b, factory())
		})

		b.Run("RMWHotKey", func(b *testing.B) {
			benchmarkRMWHotKey(b, factory())
		})

		b.Run("Delete", func(b *testing.B) {
			benchmarkDelete(b, factory())
		})

		b.Run("MixedUsage", func(b *testing.B) {
			benchmarkMixedUsage(b, factory())
		})

		b.Run("MixedUsageWithCheckpoints", func(b *testing.B) {
			benchmarkMixedUsageWithCheckpoints(b, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// fill writes numKeys keys with a single session
func fill(b *testing.B, database db.KVDB, prefix string, numKeys int) {
	s := newSession(b, database)
	for i := 0; i < numKeys; i++ {
		key := []byte(fmt.Sprintf("%s-%d", prefix, i))
		value := []byte(fmt.Sprintf("test-value-%d", i))
		if err := s.Upsert(key, value); err != nil {
			b.Fatalf("Upsert failed: %v", err)
		}
	}
}

// parallel runs fn for every iteration with one session per goroutine
func parallel(b *testing.B, database db.KVDB, fn func(s db.Session, counter int, rnd *rand.Rand)) {
	var seed atomic.Int64
	seed.Store(time.Now().UnixNano())

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		s, err := database.NewSession()
		if err != nil {
			b.Errorf("NewSession failed: %v", err)
			return
		}
		defer s.Close()

		rnd := rand.New(rand.NewSource(seed.Add(1)))
		counter := 0
		for pb.Next() {
			fn(s, counter, rnd)
			counter++
		}
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Benchmark for Upsert operation of new keys
func benchmarkUpsert(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureUpsert)

	var worker atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		s, err := database.NewSession()
		if err != nil {
			b.Errorf("NewSession failed: %v", err)
			return
		}
		defer s.Close()

		id := worker.Add(1)
		counter := 0
		for pb.Next() {
			key := []byte(fmt.Sprintf("test-key-%d-%d", id, counter))
			value := []byte(fmt.Sprintf("test-value-%d", counter))
			_ = s.Upsert(key, value)
			counter++
		}
	})
}

// Benchmark for Upsert operation with existing keys. Hot keys stay in the mutable
// region and are updated in place.
func benchmarkUpsertExisting(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureUpsert)

	numKeys := 10_000
	fill(b, database, "test-key", numKeys)

	parallel(b, database, func(s db.Session, counter int, _ *rand.Rand) {
		key := []byte(fmt.Sprintf("test-key-%d", counter%numKeys))
		value := []byte(fmt.Sprintf("test-value-%d", counter%numKeys))
		_ = s.Upsert(key, value)
	})
}

// Benchmark for Upsert operation with large values
func benchmarkUpsertLargeValue(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureUpsert)

	largeValue := make([]byte, 16*1024)
	parallel(b, database, func(s db.Session, counter int, rnd *rand.Rand) {
		key := []byte(fmt.Sprintf("test-key-%d", rnd.Int63()))
		_ = s.Upsert(key, largeValue)
	})
}

// Parallel benchmarking for Read operation
func benchmarkRead(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureUpsert|db.FeatureRead)

	numKeys := 10_000
	fill(b, database, "test-key", numKeys)

	parallel(b, database, func(s db.Session, counter int, _ *rand.Rand) {
		_, _ = s.Read([]byte(fmt.Sprintf("test-key-%d", counter%numKeys)))
	})
}

// Parallel benchmarking for Read operation of absent keys
func benchmarkReadNot(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureUpsert|db.FeatureRead)

	numKeys := 10_000
	fill(b, database, "test-key", numKeys)

	parallel(b, database, func(s db.Session, counter int, _ *rand.Rand) {
		_, _ = s.Read([]byte(fmt.Sprintf("other-key-%d", counter%numKeys)))
	})
}

// Benchmark for RMW operation spread over many counters
func benchmarkRMW(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureRMW)

	numKeys := 10_000
	parallel(b, database, func(s db.Session, counter int, rnd *rand.Rand) {
		_, _ = s.RMW([]byte(fmt.Sprintf("counter-%d", rnd.Intn(numKeys))), incr)
	})
}

// Benchmark for RMW operation on a single counter, measures the cost of conflicts
func benchmarkRMWHotKey(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureRMW)

	key := []byte("hot-counter")
	parallel(b, database, func(s db.Session, _ int, _ *rand.Rand) {
		_, _ = s.RMW(key, incr)
	})
}

// Parallel benchmarking for Delete operation
func benchmarkDelete(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureUpsert|db.FeatureDelete)

	numKeys := min(b.N, 100_000)
	fill(b, database, "test-key", numKeys)

	var counter atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		s, err := database.NewSession()
		if err != nil {
			b.Errorf("NewSession failed: %v", err)
			return
		}
		defer s.Close()

		for pb.Next() {
			idx := counter.Add(1) - 1
			_ = s.Delete([]byte(fmt.Sprintf("test-key-%d", idx%int64(numKeys))))
		}
	})
}

// Benchmark with 70% reads, 20% upserts and 10% deletes on a skewed key set
func benchmarkMixedUsage(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureUpsert|db.FeatureRead|db.FeatureDelete)

	numKeys := 50_000
	fill(b, database, "test-mixed-key", numKeys)

	parallel(b, database, func(s db.Session, counter int, rnd *rand.Rand) {
		// every second operation hits the hottest 1% of keys
		idx := rnd.Intn(numKeys)
		if counter%2 == 0 {
			idx %= numKeys / 100
		}
		key := []byte(fmt.Sprintf("test-mixed-key-%d", idx))

		switch p := rnd.Float32(); {
		case p < .7:
			_, _ = s.Read(key)
		case p < .9:
			_ = s.Upsert(key, []byte(fmt.Sprintf("test-mixed-updated-value-%d", counter)))
		default:
			_ = s.Delete(key)
		}
	})
}

// benchmarkMixedUsageWithCheckpoints runs the mixed workload while checkpoints are
// taken in the background
func benchmarkMixedUsageWithCheckpoints(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureUpsert|db.FeatureRead|db.FeatureCheckpoint)

	numKeys := 50_000
	fill(b, database, "test-mixed-key", numKeys)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = database.Checkpoint(ctx)
			}
		}
	}()

	parallel(b, database, func(s db.Session, counter int, rnd *rand.Rand) {
		key := []byte(fmt.Sprintf("test-mixed-key-%d", rnd.Intn(numKeys)))
		if rnd.Float32() < .5 {
			_, _ = s.Read(key)
		} else {
			_ = s.Upsert(key, []byte(fmt.Sprintf("test-mixed-updated-value-%d", counter)))
		}
	})

	b.StopTimer()
	cancel()
	<-done
}
