package larch

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/engines/maple"
	dbtesting "github.com/ValentinKolb/hKV/lib/db/testing"
	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

const (
	testTimeout = 5 * time.Second
	testTick    = 10 * time.Millisecond
)

// smallOptions keeps only a few 4 KiB pages in memory, most reads of a larger data
// set go to the device
func smallOptions() *DBOptions {
	o := DefaultOptions()
	o.PageBits = 12
	o.MemoryPages = 4
	o.PageCacheSize = 2
	o.IndexBuckets = 1 << 8
	return o
}

// fileOptions stores the log and the metadata in dir
func fileOptions(dir string) *DBOptions {
	o := smallOptions()
	o.DataDir = dir
	o.MemoryPages = 8
	o.SegmentPages = 4
	o.AutoGrowIndex = false
	return o
}

func openTest(t *testing.T, opts *DBOptions) *larchImpl {
	t.Helper()
	larch, err := open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = larch.Close() })
	return larch
}

func sessionOf(t *testing.T, larch *larchImpl) db.Session {
	t.Helper()
	s, err := larch.NewSession()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// crash stops the engine without flushing the log or recording its position,
// like a process that was killed
func (larch *larchImpl) crash() {
	if !larch.closed.CompareAndSwap(false, true) {
		return
	}
	larch.cancel()
	larch.wg.Wait()
	larch.sessions.Range(func(_ uint64, s *session) bool {
		s.release()
		return true
	})
	_ = larch.release()
}

func key(i int) []byte   { return []byte(fmt.Sprintf("key-%05d", i)) }
func value(i int) []byte { return []byte(fmt.Sprintf("value-%05d", i)) }

func counter(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func incr(old []byte, _ bool) []byte {
	return binary.LittleEndian.AppendUint64(nil, counter(old)+1)
}

// --------------------------------------------------------------------------
// Conformance
// --------------------------------------------------------------------------

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "Larch", func() db.KVDB {
		database, err := NewLarchDB(nil)
		require.NoError(t, err)
		return database
	})

	dbtesting.RunKVDBTests(t, "LarchSmallPages", func() db.KVDB {
		database, err := NewLarchDB(smallOptions())
		require.NoError(t, err)
		return database
	})

	dbtesting.RunKVDBTests(t, "LarchFile", func() db.KVDB {
		database, err := NewLarchDB(fileOptions(t.TempDir()))
		require.NoError(t, err)
		return database
	})
}

// TestMatchesMaple runs the same random operations against larch (with a log that
// mostly lives on the device) and the in-memory maple engine, both must agree
func TestMatchesMaple(t *testing.T) {
	larch := openTest(t, fileOptions(t.TempDir()))
	ref := maple.NewMapleDB(nil)
	t.Cleanup(func() { _ = ref.Close() })

	s := sessionOf(t, larch)
	r, err := ref.NewSession()
	require.NoError(t, err)
	defer r.Close()

	appendX := func(old []byte, _ bool) []byte { return append(old, 'x') }
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 20000; i++ {
		key := []byte(fmt.Sprintf("key-%d", rnd.Intn(500)))
		switch op := rnd.Intn(10); {
		case op < 4:
			value := bytes.Repeat([]byte{byte(i)}, rnd.Intn(64))
			require.NoError(t, s.Upsert(key, value))
			require.NoError(t, r.Upsert(key, value))
		case op < 6:
			got, err := s.RMW(key, incr)
			require.NoError(t, err)
			want, err := r.RMW(key, incr)
			require.NoError(t, err)
			require.Equal(t, want, got, "rmw %s", key)
		case op < 7:
			got, err := s.RMW(key, appendX)
			require.NoError(t, err)
			want, err := r.RMW(key, appendX)
			require.NoError(t, err)
			require.Equal(t, want, got, "append %s", key)
		case op < 8:
			require.NoError(t, s.Delete(key))
			require.NoError(t, r.Delete(key))
		default:
			got, err := s.Read(key)
			want, refErr := r.Read(key)
			if refErr != nil {
				require.ErrorIs(t, err, refErr, "read %s", key)
				continue
			}
			require.NoError(t, err)
			require.Equal(t, want, got, "read %s", key)
		}
	}
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "Larch", func() db.KVDB {
		database, err := NewLarchDB(nil)
		if err != nil {
			b.Fatal(err)
		}
		return database
	})
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

func TestBasicScenario(t *testing.T) {
	larch := openTest(t, nil)
	s := sessionOf(t, larch)

	require.NoError(t, s.Upsert([]byte("a"), []byte("1")))
	v, err := s.Read([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	v, err = s.RMW([]byte("a"), func(old []byte, exists bool) []byte {
		assert.True(t, exists)
		return append(old, '2')
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("12"), v)

	require.NoError(t, s.Delete([]byte("a")))
	_, err = s.Read([]byte("a"))
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = s.Read([]byte("b"))
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = s.RMW([]byte("a"), nil)
	assert.Error(t, err)
}

func TestOptionsValidation(t *testing.T) {
	o := DefaultOptions()
	o.PageBits = 5
	_, err := NewLarchDB(o)
	assert.Error(t, err)

	o = DefaultOptions()
	o.MemoryPages = 2
	_, err = NewLarchDB(o)
	assert.Error(t, err)

	o = DefaultOptions()
	o.RecoverToken = "abc"
	_, err = NewLarchDB(o)
	assert.Error(t, err)

	o = DefaultOptions()
	o.MemoryPages = 10
	require.NoError(t, o.normalize())
	assert.Equal(t, uint64(8), o.MutablePages)
	assert.Positive(t, o.MaxSessions)
}

func TestRecordTooLarge(t *testing.T) {
	larch := openTest(t, smallOptions())
	s := sessionOf(t, larch)

	err := s.Upsert([]byte("k"), make([]byte, 4096))
	assert.ErrorIs(t, err, db.ErrRecordTooLarge)

	require.NoError(t, s.Upsert([]byte("k"), []byte("small")))
	_, err = s.RMW([]byte("k"), func([]byte, bool) []byte { return make([]byte, 8192) })
	assert.ErrorIs(t, err, db.ErrRecordTooLarge)

	v, err := s.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("small"), v)
}

func TestDiskReads(t *testing.T) {
	larch := openTest(t, smallOptions())
	s := sessionOf(t, larch)

	const n = 3000
	for i := 0; i < n; i++ {
		require.NoError(t, s.Upsert(key(i), value(i)))
	}
	// most records were evicted from memory
	assert.Less(t, larch.log.Head(), larch.log.Tail())

	for i := 0; i < n; i++ {
		v, err := s.Read(key(i))
		require.NoError(t, err, "key %d", i)
		require.Equal(t, value(i), v)
	}
	assert.Positive(t, larch.metrics.diskReads.Get())

	// mutations of evicted records see their on-disk value
	for i := 0; i < 100; i++ {
		v, err := s.RMW(key(i), func(old []byte, exists bool) []byte {
			return append(old, "-rmw"...)
		})
		require.NoError(t, err)
		assert.Equal(t, append(value(i), "-rmw"...), v)
	}
	for i := 100; i < 200; i++ {
		require.NoError(t, s.Delete(key(i)))
		_, err := s.Read(key(i))
		assert.ErrorIs(t, err, db.ErrNotFound)
	}
	assert.Zero(t, larch.metrics.noops.Get())
}

func TestInPlaceUpdates(t *testing.T) {
	larch := openTest(t, nil)
	s := sessionOf(t, larch)

	require.NoError(t, s.Upsert([]byte("k"), []byte("aaaa")))
	tail := larch.log.Tail()
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Upsert([]byte("k"), []byte("bbbb")))
	}
	assert.Equal(t, tail, larch.log.Tail(), "hot record must be updated in place")
	assert.Equal(t, uint64(100), larch.metrics.inPlace.Get())

	// a larger value does not fit the record
	require.NoError(t, s.Upsert([]byte("k"), bytes.Repeat([]byte("c"), 100)))
	assert.Greater(t, larch.log.Tail(), tail)
}

// A record whose lock is held can not be superseded, every attempt counts as a
// conflict until the budget is exhausted
func TestConflictExceeded(t *testing.T) {
	o := DefaultOptions()
	o.MaxRetries = 3
	larch := openTest(t, o)
	s := sessionOf(t, larch)

	k := []byte("locked")
	require.NoError(t, s.Upsert(k, []byte("v1")))
	slot, found, err := larch.index.Find(util.HashKey(k))
	require.NoError(t, err)
	require.True(t, found)
	addr := slot.Address()

	require.True(t, larch.log.TryLock(addr))
	err = s.Upsert(k, []byte("v2"))
	assert.ErrorIs(t, err, db.ErrConflictExceeded)
	_, err = s.RMW(k, incr)
	assert.ErrorIs(t, err, db.ErrConflictExceeded)
	assert.Equal(t, uint64(2), larch.metrics.exceeded.Get())
	larch.log.Unlock(addr)

	v, err := s.Read(k)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Upsert(k, []byte("v2")))
	v, err = s.Read(k)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

// RMW must read the predecessor with a bounded wait, a held record lock ends in
// ErrConflictExceeded and leaves the epoch free for deferred actions
func TestRMWOnLockedRecordGivesUp(t *testing.T) {
	o := DefaultOptions()
	o.MaxRetries = 3
	larch := openTest(t, o)
	s := sessionOf(t, larch)

	k := []byte("counter")
	require.NoError(t, s.Upsert(k, []byte("1")))
	slot, found, err := larch.index.Find(util.HashKey(k))
	require.NoError(t, err)
	require.True(t, found)
	addr := slot.Address()
	require.True(t, larch.log.TryLock(addr))
	defer larch.log.Unlock(addr)

	done := make(chan error, 1)
	go func() {
		_, err := s.RMW(k, incr)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, db.ErrConflictExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("RMW did not give up on a locked record")
	}
	assert.Eventually(t, func() bool { return larch.epoch.Active() == 0 },
		time.Second, time.Millisecond, "no session may stay protected")
}

type mutation struct {
	key, value []byte
	tombstone  bool
	address    uint64
}

func TestMutationHook(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []mutation
	)
	o := DefaultOptions()
	o.Hook = db.HookFunc(func(key, value []byte, tombstone bool, address uint64) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, mutation{bytes.Clone(key), bytes.Clone(value), tombstone, address})
	})
	larch := openTest(t, o)
	s := sessionOf(t, larch)

	require.NoError(t, s.Upsert([]byte("k"), []byte("v")))
	_, err := s.RMW([]byte("n"), incr)
	require.NoError(t, err)
	require.NoError(t, s.Delete([]byte("k")))
	require.NoError(t, s.Delete([]byte("k")))
	require.NoError(t, s.Delete([]byte("absent")))
	_, err = s.Read([]byte("n"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, []byte("k"), seen[0].key)
	assert.Equal(t, []byte("v"), seen[0].value)
	assert.False(t, seen[0].tombstone)
	assert.Equal(t, []byte("n"), seen[1].key)
	assert.Equal(t, uint64(1), counter(seen[1].value))
	assert.Equal(t, []byte("k"), seen[2].key)
	assert.Nil(t, seen[2].value)
	assert.True(t, seen[2].tombstone)
	for _, m := range seen {
		assert.Positive(t, m.address)
	}
	assert.Equal(t, uint64(2), larch.metrics.noops.Get())
}

func TestConcurrentCounters(t *testing.T) {
	larch := openTest(t, smallOptions())

	const workers, perWorker, keys = 8, 2000, 16
	committed := make([][keys]uint64, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			s, err := larch.NewSession()
			if !assert.NoError(t, err) {
				return
			}
			defer s.Close()
			for i := 0; i < perWorker; i++ {
				k := (w + i) % keys
				if _, err := s.RMW(key(k), incr); err == nil {
					committed[w][k]++
				} else {
					assert.ErrorIs(t, err, db.ErrConflictExceeded)
				}
			}
		}(w)
	}
	wg.Wait()

	s := sessionOf(t, larch)
	for k := 0; k < keys; k++ {
		var want uint64
		for w := range committed {
			want += committed[w][k]
		}
		v, err := s.Read(key(k))
		require.NoError(t, err)
		assert.Equal(t, want, counter(v), "counter %d", k)
	}
}

func TestGrowIndex(t *testing.T) {
	o := smallOptions()
	o.AutoGrowIndex = false
	larch := openTest(t, o)
	s := sessionOf(t, larch)

	for i := 0; i < 2000; i++ {
		require.NoError(t, s.Upsert(key(i), value(i)))
	}
	size := larch.index.Size()
	require.NoError(t, larch.GrowIndex(context.Background()))
	assert.Equal(t, 2*size, larch.index.Size())

	recorded, err := larch.meta.IndexBuckets()
	require.NoError(t, err)
	assert.Equal(t, 2*size, recorded)

	for i := 0; i < 2000; i++ {
		v, err := s.Read(key(i))
		require.NoError(t, err)
		require.Equal(t, value(i), v)
	}
}

func TestAutoGrowIndex(t *testing.T) {
	o := DefaultOptions()
	o.IndexBuckets = 16
	larch := openTest(t, o)
	s := sessionOf(t, larch)

	for i := 0; i < 5000; i++ {
		require.NoError(t, s.Upsert(key(i), value(i)))
	}
	require.Eventually(t, func() bool { return larch.index.Size() > 16 }, testTimeout, testTick)
	for i := 0; i < 5000; i++ {
		v, err := s.Read(key(i))
		require.NoError(t, err)
		require.Equal(t, value(i), v)
	}
}

func TestClosed(t *testing.T) {
	larch, err := open(DefaultOptions())
	require.NoError(t, err)
	s, err := larch.NewSession()
	require.NoError(t, err)

	require.NoError(t, larch.Close())
	require.NoError(t, larch.Close())

	_, err = larch.NewSession()
	assert.ErrorIs(t, err, db.ErrClosed)
	_, err = larch.Checkpoint(context.Background())
	assert.ErrorIs(t, err, db.ErrClosed)
	assert.ErrorIs(t, larch.GrowIndex(context.Background()), db.ErrClosed)
	_, err = larch.Compact(context.Background(), 1<<20)
	assert.ErrorIs(t, err, db.ErrClosed)
	assert.Error(t, s.Upsert([]byte("k"), []byte("v")))
}

// Close invalidates sessions while their owners keep using them
func TestCloseWithActiveSession(t *testing.T) {
	larch, err := open(DefaultOptions())
	require.NoError(t, err)
	s, err := larch.newSession()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		for {
			if err := s.check([]byte("k")); err != nil {
				done <- err
				return
			}
			runtime.Gosched()
		}
	}()

	require.NoError(t, larch.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, db.ErrSessionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("session still usable after Close")
	}
	require.NoError(t, s.Close())
}

func TestGetInfo(t *testing.T) {
	o := DefaultOptions()
	o.Name = "info-test"
	larch := openTest(t, o)
	s := sessionOf(t, larch)
	require.NoError(t, s.Upsert([]byte("k"), []byte("value")))

	info := larch.GetInfo()
	assert.Equal(t, db.ImplLarch, info.DbType)
	assert.Positive(t, info.SizeBytes)
	assert.Len(t, info.SupportedFeatures, 9)
	assert.True(t, larch.SupportsFeature(db.FeatureCheckpoint|db.FeatureCompact|db.FeatureNotify))

	var sb strings.Builder
	WritePrometheus(&sb)
	assert.Contains(t, sb.String(), `hkv_larch_upserts_total{engine="info-test"} 1`)
	assert.Contains(t, sb.String(), `hkv_larch_sessions_active{engine="info-test"} 1`)
}
