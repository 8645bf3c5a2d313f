package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/hKV/lib/db/epoch"
	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRecord is what the fake resolver knows about a log record
type testRecord struct {
	hash, prev uint64
	resident   bool
}

type fakeResolver struct {
	records sync.Map // uint64 -> testRecord
}

func (r *fakeResolver) add(addr, hash, prev uint64, resident bool) {
	r.records.Store(addr, testRecord{hash: hash, prev: prev, resident: resident})
}

func (r *fakeResolver) Resident(addr uint64) (uint64, uint64, bool) {
	v, ok := r.records.Load(addr)
	if !ok || !v.(testRecord).resident {
		return 0, 0, false
	}
	rec := v.(testRecord)
	return rec.hash, rec.prev, true
}

func (r *fakeResolver) Prev(addr uint64) (uint64, error) {
	v, ok := r.records.Load(addr)
	if !ok {
		return 0, fmt.Errorf("no record at %d", addr)
	}
	return v.(testRecord).prev, nil
}

// mkHash builds a hash with the given tag and low (bucket) bits
func mkHash(tag uint16, low uint64) uint64 {
	return uint64(tag)<<(64-tagBits) | low
}

func newTestIndex(size uint64) (*Index, *fakeResolver, *epoch.Framework) {
	r := &fakeResolver{}
	ep := epoch.New(64)
	return New(size, ep, r), r, ep
}

// latest walks the chain of hash and returns the newest address whose record has
// exactly that hash
func latest(t *testing.T, idx *Index, r *fakeResolver, hash uint64) uint64 {
	t.Helper()
	s, found, err := idx.Find(hash)
	require.NoError(t, err)
	if !found {
		return 0
	}
	for a := s.Address(); a != 0; {
		v, ok := r.records.Load(a)
		require.True(t, ok, "dangling address %d", a)
		rec := v.(testRecord)
		if rec.hash == hash {
			return a
		}
		a = rec.prev
	}
	return 0
}

func TestNewRoundsUp(t *testing.T) {
	idx, _, _ := newTestIndex(1000)
	assert.Equal(t, uint64(1024), idx.Size())
}

func TestFindOrCreateAndUpdate(t *testing.T) {
	idx, _, _ := newTestIndex(16)
	h := mkHash(7, 3)

	_, found, err := idx.Find(h)
	require.NoError(t, err)
	assert.False(t, found)

	s, err := idx.FindOrCreate(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), s.Address())

	s2, ok := s.TryUpdate(128)
	require.True(t, ok)
	assert.Equal(t, uint64(128), s2.Address())
	assert.True(t, s2.IsCurrent(128))

	_, ok = s.TryUpdate(256)
	assert.False(t, ok, "stale slot must not win the CAS")
	assert.False(t, s.IsCurrent(0))

	got, found, err := idx.Find(h)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(128), got.Address())
}

func TestSameTagSharesEntry(t *testing.T) {
	idx, _, _ := newTestIndex(16)

	a, err := idx.FindOrCreate(mkHash(9, 1))
	require.NoError(t, err)
	b, err := idx.FindOrCreate(mkHash(9, 1|1<<20))
	require.NoError(t, err)
	c, err := idx.FindOrCreate(mkHash(10, 1))
	require.NoError(t, err)

	assert.Same(t, a.ptr, b.ptr)
	assert.NotSame(t, a.ptr, c.ptr)
}

func TestConcurrentCreateYieldsOneEntry(t *testing.T) {
	idx, _, _ := newTestIndex(4)
	h := mkHash(42, 2)

	const workers = 16
	ptrs := make([]*atomic.Uint64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			s, err := idx.FindOrCreate(h)
			if assert.NoError(t, err) {
				ptrs[w] = s.ptr
			}
		}(w)
	}
	wg.Wait()

	for _, p := range ptrs[1:] {
		assert.Same(t, ptrs[0], p)
	}
	st := idx.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, 0, st.Tentative)
}

func TestOverflowChains(t *testing.T) {
	idx, _, _ := newTestIndex(2)
	for tag := uint16(1); tag <= 50; tag++ {
		s, err := idx.FindOrCreate(mkHash(tag, 0))
		require.NoError(t, err)
		_, ok := s.TryUpdate(uint64(tag) * 64)
		require.True(t, ok)
	}
	assert.Greater(t, idx.OverflowBuckets(), int64(0))
	assert.True(t, idx.NeedsGrow())

	for tag := uint16(1); tag <= 50; tag++ {
		s, found, err := idx.Find(mkHash(tag, 0))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(tag)*64, s.Address())
	}

	st := idx.Stats()
	assert.Equal(t, 50, st.Entries)
	assert.Equal(t, float64(50), st.Distribution.Max)
	assert.Equal(t, float64(0), st.Distribution.Min)
}

func TestRelinkIsIdempotent(t *testing.T) {
	idx, _, _ := newTestIndex(8)
	h := mkHash(3, 5)

	idx.Relink(h, 100)
	idx.Relink(h, 50)
	idx.Relink(h, 100)
	s, _, _ := idx.Find(h)
	assert.Equal(t, uint64(100), s.Address())

	idx.Relink(h, 200)
	s, _, _ = idx.Find(h)
	assert.Equal(t, uint64(200), s.Address())
	assert.Equal(t, 1, idx.Stats().Entries)
}

func TestReclaimBelow(t *testing.T) {
	idx, _, _ := newTestIndex(8)
	for i := uint64(1); i <= 10; i++ {
		idx.Relink(mkHash(uint16(i), i), i*1000)
	}
	assert.Equal(t, 4, idx.ReclaimBelow(5000))

	for i := uint64(1); i <= 10; i++ {
		_, found, err := idx.Find(mkHash(uint16(i), i))
		require.NoError(t, err)
		assert.Equal(t, i >= 5, found, "key %d", i)
	}
}

func TestGrowSplitsChains(t *testing.T) {
	idx, r, _ := newTestIndex(2)

	// bucket 0 of the old table, same tag, different halves of the new table
	lo, hi := mkHash(5, 0), mkHash(5, 2)
	r.add(64, lo, 0, true)
	r.add(128, hi, 64, true)
	r.add(192, lo, 128, true)
	idx.Relink(lo, 192)

	// a chain that leaves memory before the second half is found
	a, b := mkHash(6, 0), mkHash(6, 2)
	r.add(256, a, 0, false)
	r.add(320, a, 256, true)
	idx.Relink(a, 320)

	require.NoError(t, idx.Grow(context.Background()))
	assert.Equal(t, uint64(4), idx.Size())
	assert.Equal(t, uint64(1), idx.Grows())

	s, found, err := idx.Find(lo)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(192), s.Address())

	s, found, err = idx.Find(hi)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(128), s.Address())

	s, _, _ = idx.Find(a)
	assert.Equal(t, uint64(320), s.Address())
	s, found, _ = idx.Find(b)
	require.True(t, found, "on-disk part of the chain is linked into both halves")
	assert.Equal(t, uint64(256), s.Address())
}

func TestGrowConcurrentWithWriters(t *testing.T) {
	idx, r, ep := newTestIndex(4)

	const writers, keys, rounds = 4, 64, 20
	var (
		nextAddr atomic.Uint64
		wg       sync.WaitGroup
		last     sync.Map // hash -> addr
	)
	nextAddr.Store(64)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			g, err := ep.Acquire()
			if !assert.NoError(t, err) {
				return
			}
			defer g.Release()

			for round := 0; round < rounds; round++ {
				for k := 0; k < keys; k++ {
					h := util.HashString(fmt.Sprintf("w%d-k%d", w, k))
					for {
						g.Enter()
						s, err := idx.FindOrCreate(h)
						if errors.Is(err, ErrRetry) {
							g.Exit()
							continue
						}
						addr := nextAddr.Add(64)
						r.add(addr, h, s.Address(), true)
						_, ok := s.TryUpdate(addr)
						g.Exit()
						if ok {
							last.Store(h, addr)
							break
						}
					}
				}
			}
		}(w)
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, idx.Grow(context.Background()))
	}
	wg.Wait()

	assert.Equal(t, uint64(32), idx.Size())
	n := 0
	last.Range(func(k, v any) bool {
		assert.Equal(t, v.(uint64), latest(t, idx, r, k.(uint64)))
		n++
		return true
	})
	assert.Equal(t, writers*keys, n)
}

func TestSnapshotRestore(t *testing.T) {
	idx, r, ep := newTestIndex(8)

	k1, k2, k3 := mkHash(1, 1), mkHash(2, 2), mkHash(3, 3)
	r.add(64, k1, 0, true)
	r.add(128, k2, 0, true)
	r.add(1000, k1, 64, true) // after the cut
	r.add(1064, k3, 0, true)  // key created after the cut
	idx.Relink(k1, 1000)
	idx.Relink(k2, 128)
	idx.Relink(k3, 1064)

	img, err := idx.Snapshot(1000)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Entries)
	assert.Equal(t, uint64(8), img.Buckets)

	restored := New(2, ep, r)
	n, err := restored.Restore(img.Data, img.Checksum)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(8), restored.Size())

	s, found, _ := restored.Find(k1)
	require.True(t, found)
	assert.Equal(t, uint64(64), s.Address())
	s, _, _ = restored.Find(k2)
	assert.Equal(t, uint64(128), s.Address())
	_, found, _ = restored.Find(k3)
	assert.False(t, found)

	_, err = restored.Restore(img.Data, img.Checksum+1)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)

	broken := append([]byte(nil), img.Data...)
	broken[len(broken)/2] ^= 0xff
	_, err = restored.Restore(broken, util.Checksum(broken))
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}
