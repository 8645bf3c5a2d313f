package larch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/hKV/lib/db/engines/larch/internal/hlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactNothingToDo(t *testing.T) {
	larch := openTest(t, smallOptions())

	begin, err := larch.Compact(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(hlog.FirstValidAddress), begin)

	// nothing was flushed yet
	begin, err = larch.Compact(context.Background(), 1<<30)
	require.NoError(t, err)
	assert.Equal(t, uint64(hlog.FirstValidAddress), begin)
}

func TestCompact(t *testing.T) {
	dir := t.TempDir()
	larch := openTest(t, fileOptions(dir))
	s := sessionOf(t, larch)

	for i := 0; i < 1000; i++ {
		require.NoError(t, s.Upsert(key(i), value(i)))
	}
	for i := 0; i < 500; i++ {
		require.NoError(t, s.Upsert(key(i), []byte("second")))
	}
	for i := 900; i < 1000; i++ {
		require.NoError(t, s.Delete(key(i)))
	}
	_, err := larch.Checkpoint(context.Background())
	require.NoError(t, err)

	flushed := larch.log.Flushed()
	begin, err := larch.Compact(context.Background(), flushed)
	require.NoError(t, err)
	assert.Equal(t, flushed&^(larch.log.PageSize()-1), begin)
	assert.Greater(t, begin, uint64(hlog.FirstValidAddress))
	assert.Equal(t, begin, larch.log.Begin())
	assert.Positive(t, larch.metrics.copies.Get())

	check := func(s interface {
		Read([]byte) ([]byte, error)
	}) {
		for i := 0; i < 1000; i++ {
			v, err := s.Read(key(i))
			switch {
			case i < 500:
				require.NoError(t, err)
				require.Equal(t, []byte("second"), v)
			case i < 900:
				require.NoError(t, err)
				require.Equal(t, value(i), v)
			default:
				require.Error(t, err)
			}
		}
	}
	check(s)

	// whole segments below the new begin are gone
	if segBytes := 4 * larch.log.PageSize(); begin >= segBytes {
		_, err := os.Stat(filepath.Join(dir, logDirName, "segment-00000000.log"))
		assert.True(t, os.IsNotExist(err))
	}

	// compacting again below the begin changes nothing
	again, err := larch.Compact(context.Background(), begin)
	require.NoError(t, err)
	assert.Equal(t, begin, again)

	require.NoError(t, larch.Close())
	larch = reopen(t, dir, "")
	assert.Equal(t, begin, larch.log.Begin())
	check(sessionOf(t, larch))
}

// Readers and writers keep running while the log is compacted. Chains that reach
// truncated pages are restarted at the index.
func TestCompactConcurrent(t *testing.T) {
	larch := openTest(t, smallOptions())
	s := sessionOf(t, larch)

	const keys = 500
	for i := 0; i < keys; i++ {
		require.NoError(t, s.Upsert(key(i), value(i)))
	}

	var (
		stop atomic.Bool
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rs, err := larch.NewSession()
			if !assert.NoError(t, err) {
				return
			}
			defer rs.Close()
			for i := 0; !stop.Load(); i++ {
				k := (i*7 + w) % keys
				if w == 0 {
					// the writer only rewrites values, every key stays live
					if !assert.NoError(t, rs.Upsert(key(k), value(k))) {
						return
					}
					continue
				}
				v, err := rs.Read(key(k))
				if !assert.NoError(t, err, "key %d", k) || !assert.Equal(t, value(k), v) {
					return
				}
			}
		}(w)
	}

	for round := 0; round < 5; round++ {
		_, err := larch.log.FlushAll(context.Background())
		require.NoError(t, err)
		_, err = larch.Compact(context.Background(), larch.log.Flushed())
		require.NoError(t, err)
	}
	stop.Store(true)
	wg.Wait()

	assert.Greater(t, larch.log.Begin(), uint64(hlog.FirstValidAddress))
	for i := 0; i < keys; i++ {
		v, err := s.Read(key(i))
		require.NoError(t, err)
		require.Equal(t, value(i), v)
	}
}
