package maple

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/hKV/lib/db"
	dbtesting "github.com/ValentinKolb/hKV/lib/db/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "MapleDB", func() db.KVDB {
		return NewMapleDB(nil)
	})

	dbtesting.RunKVDBTests(t, "MapleDBSingleShard", func() db.KVDB {
		return NewMapleDB(&DBOptions{NumShards: 1})
	})
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "MapleDB", func() db.KVDB {
		return NewMapleDB(nil)
	})
}

func TestUnsupportedOperations(t *testing.T) {
	database := NewMapleDB(nil)
	defer database.Close()

	assert.False(t, database.SupportsFeature(db.FeatureCheckpoint))
	assert.False(t, database.SupportsFeature(db.FeatureRead|db.FeatureCompact))
	assert.True(t, database.SupportsFeature(db.FeatureRMW|db.FeatureNotify))

	_, err := database.Checkpoint(context.Background())
	assert.ErrorIs(t, err, db.ErrUnsupported)
	assert.ErrorIs(t, database.GrowIndex(context.Background()), db.ErrUnsupported)
	_, err = database.Compact(context.Background(), 1)
	assert.ErrorIs(t, err, db.ErrUnsupported)
}

func TestMutationHook(t *testing.T) {
	type mutation struct {
		key, value []byte
		tombstone  bool
		address    uint64
	}
	var (
		mu   sync.Mutex
		seen []mutation
	)
	database := NewMapleDB(&DBOptions{
		Hook: db.HookFunc(func(key, value []byte, tombstone bool, address uint64) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, mutation{bytes.Clone(key), bytes.Clone(value), tombstone, address})
		}),
	})
	defer database.Close()

	s, err := database.NewSession()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Upsert([]byte("k"), []byte("v")))
	_, err = s.RMW([]byte("k"), func(old []byte, exists bool) []byte {
		return append(old, '2')
	})
	require.NoError(t, err)
	require.NoError(t, s.Delete([]byte("k")))
	require.NoError(t, s.Delete([]byte("absent")))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, "v", string(seen[0].value))
	assert.Equal(t, "v2", string(seen[1].value))
	assert.True(t, seen[2].tombstone)
	assert.Nil(t, seen[2].value)
	for i, m := range seen {
		assert.Equal(t, uint64(i+1), m.address)
	}
}

func TestHookOrderPerKey(t *testing.T) {
	const (
		writers = 8
		writes  = 200
	)
	var (
		mu   sync.Mutex
		last []byte
	)
	database := NewMapleDB(&DBOptions{
		NumShards: 4,
		Hook: db.HookFunc(func(key, value []byte, _ bool, _ uint64) {
			if string(key) == "shared" {
				mu.Lock()
				last = bytes.Clone(value)
				mu.Unlock()
			}
		}),
	})
	defer database.Close()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			s, err := database.NewSession()
			if !assert.NoError(t, err) {
				return
			}
			defer s.Close()
			for i := 0; i < writes; i++ {
				assert.NoError(t, s.Upsert([]byte("shared"), []byte(fmt.Sprintf("%d-%d", w, i))))
			}
		}(w)
	}
	wg.Wait()

	// the last event of a key is its current value
	s, err := database.NewSession()
	require.NoError(t, err)
	defer s.Close()
	value, err := s.Read([]byte("shared"))
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, value, last)
}

func TestValuesAreCopied(t *testing.T) {
	database := NewMapleDB(nil)
	defer database.Close()
	s, err := database.NewSession()
	require.NoError(t, err)
	defer s.Close()

	value := []byte("abc")
	require.NoError(t, s.Upsert([]byte("k"), value))
	value[0] = 'x'

	got, err := s.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
	got[0] = 'y'

	got, err = s.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestGetInfo(t *testing.T) {
	database := NewMapleDB(&DBOptions{NumShards: 2})
	s, err := database.NewSession()
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, s.Upsert([]byte(fmt.Sprintf("key-%03d", i)), []byte("value")))
	}
	require.NoError(t, s.Delete([]byte("key-000")))

	info := database.GetInfo()
	assert.Equal(t, db.ImplMaple, info.DbType)
	assert.Equal(t, 99*(len("key-000")+len("value")), info.SizeBytes)
	meta, ok := info.Metadata.(Info)
	require.True(t, ok)
	assert.Equal(t, 99, meta.Keys)
	assert.Equal(t, 2, meta.Shards)
	assert.Equal(t, int64(1), meta.Sessions)
	assert.Equal(t, uint64(101), meta.Mutations)

	require.NoError(t, s.Close())
	require.NoError(t, database.Close())
	assert.Zero(t, database.GetInfo().SizeBytes)
}
