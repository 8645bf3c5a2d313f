package internal

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Shard Type (partition of the database)
// --------------------------------------------------------------------------

// Shard represents a partition of the database.
// Readers access Data without locking, writers hold the mutex of the shard so the
// mutations of a key are applied (and reported) in a single order.
type Shard struct {
	sync.Mutex
	Data  *xsync.MapOf[string, []byte] // live values, values are never modified after Store
	Bytes atomic.Int64                 // size of all keys and values
}

// NewShard creates an empty shard
func NewShard() *Shard {
	return &Shard{
		Data: xsync.NewMapOf[string, []byte](),
	}
}

// Put stores value for key and returns the previous value.
// The caller must hold the lock of the shard.
func (s *Shard) Put(key string, value []byte) (old []byte, existed bool) {
	old, existed = s.Data.Load(key)
	s.Data.Store(key, value)
	if existed {
		s.Bytes.Add(int64(len(value) - len(old)))
	} else {
		s.Bytes.Add(int64(len(key) + len(value)))
	}
	return old, existed
}

// Remove deletes key and reports whether it existed.
// The caller must hold the lock of the shard.
func (s *Shard) Remove(key string) bool {
	old, existed := s.Data.LoadAndDelete(key)
	if existed {
		s.Bytes.Add(-int64(len(key) + len(old)))
	}
	return existed
}

// GetShard returns the appropriate shard for a given key hash
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func GetShard[T any](hash uint64, shards []*T) *T {
	// Shift right by 7 bits to use higher-quality bits for distribution
	shiftedKey := hash >> 7
	shardPos := shiftedKey % uint64(len(shards))
	return shards[shardPos]
}
