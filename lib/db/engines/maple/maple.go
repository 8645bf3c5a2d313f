package maple

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/engines/maple/internal"
	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("maple")

// --------------------------------------------------------------------------
// Core Maple database structure
// --------------------------------------------------------------------------

// mapleImpl keeps all values in sharded concurrent maps. There is no log, so
// nothing survives Close and the system operations are not supported.
type mapleImpl struct {
	shards []*internal.Shard
	hook   db.MutationHook

	// sequence numbers the mutations, it is reported as the address to the hook
	sequence atomic.Uint64
	sessions atomic.Int64
	closed   atomic.Bool

	valueSizes *util.SizeHistogram
}

// DBOptions configures the mapleImpl behavior during initialization
type DBOptions struct {
	NumShards int             // Number of shards (0 = number of CPUs)
	Hook      db.MutationHook // Notified after every mutation (optional)
}

// DefaultOptions returns the default mapleImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		NumShards: runtime.NumCPU(),
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewMapleDB creates a new MapleDB instance with the specified options (optional)
func NewMapleDB(opts *DBOptions) db.KVDB {
	if opts == nil {
		opts = DefaultOptions()
	}
	numShards := opts.NumShards
	if numShards <= 0 {
		numShards = runtime.NumCPU()
	}

	shards := make([]*internal.Shard, numShards)
	for i := range shards {
		shards[i] = internal.NewShard()
	}

	Logger.Debugf("opened maple with %d shards", numShards)
	return &mapleImpl{
		shards:     shards,
		hook:       opts.Hook,
		valueSizes: util.NewSizeHistogram(),
	}
}

func (maple *mapleImpl) shard(key []byte) *internal.Shard {
	return internal.GetShard(util.HashKey(key), maple.shards)
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// mutate applies fn to the current value of key while holding the lock of its
// shard. fn returns the new value or a tombstone. The hook is called after the
// new state is visible and before the next mutation of the shard.
func (maple *mapleImpl) mutate(key []byte, fn func(old []byte, exists bool) (value []byte, tombstone bool)) ([]byte, error) {
	sh := maple.shard(key)
	sh.Lock()
	defer sh.Unlock()

	// Close clears the shards under their locks
	if maple.closed.Load() {
		return nil, db.ErrClosed
	}

	k := string(key)
	old, exists := sh.Data.Load(k)
	value, tombstone := fn(old, exists)

	if tombstone {
		if !sh.Remove(k) {
			// deleting an absent key changes nothing
			return nil, nil
		}
		value = nil
	} else {
		value = bytes.Clone(value)
		if value == nil {
			value = []byte{}
		}
		sh.Put(k, value)
		maple.valueSizes.AddSample(len(value))
	}

	seq := maple.sequence.Add(1)
	if maple.hook != nil {
		maple.hook.OnMutation(key, value, tombstone, seq)
	}
	return value, nil
}

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// session has no state of its own, it only tracks whether it was closed
type session struct {
	maple  *mapleImpl
	closed bool
}

func (s *session) check(key []byte) error {
	switch {
	case s.closed:
		return db.ErrSessionClosed
	case s.maple.closed.Load():
		return db.ErrClosed
	case len(key) == 0:
		return db.ErrEmptyKey
	}
	return nil
}

// --------------------------------------------------------------------------
// Session Interface Methods (docu see db.Session)
// --------------------------------------------------------------------------

func (s *session) Read(key []byte) ([]byte, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	value, ok := s.maple.shard(key).Data.Load(string(key))
	if !ok {
		return nil, db.ErrNotFound
	}
	return bytes.Clone(value), nil
}

func (s *session) Upsert(key, value []byte) error {
	if err := s.check(key); err != nil {
		return err
	}
	_, err := s.maple.mutate(key, func(_ []byte, _ bool) ([]byte, bool) {
		return value, false
	})
	return err
}

func (s *session) RMW(key []byte, fn db.UpdateFunc) ([]byte, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	value, err := s.maple.mutate(key, func(old []byte, exists bool) ([]byte, bool) {
		return fn(bytes.Clone(old), exists), false
	})
	if err != nil {
		return nil, err
	}
	return bytes.Clone(value), nil
}

func (s *session) Delete(key []byte) error {
	if err := s.check(key); err != nil {
		return err
	}
	_, err := s.maple.mutate(key, func(_ []byte, _ bool) ([]byte, bool) {
		return nil, true
	})
	return err
}

func (s *session) Close() error {
	if !s.closed {
		s.closed = true
		s.maple.sessions.Add(-1)
	}
	return nil
}

// --------------------------------------------------------------------------
// KVDB Interface Methods (docu see db.KVDB)
// --------------------------------------------------------------------------

func (maple *mapleImpl) NewSession() (db.Session, error) {
	if maple.closed.Load() {
		return nil, db.ErrClosed
	}
	maple.sessions.Add(1)
	return &session{maple: maple}, nil
}

func (maple *mapleImpl) Checkpoint(_ context.Context) (string, error) {
	return "", fmt.Errorf("maple: checkpoint: %w", db.ErrUnsupported)
}

func (maple *mapleImpl) GrowIndex(_ context.Context) error {
	return fmt.Errorf("maple: grow index: %w", db.ErrUnsupported)
}

func (maple *mapleImpl) Compact(_ context.Context, _ uint64) (uint64, error) {
	return 0, fmt.Errorf("maple: compact: %w", db.ErrUnsupported)
}

var supportedFeatures = []db.Feature{
	db.FeatureRead, db.FeatureUpsert, db.FeatureRMW, db.FeatureDelete,
	db.FeatureNotify,
}

func (maple *mapleImpl) SupportsFeature(feature db.Feature) bool {
	var all db.Feature
	for _, f := range supportedFeatures {
		all |= f
	}
	return feature&all == feature
}

// Info is the engine specific part of db.DatabaseInfo
type Info struct {
	Keys              int                    `json:"keys"`
	Shards            int                    `json:"shards"`
	Sessions          int64                  `json:"sessions"`
	Mutations         uint64                 `json:"mutations"`
	MedianValueSize   int                    `json:"median_value_size"`
	AvgValueSize      int                    `json:"avg_value_size"`
	ShardDistribution util.DistributionStats `json:"shard_distribution"`
}

func (maple *mapleImpl) GetInfo() db.DatabaseInfo {
	var (
		size       int64
		keys       int
		shardSizes = make([]float64, len(maple.shards))
	)
	for i, sh := range maple.shards {
		n := sh.Data.Size()
		keys += n
		size += sh.Bytes.Load()
		shardSizes[i] = float64(n)
	}

	return db.DatabaseInfo{
		SizeBytes:         int(size),
		DbType:            db.ImplMaple,
		SupportedFeatures: supportedFeatures,
		Metadata: Info{
			Keys:              keys,
			Shards:            len(maple.shards),
			Sessions:          maple.sessions.Load(),
			Mutations:         maple.sequence.Load(),
			MedianValueSize:   maple.valueSizes.MedianEstimate(),
			AvgValueSize:      maple.valueSizes.AverageSize(),
			ShardDistribution: util.NewDistributionStats(shardSizes),
		},
	}
}

// Close drops all values. Sessions that are still open fail with db.ErrClosed.
func (maple *mapleImpl) Close() error {
	if !maple.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, sh := range maple.shards {
		sh.Lock()
		sh.Data.Clear()
		sh.Bytes.Store(0)
		sh.Unlock()
	}
	return nil
}
