package meta

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	lvlutil "github.com/syndtr/goleveldb/leveldb/util"
)

var Logger = logger.GetLogger("meta")

// ErrNotFound is returned when a checkpoint or the log state does not exist
var ErrNotFound = errors.New("meta: not found")

const (
	prefixCheckpoint = "ckpt/meta/"
	prefixBlob       = "ckpt/blob/"
	prefixToken      = "ckpt/token/"
	keyLatest        = "ckpt/latest"
	keyLogState      = "log/state"
	keyIndexBuckets  = "index/buckets"
)

var syncWrites = &opt.WriteOptions{Sync: true}

// Checkpoint describes one checkpoint. A checkpoint is usable for recovery once
// Complete is set.
type Checkpoint struct {
	Token         string    `json:"token"`
	Seq           uint64    `json:"seq"`
	Version       uint32    `json:"version"`
	Cut           uint64    `json:"cut"`
	FlushedUntil  uint64    `json:"flushed_until"`
	Begin         uint64    `json:"begin"`
	IndexChecksum uint64    `json:"index_checksum"`
	IndexEntries  int       `json:"index_entries"`
	IndexBuckets  uint64    `json:"index_buckets"`
	IndexBytes    int       `json:"index_bytes"`
	Complete      bool      `json:"complete"`
	CreatedAt     time.Time `json:"created_at"`
}

// LogState is the durable position of the log, written on clean shutdown and
// after compaction
type LogState struct {
	Begin   uint64 `json:"begin"`
	Tail    uint64 `json:"tail"`
	Version uint32 `json:"version"`
}

// Store keeps checkpoint metadata, index snapshots and the log state in leveldb.
//
// Thread-safety: All methods are safe for concurrent use. Writes that belong
// together are applied as one synced batch.
type Store struct {
	db *leveldb.DB

	mu      sync.Mutex
	nextSeq uint64
}

// Open opens the metadata store in dir, an empty dir keeps it in memory
func Open(dir string) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if dir == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(dir, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("meta: open %q: %w", dir, err)
	}

	s := &Store{db: db, nextSeq: 1}
	cps, err := s.Checkpoints()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(cps) > 0 {
		s.nextSeq = cps[0].Seq + 1
	}
	return s, nil
}

func checkpointKey(seq uint64) []byte { return []byte(fmt.Sprintf("%s%016x", prefixCheckpoint, seq)) }
func blobKey(seq uint64) []byte       { return []byte(fmt.Sprintf("%s%016x", prefixBlob, seq)) }
func tokenKey(token string) []byte    { return []byte(prefixToken + token) }

// NextSeq reserves the sequence number of a new checkpoint
func (s *Store) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.nextSeq
	s.nextSeq++
	return seq
}

// ------------------------------------------------------------------------------
// Checkpoints
// ------------------------------------------------------------------------------

// Prepare stores a pending checkpoint together with its index snapshot
func (s *Store) Prepare(cp *Checkpoint, blob []byte) error {
	cp.Complete = false
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(checkpointKey(cp.Seq), data)
	batch.Put(blobKey(cp.Seq), blob)
	batch.Put(tokenKey(cp.Token), checkpointKey(cp.Seq))
	if err := s.db.Write(batch, syncWrites); err != nil {
		return fmt.Errorf("meta: prepare checkpoint %s: %w", cp.Token, err)
	}
	return nil
}

// Commit marks a prepared checkpoint complete and makes it the latest one. Both
// happen in a single synced batch, a crash leaves the checkpoint either pending
// or complete.
func (s *Store) Commit(cp *Checkpoint) error {
	cp.Complete = true
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(checkpointKey(cp.Seq), data)
	batch.Put([]byte(keyLatest), []byte(cp.Token))
	if err := s.db.Write(batch, syncWrites); err != nil {
		return fmt.Errorf("meta: commit checkpoint %s: %w", cp.Token, err)
	}
	return nil
}

// Checkpoints returns all checkpoints (pending ones included), newest first
func (s *Store) Checkpoints() ([]*Checkpoint, error) {
	iter := s.db.NewIterator(lvlutil.BytesPrefix([]byte(prefixCheckpoint)), nil)
	defer iter.Release()

	var out []*Checkpoint
	for iter.Next() {
		cp := &Checkpoint{}
		if err := json.Unmarshal(iter.Value(), cp); err != nil {
			Logger.Warningf("skipping unreadable checkpoint record %q: %v", iter.Key(), err)
			continue
		}
		out = append(out, cp)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("meta: list checkpoints: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

// Latest returns the token of the latest committed checkpoint
func (s *Store) Latest() (string, error) {
	v, err := s.db.Get([]byte(keyLatest), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// ByToken looks a checkpoint up by its token
func (s *Store) ByToken(token string) (*Checkpoint, error) {
	key, err := s.db.Get(tokenKey(token), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("checkpoint %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("checkpoint %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	cp := &Checkpoint{}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("meta: decode checkpoint %s: %w", token, err)
	}
	return cp, nil
}

// IndexBlob returns the index snapshot of a checkpoint
func (s *Store) IndexBlob(seq uint64) ([]byte, error) {
	blob, err := s.db.Get(blobKey(seq), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("index blob %d: %w", seq, ErrNotFound)
	}
	return blob, err
}

// Remove deletes a checkpoint with its blob and token
func (s *Store) Remove(cp *Checkpoint) error {
	batch := new(leveldb.Batch)
	batch.Delete(checkpointKey(cp.Seq))
	batch.Delete(blobKey(cp.Seq))
	batch.Delete(tokenKey(cp.Token))
	if latest, err := s.Latest(); err == nil && latest == cp.Token {
		batch.Delete([]byte(keyLatest))
	}
	return s.db.Write(batch, syncWrites)
}

// Prune keeps the newest keep complete checkpoints and removes everything older,
// including pending checkpoints older than the newest complete one. It returns the
// number of removed checkpoints.
func (s *Store) Prune(keep int) (int, error) {
	return s.removeIf(func(cp *Checkpoint, completeSeen int) bool {
		if cp.Complete {
			return completeSeen > keep
		}
		return completeSeen > 0
	})
}

// PruneBelow removes all checkpoints whose cut lies below begin, they can not be
// recovered from anymore
func (s *Store) PruneBelow(begin uint64) (int, error) {
	return s.removeIf(func(cp *Checkpoint, _ int) bool {
		return cp.Cut < begin
	})
}

// removeIf walks the checkpoints newest first, completeSeen counts the complete
// checkpoints up to and including the current one
func (s *Store) removeIf(pred func(cp *Checkpoint, completeSeen int) bool) (int, error) {
	cps, err := s.Checkpoints()
	if err != nil {
		return 0, err
	}
	removed, complete := 0, 0
	for _, cp := range cps {
		if cp.Complete {
			complete++
		}
		if !pred(cp, complete) {
			continue
		}
		if err := s.Remove(cp); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ------------------------------------------------------------------------------
// Log state
// ------------------------------------------------------------------------------

// LogState returns the recorded log position, ErrNotFound if there is none
func (s *Store) LogState() (LogState, error) {
	var ls LogState
	data, err := s.db.Get([]byte(keyLogState), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ls, ErrNotFound
	}
	if err != nil {
		return ls, err
	}
	if err := json.Unmarshal(data, &ls); err != nil {
		return ls, fmt.Errorf("meta: decode log state: %w", err)
	}
	return ls, nil
}

// PutLogState records the log position with a synced write
func (s *Store) PutLogState(ls LogState) error {
	data, err := json.Marshal(ls)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(keyLogState), data, syncWrites)
}

// ------------------------------------------------------------------------------
// Index size
// ------------------------------------------------------------------------------

// IndexBuckets returns the recorded index size, ErrNotFound if the index never grew
func (s *Store) IndexBuckets() (uint64, error) {
	data, err := s.db.Get([]byte(keyIndexBuckets), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("meta: index size has %d bytes", len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

// PutIndexBuckets records the index size before the index grows to it. Records
// appended after a resize have to be replayed into a table of at least that size.
func (s *Store) PutIndexBuckets(n uint64) error {
	return s.db.Put([]byte(keyIndexBuckets), binary.LittleEndian.AppendUint64(nil, n), syncWrites)
}

// Close closes the leveldb instance
func (s *Store) Close() error {
	return s.db.Close()
}
