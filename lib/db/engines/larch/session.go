package larch

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch/internal/hlog"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch/internal/index"
	"github.com/ValentinKolb/hKV/lib/db/epoch"
	"github.com/ValentinKolb/hKV/lib/db/util"
)

// errTruncated is returned by disk lookups that hit a page removed by a concurrent
// compaction. The operation restarts at the index, which points to the copies.
var errTruncated = errors.New("larch: chain reached truncated log")

// errLocked is returned by read attempts that found the record locked by a writer.
// The read restarts outside of the epoch.
var errLocked = errors.New("larch: record locked")

// number of attempts to take a record lock before the attempt counts as a conflict
const lockSpins = 64

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

type opKind uint8

const (
	opUpsert opKind = iota
	opRMW
	opDelete
	opCopy // compaction: re-append a record if it still is the newest version
)

// status is the outcome of one protected attempt of an operation
type status uint8

const (
	statusOK       status = iota
	statusNoop            // nothing to do (delete of an absent key, outdated copy)
	statusRetry           // transient condition, try again without counting a conflict
	statusPending         // the chain continues on disk, look it up outside the epoch
	statusConflict        // lost an optimistic race
	statusError
)

// diskRecord is what a lookup outside the epoch found for a key
type diskRecord struct {
	addr      uint64 // 0 = key not in the on-disk part of the chain
	value     []byte
	tombstone bool
}

// operation is the state of a mutation across its attempts
type operation struct {
	kind  opKind
	key   []byte
	hash  uint64
	value []byte        // upsert, copy
	fn    db.UpdateFunc // rmw
	src   uint64        // copy: address of the copied record

	// result of the last disk lookup, valid for chains continuing at diskFrom
	diskFrom  uint64
	diskBegin uint64
	disk      diskRecord
	diskKnown bool

	conflicts int

	result    []byte
	address   uint64
	tombstone bool
}

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// session is the execution context of one goroutine. It owns a slot in the epoch
// table, every attempt of an operation runs inside one Enter/Exit pair.
//
// Thread-safety: A session must only be used by one goroutine at a time.
type session struct {
	id     uint64
	larch  *larchImpl
	guard  *epoch.Guard
	closed atomic.Bool // set by Close of the session or of the engine
}

// NewSession creates a new session
func (larch *larchImpl) NewSession() (db.Session, error) {
	if larch.closed.Load() {
		return nil, db.ErrClosed
	}
	return larch.newSession()
}

func (larch *larchImpl) newSession() (*session, error) {
	g, err := larch.epoch.Acquire()
	if err != nil {
		return nil, fmt.Errorf("larch: new session: %w", err)
	}
	s := &session{
		id:    larch.nextSession.Add(1),
		larch: larch,
		guard: g,
	}
	larch.sessions.Store(s.id, s)
	return s, nil
}

// check validates the state of the session and the key of an operation
func (s *session) check(key []byte) error {
	switch {
	case s.closed.Load():
		return db.ErrSessionClosed
	case s.larch.closed.Load():
		return db.ErrClosed
	case len(key) == 0:
		return db.ErrEmptyKey
	}
	return nil
}

// release frees the epoch slot of the session. Only the owner of the session
// calls it, the engine invalidates sessions instead.
func (s *session) release() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.guard.Release()
	s.larch.sessions.Delete(s.id)
}

// invalidate closes the session on behalf of the engine. The guard stays with
// the owner, the epoch table is dropped with the engine.
func (s *session) invalidate() {
	s.closed.Store(true)
	s.larch.sessions.Delete(s.id)
}

// --------------------------------------------------------------------------
// Session Interface Methods (docu see db.Session)
// --------------------------------------------------------------------------

func (s *session) Read(key []byte) ([]byte, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	m := s.larch.metrics
	m.reads.Inc()
	hash := util.HashKey(key)

	for {
		value, found, pending, begin, err := s.readAttempt(key, hash)
		if errors.Is(err, index.ErrRetry) || errors.Is(err, errLocked) {
			m.retries.Inc()
			runtime.Gosched()
			continue
		}
		if err != nil {
			return nil, err
		}

		if pending != 0 {
			rec, err := s.traceDisk(pending, key, begin)
			if errors.Is(err, errTruncated) {
				m.retries.Inc()
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%w: read: %w", db.ErrLogIO, err)
			}
			value, found = rec.value, rec.addr != 0 && !rec.tombstone
		}

		if !found {
			m.readMisses.Inc()
			return nil, db.ErrNotFound
		}
		if value == nil {
			value = []byte{}
		}
		return value, nil
	}
}

func (s *session) Upsert(key, value []byte) error {
	if err := s.check(key); err != nil {
		return err
	}
	if hlog.RecordSize(len(key), len(value)) > s.larch.maxRecord {
		return db.ErrRecordTooLarge
	}
	s.larch.metrics.upserts.Inc()
	s.larch.valueSizes.AddSample(len(value))
	return s.mutate(&operation{kind: opUpsert, key: key, hash: util.HashKey(key), value: value})
}

func (s *session) RMW(key []byte, fn db.UpdateFunc) ([]byte, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("larch: rmw without update function")
	}
	s.larch.metrics.rmws.Inc()
	op := &operation{kind: opRMW, key: key, hash: util.HashKey(key), fn: fn}
	if err := s.mutate(op); err != nil {
		return nil, err
	}
	s.larch.valueSizes.AddSample(len(op.result))
	return op.result, nil
}

func (s *session) Delete(key []byte) error {
	if err := s.check(key); err != nil {
		return err
	}
	s.larch.metrics.deletes.Inc()
	return s.mutate(&operation{kind: opDelete, key: key, hash: util.HashKey(key)})
}

func (s *session) Close() error {
	s.release()
	return nil
}

// --------------------------------------------------------------------------
// Chain traversal
// --------------------------------------------------------------------------

// trace walks the hash chain from addr while it is in memory. It returns the
// address of the newest record of key, or the first address of the chain below
// head that still has to be searched on disk. Both are 0 if the chain ends.
// The caller must be protected.
func (s *session) trace(addr uint64, key []byte, begin uint64) (found, pending uint64) {
	l := s.larch.log
	head := l.Head()
	for addr != 0 && addr >= begin {
		if addr < head {
			return 0, addr
		}
		rec := l.Get(addr)
		if !rec.Invalid() && bytes.Equal(rec.Key(), key) {
			return addr, 0
		}
		addr = rec.Prev()
	}
	return 0, 0
}

// traceDisk continues a chain below head. begin is the log begin that was observed
// before the index was read, chains end there. The caller must not be protected.
func (s *session) traceDisk(addr uint64, key []byte, begin uint64) (diskRecord, error) {
	larch := s.larch
	larch.metrics.diskReads.Inc()
	defer larch.metrics.diskReadDuration.UpdateDuration(time.Now())

	for addr != 0 && addr >= begin {
		rec, err := larch.fetch(addr)
		if err != nil {
			if errors.Is(err, hlog.ErrPageNotFound) && addr < larch.log.Begin() {
				return diskRecord{}, errTruncated
			}
			return diskRecord{}, err
		}
		if !rec.Invalid() && bytes.Equal(rec.Key(), key) {
			return diskRecord{
				addr:      addr,
				value:     bytes.Clone(rec.Value()),
				tombstone: rec.Tombstone(),
			}, nil
		}
		addr = rec.Prev()
	}
	return diskRecord{}, nil
}

// readAttempt looks key up inside one epoch. If the chain continues on disk the
// address to continue at is returned as pending.
func (s *session) readAttempt(key []byte, hash uint64) (value []byte, found bool, pending, begin uint64, err error) {
	s.guard.Enter()
	defer s.guard.Exit()

	l := s.larch.log
	// begin is read before the index so a concurrent compaction is either not
	// visible at all or its copies are
	begin = l.Begin()
	slot, ok, err := s.larch.index.Find(hash)
	if err != nil || !ok {
		return nil, false, 0, begin, err
	}

	addr, pending := s.trace(slot.Address(), key, begin)
	if addr == 0 {
		return nil, false, pending, begin, nil
	}
	if l.Get(addr).Tombstone() {
		return nil, false, 0, begin, nil
	}
	value, _, ok = l.TryReadValue(addr)
	if !ok {
		return nil, false, 0, begin, errLocked
	}
	return value, true, 0, begin, nil
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// mutate runs an operation until it commits, is a no-op or fails. The hook is
// called after the epoch was left.
func (s *session) mutate(op *operation) error {
	larch := s.larch
	m := larch.metrics

	for {
		st, err := s.attempt(op)
		switch st {
		case statusOK:
			if op.kind == opCopy {
				m.copies.Inc()
			} else if larch.hook != nil {
				larch.hook.OnMutation(op.key, op.result, op.tombstone, op.address)
			}
			return nil

		case statusNoop:
			if op.kind == opDelete {
				m.noops.Inc()
			}
			return nil

		case statusRetry:
			m.retries.Inc()
			runtime.Gosched()

		case statusPending:
			rec, err := s.traceDisk(op.diskFrom, op.key, op.diskBegin)
			if errors.Is(err, errTruncated) {
				m.retries.Inc()
				continue
			}
			if err != nil {
				return fmt.Errorf("%w: %w", db.ErrLogIO, err)
			}
			op.disk, op.diskKnown = rec, true

		case statusConflict:
			m.conflicts.Inc()
			op.conflicts++
			if op.conflicts > larch.opts.MaxRetries {
				m.exceeded.Inc()
				return fmt.Errorf("%w: gave up after %d conflicts", db.ErrConflictExceeded, op.conflicts)
			}
			runtime.Gosched()

		default:
			return err
		}
	}
}

// attempt runs one protected attempt of a mutation
func (s *session) attempt(op *operation) (status, error) {
	larch := s.larch
	l := larch.log

	s.guard.Enter()
	defer s.guard.Exit()

	begin := l.Begin()
	var (
		slot  index.Slot
		found = true
		err   error
	)
	if op.kind == opUpsert || op.kind == opRMW {
		slot, err = larch.index.FindOrCreate(op.hash)
	} else {
		slot, found, err = larch.index.Find(op.hash)
	}
	if errors.Is(err, index.ErrRetry) {
		return statusRetry, nil
	}
	if err != nil {
		return statusError, err
	}
	if !found {
		return statusNoop, nil
	}

	// find the newest version of the key
	head := slot.Address()
	var (
		latest   uint64
		exists   bool
		inMemory bool
		old      []byte
	)
	addr, pending := s.trace(head, op.key, begin)
	switch {
	case addr != 0:
		latest, inMemory = addr, true
		exists = !l.Get(addr).Tombstone()
	case pending != 0:
		if !op.diskKnown || op.diskFrom != pending {
			op.diskFrom, op.diskBegin, op.diskKnown = pending, begin, false
			return statusPending, nil
		}
		latest = op.disk.addr
		exists = latest != 0 && !op.disk.tombstone
		old = op.disk.value
	}

	switch op.kind {
	case opDelete:
		if !exists {
			return statusNoop, nil
		}
	case opCopy:
		if latest != op.src {
			return statusNoop, nil
		}
	case opUpsert, opRMW:
		if inMemory && exists && latest == head {
			if st, ok := s.inPlace(op, slot, latest); ok {
				return st, nil
			}
		}
	}

	// read-copy-update: append a new version and publish it with a CAS on the entry
	value, seq := op.value, uint32(0)
	switch op.kind {
	case opRMW:
		switch {
		case !exists:
			old = nil
		case inMemory:
			var ok bool
			if old, seq, ok = l.TryReadValue(latest); !ok {
				return statusConflict, nil
			}
		default:
			old = bytes.Clone(old)
		}
		value = op.fn(old, exists)
		if hlog.RecordSize(len(op.key), len(value)) > larch.maxRecord {
			return statusError, db.ErrRecordTooLarge
		}
	case opDelete:
		value = nil
	}

	newAddr, err := l.Allocate(hlog.RecordSize(len(op.key), len(value)))
	switch {
	case errors.Is(err, hlog.ErrRetryLater):
		return statusRetry, nil
	case errors.Is(err, hlog.ErrRecordTooLarge):
		return statusError, db.ErrRecordTooLarge
	case err != nil:
		return statusError, fmt.Errorf("%w: %w", db.ErrLogIO, err)
	}
	tombstone := op.kind == opDelete
	l.Write(newAddr, head, op.key, value, tombstone, larch.version.Load())
	larch.metrics.appends.Inc()

	// the superseded version must not change in place while the new one is published
	if inMemory {
		if !s.lockRecord(latest) {
			l.MarkInvalid(newAddr)
			return statusConflict, nil
		}
		if op.kind == opRMW && exists && l.Seq(latest) != seq {
			l.Unlock(latest)
			l.MarkInvalid(newAddr)
			return statusConflict, nil
		}
	}
	_, ok := slot.TryUpdate(newAddr)
	if inMemory {
		l.Unlock(latest)
	}
	if !ok {
		l.MarkInvalid(newAddr)
		return statusConflict, nil
	}

	op.result, op.address, op.tombstone = value, newAddr, tombstone
	return statusOK, nil
}

// inPlace tries the fast path: overwrite the value of the newest record if it is
// the head of its chain, mutable and large enough. ok is false if the record
// does not qualify and the operation has to append.
func (s *session) inPlace(op *operation, slot index.Slot, addr uint64) (status, bool) {
	l := s.larch.log
	if addr < l.ReadOnly() {
		return statusOK, false
	}
	isCurrent := func() bool { return slot.IsCurrent(addr) }

	switch op.kind {
	case opUpsert:
		if !l.TryInPlaceUpdate(addr, op.value, isCurrent) {
			return statusOK, false
		}
		op.result = op.value
	case opRMW:
		value, ok := l.TryInPlaceRMW(addr, func(old []byte) []byte { return op.fn(old, true) }, isCurrent)
		if !ok {
			return statusOK, false
		}
		op.result = value
	default:
		return statusOK, false
	}

	s.larch.metrics.inPlace.Inc()
	op.address, op.tombstone = addr, false
	return statusOK, true
}

// lockRecord takes the exclusive lock of an in-memory record, spinning briefly
func (s *session) lockRecord(addr uint64) bool {
	for i := 0; i < lockSpins; i++ {
		if s.larch.log.TryLock(addr) {
			return true
		}
		runtime.Gosched()
	}
	return false
}

// copyRecord re-appends the record at src with key and value if it is still the
// newest version of key. Reports whether a copy was appended.
func (s *session) copyRecord(key, value []byte, src uint64) (bool, error) {
	op := &operation{kind: opCopy, key: key, hash: util.HashKey(key), value: value, src: src}
	if err := s.mutate(op); err != nil {
		return false, err
	}
	return op.address != 0, nil
}
