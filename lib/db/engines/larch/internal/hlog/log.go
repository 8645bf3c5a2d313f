package hlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hKV/lib/db/epoch"
	"github.com/ValentinKolb/hKV/lib/db/util"
	lru "github.com/hashicorp/golang-lru"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/singleflight"
)

var Logger = logger.GetLogger("hlog")

var (
	// ErrRetryLater is returned by Allocate when the frame for the next page is still
	// in use. The caller must leave its epoch (so flushes and evictions can finish)
	// and retry.
	ErrRetryLater = errors.New("hlog: no free page frame, retry after refreshing the epoch")

	ErrLogFull        = errors.New("hlog: address space exhausted")
	ErrRecordTooLarge = errors.New("hlog: record does not fit into a page")
	ErrInvalidConfig  = errors.New("hlog: invalid configuration")
)

const (
	// FirstValidAddress is the address of the first record, 0 is never a valid address
	FirstValidAddress = 64

	// MaxAddress is the largest address that fits into an index entry
	MaxAddress = 1<<48 - 1

	MinPageBits = 12
	MaxPageBits = 30

	// the tail word packs page (high 24 bits) and offset (low 40 bits)
	offsetBits = 40
	offsetMask = 1<<offsetBits - 1

	defaultCachePages = 16
)

// Config configures a Log
type Config struct {
	PageBits     uint             // log2 of the page size
	MemoryPages  uint64           // number of in-memory page frames
	MutablePages uint64           // number of newest pages that accept in-place updates
	CachePages   int              // number of evicted pages kept in the fault cache
	Device       Device           // secondary storage, not owned by the log
	Epoch        *epoch.Framework // epoch framework shared with the index and sessions
}

func (c *Config) validate() error {
	if c.PageBits < MinPageBits || c.PageBits > MaxPageBits {
		return fmt.Errorf("%w: page bits must be within [%d, %d], got %d", ErrInvalidConfig, MinPageBits, MaxPageBits, c.PageBits)
	}
	if c.MemoryPages < 3 {
		return fmt.Errorf("%w: at least 3 memory pages are required, got %d", ErrInvalidConfig, c.MemoryPages)
	}
	if c.MutablePages == 0 || c.MutablePages > c.MemoryPages-2 {
		return fmt.Errorf("%w: mutable pages must be within [1, %d], got %d", ErrInvalidConfig, c.MemoryPages-2, c.MutablePages)
	}
	if c.Device == nil || c.Epoch == nil {
		return fmt.Errorf("%w: device and epoch framework are required", ErrInvalidConfig)
	}
	return nil
}

type flushRange struct {
	from, to uint64
}

// Stats are counters of the log
type Stats struct {
	PageTurns    uint64 `json:"page_turns"`
	RetryLater   uint64 `json:"retry_later"`
	FlushedBytes uint64 `json:"flushed_bytes"`
	Faults       uint64 `json:"faults"`
	CacheHits    uint64 `json:"cache_hits"`
	InPlace      uint64 `json:"in_place_updates"`
}

// Log is a hybrid log of fixed size pages. The newest pages live in a circular
// buffer of frames, older pages only on the Device.
//
// Address markers (all monotonic):
//
//	begin <= head <= safeReadOnly <= readOnly <= tail
//	head <= flushed <= safeReadOnly, closed <= head
//
// Records in [readOnly, tail) are mutable, [head, readOnly) are in memory but
// immutable, records below head have to be fetched from the device.
//
// Thread-safety: All exported methods are safe for concurrent use. Methods that
// hand out Record views of in-memory pages require the caller to be protected by
// the epoch framework for as long as the view is used.
type Log struct {
	pageBits uint
	pageSize uint64
	frames   [][]byte
	nframes  uint64
	mutable  uint64
	device   Device
	epoch    *epoch.Framework
	locks    lockTable

	tail   atomic.Uint64 // packed page|offset
	turnMu sync.Mutex

	begin        atomic.Uint64
	head         atomic.Uint64
	desiredHead  atomic.Uint64
	readOnly     atomic.Uint64
	safeReadOnly atomic.Uint64
	flushed      atomic.Uint64
	closed       atomic.Uint64

	flushMu     sync.Mutex
	flushQueued uint64
	flushQ      *util.LockFreeMPSC[flushRange]
	flushDone   chan struct{}
	flushErr    atomic.Pointer[error]
	flushSignal atomic.Pointer[chan struct{}]

	cache  *lru.Cache
	faults singleflight.Group

	pageTurns    atomic.Uint64
	retryLater   atomic.Uint64
	flushedBytes atomic.Uint64
	faultCount   atomic.Uint64
	cacheHits    atomic.Uint64
	inPlace      atomic.Uint64
}

// New creates an empty log and starts its flush goroutine
func New(cfg Config) (*Log, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.CachePages <= 0 {
		cfg.CachePages = defaultCachePages
	}
	cache, err := lru.New(cfg.CachePages)
	if err != nil {
		return nil, err
	}

	l := &Log{
		pageBits:  cfg.PageBits,
		pageSize:  1 << cfg.PageBits,
		nframes:   cfg.MemoryPages,
		mutable:   cfg.MutablePages,
		device:    cfg.Device,
		epoch:     cfg.Epoch,
		flushQ:    util.NewLockFreeMPSC[flushRange](),
		flushDone: make(chan struct{}),
		cache:     cache,
	}
	l.frames = make([][]byte, l.nframes)
	for i := range l.frames {
		l.frames[i] = make([]byte, l.pageSize)
	}

	sig := make(chan struct{})
	l.flushSignal.Store(&sig)

	l.tail.Store(FirstValidAddress)
	l.begin.Store(FirstValidAddress)

	go l.flushWorker()
	return l, nil
}

// ------------------------------------------------------------------------------
// Addresses
// ------------------------------------------------------------------------------

func (l *Log) Page(addr uint64) uint64      { return addr >> l.pageBits }
func (l *Log) PageStart(page uint64) uint64 { return page << l.pageBits }
func (l *Log) PageSize() uint64             { return l.pageSize }
func (l *Log) offset(addr uint64) uint64    { return addr & (l.pageSize - 1) }
func (l *Log) frame(page uint64) []byte     { return l.frames[page%l.nframes] }

// Tail returns the address the next record would be allocated at (or the start of
// the next page if the current one is full).
func (l *Log) Tail() uint64 {
	v := l.tail.Load()
	off := v & offsetMask
	if off > l.pageSize {
		off = l.pageSize
	}
	return l.PageStart(v>>offsetBits) + off
}

func (l *Log) Begin() uint64        { return l.begin.Load() }
func (l *Log) Head() uint64         { return l.head.Load() }
func (l *Log) ReadOnly() uint64     { return l.readOnly.Load() }
func (l *Log) SafeReadOnly() uint64 { return l.safeReadOnly.Load() }
func (l *Log) Flushed() uint64      { return l.flushed.Load() }

// InMemory reports whether addr is served from a page frame. The answer only stays
// true while the caller is protected.
func (l *Log) InMemory(addr uint64) bool {
	return addr >= l.head.Load()
}

// atomicMax raises a to v and reports whether a changed
func atomicMax(a *atomic.Uint64, v uint64) bool {
	for {
		cur := a.Load()
		if v <= cur {
			return false
		}
		if a.CompareAndSwap(cur, v) {
			return true
		}
	}
}

// ------------------------------------------------------------------------------
// Allocation
// ------------------------------------------------------------------------------

// Allocate reserves size bytes (see RecordSize) at the tail and returns their address.
// The caller must be protected and must write the record before leaving its epoch.
// Returns ErrRetryLater if the next page frame is not free yet.
func (l *Log) Allocate(size uint64) (uint64, error) {
	if size > l.pageSize-FirstValidAddress {
		return 0, ErrRecordTooLarge
	}
	if err := l.FlushError(); err != nil {
		return 0, err
	}

	for {
		cur := l.tail.Load()
		if cur&offsetMask+size > l.pageSize {
			// seal the page before adding, the offset must not grow into the page bits
			if err := l.turnPage(cur >> offsetBits); err != nil {
				return 0, err
			}
			continue
		}

		v := l.tail.Add(size)
		page, end := v>>offsetBits, v&offsetMask
		if end <= l.pageSize {
			return l.PageStart(page) + end - size, nil
		}
		if err := l.turnPage(page); err != nil {
			return 0, err
		}
	}
}

// turnPage moves the tail to the next page if it still is on page
func (l *Log) turnPage(page uint64) error {
	l.turnMu.Lock()
	defer l.turnMu.Unlock()

	if l.tail.Load()>>offsetBits != page {
		return nil
	}
	next := page + 1
	if l.PageStart(next+1)-1 > MaxAddress {
		return ErrLogFull
	}

	l.shiftForTail(next)

	// the frame of next still holds page next-nframes until that page is closed
	if next >= l.Page(l.closed.Load())+l.nframes {
		l.retryLater.Add(1)
		if err := l.FlushError(); err != nil {
			return err
		}
		return ErrRetryLater
	}

	clear(l.frame(next))
	l.tail.Store(next << offsetBits)
	l.pageTurns.Add(1)
	return nil
}

// shiftForTail moves readOnly and head so that only the newest pages stay mutable
// and a frame ahead of the tail becomes free
func (l *Log) shiftForTail(tailPage uint64) {
	if tailPage+1 > l.mutable {
		l.ShiftReadOnly(l.PageStart(tailPage + 1 - l.mutable))
	}
	if tailPage+2 > l.nframes {
		l.shiftHead(l.PageStart(tailPage + 2 - l.nframes))
	}
}

// ShiftReadOnly makes all records below target immutable. Once every session left
// the current epoch the range is queued for flushing.
func (l *Log) ShiftReadOnly(target uint64) bool {
	if !atomicMax(&l.readOnly, target) {
		return false
	}
	l.epoch.BumpCurrentEpochWith(func() { l.onSafeReadOnly(target) })
	return true
}

// ShiftReadOnlyToTail shifts readOnly to the current tail and returns it. The channel
// is closed once every session that could still write below the cut left its epoch
// and the range below the cut is queued for flushing.
func (l *Log) ShiftReadOnlyToTail() (uint64, <-chan struct{}) {
	cut := l.Tail()
	done := make(chan struct{})
	atomicMax(&l.readOnly, cut)
	l.epoch.BumpCurrentEpochWith(func() {
		l.onSafeReadOnly(cut)
		close(done)
	})
	return cut, done
}

func (l *Log) onSafeReadOnly(target uint64) {
	atomicMax(&l.safeReadOnly, target)

	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	if target > l.flushQueued {
		l.flushQ.Push(flushRange{from: l.flushQueued, to: target})
		l.flushQueued = target
	}
}

// shiftHead requests eviction of all pages below target (page aligned). Eviction
// happens once the pages are flushed and every session left the current epoch.
func (l *Log) shiftHead(target uint64) {
	atomicMax(&l.desiredHead, target)
	l.tryShiftHead()
}

func (l *Log) tryShiftHead() {
	target := min(l.desiredHead.Load(), l.flushed.Load())
	target &^= l.pageSize - 1
	if !atomicMax(&l.head, target) {
		return
	}
	l.epoch.BumpCurrentEpochWith(func() { atomicMax(&l.closed, target) })
}

// ------------------------------------------------------------------------------
// Record access
// ------------------------------------------------------------------------------

// Write initializes the record at an address returned by Allocate
func (l *Log) Write(addr, prev uint64, key, value []byte, tombstone bool, version uint32) Record {
	r := l.Get(addr)
	r.init(prev, key, value, tombstone, version)
	return r
}

// Get returns the in-memory record at addr. The caller must be protected and addr
// must be >= Head.
func (l *Log) Get(addr uint64) Record {
	return Record(l.frame(l.Page(addr))[l.offset(addr):])
}

// MarkInvalid flags an appended record that lost its publication race
func (l *Log) MarkInvalid(addr uint64) {
	l.Get(addr).markInvalid()
}

// ReadSpins bounds how often TryReadValue retries the shared lock of a record
const ReadSpins = 64

// TryReadValue copies the value of an in-memory record under its shared lock and
// returns it together with the in-place sequence number. ok is false if a writer
// held the lock for ReadSpins attempts.
func (l *Log) TryReadValue(addr uint64) (value []byte, seq uint32, ok bool) {
	st := l.locks.of(addr)
	if !st.tryRLock(ReadSpins) {
		return nil, 0, false
	}
	defer st.runlock()
	r := l.Get(addr)
	return append([]byte(nil), r.Value()...), r.Seq(), true
}

// TryInPlaceUpdate overwrites the value of the record at addr if the record is in the
// mutable region, still the newest version (isCurrent) and value fits its capacity.
func (l *Log) TryInPlaceUpdate(addr uint64, value []byte, isCurrent func() bool) bool {
	_, ok := l.TryInPlaceRMW(addr, func([]byte) []byte { return value }, isCurrent)
	return ok
}

// TryInPlaceRMW is TryInPlaceUpdate with a value computed from the current value.
// fn runs under the exclusive record lock and receives a private copy.
func (l *Log) TryInPlaceRMW(addr uint64, fn func(old []byte) []byte, isCurrent func() bool) ([]byte, bool) {
	if addr < l.readOnly.Load() {
		return nil, false
	}
	st := l.locks.of(addr)
	if !st.tryLock() {
		return nil, false
	}
	defer st.unlock()

	if addr < l.readOnly.Load() || !isCurrent() {
		return nil, false
	}
	r := l.Get(addr)
	if r.Tombstone() {
		return nil, false
	}
	value := fn(append([]byte(nil), r.Value()...))
	if uint64(len(value)) > uint64(r.ValueCap()) {
		return nil, false
	}
	r.setValue(value)
	l.inPlace.Add(1)
	return value, true
}

// TryLock takes the exclusive lock of the record at addr. Committers hold it while
// publishing a successor so no in-place update of the predecessor gets lost.
func (l *Log) TryLock(addr uint64) bool {
	return l.locks.of(addr).tryLock()
}

func (l *Log) Unlock(addr uint64) {
	l.locks.of(addr).unlock()
}

// Seq returns the in-place sequence of an in-memory record. The caller holds its lock.
func (l *Log) Seq(addr uint64) uint32 {
	return l.Get(addr).Seq()
}

// ------------------------------------------------------------------------------
// Page faults
// ------------------------------------------------------------------------------

// Cached returns the record at addr if its page is in the fault cache. The record
// is validated, corruption is reported as ErrCorruptRecord.
func (l *Log) Cached(addr uint64) (Record, bool, error) {
	v, ok := l.cache.Get(l.Page(addr))
	if !ok {
		return nil, false, nil
	}
	l.cacheHits.Add(1)
	r, err := l.RecordIn(v.([]byte), addr)
	return r, true, err
}

// RecordIn returns the validated record at addr inside a page buffer
func (l *Log) RecordIn(page []byte, addr uint64) (Record, error) {
	off := l.offset(addr)
	r := Record(page[off:])
	if err := r.validate(l.pageSize - off); err != nil {
		return nil, fmt.Errorf("record at %d: %w", addr, err)
	}
	return r, nil
}

// FetchPage reads a page from the device into the fault cache. Concurrent faults of
// the same page share one read. It blocks on I/O, so the caller must not be protected.
func (l *Log) FetchPage(page uint64) ([]byte, error) {
	if v, ok := l.cache.Get(page); ok {
		l.cacheHits.Add(1)
		return v.([]byte), nil
	}
	v, err, _ := l.faults.Do(strconv.FormatUint(page, 10), func() (interface{}, error) {
		buf := make([]byte, l.pageSize)
		if err := l.device.ReadPage(page, buf); err != nil {
			return nil, err
		}
		l.faultCount.Add(1)
		l.cache.Add(page, buf)
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// ------------------------------------------------------------------------------
// Flushing
// ------------------------------------------------------------------------------

func (l *Log) flushWorker() {
	defer close(l.flushDone)

	for r := range l.flushQ.Recv() {
		if l.FlushError() == nil {
			if err := l.writeRange(r.from, r.to); err != nil {
				Logger.Errorf("flush of [%d, %d) failed: %v", r.from, r.to, err)
				l.flushErr.Store(&err)
			} else {
				atomicMax(&l.flushed, r.to)
				l.flushedBytes.Add(r.to - r.from)
			}
		}
		l.notifyFlush()
		l.tryShiftHead()
	}
}

func (l *Log) writeRange(from, to uint64) error {
	for from < to {
		p := l.Page(from)
		end := min(to, l.PageStart(p+1))
		off := l.offset(from)
		if err := l.device.WritePage(p, off, l.frame(p)[off:off+(end-from)]); err != nil {
			return fmt.Errorf("flush page %d: %w", p, err)
		}
		from = end
	}
	return nil
}

func (l *Log) notifyFlush() {
	next := make(chan struct{})
	prev := l.flushSignal.Swap(&next)
	close(*prev)
}

// FlushError returns the first flush failure. Flush failures are sticky: a log
// that failed to flush does not accept new records.
func (l *Log) FlushError() error {
	if errp := l.flushErr.Load(); errp != nil {
		return *errp
	}
	return nil
}

// WaitFlushed blocks until all records below addr are written to the device
func (l *Log) WaitFlushed(ctx context.Context, addr uint64) error {
	for {
		sig := *l.flushSignal.Load()
		if l.flushed.Load() >= addr {
			return nil
		}
		if err := l.FlushError(); err != nil {
			return err
		}
		select {
		case <-sig:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AwaitEpoch waits for a channel returned by an epoch dependent operation while
// draining deferred actions. The caller must not be protected.
func (l *Log) AwaitEpoch(ctx context.Context, done <-chan struct{}) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		l.epoch.Drain()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// FlushAll makes every record below the current tail immutable and waits until it
// is on the device. Returns the flushed address. The caller must not be protected.
func (l *Log) FlushAll(ctx context.Context) (uint64, error) {
	cut, done := l.ShiftReadOnlyToTail()
	if err := l.AwaitEpoch(ctx, done); err != nil {
		return 0, err
	}
	if err := l.WaitFlushed(ctx, cut); err != nil {
		return 0, err
	}
	return cut, nil
}

// ------------------------------------------------------------------------------
// Begin / recovery
// ------------------------------------------------------------------------------

// ShiftBegin moves the logical begin of the log. The returned channel is closed once
// no session can still read below the new begin, the caller may truncate then.
func (l *Log) ShiftBegin(addr uint64) <-chan struct{} {
	done := make(chan struct{})
	atomicMax(&l.begin, addr)
	l.epoch.BumpCurrentEpochWith(func() { close(done) })
	return done
}

// TruncateDevice drops device pages and cached pages below begin
func (l *Log) TruncateDevice() error {
	beginPage := l.Page(l.begin.Load())
	for _, k := range l.cache.Keys() {
		if p := k.(uint64); p < beginPage {
			l.cache.Remove(p)
		}
	}
	return l.device.TruncateUntil(beginPage)
}

// Restore positions an empty log after recovery. Records in [begin, tail) are on
// the device, new records are appended from the next page boundary on.
// Must be called before the log is used.
func (l *Log) Restore(begin, tail uint64) {
	if tail <= FirstValidAddress {
		if begin > FirstValidAddress {
			l.begin.Store(begin)
		}
		return
	}
	page := l.Page(tail)
	if l.offset(tail) != 0 {
		page++
	}
	start := l.PageStart(page)

	l.begin.Store(max(begin, FirstValidAddress))
	for _, a := range []*atomic.Uint64{&l.head, &l.desiredHead, &l.readOnly, &l.safeReadOnly, &l.flushed, &l.closed} {
		a.Store(start)
	}
	l.flushMu.Lock()
	l.flushQueued = start
	l.flushMu.Unlock()
	clear(l.frame(page))
	l.tail.Store(page << offsetBits)
}

// Seal zeroes the device page containing tail from tail on, so records of an
// abandoned log suffix are never scanned again. Must be called before Restore.
func (l *Log) Seal(tail uint64) error {
	off := l.offset(tail)
	if tail < FirstValidAddress || off == 0 {
		return nil
	}
	page := l.Page(tail)
	l.cache.Remove(page)
	if err := l.device.WritePage(page, off, make([]byte, l.pageSize-off)); err != nil {
		return fmt.Errorf("seal page %d: %w", page, err)
	}
	return l.device.Sync()
}

// Scan calls fn for every record in [from, to) read from the device, in address
// order. Records are validated, a missing page or a corrupt record stops the scan
// with an error. from must be a record boundary.
func (l *Log) Scan(from, to uint64, fn func(addr uint64, r Record) error) error {
	from = max(from, FirstValidAddress)
	buf := make([]byte, l.pageSize)

	for addr := from; addr < to; {
		p := l.Page(addr)
		if err := l.device.ReadPage(p, buf); err != nil {
			return fmt.Errorf("scan page %d: %w", p, err)
		}

		end := l.pageSize
		if l.PageStart(p+1) > to {
			end = l.offset(to)
		}
		for off := l.offset(addr); off < end && l.pageSize-off >= HeaderSize; {
			r := Record(buf[off:])
			if r.KeyLen() == 0 {
				// nothing was allocated behind this point of the page
				break
			}
			if err := r.validate(l.pageSize - off); err != nil {
				return fmt.Errorf("record at %d: %w", l.PageStart(p)+off, err)
			}
			if err := fn(l.PageStart(p)+off, r); err != nil {
				return err
			}
			off += r.Size()
		}
		addr = l.PageStart(p + 1)
	}
	return nil
}

// Stats returns a snapshot of the log counters
func (l *Log) Stats() Stats {
	return Stats{
		PageTurns:    l.pageTurns.Load(),
		RetryLater:   l.retryLater.Load(),
		FlushedBytes: l.flushedBytes.Load(),
		Faults:       l.faultCount.Load(),
		CacheHits:    l.cacheHits.Load(),
		InPlace:      l.inPlace.Load(),
	}
}

// Close stops the flush goroutine after the queued flushes completed. Records that
// were not flushed before are lost, use FlushAll first. The device is not closed.
func (l *Log) Close() error {
	l.flushQ.Close()
	<-l.flushDone
	l.cache.Purge()
	return l.FlushError()
}
