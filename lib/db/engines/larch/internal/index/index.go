package index

import (
	"errors"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/hKV/lib/db/epoch"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("index")

// ErrRetry is returned while the index prepares a resize. The caller must leave its
// epoch and restart the operation.
var ErrRetry = errors.New("index: resize in progress, retry after refreshing the epoch")

const (
	phaseStable uint32 = iota
	phasePrepare
	phaseMigrating
)

// Resolver gives the index access to the records its entries point to
type Resolver interface {
	// Resident returns the key hash and the previous address of an in-memory
	// record, ok is false if the record is not in memory. Called while protected.
	Resident(addr uint64) (hash, prev uint64, ok bool)

	// Prev returns the previous address of any record, reading it from secondary
	// storage if necessary. Called while not protected.
	Prev(addr uint64) (uint64, error)
}

// Index is a concurrent hash table mapping key hashes to the newest log address of
// the keys. Keys that share a bucket and a tag share one entry, their records are
// chained through the prev address of the records.
//
// Thread-safety: Find, FindOrCreate and Slot methods are safe for concurrent use by
// protected goroutines. Grow, Snapshot, Restore and ReclaimBelow are system
// operations and are serialized internally.
type Index struct {
	epoch    *epoch.Framework
	resolver Resolver

	cur   atomic.Pointer[table]
	phase atomic.Uint32
	grow  atomic.Pointer[growState]

	sysMu sync.Mutex
	grows atomic.Uint64
}

// New creates an index with size buckets (rounded up to a power of two)
func New(size uint64, ep *epoch.Framework, resolver Resolver) *Index {
	if size < 2 {
		size = 2
	}
	size = 1 << bits.Len64(size-1)

	i := &Index{
		epoch:    ep,
		resolver: resolver,
	}
	i.cur.Store(newTable(size))
	return i
}

// Size returns the number of buckets of the current table
func (i *Index) Size() uint64 {
	return i.cur.Load().size()
}

// OverflowBuckets returns the number of overflow buckets of the current table
func (i *Index) OverflowBuckets() int64 {
	return i.cur.Load().overflow.Load()
}

// NeedsGrow reports whether chains got long enough to double the table
func (i *Index) NeedsGrow() bool {
	t := i.cur.Load()
	return uint64(t.overflow.Load()) > t.size()/4
}

// tableFor returns the table an operation on hash has to use. During a resize the
// bucket of hash is migrated first.
func (i *Index) tableFor(hash uint64) (*table, error) {
	switch i.phase.Load() {
	case phasePrepare:
		return nil, ErrRetry
	case phaseMigrating:
		if g := i.grow.Load(); g != nil {
			g.migrate(hash&g.old.mask, i.resolver)
			return g.new, nil
		}
	}
	return i.cur.Load(), nil
}

// ------------------------------------------------------------------------------
// Slots
// ------------------------------------------------------------------------------

// Slot is a reference to an index entry as it was observed
type Slot struct {
	ptr   *atomic.Uint64
	entry entry
}

// Address returns the address the entry had when it was observed
func (s Slot) Address() uint64 {
	return s.entry.address()
}

// IsCurrent reports whether the entry still points to addr
func (s Slot) IsCurrent(addr uint64) bool {
	e := entry(s.ptr.Load())
	return e.matches(s.entry.tag()) && e.address() == addr
}

// TryUpdate swings the entry from the observed address to addr. On success the
// returned slot reflects the new state.
func (s Slot) TryUpdate(addr uint64) (Slot, bool) {
	next := makeEntry(s.entry.tag(), addr, false)
	if !s.ptr.CompareAndSwap(uint64(s.entry), uint64(next)) {
		return s, false
	}
	return Slot{ptr: s.ptr, entry: next}, true
}

// Reload returns the slot with the current state of the entry
func (s Slot) Reload() Slot {
	return Slot{ptr: s.ptr, entry: entry(s.ptr.Load())}
}

// ------------------------------------------------------------------------------
// Operations
// ------------------------------------------------------------------------------

// Find returns the entry of hash. found is false if no entry exists. The caller must
// be protected.
func (i *Index) Find(hash uint64) (slot Slot, found bool, err error) {
	t, err := i.tableFor(hash)
	if err != nil {
		return Slot{}, false, err
	}
	ptr, e, ok := t.find(hash&t.mask, tagOf(hash))
	if !ok {
		return Slot{}, false, nil
	}
	return Slot{ptr: ptr, entry: e}, true, nil
}

// FindOrCreate returns the entry of hash, creating an empty one (address 0) if none
// exists. The caller must be protected.
func (i *Index) FindOrCreate(hash uint64) (Slot, error) {
	t, err := i.tableFor(hash)
	if err != nil {
		return Slot{}, err
	}
	return t.findOrCreate(hash&t.mask, tagOf(hash)), nil
}

// findOrCreate claims a free entry tentatively and only finalizes it if no other
// entry with the same tag showed up in the meantime.
func (t *table) findOrCreate(idx uint64, tag uint16) Slot {
	for {
		if ptr, e, ok := t.find(idx, tag); ok {
			return Slot{ptr: ptr, entry: e}
		}

		slot := t.freeSlot(idx)
		if !slot.CompareAndSwap(0, uint64(makeEntry(tag, 0, true))) {
			continue
		}
		if t.hasOther(idx, tag, slot) {
			slot.Store(0)
			runtime.Gosched()
			continue
		}
		final := makeEntry(tag, 0, false)
		slot.Store(uint64(final))
		return Slot{ptr: slot, entry: final}
	}
}

// Relink raises the entry of hash to addr if it points to an older address. Used
// while replaying the log, applying a record twice has no effect.
func (i *Index) Relink(hash, addr uint64) {
	t := i.cur.Load()
	s := t.findOrCreate(hash&t.mask, tagOf(hash))
	for s.Address() < addr {
		next, ok := s.TryUpdate(addr)
		if ok {
			return
		}
		s = next.Reload()
	}
}

// ReclaimBelow clears every entry that points below begin and returns how many
// entries were cleared. Entries that are concurrently updated are left alone.
func (i *Index) ReclaimBelow(begin uint64) int {
	i.sysMu.Lock()
	defer i.sysMu.Unlock()

	n := 0
	i.cur.Load().forEach(func(_ uint64, slot *atomic.Uint64, e entry) {
		if a := e.address(); a != 0 && a < begin && slot.CompareAndSwap(uint64(e), 0) {
			n++
		}
	})
	return n
}
