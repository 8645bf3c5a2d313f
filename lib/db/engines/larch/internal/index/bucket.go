package index

import (
	"sync/atomic"
)

// Entry layout:
//
//	bits  0-47  address
//	bit   48    tentative
//	bits 49-62  tag (top 14 bits of the key hash)
//	bit   63    occupied
const (
	AddressBits = 48
	AddressMask = 1<<AddressBits - 1

	tentativeBit = 1 << 48
	tagShift     = 49
	tagBits      = 14
	tagMask      = 1<<tagBits - 1
	occupiedBit  = 1 << 63

	entriesPerBucket = 7
)

type entry uint64

func makeEntry(tag uint16, addr uint64, tentative bool) entry {
	e := occupiedBit | uint64(tag&tagMask)<<tagShift | addr&AddressMask
	if tentative {
		e |= tentativeBit
	}
	return entry(e)
}

func (e entry) address() uint64         { return uint64(e) & AddressMask }
func (e entry) tag() uint16             { return uint16(uint64(e)>>tagShift) & tagMask }
func (e entry) tentative() bool         { return uint64(e)&tentativeBit != 0 }
func (e entry) occupied() bool          { return uint64(e)&occupiedBit != 0 }
func (e entry) final() bool             { return e.occupied() && !e.tentative() }
func (e entry) matches(tag uint16) bool { return e.final() && e.tag() == tag }

// tagOf returns the tag of a key hash. Buckets are selected by the low bits, so the
// tag uses the high ones.
func tagOf(hash uint64) uint16 {
	return uint16(hash >> (64 - tagBits))
}

// bucket is a cache line of entries with a lazily allocated overflow chain
type bucket struct {
	entries  [entriesPerBucket]atomic.Uint64
	overflow atomic.Pointer[bucket]
}

// table is one generation of the hash table
type table struct {
	buckets  []bucket
	mask     uint64
	overflow atomic.Int64 // allocated overflow buckets
}

func newTable(size uint64) *table {
	return &table{
		buckets: make([]bucket, size),
		mask:    size - 1,
	}
}

func (t *table) size() uint64 {
	return uint64(len(t.buckets))
}

// find returns the final entry with tag in the chain of bucket idx
func (t *table) find(idx uint64, tag uint16) (*atomic.Uint64, entry, bool) {
	for b := &t.buckets[idx]; b != nil; b = b.overflow.Load() {
		for j := range b.entries {
			if e := entry(b.entries[j].Load()); e.matches(tag) {
				return &b.entries[j], e, true
			}
		}
	}
	return nil, 0, false
}

// freeSlot returns an empty entry of the chain of bucket idx, growing the chain if
// necessary. The slot may be taken by the time the caller tries to claim it.
func (t *table) freeSlot(idx uint64) *atomic.Uint64 {
	b := &t.buckets[idx]
	for {
		for j := range b.entries {
			if b.entries[j].Load() == 0 {
				return &b.entries[j]
			}
		}
		next := b.overflow.Load()
		if next == nil {
			if b.overflow.CompareAndSwap(nil, &bucket{}) {
				t.overflow.Add(1)
			}
			next = b.overflow.Load()
		}
		b = next
	}
}

// hasOther reports whether the chain holds another entry (final or tentative) with tag
func (t *table) hasOther(idx uint64, tag uint16, mine *atomic.Uint64) bool {
	for b := &t.buckets[idx]; b != nil; b = b.overflow.Load() {
		for j := range b.entries {
			if &b.entries[j] == mine {
				continue
			}
			if e := entry(b.entries[j].Load()); e.occupied() && e.tag() == tag {
				return true
			}
		}
	}
	return false
}

// put stores a final entry, used where no concurrent writer touches the bucket
// (migration and restore)
func (t *table) put(idx uint64, tag uint16, addr uint64) {
	for {
		slot := t.freeSlot(idx)
		if slot.CompareAndSwap(0, uint64(makeEntry(tag, addr, false))) {
			return
		}
	}
}

// forEach calls fn for every final entry, bucket by bucket
func (t *table) forEach(fn func(idx uint64, slot *atomic.Uint64, e entry)) {
	for i := range t.buckets {
		for b := &t.buckets[i]; b != nil; b = b.overflow.Load() {
			for j := range b.entries {
				if e := entry(b.entries[j].Load()); e.final() {
					fn(uint64(i), &b.entries[j], e)
				}
			}
		}
	}
}
