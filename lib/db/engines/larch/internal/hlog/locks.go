package hlog

import (
	"runtime"
	"sync/atomic"
)

const (
	lockStripeBits = 12
	lockStripes    = 1 << lockStripeBits
)

// stripe is a reader/writer spin lock. state > 0 counts readers, -1 marks a writer.
type stripe struct {
	state atomic.Int32
	_     [60]byte
}

// lockTable maps record addresses to striped reader/writer locks. The locks live
// outside the page memory, so flushing a page never races with lock words.
// Two records may share a stripe, holders never take a second stripe.
type lockTable struct {
	stripes [lockStripes]stripe
}

func (t *lockTable) of(addr uint64) *stripe {
	h := (addr >> 3) * 0x9E3779B97F4A7C15
	return &t.stripes[h>>(64-lockStripeBits)]
}

// tryRLock takes the stripe shared, giving up after spins attempts while a
// writer holds it
func (s *stripe) tryRLock(spins int) bool {
	for i := 0; i < spins; i++ {
		v := s.state.Load()
		if v >= 0 && s.state.CompareAndSwap(v, v+1) {
			return true
		}
		runtime.Gosched()
	}
	return false
}

func (s *stripe) runlock() {
	s.state.Add(-1)
}

// tryLock acquires the stripe exclusively without waiting
func (s *stripe) tryLock() bool {
	return s.state.CompareAndSwap(0, -1)
}

func (s *stripe) unlock() {
	s.state.Store(0)
}
