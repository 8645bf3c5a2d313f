package epoch

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("epoch")

// ErrTableFull is returned by Acquire when every slot of the epoch table is taken
var ErrTableFull = errors.New("epoch: no free slot in epoch table")

// DefaultTableSize is the number of slots used when New is called with size <= 0
const DefaultTableSize = 1024

// slot is one entry of the epoch table. local is 0 while the owner is not
// protected, otherwise it is the epoch the owner entered with.
// Slots are padded to a cache line so owners do not share lines.
type slot struct {
	local atomic.Uint64
	used  atomic.Bool
	_     [52]byte
}

// Framework implements epoch protection.
//
// Goroutines that touch shared memory (log pages, index buckets) acquire a Guard and
// Enter before and Exit after each access. Code that wants to free or repurpose such
// memory bumps the global epoch and defers the action with ExecuteWhenSafe (or
// BumpCurrentEpochWith). An action for epoch e runs once the safe epoch is >= e, i.e.
// once every goroutine that might still observe the old state has left it.
//
// Thread-safety: All methods are safe for concurrent use. A Guard belongs to a single
// goroutine at a time.
type Framework struct {
	current atomic.Uint64
	safe    atomic.Uint64
	slots   []slot

	mu       sync.Mutex
	pending  *util.MapHeap[func()]
	nextID   uint64
	npending atomic.Int64
	executed atomic.Uint64
}

// New creates a framework with room for size concurrently registered guards
func New(size int) *Framework {
	if size <= 0 {
		size = DefaultTableSize
	}
	f := &Framework{
		slots:   make([]slot, size),
		pending: util.NewMapHeap[func()](),
	}
	f.current.Store(1)
	return f
}

// --------------------------------------------------------------------------
// Guards
// --------------------------------------------------------------------------

// Guard is the registration of one goroutine (or session) in the epoch table
type Guard struct {
	f   *Framework
	s   *slot
	idx int
}

// Acquire reserves a slot in the epoch table.
// The returned guard must be released with Release when it is no longer needed.
func (f *Framework) Acquire() (*Guard, error) {
	for i := range f.slots {
		s := &f.slots[i]
		if !s.used.Load() && s.used.CompareAndSwap(false, true) {
			return &Guard{f: f, s: s, idx: i}, nil
		}
	}
	Logger.Warningf("all %d epoch slots are in use", len(f.slots))
	return nil, ErrTableFull
}

// Release frees the slot of the guard. The guard must not be protected.
func (g *Guard) Release() {
	if g.s == nil {
		return
	}
	if g.s.local.Load() != 0 {
		g.Exit()
	}
	g.s.used.Store(false)
	g.s = nil
}

// Enter marks the owner as protected in the current epoch and returns that epoch.
func (g *Guard) Enter() uint64 {
	e := g.f.current.Load()
	g.s.local.Store(e)
	return e
}

// Exit clears the protection and runs deferred actions that became safe.
func (g *Guard) Exit() {
	g.s.local.Store(0)
	g.f.Drain()
}

// Refresh moves a protected owner to the current epoch and runs due actions.
// Calling Refresh regularly lets long running protected loops unblock epoch actions.
func (g *Guard) Refresh() uint64 {
	e := g.f.current.Load()
	g.s.local.Store(e)
	g.f.Drain()
	return e
}

// Protected reports whether the owner is inside an Enter/Exit pair.
func (g *Guard) Protected() bool {
	return g.s != nil && g.s.local.Load() != 0
}

// --------------------------------------------------------------------------
// Epoch Operations
// --------------------------------------------------------------------------

// Current returns the current global epoch
func (f *Framework) Current() uint64 {
	return f.current.Load()
}

// BumpCurrentEpoch increments the global epoch and returns the new value.
func (f *Framework) BumpCurrentEpoch() uint64 {
	e := f.current.Add(1)
	f.Drain()
	return e
}

// BumpCurrentEpochWith increments the global epoch and runs action once every owner
// that was protected in the previous epoch has left it. Returns the new epoch.
// State changes the action depends on must be published before the call.
func (f *Framework) BumpCurrentEpochWith(action func()) uint64 {
	e := f.current.Add(1)
	f.ExecuteWhenSafe(e-1, action)
	return e
}

// ExecuteWhenSafe runs action once the safe epoch is >= target. The action runs
// either inline (if target is already safe) or later on a goroutine calling Drain.
func (f *Framework) ExecuteWhenSafe(target uint64, action func()) {
	if target <= f.TryGetSafeEpoch() {
		f.executed.Add(1)
		action()
		return
	}

	f.mu.Lock()
	f.nextID++
	f.pending.AddItem(f.nextID, target, action)
	f.npending.Add(1)
	f.mu.Unlock()

	// the epoch may have become safe while the action was queued
	f.Drain()
}

// TryGetSafeEpoch computes the safe epoch: every protected owner entered after it.
// The result is monotonic.
func (f *Framework) TryGetSafeEpoch() uint64 {
	oldest := f.current.Load()
	for i := range f.slots {
		if e := f.slots[i].local.Load(); e != 0 && e < oldest {
			oldest = e
		}
	}
	computed := oldest - 1

	for {
		prev := f.safe.Load()
		if computed <= prev {
			return prev
		}
		if f.safe.CompareAndSwap(prev, computed) {
			return computed
		}
	}
}

// Drain runs all deferred actions whose epoch is safe and returns their number.
// Actions run without any lock held and may schedule new actions.
func (f *Framework) Drain() int {
	if f.npending.Load() == 0 {
		return 0
	}
	safe := f.TryGetSafeEpoch()

	f.mu.Lock()
	ready := f.pending.PopUntil(safe)
	f.npending.Add(-int64(len(ready)))
	f.mu.Unlock()

	for _, action := range ready {
		action()
	}
	f.executed.Add(uint64(len(ready)))
	return len(ready)
}

// Pending returns the number of deferred actions that did not run yet
func (f *Framework) Pending() int {
	return int(f.npending.Load())
}

// Executed returns the number of deferred actions that ran so far
func (f *Framework) Executed() uint64 {
	return f.executed.Load()
}

// Active returns the number of currently protected slots
func (f *Framework) Active() int {
	n := 0
	for i := range f.slots {
		if f.slots[i].local.Load() != 0 {
			n++
		}
	}
	return n
}
