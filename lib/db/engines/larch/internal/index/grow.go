package index

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

// migration states of an old bucket
const (
	migPending uint32 = iota
	migRunning
	migDone
)

type growState struct {
	old, new  *table
	states    []atomic.Uint32
	remaining atomic.Int64
}

// Grow doubles the number of buckets.
//
// The resize runs in three phases. In PREPARE all operations fail with ErrRetry
// until every session left the epoch it was in when the resize started, so nobody
// still works on the old table unaware of the resize. In MIGRATING every operation
// first splits the old bucket of its key into the two new buckets (helping the
// grower), then works on the new table. The grower sweeps the remaining buckets,
// publishes the new table and returns to STABLE.
//
// The caller must not be protected.
func (i *Index) Grow(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.sysMu.Lock()
	defer i.sysMu.Unlock()

	// the sweep reads in-memory records and needs protection like any session
	guard, err := i.epoch.Acquire()
	if err != nil {
		return err
	}
	defer guard.Release()

	old := i.cur.Load()
	g := &growState{
		old:    old,
		new:    newTable(old.size() * 2),
		states: make([]atomic.Uint32, old.size()),
	}
	g.remaining.Store(int64(old.size()))

	// the grow state is published only after the barrier, an operation that still
	// runs in the migration phase of a previous resize must not see it
	prepared := make(chan struct{})
	i.phase.Store(phasePrepare)
	i.epoch.BumpCurrentEpochWith(func() {
		i.grow.Store(g)
		i.phase.Store(phaseMigrating)
		close(prepared)
	})
	i.awaitEpoch(prepared)

	for b := uint64(0); b < old.size(); b++ {
		guard.Enter()
		g.migrate(b, i.resolver)
		guard.Exit()
	}

	i.cur.Store(g.new)
	i.phase.Store(phaseStable)
	i.epoch.BumpCurrentEpochWith(func() { i.grow.CompareAndSwap(g, nil) })
	i.grows.Add(1)

	Logger.Infof("index grown from %d to %d buckets", old.size(), g.new.size())
	return nil
}

// awaitEpoch drains epoch actions until done is closed. Sessions leave their epoch
// after every operation, so this does not wait on anything unbounded.
func (i *Index) awaitEpoch(done <-chan struct{}) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		i.epoch.Drain()
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// migrate splits old bucket b, or waits until the goroutine that claimed it is done
func (g *growState) migrate(b uint64, r Resolver) {
	st := &g.states[b]
	if st.Load() == migDone {
		return
	}
	if st.CompareAndSwap(migPending, migRunning) {
		g.split(b, r)
		st.Store(migDone)
		g.remaining.Add(-1)
		return
	}
	for st.Load() != migDone {
		runtime.Gosched()
	}
}

// split distributes the entries of old bucket b over the new buckets b and b+n.
//
// An entry covers all keys of its tag in the bucket, which may now belong to
// either half. For each half the chain is followed through in-memory records to
// the newest record of that half. Once the chain leaves memory its hashes are
// unknown, so the remaining halves link to the first on-disk address; lookups
// compare keys and skip foreign records.
func (g *growState) split(b uint64, r Resolver) {
	n := g.old.size()

	for ob := &g.old.buckets[b]; ob != nil; ob = ob.overflow.Load() {
		for j := range ob.entries {
			e := entry(ob.entries[j].Load())
			if !e.final() || e.address() == 0 {
				continue
			}

			var (
				dst   [2]uint64
				found [2]bool
			)
			for a := e.address(); a != 0 && !(found[0] && found[1]); {
				hash, prev, ok := r.Resident(a)
				if !ok {
					for h := range dst {
						if !found[h] {
							dst[h], found[h] = a, true
						}
					}
					break
				}
				h := 0
				if hash&n != 0 {
					h = 1
				}
				if !found[h] {
					dst[h], found[h] = a, true
				}
				a = prev
			}

			for h := range dst {
				if found[h] {
					g.new.put(b+uint64(h)*n, e.tag(), dst[h])
				}
			}
		}
	}
}

// Grows returns the number of completed resizes
func (i *Index) Grows() uint64 {
	return i.grows.Load()
}
