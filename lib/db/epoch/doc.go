// Package epoch provides epoch based protection for lock-free data structures.
//
// Every goroutine that reads shared memory registers a Guard and brackets each access
// with Enter and Exit. The framework keeps a global epoch counter, the epoch a guard
// entered with is published in a per-slot table. The safe epoch is one below the
// oldest published epoch: no protected goroutine can still observe state that was
// replaced before the safe epoch.
//
// Writers that want to reclaim or repurpose memory first publish the new state, then
// bump the epoch and defer the reclamation:
//
//	log.head.Store(newHead)
//	f.BumpCurrentEpochWith(func() {
//	    // no goroutine can still read frames below newHead
//	    log.closeFrames(newHead)
//	})
//
// Deferred actions are ordered by their trigger epoch in a util.MapHeap and run by
// whichever goroutine calls Drain next (Exit and Refresh do so implicitly). Engines
// usually add a background drainer so actions also run while no session is active.
//
// The hybrid log uses the framework for page eviction and flushing, the hash index
// for its resize barrier and the checkpoint coordinator to learn when every session
// has crossed the checkpoint cut.
package epoch
