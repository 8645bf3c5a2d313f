// Package lockmgr implements a locking mechanism on top of key-value stores
// that implement the store.IStore interface. It provides a simple way to
// coordinate access to shared resources across multiple processes.
//
// The lockmgr only ever stores in the provided IStore and has no other internal
// state. Therefore it is safe to be created multiple times on the same store.
// It is even possible to create a new lockmgr for every acquire and or release
// operation. As long as the same store is used every time, all locks will
// work as expected.
//
// Core Functionality:
//   - Lock acquisition with ownership verification
//   - Automatic lock expiration through configurable timeouts
//   - Safe release operations that verify ownership
//
// Implementation Approach:
//
//	Locks are implemented with two merge operators that the package registers
//	for the RMW operation of the store ("lockmgr.acquire" and "lockmgr.release").
//	Each acquire and release is therefore a single atomic read-modify-write:
//
//	- Lock Value: The stored value is a random 256 bit owner ID followed by
//	  the deadline of the lock (unix nanoseconds, little endian, 0 = never).
//	  An empty value, a missing key or a lock past its deadline is free.
//
//	- Lock Acquisition: The acquire operator installs the requested lock value
//	  if the lock is free and keeps the current value otherwise. The lock was
//	  acquired if the committed value equals the requested one.
//
//	- Safe Release: The release operator empties the value if the lock is held
//	  by the given owner (or is not held at all) and keeps it otherwise.
//
//	Expiry is evaluated when a lock is touched, there is no background sweeper.
//	Clocks of the processes evaluating the operators (the server for remote
//	stores) decide about expiry.
//
// Thread Safety:
//
//	The lockmgr is as thread-safe as the underlying store.IStore
//	implementation. All operations are performed through the store interface.
//
// Usage Example:
//
//	// Create a lock manager with a store backend
//	locks := lockmgr.NewLockManager(store)
//
//	// Acquire a lock with a timeout
//	acquired, ownerID, err := locks.AcquireLock("resource:123", 30*time.Second)
//	if err != nil {
//	    // Handle error
//	}
//
//	if acquired {
//	    // Use the resource safely
//	    // ...
//
//	    // Release the lock when done
//	    released, err := locks.ReleaseLock("resource:123", ownerID)
//	    if err != nil {
//	        // Handle error
//	    }
//	}
//
// Security Considerations:
//
//	The lock mechanism uses randomly generated owner IDs, which provides
//	reasonable protection against accidental lock stealing. However, it is
//	not designed to resist malicious attacks, as an attacker with access to
//	the underlying store could manipulate lock data directly.
//
// Performance Impact:
//
//	AcquireLock and ReleaseLock are one RMW each. Conflicting acquires on a hot
//	lock are retried by the engine and can fail with a conflict error.
package lockmgr
