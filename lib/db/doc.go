// Package db provides a standardized interface for embedded key-value engines.
// It defines the KVDB and Session interfaces that allow for consistent interaction
// with the storage engine while abstracting implementation details.
//
// The package focuses on:
//   - A session based interface for Read, Upsert, RMW and Delete
//   - Feature discovery through capability flags
//   - A shared error taxonomy (errors.go)
//   - A notification hook for committed mutations
//
// Key Components:
//
//   - KVDB Interface: The engine handle. It creates sessions and runs system operations
//     like Checkpoint, GrowIndex and Compact.
//
//   - Session Interface: The per-goroutine execution context. Every data operation is
//     executed through a session. Sessions are cheap but not thread-safe, a transport
//     typically keeps a pool of them.
//
//   - MutationHook: Called synchronously after each committed mutation with the key,
//     the new value (or a tombstone marker) and the log address of the commit. The pub/sub
//     broker (github.com/ValentinKolb/hKV/lib/pubsub) is the main consumer.
//
//   - Feature Flags: The Feature type defines capability flags that implementations
//     can advertise through the SupportsFeature method.
//
//   - Database Information: The DatabaseInfo structure provides standardized
//     reporting on database state, including size statistics, implementation type,
//     and implementation-specific metadata.
//
// Error handling:
//
//   - ErrNotFound: Read on an absent or deleted key. Expected and recoverable.
//   - ErrConflictExceeded: the optimistic retry budget of a mutation is exhausted. The caller may retry.
//   - ErrLogIO: the secondary storage failed. Not retried by the engine.
//   - ErrCheckpointInProgress: a checkpoint is already running. Requests are rejected, not queued.
//   - ErrRecoveryFatal: the engine refuses to open in a possibly inconsistent state.
//   - ErrUnsupported: a system operation the engine does not implement.
//
// Related Packages:
//
// The engines/larch package (github.com/ValentinKolb/hKV/lib/db/engines/larch) implements
// the KVDB interface as a hybrid log: records live in a log of fixed-size pages whose tail
// is kept in memory, a lock-free hash index maps keys to their newest record and an epoch
// framework (github.com/ValentinKolb/hKV/lib/db/epoch) guards page eviction, index growth
// and checkpoints.
//
// The engines/maple package keeps all values in sharded in-memory maps. It has no
// log and no checkpoints and serves as the reference larch is tested against.
//
// The testing package (github.com/ValentinKolb/hKV/lib/db/testing) provides
// standardized tests and benchmarks for implementations of the db.KVDB interface.
//   - RunKVDBTests: Runs a standardized test suite to validate implementations
//   - RunKVDBBenchmarks: Provides performance benchmarks for comparing implementations
package db
