// Package larch implements an embedded key-value engine (db.KVDB) built from a
// hybrid log, a lock-free hash index and epoch protection. It is designed for
// update heavy workloads with a hot working set larger than one core can serve.
//
// The package focuses on:
//   - Lock-free reads and writes from many sessions in parallel
//   - In-place updates for hot records, append-only writes for everything else
//   - Consistent checkpoints without stopping writers
//   - Recovery to the newest valid checkpoint plus the durable log behind it
//
// Key Components:
//
//   - larchImpl: The engine. It owns the log, the index and the metadata store,
//     hands out sessions and runs the system operations (Checkpoint, GrowIndex,
//     Compact). A background goroutine drains deferred epoch actions, another one
//     takes automatic checkpoints and grows the index when its chains get long.
//
//   - session: The per-goroutine execution context. Every attempt of an operation
//     runs inside one epoch Enter/Exit pair. Upserts and RMWs of the newest record
//     of a key overwrite it in place while the record is in the mutable region of
//     the log, otherwise a new version is appended and published with a CAS on the
//     index entry. Lost races are retried up to DBOptions.MaxRetries times.
//
//   - hlog (internal): The hybrid log. The newest pages live in memory, older pages
//     are flushed to a device (segment files or memory) and faulted back through an
//     LRU page cache.
//
//   - index (internal): Buckets of tagged 64 bit entries. Each entry points to the
//     newest record of all keys that share its tag, older records and colliding keys
//     are reached through the prev address of the records.
//
//   - meta (internal): A leveldb instance with checkpoint records, compressed index
//     snapshots and the durable log position.
//
// Checkpoints:
//
// A checkpoint moves through IDLE -> REQUESTED -> INDEX_CHECKPOINT_IN_PROGRESS ->
// WAIT_FLUSH -> PERSIST_CALLBACK -> IDLE. The cut is the log tail at the time of the
// request; once every session left the epoch in which the cut became read-only, the
// index is snapshotted as of the cut, the log is flushed up to it and the checkpoint
// is committed with one synced batch. Only one checkpoint runs at a time.
//
// Recovery restores the index of the newest complete checkpoint whose snapshot is
// intact and replays the log behind its cut. Replay is idempotent: an index entry
// only ever moves to a newer address.
//
// Usage:
//
//	store, err := larch.NewLarchDB(&larch.DBOptions{DataDir: "/var/lib/hkv", Recover: true})
//	if err != nil { ... }
//	defer store.Close()
//
//	s, _ := store.NewSession()
//	defer s.Close()
//	_ = s.Upsert([]byte("user:1"), []byte("alice"))
//	v, err := s.Read([]byte("user:1"))
package larch
