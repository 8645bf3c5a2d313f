// Package maple implements a small in-memory db.KVDB without a log.
//
// Values live in sharded concurrent maps (xsync.MapOf). Readers never lock, writers
// of a shard are serialized by its mutex, so the mutation hook observes the changes
// of a key in the order they were applied. The address reported to the hook is a
// per engine sequence number.
//
// Checkpoints, recovery, index growth and compaction are not supported; the
// corresponding methods return db.ErrUnsupported. maple serves shards whose data
// does not need to survive a restart (e.g. lock tables) and is the reference the
// larch engine is compared against in tests.
package maple
