// Package lstore implements a local, single-node key-value store based on the
// store.IStore interface. It is a thin wrapper around any db.KVDB implementation
// that hides the session based engine API.
//
// Key Features:
//   - Direct integration with db.KVDB implementations
//   - A pool of engine sessions shared by all callers
//   - Merge operators for RMW requests, looked up by name
//   - Feature detection to handle unsupported operations gracefully
//   - Thread-safe operations for concurrent access
//
// Implementation Details:
//
//   - Session Pool: Engine sessions must not be used by two goroutines at once. Every
//     operation takes a session from a bounded pool (or opens a new one) and returns it
//     afterwards. Sessions that do not fit into the pool are closed, so the epoch table
//     of the engine only holds as many slots as there is concurrency.
//
//   - Feature Detection: Before executing operations, the store checks if the underlying
//     db.KVDB implementation supports the requested feature through the SupportsFeature
//     method. Unsupported operations return appropriate error codes rather than failing
//     silently or producing undefined behavior.
//
//   - Errors: Engine errors are converted into *store.Error. A read of an absent key is
//     not an error, it returns loaded=false.
//
// Usage Example:
//
//	factory := func() (db.KVDB, error) { return larch.NewLarchDB(larch.DefaultOptions()) }
//	s, err := lstore.NewLocalStore(factory)
//	if err != nil { ... }
//	defer s.Close()
//
//	err = s.Upsert("user:1", []byte("alice"))
//	value, exists, err := s.Read("user:1")
//	visits, err := s.RMW("visits", store.MergeIncr, nil)
//
// Durability depends on the engine options: larch with a data directory survives
// restarts, without one everything is kept in memory.
package lstore
