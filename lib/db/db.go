package db

import "context"

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplLarch Implementation = "larch"
	ImplMaple Implementation = "maple"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureRead       Feature = 1 << iota // Support for Read operations
	FeatureUpsert                         // Support for Upsert operations
	FeatureRMW                            // Support for read-modify-write operations
	FeatureDelete                         // Support for Delete operations
	FeatureCheckpoint                     // Support for consistent checkpoints
	FeatureRecover                        // Support for recovery from a checkpoint on open
	FeatureGrowIndex                      // Support for growing the hash index at runtime
	FeatureCompact                        // Support for log compaction
	FeatureNotify                         // Support for a mutation notification hook
)

func (f Feature) String() string {
	switch f {
	case FeatureRead:
		return "Read"
	case FeatureUpsert:
		return "Upsert"
	case FeatureRMW:
		return "RMW"
	case FeatureDelete:
		return "Delete"
	case FeatureCheckpoint:
		return "Checkpoint"
	case FeatureRecover:
		return "Recover"
	case FeatureGrowIndex:
		return "GrowIndex"
	case FeatureCompact:
		return "Compact"
	case FeatureNotify:
		return "Notify"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// UpdateFunc computes the new value of a read-modify-write operation.
// old is a private copy of the current value and exists reports whether the key
// currently holds a live value. The function may be called more than once for a
// single RMW (each optimistic retry recomputes), so it must not have side effects.
type UpdateFunc func(old []byte, exists bool) (value []byte)

// MutationHook is notified after every committed mutation.
//
// OnMutation is called synchronously on the goroutine that performed the
// mutation, after the new version became visible to readers. value is nil and
// tombstone is true for deletes. The slices are only valid for the duration of
// the call; implementations must copy what they keep and should not block.
type MutationHook interface {
	OnMutation(key, value []byte, tombstone bool, address uint64)
}

// HookFunc adapts an ordinary function to the MutationHook interface.
type HookFunc func(key, value []byte, tombstone bool, address uint64)

func (f HookFunc) OnMutation(key, value []byte, tombstone bool, address uint64) {
	f(key, value, tombstone, address)
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB defines the interface of an embedded key-value engine.
// Data is accessed through sessions, the engine itself only provides session
// management and system operations (checkpoint, index growth, compaction).
// Implementations can vary in their feature support, which can be queried with SupportsFeature.
//
// Thread-safety: All methods of KVDB are safe for concurrent use.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Sessions
	// --------------------------------------------------------------------------

	// NewSession creates a new session. A session must only be used by one goroutine
	// at a time and must be closed after use.
	NewSession() (Session, error)

	// --------------------------------------------------------------------------
	// System Operations
	// --------------------------------------------------------------------------

	// Checkpoint takes a consistent, durable snapshot of the database and returns its token.
	// Returns ErrCheckpointInProgress if another checkpoint is active.
	Checkpoint(ctx context.Context) (token string, err error)

	// GrowIndex doubles the size of the hash index.
	GrowIndex(ctx context.Context) (err error)

	// Compact reclaims log space below the given address. Live records below the address
	// are copied to the tail first. Returns the new begin address of the log.
	Compact(ctx context.Context, until uint64) (begin uint64, err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Returns true if the feature is supported, false otherwise.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close flushes the log and closes the database. Open sessions become unusable.
	Close() (err error)
}

// Session is the per-goroutine execution context of a KVDB.
//
// Thread-safety: A session must not be used by more than one goroutine at the same time.
type Session interface {

	// Read returns a copy of the current value of key. Returns ErrNotFound if the key
	// was never written or its latest version is a tombstone.
	Read(key []byte) (value []byte, err error)

	// Upsert inserts or replaces the value of key.
	Upsert(key, value []byte) (err error)

	// RMW atomically replaces the value of key with fn(current). The returned value is
	// the value that was committed.
	RMW(key []byte, fn UpdateFunc) (value []byte, err error)

	// Delete writes a tombstone for key. Deleting an absent key is a no-op.
	Delete(key []byte) (err error)

	// Close releases the session.
	Close() (err error)
}
