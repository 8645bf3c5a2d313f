package db

import "errors"

// Error taxonomy of the engine. Implementations wrap these sentinels so callers
// can classify failures with errors.Is.
var (
	// ErrNotFound is returned by Read for absent or deleted keys.
	ErrNotFound = errors.New("key not found")

	// ErrConflictExceeded is returned when a mutation lost too many optimistic races.
	// The mutation was not applied; callers may retry.
	ErrConflictExceeded = errors.New("optimistic retry budget exceeded")

	// ErrLogIO wraps failures of the secondary storage of the log.
	ErrLogIO = errors.New("log i/o error")

	// ErrCheckpointInProgress is returned when a checkpoint (or an operation that
	// can not run concurrently with one) is requested while a checkpoint is active.
	ErrCheckpointInProgress = errors.New("checkpoint already in progress")

	// ErrRecoveryFatal is returned by the constructor when checkpoint or log data
	// needed for a consistent restart is missing or corrupt.
	ErrRecoveryFatal = errors.New("recovery failed")

	// ErrUnsupported is returned by system operations the engine does not implement,
	// see KVDB.SupportsFeature.
	ErrUnsupported = errors.New("operation not supported by the engine")

	ErrEmptyKey       = errors.New("empty key")
	ErrRecordTooLarge = errors.New("record does not fit into a log page")
	ErrClosed         = errors.New("database closed")
	ErrSessionClosed  = errors.New("session closed")
)
