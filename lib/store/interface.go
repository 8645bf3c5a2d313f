package store

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("store")

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// DBFactory is a function type that creates a new db used by the store.
// This is used to abstract the creation of the db from the store implementation.
type DBFactory func() (db.KVDB, error)

// IStore is the generic interface for interacting with a key–value store.
// Write operations return only an error (nil on success), read operations return
// the requested data along with an error. Errors are of type *Error and unwrap to
// the sentinels of the db package.
type IStore interface {
	// Upsert inserts or replaces the value of a key.
	Upsert(key string, value []byte) (err error)
	// Read returns the value of a key. The boolean return value indicates whether a value for the key was found.
	Read(key string) (value []byte, loaded bool, err error)
	// RMW atomically replaces the value of a key with the result of the merge operator op
	// applied to the current value and arg. Returns the committed value.
	// Operators are looked up by name, see RegisterMergeOp.
	RMW(key, op string, arg []byte) (value []byte, err error)
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(key string) (err error)
	// Checkpoint takes a durable checkpoint of the underlying database and returns its token.
	Checkpoint() (token string, err error)
	// GetDBInfo returns metadata about the database underlying the store.
	// It is not guaranteed that all fields are filled in or that the information is up-to-date!
	GetDBInfo() (info db.DatabaseInfo, err error)
	// Close releases the store. Closing a remote store does not affect the server.
	Close() (err error)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("KVStoreError (code %s): %s", e.Code, e.Msg)
}

// Unwrap returns the db sentinel of the return code, so errors.Is(err, db.ErrConflictExceeded)
// works on both sides of a transport.
func (e *Error) Unwrap() error {
	return e.Code.sentinel()
}

// NewError creates a new KVStoreError with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// OrNil returns e as an error, a nil *Error becomes a nil error
func (e *Error) OrNil() error {
	if e == nil {
		return nil
	}
	return e
}

// FromError converts an engine error into an *Error. nil stays nil and errors that
// already are of type *Error are returned unchanged.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return storeErr
	}
	if errors.Is(err, db.ErrSessionClosed) {
		return NewError(RetCClosed, err.Error())
	}
	for code := RetCInternalError; code <= retCMax; code++ {
		if s := code.sentinel(); s != nil && errors.Is(err, s) {
			return NewError(code, err.Error())
		}
	}
	return NewError(RetCInternalError, err.Error())
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by underlying database.
	RetCInvalidOperation                    // 3: Invalid operation (unknown merge operator, malformed request).
	RetCConflict                            // 4: The optimistic retry budget was exceeded, the operation may be retried.
	RetCCheckpointInProgress                // 5: A checkpoint is already running.
	RetCLogIO                               // 6: The log storage failed.
	RetCEmptyKey                            // 7: The key is empty.
	RetCTooLarge                            // 8: The record does not fit into a log page.
	RetCClosed                              // 9: The store or its database is closed.
	RetCNotFound                            // 10: The key does not exist or was deleted.
	RetCRecoveryFatal                       // 11: The database could not be recovered.

	retCMax = RetCRecoveryFatal
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCConflict:
		return "Conflict"
	case RetCCheckpointInProgress:
		return "CheckpointInProgress"
	case RetCLogIO:
		return "LogIO"
	case RetCEmptyKey:
		return "EmptyKey"
	case RetCTooLarge:
		return "TooLarge"
	case RetCClosed:
		return "Closed"
	case RetCNotFound:
		return "NotFound"
	case RetCRecoveryFatal:
		return "RecoveryFatal"
	default:
		return "Unknown"
	}
}

// sentinel maps a return code to the db error it stands for
func (c RetCode) sentinel() error {
	switch c {
	case RetCUnsupportedOperation:
		return db.ErrUnsupported
	case RetCConflict:
		return db.ErrConflictExceeded
	case RetCCheckpointInProgress:
		return db.ErrCheckpointInProgress
	case RetCLogIO:
		return db.ErrLogIO
	case RetCEmptyKey:
		return db.ErrEmptyKey
	case RetCTooLarge:
		return db.ErrRecordTooLarge
	case RetCClosed:
		return db.ErrClosed
	case RetCNotFound:
		return db.ErrNotFound
	case RetCRecoveryFatal:
		return db.ErrRecoveryFatal
	default:
		return nil
	}
}
