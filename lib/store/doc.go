// Package store provides a high-level interface for key-value storage operations
// with unified error handling and named merge operators.
// It serves as an abstraction layer over the lower-level db.KVDB implementations, hiding
// sessions from callers and translating engine errors into typed errors that survive
// a transport.
//
// The package focuses on:
//   - A unified interface (IStore) for key-value operations across local and remote backends
//   - Pluggable storage backend architecture through DBFactory pattern
//   - Read-modify-write through merge operators that are referenced by name
//
// Key Components:
//
//   - IStore Interface: The core abstraction defining operations for interacting with
//     a key-value store. All implementations share this common interface, allowing
//     applications to switch between an embedded engine and a remote server without
//     code changes.
//
//   - Error System: A structured error reporting mechanism using typed return codes
//     and descriptive messages. An *Error unwraps to the matching sentinel of the db
//     package, so errors.Is(err, db.ErrConflictExceeded) works no matter whether the
//     error was created locally or decoded from an RPC response.
//
//   - Merge Operators: Functions of the current value and an argument, registered under
//     a name (RegisterMergeOp). An RMW request carries the name and the argument, the
//     store applies the operator atomically. Builtin operators are set, setnx, append
//     and incr; the lockmgr package registers its own.
//
//   - DBFactory: A function type that abstracts the creation of underlying db.KVDB
//     instances, providing dependency injection and flexible configuration of
//     storage backends.
//
// Implementations:
//
//	- Local Store (lstore): Uses a db.KVDB instance directly and pools its sessions.
//	  Available in the "github.com/ValentinKolb/hKV/lib/store/lstore" package.
//
//	- Remote Store: The RPC client (github.com/ValentinKolb/hKV/rpc/client) implements
//	  IStore on top of any transport.
package store
