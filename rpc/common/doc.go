// Package common provides core data structures and utilities shared across
// the hKV RPC system. It defines fundamental types, configuration structures,
// and protocol elements used by other packages.
//
// The package focuses on:
//   - Message protocol definition for client/server communication
//   - Configuration structures for client and server components
//   - Custom logging implementation integrated with the dragonboat logger package
//   - Conversion of the server configuration into storage engine options
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication between components,
//     with a flexible structure that adapts to different operation types.
//     Includes factory methods for creating various request and response messages.
//     Errors travel as store.RetCode plus message, Message.Error restores them as
//     *store.Error on the client, so errors.Is(err, db.ErrConflictExceeded) works
//     across the wire.
//
//   - MessageType: Enumeration defining all supported operation types in the
//     system, categorized into key-value operations, lock operations, pub/sub
//     operations and control messages.
//
//   - ServerConfig: Configuration for server nodes, including shards, storage
//     engine parameters, network configuration and pub/sub settings.
//     ToLarchOptions derives the options of the database of a shard.
//
//   - ClientConfig: Configuration for client components, controlling connection
//     parameters, timeouts, and retry behavior.
//
//   - Logger: Custom logging implementation that plugs into the logger package of
//     dragonboat while providing consistent formatting across the application.
package common
