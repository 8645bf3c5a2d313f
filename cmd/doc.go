// Package cmd implements the command-line interface of hKV. It provides a
// hierarchical command structure with operations for running the server and
// interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - kv: Commands for key-value store operations (upsert, read, rmw, delete, checkpoint, info, perf)
//   - lock: Commands for locking operations (acquire, release)
//   - sub: Commands for key subscriptions and topics (key, prefix, topic, publish)
//   - serve: Commands for starting and configuring the hKV server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// All flags can also be set as environment variables (HKV_<FLAG>) or in a .env file.
// See hkv --help for a list of all commands.
package cmd
