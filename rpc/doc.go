// Package rpc exposes hKV shards over the network.
//
// A server hosts several shards, each identified by a numeric id and served by an
// adapter: store shards (an IStore on a larch or maple engine, optionally with key
// subscriptions), lock shards (lockmgr on an IStore) and pub/sub shards (a topic
// broker). Clients address a shard by its id on every request.
//
// Subpackages:
//
//   - common: the Message protocol, server and client configuration, logging
//   - serializer: binary, json and gob encodings of a Message
//   - transport: tcp, unix, http and ws transports; ws also streams events
//   - server: the shard adapters and the RPCServer that routes requests to them
//   - client: IStore, ILockManager and pub/sub clients on top of a transport
package rpc
