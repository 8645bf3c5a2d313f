// Package server implements the RPC server of hKV.
// It provides adapters for handling RPC requests to store, lock manager and pub/sub
// shards, along with the core server implementation that manages shards and request routing.
//
// Key Components:
//
//   - IRPCServerAdapter: Interface of all adapters. An adapter owns the store (or broker)
//     of its shard and translates request messages into method calls.
//
//   - IRPCStreamAdapter: Adapters that serve subscriptions. Streams are only available
//     with transports that implement transport.IRPCStreamServerTransport.
//
//   - NewRPCServer: Factory function creating a configured server with the specified
//     transport and serializer mechanisms.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Shards: []common.ServerShard{
//	    {ShardID: 100, Type: common.ShardTypeLocalIStore},
//	    {ShardID: 200, Type: common.ShardTypeLocalILockManager},
//	    {ShardID: 300, Type: common.ShardTypePubSub},
//	  },
//	  Transport:     common.ServerTransportConfig{Endpoint: "0.0.0.0:8080"},
//	  TimeoutSecond: 5,
//	  PubSub:        true,
//	  LogLevel:      "info",
//	}
//
//	s := server.NewRPCServer(config, ws.NewWsServerTransport(), serializer.NewBinarySerializer())
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// The server supports three types of shards, which can be mixed within a single server:
//
//   - ShardTypeLocalIStore: A store on top of its own larch database. With PubSub enabled
//     the mutation hook of the database feeds key subscriptions.
//
//   - ShardTypeLocalILockManager: A lock manager on top of its own store. Locks are
//     acquired and released with RMW, so no lock of the process is held across requests.
//
//   - ShardTypePubSub: A topic broker without storage.
//
// Every store and lock shard stores its data in <Engine.DataDir>/shard-<id>.
//
// Thread Safety:
//
//	The server implementation is thread-safe and can handle concurrent requests
//	across multiple connections. Serve must be called only once.
package server
