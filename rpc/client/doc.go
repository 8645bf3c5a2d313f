// Package client implements RPC clients for hKV.
// It provides implementations of the store.IStore and lockmgr.ILockManager interfaces
// that communicate with remote servers via RPC, and a pub/sub client.
//
// Key Components:
//
//   - NewRPCStore: Factory function that creates a client implementing the store.IStore
//     interface. Errors of the server are returned as *store.Error values, so
//     errors.Is(err, db.ErrConflictExceeded) works like with a local store.
//
//   - NewRPCLockMgr: Factory function that creates a client implementing the
//     lockmgr.ILockManager interface.
//
//   - NewRPCPubSub: Factory function that creates a client for topic publishing and
//     for key or topic subscriptions. Subscriptions need a transport that implements
//     transport.IRPCStreamClientTransport (websocket).
//
// Usage Example:
//
//	// Configure the client
//	config := common.ClientConfig{
//	  TimeoutSecond: 5,
//	  Transport: common.ClientTransportConfig{
//	    Endpoints:              []string{"localhost:8080"},
//	    RetryCount:             3,
//	    ConnectionsPerEndpoint: 1,
//	  },
//	}
//
//	// Create store client
//	kv, _ := client.NewRPCStore(100, config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	_ = kv.Upsert("mykey", []byte("myvalue"))
//	n, _ := kv.RMW("counter", store.MergeIncr, nil)
//
//	// Create and use a lock manager
//	locks, _ := client.NewRPCLockMgr(200, config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	acquired, ownerID, _ := locks.AcquireLock("mylock", 30*time.Second)
//	if acquired {
//	  locks.ReleaseLock("mylock", ownerID)
//	}
//
//	// Watch all keys starting with "user/"
//	ps, _ := client.NewRPCPubSub(100, config, ws.NewWsClientTransport(), serializer.NewBinarySerializer())
//	err := ps.PSubscribe(ctx, "user/", func(ev pubsub.Event) error {
//	  fmt.Println(ev.Kind, ev.Key)
//	  return nil
//	})
//
// Thread Safety:
//
//	All client implementations are thread-safe and can be used concurrently from
//	multiple goroutines without additional synchronization.
package client
