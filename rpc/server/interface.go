package server

import (
	"context"

	"github.com/ValentinKolb/hKV/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters.
// An adapter serves the requests of one shard, it owns the store (or broker) of the shard.
type IRPCServerAdapter interface {
	// Handle handles a request and returns a response.
	// If an error occurs, it is set in the response.
	Handle(req *common.Message) (resp *common.Message)
	// Close releases the resources of the shard
	Close() error
}

// IRPCStreamAdapter is implemented by adapters that serve subscriptions
type IRPCStreamAdapter interface {
	IRPCServerAdapter
	// Stream serves a stream request (see common.MessageType.IsStream) and calls send
	// for every event. It returns when ctx is done, send fails or the subscription ends.
	Stream(ctx context.Context, req *common.Message, send func(msg *common.Message) error) error
}
