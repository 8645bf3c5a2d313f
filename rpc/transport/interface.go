package transport

import (
	"context"

	"github.com/ValentinKolb/hKV/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes a shardId and a request as parameters and returns a response
type ServerHandleFunc func(shardId uint64, req []byte) (resp []byte)

// ServerStreamFunc handles a request that opens a stream (subscriptions).
// It calls send for every message of the stream and returns when ctx is done,
// send fails or the stream ends.
type ServerStreamFunc func(ctx context.Context, shardId uint64, req []byte, send func(resp []byte) error) error

// IRPCServerTransport is the interface for the RPC transport layer
// It must accept a RPCServerConfig as a parameter
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	// The transport layer is responsible for routing the request to the appropriate shard
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and listens for incoming requests.
	// It blocks until Shutdown is called (returns nil) or the listener fails.
	Listen(config common.ServerConfig) error
	// Shutdown stops accepting requests and waits for running requests until ctx is done
	Shutdown(ctx context.Context) error
}

// IRPCStreamServerTransport is implemented by server transports that can stream
type IRPCStreamServerTransport interface {
	IRPCServerTransport
	// RegisterStreamHandler registers the handler for stream requests
	RegisterStreamHandler(handler ServerStreamFunc)
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to the server and returns the response
	Send(shardId uint64, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}

// IRPCStreamClientTransport is implemented by client transports that can stream
type IRPCStreamClientTransport interface {
	IRPCClientTransport
	// Stream sends a stream request and calls recv for every message of the stream.
	// It blocks until ctx is done (returns ctx.Err()), recv fails or the server ends the stream.
	Stream(ctx context.Context, shardId uint64, req []byte, recv func(resp []byte) error) error
}
