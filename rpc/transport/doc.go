// Package transport defines the interfaces and abstractions for RPC communication
// in hKV. It provides a common contract that all transport implementations must
// fulfill, enabling protocol-agnostic communication.
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management and request sending.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     receives requests and routes them to appropriate handlers.
//
//   - IRPCStreamServerTransport / IRPCStreamClientTransport: Optional extensions for
//     transports that can stream messages (used for subscriptions). Only the websocket
//     transport implements them.
//
//   - ServerHandleFunc / ServerStreamFunc: Function types for request handling callbacks.
//
// The package also hosts the process wide metrics endpoint (WritePrometheus, MetricsHandler),
// other packages add their metric sets with RegisterMetricsWriter.
package transport
