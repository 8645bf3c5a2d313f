// Package base implements the framed request/response protocol shared by the tcp
// and unix transports. The concrete packages only provide connectors that dial,
// listen and tune sockets (IClientConnector, IServerConnector).
//
// Wire format, one frame per request and per response:
//
//	[8 bytes shardId][8 bytes requestID][4 bytes length][payload]
//
// Integers are big endian, payloads larger than MaxFrameSize close the connection.
// The server echoes shardId and requestID, so a client can have many requests in
// flight on one connection and match the responses in any order.
//
// Client:
//
//   - Opens ConnectionsPerEndpoint connections to every endpoint and picks one
//     round-robin per request.
//   - One reader goroutine per connection routes responses to the waiting request
//     by its requestID. A read error fails the pending requests of that connection
//     and the connection is dialed again.
//   - Send retries up to RetryCount times with a fresh requestID, on the next
//     connection.
//
// Server:
//
//   - One goroutine reads the frames of a connection into pooled buffers, at most
//     WorkersPerConn requests of a connection are handled at the same time.
//   - Writes of responses are serialized per connection, header and payload go out
//     in one writev.
//   - Shutdown stops accepting, closes the open connections and waits for running
//     handlers. The number of accepted connections is exported as
//     hkv_transport_connections_total.
package base
