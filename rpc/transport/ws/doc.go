/*
Package ws provides a websocket transport for the hKV RPC system.

All requests of a client share one websocket connection per endpoint. Every websocket
message is a binary frame:

	8 bytes shard id | 8 bytes request id | 1 byte kind | payload

Besides request/response pairs the transport supports streams: the client opens a
stream with a request frame of kind stream, the server answers with any number of
stream frames carrying the same request id and finally a stream end frame. The client
cancels a stream with a cancel frame. Streams are used for key and topic subscriptions.

The server also serves the process metrics on GET /metrics.

Usage:

	server := ws.NewWsServerTransport()
	client := ws.NewWsClientTransport()
*/
package ws
