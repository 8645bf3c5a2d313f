// Package tcp runs the framed hKV RPC protocol of the base package over TCP.
//
// The connectors only dial, listen and tune sockets: TCP_NODELAY, keep-alive,
// SO_LINGER and the socket buffer sizes come from common.TCPConf and
// common.SocketConf and are applied to every accepted and dialed connection.
// Framing, connection pools, request multiplexing and retries live in the base
// package. The server reads requests into pooled 512 KB buffers unless
// ServerTransportConfig.BufferSize says otherwise.
package tcp
