// Package unix runs the framed hKV RPC protocol of the base package over Unix
// domain sockets, for clients on the same machine as the server.
//
// The endpoint is a socket path. The server removes a stale socket file of a
// previous run before listening, but refuses to replace any other kind of file.
// Both sides apply the socket buffer sizes of common.SocketConf; the server reads
// requests into pooled 64 KB buffers unless ServerTransportConfig.BufferSize says
// otherwise.
package unix
