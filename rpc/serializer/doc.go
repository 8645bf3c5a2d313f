// Package serializer converts the hKV RPC messages (common.Message) to bytes and back.
// Transports only move opaque byte slices, so client and server must use the same
// serializer; it is selected by name with New (the --serializer flag of the CLI).
//
// Implementations:
//
//   - binary: custom format, a one byte message type, a flag word of the present
//     fields and the fields in flag order (length prefixed). The smallest and
//     fastest encoding and the default of the CLI. Decoded slices never alias the
//     input, the socket transports reuse their read buffers.
//
//   - json: message types by name, byte slices as base64. Unknown fields and
//     trailing data are rejected. Used by the http transport for debugging with
//     curl and by clients in other languages.
//
//   - gob: Go's self describing gob stream per message. Larger and slower than the
//     other two, kept for compatibility.
//
// Usage:
//
//	s, err := serializer.New("binary")
//	data, err := s.Serialize(*common.NewReadRequest("key"))
//	var msg common.Message
//	err = s.Deserialize(data, &msg)
package serializer
