package ws

import (
	"encoding/binary"
	"fmt"
)

// frame kinds
const (
	kindRequest   byte = iota // client -> server: request, server -> client: response
	kindStream                // client -> server: open stream, server -> client: stream message
	kindCancel                // client -> server: cancel stream
	kindStreamEnd             // server -> client: stream ended, payload is the error text (may be empty)
)

const frameHeaderSize = 17

// frame is one websocket binary message:
//
//	8 bytes shardID | 8 bytes requestID | 1 byte kind | payload
type frame struct {
	shardID   uint64
	requestID uint64
	kind      byte
	payload   []byte
}

func (f frame) encode() []byte {
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(f.payload))
	binary.BigEndian.PutUint64(buf[0:8], f.shardID)
	binary.BigEndian.PutUint64(buf[8:16], f.requestID)
	buf[16] = f.kind
	return append(buf, f.payload...)
}

func decodeFrame(data []byte) (frame, error) {
	if len(data) < frameHeaderSize {
		return frame{}, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	return frame{
		shardID:   binary.BigEndian.Uint64(data[0:8]),
		requestID: binary.BigEndian.Uint64(data[8:16]),
		kind:      data[16],
		payload:   data[frameHeaderSize:],
	}, nil
}
