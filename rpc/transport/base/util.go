package base

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// Frames on tcp and unix connections:
//
//	[8 bytes shardId][8 bytes requestID][4 bytes payload length][payload]
//
// all integers big endian.
const (
	frameHeaderSize = 20

	// MaxFrameSize limits the payload of a single frame. A larger length is a
	// corrupt stream (or a foreign protocol) and closes the connection.
	MaxFrameSize = 256 << 20
)

var ErrFrameTooLarge = errors.New("frame exceeds the maximum size")

// writeFrame writes the header and data with a single writev call
func writeFrame(conn net.Conn, shardID uint64, requestID uint64, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint64(header[:8], shardID)
	binary.BigEndian.PutUint64(header[8:16], requestID)
	binary.BigEndian.PutUint32(header[16:20], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads one frame. The payload is read into buf if it is large enough,
// otherwise into a new slice; the header always uses buf when possible.
// A connection that is closed between frames returns io.EOF, a connection that
// is closed within a frame io.ErrUnexpectedEOF.
func readFrame(conn net.Conn, buf []byte) (shardID uint64, requestID uint64, data []byte, err error) {
	header := buf
	if len(header) < frameHeaderSize {
		header = make([]byte, frameHeaderSize)
	}
	if _, err := io.ReadFull(conn, header[:frameHeaderSize]); err != nil {
		return 0, 0, nil, err
	}

	shardID = binary.BigEndian.Uint64(header[:8])
	requestID = binary.BigEndian.Uint64(header[8:16])
	n := int(binary.BigEndian.Uint32(header[16:20]))

	if n == 0 {
		return shardID, requestID, []byte{}, nil
	}
	if n > MaxFrameSize {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes announced", ErrFrameTooLarge, n)
	}

	if len(buf) < n {
		buf = make([]byte, n)
	}
	if _, err := io.ReadFull(conn, buf[:n]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, 0, nil, err
	}
	return shardID, requestID, buf[:n], nil
}
