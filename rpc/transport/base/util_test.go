package base

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payloads := [][]byte{[]byte("hello"), {}, make([]byte, 4096)}
	go func() {
		for i, p := range payloads {
			if err := writeFrame(client, 100, uint64(i+1), p); err != nil {
				t.Errorf("writeFrame failed: %v", err)
				return
			}
		}
		_ = client.Close()
	}()

	// the buffer is smaller than the last payload
	buf := make([]byte, 64)
	for i, want := range payloads {
		shardID, requestID, data, err := readFrame(server, buf)
		if err != nil {
			t.Fatalf("readFrame %d failed: %v", i, err)
		}
		if shardID != 100 || requestID != uint64(i+1) || len(data) != len(want) || string(data) != string(want) {
			t.Errorf("frame %d = (%d, %d, %d bytes)", i, shardID, requestID, len(data))
		}
	}
	if _, _, _, err := readFrame(server, buf); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF after the last frame, got %v", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		header := make([]byte, frameHeaderSize)
		binary.BigEndian.PutUint32(header[16:20], MaxFrameSize+1)
		_, _ = client.Write(header)
	}()

	if _, _, _, err := readFrame(server, nil); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFrameTruncated(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		header := make([]byte, frameHeaderSize)
		binary.BigEndian.PutUint32(header[16:20], 10)
		_, _ = client.Write(append(header, "abc"...))
		_ = client.Close()
	}()

	if _, _, _, err := readFrame(server, nil); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	for n := 1; n <= 4; n++ {
		want := 50 * time.Millisecond << (n - 1)
		got := backoff(n)
		if got < want*9/10-time.Microsecond || got > want*11/10 {
			t.Errorf("backoff(%d) = %s, want %s +-10%%", n, got, want)
		}
	}
	if backoff(100) <= 0 {
		t.Error("backoff must not overflow")
	}
}
