package hlog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDevices(t *testing.T) map[string]Device {
	fd, err := NewFileDevice(t.TempDir(), 1<<testPageBits, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fd.Close() })
	return map[string]Device{
		"mem":  NewMemDevice(1 << testPageBits),
		"file": fd,
	}
}

func TestDevicePartialWrites(t *testing.T) {
	for name, dev := range testDevices(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, dev.WritePage(3, 0, []byte("head")))
			require.NoError(t, dev.WritePage(3, 100, []byte("tail")))

			buf := bytes.Repeat([]byte{0xaa}, 1<<testPageBits)
			require.NoError(t, dev.ReadPage(3, buf))
			assert.Equal(t, []byte("head"), buf[:4])
			assert.Equal(t, []byte("tail"), buf[100:104])
			assert.Equal(t, make([]byte, 96), buf[4:100])
			assert.Equal(t, byte(0), buf[len(buf)-1], "unwritten bytes read as zero")

			assert.Error(t, dev.WritePage(3, 1<<testPageBits-2, []byte("xyz")))
			assert.NoError(t, dev.Sync())
		})
	}
}

func TestDeviceMissingPage(t *testing.T) {
	for name, dev := range testDevices(t) {
		t.Run(name, func(t *testing.T) {
			buf := make([]byte, 1<<testPageBits)
			assert.ErrorIs(t, dev.ReadPage(42, buf), ErrPageNotFound)
		})
	}
}

func TestDeviceTruncate(t *testing.T) {
	for name, dev := range testDevices(t) {
		t.Run(name, func(t *testing.T) {
			for p := uint64(0); p < 6; p++ {
				require.NoError(t, dev.WritePage(p, 0, []byte{byte(p + 1)}))
			}
			require.NoError(t, dev.TruncateUntil(4))

			buf := make([]byte, 1<<testPageBits)
			for p := uint64(0); p < 4; p++ {
				assert.ErrorIs(t, dev.ReadPage(p, buf), ErrPageNotFound, "page %d", p)
			}
			for p := uint64(4); p < 6; p++ {
				require.NoError(t, dev.ReadPage(p, buf))
				assert.Equal(t, byte(p+1), buf[0])
			}
		})
	}
}

func TestFileDeviceReopen(t *testing.T) {
	dir := t.TempDir()
	fd, err := NewFileDevice(dir, 1<<testPageBits, 4)
	require.NoError(t, err)
	require.NoError(t, fd.WritePage(5, 10, []byte("persisted")))
	require.NoError(t, fd.Close())

	fd, err = NewFileDevice(dir, 1<<testPageBits, 4)
	require.NoError(t, err)
	defer fd.Close()

	buf := make([]byte, 1<<testPageBits)
	require.NoError(t, fd.ReadPage(5, buf))
	assert.Equal(t, []byte("persisted"), buf[10:19])
}
