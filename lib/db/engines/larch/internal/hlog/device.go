package hlog

import "errors"

// ErrPageNotFound is returned by Device.ReadPage for pages that were never written
// or were truncated.
var ErrPageNotFound = errors.New("hlog: page not found on device")

// Device is the secondary storage of the log. Pages are addressed by number, a page
// may be written in several parts (a checkpoint can flush the beginning of a page
// that is still being filled).
//
// Thread-safety: WritePage is only called by the single flush goroutine. ReadPage may
// be called concurrently, but never for a byte range that is being written.
type Device interface {
	// WritePage writes data at offset into page.
	WritePage(page, offset uint64, data []byte) error

	// ReadPage reads a full page into buf. Bytes that were never written read as zero.
	ReadPage(page uint64, buf []byte) error

	// TruncateUntil drops pages below page. Devices may keep pages that share a storage
	// unit with pages at or above page.
	TruncateUntil(page uint64) error

	// Sync makes all completed writes durable.
	Sync() error

	// Close releases the device.
	Close() error
}
