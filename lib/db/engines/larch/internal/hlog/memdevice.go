package hlog

import (
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemDevice keeps pages in memory. Pages are replaced copy-on-write, so readers
// always see a complete snapshot of a page.
type MemDevice struct {
	pageSize uint64
	pages    *xsync.MapOf[uint64, []byte]
	failure  atomic.Pointer[error]
	writes   atomic.Uint64
}

// NewMemDevice creates an empty in-memory device for pages of pageSize bytes
func NewMemDevice(pageSize uint64) *MemDevice {
	return &MemDevice{
		pageSize: pageSize,
		pages:    xsync.NewMapOf[uint64, []byte](),
	}
}

// ------------------------------------------------------------------------------
// Interface Methods (docu see device.go)
// ------------------------------------------------------------------------------

func (d *MemDevice) WritePage(page, offset uint64, data []byte) error {
	if errp := d.failure.Load(); errp != nil {
		return *errp
	}
	if offset+uint64(len(data)) > d.pageSize {
		return fmt.Errorf("hlog: write beyond page %d (offset %d, len %d)", page, offset, len(data))
	}

	next := make([]byte, d.pageSize)
	if old, ok := d.pages.Load(page); ok {
		copy(next, old)
	}
	copy(next[offset:], data)
	d.pages.Store(page, next)
	d.writes.Add(1)
	return nil
}

func (d *MemDevice) ReadPage(page uint64, buf []byte) error {
	data, ok := d.pages.Load(page)
	if !ok {
		return fmt.Errorf("page %d: %w", page, ErrPageNotFound)
	}
	copy(buf, data)
	return nil
}

func (d *MemDevice) TruncateUntil(page uint64) error {
	d.pages.Range(func(p uint64, _ []byte) bool {
		if p < page {
			d.pages.Delete(p)
		}
		return true
	})
	return nil
}

func (d *MemDevice) Sync() error {
	if errp := d.failure.Load(); errp != nil {
		return *errp
	}
	return nil
}

func (d *MemDevice) Close() error {
	return nil
}

// ------------------------------------------------------------------------------
// Fault injection
// ------------------------------------------------------------------------------

// FailWith makes all following writes and syncs fail with err (nil heals the device)
func (d *MemDevice) FailWith(err error) {
	if err == nil {
		d.failure.Store(nil)
		return
	}
	d.failure.Store(&err)
}

// DropPage forgets a page, simulating lost secondary storage
func (d *MemDevice) DropPage(page uint64) {
	d.pages.Delete(page)
}

// Pages returns the number of stored pages
func (d *MemDevice) Pages() int {
	return d.pages.Size()
}
