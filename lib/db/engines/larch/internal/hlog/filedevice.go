package hlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".log"

	// DefaultSegmentPages is the number of pages stored in one segment file
	DefaultSegmentPages = 64
)

// FileDevice stores pages in segment files of segPages pages each. Page p lives in
// segment p/segPages at byte offset (p%segPages)*pageSize.
type FileDevice struct {
	dir      string
	pageSize uint64
	segPages uint64

	mu    sync.Mutex
	files map[uint64]*os.File
}

// NewFileDevice opens (or creates) a segment directory
func NewFileDevice(dir string, pageSize, segPages uint64) (*FileDevice, error) {
	if segPages == 0 {
		segPages = DefaultSegmentPages
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("hlog: create log dir: %w", err)
	}
	return &FileDevice{
		dir:      dir,
		pageSize: pageSize,
		segPages: segPages,
		files:    make(map[uint64]*os.File),
	}, nil
}

func (d *FileDevice) segmentPath(seg uint64) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s%08d%s", segmentPrefix, seg, segmentSuffix))
}

// segment returns the open file of a segment. With create=false a missing segment
// returns ErrPageNotFound.
func (d *FileDevice) segment(seg uint64, create bool) (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.files[seg]; ok {
		return f, nil
	}

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(d.segmentPath(seg), flags, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrPageNotFound
	}
	if err != nil {
		return nil, err
	}
	d.files[seg] = f
	return f, nil
}

// ------------------------------------------------------------------------------
// Interface Methods (docu see device.go)
// ------------------------------------------------------------------------------

func (d *FileDevice) WritePage(page, offset uint64, data []byte) error {
	if offset+uint64(len(data)) > d.pageSize {
		return fmt.Errorf("hlog: write beyond page %d (offset %d, len %d)", page, offset, len(data))
	}
	f, err := d.segment(page/d.segPages, true)
	if err != nil {
		return err
	}
	_, err = f.WriteAt(data, int64((page%d.segPages)*d.pageSize+offset))
	return err
}

func (d *FileDevice) ReadPage(page uint64, buf []byte) error {
	f, err := d.segment(page/d.segPages, false)
	if err != nil {
		return fmt.Errorf("page %d: %w", page, err)
	}

	n, err := f.ReadAt(buf[:d.pageSize], int64((page%d.segPages)*d.pageSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if n == 0 {
		return fmt.Errorf("page %d: %w", page, ErrPageNotFound)
	}
	clear(buf[n:d.pageSize])
	return nil
}

func (d *FileDevice) TruncateUntil(page uint64) error {
	segments, err := d.segments()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var errs error
	for _, seg := range segments {
		if (seg+1)*d.segPages > page {
			break
		}
		if f, ok := d.files[seg]; ok {
			errs = multierr.Append(errs, f.Close())
			delete(d.files, seg)
		}
		if err := os.Remove(d.segmentPath(seg)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs error
	for _, f := range d.files {
		errs = multierr.Append(errs, f.Sync())
	}
	return errs
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs error
	for seg, f := range d.files {
		errs = multierr.Append(errs, f.Sync())
		errs = multierr.Append(errs, f.Close())
		delete(d.files, seg)
	}
	return errs
}

// ------------------------------------------------------------------------------
// Helper
// ------------------------------------------------------------------------------

// segments lists the segment numbers present in the directory in ascending order
func (d *FileDevice) segments() ([]uint64, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
