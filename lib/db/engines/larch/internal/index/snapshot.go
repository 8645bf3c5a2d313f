package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/golang/snappy"
)

// ErrCorruptSnapshot is returned by Restore for images that fail validation
var ErrCorruptSnapshot = errors.New("index: corrupt snapshot")

// snapshot layout before compression (little endian):
//
//	magic    [8]byte
//	buckets  uint64
//	cut      uint64
//	entries  uint64
//	entries x {bucket uint64, tag uint16, address uint64}
const (
	snapshotMagic      = "HKVIDX01"
	snapshotHeaderSize = 32
	snapshotEntrySize  = 18
)

// Image is a compressed, checksummed snapshot of the index
type Image struct {
	Data     []byte
	Checksum uint64
	Entries  int
	Buckets  uint64
	Cut      uint64
}

// Snapshot writes an image of the index as of the checkpoint cut: every entry is
// followed back through its chain to the newest record below cut. Entries whose
// chain starts at or above cut only are left out.
//
// Records below cut must not change anymore (cut <= safe read-only address). The
// caller must not be protected; the index may be used concurrently.
func (i *Index) Snapshot(cut uint64) (*Image, error) {
	i.sysMu.Lock()
	defer i.sysMu.Unlock()

	t := i.cur.Load()
	raw := make([]byte, snapshotHeaderSize, snapshotHeaderSize+int(t.size())*snapshotEntrySize)
	copy(raw, snapshotMagic)
	binary.LittleEndian.PutUint64(raw[8:], t.size())
	binary.LittleEndian.PutUint64(raw[16:], cut)

	var (
		n       int
		walkErr error
	)
	t.forEach(func(idx uint64, _ *atomic.Uint64, e entry) {
		if walkErr != nil {
			return
		}
		a := e.address()
		for a != 0 && a >= cut {
			if a, walkErr = i.resolver.Prev(a); walkErr != nil {
				return
			}
		}
		if a == 0 {
			return
		}
		raw = binary.LittleEndian.AppendUint64(raw, idx)
		raw = binary.LittleEndian.AppendUint16(raw, e.tag())
		raw = binary.LittleEndian.AppendUint64(raw, a)
		n++
	})
	if walkErr != nil {
		return nil, fmt.Errorf("index snapshot: %w", walkErr)
	}
	binary.LittleEndian.PutUint64(raw[24:], uint64(n))

	data := snappy.Encode(nil, raw)
	return &Image{
		Data:     data,
		Checksum: util.Checksum(data),
		Entries:  n,
		Buckets:  t.size(),
		Cut:      cut,
	}, nil
}

// Verify checks the checksum of an image without decoding it
func Verify(data []byte, checksum uint64) error {
	if util.Checksum(data) != checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}
	return nil
}

// Restore replaces the table with the content of a snapshot image and returns the
// number of restored entries. Must be called before the index is used.
func (i *Index) Restore(data []byte, checksum uint64) (int, error) {
	if err := Verify(data, checksum); err != nil {
		return 0, err
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if len(raw) < snapshotHeaderSize || string(raw[:8]) != snapshotMagic {
		return 0, fmt.Errorf("%w: bad header", ErrCorruptSnapshot)
	}

	size := binary.LittleEndian.Uint64(raw[8:])
	n := binary.LittleEndian.Uint64(raw[24:])
	if size == 0 || bits.OnesCount64(size) != 1 {
		return 0, fmt.Errorf("%w: invalid table size %d", ErrCorruptSnapshot, size)
	}
	if uint64(len(raw)-snapshotHeaderSize) != n*snapshotEntrySize {
		return 0, fmt.Errorf("%w: expected %d entries", ErrCorruptSnapshot, n)
	}

	t := newTable(size)
	for off := snapshotHeaderSize; off < len(raw); off += snapshotEntrySize {
		idx := binary.LittleEndian.Uint64(raw[off:])
		tag := binary.LittleEndian.Uint16(raw[off+8:])
		addr := binary.LittleEndian.Uint64(raw[off+10:])
		if idx >= size || addr == 0 || addr > AddressMask {
			return 0, fmt.Errorf("%w: invalid entry at offset %d", ErrCorruptSnapshot, off)
		}
		t.put(idx, tag, addr)
	}

	i.sysMu.Lock()
	i.cur.Store(t)
	i.sysMu.Unlock()
	return int(n), nil
}

// ------------------------------------------------------------------------------
// Stats
// ------------------------------------------------------------------------------

// Stats describes the fill of the index
type Stats struct {
	Buckets         uint64                 `json:"buckets"`
	OverflowBuckets int64                  `json:"overflow_buckets"`
	Entries         int                    `json:"entries"`
	Tentative       int                    `json:"tentative"`
	Grows           uint64                 `json:"grows"`
	LoadFactor      float64                `json:"load_factor"`
	Distribution    util.DistributionStats `json:"distribution"`
}

// Stats scans the table. The result is approximate while the index is in use.
func (i *Index) Stats() Stats {
	t := i.cur.Load()
	s := Stats{
		Buckets:         t.size(),
		OverflowBuckets: t.overflow.Load(),
		Grows:           i.grows.Load(),
	}

	fill := make([]float64, t.size())
	for idx := range t.buckets {
		for b := &t.buckets[idx]; b != nil; b = b.overflow.Load() {
			for j := range b.entries {
				e := entry(b.entries[j].Load())
				switch {
				case e.final():
					s.Entries++
					fill[idx]++
				case e.tentative():
					s.Tentative++
				}
			}
		}
	}
	s.LoadFactor = float64(s.Entries) / float64(t.size()*entriesPerBucket)
	s.Distribution = util.NewDistributionStats(fill)
	return s
}
