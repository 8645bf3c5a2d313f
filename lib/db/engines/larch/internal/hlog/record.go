package hlog

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Record layout (little endian, 8 byte aligned):
//
//	0  prev      uint64  address of the previous record in the hash chain
//	8  flags     uint8   bit0 tombstone, bit1 invalid
//	12 version   uint32  checkpoint version the record was written in
//	16 keyLen    uint32
//	20 valueLen  uint32  current length of the value
//	24 valueCap  uint32  bytes reserved for the value
//	28 seq       uint32  number of in-place updates
//	32 crc       uint32  CRC32-C, see checksum
//	40 key, value
const (
	HeaderSize = 40

	offPrev     = 0
	offFlags    = 8
	offVersion  = 12
	offKeyLen   = 16
	offValueLen = 20
	offValueCap = 24
	offSeq      = 28
	offCRC      = 32

	flagTombstone = 1 << 0
	flagInvalid   = 1 << 1
)

var (
	// ErrCorruptRecord is returned when a record read from secondary storage fails validation
	ErrCorruptRecord = errors.New("hlog: corrupt record")

	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

// RecordSize returns the number of log bytes a record with the given key and value
// length occupies, including header and alignment.
func RecordSize(keyLen, valueLen int) uint64 {
	return align(uint64(HeaderSize + keyLen + valueLen))
}

func align(n uint64) uint64 {
	return (n + 7) &^ 7
}

// Record is a view of a record inside a page. It is only valid while the caller
// is protected (for in-memory pages) or holds the page buffer (for faulted pages).
type Record []byte

func (r Record) Prev() uint64           { return binary.LittleEndian.Uint64(r[offPrev:]) }
func (r Record) Version() uint32        { return binary.LittleEndian.Uint32(r[offVersion:]) }
func (r Record) KeyLen() uint32         { return binary.LittleEndian.Uint32(r[offKeyLen:]) }
func (r Record) ValueLen() uint32       { return binary.LittleEndian.Uint32(r[offValueLen:]) }
func (r Record) ValueCap() uint32       { return binary.LittleEndian.Uint32(r[offValueCap:]) }
func (r Record) Seq() uint32            { return binary.LittleEndian.Uint32(r[offSeq:]) }
func (r Record) Tombstone() bool        { return r[offFlags]&flagTombstone != 0 }
func (r Record) Invalid() bool          { return r[offFlags]&flagInvalid != 0 }
func (r Record) storedCRC() uint32      { return binary.LittleEndian.Uint32(r[offCRC:]) }
func (r Record) Size() uint64           { return align(uint64(HeaderSize) + uint64(r.KeyLen()) + uint64(r.ValueCap())) }
func (r Record) valueOffset() int       { return HeaderSize + int(r.KeyLen()) }
func (r Record) setPrev(a uint64)       { binary.LittleEndian.PutUint64(r[offPrev:], a) }
func (r Record) setU32(o int, v uint32) { binary.LittleEndian.PutUint32(r[o:], v) }

// Key returns the key bytes. Committed keys are immutable.
func (r Record) Key() []byte {
	return r[HeaderSize : HeaderSize+int(r.KeyLen())]
}

// Value returns the value bytes. Values of mutable records may change in place, readers
// of in-memory records hold the shared record lock while copying.
func (r Record) Value() []byte {
	off := r.valueOffset()
	return r[off : off+int(r.ValueLen())]
}

// checksum computes the CRC over prev, the tombstone flag, the lengths, key and value.
// The invalid flag, the version and the in-place sequence are not covered.
func (r Record) checksum() uint32 {
	var hdr [17]byte
	copy(hdr[0:8], r[offPrev:offPrev+8])
	hdr[8] = r[offFlags] & flagTombstone
	copy(hdr[9:17], r[offKeyLen:offKeyLen+8])
	crc := crc32.Update(0, castagnoli, hdr[:])
	crc = crc32.Update(crc, castagnoli, r.Key())
	return crc32.Update(crc, castagnoli, r.Value())
}

// init writes a complete record into r, which must be at least RecordSize bytes.
func (r Record) init(prev uint64, key, value []byte, tombstone bool, version uint32) {
	size := RecordSize(len(key), len(value))
	r.setPrev(prev)
	r[offFlags] = 0
	if tombstone {
		r[offFlags] = flagTombstone
	}
	r[offFlags+1], r[offFlags+2], r[offFlags+3] = 0, 0, 0
	r.setU32(offVersion, version)
	r.setU32(offKeyLen, uint32(len(key)))
	r.setU32(offValueLen, uint32(len(value)))
	r.setU32(offValueCap, uint32(size)-HeaderSize-uint32(len(key)))
	r.setU32(offSeq, 0)
	r.setU32(36, 0)
	copy(r[HeaderSize:], key)
	copy(r[HeaderSize+len(key):], value)
	r.setU32(offCRC, r.checksum())
}

// setValue replaces the value in place. The caller holds the exclusive record lock
// and checked that value fits into the capacity.
func (r Record) setValue(value []byte) {
	off := r.valueOffset()
	copy(r[off:off+len(value)], value)
	r.setU32(offValueLen, uint32(len(value)))
	r.setU32(offSeq, r.Seq()+1)
	r.setU32(offCRC, r.checksum())
}

// markInvalid flags a record that was appended but never published.
func (r Record) markInvalid() {
	r[offFlags] |= flagInvalid
}

// validate checks that a record read from secondary storage is well formed and
// fits into the remaining avail bytes of its page.
func (r Record) validate(avail uint64) error {
	if uint64(len(r)) < HeaderSize || avail < HeaderSize {
		return ErrCorruptRecord
	}
	keyLen, valueLen, valueCap := uint64(r.KeyLen()), uint64(r.ValueLen()), uint64(r.ValueCap())
	if valueLen > valueCap || align(HeaderSize+keyLen+valueCap) > avail {
		return ErrCorruptRecord
	}
	if r.checksum() != r.storedCRC() {
		return ErrCorruptRecord
	}
	return nil
}
