package util

import (
	"github.com/cespare/xxhash/v2"
)

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashKey returns the 64 bit xxHash of a key. The hash index derives the bucket
// from the low bits and the tag from the high bits, so both ends must be well mixed.
func HashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// HashString is HashKey for strings, without converting to a byte slice
func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// Checksum returns the xxHash of an arbitrary blob, used to verify persisted snapshots
func Checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}
