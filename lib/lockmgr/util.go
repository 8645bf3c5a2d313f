package lockmgr

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"time"
)

const (
	ownerIDLength = 32 // 256 bit
	lockValueSize = ownerIDLength + 8
)

// generateOwnerID creates a new unique owner ID
// The owner ID is a random byte slice of 256 bits.
func generateOwnerID() ([]byte, error) {
	randomBytes := make([]byte, ownerIDLength)
	_, err := rand.Read(randomBytes)
	return randomBytes, err
}

// encodeLock builds the stored lock value: the owner ID followed by the
// little endian unix nano deadline (0 for locks that never expire)
func encodeLock(ownerID []byte, deadline int64) []byte {
	buf := make([]byte, lockValueSize)
	copy(buf, ownerID)
	binary.LittleEndian.PutUint64(buf[ownerIDLength:], uint64(deadline))
	return buf
}

// decodeLock returns the owner and deadline of a stored lock value.
// ok is false for values that are not locks (e.g. the empty value of a released lock).
func decodeLock(value []byte) (ownerID []byte, deadline int64, ok bool) {
	if len(value) != lockValueSize {
		return nil, 0, false
	}
	return value[:ownerIDLength], int64(binary.LittleEndian.Uint64(value[ownerIDLength:])), true
}

// heldBy reports whether value is a lock that is still valid at now. With a nil owner
// any owner matches.
func heldBy(value []byte, owner []byte, now time.Time) bool {
	id, deadline, ok := decodeLock(value)
	if !ok {
		return false
	}
	if deadline != 0 && now.UnixNano() >= deadline {
		return false
	}
	return owner == nil || bytes.Equal(id, owner)
}
