package lockmgr

import (
	"bytes"
	"time"

	"github.com/ValentinKolb/hKV/lib/store"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("lockmgr")

// Names of the merge operators the lock manager is built on
const (
	MergeAcquire = "lockmgr.acquire"
	MergeRelease = "lockmgr.release"
)

// now is replaced in tests
var now = time.Now

func init() {
	store.MustRegisterMergeOp(MergeAcquire, mergeAcquire)
	store.MustRegisterMergeOp(MergeRelease, mergeRelease)
}

// mergeAcquire expects arg = requested lock value. A free or expired lock is replaced,
// a held lock is kept.
func mergeAcquire(old []byte, exists bool, arg []byte) []byte {
	if exists && heldBy(old, nil, now()) {
		return old
	}
	return arg
}

// mergeRelease expects arg = owner ID. The lock becomes empty if it is held by the owner
// or is no lock (anymore), otherwise it is kept.
func mergeRelease(old []byte, exists bool, arg []byte) []byte {
	if exists && heldBy(old, nil, now()) && !heldBy(old, arg, now()) {
		return old
	}
	return []byte{}
}

type lockMgrImpl struct {
	store store.IStore
}

// NewLockManager creates a lock manager that keeps its locks in s.
// The lock manager has no state of its own, any number of them can share a store.
func NewLockManager(s store.IStore) ILockManager {
	return &lockMgrImpl{
		store: s,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see lockmgr/interface.go)
// --------------------------------------------------------------------------

func (lm *lockMgrImpl) AcquireLock(key string, timeout time.Duration) (bool, []byte, error) {
	// Generate storage key (256 bit random value)
	ownerID, err := generateOwnerID()
	if err != nil {
		return false, nil, err
	}

	var deadline int64
	if timeout > 0 {
		deadline = now().Add(timeout).UnixNano()
	}
	want := encodeLock(ownerID, deadline)

	// The merge operator only installs our value if the lock is free, so the
	// committed value tells us who holds the lock
	value, err := lm.store.RMW(key, MergeAcquire, want)
	if err != nil {
		Logger.Warningf("acquiring lock %q failed: %v", key, err)
		return false, nil, err
	}
	if bytes.Equal(value, want) {
		return true, ownerID, nil
	}
	return false, nil, nil
}

func (lm *lockMgrImpl) ReleaseLock(key string, ownerID []byte) (bool, error) {
	if len(ownerID) != ownerIDLength {
		return false, nil
	}
	value, err := lm.store.RMW(key, MergeRelease, ownerID)
	if err != nil {
		return false, err
	}
	return len(value) == 0, nil
}

// LockInfo describes the lock stored under a key
type LockInfo struct {
	Held     bool
	OwnerID  []byte
	Deadline time.Time // zero for locks without timeout
}

// Inspect reads the lock stored under key without changing it.
func Inspect(s store.IStore, key string) (LockInfo, error) {
	value, loaded, err := s.Read(key)
	if err != nil || !loaded {
		return LockInfo{}, err
	}
	id, deadline, ok := decodeLock(value)
	if !ok || !heldBy(value, nil, now()) {
		return LockInfo{}, nil
	}
	info := LockInfo{Held: true, OwnerID: id}
	if deadline != 0 {
		info.Deadline = time.Unix(0, deadline)
	}
	return info, nil
}
