package lockmgr

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch"
	"github.com/ValentinKolb/hKV/lib/store"
	"github.com/ValentinKolb/hKV/lib/store/lstore"
)

func newTestManager(t *testing.T) (ILockManager, store.IStore) {
	t.Helper()
	s, err := lstore.NewLocalStore(func() (db.KVDB, error) {
		return larch.NewLarchDB(larch.DefaultOptions())
	})
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewLockManager(s), s
}

// setClock replaces the clock of the merge operators for the duration of the test
func setClock(t *testing.T, at time.Time) *atomic.Int64 {
	t.Helper()
	var clock atomic.Int64
	clock.Store(at.UnixNano())
	now = func() time.Time { return time.Unix(0, clock.Load()) }
	t.Cleanup(func() { now = time.Now })
	return &clock
}

func TestAcquireRelease(t *testing.T) {
	lm, _ := newTestManager(t)

	ok, owner, err := lm.AcquireLock("res", 0)
	if err != nil || !ok || len(owner) != ownerIDLength {
		t.Fatalf("AcquireLock() = %v, %x, %v", ok, owner, err)
	}

	ok, other, err := lm.AcquireLock("res", 0)
	if err != nil || ok || other != nil {
		t.Errorf("second AcquireLock() = %v, %x, %v, want false", ok, other, err)
	}

	released, err := lm.ReleaseLock("res", []byte("not-the-owner-not-the-owner-1234"))
	if err != nil || released {
		t.Errorf("ReleaseLock() by a stranger = %v, %v, want false", released, err)
	}

	released, err = lm.ReleaseLock("res", owner)
	if err != nil || !released {
		t.Errorf("ReleaseLock() by the owner = %v, %v, want true", released, err)
	}

	ok, _, err = lm.AcquireLock("res", 0)
	if err != nil || !ok {
		t.Errorf("AcquireLock() after release = %v, %v", ok, err)
	}
}

func TestReleaseUnknownLock(t *testing.T) {
	lm, _ := newTestManager(t)

	tests := []struct {
		name     string
		ownerID  []byte
		expected bool
	}{
		{"valid owner", make([]byte, ownerIDLength), true},
		{"short owner", []byte("x"), false},
		{"nil owner", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			released, err := lm.ReleaseLock("never-locked", tt.ownerID)
			if err != nil || released != tt.expected {
				t.Errorf("ReleaseLock() = %v, %v, want %v", released, err, tt.expected)
			}
		})
	}
}

func TestExpiry(t *testing.T) {
	lm, s := newTestManager(t)
	clock := setClock(t, time.Unix(1000, 0))

	ok, first, err := lm.AcquireLock("res", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock() = %v, %v", ok, err)
	}
	info, err := Inspect(s, "res")
	if err != nil || !info.Held || !info.Deadline.Equal(time.Unix(1060, 0)) {
		t.Errorf("Inspect() = %+v, %v", info, err)
	}

	clock.Add(int64(30 * time.Second))
	if ok, _, _ := lm.AcquireLock("res", time.Minute); ok {
		t.Errorf("lock was acquired before it expired")
	}

	clock.Add(int64(time.Minute))
	if info, _ := Inspect(s, "res"); info.Held {
		t.Errorf("expired lock is reported as held: %+v", info)
	}
	ok, second, err := lm.AcquireLock("res", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock() of an expired lock = %v, %v", ok, err)
	}

	// the first owner must not release the new lock
	if released, _ := lm.ReleaseLock("res", first); released {
		t.Errorf("previous owner released the lock")
	}
	if released, _ := lm.ReleaseLock("res", second); !released {
		t.Errorf("owner could not release the lock")
	}
}

func TestMutualExclusion(t *testing.T) {
	lm, _ := newTestManager(t)

	const workers, rounds = 8, 50
	var (
		wg      sync.WaitGroup
		holders atomic.Int32
		entered atomic.Int32
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				ok, owner, err := lm.AcquireLock("mutex", 0)
				if err != nil || !ok {
					continue
				}
				if holders.Add(1) != 1 {
					t.Errorf("more than one holder")
				}
				entered.Add(1)
				holders.Add(-1)
				if released, err := lm.ReleaseLock("mutex", owner); err != nil || !released {
					t.Errorf("ReleaseLock() = %v, %v", released, err)
				}
			}
		}()
	}
	wg.Wait()

	if entered.Load() == 0 {
		t.Errorf("no worker acquired the lock")
	}
}
