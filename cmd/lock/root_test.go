package lock

import (
	"testing"
	"time"
)

// busyLocks is held for the first n attempts
type busyLocks struct {
	n, attempts int
}

func (b *busyLocks) AcquireLock(string, time.Duration) (bool, []byte, error) {
	b.attempts++
	if b.attempts <= b.n {
		return false, nil, nil
	}
	return true, []byte{0xab}, nil
}

func (b *busyLocks) ReleaseLock(string, []byte) (bool, error) { return true, nil }

func TestAcquireWait(t *testing.T) {
	retryEvery = time.Millisecond

	fake := &busyLocks{n: 3}
	locks = fake
	ok, owner, err := acquire("k", time.Now().Add(time.Second))
	if err != nil || !ok || len(owner) != 1 || fake.attempts != 4 {
		t.Errorf("acquire() = %v, %x, %v after %d attempts", ok, owner, err, fake.attempts)
	}

	// without waiting there is exactly one attempt
	fake = &busyLocks{n: 3}
	locks = fake
	ok, _, err = acquire("k", time.Now())
	if err != nil || ok || fake.attempts != 1 {
		t.Errorf("acquire() without wait = %v, %v after %d attempts", ok, err, fake.attempts)
	}
}
