package epoch

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	f := New(2)

	g1, err := f.Acquire()
	require.NoError(t, err)
	g2, err := f.Acquire()
	require.NoError(t, err)

	_, err = f.Acquire()
	assert.ErrorIs(t, err, ErrTableFull)

	g1.Release()
	g3, err := f.Acquire()
	require.NoError(t, err)
	assert.Equal(t, g1.idx, g3.idx)

	g2.Release()
	g3.Release()
}

func TestSafeEpochFollowsOldestGuard(t *testing.T) {
	f := New(4)
	g, err := f.Acquire()
	require.NoError(t, err)
	defer g.Release()

	e := g.Enter()
	assert.True(t, g.Protected())

	f.BumpCurrentEpoch()
	f.BumpCurrentEpoch()
	assert.Equal(t, e-1, f.TryGetSafeEpoch(), "safe epoch must stay below the protected guard")

	g.Refresh()
	assert.Equal(t, f.Current()-1, f.TryGetSafeEpoch())

	g.Exit()
	assert.False(t, g.Protected())
	assert.Equal(t, f.Current()-1, f.TryGetSafeEpoch())
}

func TestExecuteWhenSafeRunsInlineWithoutGuards(t *testing.T) {
	f := New(4)
	ran := false
	f.BumpCurrentEpochWith(func() { ran = true })
	assert.True(t, ran)
	assert.Equal(t, 0, f.Pending())
}

func TestBumpWithWaitsForProtectedGuard(t *testing.T) {
	f := New(4)
	g, err := f.Acquire()
	require.NoError(t, err)
	defer g.Release()

	g.Enter()
	var ran atomic.Bool
	f.BumpCurrentEpochWith(func() { ran.Store(true) })

	assert.False(t, ran.Load(), "action must wait for the protected guard")
	assert.Equal(t, 1, f.Pending())
	f.Drain()
	assert.False(t, ran.Load())

	// a guard that entered after the bump does not block the action
	late, err := f.Acquire()
	require.NoError(t, err)
	late.Enter()

	g.Exit()
	assert.True(t, ran.Load())
	assert.Equal(t, 0, f.Pending())
	late.Exit()
	late.Release()
}

func TestActionsRunInEpochOrder(t *testing.T) {
	f := New(4)
	g, err := f.Acquire()
	require.NoError(t, err)
	defer g.Release()

	g.Enter()
	var order []int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		i := i
		f.BumpCurrentEpochWith(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	g.Exit()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.EqualValues(t, 5, f.Executed())
}

// TestConcurrentGuards retires shared objects while readers are protected. A reader
// must never observe an object whose retirement action already ran.
func TestConcurrentGuards(t *testing.T) {
	type box struct{ freed atomic.Bool }

	f := New(16)
	var cur atomic.Pointer[box]
	cur.Store(&box{})

	var stop atomic.Bool
	var violations atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		g, err := f.Acquire()
		require.NoError(t, err)
		wg.Add(1)
		go func(g *Guard) {
			defer wg.Done()
			defer g.Release()
			for !stop.Load() {
				g.Enter()
				b := cur.Load()
				if b.freed.Load() {
					violations.Add(1)
				}
				runtime.Gosched()
				if b.freed.Load() {
					violations.Add(1)
				}
				g.Exit()
			}
		}(g)
	}

	var retired atomic.Int64
	for i := 0; i < 200; i++ {
		old := cur.Swap(&box{})
		f.BumpCurrentEpochWith(func() {
			old.freed.Store(true)
			retired.Add(1)
		})
		time.Sleep(50 * time.Microsecond)
	}

	stop.Store(true)
	wg.Wait()
	for target := f.Current() - 1; f.TryGetSafeEpoch() < target; {
		runtime.Gosched()
	}
	f.Drain()

	assert.EqualValues(t, 200, retired.Load())
	assert.Zero(t, violations.Load())
}
