package pubsub

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(testTimeout):
		t.Fatalf("no event for %q", sub.Pattern())
		return Event{}
	}
}

func requireQuiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestKeyBrokerWithEngine(t *testing.T) {
	keys := NewKeyBroker(t.Name(), 0)
	defer keys.Close()

	opts := larch.DefaultOptions()
	opts.Hook = keys
	database, err := larch.NewLarchDB(opts)
	require.NoError(t, err)
	defer database.Close()

	session, err := database.NewSession()
	require.NoError(t, err)
	defer session.Close()

	exact, err := keys.Subscribe("user:1")
	require.NoError(t, err)
	prefix, err := keys.PSubscribe("user:")
	require.NoError(t, err)
	other, err := keys.Subscribe("user:2")
	require.NoError(t, err)
	assert.Equal(t, 3, keys.Subscribers())

	require.NoError(t, session.Upsert([]byte("user:1"), []byte("alice")))
	_, err = session.RMW([]byte("user:1"), func(old []byte, _ bool) []byte {
		return append(old, '!')
	})
	require.NoError(t, err)
	require.NoError(t, session.Delete([]byte("user:1")))
	require.NoError(t, session.Upsert([]byte("group:1"), []byte("admins")))

	for _, sub := range []*Subscription{exact, prefix} {
		ev := next(t, sub)
		assert.Equal(t, EventUpsert, ev.Kind)
		assert.Equal(t, "user:1", ev.Key)
		assert.Equal(t, []byte("alice"), ev.Value)

		ev = next(t, sub)
		assert.Equal(t, EventUpsert, ev.Kind)
		assert.Equal(t, []byte("alice!"), ev.Value)

		ev = next(t, sub)
		assert.Equal(t, EventDelete, ev.Kind)
		assert.Nil(t, ev.Value)
	}
	requireQuiet(t, exact)
	requireQuiet(t, prefix)
	requireQuiet(t, other)
}

func TestKeyBrokerCopiesValues(t *testing.T) {
	keys := NewKeyBroker(t.Name(), 0)
	defer keys.Close()

	sub, err := keys.Subscribe("k")
	require.NoError(t, err)

	key, value := []byte("k"), []byte("v1")
	keys.OnMutation(key, value, false, 42)
	copy(value, "xx")

	ev := next(t, sub)
	assert.Equal(t, []byte("v1"), ev.Value)
	assert.Equal(t, uint64(42), ev.Address)
}

func TestHookFuncAdapter(t *testing.T) {
	keys := NewKeyBroker(t.Name(), 0)
	defer keys.Close()
	sub, err := keys.Subscribe("k")
	require.NoError(t, err)

	var hook db.MutationHook = db.HookFunc(keys.OnMutation)
	hook.OnMutation([]byte("k"), nil, true, 1)
	assert.Equal(t, EventDelete, next(t, sub).Kind)
}

func TestTopicBroker(t *testing.T) {
	topics := NewTopicBroker(t.Name(), 0)
	defer topics.Close()

	n, err := topics.Publish("news", []byte("nobody listens"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	sub, err := topics.Subscribe("news")
	require.NoError(t, err)
	all, err := topics.PSubscribe("")
	require.NoError(t, err)

	n, err = topics.Publish("news", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = topics.Publish("weather", []byte("rain"))
	require.NoError(t, err)

	ev := next(t, sub)
	assert.Equal(t, EventPublish, ev.Kind)
	assert.Equal(t, "news", ev.Key)
	assert.Equal(t, []byte("hello"), ev.Value)
	requireQuiet(t, sub)

	assert.Equal(t, "news", next(t, all).Key)
	assert.Equal(t, "weather", next(t, all).Key)

	_, err = topics.Publish("", nil)
	assert.ErrorIs(t, err, ErrEmptyPattern)
	_, err = topics.Subscribe("")
	assert.ErrorIs(t, err, ErrEmptyPattern)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	topics := NewTopicBroker(t.Name(), 4)
	defer topics.Close()

	slow, err := topics.Subscribe("t")
	require.NoError(t, err)
	fast, err := topics.Subscribe("t")
	require.NoError(t, err)

	const total = 100
	received := make(chan int)
	go func() {
		count := 0
		for range fast.Events() {
			count++
		}
		received <- count
	}()

	for i := 0; i < total; i++ {
		_, err := topics.Publish("t", []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return uint64(len(slow.Events()))+slow.Dropped() == total
	}, testTimeout, 10*time.Millisecond)
	assert.Equal(t, 4, len(slow.Events()))

	// first events are kept, later ones dropped
	assert.Equal(t, []byte("0"), next(t, slow).Value)

	require.NoError(t, topics.Close())
	assert.Equal(t, uint64(total), uint64(<-received)+fast.Dropped())

	var buf bytes.Buffer
	WritePrometheus(&buf)
	assert.NotContains(t, buf.String(), t.Name(), "metrics of closed brokers are removed")
}

func TestUnsubscribe(t *testing.T) {
	topics := NewTopicBroker(t.Name(), 0)
	defer topics.Close()

	sub, err := topics.Subscribe("t")
	require.NoError(t, err)
	assert.Equal(t, 1, topics.Subscribers())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, topics.Subscribers())
	_, ok := <-sub.Events()
	assert.False(t, ok)

	n, err := topics.Publish("t", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClose(t *testing.T) {
	keys := NewKeyBroker(t.Name(), 0)

	sub, err := keys.PSubscribe("")
	require.NoError(t, err)
	keys.OnMutation([]byte("a"), []byte("1"), false, 1)

	require.NoError(t, keys.Close())
	require.NoError(t, keys.Close())

	// queued events are delivered before the channel is closed
	ev, ok := <-sub.Events()
	require.True(t, ok)
	assert.Equal(t, "a", ev.Key)
	_, ok = <-sub.Events()
	assert.False(t, ok)

	_, err = keys.Subscribe("a")
	assert.ErrorIs(t, err, ErrBrokerClosed)
	sub.Close()
}

// Subscriptions racing with Close are either refused or closed by it
func TestSubscribeDuringClose(t *testing.T) {
	for round := 0; round < 50; round++ {
		keys := NewKeyBroker(fmt.Sprintf("%s-%d", t.Name(), round), 0)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			subs []*Subscription
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sub, err := keys.Subscribe(fmt.Sprintf("k%d", i))
				if err != nil {
					assert.ErrorIs(t, err, ErrBrokerClosed)
					return
				}
				mu.Lock()
				subs = append(subs, sub)
				mu.Unlock()
			}(i)
		}
		require.NoError(t, keys.Close())
		wg.Wait()

		for _, sub := range subs {
			select {
			case _, ok := <-sub.Events():
				assert.False(t, ok, "no events were published")
			case <-time.After(5 * time.Second):
				t.Fatal("subscription survived Close")
			}
		}
	}
}

func TestConcurrentSubscribers(t *testing.T) {
	keys := NewKeyBroker(t.Name(), 1024)
	defer keys.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub, err := keys.Subscribe(fmt.Sprintf("k%d", j%4))
				if !assert.NoError(t, err) {
					return
				}
				keys.OnMutation([]byte(fmt.Sprintf("k%d", j%4)), []byte("v"), false, uint64(i))
				sub.Close()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, keys.Subscribers())
}
