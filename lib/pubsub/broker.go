package pubsub

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("pubsub")

// DefaultBufferSize is the number of undelivered events a subscription holds
// before new events are dropped
const DefaultBufferSize = 256

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

type EventKind uint8

const (
	EventUpsert  EventKind = iota + 1 // a key got a new value
	EventDelete                       // a key was deleted
	EventPublish                      // a payload was published on a topic
)

func (k EventKind) String() string {
	switch k {
	case EventUpsert:
		return "upsert"
	case EventDelete:
		return "delete"
	case EventPublish:
		return "publish"
	default:
		return "unknown"
	}
}

// ParseEventKind returns the kind named s (see EventKind.String), 0 if s is unknown
func ParseEventKind(s string) EventKind {
	for k := EventUpsert; k <= EventPublish; k++ {
		if k.String() == s {
			return k
		}
	}
	return 0
}

// Event is delivered to all subscriptions matching Key. For topic events Key
// is the topic and Value the payload.
type Event struct {
	Kind    EventKind
	Key     string
	Value   []byte
	Address uint64 // log address of the mutation (key events only)
}

// --------------------------------------------------------------------------
// Subscriptions
// --------------------------------------------------------------------------

// Subscription receives the events of one key (or topic) or of all keys with a prefix.
//
// Thread-safety: Events must be read by one goroutine. Close can be called from any goroutine.
type Subscription struct {
	id      uint64
	pattern string
	prefix  bool
	b       *broker

	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

// Events returns the channel of the subscription. It is closed when the subscription
// or its broker is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Pattern returns the key (or prefix) the subscription matches.
func (s *Subscription) Pattern() string { return s.pattern }

// IsPrefix reports whether the subscription matches all keys starting with Pattern.
func (s *Subscription) IsPrefix() bool { return s.prefix }

// Dropped returns the number of events that were dropped because the subscriber was too slow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close ends the subscription. Calling Close more than once is safe.
func (s *Subscription) Close() {
	s.b.unsubscribe(s)
	s.shutdown()
}

func (s *Subscription) matches(key string) bool {
	if s.prefix {
		return strings.HasPrefix(key, s.pattern)
	}
	return key == s.pattern
}

// deliver never blocks, events for a full subscription are dropped
func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// --------------------------------------------------------------------------
// Broker core
// --------------------------------------------------------------------------

var metricSets = xsync.NewMapOf[string, *metrics.Set]()

// WritePrometheus writes the metrics of all open brokers in the Prometheus text format
func WritePrometheus(w io.Writer) {
	metricSets.Range(func(_ string, set *metrics.Set) bool {
		set.WritePrometheus(w)
		return true
	})
}

// broker fans events out to subscriptions. Producers push into a lock-free queue,
// a single dispatcher goroutine delivers them.
type broker struct {
	name      string
	metricKey string
	buffer    int

	queue    *util.LockFreeMPSC[Event]
	exact    *xsync.MapOf[string, *xsync.MapOf[uint64, *Subscription]]
	prefixes *xsync.MapOf[uint64, *Subscription]
	count    atomic.Int64
	nextID   atomic.Uint64
	done     chan struct{}

	// mu orders subscribe against Close, a subscription is either seen by
	// Close or refused
	mu     sync.RWMutex
	closed atomic.Bool

	set       *metrics.Set
	published *metrics.Counter
	delivered *metrics.Counter
	dropped   *metrics.Counter
}

func newBroker(kind, name string, buffer int) *broker {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	b := &broker{
		name:      name,
		metricKey: kind + "/" + name,
		buffer:    buffer,
		queue:     util.NewLockFreeMPSC[Event](),
		exact:     xsync.NewMapOf[string, *xsync.MapOf[uint64, *Subscription]](),
		prefixes:  xsync.NewMapOf[uint64, *Subscription](),
		done:      make(chan struct{}),
		set:       metrics.NewSet(),
	}
	metric := func(metric string) string {
		return fmt.Sprintf(`hkv_pubsub_%s{broker=%q,kind=%q}`, metric, name, kind)
	}
	b.published = b.set.NewCounter(metric("events_published_total"))
	b.delivered = b.set.NewCounter(metric("events_delivered_total"))
	b.dropped = b.set.NewCounter(metric("events_dropped_total"))
	b.set.NewGauge(metric("subscriptions"), func() float64 { return float64(b.count.Load()) })
	metricSets.Store(b.metricKey, b.set)

	go b.dispatch()
	return b
}

func (b *broker) subscribe(pattern string, prefix bool) (*Subscription, error) {
	if pattern == "" && !prefix {
		return nil, ErrEmptyPattern
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	sub := &Subscription{
		id:      b.nextID.Add(1),
		pattern: pattern,
		prefix:  prefix,
		b:       b,
		ch:      make(chan Event, b.buffer),
	}
	if prefix {
		b.prefixes.Store(sub.id, sub)
	} else {
		b.exact.Compute(pattern, func(subs *xsync.MapOf[uint64, *Subscription], loaded bool) (*xsync.MapOf[uint64, *Subscription], bool) {
			if !loaded {
				subs = xsync.NewMapOf[uint64, *Subscription]()
			}
			subs.Store(sub.id, sub)
			return subs, false
		})
	}
	b.count.Add(1)
	Logger.Debugf("%s: new subscription %d on %q (prefix=%v)", b.name, sub.id, pattern, prefix)
	return sub, nil
}

func (b *broker) unsubscribe(sub *Subscription) {
	var removed bool
	if sub.prefix {
		_, removed = b.prefixes.LoadAndDelete(sub.id)
	} else {
		// empty sets are dropped under the same bucket lock subscribe uses
		b.exact.Compute(sub.pattern, func(subs *xsync.MapOf[uint64, *Subscription], loaded bool) (*xsync.MapOf[uint64, *Subscription], bool) {
			if !loaded {
				return subs, true
			}
			_, removed = subs.LoadAndDelete(sub.id)
			return subs, subs.Size() == 0
		})
	}
	if removed {
		b.count.Add(-1)
	}
}

// publish queues an event. Returns false if the broker is closed.
func (b *broker) publish(ev Event) bool {
	if !b.queue.Push(ev) {
		return false
	}
	b.published.Inc()
	return true
}

func (b *broker) dispatch() {
	defer close(b.done)
	for ev := range b.queue.Recv() {
		if subs, ok := b.exact.Load(ev.Key); ok {
			subs.Range(func(_ uint64, sub *Subscription) bool {
				b.deliver(sub, ev)
				return true
			})
		}
		b.prefixes.Range(func(_ uint64, sub *Subscription) bool {
			if sub.matches(ev.Key) {
				b.deliver(sub, ev)
			}
			return true
		})
	}
}

func (b *broker) deliver(sub *Subscription, ev Event) {
	if sub.deliver(ev) {
		b.delivered.Inc()
	} else {
		b.dropped.Inc()
	}
}

// Subscribers returns the number of active subscriptions.
func (b *broker) Subscribers() int {
	return int(b.count.Load())
}

// Close stops the broker after all queued events were dispatched and closes all subscriptions.
func (b *broker) Close() error {
	b.mu.Lock()
	if !b.closed.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.queue.Close()
	<-b.done

	b.prefixes.Range(func(_ uint64, sub *Subscription) bool {
		sub.shutdown()
		return true
	})
	b.exact.Range(func(_ string, subs *xsync.MapOf[uint64, *Subscription]) bool {
		subs.Range(func(_ uint64, sub *Subscription) bool {
			sub.shutdown()
			return true
		})
		return true
	})
	b.prefixes.Clear()
	b.exact.Clear()
	b.count.Store(0)

	if set, ok := metricSets.Load(b.metricKey); ok && set == b.set {
		metricSets.Delete(b.metricKey)
	}
	Logger.Infof("%s: broker closed", b.name)
	return nil
}
