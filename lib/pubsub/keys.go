package pubsub

import (
	"github.com/ValentinKolb/hKV/lib/db"
)

// KeyBroker turns the mutations of a database into events. It is installed as the
// mutation hook of the engine (db.MutationHook) and delivers every committed
// upsert, RMW and delete to the subscriptions of the key.
type KeyBroker struct {
	*broker
}

var _ db.MutationHook = (*KeyBroker)(nil)

// NewKeyBroker creates a key broker. name labels its metrics, buffer is the
// per subscription buffer (<= 0 for DefaultBufferSize).
func NewKeyBroker(name string, buffer int) *KeyBroker {
	return &KeyBroker{broker: newBroker("key", name, buffer)}
}

// Subscribe returns a subscription for all mutations of key.
func (kb *KeyBroker) Subscribe(key string) (*Subscription, error) {
	return kb.subscribe(key, false)
}

// PSubscribe returns a subscription for all mutations of keys starting with prefix.
// The empty prefix matches every key.
func (kb *KeyBroker) PSubscribe(prefix string) (*Subscription, error) {
	return kb.subscribe(prefix, true)
}

// OnMutation implements db.MutationHook. It copies the mutation and returns
// without waiting for subscribers.
func (kb *KeyBroker) OnMutation(key, value []byte, tombstone bool, address uint64) {
	if kb.count.Load() == 0 {
		return
	}
	ev := Event{
		Kind:    EventUpsert,
		Key:     string(key),
		Address: address,
	}
	if tombstone {
		ev.Kind = EventDelete
	} else {
		ev.Value = append([]byte(nil), value...)
	}
	kb.publish(ev)
}
