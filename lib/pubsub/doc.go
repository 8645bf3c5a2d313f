// Package pubsub provides change notifications for hKV.
//
// Two brokers share the same delivery machinery:
//
//   - KeyBroker implements db.MutationHook. Installed as the hook of an engine
//     (larch.DBOptions.Hook) it turns every committed upsert, RMW and delete into an
//     event for the subscriptions of the key (Subscribe) or of a key prefix (PSubscribe).
//   - TopicBroker delivers payloads published on named topics. It never touches
//     the database.
//
// Producers push events into a lock-free MPSC queue (util.LockFreeMPSC) and return
// immediately; the mutation hook runs on the writing goroutine of the engine and
// must not block. A single dispatcher goroutine per broker moves the events into
// the buffered channels of the matching subscriptions. Subscribers that do not keep
// up lose events: a full buffer drops the event and counts it (Subscription.Dropped
// and the hkv_pubsub_events_dropped_total metric).
//
// Ordering: events of one key are delivered in commit order as long as they are
// produced by the same goroutine. Across goroutines they are delivered in the order
// in which they entered the queue.
//
// Usage Example:
//
//	keys := pubsub.NewKeyBroker("shard-100", 0)
//	opts := larch.DefaultOptions()
//	opts.Hook = keys
//	database, _ := larch.NewLarchDB(opts)
//
//	sub, _ := keys.PSubscribe("user:")
//	defer sub.Close()
//	for ev := range sub.Events() {
//	    fmt.Println(ev.Kind, ev.Key, string(ev.Value))
//	}
package pubsub
