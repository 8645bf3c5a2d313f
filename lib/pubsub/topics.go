package pubsub

// TopicBroker delivers payloads published on topics. Topics are not stored,
// subscribers only see what is published while they are subscribed.
type TopicBroker struct {
	*broker
}

func NewTopicBroker(name string, buffer int) *TopicBroker {
	return &TopicBroker{broker: newBroker("topic", name, buffer)}
}

func (tb *TopicBroker) Subscribe(topic string) (*Subscription, error) {
	return tb.subscribe(topic, false)
}

func (tb *TopicBroker) PSubscribe(prefix string) (*Subscription, error) {
	return tb.subscribe(prefix, true)
}

// Publish queues payload for all subscribers of topic and returns the number of
// subscriptions at the time of the call. Delivery happens asynchronously.
func (tb *TopicBroker) Publish(topic string, payload []byte) (int, error) {
	if topic == "" {
		return 0, ErrEmptyPattern
	}
	if tb.closed.Load() {
		return 0, ErrBrokerClosed
	}
	n := tb.Subscribers()
	if n == 0 {
		return 0, nil
	}
	if !tb.publish(Event{Kind: EventPublish, Key: topic, Value: append([]byte(nil), payload...)}) {
		return 0, ErrBrokerClosed
	}
	return n, nil
}
