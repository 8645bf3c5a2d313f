package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/hKV/lib/pubsub"
	"github.com/ValentinKolb/hKV/lib/store"
	"github.com/ValentinKolb/hKV/rpc/common"
)

// NewPubSubServerAdapter creates the adapter of a topic shard
func NewPubSubServerAdapter(topics *pubsub.TopicBroker) IRPCStreamAdapter {
	return &pubSubServerAdapter{topics: topics}
}

type pubSubServerAdapter struct {
	topics *pubsub.TopicBroker
}

func (adapter *pubSubServerAdapter) Handle(req *common.Message) *common.Message {
	switch req.MsgType {
	case common.MsgTPSPublish:
		n, err := adapter.topics.Publish(req.Key, req.Value)
		return common.NewPublishResponse(n, pubSubError(err))
	default:
		return common.NewErrorResponse(store.RetCInvalidOperation,
			fmt.Sprintf("RPC PubSubAdapter - Unsupported message type: %s", req.MsgType))
	}
}

func (adapter *pubSubServerAdapter) Stream(ctx context.Context, req *common.Message, send func(msg *common.Message) error) error {
	return streamSubscription(ctx, adapter.topics, req, send)
}

func (adapter *pubSubServerAdapter) Close() error {
	return adapter.topics.Close()
}

// --------------------------------------------------------------------------
// Subscriptions (shared by key and topic shards)
// --------------------------------------------------------------------------

type subscriber interface {
	Subscribe(pattern string) (*pubsub.Subscription, error)
	PSubscribe(prefix string) (*pubsub.Subscription, error)
}

// streamSubscription subscribes to the key (or prefix) of req and sends every event
// until ctx is done, send fails or the broker is closed.
func streamSubscription(ctx context.Context, b subscriber, req *common.Message, send func(msg *common.Message) error) error {
	var (
		sub *pubsub.Subscription
		err error
	)
	switch req.MsgType {
	case common.MsgTPSSubscribe:
		sub, err = b.Subscribe(req.Key)
	case common.MsgTPSPSubscribe:
		sub, err = b.PSubscribe(req.Key)
	default:
		return store.NewError(store.RetCInvalidOperation, fmt.Sprintf("message type %s does not open a stream", req.MsgType))
	}
	if err != nil {
		return pubSubError(err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := send(common.NewEventMessage(ev.Kind.String(), ev.Key, ev.Value, ev.Address)); err != nil {
				return err
			}
		}
	}
}

// pubSubError converts broker errors into store errors, so clients get a matching return code
func pubSubError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pubsub.ErrEmptyPattern):
		return store.NewError(store.RetCEmptyKey, err.Error())
	case errors.Is(err, pubsub.ErrBrokerClosed):
		return store.NewError(store.RetCClosed, err.Error())
	default:
		return err
	}
}
