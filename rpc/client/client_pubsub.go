package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/hKV/lib/pubsub"
	"github.com/ValentinKolb/hKV/rpc/common"
	"github.com/ValentinKolb/hKV/rpc/serializer"
	"github.com/ValentinKolb/hKV/rpc/transport"
)

// ErrStreamsUnsupported is returned by Subscribe and PSubscribe if the transport cannot stream
var ErrStreamsUnsupported = errors.New("RPC client - the transport does not support subscriptions")

// EventHandler is called for every event of a subscription. Returning an error ends the subscription.
type EventHandler func(ev pubsub.Event) error

// RPCPubSub is the client of a pubsub shard (topics) or of a store shard with
// key subscriptions enabled (key events). Publish is only served by pubsub shards.
//
// Thread-safety: All methods can be called concurrently.
type RPCPubSub struct {
	rpcClientAdapter
}

// NewRPCPubSub creates a new pub/sub client. Subscriptions need a streaming transport
// (transport.IRPCStreamClientTransport), Publish works with every transport.
func NewRPCPubSub(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*RPCPubSub, error) {
	adapter, err := connect(shardId, config, transport, serializer)
	if err != nil {
		return nil, err
	}
	return &RPCPubSub{adapter}, nil
}

// Publish sends payload to all subscribers of topic and returns the number of subscriptions
// that matched the topic on the server.
func (p *RPCPubSub) Publish(topic string, payload []byte) (int, error) {
	resp, err := p.invoke(common.NewPublishRequest(topic, payload))
	if err != nil {
		return 0, err
	}
	return int(resp.Address), nil
}

// Subscribe calls fn for every event of key (or topic). It blocks until ctx is done
// (returns ctx.Err()), fn fails or the server ends the subscription.
func (p *RPCPubSub) Subscribe(ctx context.Context, key string, fn EventHandler) error {
	return p.stream(ctx, common.NewSubscribeRequest(key), fn)
}

// PSubscribe is Subscribe for all keys (or topics) starting with prefix
func (p *RPCPubSub) PSubscribe(ctx context.Context, prefix string, fn EventHandler) error {
	return p.stream(ctx, common.NewPSubscribeRequest(prefix), fn)
}

func (p *RPCPubSub) stream(ctx context.Context, req *common.Message, fn EventHandler) error {
	st, ok := p.transport.(transport.IRPCStreamClientTransport)
	if !ok {
		return ErrStreamsUnsupported
	}
	reqBytes, err := p.serializer.Serialize(*req)
	if err != nil {
		return err
	}
	return st.Stream(ctx, p.shardId, reqBytes, func(data []byte) error {
		var msg common.Message
		if err := p.serializer.Deserialize(data, &msg); err != nil {
			return fmt.Errorf("RPC client - invalid event: %w", err)
		}
		if err := msg.Error(); err != nil {
			return err
		}
		if msg.MsgType != common.MsgTPSEvent {
			return fmt.Errorf("RPC client - unexpected message type: %s, expected %s", msg.MsgType, common.MsgTPSEvent)
		}
		return fn(pubsub.Event{
			Kind:    pubsub.ParseEventKind(msg.Op),
			Key:     msg.Key,
			Value:   msg.Value,
			Address: msg.Address,
		})
	})
}
