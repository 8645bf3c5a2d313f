package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/hKV/lib/pubsub"
	"github.com/ValentinKolb/hKV/lib/store"
	"github.com/ValentinKolb/hKV/rpc/common"
	"go.uber.org/multierr"
)

// NewIStoreServerAdapter creates the adapter of a store shard. If keys is not nil
// (it must be the mutation hook of the store's database) clients can subscribe to keys.
func NewIStoreServerAdapter(s store.IStore, keys *pubsub.KeyBroker) IRPCStreamAdapter {
	return &iStoreServerAdapterImpl{store: s, keys: keys}
}

type iStoreServerAdapterImpl struct {
	store store.IStore
	keys  *pubsub.KeyBroker
}

func (adapter *iStoreServerAdapterImpl) Handle(req *common.Message) *common.Message {
	s := adapter.store

	switch req.MsgType {
	case common.MsgTKVUpsert:
		err := s.Upsert(req.Key, req.Value)
		return common.NewUpsertResponse(err)
	case common.MsgTKVRead:
		val, ok, err := s.Read(req.Key)
		return common.NewReadResponse(val, ok, err)
	case common.MsgTKVRMW:
		val, err := s.RMW(req.Key, req.Op, req.Value)
		return common.NewRMWResponse(val, err)
	case common.MsgTKVDelete:
		err := s.Delete(req.Key)
		return common.NewDeleteResponse(err)
	case common.MsgTKVCheckpoint:
		token, err := s.Checkpoint()
		return common.NewCheckpointResponse(token, err)
	case common.MsgTKVInfo:
		info, err := s.GetDBInfo()
		if err != nil {
			return common.NewInfoResponse(nil, err)
		}
		data, err := json.Marshal(info)
		return common.NewInfoResponse(data, err)
	default:
		return common.NewErrorResponse(store.RetCInvalidOperation,
			fmt.Sprintf("RPC IStoreAdapter - Unsupported message type: %s", req.MsgType))
	}
}

func (adapter *iStoreServerAdapterImpl) Stream(ctx context.Context, req *common.Message, send func(msg *common.Message) error) error {
	if adapter.keys == nil {
		return store.NewError(store.RetCUnsupportedOperation, "key subscriptions are disabled on this server")
	}
	return streamSubscription(ctx, adapter.keys, req, send)
}

// Close closes the store first, so the hook sees no more mutations when the broker is closed
func (adapter *iStoreServerAdapterImpl) Close() error {
	err := adapter.store.Close()
	if adapter.keys != nil {
		err = multierr.Append(err, adapter.keys.Close())
	}
	return err
}
