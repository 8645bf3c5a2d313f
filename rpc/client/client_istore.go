package client

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/store"
	"github.com/ValentinKolb/hKV/rpc/common"
	"github.com/ValentinKolb/hKV/rpc/serializer"
	"github.com/ValentinKolb/hKV/rpc/transport"
)

// NewRPCStore connects the transport and returns the store of shard shardId.
// Close closes the transport.
func NewRPCStore(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (store.IStore, error) {
	adapter, err := connect(shardId, config, transport, serializer)
	if err != nil {
		return nil, err
	}
	return &rpcStore{adapter}, nil
}

type rpcStore struct {
	rpcClientAdapter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the store package in interface.go)
// --------------------------------------------------------------------------

func (i *rpcStore) Upsert(key string, value []byte) (err error) {
	_, err = i.invoke(common.NewUpsertRequest(key, value))
	return err
}

func (i *rpcStore) Read(key string) (value []byte, loaded bool, err error) {
	resp, err := i.invoke(common.NewReadRequest(key))
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

func (i *rpcStore) RMW(key, op string, arg []byte) (value []byte, err error) {
	resp, err := i.invoke(common.NewRMWRequest(key, op, arg))
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (i *rpcStore) Delete(key string) (err error) {
	_, err = i.invoke(common.NewDeleteRequest(key))
	return err
}

func (i *rpcStore) Checkpoint() (token string, err error) {
	resp, err := i.invoke(common.NewCheckpointRequest())
	if err != nil {
		return "", err
	}
	return string(resp.Meta), nil
}

func (i *rpcStore) GetDBInfo() (info db.DatabaseInfo, err error) {
	resp, err := i.invoke(common.NewInfoRequest())
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(resp.Meta, &info); err != nil {
		return info, fmt.Errorf("RPC client - invalid database info: %w", err)
	}
	return info, nil
}
