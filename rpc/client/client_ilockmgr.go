package client

import (
	"time"

	"github.com/ValentinKolb/hKV/lib/lockmgr"
	"github.com/ValentinKolb/hKV/rpc/common"
	"github.com/ValentinKolb/hKV/rpc/serializer"
	"github.com/ValentinKolb/hKV/rpc/transport"
)

// NewRPCLockMgr connects the transport and returns the lock manager of shard shardId
func NewRPCLockMgr(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (lockmgr.ILockManager, error) {
	adapter, err := connect(shardId, config, transport, serializer)
	if err != nil {
		return nil, err
	}
	return &rpcLockMgr{adapter}, nil
}

// rpcLockMgr sends lock requests to a lock shard. The lock timeout travels in
// milliseconds, the server owns the clock that decides about expiry.
type rpcLockMgr struct {
	rpcClientAdapter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see lockmgr.ILockManager)
// --------------------------------------------------------------------------

func (i *rpcLockMgr) AcquireLock(key string, timeout time.Duration) (bool, []byte, error) {
	resp, err := i.invoke(common.NewAcquireRequest(key, timeout))
	if err != nil {
		return false, nil, err
	}
	return resp.Ok, resp.Value, nil
}

func (i *rpcLockMgr) ReleaseLock(key string, ownerID []byte) (bool, error) {
	resp, err := i.invoke(common.NewReleaseRequest(key, ownerID))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}
