package server

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/hKV/lib/lockmgr"
	"github.com/ValentinKolb/hKV/lib/store"
	"github.com/ValentinKolb/hKV/rpc/common"
)

func NewLockManagerServerAdapter(s store.IStore) IRPCServerAdapter {
	return &lockMgrServerAdapter{
		store: s,
		locks: lockmgr.NewLockManager(s),
	}
}

type lockMgrServerAdapter struct {
	store store.IStore
	locks lockmgr.ILockManager
}

func (adapter *lockMgrServerAdapter) Handle(req *common.Message) *common.Message {
	switch req.MsgType {
	case common.MsgTLCKAcquire:
		timeout := time.Duration(req.Timeout) * time.Millisecond
		ok, ownerID, err := adapter.locks.AcquireLock(req.Key, timeout)
		return common.NewAcquireResponse(ok, ownerID, err)
	case common.MsgTLCKRelease:
		ok, err := adapter.locks.ReleaseLock(req.Key, req.Value)
		return common.NewReleaseResponse(ok, err)
	default:
		return common.NewErrorResponse(store.RetCInvalidOperation,
			fmt.Sprintf("RPC LockManagerAdapter - Unsupported message type: %s", req.MsgType))
	}
}

func (adapter *lockMgrServerAdapter) Close() error {
	return adapter.store.Close()
}
