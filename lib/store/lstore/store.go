package lstore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/store"
	"go.uber.org/multierr"
)

type storeImpl struct {
	db     db.KVDB
	pool   chan db.Session
	closed atomic.Bool
}

// NewLocalStore creates a new local store instance on top of the database returned by factory.
// This store implementation is not distributed and only works on a single node.
func NewLocalStore(factory store.DBFactory) (store.IStore, error) {
	database, err := factory()
	if err != nil {
		return nil, err
	}
	return &storeImpl{
		db:   database,
		pool: make(chan db.Session, 4*runtime.GOMAXPROCS(0)),
	}, nil
}

// --------------------------------------------------------------------------
// Session pool
// --------------------------------------------------------------------------

// acquire returns an idle session or opens a new one
//
// Thread-safety: The returned session is used by the caller only, until it is given back with release.
func (s *storeImpl) acquire() (db.Session, error) {
	if s.closed.Load() {
		return nil, db.ErrClosed
	}
	select {
	case sess := <-s.pool:
		return sess, nil
	default:
		return s.db.NewSession()
	}
}

// release puts a session back into the pool, sessions that do not fit are closed
func (s *storeImpl) release(sess db.Session) {
	if s.closed.Load() {
		_ = sess.Close()
		return
	}
	select {
	case s.pool <- sess:
	default:
		_ = sess.Close()
	}
}

// with runs fn with a pooled session. Sessions of a closed database are dropped.
func (s *storeImpl) with(fn func(sess db.Session) error) error {
	sess, err := s.acquire()
	if err != nil {
		return store.FromError(err)
	}
	err = fn(sess)
	if errors.Is(err, db.ErrSessionClosed) || errors.Is(err, db.ErrClosed) {
		_ = sess.Close()
	} else {
		s.release(sess)
	}
	return err
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Upsert(key string, value []byte) error {
	if !s.db.SupportsFeature(db.FeatureUpsert) {
		return store.NewError(store.RetCUnsupportedOperation, "Upsert operation is not supported")
	}
	err := s.with(func(sess db.Session) error {
		return sess.Upsert([]byte(key), value)
	})
	return store.FromError(err).OrNil()
}

func (s *storeImpl) Read(key string) ([]byte, bool, error) {
	if !s.db.SupportsFeature(db.FeatureRead) {
		return nil, false, store.NewError(store.RetCUnsupportedOperation, "Read operation is not supported")
	}
	var value []byte
	err := s.with(func(sess db.Session) (err error) {
		value, err = sess.Read([]byte(key))
		return err
	})
	if errors.Is(err, db.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, store.FromError(err)
	}
	return value, true, nil
}

func (s *storeImpl) RMW(key, op string, arg []byte) ([]byte, error) {
	if !s.db.SupportsFeature(db.FeatureRMW) {
		return nil, store.NewError(store.RetCUnsupportedOperation, "RMW operation is not supported")
	}
	merge, ok := store.LookupMergeOp(op)
	if !ok {
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown merge operator %q", op))
	}
	var value []byte
	err := s.with(func(sess db.Session) (err error) {
		value, err = sess.RMW([]byte(key), func(old []byte, exists bool) []byte {
			return merge(old, exists, arg)
		})
		return err
	})
	if err != nil {
		return nil, store.FromError(err)
	}
	return value, nil
}

func (s *storeImpl) Delete(key string) error {
	if !s.db.SupportsFeature(db.FeatureDelete) {
		return store.NewError(store.RetCUnsupportedOperation, "Delete operation is not supported")
	}
	err := s.with(func(sess db.Session) error {
		return sess.Delete([]byte(key))
	})
	return store.FromError(err).OrNil()
}

func (s *storeImpl) Checkpoint() (string, error) {
	if !s.db.SupportsFeature(db.FeatureCheckpoint) {
		return "", store.NewError(store.RetCUnsupportedOperation, "Checkpoint operation is not supported")
	}
	token, err := s.db.Checkpoint(context.Background())
	if err != nil {
		return "", store.FromError(err)
	}
	return token, nil
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	return s.db.GetInfo(), nil
}

func (s *storeImpl) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs error
	for {
		select {
		case sess := <-s.pool:
			errs = multierr.Append(errs, sess.Close())
			continue
		default:
		}
		break
	}
	return multierr.Append(errs, s.db.Close())
}
