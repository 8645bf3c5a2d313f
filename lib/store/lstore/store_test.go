package lstore

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch"
	"github.com/ValentinKolb/hKV/lib/store"
)

func newTestStore(t *testing.T) store.IStore {
	t.Helper()
	s, err := NewLocalStore(func() (db.KVDB, error) {
		return larch.NewLarchDB(larch.DefaultOptions())
	})
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertReadDelete(t *testing.T) {
	s := newTestStore(t)

	if err := s.Upsert("key", []byte("value")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	value, loaded, err := s.Read("key")
	if err != nil || !loaded || !bytes.Equal(value, []byte("value")) {
		t.Errorf("Read() = %q, %v, %v", value, loaded, err)
	}

	if err := s.Delete("key"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	_, loaded, err = s.Read("key")
	if err != nil || loaded {
		t.Errorf("Read() after Delete: loaded=%v, err=%v", loaded, err)
	}

	if err := s.Delete("never-written"); err != nil {
		t.Errorf("Delete of an absent key failed: %v", err)
	}
}

func TestErrors(t *testing.T) {
	s := newTestStore(t)

	err := s.Upsert("", []byte("value"))
	if !errors.Is(err, db.ErrEmptyKey) {
		t.Errorf("Expected ErrEmptyKey, got %v", err)
	}
	var storeErr *store.Error
	if !errors.As(err, &storeErr) || storeErr.Code != store.RetCEmptyKey {
		t.Errorf("Expected a *store.Error with RetCEmptyKey, got %#v", err)
	}

	_, err = s.RMW("key", "no-such-operator", nil)
	if !errors.As(err, &storeErr) || storeErr.Code != store.RetCInvalidOperation {
		t.Errorf("Expected RetCInvalidOperation, got %v", err)
	}
}

func TestRMW(t *testing.T) {
	s := newTestStore(t)

	value, err := s.RMW("list", store.MergeAppend, []byte("a"))
	if err != nil || string(value) != "a" {
		t.Fatalf("RMW(append) = %q, %v", value, err)
	}
	value, err = s.RMW("list", store.MergeAppend, []byte("b"))
	if err != nil || string(value) != "ab" {
		t.Fatalf("RMW(append) = %q, %v", value, err)
	}

	value, err = s.RMW("list", store.MergeSetNX, []byte("x"))
	if err != nil || string(value) != "ab" {
		t.Errorf("RMW(setnx) on an existing key = %q, %v", value, err)
	}
	value, err = s.RMW("fresh", store.MergeSetNX, []byte("x"))
	if err != nil || string(value) != "x" {
		t.Errorf("RMW(setnx) on an absent key = %q, %v", value, err)
	}
}

func TestConcurrentIncr(t *testing.T) {
	s := newTestStore(t)

	const workers, perWorker = 16, 200
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := s.RMW("counter", store.MergeIncr, nil)
				if err == nil {
					mu.Lock()
					committed++
					mu.Unlock()
				} else if !errors.Is(err, db.ErrConflictExceeded) {
					t.Errorf("RMW failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	value, loaded, err := s.Read("counter")
	if err != nil || !loaded {
		t.Fatalf("Read() = %v, %v", loaded, err)
	}
	if got, _ := strconv.Atoi(string(value)); got != committed {
		t.Errorf("counter = %d, want %d", got, committed)
	}
}

func TestCheckpointAndInfo(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 100; i++ {
		if err := s.Upsert(fmt.Sprintf("key-%d", i), []byte("value")); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	token, err := s.Checkpoint()
	if err != nil || token == "" {
		t.Errorf("Checkpoint() = %q, %v", token, err)
	}

	info, err := s.GetDBInfo()
	if err != nil {
		t.Fatalf("GetDBInfo failed: %v", err)
	}
	if info.DbType != db.ImplLarch || info.SizeBytes <= 0 {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestClose(t *testing.T) {
	s := newTestStore(t)

	if err := s.Upsert("key", []byte("value")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := s.Upsert("key", []byte("value")); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}
