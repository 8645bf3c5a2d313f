package util

import (
	"container/heap"
	"sort"
	"testing"
)

// TestNewMapHeap tests the creation of a new MapHeap
func TestNewMapHeap(t *testing.T) {
	mh := NewMapHeap[string]()

	if mh == nil {
		t.Fatal("NewMapHeap() returned nil")
	}
	if mh.Len() != 0 {
		t.Errorf("New heap should be empty, but has length %d", mh.Len())
	}
	if len(mh.itemsMap) != 0 {
		t.Errorf("New heap's map should be empty, but has %d items", len(mh.itemsMap))
	}
}

// TestAddItem tests adding items to the heap
func TestAddItem(t *testing.T) {
	mh := NewMapHeap[string]()

	mh.AddItem(1, 100, "a")
	mh.AddItem(2, 200, "b")
	mh.AddItem(3, 50, "c")

	if mh.Len() != 3 {
		t.Errorf("Heap should have 3 items, but has %d", mh.Len())
	}
	for _, k := range []uint64{1, 2, 3} {
		if !mh.Contains(k) {
			t.Errorf("Heap should contain key %d", k)
		}
	}

	it, exists := mh.Peek()
	if !exists {
		t.Fatal("Peek() should return an item")
	}
	if it.Key != 3 || it.Priority != 50 || it.Value != "c" {
		t.Errorf("Expected min item to be (3,50,c), got (%d,%d,%s)", it.Key, it.Priority, it.Value)
	}
}

// TestUpdateItem tests updating existing items
func TestUpdateItem(t *testing.T) {
	mh := NewMapHeap[string]()

	mh.AddItem(1, 100, "a")
	mh.AddItem(2, 200, "b")
	mh.AddItem(1, 300, "a2")

	it, exists := mh.GetByKey(1)
	if !exists {
		t.Fatal("Item with key 1 should exist")
	}
	if it.Priority != 300 || it.Value != "a2" {
		t.Errorf("Expected (300,a2), got (%d,%s)", it.Priority, it.Value)
	}

	min, _ := mh.Peek()
	if min.Key != 2 {
		t.Errorf("Expected key 2 to be the minimum after update, got %d", min.Key)
	}
	if mh.Len() != 2 {
		t.Errorf("Update must not add an item, len is %d", mh.Len())
	}
}

// TestRemoveByKey tests removing items by key
func TestRemoveByKey(t *testing.T) {
	mh := NewMapHeap[int]()

	mh.AddItem(1, 100, 10)
	mh.AddItem(2, 200, 20)
	mh.AddItem(3, 50, 30)

	v, exists := mh.RemoveByKey(3)
	if !exists || v != 30 {
		t.Errorf("RemoveByKey(3) = (%d,%v), want (30,true)", v, exists)
	}
	if mh.Contains(3) {
		t.Error("Key 3 should be removed")
	}

	min, _ := mh.Peek()
	if min.Key != 1 {
		t.Errorf("Expected key 1 to be the minimum, got %d", min.Key)
	}

	if _, exists = mh.RemoveByKey(99); exists {
		t.Error("RemoveByKey should return false for non-existent key")
	}
}

// TestPopOrder tests if items are popped in correct order
func TestPopOrder(t *testing.T) {
	mh := NewMapHeap[struct{}]()
	heap.Init(mh)

	items := []struct {
		key   uint64
		value uint64
	}{
		{5, 50}, {3, 30}, {1, 10}, {4, 40}, {2, 20},
	}
	for _, it := range items {
		mh.AddItem(it.key, it.value, struct{}{})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].value < items[j].value
	})

	for i, expected := range items {
		if mh.Len() == 0 {
			t.Fatalf("Heap empty after %d items, expected %d items", i, len(items))
		}
		it := heap.Pop(mh).(*item[struct{}])
		if it.Key != expected.key || it.Priority != expected.value {
			t.Errorf("Pop %d: expected (%d,%d), got (%d,%d)",
				i, expected.key, expected.value, it.Key, it.Priority)
		}
	}

	if mh.Len() != 0 {
		t.Errorf("Heap should be empty after popping all items, has %d items", mh.Len())
	}
}

// TestPopUntil tests that only items up to the limit are returned, in order
func TestPopUntil(t *testing.T) {
	mh := NewMapHeap[string]()

	mh.AddItem(1, 4, "e4")
	mh.AddItem(2, 1, "e1")
	mh.AddItem(3, 9, "e9")
	mh.AddItem(4, 2, "e2")

	got := mh.PopUntil(4)
	want := []string{"e1", "e2", "e4"}
	if len(got) != len(want) {
		t.Fatalf("PopUntil(4) returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("PopUntil(4)[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if mh.Len() != 1 || !mh.Contains(3) {
		t.Errorf("Only key 3 should remain, len=%d", mh.Len())
	}
	if rest := mh.PopUntil(8); len(rest) != 0 {
		t.Errorf("PopUntil(8) should return nothing, got %v", rest)
	}
}

// TestPeekEmptyHeap tests behavior when peeking an empty heap
func TestPeekEmptyHeap(t *testing.T) {
	mh := NewMapHeap[int]()

	if _, exists := mh.Peek(); exists {
		t.Error("Peek on empty heap should return exists=false")
	}
	if got := mh.PopUntil(100); got != nil {
		t.Errorf("PopUntil on empty heap should return nil, got %v", got)
	}
}
