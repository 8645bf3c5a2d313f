// Package util
//
// This file provides a priority queue with key based access.
//
// The implementation combines a binary min heap with a hash map, so items can be
// processed by priority and still be found, updated or cancelled by their key.
// Each item carries a payload of type V.
//
// The epoch framework uses it as its deferred action list: the key is the action id,
// the priority is the epoch that must become safe before the action may run and the
// payload is the action itself. PopUntil hands out every action whose epoch is safe.
//
// Time Complexity:
//   - O(log n) for Push, Pop, AddItem (insert or update) and RemoveByKey
//   - O(1) for Peek, Contains and GetByKey
//   - O(k log n) for PopUntil returning k items
//
// Concurrency: the heap is not thread-safe, callers synchronize externally.
//
// Example usage:
//
//	q := NewMapHeap[func()]()
//	q.AddItem(1, 7, func() { ... })   // run once epoch 7 is safe
//	for _, fn := range q.PopUntil(safeEpoch) {
//	    fn()
//	}
package util

import (
	"container/heap"
	"strconv"
)

// item is an element of the MapHeap
type item[V any] struct {
	Key      uint64 // Unique identifier for the item
	Priority uint64 // Heap order, lowest first
	Value    V      // Payload
	index    int    // Index in the heap, maintained by heap package
}

func (i *item[V]) String() string {
	return "{Key: " + strconv.FormatUint(i.Key, 10) + ", Priority: " + strconv.FormatUint(i.Priority, 10) + "}"
}

// MapHeap implements a min priority queue with both heap operations and key-based access
type MapHeap[V any] struct {
	items    []*item[V]          // The actual heap slice
	itemsMap map[uint64]*item[V] // Map for O(1) access by key
}

// NewMapHeap creates a new empty heap
func NewMapHeap[V any]() *MapHeap[V] {
	return &MapHeap[V]{
		items:    make([]*item[V], 0),
		itemsMap: make(map[uint64]*item[V]),
	}
}

// Len returns the number of items in the queue (part of heap.Interface)
func (mh *MapHeap[V]) Len() int { return len(mh.items) }

// Less compares items by priority (part of heap.Interface)
func (mh *MapHeap[V]) Less(i, j int) bool {
	return mh.items[i].Priority < mh.items[j].Priority
}

// Swap exchanges items at positions i and j (part of heap.Interface)
func (mh *MapHeap[V]) Swap(i, j int) {
	mh.items[i], mh.items[j] = mh.items[j], mh.items[i]
	mh.items[i].index = i
	mh.items[j].index = j
}

// Push adds an item to the heap (part of heap.Interface)
func (mh *MapHeap[V]) Push(x interface{}) {
	it := x.(*item[V])
	it.index = len(mh.items)
	mh.items = append(mh.items, it)
	mh.itemsMap[it.Key] = it
}

// Pop removes and returns the minimum item (part of heap.Interface)
func (mh *MapHeap[V]) Pop() interface{} {
	old := mh.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	it.index = -1
	mh.items = old[:n-1]
	delete(mh.itemsMap, it.Key)
	return it
}

// AddItem adds a new item to the queue or updates priority and payload of an existing one
func (mh *MapHeap[V]) AddItem(key, priority uint64, value V) {
	if it, exists := mh.itemsMap[key]; exists {
		it.Priority = priority
		it.Value = value
		heap.Fix(mh, it.index)
		return
	}

	heap.Push(mh, &item[V]{
		Key:      key,
		Priority: priority,
		Value:    value,
	})
}

// RemoveByKey removes an item by its key and returns its payload
func (mh *MapHeap[V]) RemoveByKey(key uint64) (V, bool) {
	it, exists := mh.itemsMap[key]
	if !exists {
		var zero V
		return zero, false
	}
	heap.Remove(mh, it.index)
	return it.Value, true
}

// Peek returns the minimum item without removing it
func (mh *MapHeap[V]) Peek() (*item[V], bool) {
	if len(mh.items) == 0 {
		return nil, false
	}
	return mh.items[0], true
}

// PopUntil removes all items with a priority <= limit and returns their payloads
// in priority order.
func (mh *MapHeap[V]) PopUntil(limit uint64) []V {
	var out []V
	for len(mh.items) > 0 && mh.items[0].Priority <= limit {
		it := heap.Pop(mh).(*item[V])
		out = append(out, it.Value)
	}
	return out
}

// Contains checks if a key exists in the queue
func (mh *MapHeap[V]) Contains(key uint64) bool {
	_, exists := mh.itemsMap[key]
	return exists
}

// GetByKey retrieves an item by its key without removing it
func (mh *MapHeap[V]) GetByKey(key uint64) (*item[V], bool) {
	it, exists := mh.itemsMap[key]
	return it, exists
}
