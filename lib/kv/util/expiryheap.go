// Package util provides the internal data structures shared by the kv
// engines: the expiry heap that schedules entries for eviction, the MPSC
// event queue feeding it, and hashing helpers.
package util

import (
	"container/heap"
)

// expiryItem is one scheduled eviction: a hashed key and the wall-clock
// millisecond timestamp at which it becomes due.
type expiryItem struct {
	key   uint64
	dueAt uint64
	index int // maintained by the heap package
}

// ExpiryHeap is a min-heap of eviction deadlines combined with a map for
// O(1) key lookup, so an entry that is rewritten or deleted can be
// rescheduled or descheduled directly.
//
// Not thread-safe; each engine shard owns one and accesses it only from its
// GC goroutine.
type ExpiryHeap struct {
	items    []*expiryItem
	itemsMap map[uint64]*expiryItem
}

// NewExpiryHeap creates an empty eviction schedule.
func NewExpiryHeap() *ExpiryHeap {
	return &ExpiryHeap{
		items:    make([]*expiryItem, 0),
		itemsMap: make(map[uint64]*expiryItem),
	}
}

// Len returns the number of scheduled evictions (part of heap.Interface).
func (h *ExpiryHeap) Len() int { return len(h.items) }

// Less orders by due time, earliest first (part of heap.Interface).
func (h *ExpiryHeap) Less(i, j int) bool {
	return h.items[i].dueAt < h.items[j].dueAt
}

// Swap exchanges items at positions i and j (part of heap.Interface).
func (h *ExpiryHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

// Push adds an item to the heap (part of heap.Interface).
func (h *ExpiryHeap) Push(x interface{}) {
	n := len(h.items)
	item := x.(*expiryItem)
	item.index = n
	h.items = append(h.items, item)
	h.itemsMap[item.key] = item
}

// Pop removes and returns the earliest item (part of heap.Interface).
func (h *ExpiryHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, item.key)
	return item
}

// Schedule adds an eviction for key at dueAt, or reschedules an existing one.
func (h *ExpiryHeap) Schedule(key, dueAt uint64) {
	if item, exists := h.itemsMap[key]; exists {
		item.dueAt = dueAt
		heap.Fix(h, item.index)
		return
	}

	heap.Push(h, &expiryItem{key: key, dueAt: dueAt})
}

// Remove deschedules the eviction for key. Returns false if none was
// scheduled.
func (h *ExpiryHeap) Remove(key uint64) bool {
	item, exists := h.itemsMap[key]
	if !exists {
		return false
	}

	heap.Remove(h, item.index)
	return true
}

// Peek returns the earliest scheduled key and its due time without removing
// it.
func (h *ExpiryHeap) Peek() (key, dueAt uint64, ok bool) {
	if len(h.items) == 0 {
		return 0, 0, false
	}
	return h.items[0].key, h.items[0].dueAt, true
}

// Contains checks if an eviction is scheduled for key.
func (h *ExpiryHeap) Contains(key uint64) bool {
	_, exists := h.itemsMap[key]
	return exists
}
