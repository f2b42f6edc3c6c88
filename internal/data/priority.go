package data

import (
	"time"
)

// Item describes an entry in the priority queue.
type Item[T any] struct {
	value T
	used  time.Time
	seq   uint64
	index int
}

// PriorityQueue implements heap.Interface and holds Items, ordered most recently used first.
// This implementation is adapted from the container/heap documentation:
// https://golang.org/pkg/container/heap/
type PriorityQueue[T any] []*Item[T]

// Len returns the current size of the queue.
func (pq PriorityQueue[T]) Len() int {
	return len(pq)
}

// Less instructs heap.Interface how to sort items within the heap. The most recently used item is
// considered "less" so that it is popped first; insertion order breaks timestamp ties.
func (pq PriorityQueue[T]) Less(i, j int) bool {
	if pq[i].used.Equal(pq[j].used) {
		return pq[i].seq > pq[j].seq
	}

	return pq[i].used.After(pq[j].used)
}

// Swap swaps the ith and jth items in the backing data structure.
func (pq PriorityQueue[T]) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

// Push adds a new item to the backing data structure.
func (pq *PriorityQueue[T]) Push(x any) {
	n := len(*pq)
	item := x.(*Item[T])
	item.index = n
	*pq = append(*pq, item)
}

// Pop removes the last item from the backing data structure.
func (pq *PriorityQueue[T]) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]

	return item
}
