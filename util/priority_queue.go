package util

import (
	"cmp"
	"container/heap"
)

/*
PriorityQueue is a min-heap keyed on an ordered priority. The manifest
coordinator uses it to hold fragment deltas whose object writes completed out
of order, draining them in sequence-number order.
*/

////////////////////////////////////////////////////////////////////////////////

type pqItem[V any, P cmp.Ordered] struct {
	value    V
	priority P
}

type pqHeap[V any, P cmp.Ordered] []pqItem[V, P]

func (h pqHeap[_, _]) Len() int           { return len(h) }
func (h pqHeap[_, _]) Less(i, j int) bool { return h[i].priority < h[j].priority }
func (h pqHeap[_, _]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *pqHeap[V, P]) Push(x any) {
	*h = append(*h, x.(pqItem[V, P]))
}

func (h *pqHeap[V, P]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PriorityQueue is a minimum priority queue.
type PriorityQueue[V any, P cmp.Ordered] struct {
	items pqHeap[V, P]
}

// NewPriorityQueue returns an empty priority queue.
func NewPriorityQueue[V any, P cmp.Ordered]() *PriorityQueue[V, P] {
	return &PriorityQueue[V, P]{}
}

// Push adds a value with the given priority.
func (pq *PriorityQueue[V, P]) Push(value V, priority P) {
	heap.Push(&pq.items, pqItem[V, P]{value, priority})
}

// Pop removes and returns the value with the lowest priority. It panics if
// the queue is empty.
func (pq *PriorityQueue[V, P]) Pop() V {
	return heap.Pop(&pq.items).(pqItem[V, P]).value
}

// Peek returns the lowest priority without removing its value. The second
// return is false if the queue is empty.
func (pq *PriorityQueue[V, P]) Peek() (P, bool) {
	if len(pq.items) == 0 {
		var p P
		return p, false
	}
	return pq.items[0].priority, true
}

// Len returns the number of queued values.
func (pq *PriorityQueue[V, P]) Len() int {
	return len(pq.items)
}
