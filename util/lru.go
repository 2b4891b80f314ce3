package util

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
)

/*
LRU is a small thread-safe LRU cache. The reader uses it to cache immutable
snapshot nodes, which are content-addressed and thus never invalidated.
*/

////////////////////////////////////////////////////////////////////////////////

// LRU is a fixed-capacity least-recently-used cache.
type LRU[K comparable, V any] struct {
	entries map[K]*list.Element
	order   *list.List
	cap     int
	mtx     sync.Mutex
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRU returns a new LRU cache with the given capacity.
func NewLRU[K comparable, V any](capacity int) *LRU[K, V] {
	return &LRU[K, V]{
		entries: make(map[K]*list.Element),
		order:   list.New(),
		cap:     capacity,
	}
}

// Put adds a key/value pair to the cache, updating the value if present.
func (lru *LRU[K, V]) Put(key K, value V) {
	lru.mtx.Lock()
	defer lru.mtx.Unlock()
	if elem, ok := lru.entries[key]; ok {
		elem.Value.(*lruEntry[K, V]).value = value
		lru.order.MoveToFront(elem)
		return
	}
	lru.entries[key] = lru.order.PushFront(&lruEntry[K, V]{key, value})
	for lru.order.Len() > lru.cap {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.entries, oldest.Value.(*lruEntry[K, V]).key)
	}
}

// Get returns the value for key. The second return indicates presence.
func (lru *LRU[K, V]) Get(key K) (V, bool) {
	lru.mtx.Lock()
	defer lru.mtx.Unlock()
	if elem, ok := lru.entries[key]; ok {
		lru.order.MoveToFront(elem)
		return elem.Value.(*lruEntry[K, V]).value, true
	}
	var v V
	return v, false
}

// Len returns the number of cached entries.
func (lru *LRU[K, V]) Len() int {
	lru.mtx.Lock()
	defer lru.mtx.Unlock()
	return lru.order.Len()
}

// Reset clears the cache.
func (lru *LRU[K, V]) Reset() {
	lru.mtx.Lock()
	defer lru.mtx.Unlock()
	lru.entries = make(map[K]*list.Element)
	lru.order.Init()
}

// String returns a string representation of the cache.
func (lru *LRU[K, V]) String() string {
	lru.mtx.Lock()
	defer lru.mtx.Unlock()
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "(%d/%d) [", lru.order.Len(), lru.cap)
	for elem := lru.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*lruEntry[K, V])
		fmt.Fprintf(sb, "%v:%v", entry.key, entry.value)
		if elem.Next() != nil {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}
