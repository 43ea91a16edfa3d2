// Package rollup is the Rollup Manager (spec.md §4.D): it keeps
// per-directory aggregates (sizeBytes, fileCount, directoryCount,
// childCount) consistent under concurrent mutation, backed by the
// Metadata Store and fronted by a process-local, size-bounded, TTL'd
// cache. The cache shape is a container/list LRU - the teacher's own
// lru package hand-rolls its eviction heap rather than importing a
// library (no ecosystem LRU appears anywhere in the retrieved corpus),
// so the same "hand-rolled bounded structure over stdlib containers" idiom
// is carried forward here, simplified from a filesystem access-time heap to
// an in-memory summary cache.
package rollup

import (
	"container/list"
	"sync"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
)

type cacheEntry struct {
	nodeID    string
	rollup    cmn.Rollup
	expiresAt time.Time
}

// cache is a size-bounded LRU keyed by node id. Entries are evicted on
// mutation (Invalidate), by TTL (checked lazily on Get), or when the cache
// hits MaxEntries (evicts the list's back element, the least recently
// touched).
type cache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	ll         *list.List
	index      map[string]*list.Element
}

func newCache(ttl time.Duration, maxEntries int) *cache {
	return &cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		ll:         list.New(),
		index:      make(map[string]*list.Element),
	}
}

func (c *cache) get(nodeID string) (cmn.Rollup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[nodeID]
	if !ok {
		return cmn.Rollup{}, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.ll.Remove(el)
		delete(c.index, nodeID)
		return cmn.Rollup{}, false
	}
	c.ll.MoveToFront(el)
	return entry.rollup, true
}

func (c *cache) set(nodeID string, r cmn.Rollup) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[nodeID]; ok {
		el.Value.(*cacheEntry).rollup = r
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}

	entry := &cacheEntry{nodeID: nodeID, rollup: r, expiresAt: time.Now().Add(c.ttl)}
	el := c.ll.PushFront(entry)
	c.index[nodeID] = el

	for c.ll.Len() > c.maxEntries {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.ll.Remove(back)
		delete(c.index, back.Value.(*cacheEntry).nodeID)
	}
}

// invalidate drops nodeID from the cache. The mutation path takes the
// metadata row lock first, then invalidates - the order spec.md §5 calls
// out explicitly ("mutation path takes the row lock, then invalidates the
// cache entry").
func (c *cache) invalidate(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[nodeID]; ok {
		c.ll.Remove(el)
		delete(c.index, nodeID)
	}
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
