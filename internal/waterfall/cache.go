package waterfall

import (
	"container/list"
	"sync"
	"time"

	"github.com/lanterna-data/enrich-cli/internal/model"
)

// Cache memoizes accepted candidates under canonical keys, bounded two
// ways: least-recently-used eviction at capacity, and per-entry TTL.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List // front = most recently used
	items    map[string]*list.Element

	nowFunc func() time.Time
}

type cacheEntry struct {
	key       string
	candidate model.Candidate
	expiresAt time.Time
}

// NewCache creates a cache holding at most capacity entries for at most ttl
// each. Non-positive inputs fall back to 4096 entries / 24h.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 4096
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		nowFunc:  time.Now,
	}
}

// Get returns the cached candidate for key, if present and fresh. Expired
// entries are dropped on access.
func (c *Cache) Get(key string) (model.Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return model.Candidate{}, false
	}
	entry := el.Value.(*cacheEntry)
	if c.nowFunc().After(entry.expiresAt) {
		c.removeLocked(el)
		return model.Candidate{}, false
	}
	c.ll.MoveToFront(el)
	return entry.candidate, true
}

// Set stores an accepted candidate, evicting the least-recently-used entry
// when the cache is full.
func (c *Cache) Set(key string, cand model.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.nowFunc().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.candidate = cand
		entry.expiresAt = expires
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: key, candidate: cand, expiresAt: expires})
	c.items[key] = el

	for c.ll.Len() > c.capacity {
		c.removeLocked(c.ll.Back())
	}
}

// Len reports the number of live entries (expired but unevicted entries
// count until touched).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	entry := el.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.ll.Remove(el)
}
