package index

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// CacheStats holds document cache counters.
type CacheStats struct {
	Hits     int64
	Misses   int64
	Size     int
	Capacity int
}

// docCache is a threadsafe LRU of parsed index documents with optional
// TTL. Entries expire lazily on access; values are cloned on the way in
// and out so cached documents are never shared with callers.
type docCache struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[string]*list.Element
	capacity int
	ttl      time.Duration
	stats    CacheStats
}

type docEntry struct {
	user   string
	doc    *Index
	expire time.Time
}

func newDocCache(capacity int, ttl time.Duration) *docCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &docCache{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		capacity: capacity,
		ttl:      ttl,
	}
}

func (c *docCache) get(user string) (*Index, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ele, ok := c.items[user]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	ent := ele.Value.(*docEntry)
	if c.ttl > 0 && time.Now().After(ent.expire) {
		c.removeElement(ele)
		c.stats.Misses++
		return nil, false
	}
	c.ll.MoveToFront(ele)
	c.stats.Hits++
	return ent.doc.Clone(), true
}

func (c *docCache) set(user string, doc *Index) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[user]; ok {
		c.ll.MoveToFront(ele)
		ent := ele.Value.(*docEntry)
		ent.doc = doc.Clone()
		if c.ttl > 0 {
			ent.expire = time.Now().Add(c.ttl)
		}
		return
	}
	if c.ll.Len() >= c.capacity {
		if oldest := c.ll.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
	ent := &docEntry{user: user, doc: doc.Clone()}
	if c.ttl > 0 {
		ent.expire = time.Now().Add(c.ttl)
	}
	c.items[user] = c.ll.PushFront(ent)
}

func (c *docCache) invalidate(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[user]; ok {
		c.removeElement(ele)
	}
}

func (c *docCache) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	delete(c.items, ele.Value.(*docEntry).user)
}

func (c *docCache) snapshot() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Capacity = c.capacity
	return s
}

// CachedStore wraps another Store with an in-memory LRU of parsed index
// documents, sparing a parse of the whole document on every operation.
// It is coherent as long as all writers go through the same CachedStore,
// which the store.Manager guarantees within one process.
type CachedStore struct {
	inner Store
	cache *docCache
}

// NewCachedStore wraps inner with a document cache. A zero ttl disables
// expiry; capacity defaults when non-positive.
func NewCachedStore(inner Store, capacity int, ttl time.Duration) *CachedStore {
	return &CachedStore{inner: inner, cache: newDocCache(capacity, ttl)}
}

// Load returns the cached document for user, falling through to the
// underlying store on a miss.
func (s *CachedStore) Load(ctx context.Context, user string) (*Index, error) {
	if ix, ok := s.cache.get(user); ok {
		return ix, nil
	}
	ix, err := s.inner.Load(ctx, user)
	if err != nil {
		return nil, err
	}
	s.cache.set(user, ix)
	return ix, nil
}

// Save writes through to the underlying store and refreshes the cache on
// success.
func (s *CachedStore) Save(ctx context.Context, user string, ix *Index) error {
	if err := s.inner.Save(ctx, user, ix); err != nil {
		s.cache.invalidate(user)
		return err
	}
	s.cache.set(user, ix)
	return nil
}

// Users delegates to the underlying store.
func (s *CachedStore) Users(ctx context.Context) ([]string, error) {
	return s.inner.Users(ctx)
}

// Stats returns cache counters.
func (s *CachedStore) Stats() CacheStats { return s.cache.snapshot() }

// Close releases the underlying store.
func (s *CachedStore) Close() error { return s.inner.Close() }
