// Package avatar fetches and caches the reference photo a user's attendance
// captures are compared against.
package avatar

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	DefaultCacheTTL      = 24 * time.Hour
	DefaultCacheCapacity = 256
)

// Cache stores downloaded reference images by user id. Implementations
// should be safe to use concurrently. A failing backend behaves like a miss.
type Cache interface {
	Get(ctx context.Context, userID string) ([]byte, bool)
	Set(ctx context.Context, userID string, data []byte)
	Delete(ctx context.Context, userID string)
}

// ExpiringCache also exposes how long an entry has left, so a copy made in
// another tier expires when the original does.
type ExpiringCache interface {
	Cache
	GetWithTTL(ctx context.Context, userID string) ([]byte, time.Duration, bool)
	SetWithTTL(ctx context.Context, userID string, data []byte, ttl time.Duration)
}

type lruEntry struct {
	userID    string
	data      []byte
	expiresAt time.Time
}

// LRUCache is a bounded in-memory cache. Entries older than the TTL are
// misses and get dropped on access.
type LRUCache struct {
	mutex    sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	order    *list.List
	entries  map[string]*list.Element
}

func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	return NewLRUCacheWithClock(capacity, ttl, time.Now)
}

func NewLRUCacheWithClock(capacity int, ttl time.Duration, now func() time.Time) *LRUCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &LRUCache{
		capacity: capacity,
		ttl:      ttl,
		now:      now,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *LRUCache) Get(ctx context.Context, userID string) ([]byte, bool) {
	data, _, ok := c.GetWithTTL(ctx, userID)
	return data, ok
}

func (c *LRUCache) GetWithTTL(_ context.Context, userID string) ([]byte, time.Duration, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	el, ok := c.entries[userID]
	if !ok {
		return nil, 0, false
	}
	entry := el.Value.(*lruEntry)
	remaining := entry.expiresAt.Sub(c.now())
	if remaining <= 0 {
		c.order.Remove(el)
		delete(c.entries, userID)
		return nil, 0, false
	}
	c.order.MoveToFront(el)
	return entry.data, remaining, true
}

func (c *LRUCache) Set(ctx context.Context, userID string, data []byte) {
	c.SetWithTTL(ctx, userID, data, c.ttl)
}

// SetWithTTL stores data for at most ttl, capped at the cache TTL. A
// non-positive ttl removes the entry.
func (c *LRUCache) SetWithTTL(_ context.Context, userID string, data []byte, ttl time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if ttl <= 0 {
		c.remove(userID)
		return
	}
	ttl = min(ttl, c.ttl)
	expiresAt := c.now().Add(ttl)

	if el, ok := c.entries[userID]; ok {
		entry := el.Value.(*lruEntry)
		entry.data = data
		entry.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	c.entries[userID] = c.order.PushFront(&lruEntry{userID: userID, data: data, expiresAt: expiresAt})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).userID)
	}
}

func (c *LRUCache) Delete(_ context.Context, userID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.remove(userID)
}

func (c *LRUCache) remove(userID string) {
	if el, ok := c.entries[userID]; ok {
		c.order.Remove(el)
		delete(c.entries, userID)
	}
}

// Reset drops every entry.
func (c *LRUCache) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element)
}

func (c *LRUCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.order.Len()
}
