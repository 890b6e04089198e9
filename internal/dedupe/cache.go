// ABOUTME: Thread-safe TTL cache of recently seen keys with a short note per key.
// ABOUTME: Bounded size with oldest-first eviction and lazy expiry.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	key     string
	note    string
	expires time.Time
}

// Cache tracks keys for ttl, evicting the oldest entry once maxSize is
// reached. Expired entries are pruned on access.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache. maxSize <= 0 means 1024.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Mark records key with an optional note, refreshing its expiry.
func (c *Cache) Mark(key, note string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*cacheEntry)
		e.note = note
		e.expires = now.Add(c.ttl)
		c.order.MoveToBack(el)
		return
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.entries, front.Value.(*cacheEntry).key)
		}
	}

	c.entries[key] = c.order.PushBack(&cacheEntry{key: key, note: note, expires: now.Add(c.ttl)})
}

// Seen returns the note for key if it was marked and has not expired.
func (c *Cache) Seen(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(c.now())
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	return el.Value.(*cacheEntry).note, true
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.entries)
}

// pruneLocked drops expired entries from the front. Entries are kept in
// expiry order because every mark moves its key to the back.
func (c *Cache) pruneLocked(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(*cacheEntry)
		if now.Before(e.expires) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, e.key)
	}
}
