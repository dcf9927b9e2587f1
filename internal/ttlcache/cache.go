// Package ttlcache provides a small keyed cache with per-entry time-to-live,
// used by the relay's dedup stage and by the receiver's idempotency guard.
// The two sides hold independently configured instances; entries are never
// shared between them.
package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

// Stats is a snapshot of a cache's accumulated counters.
type Stats struct {
	Checked    uint64 `json:"checked"`
	Accepted   uint64 `json:"accepted"`
	Suppressed uint64 `json:"suppressed"`
	Size       int    `json:"size"`
}

type entry[K comparable, V any] struct {
	key         K
	value       V
	insertedAt  time.Time
	refreshedAt time.Time
	hits        uint64
}

// Cache answers "have I seen this key recently" with automatic expiry.
// All methods are safe for concurrent use; Accept and AcceptFunc perform
// their check-and-insert as one atomic operation, so two near-simultaneous
// accepts of the same key never both report it as new.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[K]*list.Element
	order   *list.List // entries in refresh order: front is stalest, back freshest

	checked    uint64
	accepted   uint64
	suppressed uint64

	now func() time.Time
}

// New creates a cache whose entries expire ttl after their last refresh.
// A ttl of zero (or less) disables suppression entirely: every Accept
// reports the key as new and nothing is retained.
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:     ttl,
		entries: make(map[K]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// ContainsFresh reports whether a fresh (non-expired) entry exists for key.
// It never refreshes or inserts; callers that intend to insert must use
// Accept so the decision stays atomic.
func (c *Cache[K, V]) ContainsFresh(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checked++
	if c.ttl <= 0 {
		return false
	}
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry[K, V]).refreshedAt) <= c.ttl
}

// Accept is the canonical dedup decision point. If a fresh entry exists for
// key, the entry's value and timestamp are refreshed, its hit count bumped,
// and Accept returns false: the arrival is a duplicate to suppress. Otherwise
// a new entry is inserted and Accept returns true: forward this one.
func (c *Cache[K, V]) Accept(key K, value V) bool {
	return c.AcceptFunc(key, value, nil)
}

// AcceptFunc is Accept with an override hook. When the key is fresh, override
// (if non-nil) is consulted with the stored value; returning true makes the
// arrival count as new anyway — the entry is refreshed and AcceptFunc returns
// true. The pipeline uses this for its confidence-delta override.
func (c *Cache[K, V]) AcceptFunc(key K, value V, override func(prev V) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checked++
	if c.ttl <= 0 {
		c.accepted++
		return true
	}

	now := c.now()
	c.sweepLocked(now)

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry[K, V])
		if now.Sub(ent.refreshedAt) <= c.ttl {
			prev := ent.value
			ent.value = value
			ent.refreshedAt = now
			c.order.MoveToBack(el)
			if override != nil && override(prev) {
				c.accepted++
				return true
			}
			ent.hits++
			c.suppressed++
			return false
		}
		// Expired but not yet swept (boundary case): discard and reinsert.
		c.removeLocked(el)
	}

	ent := &entry[K, V]{key: key, value: value, insertedAt: now, refreshedAt: now}
	c.entries[key] = c.order.PushBack(ent)
	c.accepted++
	return true
}

// Sweep removes every entry whose TTL has elapsed as of now. Entries are kept
// in refresh order, so the cost is bounded by the number of expired entries
// rather than the cache size. Accept sweeps opportunistically; exposing Sweep
// lets owners also drive it from a timer if they want eager reclamation.
func (c *Cache[K, V]) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(now)
}

func (c *Cache[K, V]) sweepLocked(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		ent := front.Value.(*entry[K, V])
		if now.Sub(ent.refreshedAt) <= c.ttl {
			return // everything behind is fresher
		}
		c.removeLocked(front)
	}
}

func (c *Cache[K, V]) removeLocked(el *list.Element) {
	ent := el.Value.(*entry[K, V])
	delete(c.entries, ent.key)
	c.order.Remove(el)
}

// Stats returns the counters accumulated since creation or the last
// ResetStats call, plus the current entry count.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Checked:    c.checked,
		Accepted:   c.accepted,
		Suppressed: c.suppressed,
		Size:       len(c.entries),
	}
}

// ResetStats zeroes the accumulated counters. Entries are untouched.
func (c *Cache[K, V]) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checked, c.accepted, c.suppressed = 0, 0, 0
}

// hitCount reports the suppressed-duplicate count for key's current entry.
// Exposed for tests and stats detail; zero when the key is absent.
func (c *Cache[K, V]) hitCount(key K) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return 0
	}
	return el.Value.(*entry[K, V]).hits
}
