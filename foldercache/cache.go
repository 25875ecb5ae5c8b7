// Package foldercache is an LRU of listing-page results keyed by
// (account, bucket, prefix), amortizing provider latency for UI paging
// while enforcing prefix-correct invalidation.
//
// Single-owner eviction with explicit capacity watermarking: a standard
// container/list LRU map evicted down to a fixed entry count under one
// mutex, rather than a background sweep.
package foldercache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/cloudflare-r2-browser/core/provider"
)

// Key identifies one cached listing. Prefix == "" denotes
// the bucket root.
type Key struct {
	AccountID string
	Bucket    string
	Prefix    string
}

// Entry is a cached listing page plus its insertion time.
type Entry struct {
	Key               Key
	Objects           []provider.Object
	CommonPrefixes    []string
	ContinuationToken string
	InsertedAt        time.Time
}

func (e Entry) age(now time.Time) time.Duration { return now.Sub(e.InsertedAt) }

// Stats is returned by Statistics() for the broker's /stats endpoint.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
	Evicted int64
}

// Cache is a capacity-bounded, TTL-evicting LRU. All exported methods are
// safe for concurrent use: every mutation is taken under a single mutex,
// single-owner LRU discipline.
type Cache struct {
	mu         sync.Mutex
	capacity   int
	ttl        time.Duration
	staleness  time.Duration
	now        func() time.Time
	order      *list.List // front = MRU, back = LRU
	byKey      map[Key]*list.Element
	hits       int64
	misses     int64
	evictCount int64
}

func New(capacity int, ttl, staleness time.Duration) *Cache {
	return NewWithClock(capacity, ttl, staleness, time.Now)
}

// NewWithClock is New with an injectable clock, used by tests to exercise
// TTL expiry deterministically without sleeping.
func NewWithClock(capacity int, ttl, staleness time.Duration, now func() time.Time) *Cache {
	return &Cache{
		capacity:  capacity,
		ttl:       ttl,
		staleness: staleness,
		now:       now,
		order:     list.New(),
		byKey:     make(map[Key]*list.Element),
	}
}

// Get returns (entry, true) on a live hit, moving the entry to MRU. An
// absent or expired entry is a miss; an expired entry is evicted as part
// of the miss.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byKey[key]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	entry := el.Value.(Entry)
	if entry.age(c.now()) > c.ttl {
		c.removeElement(el)
		c.evictCount++
		c.misses++
		return Entry{}, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return entry, true
}

// IsStale reports whether a live entry is older than the staleness
// threshold — callers may choose to serve it while
// refreshing in the background; this cache itself never does that.
func (e Entry) IsStale(staleness time.Duration, now time.Time) bool {
	return e.age(now) > staleness
}

func (c *Cache) Staleness() time.Duration { return c.staleness }

// Put inserts or replaces the entry for key, moves it to MRU, and evicts
// from the LRU end until capacity is respected.
func (c *Cache) Put(key Key, objects []provider.Object, commonPrefixes []string, continuationToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := Entry{
		Key:               key,
		Objects:           objects,
		CommonPrefixes:    commonPrefixes,
		ContinuationToken: continuationToken,
		InsertedAt:        c.now(),
	}

	if el, ok := c.byKey[key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(entry)
		c.byKey[key] = el
	}

	for c.order.Len() > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeElement(back)
		c.evictCount++
	}
}

// InvalidateBucket removes every entry for bucket, across all accounts.
func (c *Cache) InvalidateBucket(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeWhere(func(k Key) bool { return k.Bucket == bucket })
}

// InvalidatePrefix performs three-step invalidation:
//  1. the exact (bucket, prefix) key,
//  2. the parent-prefix key (the listing that contained this folder), and
//  3. every entry whose prefix begins with prefix (the subtree).
//
// This guarantees that after any mutation under a prefix P, no cached
// listing covering P survives.
func (c *Cache) InvalidatePrefix(bucket, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := parentPrefix(prefix)
	c.removeWhere(func(k Key) bool {
		if k.Bucket != bucket {
			return false
		}
		if k.Prefix == prefix || k.Prefix == parent {
			return true
		}
		return strings.HasPrefix(k.Prefix, prefix) && prefix != ""
	})
}

// parentPrefix returns the prefix one level up: "a/b/c/" -> "a/b/",
// "a/" -> "", "" -> "".
func parentPrefix(prefix string) string {
	trimmed := strings.TrimSuffix(prefix, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return ""
	}
	return trimmed[:idx+1]
}

func (c *Cache) removeWhere(match func(Key) bool) {
	for key, el := range c.byKey {
		if match(key) {
			c.removeElement(el)
		}
	}
}

// removeElement must be called with c.mu held.
func (c *Cache) removeElement(el *list.Element) {
	entry := el.Value.(Entry)
	delete(c.byKey, entry.Key)
	c.order.Remove(el)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = list.New()
	c.byKey = make(map[Key]*list.Element)
}

func (c *Cache) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries: c.order.Len(),
		Hits:    c.hits,
		Misses:  c.misses,
		Evicted: c.evictCount,
	}
}
