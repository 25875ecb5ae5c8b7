package foldercache_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/cloudflare-r2-browser/core/foldercache"
	"github.com/cloudflare-r2-browser/core/provider"
)

var _ = Describe("Cache", func() {
	var (
		clock time.Time
		now   = func() time.Time { return clock }
		cache *foldercache.Cache
		key   foldercache.Key
	)

	BeforeEach(func() {
		clock = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		cache = foldercache.NewWithClock(100, 5*time.Minute, 2*time.Minute, now)
		key = foldercache.Key{AccountID: "acct", Bucket: "B", Prefix: ""}
	})

	// S2: listing + cache hit.
	Describe("Get/Put", func() {
		It("misses on an absent key", func() {
			_, ok := cache.Get(key)
			Expect(ok).To(BeFalse())
		})

		It("returns a byte-identical snapshot on a live hit without touching the provider", func() {
			objs := []provider.Object{{Key: "a.bin", Size: 10}}
			cache.Put(key, objs, []string{"sub/"}, "")

			entry, ok := cache.Get(key)
			Expect(ok).To(BeTrue())
			Expect(entry.Objects).To(Equal(objs))
			Expect(entry.CommonPrefixes).To(Equal([]string{"sub/"}))
		})

		It("expires entries older than the TTL", func() {
			cache.Put(key, nil, nil, "")
			clock = clock.Add(6 * time.Minute)
			_, ok := cache.Get(key)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("capacity eviction", func() {
		It("evicts the least recently used entry once over capacity", func() {
			small := foldercache.NewWithClock(2, time.Hour, time.Hour, now)
			k1 := foldercache.Key{Bucket: "B", Prefix: "a/"}
			k2 := foldercache.Key{Bucket: "B", Prefix: "b/"}
			k3 := foldercache.Key{Bucket: "B", Prefix: "c/"}

			small.Put(k1, nil, nil, "")
			small.Put(k2, nil, nil, "")
			small.Put(k3, nil, nil, "") // evicts k1 (LRU)

			_, ok := small.Get(k1)
			Expect(ok).To(BeFalse())
			_, ok = small.Get(k2)
			Expect(ok).To(BeTrue())
			_, ok = small.Get(k3)
			Expect(ok).To(BeTrue())
		})

		It("promotes a key to MRU on Get, sparing it from eviction", func() {
			small := foldercache.NewWithClock(2, time.Hour, time.Hour, now)
			k1 := foldercache.Key{Bucket: "B", Prefix: "a/"}
			k2 := foldercache.Key{Bucket: "B", Prefix: "b/"}
			k3 := foldercache.Key{Bucket: "B", Prefix: "c/"}

			small.Put(k1, nil, nil, "")
			small.Put(k2, nil, nil, "")
			small.Get(k1) // k1 -> MRU, k2 becomes LRU
			small.Put(k3, nil, nil, "")

			_, ok := small.Get(k1)
			Expect(ok).To(BeTrue())
			_, ok = small.Get(k2)
			Expect(ok).To(BeFalse())
		})
	})

	// S3: prefix-correct invalidation.
	Describe("InvalidatePrefix", func() {
		It("removes the exact key, the parent key, and the subtree", func() {
			root := foldercache.Key{Bucket: "B", Prefix: ""}
			sub := foldercache.Key{Bucket: "B", Prefix: "sub/"}
			deep := foldercache.Key{Bucket: "B", Prefix: "sub/deeper/"}
			unrelated := foldercache.Key{Bucket: "B", Prefix: "other/"}

			cache.Put(root, nil, nil, "")
			cache.Put(sub, nil, nil, "")
			cache.Put(deep, nil, nil, "")
			cache.Put(unrelated, nil, nil, "")

			cache.InvalidatePrefix("B", "sub/")

			_, ok := cache.Get(root)
			Expect(ok).To(BeFalse(), "parent listing must be evicted")
			_, ok = cache.Get(sub)
			Expect(ok).To(BeFalse(), "exact key must be evicted")
			_, ok = cache.Get(deep)
			Expect(ok).To(BeFalse(), "subtree must be evicted")
			_, ok = cache.Get(unrelated)
			Expect(ok).To(BeTrue(), "unrelated prefixes must survive")
		})

		It("does not evict the whole bucket when invalidating the root prefix", func() {
			root := foldercache.Key{Bucket: "B", Prefix: ""}
			other := foldercache.Key{Bucket: "B", Prefix: "other/"}
			cache.Put(root, nil, nil, "")
			cache.Put(other, nil, nil, "")

			cache.InvalidatePrefix("B", "")

			_, ok := cache.Get(root)
			Expect(ok).To(BeFalse())
			_, ok = cache.Get(other)
			Expect(ok).To(BeTrue())
		})
	})

	Describe("InvalidateBucket", func() {
		It("removes every entry for the bucket regardless of prefix", func() {
			a := foldercache.Key{Bucket: "B", Prefix: "a/"}
			b := foldercache.Key{Bucket: "B", Prefix: "b/"}
			other := foldercache.Key{Bucket: "Other", Prefix: ""}
			cache.Put(a, nil, nil, "")
			cache.Put(b, nil, nil, "")
			cache.Put(other, nil, nil, "")

			cache.InvalidateBucket("B")

			_, ok := cache.Get(a)
			Expect(ok).To(BeFalse())
			_, ok = cache.Get(b)
			Expect(ok).To(BeFalse())
			_, ok = cache.Get(other)
			Expect(ok).To(BeTrue())
		})
	})

	Describe("Statistics", func() {
		It("tracks hits, misses, and the entry count", func() {
			cache.Put(key, nil, nil, "")
			cache.Get(key)
			cache.Get(foldercache.Key{Bucket: "missing"})

			stats := cache.Statistics()
			Expect(stats.Hits).To(Equal(int64(1)))
			Expect(stats.Misses).To(Equal(int64(1)))
			Expect(stats.Entries).To(Equal(1))
		})
	})
})
