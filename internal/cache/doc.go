/*
Package cache provides the two storage tiers behind the loader: a weight-bounded
in-memory LRU and a persistent disk cache of raw downloaded bytes.

# Cache Architecture

	┌─────────────────────────────────────────────┐
	│                  Loader                     │
	└─────────────────────────────────────────────┘
	          │                        │
	┌───────────────────┐    ┌───────────────────┐
	│   MemoryCache     │    │    DiskCache      │
	│  (decoded values) │    │   (raw bytes)     │
	│  • weighted LRU   │    │  • file per key   │
	│  • removal hooks  │    │  • mtime = fresh  │
	└───────────────────┘    └───────────────────┘

# MemoryCache

MemoryCache[V] keeps entries in a hash map plus a doubly-linked recency list.
Every entry has a weight computed by the configured Weigher, and the summed
weight never exceeds the capacity after an operation returns. Get promotes the
entry, so reads take the write lock.

Removal listeners observe every entry that leaves the cache:

	evicted=true   capacity eviction, Clear, or an entry too large to hold
	evicted=false  Remove, RemoveIf, or replacement by Put

Listeners run after the lock is released and may call back into the cache.

	mem, err := cache.NewMemoryCache[[]byte](64<<20,
		func(_ types.CacheKey, v []byte) int64 { return int64(len(v)) },
		cache.WithRemovalListener(func(evicted bool, key types.CacheKey, v []byte) {
			log.Printf("dropped %s (evicted=%v)", key, evicted)
		}))

# DiskCache

DiskCache stores one file per key directly under a root directory. The file
name is the key, the content is the original downloaded bytes and the
modification time is the freshness timestamp. There is no index file.

Writes go to a temporary file first and are renamed into place, so a crash
never leaves a partial file under a key name. Files that fail to decode are
deleted on read. Purge never removes files younger than MinExpiry (6h),
whatever age it is asked for.

Clear and Purge can also be queued on the cache's single background worker
with ScheduleClear and SchedulePurge; Wait blocks until queued work drains.

	disk, err := cache.NewDiskCache(&cache.DiskCacheConfig{
		Directories:   []string{"/mnt/external/tiercache", "/var/cache/tiercache"},
		MaxAge:        24 * time.Hour,
		PurgeInterval: time.Hour,
	}, logger)
*/
package cache
