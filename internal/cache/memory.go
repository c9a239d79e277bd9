package cache

import (
	"container/list"
	"sync"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
	"github.com/tiercache/tiercache/pkg/utils"
)

// RemovalListener is notified whenever an entry leaves a MemoryCache.
// evicted is true for capacity evictions and Clear, false for explicit
// removal and replacement.
type RemovalListener[V any] func(evicted bool, key types.CacheKey, value V)

// Weigher returns the size of an entry in capacity units (usually bytes)
type Weigher[V any] func(key types.CacheKey, value V) int64

// MemoryOption configures a MemoryCache
type MemoryOption[V any] func(*MemoryCache[V])

// WithRemovalListener registers a listener at construction time
func WithRemovalListener[V any](l RemovalListener[V]) MemoryOption[V] {
	return func(c *MemoryCache[V]) {
		if l != nil {
			c.listeners = append(c.listeners, l)
		}
	}
}

// WithEqual sets the equality used by RemoveIf
func WithEqual[V any](eq func(a, b V) bool) MemoryOption[V] {
	return func(c *MemoryCache[V]) {
		if eq != nil {
			c.equal = eq
		}
	}
}

type memoryEntry[V any] struct {
	key    types.CacheKey
	value  V
	weight int64
}

type removal[V any] struct {
	evicted bool
	key     types.CacheKey
	value   V
}

// MemoryCache is a weight-bounded LRU map. The most recently used entry
// sits at the front of order; eviction takes from the back.
type MemoryCache[V any] struct {
	mu        sync.RWMutex
	capacity  int64
	weight    int64
	items     map[types.CacheKey]*list.Element
	order     *list.List
	weigher   Weigher[V]
	equal     func(a, b V) bool
	listeners []RemovalListener[V]

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewMemoryCache creates a memory cache holding at most capacity weight units
func NewMemoryCache[V any](capacity int64, weigher Weigher[V], opts ...MemoryOption[V]) (*MemoryCache[V], error) {
	if capacity <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "memory cache capacity must be positive, got %d", capacity).
			WithComponent("memory")
	}
	if weigher == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "memory cache requires a weigher").
			WithComponent("memory")
	}

	c := &MemoryCache[V]{
		capacity: capacity,
		items:    make(map[types.CacheKey]*list.Element),
		order:    list.New(),
		weigher:  weigher,
		equal:    utils.SameValue[V],
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AddRemovalListener registers an additional removal listener
func (c *MemoryCache[V]) AddRemovalListener(l RemovalListener[V]) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Get returns the value for key and marks it most recently used
func (c *MemoryCache[V]) Get(key types.CacheKey) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.order.MoveToFront(elem)
	return elem.Value.(*memoryEntry[V]).value, true
}

// Contains reports whether key is cached without touching recency or stats
func (c *MemoryCache[V]) Contains(key types.CacheKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[key]
	return ok
}

// Put stores value under key, returning the value it replaced, if any
func (c *MemoryCache[V]) Put(key types.CacheKey, value V) (prev V, replaced bool) {
	c.mu.Lock()
	var notes []removal[V]
	prev, replaced, notes = c.putLocked(key, value, notes)
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, notes)
	return prev, replaced
}

// PutIfAbsent stores value only if key is not cached. It returns the
// existing value and true when another value was already present.
func (c *MemoryCache[V]) PutIfAbsent(key types.CacheKey, value V) (existing V, loaded bool) {
	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		existing = elem.Value.(*memoryEntry[V]).value
		c.mu.Unlock()
		return existing, true
	}
	_, _, notes := c.putLocked(key, value, nil)
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, notes)
	return value, false
}

func (c *MemoryCache[V]) putLocked(key types.CacheKey, value V, notes []removal[V]) (V, bool, []removal[V]) {
	var prev V
	replaced := false

	weight := c.weigher(key, value)
	if weight < 0 {
		weight = 0
	}

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*memoryEntry[V])
		prev, replaced = entry.value, true
		notes = append(notes, removal[V]{evicted: false, key: key, value: prev})

		if weight > c.capacity {
			c.removeElement(elem)
			c.evictions++
			return prev, replaced, append(notes, removal[V]{evicted: true, key: key, value: value})
		}

		c.weight += weight - entry.weight
		entry.value = value
		entry.weight = weight
		c.order.MoveToFront(elem)
	} else {
		if weight > c.capacity {
			c.evictions++
			return prev, replaced, append(notes, removal[V]{evicted: true, key: key, value: value})
		}
		c.items[key] = c.order.PushFront(&memoryEntry[V]{key: key, value: value, weight: weight})
		c.weight += weight
	}

	return prev, replaced, c.trimLocked(notes)
}

// trimLocked evicts least recently used entries until the cache fits
func (c *MemoryCache[V]) trimLocked(notes []removal[V]) []removal[V] {
	for c.weight > c.capacity {
		elem := c.order.Back()
		if elem == nil {
			break
		}
		entry := c.removeElement(elem)
		c.evictions++
		notes = append(notes, removal[V]{evicted: true, key: entry.key, value: entry.value})
	}
	return notes
}

func (c *MemoryCache[V]) removeElement(elem *list.Element) *memoryEntry[V] {
	entry := elem.Value.(*memoryEntry[V])
	c.order.Remove(elem)
	delete(c.items, entry.key)
	c.weight -= entry.weight
	return entry
}

// Remove deletes key, returning the value it held
func (c *MemoryCache[V]) Remove(key types.CacheKey) (prev V, ok bool) {
	c.mu.Lock()
	elem, found := c.items[key]
	if !found {
		c.mu.Unlock()
		return prev, false
	}
	entry := c.removeElement(elem)
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, []removal[V]{{evicted: false, key: key, value: entry.value}})
	return entry.value, true
}

// RemoveIf deletes key only while it still maps to expected
func (c *MemoryCache[V]) RemoveIf(key types.CacheKey, expected V) bool {
	c.mu.Lock()
	elem, found := c.items[key]
	if !found || !c.equal(elem.Value.(*memoryEntry[V]).value, expected) {
		c.mu.Unlock()
		return false
	}
	entry := c.removeElement(elem)
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, []removal[V]{{evicted: false, key: key, value: entry.value}})
	return true
}

// Clear evicts every entry
func (c *MemoryCache[V]) Clear() {
	c.mu.Lock()
	notes := make([]removal[V], 0, c.order.Len())
	for elem := c.order.Back(); elem != nil; elem = c.order.Back() {
		entry := c.removeElement(elem)
		c.evictions++
		notes = append(notes, removal[V]{evicted: true, key: entry.key, value: entry.value})
	}
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, notes)
}

// Resize changes the capacity, evicting entries if the cache no longer fits
func (c *MemoryCache[V]) Resize(capacity int64) error {
	if capacity <= 0 {
		return errors.Newf(errors.ErrCodeInvalidArgument, "memory cache capacity must be positive, got %d", capacity).
			WithComponent("memory").WithOperation("Resize")
	}

	c.mu.Lock()
	c.capacity = capacity
	notes := c.trimLocked(nil)
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, notes)
	return nil
}

// Len returns the number of cached entries
func (c *MemoryCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Weight returns the summed weight of all entries
func (c *MemoryCache[V]) Weight() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.weight
}

// Capacity returns the configured capacity
func (c *MemoryCache[V]) Capacity() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

// Keys returns all keys, most recently used first
func (c *MemoryCache[V]) Keys() []types.CacheKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]types.CacheKey, 0, len(c.items))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*memoryEntry[V]).key)
	}
	return keys
}

// Stats returns cache statistics
func (c *MemoryCache[V]) Stats() types.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := types.CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.items),
		Size:      c.weight,
		Capacity:  c.capacity,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	if c.capacity > 0 {
		stats.Utilization = float64(c.weight) / float64(c.capacity)
	}
	return stats
}

func notify[V any](listeners []RemovalListener[V], notes []removal[V]) {
	if len(listeners) == 0 {
		return
	}
	for _, n := range notes {
		for _, l := range listeners {
			l(n.evicted, n.key, n.value)
		}
	}
}
