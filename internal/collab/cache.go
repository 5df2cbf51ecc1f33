package collab

import "sync"

// Entity names the kind of value stored under a cache key.
type Entity string

const (
	// EntityRow keys a single row snapshot.
	EntityRow Entity = "row"
	// EntityRowList keys the ordered row identifiers of a block.
	EntityRowList Entity = "rows"
)

// Key identifies a cache entry by entity type, identifier and optional parameters.
type Key struct {
	Entity Entity
	ID     string
	Params string
}

// RowKey returns the cache key of a single row.
func RowKey(rowID string) Key {
	return Key{Entity: EntityRow, ID: rowID}
}

// RowListKey returns the cache key of a block's row list.
func RowListKey(blockID string) Key {
	return Key{Entity: EntityRowList, ID: blockID}
}

type cacheEntry[V any] struct {
	value      V
	present    bool
	stale      bool
	generation uint64
}

// Cache is a typed, key-addressed store. Every mutation is a read-modify-write
// under the cache lock, so concurrent mutators never lose each other's updates.
type Cache[V any] struct {
	mu        sync.Mutex
	entries   map[Key]*cacheEntry[V]
	listeners []func(Key)
}

// NewCache constructs an empty cache.
func NewCache[V any]() *Cache[V] {
	return &Cache[V]{entries: make(map[Key]*cacheEntry[V])}
}

// Get returns the value stored under key.
func (c *Cache[V]) Get(key Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || !entry.present {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores value under key and clears its stale flag.
func (c *Cache[V]) Set(key Key, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entryLocked(key)
	entry.value = value
	entry.present = true
	entry.stale = false
}

// Update runs fn against the current value and stores its result when fn
// reports a change. It returns the value held after the call.
func (c *Cache[V]) Update(key Key, fn func(current V, ok bool) (V, bool)) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateLocked(key, fn)
}

// UpdateIfCurrent behaves like Update but only when no CancelPending or
// Invalidate happened since generation was read. The boolean reports whether
// fn was applied.
func (c *Cache[V]) UpdateIfCurrent(key Key, generation uint64, fn func(current V, ok bool) (V, bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entryLocked(key)
	if entry.generation != generation {
		return false
	}
	c.updateLocked(key, fn)
	entry.stale = false
	return true
}

// Remove deletes the value stored under key.
func (c *Cache[V]) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	var zero V
	entry.value = zero
	entry.present = false
	entry.generation++
}

// Generation returns the fetch generation of key. Fetchers read it before
// issuing a request and hand it back to UpdateIfCurrent.
func (c *Cache[V]) Generation(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entryLocked(key).generation
}

// CancelPending supersedes every outstanding fetch for key without touching the value.
func (c *Cache[V]) CancelPending(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(key).generation++
}

// Invalidate marks key stale, supersedes outstanding fetches and notifies listeners.
func (c *Cache[V]) Invalidate(key Key) {
	c.mu.Lock()
	entry := c.entryLocked(key)
	entry.stale = true
	entry.generation++
	listeners := append([]func(Key){}, c.listeners...)
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(key)
	}
}

// IsStale reports whether key was invalidated and not refreshed since.
func (c *Cache[V]) IsStale(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return ok && entry.stale
}

// OnInvalidate registers fn to run after every invalidation.
func (c *Cache[V]) OnInvalidate(fn func(Key)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Keys returns the keys of all present entries for entity.
func (c *Cache[V]) Keys(entity Entity) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]Key, 0, len(c.entries))
	for key, entry := range c.entries {
		if key.Entity == entity && entry.present {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *Cache[V]) entryLocked(key Key) *cacheEntry[V] {
	entry, ok := c.entries[key]
	if !ok {
		entry = &cacheEntry[V]{}
		c.entries[key] = entry
	}
	return entry
}

func (c *Cache[V]) updateLocked(key Key, fn func(current V, ok bool) (V, bool)) (V, bool) {
	entry := c.entryLocked(key)
	next, changed := fn(entry.value, entry.present)
	if changed {
		entry.value = next
		entry.present = true
	}
	return entry.value, entry.present
}
