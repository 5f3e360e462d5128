package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStorage keeps named caches in process memory.
// Each named cache holds at most size entries unless more are pinned;
// only unpinned entries are evicted, least recently used first.
type MemoryStorage struct {
	size   int
	caches map[string]*MemoryCache
	order  []string
	mu     sync.RWMutex
}

// NewMemoryStorage creates an empty in-memory storage
func NewMemoryStorage(size int) (*MemoryStorage, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", size)
	}
	return &MemoryStorage{
		size:   size,
		caches: make(map[string]*MemoryCache),
	}, nil
}

// Open returns the named cache, creating it if absent
func (ms *MemoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	c, ok := ms.caches[name]
	ms.mu.RUnlock()
	if ok {
		return c, nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if c, ok := ms.caches[name]; ok {
		return c, nil
	}
	c, err := newMemoryCache(name, ms.size)
	if err != nil {
		return nil, err
	}
	ms.caches[name] = c
	ms.order = append(ms.order, name)
	return c, nil
}

// Has reports whether the named cache exists
func (ms *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	_, ok := ms.caches[name]
	return ok, nil
}

// Delete removes the named cache
func (ms *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	c, ok := ms.caches[name]
	if !ok {
		return false, nil
	}
	c.purge()
	delete(ms.caches, name)
	for i, n := range ms.order {
		if n == name {
			ms.order = append(ms.order[:i], ms.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// Keys returns cache names in creation order
func (ms *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]string, len(ms.order))
	copy(out, ms.order)
	return out, nil
}

// Close drops every cache
func (ms *MemoryStorage) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, c := range ms.caches {
		c.purge()
	}
	ms.caches = make(map[string]*MemoryCache)
	ms.order = nil
	return nil
}

// MemoryCache is one named in-memory cache. Pinned entries live outside the
// LRU and are never evicted; the LRU holds the rest within what remains of
// size.
type MemoryCache struct {
	name   string
	size   int
	pinned map[string]*Entry
	cache  *lru.Cache[string, *Entry]
	mu     sync.RWMutex
}

func newMemoryCache(name string, size int) (*MemoryCache, error) {
	c, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{
		name:   name,
		size:   size,
		pinned: make(map[string]*Entry),
		cache:  c,
	}, nil
}

// Name returns the cache name
func (mc *MemoryCache) Name() string {
	return mc.name
}

// Match retrieves a copy of the entry stored under key
func (mc *MemoryCache) Match(ctx context.Context, key string) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	mc.mu.RLock()
	entry, ok := mc.pinned[key]
	if !ok {
		entry, ok = mc.cache.Get(key)
	}
	mc.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	return entry.Clone(), true, nil
}

// Put stores a copy of entry
func (mc *MemoryCache) Put(ctx context.Context, key string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("nil entry for key %s", key)
	}

	stored := entry.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, ok := mc.pinned[key]; ok || stored.Pinned {
		stored.Pinned = true
		mc.pinned[key] = stored
		mc.cache.Remove(key)
		mc.cache.Resize(mc.lruCapacity())
		return nil
	}
	mc.cache.Add(key, stored)
	return nil
}

// lruCapacity is what size leaves for unpinned entries, at least one
func (mc *MemoryCache) lruCapacity() int {
	return max(mc.size-len(mc.pinned), 1)
}

// Delete removes key
func (mc *MemoryCache) Delete(ctx context.Context, key string) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, ok := mc.pinned[key]; ok {
		delete(mc.pinned, key)
		mc.cache.Resize(mc.lruCapacity())
		return true, nil
	}
	return mc.cache.Remove(key), nil
}

// Keys returns pinned keys in key order, then the LRU keys oldest first
func (mc *MemoryCache) Keys(ctx context.Context) ([]string, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	keys := make([]string, 0, len(mc.pinned)+mc.cache.Len())
	for k := range mc.pinned {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return append(keys, mc.cache.Keys()...), nil
}

func (mc *MemoryCache) purge() {
	mc.mu.Lock()
	mc.cache.Purge()
	mc.pinned = make(map[string]*Entry)
	mc.cache.Resize(mc.size)
	mc.mu.Unlock()
}
