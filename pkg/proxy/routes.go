package proxy

import (
	"container/list"
	"sync"
	"time"

	"github.com/vjranagit/historian/pkg/types"
)

// RouteCache implements an LRU cache of point to owning store assignments
type RouteCache struct {
	capacity int
	ttl      time.Duration
	mu       sync.Mutex
	cache    map[types.PointRef]*routeEntry
	lru      *list.List
	hits     uint64
	misses   uint64
}

// routeEntry represents a cached assignment
type routeEntry struct {
	point     types.PointRef
	store     string
	timestamp time.Time
	element   *list.Element
}

// NewRouteCache creates a new route cache; ttl <= 0 keeps entries until
// they are evicted.
func NewRouteCache(capacity int, ttl time.Duration) *RouteCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &RouteCache{
		capacity: capacity,
		ttl:      ttl,
		cache:    make(map[types.PointRef]*routeEntry),
		lru:      list.New(),
	}
}

// Get retrieves the cached owner of point
func (rc *RouteCache) Get(point types.PointRef) (string, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	entry, exists := rc.cache[point]
	if !exists {
		rc.misses++
		return "", false
	}

	// Check if entry has expired
	if rc.ttl > 0 && time.Since(entry.timestamp) > rc.ttl {
		rc.removeLocked(point)
		rc.misses++
		return "", false
	}

	// Move to front of LRU list (most recently used)
	rc.lru.MoveToFront(entry.element)
	rc.hits++

	return entry.store, true
}

// Put stores the owner of point
func (rc *RouteCache) Put(point types.PointRef, store string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if entry, exists := rc.cache[point]; exists {
		entry.store = store
		entry.timestamp = time.Now()
		rc.lru.MoveToFront(entry.element)
		return
	}

	entry := &routeEntry{
		point:     point,
		store:     store,
		timestamp: time.Now(),
	}
	entry.element = rc.lru.PushFront(entry)
	rc.cache[point] = entry

	// Evict oldest entry if cache is full
	if rc.lru.Len() > rc.capacity {
		if oldest := rc.lru.Back(); oldest != nil {
			rc.removeLocked(oldest.Value.(*routeEntry).point)
		}
	}
}

// removeLocked removes an entry from the cache (must hold lock)
func (rc *RouteCache) removeLocked(point types.PointRef) {
	if entry, exists := rc.cache[point]; exists {
		rc.lru.Remove(entry.element)
		delete(rc.cache, point)
	}
}

// Size returns the current cache size
func (rc *RouteCache) Size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.cache)
}

// CacheStats contains cache statistics
type CacheStats struct {
	Size     int
	Capacity int
	Hits     uint64
	Misses   uint64
}

// Stats returns cache statistics
func (rc *RouteCache) Stats() CacheStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return CacheStats{
		Size:     len(rc.cache),
		Capacity: rc.capacity,
		Hits:     rc.hits,
		Misses:   rc.misses,
	}
}

// HitRate returns the cache hit rate as a percentage
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total) * 100.0
}
