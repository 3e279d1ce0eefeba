package cache

import (
	"sync"
	"time"

	"despotify/internal/engine"
)

// entry is a cached item with expiration
type entry[V any] struct {
	value      V
	expiration time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiration)
}

// MemoryCache is an in-memory cache whose entries expire after a fixed TTL
type MemoryCache[V any] struct {
	items map[string]*entry[V]
	mutex sync.RWMutex
	ttl   time.Duration
	stop  chan struct{}
	once  sync.Once
}

// NewMemoryCache creates a cache and starts its expiry sweeper. Call Close
// to stop the sweeper.
func NewMemoryCache[V any](ttl time.Duration) *MemoryCache[V] {
	c := &MemoryCache[V]{
		items: make(map[string]*entry[V]),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}

	sweep := ttl
	if sweep < time.Second {
		sweep = time.Second
	}
	if sweep > 5*time.Minute {
		sweep = 5 * time.Minute
	}
	go c.cleanupExpired(sweep)

	return c
}

// Set stores a value in the cache
func (c *MemoryCache[V]) Set(key string, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items[key] = &entry[V]{
		value:      value,
		expiration: time.Now().Add(c.ttl),
	}
}

// Get retrieves a value from the cache
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	e, exists := c.items[key]
	if !exists || e.expired(time.Now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes a value from the cache
func (c *MemoryCache[V]) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
}

// Clear removes all items from the cache
func (c *MemoryCache[V]) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items = make(map[string]*entry[V])
}

// Size returns the number of items in the cache, expired ones included
// until the next sweep
func (c *MemoryCache[V]) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.items)
}

// Close stops the sweeper. The cache stays usable.
func (c *MemoryCache[V]) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *MemoryCache[V]) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mutex.Lock()
			for key, e := range c.items {
				if e.expired(now) {
					delete(c.items, key)
				}
			}
			c.mutex.Unlock()
		}
	}
}

// RecordCache caches engine track records and album track lists for
// sessions created with caching enabled
type RecordCache struct {
	records *MemoryCache[engine.Record]
	albums  *MemoryCache[[]string]
}

// NewRecordCache creates a record cache with the given TTL
func NewRecordCache(ttl time.Duration) *RecordCache {
	return &RecordCache{
		records: NewMemoryCache[engine.Record](ttl),
		albums:  NewMemoryCache[[]string](ttl),
	}
}

// SetRecord caches a copy of rec under its track id
func (rc *RecordCache) SetRecord(trackID string, rec *engine.Record) {
	rc.records.Set(trackID, *rec)
}

// Record returns a copy of a cached record
func (rc *RecordCache) Record(trackID string) (*engine.Record, bool) {
	rec, ok := rc.records.Get(trackID)
	if !ok {
		return nil, false
	}
	return &rec, true
}

// SetAlbum caches the ordered track ids of an album
func (rc *RecordCache) SetAlbum(albumID string, trackIDs []string) {
	rc.albums.Set(albumID, append([]string(nil), trackIDs...))
}

// Album returns the cached track ids of an album
func (rc *RecordCache) Album(albumID string) ([]string, bool) {
	ids, ok := rc.albums.Get(albumID)
	if !ok {
		return nil, false
	}
	return append([]string(nil), ids...), true
}

// Invalidate drops everything, used after the catalogue changes
func (rc *RecordCache) Invalidate() {
	rc.records.Clear()
	rc.albums.Clear()
}

// Size is the number of cached records
func (rc *RecordCache) Size() int {
	return rc.records.Size()
}

// Close stops both sweepers
func (rc *RecordCache) Close() {
	rc.records.Close()
	rc.albums.Close()
}
