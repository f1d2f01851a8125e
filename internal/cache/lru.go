package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/objectfs/mediacache/pkg/types"
	"github.com/objectfs/mediacache/pkg/utils"
)

// DefaultMaxSize is the byte budget used when no configuration is given.
const DefaultMaxSize = 48 * 1024 * 1024

// pressureFractions maps memory pressure levels 1..5 to the share of current
// usage released by PressureCleanup.
var pressureFractions = [...]float64{0.10, 0.20, 0.30, 0.50, 0.80}

var _ types.Cache = (*LRUCache)(nil)

// CacheConfig holds the byte budget.
type CacheConfig struct {
	MaxSize int64 `yaml:"max_size"`
}

// chunk is a node of the recency ring.
type chunk struct {
	key         types.ChunkKey
	buf         []byte
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
	prev, next  *chunk
}

func (n *chunk) size() int64 { return int64(len(n.buf)) }

// EntryInfo describes a cached chunk.
type EntryInfo struct {
	Key         types.ChunkKey `json:"key"`
	Size        int64          `json:"size"`
	CreatedAt   time.Time      `json:"created_at"`
	LastAccess  time.Time      `json:"last_access"`
	AccessCount int64          `json:"access_count"`
}

// LRUCache is a thread-safe chunk store with a strict byte budget and
// least-recently-used eviction.
type LRUCache struct {
	budget int64
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	used       int64
	index      map[types.ChunkKey]*chunk
	byResource map[string]map[int]*chunk
	ring       chunk // sentinel; ring.next is most recent, ring.prev is the next victim

	hits, misses, evictions, rejections uint64
}

// NewLRUCache creates a cache. A nil config or a non-positive MaxSize selects
// DefaultMaxSize.
func NewLRUCache(config *CacheConfig, logger *slog.Logger) *LRUCache {
	budget := int64(DefaultMaxSize)
	if config != nil && config.MaxSize > 0 {
		budget = config.MaxSize
	}

	c := &LRUCache{
		budget:     budget,
		logger:     utils.OrNop(logger).With("component", "cache"),
		now:        time.Now,
		index:      make(map[types.ChunkKey]*chunk),
		byResource: make(map[string]map[int]*chunk),
	}
	c.ring.next, c.ring.prev = &c.ring, &c.ring
	return c
}

// Get returns the buffer stored under key and promotes it to most recently used.
func (c *LRUCache) Get(key types.ChunkKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.index[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	n.accessCount++
	n.lastAccess = c.now()
	c.promote(n)
	return n.buf, true
}

// Put stores data under key. It returns false, leaving the cache unchanged,
// when the buffer cannot fit in the budget even with the cache emptied. A
// rejected rewrite keeps the previous buffer for key.
func (c *LRUCache) Put(key types.ChunkKey, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(data))
	if size > c.budget {
		c.rejections++
		c.logger.Debug("cache entry rejected",
			"key", key.String(), "size", utils.FormatSize(size), "budget", utils.FormatSize(c.budget))
		return false
	}

	now := c.now()
	if old, exists := c.index[key]; exists {
		c.used += size - old.size()
		old.buf = data
		old.accessCount++
		old.lastAccess = now
		c.promote(old)
	} else {
		n := &chunk{key: key, buf: data, createdAt: now, lastAccess: now, accessCount: 1}
		c.link(n)
		c.used += size
	}

	// the new entry sits at the front, so it is never its own victim
	for c.used > c.budget && c.ring.prev != c.ring.next {
		c.evict(c.ring.prev)
	}
	return true
}

// Has reports whether key is cached without touching recency or statistics.
func (c *LRUCache) Has(key types.ChunkKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.index[key]
	return ok
}

// Info describes the entry under key without touching recency or statistics.
func (c *LRUCache) Info(key types.ChunkKey) (EntryInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.index[key]
	if !ok {
		return EntryInfo{}, false
	}
	return EntryInfo{
		Key:         n.key,
		Size:        n.size(),
		CreatedAt:   n.createdAt,
		LastAccess:  n.lastAccess,
		AccessCount: n.accessCount,
	}, true
}

// Remove drops a single entry.
func (c *LRUCache) Remove(key types.ChunkKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.index[key]
	if ok {
		c.unlink(n)
	}
	return ok
}

// RemoveResource evicts every chunk of resourceID and returns how many were removed.
func (c *LRUCache) RemoveResource(resourceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	chunks := c.byResource[resourceID]
	if len(chunks) == 0 {
		return 0
	}

	removed := len(chunks)
	var freed int64
	for _, n := range chunks {
		freed += n.size()
		c.evict(n)
	}

	c.logger.Debug("resource purged from cache",
		"resource", resourceID, "entries", removed, "freed", utils.FormatSize(freed))
	return removed
}

// CountResource returns the number of cached chunks belonging to resourceID.
func (c *LRUCache) CountResource(resourceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byResource[resourceID])
}

// PressureCleanup releases a share of current usage proportional to level
// (10%, 20%, 30%, 50%, 80% for levels 1 to 5) in LRU order. It returns the
// number of bytes freed.
func (c *LRUCache) PressureCleanup(level int) int64 {
	level = max(1, min(level, len(pressureFractions)))

	c.mu.Lock()
	defer c.mu.Unlock()

	target := int64(float64(c.used) * pressureFractions[level-1])
	var freed int64
	entries := 0
	for freed < target && c.ring.prev != &c.ring {
		victim := c.ring.prev
		freed += victim.size()
		c.evict(victim)
		entries++
	}

	c.logger.Info("pressure cleanup",
		"level", level, "entries", entries, "freed", utils.FormatSize(freed),
		"remaining", utils.FormatSize(c.used))
	return freed
}

// Size returns the bytes held.
func (c *LRUCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Capacity returns the byte budget.
func (c *LRUCache) Capacity() int64 {
	return c.budget
}

// Stats returns a snapshot of usage and counters.
func (c *LRUCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := types.CacheStats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Rejections:  c.rejections,
		Size:        c.used,
		Capacity:    c.budget,
		Entries:     len(c.index),
		Utilization: float64(c.used) / float64(c.budget),
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		stats.HitRate = float64(c.hits) / float64(lookups)
	}
	return stats
}

// Clear drops every entry. Counters are kept.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index = make(map[types.ChunkKey]*chunk)
	c.byResource = make(map[string]map[int]*chunk)
	c.ring.next, c.ring.prev = &c.ring, &c.ring
	c.used = 0
}

// Keys returns cached keys from most to least recently used.
func (c *LRUCache) Keys() []types.ChunkKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]types.ChunkKey, 0, len(c.index))
	for n := c.ring.next; n != &c.ring; n = n.next {
		keys = append(keys, n.key)
	}
	return keys
}

// link inserts n at the front and indexes it. Caller holds c.mu.
func (c *LRUCache) link(n *chunk) {
	n.prev, n.next = &c.ring, c.ring.next
	c.ring.next.prev = n
	c.ring.next = n

	c.index[n.key] = n
	chunks := c.byResource[n.key.ResourceID]
	if chunks == nil {
		chunks = make(map[int]*chunk)
		c.byResource[n.key.ResourceID] = chunks
	}
	chunks[n.key.Index] = n
}

// unlink removes n from the ring and both indexes. Caller holds c.mu.
func (c *LRUCache) unlink(n *chunk) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil

	delete(c.index, n.key)
	if chunks := c.byResource[n.key.ResourceID]; chunks != nil {
		delete(chunks, n.key.Index)
		if len(chunks) == 0 {
			delete(c.byResource, n.key.ResourceID)
		}
	}
	c.used -= n.size()
}

func (c *LRUCache) evict(n *chunk) {
	c.unlink(n)
	c.evictions++
}

func (c *LRUCache) promote(n *chunk) {
	if c.ring.next == n {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = &c.ring, c.ring.next
	c.ring.next.prev = n
	c.ring.next = n
}
