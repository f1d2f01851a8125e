/*
Package cache provides the bounded in-memory chunk store.

Fetched chunks are kept under a (resource, chunk index) key in an LRUCache
whose total buffer size never exceeds a configured byte budget. The budget is
enforced synchronously inside Put.

# Structure

	index      map[ChunkKey]*chunk              O(1) lookup
	byResource map[resource]map[index]*chunk    per-resource count and purge
	ring       sentinel of a circular list      ring.next = most recent, ring.prev = next victim

A chunk is in both maps if and only if it is linked into the ring. Get and a
rewriting Put move the chunk behind the sentinel; eviction always takes
ring.prev.

# Admission

	Put(key, buf)
	  len(buf) > budget           → rejected, cache unchanged
	  existing key                → replaced in place, promoted, others evicted on growth
	  new key                     → evict from the back until it fits, insert at front

A rejected buffer is reported as false; nothing in this package returns an
error for a full cache.

# Memory pressure

PressureCleanup(level) releases 10, 20, 30, 50 or 80 percent of current usage
for levels 1 to 5, always in LRU order. pkg/memmon delivers the levels.

# Usage

	c := cache.NewLRUCache(&cache.CacheConfig{MaxSize: 48 << 20}, logger)
	c.Put(types.ChunkKey{ResourceID: id, Index: 3}, data)
	if buf, ok := c.Get(types.ChunkKey{ResourceID: id, Index: 3}); ok {
		play(buf)
	}

All methods are safe for concurrent use; a single mutex guards both
structures. Stored buffers are shared with callers and must not be mutated.
*/
package cache
