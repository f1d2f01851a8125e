package types

import (
	"context"
)

// Transport performs the network side of chunk fetching
type Transport interface {
	// ProbeLength reads the total size from a metadata-only request
	ProbeLength(ctx context.Context, resourceID string) (int64, error)

	// ProbeRange issues a small ranged read of the first n bytes and returns the
	// total size disclosed by the partial response
	ProbeRange(ctx context.Context, resourceID string, n int64) (int64, error)

	// FetchRange returns exactly the bytes in [start, end]
	FetchRange(ctx context.Context, resourceID string, start, end int64) ([]byte, error)
}

// Cache defines the chunk caching interface
type Cache interface {
	Get(key ChunkKey) ([]byte, bool)
	Put(key ChunkKey, data []byte) bool
	Has(key ChunkKey) bool
	RemoveResource(resourceID string) int
	CountResource(resourceID string) int
	PressureCleanup(level int) int64
	Stats() CacheStats
}
