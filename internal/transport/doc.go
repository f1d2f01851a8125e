/*
Package transport implements the byte-range network primitives used by the
planner and the prefetch scheduler.

Every implementation satisfies types.Transport:

	ProbeLength   metadata-only request, total size from the length header
	ProbeRange    ranged read of the first n bytes, total size from Content-Range
	FetchRange    ranged read returning exactly [start, end]

HTTP speaks plain HTTP/1.1 range semantics. S3 uses HeadObject and ranged
GetObject calls; resource IDs are either "s3://bucket/key" or a key inside the
configured bucket. WithBreaker wraps any transport with one circuit breaker per
origin so a dead CDN host fails fast instead of holding fetch slots.

Failures are returned as *errors.MediaCacheError values with codes
PROBE_FAILED, FETCH_FAILED, FETCH_TIMEOUT, RANGE_INVALID, RESOURCE_NOT_FOUND
or CIRCUIT_OPEN. FETCH_FAILED and FETCH_TIMEOUT are marked retryable.
*/
package transport
