package types

import (
	"fmt"
	"time"
)

// ChunkKey identifies one fetched chunk of one media resource
type ChunkKey struct {
	ResourceID string `json:"resource_id"`
	Index      int    `json:"index"`
}

// String returns the key in "resource#index" form
func (k ChunkKey) String() string {
	return fmt.Sprintf("%s#%d", k.ResourceID, k.Index)
}

// ByteRange is an inclusive byte span of a resource
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by the range
func (r ByteRange) Len() int64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Header renders the range as an HTTP Range header value
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Priority orders prefetch tasks. Higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// MarshalText renders the priority name in JSON output.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Rejections  uint64  `json:"rejections"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	Entries     int     `json:"entries"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// SchedulerStats represents prefetch scheduler statistics
type SchedulerStats struct {
	State           string        `json:"state"`
	ResourceID      string        `json:"resource_id"`
	TotalFetches    uint64        `json:"total_fetches"`
	SuccessFetches  uint64        `json:"successful_fetches"`
	FailedFetches   uint64        `json:"failed_fetches"`
	CancelledTasks  uint64        `json:"cancelled_tasks"`
	BytesFetched    int64         `json:"bytes_fetched"`
	AverageLatency  time.Duration `json:"average_latency"`
	QueueDepth      int           `json:"queue_depth"`
	ActiveTasks     int           `json:"active_tasks"`
	MaxConcurrent   int           `json:"max_concurrent"`
	PeakActiveTasks int           `json:"peak_active_tasks"`
}
