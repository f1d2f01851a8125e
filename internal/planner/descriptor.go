package planner

import (
	"math"
	"time"

	"github.com/objectfs/mediacache/internal/netclass"
	"github.com/objectfs/mediacache/pkg/types"
)

// SizeSource records which step of the size-discovery chain produced a size
type SizeSource string

const (
	SizeFromHead     SizeSource = "head"
	SizeFromRange    SizeSource = "range"
	SizeFromEstimate SizeSource = "estimate"
)

// Descriptor is the chunk geometry of one resource. It is never modified
// after Analyze returns it.
type Descriptor struct {
	ResourceID    string         `json:"resource_id"`
	Size          int64          `json:"size"`
	Duration      float64        `json:"duration_seconds"`
	DurationKnown bool           `json:"duration_known"`
	ChunkSize     int64          `json:"chunk_size"`
	ChunkCount    int            `json:"chunk_count"`
	SizeSource    SizeSource     `json:"size_source"`
	NetworkClass  netclass.Class `json:"network_class"`
	AnalyzedAt    time.Time      `json:"analyzed_at"`
}

func newDescriptor(id string, size int64, duration float64, durationKnown bool, chunkSize int64, source SizeSource, class netclass.Class, now time.Time) *Descriptor {
	return &Descriptor{
		ResourceID:    id,
		Size:          size,
		Duration:      duration,
		DurationKnown: durationKnown,
		ChunkSize:     chunkSize,
		ChunkCount:    int((size + chunkSize - 1) / chunkSize),
		SizeSource:    source,
		NetworkClass:  class,
		AnalyzedAt:    now,
	}
}

// ChunkIndexForTime maps a playback position in seconds to a chunk index as
// floor((t/duration) * size / chunkSize), clamped to [0, ChunkCount-1].
// The mapping assumes a constant bitrate, so variable-bitrate media drifts.
func (d *Descriptor) ChunkIndexForTime(t float64) int {
	if d.Duration <= 0 || math.IsNaN(t) || t <= 0 {
		return 0
	}

	idx := math.Floor((t / d.Duration) * float64(d.Size) / float64(d.ChunkSize))
	return d.clamp(idx)
}

// ByteRange returns the inclusive byte span of chunk index, with the index
// clamped into range. The final chunk ends at Size-1.
func (d *Descriptor) ByteRange(index int) types.ByteRange {
	index = d.clamp(float64(index))
	start := int64(index) * d.ChunkSize
	end := start + d.ChunkSize - 1
	if end > d.Size-1 {
		end = d.Size - 1
	}
	return types.ByteRange{Start: start, End: end}
}

// PrefetchWindow returns the chunk indices wanted around position t: the
// current chunk first, then one chunk back for short rewinds, then up to
// radius chunks forward. Indices outside the resource are dropped and a
// negative radius counts as zero.
func (d *Descriptor) PrefetchWindow(t float64, radius int) []int {
	current := d.ChunkIndexForTime(t)
	radius = max(radius, 0)

	window := make([]int, 0, radius+2)
	window = append(window, current)
	if current > 0 {
		window = append(window, current-1)
	}
	for i := 1; i <= radius && current+i < d.ChunkCount; i++ {
		window = append(window, current+i)
	}
	return window
}

func (d *Descriptor) clamp(idx float64) int {
	last := d.ChunkCount - 1
	switch {
	case idx < 0 || last < 0:
		return 0
	case idx > float64(last):
		return last
	default:
		return int(idx)
	}
}
