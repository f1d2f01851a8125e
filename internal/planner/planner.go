// Package planner translates media resources into fetchable, time-addressable chunks.
package planner

import (
	"context"
	stderrors "errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/mediacache/internal/netclass"
	"github.com/objectfs/mediacache/pkg/errors"
	"github.com/objectfs/mediacache/pkg/types"
	"github.com/objectfs/mediacache/pkg/utils"
)

const (
	KiB = 1024
	MiB = 1024 * KiB

	// MinChunkSize and MaxChunkSize bound every chunk size the planner picks
	MinChunkSize = 200 * KiB
	MaxChunkSize = 400 * KiB

	// DefaultProbeBytes is the span of the ranged size probe
	DefaultProbeBytes = 1024

	// Fallback when neither probe succeeds nor a duration is known:
	// 30 minutes of audio is taken to be 30 MiB.
	AssumedDurationSeconds = 30 * 60
	AssumedSize            = 30 * MiB
)

var chunkSizes = map[netclass.Class]int64{
	netclass.HighBandwidth: 400 * KiB,
	netclass.Default:       300 * KiB,
	netclass.Reduced:       250 * KiB,
	netclass.LowBandwidth:  200 * KiB,
}

// ChunkSizeForNetworkClass returns the chunk size used for resources
// analyzed while class is current.
func ChunkSizeForNetworkClass(class netclass.Class) int64 {
	size, ok := chunkSizes[class]
	if !ok {
		size = chunkSizes[netclass.Default]
	}
	if size < MinChunkSize {
		return MinChunkSize
	}
	if size > MaxChunkSize {
		return MaxChunkSize
	}
	return size
}

// Config configures the planner
type Config struct {
	// ProbeBytes is the length of the ranged size probe
	ProbeBytes int64
	// AssumedBytesPerSecond converts between duration and size when the size is estimated
	AssumedBytesPerSecond int64
	// EstimateEnabled allows the heuristic last step of size discovery
	EstimateEnabled bool
	// NetworkClass is the class in effect until told otherwise
	NetworkClass netclass.Class
}

// DefaultConfig returns the default planner configuration
func DefaultConfig() Config {
	return Config{
		ProbeBytes:            DefaultProbeBytes,
		AssumedBytesPerSecond: AssumedSize / AssumedDurationSeconds,
		EstimateEnabled:       true,
		NetworkClass:          netclass.Default,
	}
}

// Planner discovers resource sizes and owns the descriptor table
type Planner struct {
	transport types.Transport
	config    Config
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	group singleflight.Group

	mu          sync.RWMutex
	descriptors map[string]*Descriptor
	class       netclass.Class
}

// New creates a planner that probes through transport
func New(transport types.Transport, config Config, logger *slog.Logger) *Planner {
	defaults := DefaultConfig()
	if config.ProbeBytes <= 0 {
		config.ProbeBytes = defaults.ProbeBytes
	}
	if config.AssumedBytesPerSecond <= 0 {
		config.AssumedBytesPerSecond = defaults.AssumedBytesPerSecond
	}
	if config.NetworkClass == "" {
		config.NetworkClass = defaults.NetworkClass
	}

	return &Planner{
		transport:   transport,
		config:      config,
		logger:      utils.OrNop(logger).With("component", "planner"),
		tracer:      otel.Tracer("github.com/objectfs/mediacache/internal/planner"),
		now:         time.Now,
		descriptors: make(map[string]*Descriptor),
		class:       config.NetworkClass,
	}
}

// Analyze returns the descriptor for resourceID, discovering its size on
// first use. knownDuration is in seconds; zero, negative or NaN means unknown.
//
// Size discovery tries a length probe, then a small ranged probe, then an
// estimate from the duration. A step runs only when the previous one failed,
// and only the failure of every step is an error. Concurrent calls for the
// same resource share one discovery.
func (p *Planner) Analyze(ctx context.Context, resourceID string, knownDuration float64) (*Descriptor, error) {
	if d, ok := p.Lookup(resourceID); ok {
		return d, nil
	}

	v, err, _ := p.group.Do(resourceID, func() (interface{}, error) {
		if d, ok := p.Lookup(resourceID); ok {
			return d, nil
		}

		d, err := p.analyze(ctx, resourceID, knownDuration)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.descriptors[resourceID] = d
		p.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Descriptor), nil
}

func (p *Planner) analyze(ctx context.Context, resourceID string, knownDuration float64) (*Descriptor, error) {
	ctx, span := p.tracer.Start(ctx, "planner.Analyze",
		trace.WithAttributes(attribute.String("resource.id", resourceID)))
	defer span.End()

	durationKnown := knownDuration > 0 && !math.IsNaN(knownDuration) && !math.IsInf(knownDuration, 0)
	if !durationKnown {
		knownDuration = 0
	}

	size, source, err := p.discoverSize(ctx, resourceID, knownDuration)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	duration := knownDuration
	if !durationKnown {
		duration = float64(size) / float64(p.config.AssumedBytesPerSecond)
	}

	class := p.NetworkClass()
	d := newDescriptor(resourceID, size, duration, durationKnown,
		ChunkSizeForNetworkClass(class), source, class, p.now())

	span.SetAttributes(
		attribute.String("size.source", string(source)),
		attribute.Int64("size.bytes", size),
		attribute.Int64("chunk.size", d.ChunkSize),
		attribute.Int("chunk.count", d.ChunkCount),
	)
	p.logger.Info("resource analyzed",
		"resource", resourceID,
		"size", utils.FormatSize(size),
		"source", string(source),
		"duration", time.Duration(duration*float64(time.Second)).Round(time.Second).String(),
		"chunk_size", utils.FormatSize(d.ChunkSize),
		"chunks", d.ChunkCount,
		"network_class", string(class))
	return d, nil
}

// discoverSize runs the probe fallback chain
func (p *Planner) discoverSize(ctx context.Context, resourceID string, knownDuration float64) (int64, SizeSource, error) {
	var failures []error

	size, err := p.transport.ProbeLength(ctx, resourceID)
	if err == nil && size > 0 {
		return size, SizeFromHead, nil
	}
	failures = append(failures, probeFailure(err, "length probe"))
	p.logger.Debug("length probe failed, trying ranged probe", "resource", resourceID, "error", err)

	size, err = p.transport.ProbeRange(ctx, resourceID, p.config.ProbeBytes)
	if err == nil && size > 0 {
		return size, SizeFromRange, nil
	}
	failures = append(failures, probeFailure(err, "ranged probe"))
	p.logger.Debug("ranged probe failed", "resource", resourceID, "error", err)

	// an estimate made for an abandoned request would be cached for good
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, "", errors.Wrap(errors.ErrCodeSizeUnknown, "analysis cancelled", ctxErr).
			WithComponent("planner").
			WithOperation("Analyze").
			WithDetail("resource", resourceID).
			WithRetryable(false)
	}

	if !p.config.EstimateEnabled {
		return 0, "", errors.Wrap(errors.ErrCodeSizeUnknown, "every size probe failed", stderrors.Join(failures...)).
			WithComponent("planner").
			WithOperation("Analyze").
			WithDetail("resource", resourceID).
			WithRetryable(false)
	}

	if knownDuration > 0 {
		size = int64(knownDuration * float64(p.config.AssumedBytesPerSecond))
	} else {
		size = AssumedSize
	}
	if size < 1 {
		size = 1
	}
	p.logger.Debug("size estimated", "resource", resourceID, "size", size)
	return size, SizeFromEstimate, nil
}

func probeFailure(err error, step string) error {
	if err == nil {
		return errors.New(errors.ErrCodeProbeFailed, step+" reported no size")
	}
	return err
}

// Lookup returns the cached descriptor without probing
func (p *Planner) Lookup(resourceID string) (*Descriptor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	d, ok := p.descriptors[resourceID]
	return d, ok
}

// PurgeOlderThan drops descriptors analyzed more than maxAge ago and returns
// how many were dropped. Reads never expire descriptors on their own.
func (p *Planner) PurgeOlderThan(maxAge time.Duration) int {
	cutoff := p.now().Add(-maxAge)

	p.mu.Lock()
	defer p.mu.Unlock()

	purged := 0
	for id, d := range p.descriptors {
		if d.AnalyzedAt.Before(cutoff) {
			delete(p.descriptors, id)
			purged++
		}
	}

	if purged > 0 {
		p.logger.Debug("descriptors purged", "count", purged, "max_age", maxAge.String())
	}
	return purged
}

// Forget drops the descriptor of one resource
func (p *Planner) Forget(resourceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.descriptors[resourceID]
	delete(p.descriptors, resourceID)
	return ok
}

// Descriptors returns a snapshot of all descriptors ordered by resource ID
func (p *Planner) Descriptors() []Descriptor {
	p.mu.RLock()
	out := make([]Descriptor, 0, len(p.descriptors))
	for _, d := range p.descriptors {
		out = append(out, *d)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// NetworkClass returns the class used for the next analysis
func (p *Planner) NetworkClass() netclass.Class {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.class
}

// SetNetworkClass changes the class used for resources analyzed from now on.
// Existing descriptors keep their chunk size.
func (p *Planner) SetNetworkClass(class netclass.Class) {
	p.mu.Lock()
	prev := p.class
	p.class = class
	p.mu.Unlock()

	if prev != class {
		p.logger.Info("network class changed",
			"from", string(prev), "to", string(class),
			"chunk_size", utils.FormatSize(ChunkSizeForNetworkClass(class)))
	}
}

// WatchNetworkClass adopts the source's current class and follows its changes
// until the returned function is called.
func (p *Planner) WatchNetworkClass(source netclass.Source) (cancel func()) {
	p.SetNetworkClass(source.Current())
	return source.OnChange(p.SetNetworkClass)
}
