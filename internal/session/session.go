// Package session owns one playback session: the planner, cache and
// scheduler for a listener, wired to the network-class and memory-pressure
// collaborators.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/mediacache/internal/cache"
	"github.com/objectfs/mediacache/internal/circuit"
	"github.com/objectfs/mediacache/internal/config"
	"github.com/objectfs/mediacache/internal/metrics"
	"github.com/objectfs/mediacache/internal/netclass"
	"github.com/objectfs/mediacache/internal/planner"
	"github.com/objectfs/mediacache/internal/scheduler"
	"github.com/objectfs/mediacache/pkg/errors"
	"github.com/objectfs/mediacache/pkg/memmon"
	"github.com/objectfs/mediacache/pkg/retry"
	"github.com/objectfs/mediacache/pkg/types"
	"github.com/objectfs/mediacache/pkg/utils"
)

// Options holds a session's collaborators. Transport is required; the rest
// are optional.
type Options struct {
	Config    *config.Configuration
	Transport types.Transport
	Breakers  *circuit.Manager
	Network   netclass.Source
	Memory    *memmon.PressureMonitor
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Stats is a point-in-time view of the whole session
type Stats struct {
	ID           string                        `json:"id"`
	StartedAt    time.Time                     `json:"started_at"`
	Resource     *planner.Descriptor           `json:"resource,omitempty"`
	Position     float64                       `json:"position_seconds"`
	NetworkClass netclass.Class                `json:"network_class"`
	Cache        types.CacheStats              `json:"cache"`
	Scheduler    types.SchedulerStats          `json:"scheduler"`
	Breakers     []circuit.CircuitBreakerStats `json:"breakers,omitempty"`
	Memory       *memmon.MemoryStats           `json:"memory,omitempty"`
}

// Session is one listener's prefetching pipeline
type Session struct {
	id        string
	startedAt time.Time
	config    *config.Configuration
	logger    *slog.Logger

	transport types.Transport
	breakers  *circuit.Manager
	network   netclass.Source
	memory    *memmon.PressureMonitor
	metrics   *metrics.Collector

	planner   *planner.Planner
	cache     *cache.LRUCache
	scheduler *scheduler.Scheduler

	reads singleflight.Group

	mu          sync.Mutex
	started     bool
	closed      bool
	cancel      context.CancelFunc
	unsubscribe []func()
	wg          sync.WaitGroup
}

// New builds a session from opts. Nothing runs until Start.
func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "session requires a transport").
			WithComponent("session")
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid configuration", err).
			WithComponent("session")
	}

	budget, err := cfg.CacheBudgetBytes()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid cache budget", err).
			WithComponent("session")
	}
	bandwidth, err := cfg.BandwidthLimitBytes()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid bandwidth limit", err).
			WithComponent("session")
	}

	id := uuid.NewString()
	logger := utils.OrNop(opts.Logger).With("session", id)

	network := opts.Network
	if network == nil {
		network = netclass.NewStaticSource(netclass.Normalize(cfg.Network.Class))
	}

	s := &Session{
		id:        id,
		startedAt: time.Now(),
		config:    cfg,
		logger:    logger,
		transport: opts.Transport,
		breakers:  opts.Breakers,
		network:   network,
		memory:    opts.Memory,
		metrics:   opts.Metrics,
	}

	s.planner = planner.New(opts.Transport, planner.Config{
		ProbeBytes:            cfg.Planner.ProbeBytes,
		AssumedBytesPerSecond: cfg.Planner.AssumedBytesPerSecond,
		EstimateEnabled:       cfg.Planner.EstimateEnabled,
		NetworkClass:          network.Current(),
	}, logger)

	s.cache = cache.NewLRUCache(&cache.CacheConfig{MaxSize: budget}, logger)

	var schedOpts []scheduler.Option
	if s.metrics != nil {
		schedOpts = append(schedOpts, scheduler.WithFetchObserver(func(r scheduler.FetchResult) {
			s.metrics.RecordFetch(r.Priority, r.Bytes, r.Latency, r.Err)
		}))
	}
	s.scheduler = scheduler.New(s.planner, s.cache, opts.Transport, scheduler.Config{
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		ForwardRadius:  cfg.Scheduler.ForwardRadius,
		FetchTimeout:   cfg.Scheduler.FetchTimeout,
		BandwidthLimit: bandwidth,
		PurgeGrace:     cfg.Scheduler.PurgeGrace,
		PurgeThreshold: cfg.Scheduler.PurgeThreshold,
		Retry: retry.Config{
			MaxAttempts:  cfg.Scheduler.Retry.MaxAttempts,
			InitialDelay: cfg.Scheduler.Retry.BaseDelay,
			MaxDelay:     cfg.Scheduler.Retry.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}, logger, schedOpts...)

	return s, nil
}

// Start subscribes to the collaborators and begins prefetching
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed("Start")
	}
	if s.started {
		return nil
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)

	s.unsubscribe = append(s.unsubscribe, s.planner.WatchNetworkClass(s.network))
	if s.metrics != nil {
		s.metrics.SetNetworkClass(string(s.network.Current()))
		s.unsubscribe = append(s.unsubscribe, s.network.OnChange(func(c netclass.Class) {
			s.metrics.SetNetworkClass(string(c))
		}))
		var breakers metrics.BreakerSource
		if s.breakers != nil {
			breakers = s.breakers
		}
		s.metrics.Watch(s.cache, s.scheduler, breakers)
	}
	if s.memory != nil {
		s.unsubscribe = append(s.unsubscribe, s.memory.Subscribe(s.handlePressure))
	}

	s.scheduler.Start(ctx)

	if maxAge := s.config.Planner.DescriptorMaxAge; maxAge > 0 {
		s.wg.Add(1)
		go s.purgeLoop(ctx, maxAge)
	}

	s.logger.Info("session started",
		"network_class", string(s.network.Current()),
		"max_concurrent", s.config.Scheduler.MaxConcurrent)
	return nil
}

// purgeLoop expires old descriptors
func (s *Session) purgeLoop(ctx context.Context, maxAge time.Duration) {
	defer s.wg.Done()

	interval := maxAge / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.planner.PurgeOlderThan(maxAge)
		}
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Open makes resourceID the resource being played, switching away from the
// current one if needed. duration is in seconds; zero means unknown.
func (s *Session) Open(ctx context.Context, resourceID string, duration float64) error {
	if err := s.checkOpen("Open"); err != nil {
		return err
	}
	return s.scheduler.Initialize(ctx, resourceID, duration)
}

// Progress reports the playback position in seconds
func (s *Session) Progress(t float64) error {
	if err := s.checkOpen("Progress"); err != nil {
		return err
	}
	return s.scheduler.OnProgress(t)
}

// Switch moves playback to another resource
func (s *Session) Switch(ctx context.Context, resourceID string, duration float64) error {
	if err := s.checkOpen("Switch"); err != nil {
		return err
	}
	return s.scheduler.SwitchResource(ctx, resourceID, duration)
}

// ChunkReady reports whether the chunk covering position t of the current
// resource is cached
func (s *Session) ChunkReady(t float64) bool {
	desc, _ := s.scheduler.Current()
	if desc == nil {
		return false
	}
	return s.cache.Has(types.ChunkKey{ResourceID: desc.ResourceID, Index: desc.ChunkIndexForTime(t)})
}

// ReadChunk returns chunk index of the current resource, fetching it on
// demand when it is not cached. Out-of-range indices are clamped.
func (s *Session) ReadChunk(ctx context.Context, index int) ([]byte, error) {
	if err := s.checkOpen("ReadChunk"); err != nil {
		return nil, err
	}

	desc, _ := s.scheduler.Current()
	if desc == nil {
		return nil, errors.New(errors.ErrCodeNotInitialized, "no resource open").
			WithComponent("session").
			WithOperation("ReadChunk")
	}

	rng := desc.ByteRange(index)
	key := types.ChunkKey{ResourceID: desc.ResourceID, Index: int(rng.Start / desc.ChunkSize)}
	if data, ok := s.cache.Get(key); ok {
		return data, nil
	}

	// the fetch is shared by every caller waiting on key, so it must not end
	// when the first of them gives up
	ch := s.reads.DoChan(key.String(), func() (interface{}, error) {
		if data, ok := s.cache.Get(key); ok {
			return data, nil
		}

		fetchCtx := context.WithoutCancel(ctx)
		if timeout := s.config.Scheduler.FetchTimeout; timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, timeout)
			defer cancel()
		}

		start := time.Now()
		data, err := s.transport.FetchRange(fetchCtx, key.ResourceID, rng.Start, rng.End)
		if s.metrics != nil {
			s.metrics.RecordFetch(types.PriorityHigh, len(data), time.Since(start), err)
		}
		if err != nil {
			return nil, err
		}

		if !s.cache.Put(key, data) {
			s.logger.Warn("on-demand chunk not cached",
				"chunk", key.String(), "size", utils.FormatSize(int64(len(data))))
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Descriptors lists every analyzed resource
func (s *Session) Descriptors() []planner.Descriptor {
	return s.planner.Descriptors()
}

// Pending lists queued prefetch tasks in dispatch order
func (s *Session) Pending() []scheduler.PendingTask {
	return s.scheduler.Pending()
}

// Signal delivers a memory pressure level. With a monitor attached the level
// reaches every monitor subscriber; otherwise the cache is cleaned directly.
func (s *Session) Signal(level int) {
	if s.memory != nil {
		s.memory.Signal(level)
		return
	}
	s.handlePressure(level)
}

func (s *Session) handlePressure(level int) {
	freed := s.cache.PressureCleanup(level)
	if s.metrics != nil {
		s.metrics.RecordPressure(level, freed)
	}
}

// SetNetworkClass reports a new network class label such as "wifi" or "3g".
// It fails when the session follows a source it cannot set.
func (s *Session) SetNetworkClass(label string) (netclass.Class, error) {
	class := netclass.Normalize(label)

	setter, ok := s.network.(interface{ Set(netclass.Class) })
	if !ok {
		return class, errors.New(errors.ErrCodeInvalidConfig, "network class source is read-only").
			WithComponent("session").
			WithOperation("SetNetworkClass")
	}
	setter.Set(class)
	return class, nil
}

// Stats returns a snapshot of the session
func (s *Session) Stats() Stats {
	desc, pos := s.scheduler.Current()

	stats := Stats{
		ID:           s.id,
		StartedAt:    s.startedAt,
		Resource:     desc,
		Position:     pos,
		NetworkClass: s.planner.NetworkClass(),
		Cache:        s.cache.Stats(),
		Scheduler:    s.scheduler.Stats(),
	}
	if s.breakers != nil {
		stats.Breakers = s.breakers.GetStats()
	}
	if s.memory != nil {
		mem := s.memory.GetStats()
		stats.Memory = &mem
	}
	return stats
}

// Healthy reports an error when an origin's breaker is open
func (s *Session) Healthy() error {
	if err := s.checkOpen("Healthy"); err != nil {
		return err
	}
	if s.breakers != nil {
		return s.breakers.HealthCheck()
	}
	return nil
}

// Close stops prefetching and releases subscriptions
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	cancel := s.cancel
	s.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	err := s.scheduler.Close()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	stats := s.cache.Stats()
	s.logger.Info("session closed",
		"hit_rate", stats.HitRate,
		"cached", utils.FormatSize(stats.Size),
		"evictions", stats.Evictions)
	return err
}

func (s *Session) checkOpen(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed(op)
	}
	return nil
}

func errClosed(op string) error {
	return errors.New(errors.ErrCodeClosed, "session is closed").
		WithComponent("session").
		WithOperation(op)
}
