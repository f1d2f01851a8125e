// Package scheduler drives chunk prefetching for the resource being played.
//
// The scheduler owns the playback position, computes the prefetch window on
// every position update, diffs it against the cache and in-flight work, and
// pumps a priority queue of fetch tasks under a concurrency cap.
package scheduler

import (
	"container/heap"
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/objectfs/mediacache/internal/planner"
	"github.com/objectfs/mediacache/pkg/errors"
	"github.com/objectfs/mediacache/pkg/retry"
	"github.com/objectfs/mediacache/pkg/types"
	"github.com/objectfs/mediacache/pkg/utils"
)

// State is the scheduler's coarse activity state
type State int

const (
	StateIdle State = iota
	StateDiffing
	StateQueueing
	StateFetching
	StateSwitchingResource
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiffing:
		return "diffing"
	case StateQueueing:
		return "queueing"
	case StateFetching:
		return "fetching"
	case StateSwitchingResource:
		return "switching_resource"
	default:
		return "unknown"
	}
}

// Analyzer provides resource geometry. *planner.Planner implements it.
type Analyzer interface {
	Analyze(ctx context.Context, resourceID string, knownDuration float64) (*planner.Descriptor, error)
}

// Config configures the scheduler
type Config struct {
	// MaxConcurrent caps simultaneously dispatched fetches
	MaxConcurrent int
	// ForwardRadius is the number of chunks wanted ahead of the current one
	ForwardRadius int
	// FetchTimeout bounds one fetch attempt; 0 disables the bound
	FetchTimeout time.Duration
	// BandwidthLimit caps fetch throughput in bytes per second; 0 disables it
	BandwidthLimit int64
	// PurgeGrace is how long an abandoned resource keeps its chunks
	PurgeGrace time.Duration
	// PurgeThreshold is the chunk count above which an abandoned resource is purged
	PurgeThreshold int
	// Retry applies to failed fetches; MaxAttempts 1 disables retrying
	Retry retry.Config
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  3,
		ForwardRadius:  3,
		FetchTimeout:   30 * time.Second,
		PurgeGrace:     10 * time.Second,
		PurgeThreshold: 8,
		Retry:          retry.DefaultConfig(),
	}
}

// FetchResult describes one completed fetch task
type FetchResult struct {
	Key      types.ChunkKey
	Priority types.Priority
	Bytes    int
	Latency  time.Duration
	Attempts int
	Cached   bool
	Err      error
}

// FetchObserver is called after every completed fetch, outside scheduler locks
type FetchObserver func(FetchResult)

// Option configures optional scheduler behavior
type Option func(*Scheduler)

// WithFetchObserver registers fn to receive fetch results
func WithFetchObserver(fn FetchObserver) Option {
	return func(s *Scheduler) {
		s.observers = append(s.observers, fn)
	}
}

// WithClock overrides the time source used for enqueue timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler prefetches chunks of the current resource
type Scheduler struct {
	analyzer  Analyzer
	cache     types.Cache
	transport types.Transport
	config    Config
	logger    *slog.Logger
	tracer    trace.Tracer
	retryer   *retry.Retryer
	limiter   *rate.Limiter
	observers []FetchObserver
	now       func() time.Time

	mu       sync.Mutex
	state    State
	started  bool
	closed   bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	desc     *planner.Descriptor
	position float64
	// switching is the target of a resource switch whose analysis is running
	switching string
	queue    taskQueue
	queued   map[types.ChunkKey]*task
	inflight map[types.ChunkKey]struct{}
	seq      uint64
	purges   map[string]*time.Timer
	stats    types.SchedulerStats

	wg sync.WaitGroup
}

// New creates a scheduler. Fetches are dispatched once Start is called.
func New(analyzer Analyzer, cache types.Cache, transport types.Transport, config Config, logger *slog.Logger, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.ForwardRadius < 0 {
		config.ForwardRadius = 0
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = 1
	}

	s := &Scheduler{
		analyzer:  analyzer,
		cache:     cache,
		transport: transport,
		config:    config,
		logger:    utils.OrNop(logger).With("component", "scheduler"),
		tracer:    otel.Tracer("github.com/objectfs/mediacache/internal/scheduler"),
		retryer:   retry.New(config.Retry),
		now:       time.Now,
		queued:    make(map[types.ChunkKey]*task),
		inflight:  make(map[types.ChunkKey]struct{}),
		purges:    make(map[string]*time.Timer),
	}
	if config.BandwidthLimit > 0 {
		burst := config.BandwidthLimit
		if burst < planner.MaxChunkSize {
			burst = planner.MaxChunkSize
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.BandwidthLimit), int(burst))
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stats.MaxConcurrent = config.MaxConcurrent
	return s
}

// Start enables dispatching. Fetches run under ctx and are cancelled by Close.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.closed {
		return
	}
	s.started = true
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("scheduler started",
		"max_concurrent", s.config.MaxConcurrent, "forward_radius", s.config.ForwardRadius)
	s.pump()
}

// Close drops queued work, cancels in-flight fetches and waits for them.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := len(s.queue)
	s.queue = nil
	s.queued = make(map[types.ChunkKey]*task)
	for id, timer := range s.purges {
		timer.Stop()
		delete(s.purges, id)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.state = StateIdle
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler closed", "dropped_tasks", dropped)
	return nil
}

// Initialize makes resourceID current and queues its opening window: the
// first chunk at high priority and the rest at medium.
// Calling it for a different resource than the current one switches resources.
func (s *Scheduler) Initialize(ctx context.Context, resourceID string, duration float64) error {
	s.mu.Lock()
	closed := s.closed
	current := ""
	if s.desc != nil {
		current = s.desc.ResourceID
	}
	s.mu.Unlock()

	if closed {
		return errClosed("Initialize")
	}
	if current != "" && current != resourceID {
		return s.SwitchResource(ctx, resourceID, duration)
	}
	return s.open(ctx, resourceID, duration)
}

func (s *Scheduler) open(ctx context.Context, resourceID string, duration float64) error {
	desc, err := s.analyzer.Analyze(ctx, resourceID, duration)
	if err != nil {
		s.mu.Lock()
		if s.switching == resourceID {
			s.switching = ""
		}
		if s.state == StateSwitchingResource {
			s.settle()
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.switching == resourceID {
		s.switching = ""
	}
	if s.closed {
		return errClosed("Initialize")
	}
	if n := s.dropQueued(func(t *task) bool { return t.key.ResourceID != resourceID }); n > 0 {
		s.logger.Debug("stale tasks dropped on open", "resource", resourceID, "cancelled_tasks", n)
	}
	if timer, ok := s.purges[resourceID]; ok {
		timer.Stop()
		delete(s.purges, resourceID)
	}

	s.desc = desc
	s.position = 0
	s.stats.ResourceID = resourceID
	s.state = StateDiffing

	current := desc.ChunkIndexForTime(0)
	added := 0
	for _, idx := range desc.PrefetchWindow(0, s.config.ForwardRadius) {
		p := types.PriorityMedium
		if idx == current {
			p = types.PriorityHigh
		}
		if s.enqueue(desc, idx, p) {
			added++
		}
	}

	s.logger.Debug("resource initialized", "resource", resourceID, "queued", added)
	s.pump()
	return nil
}

// OnProgress moves the playback position to t seconds and queues every chunk
// of the new window that is neither cached, queued nor in flight. The current
// and next chunk are high priority, further chunks medium, the rewind chunk low.
func (s *Scheduler) OnProgress(t float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed("OnProgress")
	}
	if s.desc == nil {
		return errors.New(errors.ErrCodeNotInitialized, "no resource initialized").
			WithComponent("scheduler").
			WithOperation("OnProgress")
	}

	// the descriptor still belongs to the resource being switched away from
	if s.switching != "" {
		return nil
	}

	desc := s.desc
	s.position = t
	s.state = StateDiffing

	current := desc.ChunkIndexForTime(t)
	added := 0
	for _, idx := range desc.PrefetchWindow(t, s.config.ForwardRadius) {
		if s.enqueue(desc, idx, progressPriority(idx, current)) {
			added++
		}
	}

	if added > 0 {
		s.logger.Debug("window diffed", "resource", desc.ResourceID, "chunk", current, "queued", added)
	}
	s.pump()
	return nil
}

func progressPriority(idx, current int) types.Priority {
	switch {
	case idx == current, idx == current+1:
		return types.PriorityHigh
	case idx > current:
		return types.PriorityMedium
	default:
		return types.PriorityLow
	}
}

// SwitchResource drops queued tasks of the current resource and initializes
// resourceID. In-flight fetches finish and still land in the cache. The old
// resource's chunks are purged after the grace period if it has not become
// current again and it holds more than the threshold of chunks.
func (s *Scheduler) SwitchResource(ctx context.Context, resourceID string, duration float64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed("SwitchResource")
	}

	s.state = StateSwitchingResource
	old := ""
	if s.desc != nil {
		old = s.desc.ResourceID
	}

	if old != "" && old != resourceID {
		dropped := s.dropQueued(func(t *task) bool { return t.key.ResourceID == old })
		s.schedulePurge(old)
		s.logger.Info("switching resource", "from", old, "to", resourceID, "cancelled_tasks", dropped)
	}
	s.switching = resourceID
	s.mu.Unlock()

	return s.open(ctx, resourceID, duration)
}

// dropQueued removes matching queued tasks and counts them as cancelled. Caller holds s.mu.
func (s *Scheduler) dropQueued(fn func(*task) bool) int {
	dropped := s.queue.removeWhere(fn)
	for _, t := range dropped {
		delete(s.queued, t.key)
	}
	s.stats.CancelledTasks += uint64(len(dropped))
	s.stats.QueueDepth = len(s.queue)
	return len(dropped)
}

// schedulePurge arms the delayed purge of an abandoned resource. Caller holds s.mu.
func (s *Scheduler) schedulePurge(resourceID string) {
	if s.config.PurgeGrace <= 0 {
		return
	}
	if timer, ok := s.purges[resourceID]; ok {
		timer.Stop()
	}

	s.purges[resourceID] = time.AfterFunc(s.config.PurgeGrace, func() {
		s.mu.Lock()
		delete(s.purges, resourceID)
		current := s.desc != nil && s.desc.ResourceID == resourceID
		closed := s.closed
		s.mu.Unlock()

		if current || closed {
			return
		}
		if n := s.cache.CountResource(resourceID); n > s.config.PurgeThreshold {
			removed := s.cache.RemoveResource(resourceID)
			s.logger.Info("abandoned resource purged", "resource", resourceID, "chunks", removed)
		}
	})
}

// enqueue queues chunk idx unless it is cached or in flight. A queued chunk
// is upgraded when p is higher. Caller holds s.mu.
func (s *Scheduler) enqueue(desc *planner.Descriptor, idx int, p types.Priority) bool {
	key := types.ChunkKey{ResourceID: desc.ResourceID, Index: idx}

	if t, ok := s.queued[key]; ok {
		s.queue.upgrade(t, p)
		return false
	}
	if _, ok := s.inflight[key]; ok {
		return false
	}
	if s.cache.Has(key) {
		return false
	}

	s.seq++
	t := &task{
		key:        key,
		rng:        desc.ByteRange(idx),
		priority:   p,
		enqueuedAt: s.now(),
		seq:        s.seq,
	}
	heap.Push(&s.queue, t)
	s.queued[key] = t
	s.state = StateQueueing
	return true
}

// pump dispatches tasks while below the concurrency cap. Caller holds s.mu.
func (s *Scheduler) pump() {
	if s.started && !s.closed {
		for len(s.inflight) < s.config.MaxConcurrent && s.queue.Len() > 0 {
			t := heap.Pop(&s.queue).(*task)
			delete(s.queued, t.key)

			// filled meanwhile, e.g. by an on-demand read
			if s.cache.Has(t.key) {
				continue
			}

			s.inflight[t.key] = struct{}{}
			if n := len(s.inflight); n > s.stats.PeakActiveTasks {
				s.stats.PeakActiveTasks = n
			}
			s.wg.Add(1)
			go s.fetch(s.baseCtx, t)
		}
	}
	s.settle()
}

// settle derives the resting state from queue and in-flight counts. Caller holds s.mu.
func (s *Scheduler) settle() {
	s.stats.QueueDepth = s.queue.Len()
	s.stats.ActiveTasks = len(s.inflight)

	switch {
	case len(s.inflight) > 0:
		s.state = StateFetching
	case s.queue.Len() > 0:
		s.state = StateQueueing
	default:
		s.state = StateIdle
	}
}

func (s *Scheduler) fetch(ctx context.Context, t *task) {
	defer s.wg.Done()

	ctx, span := s.tracer.Start(ctx, "scheduler.fetch", trace.WithAttributes(
		attribute.String("resource.id", t.key.ResourceID),
		attribute.Int("chunk.index", t.key.Index),
		attribute.String("chunk.priority", t.priority.String()),
		attribute.Int64("range.start", t.rng.Start),
		attribute.Int64("range.end", t.rng.End),
	))
	defer span.End()

	start := time.Now()
	var data []byte
	attempts, err := s.retryer.Do(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.fetchOnce(ctx, t)
		return err
	})
	latency := time.Since(start)

	cached := false
	if err == nil {
		cached = s.cache.Put(t.key, data)
		if !cached {
			s.logger.Warn("fetched chunk rejected by cache",
				"chunk", t.key.String(), "size", utils.FormatSize(int64(len(data))))
		}
		span.SetAttributes(attribute.Int("bytes", len(data)), attribute.Bool("cached", cached))
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Debug("chunk fetch failed", "chunk", t.key.String(), "attempts", attempts, "error", err)
	}

	s.complete(t, len(data), latency, err)

	result := FetchResult{
		Key:      t.key,
		Priority: t.priority,
		Bytes:    len(data),
		Latency:  latency,
		Attempts: attempts,
		Cached:   cached,
		Err:      err,
	}
	for _, obs := range s.observers {
		obs(result)
	}
}

// fetchOnce performs one bounded, rate-limited fetch attempt
func (s *Scheduler) fetchOnce(ctx context.Context, t *task) ([]byte, error) {
	if s.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.FetchTimeout)
		defer cancel()
	}

	if s.limiter != nil {
		n := int(t.rng.Len())
		if n > s.limiter.Burst() {
			n = s.limiter.Burst()
		}
		if err := s.limiter.WaitN(ctx, n); err != nil {
			return nil, s.attemptError(ctx, err, t)
		}
	}

	data, err := s.transport.FetchRange(ctx, t.key.ResourceID, t.rng.Start, t.rng.End)
	if err != nil {
		return nil, s.attemptError(ctx, err, t)
	}
	return data, nil
}

// attemptError marks an attempt that ran into its own deadline as FETCH_TIMEOUT
func (s *Scheduler) attemptError(ctx context.Context, err error, t *task) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.HasCode(err, errors.ErrCodeFetchTimeout) {
		return errors.Wrap(errors.ErrCodeFetchTimeout, "fetch timed out", err).
			WithComponent("scheduler").
			WithOperation("fetch").
			WithDetail("chunk", t.key.String())
	}
	return err
}

// complete records a finished task and refills free slots
func (s *Scheduler) complete(t *task, bytes int, latency time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inflight, t.key)

	s.stats.TotalFetches++
	if err == nil {
		s.stats.SuccessFetches++
		s.stats.BytesFetched += int64(bytes)
	} else {
		s.stats.FailedFetches++
	}
	n := time.Duration(s.stats.TotalFetches)
	s.stats.AverageLatency += (latency - s.stats.AverageLatency) / n

	s.pump()
}

// State returns the current scheduler state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the descriptor of the current resource and the last reported position
func (s *Scheduler) Current() (*planner.Descriptor, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc, s.position
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() types.SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.State = s.state.String()
	stats.QueueDepth = s.queue.Len()
	stats.ActiveTasks = len(s.inflight)
	return stats
}

// PendingTask describes a queued, undispatched task
type PendingTask struct {
	Key        types.ChunkKey `json:"key"`
	Priority   types.Priority `json:"priority"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Pending returns queued tasks in the order they would be dispatched
func (s *Scheduler) Pending() []PendingTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := s.queue.ordered()
	out := make([]PendingTask, len(ordered))
	for i, t := range ordered {
		out[i] = PendingTask{Key: t.key, Priority: t.priority, EnqueuedAt: t.enqueuedAt}
	}
	return out
}

func errClosed(op string) error {
	return errors.New(errors.ErrCodeClosed, "scheduler is closed").
		WithComponent("scheduler").
		WithOperation(op)
}
