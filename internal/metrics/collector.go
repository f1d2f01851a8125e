package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/mediacache/internal/circuit"
	"github.com/objectfs/mediacache/pkg/errors"
	"github.com/objectfs/mediacache/pkg/types"
)

// CacheSource supplies cache statistics
type CacheSource interface {
	Stats() types.CacheStats
}

// SchedulerSource supplies scheduler statistics
type SchedulerSource interface {
	Stats() types.SchedulerStats
}

// BreakerSource supplies per-origin circuit breaker statistics
type BreakerSource interface {
	GetStats() []circuit.CircuitBreakerStats
}

// Config selects the registry namespace and constant labels.
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Labels    map[string]string `yaml:"labels"`
}

// FetchSummary aggregates completed fetches of one priority.
type FetchSummary struct {
	Count    int64         `json:"count"`
	Errors   int64         `json:"errors"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Last     time.Time     `json:"last"`
}

// AvgDuration is the mean fetch latency.
func (s FetchSummary) AvgDuration() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Duration / time.Duration(s.Count)
}

// AvgBytes is the mean fetched size, counting failed fetches as zero.
func (s FetchSummary) AvgBytes() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Bytes) / float64(s.Count)
}

// Collector exports fetch events as they happen and reads cache, scheduler
// and breaker statistics when the registry is scraped.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchedBytes  prometheus.Counter
	cleanups      *prometheus.CounterVec
	freedBytes    prometheus.Counter
	networkClass  *prometheus.GaugeVec

	mu        sync.RWMutex
	cache     CacheSource
	scheduler SchedulerSource
	breakers  BreakerSource
	summaries map[types.Priority]*FetchSummary
	since     time.Time
}

// NewCollector creates a collector. A nil config enables it under the
// "mediacache" namespace.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{Enabled: true, Namespace: "mediacache"}
	}

	c := &Collector{
		config:    *config,
		summaries: make(map[types.Priority]*FetchSummary),
		since:     time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	if err := c.register(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, "failed to register metrics", err).
			WithComponent("metrics")
	}
	return c, nil
}

func (c *Collector) opts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}
}

func (c *Collector) register() error {
	c.fetches = prometheus.NewCounterVec(
		prometheus.CounterOpts(c.opts("fetches_total", "Chunk fetches by priority and outcome")),
		[]string{"priority", "status"},
	)

	duration := c.opts("fetch_duration_seconds", "Chunk fetch latency")
	c.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   duration.Namespace,
		Subsystem:   duration.Subsystem,
		Name:        duration.Name,
		Help:        duration.Help,
		ConstLabels: duration.ConstLabels,
		Buckets:     prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"priority"})

	c.fetchedBytes = prometheus.NewCounter(
		prometheus.CounterOpts(c.opts("fetched_bytes_total", "Bytes fetched from origins")))
	c.cleanups = prometheus.NewCounterVec(
		prometheus.CounterOpts(c.opts("pressure_cleanups_total", "Memory pressure cleanups by level")),
		[]string{"level"},
	)
	c.freedBytes = prometheus.NewCounter(
		prometheus.CounterOpts(c.opts("pressure_freed_bytes_total", "Bytes released by pressure cleanups")))
	c.networkClass = prometheus.NewGaugeVec(
		prometheus.GaugeOpts(c.opts("network_class", "1 for the current network class")),
		[]string{"class"},
	)

	for _, collector := range []prometheus.Collector{
		c.fetches, c.fetchDuration, c.fetchedBytes,
		c.cleanups, c.freedBytes, c.networkClass,
		newSnapshotCollector(c),
	} {
		if err := c.registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Watch sets the components read on every scrape. Nil sources are skipped.
func (c *Collector) Watch(cache CacheSource, scheduler SchedulerSource, breakers BreakerSource) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = cache
	c.scheduler = scheduler
	c.breakers = breakers
}

func (c *Collector) sources() (CacheSource, SchedulerSource, BreakerSource) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache, c.scheduler, c.breakers
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the underlying Prometheus registry, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordFetch records one completed chunk fetch
func (c *Collector) RecordFetch(priority types.Priority, size int, duration time.Duration, err error) {
	if c.registry == nil {
		return
	}

	c.mu.Lock()
	summary := c.summaries[priority]
	if summary == nil {
		summary = &FetchSummary{}
		c.summaries[priority] = summary
	}
	summary.Count++
	summary.Bytes += int64(size)
	summary.Duration += duration
	summary.Last = time.Now()
	if err != nil {
		summary.Errors++
	}
	c.mu.Unlock()

	label := priority.String()
	c.fetches.WithLabelValues(label, classifyError(err)).Inc()
	c.fetchDuration.WithLabelValues(label).Observe(duration.Seconds())
	if size > 0 {
		c.fetchedBytes.Add(float64(size))
	}
}

// RecordPressure records a memory pressure cleanup
func (c *Collector) RecordPressure(level int, freed int64) {
	if c.registry == nil {
		return
	}
	c.cleanups.WithLabelValues(strconv.Itoa(max(1, min(level, 5)))).Inc()
	c.freedBytes.Add(float64(freed))
}

// SetNetworkClass marks class as the current network class
func (c *Collector) SetNetworkClass(class string) {
	if c.registry == nil {
		return
	}
	c.networkClass.Reset()
	c.networkClass.WithLabelValues(class).Set(1)
}

// Summaries returns per-priority fetch aggregates since creation or the last
// ResetSummaries.
func (c *Collector) Summaries() map[types.Priority]FetchSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[types.Priority]FetchSummary, len(c.summaries))
	for p, s := range c.summaries {
		out[p] = *s
	}
	return out
}

// Since returns when the current summaries started.
func (c *Collector) Since() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.since
}

// ResetSummaries clears the per-priority aggregates. Prometheus series are untouched.
func (c *Collector) ResetSummaries() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.summaries = make(map[types.Priority]*FetchSummary)
	c.since = time.Now()
}

func classifyError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.HasCode(err, errors.ErrCodeFetchTimeout):
		return "timeout"
	case errors.HasCode(err, errors.ErrCodeCircuitOpen):
		return "circuit_open"
	case errors.HasCode(err, errors.ErrCodeNotFound):
		return "not_found"
	case errors.HasCode(err, errors.ErrCodeRangeInvalid):
		return "range_invalid"
	default:
		return "error"
	}
}
