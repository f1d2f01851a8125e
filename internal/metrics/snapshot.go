package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type snapshotValue struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
}

// snapshotCollector reads the watched components at scrape time, so the
// exported values are never older than the scrape.
type snapshotCollector struct {
	owner *Collector

	cacheSize, cacheCapacity, cacheEntries                           snapshotValue
	cacheHits, cacheMisses, cacheEvictions, cacheRejections          snapshotValue
	queueDepth, activeTasks, peakActiveTasks, cancelledTasks, avgLat snapshotValue
	breakerState, breakerTrips                                       snapshotValue
}

func newSnapshotCollector(owner *Collector) *snapshotCollector {
	desc := func(name, help string, vt prometheus.ValueType, labels ...string) snapshotValue {
		o := owner.opts(name, help)
		fq := prometheus.BuildFQName(o.Namespace, o.Subsystem, o.Name)
		return snapshotValue{
			desc:      prometheus.NewDesc(fq, o.Help, labels, prometheus.Labels(o.ConstLabels)),
			valueType: vt,
		}
	}

	return &snapshotCollector{
		owner: owner,

		cacheSize:       desc("cache_size_bytes", "Bytes held by the chunk cache", prometheus.GaugeValue),
		cacheCapacity:   desc("cache_capacity_bytes", "Chunk cache byte budget", prometheus.GaugeValue),
		cacheEntries:    desc("cache_entries", "Chunks held by the cache", prometheus.GaugeValue),
		cacheHits:       desc("cache_hits_total", "Cache lookups that found the chunk", prometheus.CounterValue),
		cacheMisses:     desc("cache_misses_total", "Cache lookups that missed", prometheus.CounterValue),
		cacheEvictions:  desc("cache_evictions_total", "Chunks evicted from the cache", prometheus.CounterValue),
		cacheRejections: desc("cache_rejections_total", "Chunks larger than the cache budget", prometheus.CounterValue),

		queueDepth:      desc("scheduler_queue_depth", "Prefetch tasks waiting for a slot", prometheus.GaugeValue),
		activeTasks:     desc("scheduler_active_tasks", "Fetches in flight", prometheus.GaugeValue),
		peakActiveTasks: desc("scheduler_peak_active_tasks", "Highest number of concurrent fetches", prometheus.GaugeValue),
		cancelledTasks:  desc("scheduler_cancelled_tasks_total", "Prefetch tasks dropped before completing", prometheus.CounterValue),
		avgLat:          desc("scheduler_average_latency_seconds", "Mean successful fetch latency", prometheus.GaugeValue),

		breakerState: desc("circuit_breaker_state", "Circuit breaker state per origin (0 closed, 1 open, 2 half-open)", prometheus.GaugeValue, "origin"),
		breakerTrips: desc("circuit_breaker_trips_total", "Times the origin breaker opened", prometheus.CounterValue, "origin"),
	}
}

func (s *snapshotCollector) values() []snapshotValue {
	return []snapshotValue{
		s.cacheSize, s.cacheCapacity, s.cacheEntries,
		s.cacheHits, s.cacheMisses, s.cacheEvictions, s.cacheRejections,
		s.queueDepth, s.activeTasks, s.peakActiveTasks, s.cancelledTasks, s.avgLat,
		s.breakerState, s.breakerTrips,
	}
}

// Describe implements prometheus.Collector
func (s *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, v := range s.values() {
		ch <- v.desc
	}
}

// Collect implements prometheus.Collector
func (s *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	emit := func(v snapshotValue, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(v.desc, v.valueType, value, labels...)
	}

	cache, scheduler, breakers := s.owner.sources()

	if cache != nil {
		stats := cache.Stats()
		emit(s.cacheSize, float64(stats.Size))
		emit(s.cacheCapacity, float64(stats.Capacity))
		emit(s.cacheEntries, float64(stats.Entries))
		emit(s.cacheHits, float64(stats.Hits))
		emit(s.cacheMisses, float64(stats.Misses))
		emit(s.cacheEvictions, float64(stats.Evictions))
		emit(s.cacheRejections, float64(stats.Rejections))
	}

	if scheduler != nil {
		stats := scheduler.Stats()
		emit(s.queueDepth, float64(stats.QueueDepth))
		emit(s.activeTasks, float64(stats.ActiveTasks))
		emit(s.peakActiveTasks, float64(stats.PeakActiveTasks))
		emit(s.cancelledTasks, float64(stats.CancelledTasks))
		emit(s.avgLat, stats.AverageLatency.Seconds())
	}

	if breakers != nil {
		for _, stat := range breakers.GetStats() {
			emit(s.breakerState, float64(stat.State), stat.Name)
			emit(s.breakerTrips, float64(stat.Trips), stat.Name)
		}
	}
}
