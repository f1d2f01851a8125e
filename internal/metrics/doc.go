/*
Package metrics exports mediacache activity to Prometheus.

# Overview

	┌─────────────┐   RecordFetch / RecordPressure / SetNetworkClass
	│  Collector  │ ◄──────────────────────────────────────────────── session
	└──────┬──────┘
	       │ read on every scrape
	   ┌───┴──────────────┬───────────────────┐
	   ▼                  ▼                   ▼
	CacheSource     SchedulerSource     BreakerSource

Event metrics are recorded as they happen. Statistics owned by other
components are read by a const-metric collector each time the registry is
scraped, so there is no refresh loop.

# Series

	<ns>_fetches_total{priority,status}         status: success, timeout, circuit_open, not_found, range_invalid, error
	<ns>_fetch_duration_seconds{priority}       histogram, 5ms to ~40s
	<ns>_fetched_bytes_total
	<ns>_pressure_cleanups_total{level}
	<ns>_pressure_freed_bytes_total
	<ns>_cache_size_bytes, _cache_capacity_bytes, _cache_entries
	<ns>_cache_{hits,misses,evictions,rejections}_total
	<ns>_scheduler_{queue_depth,active_tasks,peak_active_tasks,average_latency_seconds}
	<ns>_scheduler_cancelled_tasks_total
	<ns>_circuit_breaker_state{origin}          0 closed, 1 open, 2 half-open
	<ns>_circuit_breaker_trips_total{origin}
	<ns>_network_class{class}                   1 for the current class

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Namespace: "mediacache",
	})
	if err != nil {
		return err
	}
	collector.Watch(cache, scheduler, breakers)

	router.Handle("/metrics", collector.Handler())

A disabled collector accepts every call and records nothing. Its Handler
answers 404.
*/
package metrics
