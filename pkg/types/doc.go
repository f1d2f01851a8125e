/*
Package types provides the shared interfaces and data structures of mediacache.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│        Playback surface / CLI / API         │
	│        (internal/session, pkg/api)          │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│            Prefetch Scheduler               │
	│          (internal/scheduler)               │
	└─────────────────────────────────────────────┘
	          │                 │             │
	┌─────────┴───┐      ┌──────┴─────┐ ┌─────┴──────┐
	│   Planner   │      │   Cache    │ │ Transport  │
	└─────────────┘      └────────────┘ └────────────┘

# Core Interfaces

Transport:
Performs the three network primitives the engine needs: a length-only probe,
a small ranged probe whose Content-Range discloses the total size, and a
ranged fetch returning exactly the requested span.

Cache:
A byte-budgeted chunk store keyed by ChunkKey with LRU eviction and
pressure-driven shrinking.

# Data Types

ChunkKey identifies one chunk as (resource, index). ByteRange is an
inclusive span and renders itself as an HTTP Range header. Priority orders
prefetch tasks (high > medium > low). CacheStats and SchedulerStats are the
snapshots exported through the status API and Prometheus.
*/
package types
