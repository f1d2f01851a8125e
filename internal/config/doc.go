/*
Package config provides configuration management for mediacache.

Configuration is assembled from three sources, later sources overriding
earlier ones:

	defaults (NewDefault)  →  YAML file (LoadFromFile)  →  MEDIACACHE_* environment

# Sections

	global:     log level, format and destination
	cache:      byte budget of the chunk cache ("48MiB")
	planner:    probe size, assumed bitrate for size estimation, descriptor age
	scheduler:  concurrency cap, look-ahead radius, fetch timeout, retry, bandwidth
	network:    initial network class, optional class file, circuit breaker
	memory:     heap pressure monitor
	transport:  http or s3, plus S3 bucket/region/endpoint
	api:        optional HTTP status surface

Sizes are human strings parsed with go-humanize, so "300KiB", "48MiB" and a
bare byte count are all accepted.

# Example

	cache:
	  budget: 64MiB
	scheduler:
	  max_concurrent: 3
	  forward_radius: 3
	  fetch_timeout: 30s
	network:
	  class: 4g
	transport:
	  kind: s3
	  s3:
	    bucket: episodes
	    region: eu-west-1

Validate must be called after loading; it rejects budgets that do not parse,
non-positive concurrency and unknown transport kinds.
*/
package config
