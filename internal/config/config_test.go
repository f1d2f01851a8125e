package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const podcastBudget = "96MiB"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mediacache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, "INFO", cfg.Global.LogLevel)
	assert.Equal(t, 3, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 1, cfg.Scheduler.Retry.MaxAttempts, "fetches are not retried by default")
	assert.Equal(t, 30*time.Second, cfg.Scheduler.FetchTimeout)

	budget, err := cfg.CacheBudgetBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(48<<20), budget)

	// half an hour of audio estimates to roughly 30 MiB
	halfHour := cfg.Planner.AssumedBytesPerSecond * 1800
	assert.InDelta(t, 30<<20, halfHour, 1800)

	assert.NoError(t, cfg.Validate())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Configuration)
		want   string
	}{
		"unparseable budget": {func(c *Configuration) { c.Cache.Budget = "plenty" }, "invalid cache budget"},
		"zero budget":        {func(c *Configuration) { c.Cache.Budget = "0" }, "cache budget must be greater than 0"},
		"no fetch slots":     {func(c *Configuration) { c.Scheduler.MaxConcurrent = 0 }, "max_concurrent must be greater than 0"},
		"negative radius":    {func(c *Configuration) { c.Scheduler.ForwardRadius = -1 }, "forward_radius cannot be negative"},
		"zero attempts":      {func(c *Configuration) { c.Scheduler.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		"bad bandwidth":      {func(c *Configuration) { c.Scheduler.BandwidthLimit = "fast" }, "invalid bandwidth_limit"},
		"ftp transport":      {func(c *Configuration) { c.Transport.Kind = "ftp" }, "invalid transport kind"},
		"s3 without region": {func(c *Configuration) {
			c.Transport.Kind = "s3"
			c.Transport.S3.Region = ""
		}, "requires a region"},
		"verbose log level": {func(c *Configuration) { c.Global.LogLevel = "VERBOSE" }, "invalid log_level"},
		"monitor without interval": {func(c *Configuration) {
			c.Memory.Enabled = true
			c.Memory.SampleInterval = 0
		}, "sample_interval"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := NewDefault()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
global:
  log_level: DEBUG
cache:
  budget: 96MiB
scheduler:
  max_concurrent: 5
  forward_radius: 4
  fetch_timeout: 5s
  retry:
    max_attempts: 2
network:
  class: 3g
transport:
  kind: s3
  s3:
    bucket: podcasts
`)

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
	assert.Equal(t, podcastBudget, cfg.Cache.Budget)
	assert.Equal(t, 5, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 4, cfg.Scheduler.ForwardRadius)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.FetchTimeout)
	assert.Equal(t, 2, cfg.Scheduler.Retry.MaxAttempts)
	assert.Equal(t, "3g", cfg.Network.Class)
	assert.Equal(t, "s3", cfg.Transport.Kind)
	assert.Equal(t, "podcasts", cfg.Transport.S3.Bucket)
	assert.Equal(t, "us-east-1", cfg.Transport.S3.Region, "unset keys keep their defaults")

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFileMissing(t *testing.T) {
	err := NewDefault().LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MEDIACACHE_LOG_LEVEL", "ERROR")
	t.Setenv("MEDIACACHE_CACHE_BUDGET", podcastBudget)
	t.Setenv("MEDIACACHE_MAX_CONCURRENT", "6")
	t.Setenv("MEDIACACHE_FETCH_TIMEOUT", "2s")
	t.Setenv("MEDIACACHE_NETWORK_CLASS", "wifi")
	t.Setenv("MEDIACACHE_TRANSPORT", "S3")
	t.Setenv("MEDIACACHE_API_ENABLED", "true")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "ERROR", cfg.Global.LogLevel)
	assert.Equal(t, podcastBudget, cfg.Cache.Budget)
	assert.Equal(t, 6, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.FetchTimeout)
	assert.Equal(t, "wifi", cfg.Network.Class)
	assert.Equal(t, "s3", cfg.Transport.Kind, "transport kind is lower-cased")
	assert.True(t, cfg.API.Enabled)
}

func TestLoadFromEnvRejectsBadNumbers(t *testing.T) {
	for _, key := range []string{"MEDIACACHE_MAX_CONCURRENT", "MEDIACACHE_FORWARD_RADIUS", "MEDIACACHE_RETRY_ATTEMPTS"} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, "three")
			err := NewDefault().LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mediacache.yaml")

	cfg := NewDefault()
	cfg.Global.LogLevel = "DEBUG"
	cfg.Cache.Budget = podcastBudget
	cfg.Scheduler.BandwidthLimit = "1MiB"
	require.NoError(t, cfg.SaveToFile(path))

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, "DEBUG", loaded.Global.LogLevel)
	assert.Equal(t, podcastBudget, loaded.Cache.Budget)

	limit, err := loaded.BandwidthLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), limit)
}

func TestBandwidthLimitBytes(t *testing.T) {
	cfg := NewDefault()

	n, err := cfg.BandwidthLimitBytes()
	require.NoError(t, err)
	assert.Zero(t, n, "unset limit means unlimited")

	cfg.Scheduler.BandwidthLimit = "512KiB"
	n, err = cfg.BandwidthLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(512<<10), n)
}
