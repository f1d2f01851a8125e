// Package memmon samples heap usage and turns it into discrete memory pressure levels
package memmon

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/mediacache/pkg/utils"
)

// Pressure levels. Level 0 means no pressure.
const (
	LevelNone     = 0
	LevelCritical = 5
)

// levelThresholds are heap usage fractions of the soft limit for levels 1 to 5
var levelThresholds = [...]float64{0.60, 0.70, 0.80, 0.90, 0.95}

// Handler receives pressure levels 1 to 5
type Handler func(level int)

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often to collect memory stats
	SampleInterval time.Duration

	// SoftLimit is the heap size considered full, in bytes
	SoftLimit uint64

	// MaxSamples is the number of samples to keep in history
	MaxSamples int

	// Logger for monitoring events
	Logger *slog.Logger

	// ReadHeap overrides the heap reading, mainly for tests
	ReadHeap func() uint64
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: 5 * time.Second,
		SoftLimit:      256 * 1024 * 1024,
		MaxSamples:     100,
	}
}

// MemorySample represents a memory usage sample
type MemorySample struct {
	Timestamp    time.Time `json:"timestamp"`
	HeapAlloc    uint64    `json:"heap_alloc"`
	NumGoroutine int       `json:"num_goroutine"`
	Level        int       `json:"level"`
}

// PressureMonitor samples heap usage and notifies subscribers when the
// pressure level rises
type PressureMonitor struct {
	config MonitorConfig
	logger *slog.Logger

	mu          sync.RWMutex
	samples     []MemorySample
	handlers    map[int]Handler
	nextHandler int
	lastLevel   int
	signals     map[int]uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewPressureMonitor creates a new pressure monitor
func NewPressureMonitor(config MonitorConfig) *PressureMonitor {
	defaults := DefaultMonitorConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = defaults.SampleInterval
	}
	if config.SoftLimit == 0 {
		config.SoftLimit = defaults.SoftLimit
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = defaults.MaxSamples
	}
	if config.ReadHeap == nil {
		config.ReadHeap = readHeapAlloc
	}

	return &PressureMonitor{
		config:   config,
		logger:   utils.OrNop(config.Logger).With("component", "memmon"),
		samples:  make([]MemorySample, 0, config.MaxSamples),
		handlers: make(map[int]Handler),
		signals:  make(map[int]uint64),
		stopCh:   make(chan struct{}),
	}
}

func readHeapAlloc() uint64 {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return memStats.HeapAlloc
}

// LevelFor maps heap usage against a soft limit to a pressure level
func LevelFor(heap, softLimit uint64) int {
	if softLimit == 0 {
		return LevelNone
	}
	ratio := float64(heap) / float64(softLimit)

	level := LevelNone
	for i, threshold := range levelThresholds {
		if ratio >= threshold {
			level = i + 1
		}
	}
	return level
}

// Subscribe registers fn for pressure levels and returns a function that unregisters it
func (pm *PressureMonitor) Subscribe(fn Handler) (cancel func()) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	id := pm.nextHandler
	pm.nextHandler++
	pm.handlers[id] = fn

	return func() {
		pm.mu.Lock()
		defer pm.mu.Unlock()
		delete(pm.handlers, id)
	}
}

// Signal delivers level to every subscriber. Levels are clamped to 1..5.
func (pm *PressureMonitor) Signal(level int) {
	if level < 1 {
		level = 1
	}
	if level > LevelCritical {
		level = LevelCritical
	}

	pm.mu.Lock()
	pm.signals[level]++
	handlers := make([]Handler, 0, len(pm.handlers))
	ids := make([]int, 0, len(pm.handlers))
	for id := range pm.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, pm.handlers[id])
	}
	pm.mu.Unlock()

	pm.logger.Warn("memory pressure", "level", level, "subscribers", len(handlers))
	for _, fn := range handlers {
		fn(level)
	}
}

// Start begins memory monitoring
func (pm *PressureMonitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&pm.active, 0, 1) {
		return fmt.Errorf("monitor already running")
	}

	pm.logger.Info("starting memory monitor",
		"sample_interval", pm.config.SampleInterval,
		"soft_limit", utils.FormatSize(int64(pm.config.SoftLimit)))

	pm.wg.Add(1)
	go pm.monitorLoop(ctx)

	return nil
}

// Stop stops memory monitoring
func (pm *PressureMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&pm.active, 1, 0) {
		return nil // Already stopped
	}

	pm.logger.Info("stopping memory monitor")
	close(pm.stopCh)
	pm.wg.Wait()

	return nil
}

// monitorLoop runs the monitoring loop
func (pm *PressureMonitor) monitorLoop(ctx context.Context) {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.config.SampleInterval)
	defer ticker.Stop()

	pm.Sample()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pm.stopCh:
			return
		case <-ticker.C:
			pm.Sample()
		}
	}
}

// Sample reads heap usage once and signals when the level rose since the
// previous sample. A falling level re-arms lower levels.
func (pm *PressureMonitor) Sample() MemorySample {
	heap := pm.config.ReadHeap()
	sample := MemorySample{
		Timestamp:    time.Now(),
		HeapAlloc:    heap,
		NumGoroutine: runtime.NumGoroutine(),
		Level:        LevelFor(heap, pm.config.SoftLimit),
	}

	pm.mu.Lock()
	pm.samples = append(pm.samples, sample)
	if len(pm.samples) > pm.config.MaxSamples {
		pm.samples = pm.samples[1:]
	}
	rising := sample.Level > pm.lastLevel
	pm.lastLevel = sample.Level
	pm.mu.Unlock()

	if rising {
		pm.Signal(sample.Level)
	}
	return sample
}

// MemoryStats provides memory statistics
type MemoryStats struct {
	CurrentSample MemorySample   `json:"current_sample"`
	SampleCount   int            `json:"sample_count"`
	SoftLimit     uint64         `json:"soft_limit"`
	Signals       map[int]uint64 `json:"signals"`
}

// GetStats returns current memory statistics
func (pm *PressureMonitor) GetStats() MemoryStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := MemoryStats{
		SampleCount: len(pm.samples),
		SoftLimit:   pm.config.SoftLimit,
		Signals:     make(map[int]uint64, len(pm.signals)),
	}
	if n := len(pm.samples); n > 0 {
		stats.CurrentSample = pm.samples[n-1]
	}
	for level, count := range pm.signals {
		stats.Signals[level] = count
	}
	return stats
}

// GetSamples returns memory sample history
func (pm *PressureMonitor) GetSamples() []MemorySample {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	samples := make([]MemorySample, len(pm.samples))
	copy(samples, pm.samples)
	return samples
}
