package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/objectfs/mediacache/internal/config"
	"github.com/objectfs/mediacache/internal/metrics"
	"github.com/objectfs/mediacache/internal/netclass"
	"github.com/objectfs/mediacache/internal/session"
	"github.com/objectfs/mediacache/internal/transport"
	"github.com/objectfs/mediacache/pkg/memmon"
	"github.com/objectfs/mediacache/pkg/utils"
)

// loadConfig reads defaults, the config file when given, then environment overrides.
func loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()

	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s (create one with: mediacache config init %s)", cfgFile, cfgFile)
		}
		if err := cfg.LoadFromFile(cfgFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Global.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Global.LogFormat = logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Configuration) (*slog.Logger, func() error, error) {
	output := cfg.Global.LogFile
	if output == "" {
		output = "stderr"
	}
	return utils.NewLogger(utils.LoggerConfig{
		Level:  cfg.Global.LogLevel,
		Format: cfg.Global.LogFormat,
		Output: output,
	})
}

// runtime is a session plus the collaborators built for it from configuration.
type runtime struct {
	cfg     *config.Configuration
	logger  *slog.Logger
	session *session.Session
	metrics *metrics.Collector
	memory  *memmon.PressureMonitor

	closers []func() error
}

// newRuntime builds the transport, network source, memory monitor, metrics
// collector and session described by cfg. The session is not started.
func newRuntime(ctx context.Context, cfg *config.Configuration, logger *slog.Logger, withMetrics bool) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	t, breakers, err := transport.FromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	var network netclass.Source
	if cfg.Network.ClassFile != "" {
		fs, err := netclass.NewFileSource(cfg.Network.ClassFile, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open network class file: %w", err)
		}
		network = fs
		rt.closers = append(rt.closers, fs.Close)
	}

	if cfg.Memory.Enabled {
		limit, err := cfg.MemorySoftLimitBytes()
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("invalid memory soft limit: %w", err)
		}
		rt.memory = memmon.NewPressureMonitor(memmon.MonitorConfig{
			SampleInterval: cfg.Memory.SampleInterval,
			SoftLimit:      uint64(limit),
			Logger:         logger,
		})
	}

	if withMetrics {
		rt.metrics, err = metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Namespace: "mediacache",
			Labels:    map[string]string{"transport": cfg.Transport.Kind},
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
	}

	rt.session, err = session.New(session.Options{
		Config:    cfg,
		Transport: t,
		Breakers:  breakers,
		Network:   network,
		Memory:    rt.memory,
		Metrics:   rt.metrics,
		Logger:    logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Start starts the memory monitor and the session.
func (rt *runtime) Start(ctx context.Context) error {
	if rt.memory != nil {
		if err := rt.memory.Start(ctx); err != nil {
			return fmt.Errorf("failed to start memory monitor: %w", err)
		}
		rt.closers = append(rt.closers, rt.memory.Stop)
	}
	return rt.session.Start(ctx)
}

// Close closes the session, then the collaborators in reverse order.
func (rt *runtime) Close() {
	if rt.session != nil {
		if err := rt.session.Close(); err != nil {
			rt.logger.Warn("session close failed", "error", err)
		}
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("shutdown step failed", "error", err)
		}
	}
	rt.closers = nil
}
