package commands

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/objectfs/mediacache/pkg/api"
)

var (
	serveAddress  string
	serveOpen     string
	serveDuration float64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a session with the status and control API",
	Long: `Start a playback session and expose it over HTTP. The API reports
cache, scheduler and breaker statistics, accepts memory-pressure levels and
network-class changes, and serves Prometheus metrics when enabled.

Examples:
  # Serve on the configured address
  mediacache serve --config mediacache.yaml

  # Serve and open a resource immediately
  mediacache serve --open https://cdn.example.com/episode.mp3 --duration 1800`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "listen address (default: api.address from config)")
	serveCmd.Flags().StringVar(&serveOpen, "open", "", "resource to open at startup")
	serveCmd.Flags().Float64Var(&serveDuration, "duration", 0, "known duration in seconds of the --open resource")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger, cfg.API.Metrics)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Start(ctx); err != nil {
		return err
	}

	if serveOpen != "" {
		if err := rt.session.Open(ctx, serveOpen, serveDuration); err != nil {
			return fmt.Errorf("failed to open %s: %w", serveOpen, err)
		}
	}

	serverCfg := api.DefaultServerConfig()
	serverCfg.Address = cfg.API.Address
	if serveAddress != "" {
		serverCfg.Address = serveAddress
	}

	var metricsHandler http.Handler
	if rt.metrics != nil {
		metricsHandler = rt.metrics.Handler()
	}
	server := api.NewServer(serverCfg, rt.session, metricsHandler, logger)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start()
	}()

	logger.Info("session is being served. Press Ctrl+C to stop.",
		"session", rt.session.ID(), "address", serverCfg.Address)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-serverDone:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
