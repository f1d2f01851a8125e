package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// LoggerConfig holds configuration for the logger
type LoggerConfig struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json, logfmt
	Output string // stdout, stderr, or a file path
	Caller bool
}

// DefaultLoggerConfig returns default configuration
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:  "INFO",
		Format: "text",
		Output: "stderr",
	}
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (charmlog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return charmlog.DebugLevel, nil
	case "INFO", "":
		return charmlog.InfoLevel, nil
	case "WARN", "WARNING":
		return charmlog.WarnLevel, nil
	case "ERROR":
		return charmlog.ErrorLevel, nil
	default:
		return charmlog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// NewLogger builds a slog.Logger backed by a charmbracelet/log handler.
// The returned close function releases the log file when Output is a path.
func NewLogger(config LoggerConfig) (*slog.Logger, func() error, error) {
	level, err := ParseLogLevel(config.Level)
	if err != nil {
		return nil, nil, err
	}

	var formatter charmlog.Formatter
	switch strings.ToLower(config.Format) {
	case "", "text":
		formatter = charmlog.TextFormatter
	case "json":
		formatter = charmlog.JSONFormatter
	case "logfmt":
		formatter = charmlog.LogfmtFormatter
	default:
		return nil, nil, fmt.Errorf("invalid log format: %s", config.Format)
	}

	var (
		out     io.Writer
		closeFn = func() error { return nil }
	)
	switch strings.ToLower(config.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closeFn = f.Close
	}

	handler := charmlog.NewWithOptions(out, charmlog.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		ReportCaller:    config.Caller,
	})

	return slog.New(handler), closeFn, nil
}

// NopLogger returns a logger that discards everything
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrNop returns logger, or a discarding logger when it is nil
func OrNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return NopLogger()
	}
	return logger
}
