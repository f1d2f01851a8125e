package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/objectfs/mediacache/internal/circuit"
	"github.com/objectfs/mediacache/internal/config"
	"github.com/objectfs/mediacache/pkg/types"
)

// FromConfig builds the configured transport, wrapped with circuit breakers
// when enabled. The returned manager is nil when breakers are off.
func FromConfig(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) (types.Transport, *circuit.Manager, error) {
	var t types.Transport

	switch strings.ToLower(cfg.Transport.Kind) {
	case "", "http":
		t = NewHTTP(HTTPConfig{
			UserAgent: cfg.Transport.UserAgent,
			Timeout:   cfg.Transport.Timeout,
		}, logger)
	case "s3":
		s3t, err := NewS3(ctx, S3Config{
			Bucket:         cfg.Transport.S3.Bucket,
			Region:         cfg.Transport.S3.Region,
			Endpoint:       cfg.Transport.S3.Endpoint,
			ForcePathStyle: cfg.Transport.S3.ForcePathStyle,
			MaxRetries:     cfg.Transport.S3.MaxRetries,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		t = s3t
	default:
		return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}

	cb := cfg.Network.CircuitBreaker
	if !cb.Enabled {
		return t, nil, nil
	}
	breakers := NewBreakerManager(uint32(cb.FailureThreshold), cb.Timeout, logger)
	return WithBreaker(t, breakers), breakers, nil
}
