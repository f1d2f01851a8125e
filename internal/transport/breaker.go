package transport

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/objectfs/mediacache/internal/circuit"
	"github.com/objectfs/mediacache/pkg/errors"
	"github.com/objectfs/mediacache/pkg/types"
	"github.com/objectfs/mediacache/pkg/utils"
)

// NewBreakerManager returns a circuit breaker manager tuned for origins.
// Answers that prove the origin is alive (not found, bad range) and caller
// cancellation do not count as failures.
func NewBreakerManager(threshold uint32, timeout time.Duration, logger *slog.Logger) *circuit.Manager {
	logger = utils.OrNop(logger)
	return circuit.NewManager(circuit.Config{
		FailureThreshold: threshold,
		Timeout:          timeout,
		IsSuccessful: func(err error) bool {
			return err == nil ||
				stderrors.Is(err, context.Canceled) ||
				errors.HasCode(err, errors.ErrCodeNotFound) ||
				errors.HasCode(err, errors.ErrCodeRangeInvalid)
		},
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("origin circuit breaker changed state",
				"origin", name, "from", from.String(), "to", to.String())
		},
	})
}

// breakerTransport routes each call through the breaker of the resource's origin
type breakerTransport struct {
	next     types.Transport
	breakers *circuit.Manager
}

// WithBreaker wraps next with per-origin circuit breakers
func WithBreaker(next types.Transport, breakers *circuit.Manager) types.Transport {
	return &breakerTransport{next: next, breakers: breakers}
}

func (b *breakerTransport) ProbeLength(ctx context.Context, resourceID string) (int64, error) {
	var size int64
	err := b.execute(ctx, resourceID, func(ctx context.Context) error {
		var err error
		size, err = b.next.ProbeLength(ctx, resourceID)
		return err
	})
	return size, err
}

func (b *breakerTransport) ProbeRange(ctx context.Context, resourceID string, n int64) (int64, error) {
	var size int64
	err := b.execute(ctx, resourceID, func(ctx context.Context) error {
		var err error
		size, err = b.next.ProbeRange(ctx, resourceID, n)
		return err
	})
	return size, err
}

func (b *breakerTransport) FetchRange(ctx context.Context, resourceID string, start, end int64) ([]byte, error) {
	var data []byte
	err := b.execute(ctx, resourceID, func(ctx context.Context) error {
		var err error
		data, err = b.next.FetchRange(ctx, resourceID, start, end)
		return err
	})
	return data, err
}

func (b *breakerTransport) execute(ctx context.Context, resourceID string, fn func(context.Context) error) error {
	origin := OriginOf(resourceID)
	err := b.breakers.GetBreaker(origin).Execute(ctx, fn)
	if stderrors.Is(err, circuit.ErrOpenState) || stderrors.Is(err, circuit.ErrTooManyRequests) {
		return errors.Wrap(errors.ErrCodeCircuitOpen, "origin temporarily disabled", err).
			WithComponent("transport").
			WithDetail("origin", origin).
			WithRetryable(false)
	}
	return err
}

// OriginOf names the origin a resource is served from: the host of a URL,
// the bucket of an s3:// ID, or "default" for bare keys.
func OriginOf(resourceID string) string {
	if rest, ok := strings.CutPrefix(resourceID, "s3://"); ok {
		bucket, _, _ := strings.Cut(rest, "/")
		return "s3:" + bucket
	}
	if u, err := url.Parse(resourceID); err == nil && u.Host != "" {
		return u.Host
	}
	return "default"
}
