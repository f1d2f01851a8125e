package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/objectfs/mediacache/pkg/errors"
	"github.com/objectfs/mediacache/pkg/types"
	"github.com/objectfs/mediacache/pkg/utils"
)

// HTTPConfig configures the HTTP transport
type HTTPConfig struct {
	UserAgent string
	// Timeout bounds a whole request including the body; 0 leaves it to the caller's context
	Timeout time.Duration
	// Client overrides the HTTP client, mainly for tests
	Client *http.Client
}

// HTTP fetches byte ranges from plain HTTP(S) origins
type HTTP struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

var _ types.Transport = (*HTTP)(nil)

// NewHTTP creates an HTTP transport
func NewHTTP(cfg HTTPConfig, logger *slog.Logger) *HTTP {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTP{
		client:    client,
		userAgent: cfg.UserAgent,
		logger:    utils.OrNop(logger).With("component", "transport", "kind", "http"),
	}
}

// ProbeLength issues a HEAD request and returns Content-Length
func (h *HTTP) ProbeLength(ctx context.Context, resourceID string) (int64, error) {
	resp, err := h.do(ctx, http.MethodHead, resourceID, "")
	if err != nil {
		return 0, requestError(ctx, err, errors.ErrCodeProbeFailed, "ProbeLength", resourceID)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp.StatusCode, errors.ErrCodeProbeFailed, "ProbeLength", resourceID)
	}
	if resp.ContentLength <= 0 {
		return 0, errors.New(errors.ErrCodeProbeFailed, "response carries no content length").
			WithComponent("transport").
			WithOperation("ProbeLength").
			WithDetail("resource", resourceID).
			WithRetryable(false)
	}

	h.logger.Debug("length probe", "resource", resourceID, "size", resp.ContentLength)
	return resp.ContentLength, nil
}

// ProbeRange reads the first n bytes and returns the total from Content-Range
func (h *HTTP) ProbeRange(ctx context.Context, resourceID string, n int64) (int64, error) {
	if n <= 0 {
		n = 1
	}
	rng := types.ByteRange{Start: 0, End: n - 1}

	resp, err := h.do(ctx, http.MethodGet, resourceID, rng.Header())
	if err != nil {
		return 0, requestError(ctx, err, errors.ErrCodeProbeFailed, "ProbeRange", resourceID)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusPartialContent {
		return 0, statusError(resp.StatusCode, errors.ErrCodeProbeFailed, "ProbeRange", resourceID)
	}

	cr, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeProbeFailed, "unusable content-range", err).
			WithComponent("transport").
			WithOperation("ProbeRange").
			WithDetail("resource", resourceID).
			WithRetryable(false)
	}

	h.logger.Debug("range probe", "resource", resourceID, "size", cr.Total)
	return cr.Total, nil
}

// FetchRange returns exactly the bytes in [start, end]
func (h *HTTP) FetchRange(ctx context.Context, resourceID string, start, end int64) ([]byte, error) {
	rng := types.ByteRange{Start: start, End: end}
	if start < 0 || rng.Len() == 0 {
		return nil, errors.New(errors.ErrCodeRangeInvalid, fmt.Sprintf("invalid range %d-%d", start, end)).
			WithComponent("transport").
			WithOperation("FetchRange")
	}

	resp, err := h.do(ctx, http.MethodGet, resourceID, rng.Header())
	if err != nil {
		return nil, requestError(ctx, err, errors.ErrCodeFetchFailed, "FetchRange", resourceID)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		cr, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err == nil && cr.Start != start {
			return nil, errors.New(errors.ErrCodeRangeInvalid,
				fmt.Sprintf("server returned range starting at %d, asked for %d", cr.Start, start)).
				WithComponent("transport").
				WithOperation("FetchRange").
				WithDetail("resource", resourceID)
		}
	case http.StatusOK:
		// origin ignored the Range header; only usable when the span starts at 0
		if start != 0 {
			return nil, errors.New(errors.ErrCodeRangeInvalid, "origin does not support range requests").
				WithComponent("transport").
				WithOperation("FetchRange").
				WithDetail("resource", resourceID)
		}
	default:
		return nil, statusError(resp.StatusCode, errors.ErrCodeFetchFailed, "FetchRange", resourceID)
	}

	return readSpan(ctx, resp.Body, rng.Len(), resourceID)
}

func (h *HTTP) do(ctx context.Context, method, url, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	return h.client.Do(req)
}

// readSpan reads exactly want bytes from body
func readSpan(ctx context.Context, body io.Reader, want int64, resourceID string) ([]byte, error) {
	data := make([]byte, want)
	n, err := io.ReadFull(body, data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, requestError(ctx, ctxErr, errors.ErrCodeFetchFailed, "FetchRange", resourceID)
		}
		return nil, errors.Wrap(errors.ErrCodeFetchFailed,
			fmt.Sprintf("short body: got %d of %d bytes", n, want), err).
			WithComponent("transport").
			WithOperation("FetchRange").
			WithDetail("resource", resourceID)
	}
	return data, nil
}

// requestError classifies a failed round trip. Deadline expiry becomes FETCH_TIMEOUT.
func requestError(ctx context.Context, err error, code errors.ErrorCode, op, resourceID string) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		code = errors.ErrCodeFetchTimeout
	}
	e := errors.Wrap(code, "request failed", err).
		WithComponent("transport").
		WithOperation(op).
		WithDetail("resource", resourceID)
	if stderrors.Is(err, context.Canceled) {
		e = e.WithRetryable(false)
	}
	return e
}

// statusError maps an unexpected HTTP status onto an error code
func statusError(status int, code errors.ErrorCode, op, resourceID string) error {
	msg := fmt.Sprintf("unexpected status %d %s", status, http.StatusText(status))
	retryable := status >= 500 || status == http.StatusTooManyRequests

	switch status {
	case http.StatusNotFound, http.StatusGone:
		code = errors.ErrCodeNotFound
	case http.StatusRequestedRangeNotSatisfiable:
		code = errors.ErrCodeRangeInvalid
	}

	return errors.New(code, msg).
		WithComponent("transport").
		WithOperation(op).
		WithDetail("resource", resourceID).
		WithDetail("status", status).
		WithRetryable(retryable)
}

// drain closes the body after discarding a bounded remainder so the connection can be reused
func drain(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, 64*1024)
	_ = resp.Body.Close()
}
