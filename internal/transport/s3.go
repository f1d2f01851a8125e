package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/objectfs/mediacache/pkg/errors"
	"github.com/objectfs/mediacache/pkg/types"
	"github.com/objectfs/mediacache/pkg/utils"
)

// S3Config configures the S3 transport
type S3Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	MaxRetries     int
}

// s3API is the subset of *s3.Client the transport needs
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 fetches byte ranges of objects stored in S3 or an S3-compatible store
type S3 struct {
	client s3API
	bucket string
	logger *slog.Logger
}

var _ types.Transport = (*S3)(nil)

// NewS3 loads the default AWS configuration and creates an S3 transport
func NewS3(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.MaxRetries))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return newS3WithClient(client, cfg.Bucket, logger), nil
}

func newS3WithClient(client s3API, bucket string, logger *slog.Logger) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		logger: utils.OrNop(logger).With("component", "transport", "kind", "s3"),
	}
}

// ProbeLength returns ContentLength from HeadObject
func (s *S3) ProbeLength(ctx context.Context, resourceID string) (int64, error) {
	bucket, key, err := s.locate(resourceID)
	if err != nil {
		return 0, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, s.translateError(ctx, err, errors.ErrCodeProbeFailed, "ProbeLength", resourceID)
	}

	size := aws.ToInt64(out.ContentLength)
	if size <= 0 {
		return 0, errors.New(errors.ErrCodeProbeFailed, "object reports no content length").
			WithComponent("transport").
			WithOperation("ProbeLength").
			WithDetail("resource", resourceID).
			WithRetryable(false)
	}
	return size, nil
}

// ProbeRange reads the first n bytes and returns the total from ContentRange
func (s *S3) ProbeRange(ctx context.Context, resourceID string, n int64) (int64, error) {
	if n <= 0 {
		n = 1
	}
	out, err := s.get(ctx, resourceID, types.ByteRange{Start: 0, End: n - 1}, errors.ErrCodeProbeFailed, "ProbeRange")
	if err != nil {
		return 0, err
	}
	defer out.Body.Close()

	cr, err := parseContentRange(aws.ToString(out.ContentRange))
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeProbeFailed, "unusable content-range", err).
			WithComponent("transport").
			WithOperation("ProbeRange").
			WithDetail("resource", resourceID).
			WithRetryable(false)
	}
	return cr.Total, nil
}

// FetchRange returns exactly the bytes in [start, end]
func (s *S3) FetchRange(ctx context.Context, resourceID string, start, end int64) ([]byte, error) {
	rng := types.ByteRange{Start: start, End: end}
	if start < 0 || rng.Len() == 0 {
		return nil, errors.New(errors.ErrCodeRangeInvalid, fmt.Sprintf("invalid range %d-%d", start, end)).
			WithComponent("transport").
			WithOperation("FetchRange")
	}

	out, err := s.get(ctx, resourceID, rng, errors.ErrCodeFetchFailed, "FetchRange")
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	return readSpan(ctx, out.Body, rng.Len(), resourceID)
}

func (s *S3) get(ctx context.Context, resourceID string, rng types.ByteRange, code errors.ErrorCode, op string) (*s3.GetObjectOutput, error) {
	bucket, key, err := s.locate(resourceID)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(rng.Header()),
	})
	if err != nil {
		return nil, s.translateError(ctx, err, code, op, resourceID)
	}
	return out, nil
}

// locate splits a resource ID into bucket and key. IDs without the s3://
// scheme are keys in the configured bucket.
func (s *S3) locate(resourceID string) (string, string, error) {
	bucket, key := s.bucket, strings.TrimPrefix(resourceID, "/")
	if rest, ok := strings.CutPrefix(resourceID, "s3://"); ok {
		bucket, key, _ = strings.Cut(rest, "/")
	}

	if bucket == "" || key == "" {
		return "", "", errors.New(errors.ErrCodeNotFound, "resource does not name a bucket and key").
			WithComponent("transport").
			WithDetail("resource", resourceID)
	}
	return bucket, key, nil
}

func (s *S3) translateError(ctx context.Context, err error, code errors.ErrorCode, op, resourceID string) error {
	var apiErr interface{ ErrorCode() string }

	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return errors.Wrap(errors.ErrCodeNotFound, "object not found", err).
			WithComponent("transport").
			WithOperation(op).
			WithDetail("resource", resourceID)
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.Wrap(errors.ErrCodeNotFound, "bucket not found", err).
			WithComponent("transport").
			WithOperation(op).
			WithDetail("resource", resourceID)
	case stderrors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange":
		return errors.Wrap(errors.ErrCodeRangeInvalid, "range not satisfiable", err).
			WithComponent("transport").
			WithOperation(op).
			WithDetail("resource", resourceID)
	default:
		return requestError(ctx, err, code, op, resourceID)
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}
