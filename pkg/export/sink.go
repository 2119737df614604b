package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink persists a finished bundle and returns a locator for it.
type Sink interface {
	Put(ctx context.Context, bundle *Bundle) (string, error)
}

// FileSink writes bundles to a local directory, named by checksum so
// repeated exports of the same content are idempotent.
type FileSink struct {
	dir string
}

// NewFileSink creates the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create sink dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Put(_ context.Context, bundle *Bundle) (string, error) {
	path := filepath.Join(s.dir, bundleName(bundle))
	if err := os.WriteFile(path, bundle.Data, 0o644); err != nil {
		return "", fmt.Errorf("export: write bundle: %w", err)
	}
	return path, nil
}

// S3Sink uploads bundles to an S3 bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3SinkConfig holds configuration for S3Sink.
type S3SinkConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string
}

// NewS3Sink creates an S3-backed bundle sink using ambient AWS credentials.
func NewS3Sink(ctx context.Context, cfg S3SinkConfig) (*S3Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("export: load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Sink{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Sink) Put(ctx context.Context, bundle *Bundle) (string, error) {
	key := s.prefix + bundleName(bundle)

	// Content-addressed keys, so an existing object is already this bundle.
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return "s3://" + s.bucket + "/" + key, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(bundle.Data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("export: s3 put failed: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func bundleName(bundle *Bundle) string {
	return strings.TrimPrefix(bundle.Checksum, "sha256:") + ".zip"
}

// NewSinkFromEnv selects a sink from EXPORT_SINK: "file" (default, using
// EXPORT_DIR), "s3" (EXPORT_S3_BUCKET, EXPORT_S3_REGION, EXPORT_S3_PREFIX,
// EXPORT_S3_ENDPOINT) or "gcs" in builds tagged gcp (EXPORT_GCS_BUCKET,
// EXPORT_GCS_PREFIX).
func NewSinkFromEnv(ctx context.Context) (Sink, error) {
	switch kind := os.Getenv("EXPORT_SINK"); kind {
	case "", "file":
		dir := os.Getenv("EXPORT_DIR")
		if dir == "" {
			dir = "bundles"
		}
		return NewFileSink(dir)
	case "s3":
		bucket := os.Getenv("EXPORT_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("export: EXPORT_S3_BUCKET is required for s3 sink")
		}
		return NewS3Sink(ctx, S3SinkConfig{
			Bucket:   bucket,
			Region:   os.Getenv("EXPORT_S3_REGION"),
			Endpoint: os.Getenv("EXPORT_S3_ENDPOINT"),
			Prefix:   os.Getenv("EXPORT_S3_PREFIX"),
		})
	case "gcs":
		return newGCSSinkFromEnv(ctx)
	default:
		return nil, fmt.Errorf("export: unknown sink kind %q", kind)
	}
}
