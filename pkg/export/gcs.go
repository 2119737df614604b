//go:build gcp

package export

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
)

// GCSSink uploads bundles to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSSinkConfig holds configuration for GCSSink.
type GCSSinkConfig struct {
	Bucket string
	Prefix string
}

// NewGCSSink creates a GCS-backed bundle sink (uses ADC by default).
func NewGCSSink(ctx context.Context, cfg GCSSinkConfig) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: create GCS client: %w", err)
	}
	return &GCSSink{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *GCSSink) Put(ctx context.Context, bundle *Bundle) (string, error) {
	objectPath := s.prefix + bundleName(bundle)
	obj := s.client.Bucket(s.bucket).Object(objectPath)

	// Content-addressed keys, so an existing object is already this bundle.
	if _, err := obj.Attrs(ctx); err == nil {
		return "gs://" + s.bucket + "/" + objectPath, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(bundle.Data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("export: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("export: gcs close failed: %w", err)
	}
	return "gs://" + s.bucket + "/" + objectPath, nil
}

func newGCSSinkFromEnv(ctx context.Context) (Sink, error) {
	bucket := os.Getenv("EXPORT_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("export: EXPORT_GCS_BUCKET is required for gcs sink")
	}
	return NewGCSSink(ctx, GCSSinkConfig{
		Bucket: bucket,
		Prefix: os.Getenv("EXPORT_GCS_PREFIX"),
	})
}
