package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig holds Google Cloud Storage settings
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	CacheControl    string
}

// GCS stores blobs in a Google Cloud Storage bucket
type GCS struct {
	client *storage.Client
	config *GCSConfig
	logger *slog.Logger
}

// NewGCS creates a GCS-backed store. Without a credentials file the client
// falls back to application default credentials.
func NewGCS(ctx context.Context, config *GCSConfig, logger *slog.Logger) (*GCS, error) {
	if config.Bucket == "" {
		return nil, errors.New("blobstore: gcs bucket is required")
	}

	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	logger.Info("GCS blob store initialized",
		slog.String("bucket", config.Bucket),
	)

	return &GCS{client: client, config: config, logger: logger}, nil
}

// Put uploads data to the bucket under key
func (g *GCS) Put(ctx context.Context, key string, data []byte, contentType string) error {
	writer := g.client.Bucket(g.config.Bucket).Object(key).NewWriter(ctx)
	writer.ContentType = contentType
	if g.config.CacheControl != "" {
		writer.CacheControl = g.config.CacheControl
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", key, err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", key, err)
	}

	g.logger.Debug("Uploaded object to GCS",
		slog.String("bucket", g.config.Bucket),
		slog.String("key", key),
		slog.Int("size", len(data)),
	)
	return nil
}

// Get opens a reader on the object stored under key
func (g *GCS) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	reader, err := g.client.Bucket(g.config.Bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, Object{}, ErrObjectNotFound
		}
		return nil, Object{}, fmt.Errorf("failed to open GCS object %s: %w", key, err)
	}

	return reader, Object{
		Key:         key,
		ContentType: reader.Attrs.ContentType,
		Size:        reader.Attrs.Size,
	}, nil
}

// Close releases the underlying client
func (g *GCS) Close() error {
	return g.client.Close()
}
