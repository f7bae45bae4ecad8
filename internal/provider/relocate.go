package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/metrics"
	"github.com/cuongbtq/restora/shared/blobstore"
)

const defaultMaxResultBytes = 512 << 20

// Destination tells the relocator whose result it is copying
type Destination struct {
	AccountID string
	Kind      domain.JobKind
}

// Relocator copies a provider's ephemeral result into durable storage
type Relocator struct {
	client   *http.Client
	store    blobstore.Store
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time
}

// NewRelocator creates a Relocator; maxBytes <= 0 uses the default cap
func NewRelocator(client *http.Client, store blobstore.Store, maxBytes int64, logger *slog.Logger) *Relocator {
	if maxBytes <= 0 {
		maxBytes = defaultMaxResultBytes
	}
	return &Relocator{
		client:   client,
		store:    store,
		maxBytes: maxBytes,
		logger:   logger,
		now:      time.Now,
	}
}

// Relocate downloads ephemeralURL once, from byte 0, and stores it under a
// fresh key in the account's namespace. It returns the durable key. Any
// failure is reported as ErrRelocationFailed; a retry always starts a new
// download.
func (r *Relocator) Relocate(ctx context.Context, ephemeralURL string, dest Destination) (string, error) {
	start := time.Now()
	key, err := r.relocate(ctx, ephemeralURL, dest)
	if err != nil {
		metrics.RelocationDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		r.logger.Error("Relocation failed",
			slog.String("account_id", dest.AccountID),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("%w: %v", domain.ErrRelocationFailed, err)
	}

	metrics.RelocationDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	r.logger.Info("Result relocated",
		slog.String("account_id", dest.AccountID),
		slog.String("key", key),
		slog.Duration("elapsed", time.Since(start)),
	)
	return key, nil
}

func (r *Relocator) relocate(ctx context.Context, ephemeralURL string, dest Destination) (string, error) {
	parsed, err := url.Parse(ephemeralURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("invalid result url %q", ephemeralURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ephemeralURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("download interrupted: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return "", fmt.Errorf("result exceeds %d bytes", r.maxBytes)
	}
	if resp.ContentLength >= 0 && int64(len(data)) != resp.ContentLength {
		return "", fmt.Errorf("partial download: got %d of %d bytes", len(data), resp.ContentLength)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty result")
	}

	contentType := mediaType(resp.Header.Get("Content-Type"), parsed.Path, data)
	key := blobstore.NewKey(keyPrefix(dest.Kind), dest.AccountID, "out"+extension(contentType, parsed.Path), r.now())

	if err := r.store.Put(ctx, key, data, contentType); err != nil {
		return "", fmt.Errorf("store write failed: %w", err)
	}
	return key, nil
}

func keyPrefix(kind domain.JobKind) string {
	if kind.ProducesVideo() {
		return "videos"
	}
	return "images"
}

func mediaType(header, urlPath string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if byExt := mime.TypeByExtension(path.Ext(urlPath)); byExt != "" {
		return byExt
	}
	return http.DetectContentType(data)
}

func extension(contentType, urlPath string) string {
	if ext := strings.ToLower(path.Ext(urlPath)); ext != "" && len(ext) <= 5 {
		return ext
	}
	switch contentType {
	case "video/mp4":
		return ".mp4"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
