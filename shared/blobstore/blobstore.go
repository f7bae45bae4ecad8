// Package blobstore is a put/get/stream API over durable object storage keyed by path.
package blobstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ErrObjectNotFound is returned by Get when no object exists under the key
var ErrObjectNotFound = errors.New("blobstore: object not found")

// Object describes a stored blob
type Object struct {
	Key         string
	ContentType string
	Size        int64
}

// Store is implemented by every durable storage backend
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, Object, error)
}

// NewKey builds a collision-resistant key of the form
// {prefix}/{account}/{unix-millis}-{random}-{name}.
func NewKey(prefix, accountID, name string, now time.Time) string {
	suffix := make([]byte, 3)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand does not fail on supported platforms; fall back to nanos
		return path.Join(prefix, sanitizeSegment(accountID), fmt.Sprintf("%d-%d-%s", now.UnixMilli(), now.Nanosecond(), sanitizeSegment(name)))
	}
	return path.Join(
		prefix,
		sanitizeSegment(accountID),
		fmt.Sprintf("%d-%s-%s", now.UnixMilli(), hex.EncodeToString(suffix), sanitizeSegment(name)),
	)
}

// OwnedBy reports whether key lives under the account's namespace in any prefix
func OwnedBy(key, accountID string) bool {
	parts := strings.Split(strings.TrimLeft(key, "/"), "/")
	return len(parts) >= 3 && parts[1] == sanitizeSegment(accountID)
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" {
		return "_"
	}
	return s
}
