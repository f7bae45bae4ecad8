package blobstore

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	key := NewKey("uploads", "acct-1", "photo.png", now)

	parts := strings.Split(key, "/")
	require.Len(t, parts, 3)
	assert.Equal(t, "uploads", parts[0])
	assert.Equal(t, "acct-1", parts[1])
	assert.True(t, strings.HasPrefix(parts[2], "1700000000123-"), key)
	assert.True(t, strings.HasSuffix(parts[2], "-photo.png"), key)
	assert.NotEqual(t, key, NewKey("uploads", "acct-1", "photo.png", now))
}

func TestNewKey_SanitizesSegments(t *testing.T) {
	key := NewKey("uploads", "../acct", "../../etc/passwd", time.UnixMilli(1))

	assert.Len(t, strings.Split(key, "/"), 3)
	assert.NotContains(t, key, "..")
}

func TestOwnedBy(t *testing.T) {
	tests := []struct {
		key     string
		account string
		want    bool
	}{
		{key: "uploads/acct-1/1-abc-photo.png", account: "acct-1", want: true},
		{key: "/videos/acct-1/1-abc-out.mp4", account: "acct-1", want: true},
		{key: "uploads/acct-2/1-abc-photo.png", account: "acct-1", want: false},
		{key: "acct-1/photo.png", account: "acct-1", want: false},
		{key: "", account: "acct-1", want: false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, OwnedBy(tt.key, tt.account), tt.key)
	}
}

func TestFileStore_PutGet(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "images/acct-1/1-abc-out.png", []byte("png-bytes"), "image/png"))

	rc, obj, err := store.Get(ctx, "images/acct-1/1-abc-out.png")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, "image/png", obj.ContentType)
	assert.Equal(t, int64(9), obj.Size)
}

func TestFileStore_Missing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = store.Get(context.Background(), "images/acct-1/nope.png")

	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestFileStore_RejectsEscapingKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"", "..", "../outside.txt", "a/../../outside.txt"} {
		assert.Error(t, store.Put(ctx, key, []byte("x"), "text/plain"), key)
	}
}

func TestFileStore_CanceledContext(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Put(ctx, "a/b/c.txt", []byte("x"), "text/plain"), context.Canceled)
}

func TestNewFileStore_RequiresPath(t *testing.T) {
	_, err := NewFileStore("  ")
	assert.Error(t, err)
}
