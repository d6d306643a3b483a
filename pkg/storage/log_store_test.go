package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLogStore_StoreAndRetrieve(t *testing.T) {
	store, err := NewLocalLogStore(t.TempDir())
	require.NoError(t, err)

	ref, err := store.Store(context.Background(), "job-1", []byte("ffmpeg version 6.0\nframe= 100\n"))
	require.NoError(t, err)

	data, err := store.Retrieve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg version 6.0\nframe= 100\n", string(data))
}

func TestLocalLogStore_PurgeExpired(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalLogStore(dir)
	require.NoError(t, err)

	oldRef, err := store.Store(context.Background(), "old-job", []byte("stale"))
	require.NoError(t, err)
	freshRef, err := store.Store(context.Background(), "fresh-job", []byte("recent"))
	require.NoError(t, err)

	// Age the first file past the cutoff.
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old-job.log"), stale, stale))

	require.NoError(t, store.Purge(context.Background(), time.Now().Add(-24*time.Hour)))

	_, err = store.Retrieve(context.Background(), oldRef)
	assert.Error(t, err)
	_, err = store.Retrieve(context.Background(), freshRef)
	assert.NoError(t, err)
}

func TestS3LogStore_KeyRoundTrip(t *testing.T) {
	s := &S3LogStore{bucket: "media-logs", prefix: "logs/jobs/"}

	key := s.buildKey("abc123")
	assert.Contains(t, key, "logs/jobs/")
	assert.Contains(t, key, "abc123.log")

	assert.Equal(t, key, s.extractKey("s3://media-logs/"+key))
	assert.Equal(t, "plain/path.log", s.extractKey("plain/path.log"))
}
