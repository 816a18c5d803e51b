package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(mock *MockS3Client) *FileStore {
	return NewFileStoreWithClient(mock, "weave-files", nil)
}

func TestFileStorePutStagesUnderSyncScopedKey(t *testing.T) {
	mock := NewMockS3Client()
	fs := testStore(mock)

	key, err := fs.Put(context.Background(), "sync-1", "issue-42", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, "syncs/sync-1/issue-42", key)
	assert.Equal(t, "weave-files", mock.LastBucket)

	obj, ok := mock.Objects[key]
	require.True(t, ok)
	assert.Equal(t, "payload", obj.Content)
}

func TestFileStorePutMeasuresSeekableBodies(t *testing.T) {
	mock := NewMockS3Client()
	fs := testStore(mock)

	body := strings.NewReader("seven b")
	key, err := fs.Put(context.Background(), "sync-1", "doc-1", body)
	require.NoError(t, err)
	assert.Equal(t, int64(7), mock.Objects[key].ContentLength)
}

func TestFileStorePutAcceptsPlainReaders(t *testing.T) {
	mock := NewMockS3Client()
	fs := testStore(mock)

	body := io.NopCloser(strings.NewReader("streamed"))
	key, err := fs.Put(context.Background(), "sync-1", "doc-2", body)
	require.NoError(t, err)
	assert.Equal(t, "streamed", mock.Objects[key].Content)
}

func TestFileStorePutPropagatesClientErrors(t *testing.T) {
	mock := NewMockS3Client()
	mock.Err = errors.New("access denied")
	fs := testStore(mock)

	_, err := fs.Put(context.Background(), "sync-1", "doc-1", strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stage payload")
}

func TestFileStoreGetRoundTrip(t *testing.T) {
	mock := NewMockS3Client()
	fs := testStore(mock)

	key, err := fs.Put(context.Background(), "sync-1", "doc-1", strings.NewReader("content"))
	require.NoError(t, err)

	rc, err := fs.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestFileStoreGetUnknownKeyFails(t *testing.T) {
	fs := testStore(NewMockS3Client())

	_, err := fs.Get(context.Background(), "syncs/none/none")
	require.Error(t, err)
}

func TestFileStoreDeleteRemovesObject(t *testing.T) {
	mock := NewMockS3Client()
	fs := testStore(mock)

	key, err := fs.Put(context.Background(), "sync-1", "doc-1", strings.NewReader("content"))
	require.NoError(t, err)

	require.NoError(t, fs.Delete(context.Background(), key))
	assert.NotContains(t, mock.Objects, key)

	// Deleting again is a no-op, not an error.
	require.NoError(t, fs.Delete(context.Background(), key))
}

func TestEnsureBucketCreatesMissingBucket(t *testing.T) {
	mock := NewMockS3Client()
	fs := testStore(mock)

	require.NoError(t, fs.EnsureBucket(context.Background()))
	assert.True(t, mock.CreateBucketCalled)
	assert.True(t, mock.Buckets["weave-files"])

	// Second call finds it via HeadBucket.
	mock.CreateBucketCalled = false
	require.NoError(t, fs.EnsureBucket(context.Background()))
	assert.False(t, mock.CreateBucketCalled)
}

func TestKeyIsDeterministic(t *testing.T) {
	fs := testStore(NewMockS3Client())
	assert.Equal(t, fs.Key("s", "e"), fs.Key("s", "e"))
	assert.NotEqual(t, fs.Key("s", "e1"), fs.Key("s", "e2"))
}
